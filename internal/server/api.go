// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"opull/pkg/opull"
)

// PullRequest is the request body for starting a pull. The models directory
// is NOT configurable via the API: the server always writes into the store
// its settings name.
type PullRequest struct {
	Model    string         `json:"model"`
	Provider opull.Provider `json:"provider,omitempty"` // "registry" (default) or "hub"
}

// SettingsResponse is the API view of the server's settings. Credentials are
// masked, never returned in full.
type SettingsResponse struct {
	ServerURL          string  `json:"serverUrl"`
	APIKey             string  `json:"apiKey,omitempty"`
	ModelsPath         string  `json:"modelsPath"`
	RegistryBaseURL    string  `json:"registryBaseUrl"`
	HubBaseURL         string  `json:"hubBaseUrl"`
	MaxConcurrent      int     `json:"maxConcurrent"`
	Retries            int     `json:"retries"`
	Timeout            float64 `json:"timeout"`
	CheckModelPresence bool    `json:"checkModelPresence"`
	RemoveOnError      bool    `json:"removeDownloadedOnError"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse represents a simple success message.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStartPull starts a new pull job, or returns the running one when the
// same model is already being pulled.
func (s *Server) handleStartPull(w http.ResponseWriter, r *http.Request) {
	var req PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "Missing required field: model", "")
		return
	}
	if req.Provider == "" {
		req.Provider = opull.ProviderRegistry
	}
	if req.Provider != opull.ProviderRegistry && req.Provider != opull.ProviderHub {
		writeError(w, http.StatusBadRequest, "Invalid provider", `expected "registry" or "hub"`)
		return
	}

	job, wasExisting, err := s.jobs.CreateJob(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid model reference", err.Error())
		return
	}

	if wasExisting {
		writeJSON(w, http.StatusOK, map[string]any{
			"job":     job,
			"message": "Pull already in progress",
		})
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.jobs.ListJobs()
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing job ID", "")
		return
	}

	job, ok := s.jobs.GetJob(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Job not found", "")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing job ID", "")
		return
	}

	if s.jobs.CancelJob(id) {
		writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "Job cancelled"})
	} else {
		writeError(w, http.StatusNotFound, "Job not found or already completed", "")
	}
}

// handleListModels proxies the provider's model catalog.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	resolver, limit, token, ok := s.listingParams(w, r)
	if !ok {
		return
	}
	page, err := resolver.ListModels(r.Context(), limit, token)
	if err != nil {
		writeError(w, http.StatusBadGateway, "Listing failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleListTags proxies the provider's tag listing for ?model=.
func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")
	if model == "" {
		writeError(w, http.StatusBadRequest, "Missing required query parameter: model", "")
		return
	}
	resolver, limit, token, ok := s.listingParams(w, r)
	if !ok {
		return
	}
	page, err := resolver.ListTags(r.Context(), model, limit, token)
	if err != nil {
		writeError(w, http.StatusBadGateway, "Listing failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) listingParams(w http.ResponseWriter, r *http.Request) (opull.Resolver, int, string, bool) {
	q := r.URL.Query()
	p := opull.Provider(q.Get("provider"))
	if p == "" {
		p = opull.ProviderRegistry
	}
	s.mu.RLock()
	settings := s.config.Settings
	s.mu.RUnlock()
	resolver, err := opull.NewResolver(p, settings, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid provider", err.Error())
		return nil, 0, "", false
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", "")
			return nil, 0, "", false
		}
	}
	return resolver, limit, q.Get("page_token"), true
}

// handleGetSettings returns the settings with the API key masked.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	cfg := s.config.Settings
	s.mu.RUnlock()
	apiKey := ""
	if cfg.OllamaServer.APIKey != "" {
		key := cfg.OllamaServer.APIKey
		apiKey = "********" + key[max(0, len(key)-4):]
	}

	writeJSON(w, http.StatusOK, SettingsResponse{
		ServerURL:          cfg.OllamaServer.URL,
		APIKey:             apiKey,
		ModelsPath:         cfg.OllamaLibrary.ModelsPath,
		RegistryBaseURL:    cfg.OllamaLibrary.RegistryBaseURL,
		HubBaseURL:         cfg.OllamaLibrary.HubBaseURL,
		MaxConcurrent:      cfg.OllamaLibrary.MaxConcurrent,
		Retries:            cfg.OllamaLibrary.Retries,
		Timeout:            cfg.OllamaLibrary.Timeout,
		CheckModelPresence: cfg.OllamaServer.CheckModelPresence,
		RemoveOnError:      cfg.OllamaServer.RemoveDownloadedOnError,
	})
}

// handleUpdateSettings updates tuning settings. The models path and upstream
// URLs are deliberately not updatable over the API: a request must not be
// able to redirect writes or point pulls at a different upstream.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxConcurrent      *int     `json:"maxConcurrent,omitempty"`
		Retries            *int     `json:"retries,omitempty"`
		Timeout            *float64 `json:"timeout,omitempty"`
		CheckModelPresence *bool    `json:"checkModelPresence,omitempty"`
		RemoveOnError      *bool    `json:"removeDownloadedOnError,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	s.mu.Lock()
	if req.MaxConcurrent != nil && *req.MaxConcurrent > 0 {
		s.config.Settings.OllamaLibrary.MaxConcurrent = *req.MaxConcurrent
	}
	if req.Retries != nil && *req.Retries > 0 {
		s.config.Settings.OllamaLibrary.Retries = *req.Retries
	}
	if req.Timeout != nil && *req.Timeout > 0 {
		s.config.Settings.OllamaLibrary.Timeout = *req.Timeout
	}
	if req.CheckModelPresence != nil {
		s.config.Settings.OllamaServer.CheckModelPresence = *req.CheckModelPresence
	}
	if req.RemoveOnError != nil {
		s.config.Settings.OllamaServer.RemoveDownloadedOnError = *req.RemoveOnError
	}
	cfg := s.config
	s.mu.Unlock()

	s.jobs.updateConfig(cfg)

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "Settings updated"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, ErrorResponse{Error: message, Details: details})
}
