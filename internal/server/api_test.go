// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"opull/pkg/opull"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	settings := opull.DefaultSettings()
	settings.OllamaLibrary.ModelsPath = t.TempDir()
	// Point upstreams at a dead address so no test job touches the network.
	settings.OllamaLibrary.RegistryBaseURL = "http://127.0.0.1:1/v2/library/"
	settings.OllamaLibrary.HubBaseURL = "http://127.0.0.1:1/v2/"
	settings.OllamaLibrary.Retries = 1
	settings.OllamaServer.CheckModelPresence = false

	srv := New(Config{
		Addr:     "127.0.0.1",
		Port:     0,
		Settings: settings,
	})
	t.Cleanup(func() { waitForJobs(t, srv.jobs) })
	return srv
}

func TestAPI_Health(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/health", nil)
	w := httptest.NewRecorder()

	srv.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", resp["status"])
	}
}

func TestAPI_StartPull_Validation(t *testing.T) {
	srv := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing model", `{}`},
		{"malformed body", `{broken`},
		{"invalid provider", `{"model":"llama3","provider":"ftp"}`},
		{"invalid registry ref", `{"model":"owner/name:tag"}`},
		{"invalid hub ref", `{"model":"norepo","provider":"hub"}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/pull", bytes.NewBufferString(c.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			srv.handleStartPull(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d (%s)", w.Code, w.Body.String())
			}
		})
	}
}

func TestAPI_StartPull_Accepted(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/pull", bytes.NewBufferString(`{"model":"llama3:8b"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	srv.handleStartPull(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d (%s)", w.Code, w.Body.String())
	}

	var job Job
	json.Unmarshal(w.Body.Bytes(), &job)
	if job.Model != "llama3:8b" {
		t.Errorf("Expected model llama3:8b, got %q", job.Model)
	}
	if job.Provider != opull.ProviderRegistry {
		t.Errorf("Expected registry provider, got %q", job.Provider)
	}
	if job.ID == "" {
		t.Error("Expected non-empty job ID")
	}
}

func TestAPI_GetSettings_APIKeyMasked(t *testing.T) {
	srv := newTestServer(t)
	srv.config.Settings.OllamaServer.APIKey = "sk_abcdefghijklmnop"

	req := httptest.NewRequest("GET", "/api/settings", nil)
	w := httptest.NewRecorder()

	srv.handleGetSettings(w, req)

	var resp SettingsResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.APIKey == "sk_abcdefghijklmnop" {
		t.Error("API key should be masked, not exposed in full")
	}
	if resp.APIKey != "********mnop" {
		t.Errorf("Expected masked key ********mnop, got %s", resp.APIKey)
	}
	if resp.ModelsPath != srv.config.Settings.OllamaLibrary.ModelsPath {
		t.Errorf("Expected modelsPath to be reported, got %s", resp.ModelsPath)
	}
}

func TestAPI_UpdateSettings(t *testing.T) {
	srv := newTestServer(t)

	body := `{"maxConcurrent": 8, "retries": 5, "checkModelPresence": true}`
	req := httptest.NewRequest("POST", "/api/settings", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	srv.handleUpdateSettings(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if srv.config.Settings.OllamaLibrary.MaxConcurrent != 8 {
		t.Errorf("Expected maxConcurrent 8, got %d", srv.config.Settings.OllamaLibrary.MaxConcurrent)
	}
	if srv.config.Settings.OllamaLibrary.Retries != 5 {
		t.Errorf("Expected retries 5, got %d", srv.config.Settings.OllamaLibrary.Retries)
	}
	if !srv.config.Settings.OllamaServer.CheckModelPresence {
		t.Error("Expected checkModelPresence true")
	}
}

func TestAPI_UpdateSettings_CantChangeModelsPath(t *testing.T) {
	srv := newTestServer(t)
	original := srv.config.Settings.OllamaLibrary.ModelsPath

	// A models path in the request body must be ignored: the API must not be
	// able to redirect where blobs are written.
	body := `{"modelsPath": "/etc", "registryBaseUrl": "http://evil.example/", "retries": 2}`
	req := httptest.NewRequest("POST", "/api/settings", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	srv.handleUpdateSettings(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if srv.config.Settings.OllamaLibrary.ModelsPath != original {
		t.Errorf("Models path changed via API: %s", srv.config.Settings.OllamaLibrary.ModelsPath)
	}
	if srv.config.Settings.OllamaLibrary.RegistryBaseURL != "http://127.0.0.1:1/v2/library/" {
		t.Errorf("Registry URL changed via API: %s", srv.config.Settings.OllamaLibrary.RegistryBaseURL)
	}
	if srv.config.Settings.OllamaLibrary.Retries != 2 {
		t.Errorf("Expected retries 2, got %d", srv.config.Settings.OllamaLibrary.Retries)
	}
}

func TestAPI_GetJob_NotFound(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/jobs/doesnotexist", nil)
	req.SetPathValue("id", "doesnotexist")
	w := httptest.NewRecorder()

	srv.handleGetJob(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
