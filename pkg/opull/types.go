// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package opull

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// userAgent is sent on every upstream request.
var userAgent = fmt.Sprintf("opull/1 (%s-%s)", runtime.GOOS, runtime.GOARCH)

// ServerSettings configures the target Ollama server that will consume the
// downloaded models.
type ServerSettings struct {
	// URL is the base URL of the Ollama server, e.g. "http://localhost:11434/".
	URL string `json:"url" yaml:"url"`

	// APIKey is sent as a bearer token when the server requires one.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	// RemoveDownloadedOnError removes this session's partial files when a
	// pull fails or is cancelled. When false, partial files are kept so a
	// later pull can resume from the bytes already on disk.
	RemoveDownloadedOnError bool `json:"remove_downloaded_on_error" yaml:"remove_downloaded_on_error"`

	// CheckModelPresence asks the Ollama server whether it recognizes the
	// model after a successful pull.
	CheckModelPresence bool `json:"check_model_presence" yaml:"check_model_presence"`
}

// LibrarySettings configures the upstream sources and the local store.
type LibrarySettings struct {
	// ModelsPath is the Ollama models directory. A leading "~" expands to
	// the user's home directory.
	ModelsPath string `json:"models_path" yaml:"models_path"`

	// RegistryBaseURL is the Ollama registry prefix, including the library
	// namespace, e.g. "https://registry.ollama.ai/v2/library/".
	RegistryBaseURL string `json:"registry_base_url" yaml:"registry_base_url"`

	// LibraryBaseURL is the Ollama library catalog prefix used for model
	// and tag listings, e.g. "https://ollama.com/library/".
	LibraryBaseURL string `json:"library_base_url" yaml:"library_base_url"`

	// HubBaseURL is the Hugging Face OCI-style endpoint, e.g.
	// "https://hf.co/v2/".
	HubBaseURL string `json:"hub_base_url" yaml:"hub_base_url"`

	// VerifySSL disables TLS certificate verification when false.
	VerifySSL bool `json:"verify_ssl" yaml:"verify_ssl"`

	// Timeout is the per-request HTTP timeout in seconds.
	Timeout float64 `json:"timeout" yaml:"timeout"`

	// MaxConcurrent bounds how many blobs download at once.
	// If <= 0, defaults to 4.
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`

	// Retries is the maximum number of retry attempts per HTTP request.
	// Each retry uses exponential backoff with jitter. If <= 0, defaults to 3.
	Retries int `json:"retries" yaml:"retries"`
}

// Settings is the immutable configuration passed into a pull session.
// It is read once at startup and handed to every component by value.
type Settings struct {
	OllamaServer  ServerSettings  `json:"ollama_server" yaml:"ollama_server"`
	OllamaLibrary LibrarySettings `json:"ollama_library" yaml:"ollama_library"`
}

// DefaultSettings returns the settings used when no config file exists.
func DefaultSettings() Settings {
	return Settings{
		OllamaServer: ServerSettings{
			URL:                     "http://localhost:11434/",
			RemoveDownloadedOnError: true,
			CheckModelPresence:      true,
		},
		OllamaLibrary: LibrarySettings{
			ModelsPath:      "~/.ollama/models",
			RegistryBaseURL: "https://registry.ollama.ai/v2/library/",
			LibraryBaseURL:  "https://ollama.com/library/",
			HubBaseURL:      "https://hf.co/v2/",
			VerifySSL:       true,
			Timeout:         120,
			MaxConcurrent:   4,
			Retries:         3,
		},
	}
}

// HTTPClient builds the HTTP client shared by all components of one session.
func (s Settings) HTTPClient() *http.Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if !s.OllamaLibrary.VerifySSL {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	timeout := time.Duration(s.OllamaLibrary.Timeout * float64(time.Second))
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &http.Client{Transport: tr, Timeout: timeout}
}

// ProgressEvent represents a progress update during a pull.
//
// The Event field indicates the type of event:
//   - "resolve_start": manifest resolution has begun
//   - "manifest": the manifest is resolved (Total holds the byte total)
//   - "layer_queued": a blob has been added to the transfer plan
//   - "layer_start": download of a blob has started
//   - "layer_progress": periodic progress update during download
//   - "layer_verify": the blob is being digest-verified
//   - "layer_done": blob committed (check Message for "skip" info)
//   - "retry": a retry attempt is being made
//   - "error": an error occurred
//   - "done": the pull finished
type ProgressEvent struct {
	// Time is when the event occurred (UTC).
	Time time.Time `json:"time"`

	// Level is the log level: "debug", "info", "warn", "error".
	// Empty defaults to "info".
	Level string `json:"level,omitempty"`

	// Event is the event type identifier.
	Event string `json:"event"`

	// Model is the model reference being pulled.
	Model string `json:"model,omitempty"`

	// Digest identifies the blob the event refers to.
	Digest string `json:"digest,omitempty"`

	// MediaType is the blob's media type from the manifest.
	MediaType string `json:"mediaType,omitempty"`

	// Downloaded is the cumulative bytes on disk for this blob.
	Downloaded int64 `json:"downloaded,omitempty"`

	// Total is the expected size in bytes.
	Total int64 `json:"total,omitempty"`

	// Attempt is the retry attempt number (1-based). Only set in "retry".
	Attempt int `json:"attempt,omitempty"`

	// Message contains additional context or error details.
	Message string `json:"message,omitempty"`
}

// ProgressFunc is a callback for receiving progress events.
// It is invoked from multiple goroutines and must be safe for concurrent use.
type ProgressFunc func(ProgressEvent)
