// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package opull

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSettings(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		s, err := LoadSettings(filepath.Join(t.TempDir(), "nope.json"))
		if err != nil {
			t.Fatalf("LoadSettings failed: %v", err)
		}
		if s != DefaultSettings() {
			t.Errorf("got %+v", s)
		}
	})

	t.Run("partial JSON keeps defaults for omitted fields", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "settings.json")
		err := os.WriteFile(path, []byte(`{
			"ollama_library": {"max_concurrent": 8}
		}`), 0o644)
		if err != nil {
			t.Fatal(err)
		}

		s, err := LoadSettings(path)
		if err != nil {
			t.Fatalf("LoadSettings failed: %v", err)
		}
		if s.OllamaLibrary.MaxConcurrent != 8 {
			t.Errorf("max_concurrent = %d", s.OllamaLibrary.MaxConcurrent)
		}
		if s.OllamaLibrary.RegistryBaseURL != DefaultSettings().OllamaLibrary.RegistryBaseURL {
			t.Errorf("registry_base_url lost its default: %q", s.OllamaLibrary.RegistryBaseURL)
		}
		if s.OllamaServer.URL != "http://localhost:11434/" {
			t.Errorf("server url lost its default: %q", s.OllamaServer.URL)
		}
	})

	t.Run("yaml by extension", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "settings.yaml")
		err := os.WriteFile(path, []byte("ollama_server:\n  url: http://other:11434/\n"), 0o644)
		if err != nil {
			t.Fatal(err)
		}

		s, err := LoadSettings(path)
		if err != nil {
			t.Fatalf("LoadSettings failed: %v", err)
		}
		if s.OllamaServer.URL != "http://other:11434/" {
			t.Errorf("url = %q", s.OllamaServer.URL)
		}
	})

	t.Run("malformed file is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "settings.json")
		if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadSettings(path); err == nil {
			t.Error("expected error for malformed JSON")
		}
	})
}

func TestSaveSettingsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "settings.json")

	want := DefaultSettings()
	want.OllamaServer.APIKey = "secret"
	want.OllamaLibrary.Retries = 7

	if err := SaveSettings(path, want); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}
	got, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if got != want {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}
