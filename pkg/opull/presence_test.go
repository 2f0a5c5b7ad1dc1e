// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package opull

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCheckPresence(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]any{
				{"name": "llama3:8b"},
				{"name": "hf.co/owner/repo:Q4_K_M"},
			},
		})
	}))
	defer ts.Close()

	server := ServerSettings{URL: ts.URL + "/", APIKey: "k3y"}

	t.Run("matches any candidate", func(t *testing.T) {
		present, err := checkPresence(context.Background(), http.DefaultClient, server,
			[]string{"nope:latest", "hf.co/owner/repo:Q4_K_M"})
		if err != nil {
			t.Fatalf("checkPresence failed: %v", err)
		}
		if !present {
			t.Error("expected present")
		}
		if gotAuth != "Bearer k3y" {
			t.Errorf("Authorization = %q", gotAuth)
		}
	})

	t.Run("absent model", func(t *testing.T) {
		present, err := checkPresence(context.Background(), http.DefaultClient, server,
			[]string{"missing:latest"})
		if err != nil {
			t.Fatalf("checkPresence failed: %v", err)
		}
		if present {
			t.Error("expected absent")
		}
	})

	t.Run("server error propagates", func(t *testing.T) {
		bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer bad.Close()

		_, err := checkPresence(context.Background(), http.DefaultClient,
			ServerSettings{URL: bad.URL}, []string{"x:y"})
		if err == nil {
			t.Error("expected error from 500")
		}
	})
}
