// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package opull

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const libraryIndexHTML = `<!doctype html>
<html><body>
<a href="/">home</a>
<a href="/library/zephyr">zephyr</a>
<a href="/library/llama3">llama3</a>
<a href="/library/Mistral">Mistral</a>
<a href="/library/llama3">llama3 again</a>
<a href="/library/">directory link</a>
<a href="/blog/something">blog</a>
</body></html>`

const llamaTagsHTML = `<!doctype html>
<html><body>
<a href="/library/llama3:latest">latest</a>
<a href="/library/llama3:8b">8b</a>
<a href="/library/llama3:70b">70b</a>
<a href="/library/llama3:8b">8b again</a>
<a href="/library/other:1b">other model</a>
</body></html>`

func newLibraryServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/library/", "/library":
			fmt.Fprint(w, libraryIndexHTML)
		case "/library/llama3/tags":
			fmt.Fprint(w, llamaTagsHTML)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestRegistryResolver(t *testing.T, baseURL string) *registryResolver {
	t.Helper()
	s := DefaultSettings()
	s.OllamaLibrary.RegistryBaseURL = baseURL + "/v2/library/"
	s.OllamaLibrary.LibraryBaseURL = baseURL + "/library/"
	return newRegistryResolver(s, http.DefaultClient)
}

func TestRegistryListModels(t *testing.T) {
	ts := newLibraryServer(t)
	r := newTestRegistryResolver(t, ts.URL)

	t.Run("scrapes sorts and dedupes", func(t *testing.T) {
		page, err := r.ListModels(context.Background(), 0, "")
		if err != nil {
			t.Fatalf("ListModels failed: %v", err)
		}
		want := []string{"llama3", "Mistral", "zephyr"}
		if len(page.Items) != len(want) {
			t.Fatalf("got %v", page.Items)
		}
		for i := range want {
			if page.Items[i] != want[i] {
				t.Errorf("item %d = %q, want %q", i, page.Items[i], want[i])
			}
		}
		if page.NextToken != "" {
			t.Errorf("unexpected next token %q", page.NextToken)
		}
	})

	t.Run("paginates with offset tokens", func(t *testing.T) {
		first, err := r.ListModels(context.Background(), 2, "")
		if err != nil {
			t.Fatal(err)
		}
		if len(first.Items) != 2 || first.NextToken == "" {
			t.Fatalf("first page %v token %q", first.Items, first.NextToken)
		}

		second, err := r.ListModels(context.Background(), 2, first.NextToken)
		if err != nil {
			t.Fatal(err)
		}
		if len(second.Items) != 1 || second.NextToken != "" {
			t.Fatalf("second page %v token %q", second.Items, second.NextToken)
		}
		if second.Items[0] != "zephyr" {
			t.Errorf("second page starts with %q", second.Items[0])
		}
	})

	t.Run("rejects bad token", func(t *testing.T) {
		if _, err := r.ListModels(context.Background(), 2, "not-a-number"); err == nil {
			t.Error("expected error for malformed token")
		}
	})
}

func TestRegistryListTags(t *testing.T) {
	ts := newLibraryServer(t)
	r := newTestRegistryResolver(t, ts.URL)

	t.Run("lists only the model's tags", func(t *testing.T) {
		page, err := r.ListTags(context.Background(), "llama3", 0, "")
		if err != nil {
			t.Fatalf("ListTags failed: %v", err)
		}
		want := []string{"llama3:70b", "llama3:8b", "llama3:latest"}
		if len(page.Items) != len(want) {
			t.Fatalf("got %v", page.Items)
		}
		for i := range want {
			if page.Items[i] != want[i] {
				t.Errorf("item %d = %q, want %q", i, page.Items[i], want[i])
			}
		}
	})

	t.Run("unknown model is not found", func(t *testing.T) {
		_, err := r.ListTags(context.Background(), "unknown", 0, "")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestRegistryURLsAndNames(t *testing.T) {
	s := DefaultSettings()
	r := newRegistryResolver(s, http.DefaultClient)
	ref, _ := ParseRegistryRef("phi3:mini")

	d, _ := normalizeDigest("sha256:" + strings.Repeat("ab", 32))
	wantBlob := "https://registry.ollama.ai/v2/library/phi3/blobs/sha256-" + strings.Repeat("ab", 32)
	if got := r.BlobURL(ref, d); got != wantBlob {
		t.Errorf("BlobURL = %q", got)
	}

	elems := r.ManifestElems(ref)
	if strings.Join(elems, "/") != "registry.ollama.ai/library/phi3" {
		t.Errorf("ManifestElems = %v", elems)
	}

	names := r.PresenceNames(ref)
	want := []string{
		"phi3:mini",
		"library/phi3:mini",
		"registry.ollama.ai/library/phi3:mini",
	}
	if len(names) != len(want) {
		t.Fatalf("PresenceNames = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("name %d = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestManifestParsing(t *testing.T) {
	t.Run("valid manifest", func(t *testing.T) {
		raw := []byte(`{
			"schemaVersion": 2,
			"mediaType": "application/vnd.docker.distribution.manifest.v2+json",
			"config": {"mediaType": "application/vnd.docker.container.image.v1+json",
				"digest": "sha256:` + strings.Repeat("11", 32) + `", "size": 10},
			"layers": [
				{"mediaType": "application/vnd.ollama.image.model",
					"digest": "sha256:` + strings.Repeat("22", 32) + `", "size": 100}
			]
		}`)
		m, err := parseManifest(raw)
		if err != nil {
			t.Fatalf("parseManifest failed: %v", err)
		}
		if len(m.Blobs()) != 2 {
			t.Errorf("Blobs() = %v", m.Blobs())
		}
		if m.TotalSize() != 110 {
			t.Errorf("TotalSize = %d", m.TotalSize())
		}
		if string(m.Raw()) != string(raw) {
			t.Error("Raw() does not round-trip")
		}
	})

	t.Run("normalizes digest casing", func(t *testing.T) {
		raw := []byte(`{
			"schemaVersion": 2,
			"config": {"digest": "sha256:` + strings.Repeat("AB", 32) + `", "size": 1},
			"layers": [
				{"digest": "sha256:` + strings.Repeat("CD", 32) + `", "size": 2}
			]
		}`)
		m, err := parseManifest(raw)
		if err != nil {
			t.Fatalf("parseManifest failed on uppercase hex: %v", err)
		}
		if got := m.Config.Digest.String(); got != "sha256:"+strings.Repeat("ab", 32) {
			t.Errorf("config digest = %q, want lowercase hex", got)
		}
		if got := m.Layers[0].Digest.String(); got != "sha256:"+strings.Repeat("cd", 32) {
			t.Errorf("layer digest = %q, want lowercase hex", got)
		}
	})

	t.Run("rejects wrong schema version", func(t *testing.T) {
		if _, err := parseManifest([]byte(`{"schemaVersion":1}`)); err == nil {
			t.Error("expected error for schemaVersion 1")
		}
	})

	t.Run("rejects invalid digest", func(t *testing.T) {
		raw := []byte(`{"schemaVersion":2,"config":{"digest":"sha256:short","size":1},"layers":[]}`)
		if _, err := parseManifest(raw); err == nil {
			t.Error("expected error for invalid digest")
		}
	})

	t.Run("rejects non-JSON", func(t *testing.T) {
		if _, err := parseManifest([]byte("<html>not json</html>")); err == nil {
			t.Error("expected error for HTML body")
		}
	})
}
