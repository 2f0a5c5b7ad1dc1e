// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package opull

import (
	"errors"
	"testing"
)

func TestParseRegistryRef(t *testing.T) {
	t.Run("name and tag", func(t *testing.T) {
		ref, err := ParseRegistryRef("qwen2.5:3b")
		if err != nil {
			t.Fatalf("ParseRegistryRef failed: %v", err)
		}
		if ref.Name != "qwen2.5" || ref.Tag != "3b" {
			t.Errorf("got %q:%q", ref.Name, ref.Tag)
		}
		if ref.Provider != ProviderRegistry {
			t.Errorf("got provider %q", ref.Provider)
		}
	})

	t.Run("tag defaults to latest", func(t *testing.T) {
		ref, err := ParseRegistryRef("llama3")
		if err != nil {
			t.Fatalf("ParseRegistryRef failed: %v", err)
		}
		if ref.Tag != "latest" {
			t.Errorf("expected tag latest, got %q", ref.Tag)
		}
	})

	t.Run("rejects malformed", func(t *testing.T) {
		for _, in := range []string{"", "  ", ":", "name:", ":tag", "a:b:c", "has space", "owner/name"} {
			_, err := ParseRegistryRef(in)
			if !errors.Is(err, ErrMalformedRef) {
				t.Errorf("ParseRegistryRef(%q): expected ErrMalformedRef, got %v", in, err)
			}
		}
	})
}

func TestParseHubRef(t *testing.T) {
	t.Run("owner repo and quant", func(t *testing.T) {
		ref, err := ParseHubRef("bartowski/Llama-3.2-1B-Instruct-GGUF:Q4_K_M")
		if err != nil {
			t.Fatalf("ParseHubRef failed: %v", err)
		}
		if ref.Name != "bartowski/Llama-3.2-1B-Instruct-GGUF" || ref.Tag != "Q4_K_M" {
			t.Errorf("got %q:%q", ref.Name, ref.Tag)
		}
		if ref.Provider != ProviderHub {
			t.Errorf("got provider %q", ref.Provider)
		}
	})

	t.Run("quant defaults to latest", func(t *testing.T) {
		ref, err := ParseHubRef("owner/repo")
		if err != nil {
			t.Fatalf("ParseHubRef failed: %v", err)
		}
		if ref.Tag != "latest" {
			t.Errorf("expected tag latest, got %q", ref.Tag)
		}
	})

	t.Run("rejects wrong segment count", func(t *testing.T) {
		for _, in := range []string{"norepo", "a/b/c:x", "/repo", "owner/", ""} {
			_, err := ParseHubRef(in)
			if !errors.Is(err, ErrMalformedRef) {
				t.Errorf("ParseHubRef(%q): expected ErrMalformedRef, got %v", in, err)
			}
		}
	})
}

func TestModelRefString(t *testing.T) {
	ref := ModelRef{Provider: ProviderRegistry, Name: "phi3", Tag: "mini"}
	if got := ref.String(); got != "phi3:mini" {
		t.Errorf("String() = %q", got)
	}
}
