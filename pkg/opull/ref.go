// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package opull

import (
	"fmt"
	"strings"
)

// Provider selects which upstream a model reference belongs to.
type Provider string

const (
	// ProviderRegistry is the Ollama registry/library.
	ProviderRegistry Provider = "registry"

	// ProviderHub is the Hugging Face hub.
	ProviderHub Provider = "hub"
)

// ModelRef identifies one model version at one provider. It is parsed and
// validated once, before any network call, and never mutated afterwards.
type ModelRef struct {
	Provider Provider
	Name     string // registry: model name; hub: "owner/name"
	Tag      string // registry: tag; hub: quantization tag
}

func (r ModelRef) String() string {
	return r.Name + ":" + r.Tag
}

// ParseRegistryRef parses "name[:tag]" for the Ollama registry.
// The tag defaults to "latest".
func ParseRegistryRef(s string) (ModelRef, error) {
	name, tag, err := splitNameTag(s)
	if err != nil {
		return ModelRef{}, err
	}
	if strings.Contains(name, "/") {
		return ModelRef{}, fmt.Errorf("%w: %q: registry model names must not contain %q", ErrMalformedRef, s, "/")
	}
	return ModelRef{Provider: ProviderRegistry, Name: name, Tag: tag}, nil
}

// ParseHubRef parses "owner/name[:quant]" for the Hugging Face hub.
// The quantization tag defaults to "latest".
func ParseHubRef(s string) (ModelRef, error) {
	name, tag, err := splitNameTag(s)
	if err != nil {
		return ModelRef{}, err
	}
	parts := strings.Split(name, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ModelRef{}, fmt.Errorf("%w: %q: expected owner/name[:quant]", ErrMalformedRef, s)
	}
	return ModelRef{Provider: ProviderHub, Name: name, Tag: tag}, nil
}

func splitNameTag(s string) (name, tag string, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", fmt.Errorf("%w: empty reference", ErrMalformedRef)
	}
	if strings.ContainsAny(s, " \t") {
		return "", "", fmt.Errorf("%w: %q contains whitespace", ErrMalformedRef, s)
	}
	name, tag = s, "latest"
	if i := strings.Index(s, ":"); i >= 0 {
		name, tag = s[:i], s[i+1:]
	}
	if name == "" || tag == "" || strings.Contains(tag, ":") {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedRef, s)
	}
	return name, tag, nil
}
