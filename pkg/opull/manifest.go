// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package opull

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Manifest is the normalized description of one model version: an ordered
// list of content-addressed blobs. Both providers produce this shape, so the
// session is provider-agnostic beyond resolution. A Manifest is immutable
// once parsed.
type Manifest struct {
	SchemaVersion int                  `json:"schemaVersion"`
	MediaType     string               `json:"mediaType"`
	Config        ocispec.Descriptor   `json:"config"`
	Layers        []ocispec.Descriptor `json:"layers"`

	raw []byte
}

// Raw returns the manifest exactly as the server sent it, for writing into
// the local store once every blob has committed.
func (m *Manifest) Raw() []byte { return m.raw }

// Blobs returns the config descriptor followed by the layers, in manifest
// order. Order only matters for deterministic progress reporting; the blobs
// are otherwise independent.
func (m *Manifest) Blobs() []ocispec.Descriptor {
	blobs := make([]ocispec.Descriptor, 0, len(m.Layers)+1)
	if m.Config.Digest != "" {
		blobs = append(blobs, m.Config)
	}
	blobs = append(blobs, m.Layers...)
	return blobs
}

// TotalSize returns the declared byte total across all blobs.
func (m *Manifest) TotalSize() int64 {
	var n int64
	for _, d := range m.Blobs() {
		n += d.Size
	}
	return n
}

func parseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.SchemaVersion != 2 {
		return nil, fmt.Errorf("parse manifest: unsupported schema version %d", m.SchemaVersion)
	}
	if m.Config.Digest != "" {
		d, err := normalizeDigest(m.Config.Digest.String())
		if err != nil {
			return nil, fmt.Errorf("parse manifest: config digest %q: %w", m.Config.Digest, err)
		}
		m.Config.Digest = d
	}
	for i, l := range m.Layers {
		d, err := normalizeDigest(l.Digest.String())
		if err != nil {
			return nil, fmt.Errorf("parse manifest: blob digest %q: %w", l.Digest, err)
		}
		m.Layers[i].Digest = d
	}
	for _, d := range m.Blobs() {
		if d.Size < 0 {
			return nil, fmt.Errorf("parse manifest: blob %s has negative size", d.Digest)
		}
	}
	m.raw = data
	return &m, nil
}

// normalizeDigest parses a digest string case-insensitively. Upstreams are
// inconsistent about hex casing; the store always uses the lowercase form.
func normalizeDigest(s string) (digest.Digest, error) {
	return digest.Parse(strings.ToLower(s))
}
