// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package opull

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Store is the content-addressed on-disk layout the Ollama runtime reads.
// Committed blobs live at blobs/<alg>-<hex>; in-flight bytes live next to
// them at blobs/<alg>-<hex>-partial and are renamed into place only after
// digest verification, so no observer ever sees a half-written file at a
// committed path. Partial files double as the resume cache across runs.
type Store struct {
	root string
}

// OpenStore opens (creating if needed) the store rooted at modelsPath.
// A leading "~" in modelsPath expands to the user's home directory.
func OpenStore(modelsPath string) (*Store, error) {
	root, err := expandHome(modelsPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(root, "blobs"), 0o755); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the expanded models directory.
func (s *Store) Root() string { return s.root }

// BlobPath returns the canonical committed path for a digest.
func (s *Store) BlobPath(d digest.Digest) string {
	return filepath.Join(s.root, "blobs", strings.Replace(d.String(), ":", "-", 1))
}

// IncompletePath returns the temporary path where a blob's bytes accumulate
// until verification. It lives in the blobs directory so the final rename
// never crosses a volume boundary.
func (s *Store) IncompletePath(d digest.Digest) string {
	return s.BlobPath(d) + "-partial"
}

// Has reports whether a committed blob exists for the digest.
func (s *Store) Has(d digest.Digest) bool {
	fi, err := os.Stat(s.BlobPath(d))
	return err == nil && fi.Mode().IsRegular()
}

// lockBlob takes an exclusive cross-process lock over one digest's fetch and
// commit window. Without it, two sessions sharing a layer would append to the
// same partial file, and a late append could land after the winner's
// verify-and-rename, corrupting the committed blob. Callers must re-check Has
// after acquiring: the previous holder may have committed the blob already.
func (s *Store) lockBlob(ctx context.Context, d digest.Digest) (*fileLock, error) {
	l, err := newFileLock(s.BlobPath(d) + "-lock")
	if err != nil {
		return nil, err
	}
	if err := l.Lock(ctx); err != nil {
		l.Unlock()
		return nil, err
	}
	return l, nil
}

// Commit verifies the temp file against d and atomically renames it into the
// canonical path. If another session won the race for the same digest, the
// redundant temp file is discarded and the existing blob is the result: a
// rename collision is a no-op success, not an error. The blob is content
// addressed, so an already-committed file needs no re-verification.
func (s *Store) Commit(tmp string, d digest.Digest) (string, error) {
	dst := s.BlobPath(d)
	if s.Has(d) {
		_ = os.Remove(tmp)
		return dst, nil
	}
	if err := verifyFile(tmp, d); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, dst); err != nil {
		// The loser of a commit race finds its temp gone and the blob in
		// place; that is success, not an error.
		if errors.Is(err, os.ErrNotExist) && s.Has(d) {
			return dst, nil
		}
		return "", fmt.Errorf("commit %s: %w", d, err)
	}
	return dst, nil
}

// Remove deletes a committed blob. Already-absent is success, not an error.
func (s *Store) Remove(d digest.Digest) error {
	if err := os.Remove(s.BlobPath(d)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveIncomplete deletes the partial file for a digest, failing soft like
// Remove.
func (s *Store) RemoveIncomplete(d digest.Digest) error {
	if err := os.Remove(s.IncompletePath(d)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ManifestPath returns the path a manifest is written to: the elements name
// the registry host and model namespace, the file itself is the tag.
func (s *Store) ManifestPath(elems []string, tag string) string {
	parts := append([]string{s.root, "manifests"}, elems...)
	return filepath.Join(append(parts, tag)...)
}

// WriteManifest stores the raw manifest document under manifests/, creating
// intermediate directories as needed. It is only called after every blob the
// manifest references has committed, so the runtime never sees a manifest
// pointing at missing blobs.
func (s *Store) WriteManifest(elems []string, tag string, data []byte) (string, error) {
	path := s.ManifestPath(elems, tag)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	// Unique temp name: concurrent sessions finishing the same model must
	// not rename each other's temp away.
	tmpf, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-")
	if err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	tmp := tmpf.Name()
	if _, err := tmpf.Write(data); err != nil {
		tmpf.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write manifest: %w", err)
	}
	if err := tmpf.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return path, nil
}

// RemoveManifest deletes a stored manifest, failing soft.
func (s *Store) RemoveManifest(elems []string, tag string) error {
	if err := os.Remove(s.ManifestPath(elems, tag)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func expandHome(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand %q: %w", p, err)
		}
		return filepath.Join(home, strings.TrimPrefix(p[1:], "/")), nil
	}
	return p, nil
}
