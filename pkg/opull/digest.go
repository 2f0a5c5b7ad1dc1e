// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package opull

import (
	"fmt"
	"os"
	"strings"

	"github.com/opencontainers/go-digest"
)

// verifyFile streams the file once and compares its hash against want.
// This is the single gate between "bytes exist on disk" and "bytes are
// trusted": every commit goes through it, including resumed transfers, where
// it runs over the whole now-complete file rather than only the fetched tail.
func verifyFile(path string, want digest.Digest) error {
	if err := want.Validate(); err != nil {
		return fmt.Errorf("verify %s: %w", path, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	got, err := want.Algorithm().FromReader(f)
	if err != nil {
		return fmt.Errorf("verify %s: %w", path, err)
	}
	if !strings.EqualFold(got.Encoded(), want.Encoded()) {
		return &DigestError{Expected: want, Computed: got}
	}
	return nil
}
