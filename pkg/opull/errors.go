// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package opull

import (
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
)

// Common errors returned by the library.
var (
	// ErrMalformedRef is returned when a model reference fails the
	// provider's syntax before any network call is made.
	ErrMalformedRef = errors.New("malformed model reference")

	// ErrNotFound is returned when the model, tag, or blob does not exist
	// upstream. Never retried.
	ErrNotFound = errors.New("model or tag not found")

	// ErrUnauthorized is returned when the upstream rejects the request
	// for lack of credentials. Never retried.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited is returned when the upstream rate limit is exceeded.
	ErrRateLimited = errors.New("rate limited: too many requests")
)

// APIError represents a non-2xx response from an upstream API.
type APIError struct {
	StatusCode int
	Status     string
	URL        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Status, e.URL)
}

// IsRetryable returns true if the request might succeed on retry.
func (e *APIError) IsRetryable() bool {
	switch e.StatusCode {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Is implements errors.Is for common error comparisons.
func (e *APIError) Is(target error) bool {
	switch e.StatusCode {
	case 401, 403:
		return errors.Is(target, ErrUnauthorized)
	case 404:
		return errors.Is(target, ErrNotFound)
	case 429:
		return errors.Is(target, ErrRateLimited)
	default:
		return false
	}
}

// DigestError is returned when a blob's bytes hash to something other than
// the digest the manifest declared. Data-integrity fatal: the file involved
// must not be trusted, and any resume assumption about it is void.
type DigestError struct {
	Expected digest.Digest
	Computed digest.Digest
}

func (e *DigestError) Error() string {
	return fmt.Sprintf("digest mismatch: expected %s, got %s", e.Expected, e.Computed)
}

// SizeError is returned when the server's reported content length is
// inconsistent with the size the manifest declared. Fatal, not retried.
type SizeError struct {
	Digest   digest.Digest
	Expected int64
	Actual   int64
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("size mismatch for %s: manifest declares %d bytes, server reports %d", e.Digest, e.Expected, e.Actual)
}
