// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package opull

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// backoff implements exponential backoff with jitter.
type backoff struct {
	next   time.Duration
	max    time.Duration
	mult   float64
	jitter time.Duration
}

func newRetry() *backoff {
	return &backoff{next: 400 * time.Millisecond, max: 10 * time.Second, mult: 1.6, jitter: 120 * time.Millisecond}
}

// Next returns the next backoff duration.
func (b *backoff) Next() time.Duration {
	d := b.next + time.Duration(int64(b.jitter)*int64(time.Now().UnixNano()%3)/2)
	b.next = time.Duration(float64(b.next) * b.mult)
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// sleepCtx waits for d or returns false if ctx is canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// retryable reports whether a fetch error is worth another attempt.
// Reference syntax, missing models, auth failures and integrity failures are
// final; transport errors and 5xx/429 are transient.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	var sizeErr *SizeError
	var digErr *DigestError
	if errors.As(err, &sizeErr) || errors.As(err, &digErr) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

const copyChunk = 128 << 10

// fetchBlob brings the blob's bytes fully onto disk at the store's incomplete
// path, resuming from whatever a previous run left there. It does NOT verify
// or commit; that is the caller's job, on the whole file.
//
// Every retry re-stats the partial file, so bytes landed by a failed attempt
// still count: progress is monotonic across attempts.
func fetchBlob(ctx context.Context, httpc *http.Client, url string, desc ocispec.Descriptor, tmp string, retries int, emit func(ProgressEvent)) error {
	retry := newRetry()
	var lastErr error

	for attempt := 0; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fetchOnce(ctx, httpc, url, desc, tmp, emit)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return err
		}

		if attempt < retries {
			emit(ProgressEvent{Event: "retry", Digest: desc.Digest.String(), Attempt: attempt + 1, Message: err.Error()})
			if d := retry.Next(); !sleepCtx(ctx, d) {
				return ctx.Err()
			}
		}
	}
	return lastErr
}

// fetchOnce performs a single download attempt against the partial file.
func fetchOnce(ctx context.Context, httpc *http.Client, url string, desc ocispec.Descriptor, tmp string, emit func(ProgressEvent)) error {
	var offset int64
	if fi, err := os.Stat(tmp); err == nil {
		offset = fi.Size()
	}
	// A partial larger than the declared size cannot be a prefix of the
	// blob. Start over rather than carry junk into verification.
	if offset > desc.Size {
		if err := os.Truncate(tmp, 0); err != nil {
			return err
		}
		offset = 0
	}
	if offset == desc.Size && desc.Size > 0 {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case offset > 0 && resp.StatusCode == http.StatusPartialContent:
		if resp.ContentLength >= 0 && offset+resp.ContentLength != desc.Size {
			return &SizeError{Digest: desc.Digest, Expected: desc.Size, Actual: offset + resp.ContentLength}
		}
	case resp.StatusCode == http.StatusOK:
		// Server ignored the range (or none was sent): full body follows,
		// so any partial bytes are superseded.
		if resp.ContentLength >= 0 && resp.ContentLength != desc.Size {
			return &SizeError{Digest: desc.Digest, Expected: desc.Size, Actual: resp.ContentLength}
		}
		if offset > 0 {
			if err := os.Truncate(tmp, 0); err != nil {
				return err
			}
			offset = 0
		}
	default:
		return &APIError{StatusCode: resp.StatusCode, Status: resp.Status, URL: url}
	}

	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	written, err := copyChunked(ctx, out, resp.Body, offset, desc, emit)
	if err != nil {
		return err
	}
	if offset+written < desc.Size {
		return fmt.Errorf("short body for %s: have %d of %d bytes: %w", desc.Digest, offset+written, desc.Size, io.ErrUnexpectedEOF)
	}
	return out.Close()
}

// copyChunked copies the body in fixed chunks, checking for cancellation
// between chunks and emitting throttled progress. Bytes written before a
// cancellation stay on disk for the next run to resume from.
//
// A body longer than the declared size is a SizeError, even when the server
// sent no Content-Length for the check in fetchOnce: extra bytes can never
// hash to the manifest's digest, so retrying would only repeat the download.
func copyChunked(ctx context.Context, dst io.Writer, src io.Reader, offset int64, desc ocispec.Descriptor, emit func(ProgressEvent)) (int64, error) {
	buf := make([]byte, copyChunk)
	var written int64
	lastEmit := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if offset+written+int64(n) > desc.Size {
				return written, &SizeError{Digest: desc.Digest, Expected: desc.Size, Actual: offset + written + int64(n)}
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
			// Throttle emissions to avoid flooding
			if time.Since(lastEmit) >= 200*time.Millisecond {
				emit(ProgressEvent{
					Event:      "layer_progress",
					Digest:     desc.Digest.String(),
					MediaType:  desc.MediaType,
					Downloaded: offset + written,
					Total:      desc.Size,
				})
				lastEmit = time.Now()
			}
		}
		if rerr == io.EOF {
			emit(ProgressEvent{
				Event:      "layer_progress",
				Digest:     desc.Digest.String(),
				MediaType:  desc.MediaType,
				Downloaded: offset + written,
				Total:      desc.Size,
			})
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
