// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package opull

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"
)

// Outcome classifies how a pull ended.
type Outcome string

const (
	// OutcomeSuccess means every blob committed and the manifest was written.
	OutcomeSuccess Outcome = "success"

	// OutcomeWarning means the pull itself succeeded but the follow-up
	// presence check could not confirm the model on the Ollama server.
	OutcomeWarning Outcome = "success_with_warning"

	// OutcomeFailed means the pull stopped on an error.
	OutcomeFailed Outcome = "failed"

	// OutcomeCancelled means the pull was interrupted. Not a failure: bytes
	// on disk are reusable unless cleanup policy removed them.
	OutcomeCancelled Outcome = "cancelled"
)

// Result summarizes a finished pull.
type Result struct {
	Outcome       Outcome `json:"outcome"`
	Model         string  `json:"model"`
	ManifestPath  string  `json:"manifest_path,omitempty"`
	BytesTotal    int64   `json:"bytes_total"`
	LayersFetched int     `json:"layers_fetched"`
	LayersSkipped int     `json:"layers_skipped"`
	Warning       string  `json:"warning,omitempty"`
}

// Session pulls one model into the local store. It owns the lifecycle of the
// partial files it touches: on failure, cleanup policy applies to those files
// only, never to blobs committed by this or any earlier session.
type Session struct {
	settings Settings
	resolver Resolver
	store    *Store
	httpc    *http.Client
	progress ProgressFunc

	mu    sync.Mutex
	temps map[digest.Digest]string // partial files this session wrote to
}

// NewSession builds a session for one provider. The store directory is
// created if missing.
func NewSession(settings Settings, p Provider, progress ProgressFunc) (*Session, error) {
	httpc := settings.HTTPClient()
	resolver, err := NewResolver(p, settings, httpc)
	if err != nil {
		return nil, err
	}
	store, err := OpenStore(settings.OllamaLibrary.ModelsPath)
	if err != nil {
		return nil, err
	}
	return &Session{
		settings: settings,
		resolver: resolver,
		store:    store,
		httpc:    httpc,
		progress: progress,
		temps:    map[digest.Digest]string{},
	}, nil
}

// Store exposes the session's local store.
func (s *Session) Store() *Store { return s.store }

// Resolver exposes the session's provider adapter.
func (s *Session) Resolver() Resolver { return s.resolver }

func (s *Session) emit(ev ProgressEvent) {
	if s.progress == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if ev.Level == "" {
		ev.Level = "info"
	}
	s.progress(ev)
}

// Pull resolves the reference and brings every blob of its manifest into the
// local store, then writes the manifest and optionally verifies the model is
// visible on the Ollama server.
//
// Cancellation via ctx yields OutcomeCancelled with a nil error. Failures
// return both a failed Result and the error.
func (s *Session) Pull(ctx context.Context, ref ModelRef) (*Result, error) {
	res := &Result{Model: ref.String()}

	emitModel := func(ev ProgressEvent) {
		if ev.Model == "" {
			ev.Model = ref.String()
		}
		s.emit(ev)
	}

	emitModel(ProgressEvent{Event: "resolve_start", Message: "resolving manifest"})

	manifest, err := s.resolver.Resolve(ctx, ref)
	if err != nil {
		return s.finish(ctx, res, emitModel, err)
	}

	blobs := dedupeBlobs(manifest.Blobs())
	res.BytesTotal = manifest.TotalSize()
	emitModel(ProgressEvent{Event: "manifest", Total: res.BytesTotal,
		Message: fmt.Sprintf("%d blobs to consider", len(blobs))})

	var fetched, skipped int
	var cmu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	limit := s.settings.OllamaLibrary.MaxConcurrent
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)

	for _, desc := range blobs {
		desc := desc
		emitModel(ProgressEvent{Event: "layer_queued", Digest: desc.Digest.String(),
			MediaType: desc.MediaType, Total: desc.Size})
		g.Go(func() error {
			skip, err := s.pullBlob(gctx, ref, desc, emitModel)
			if err != nil {
				return err
			}
			cmu.Lock()
			if skip {
				skipped++
			} else {
				fetched++
			}
			cmu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return s.finish(ctx, res, emitModel, err)
	}
	res.LayersFetched, res.LayersSkipped = fetched, skipped

	path, err := s.store.WriteManifest(s.resolver.ManifestElems(ref), ref.Tag, manifest.Raw())
	if err != nil {
		return s.finish(ctx, res, emitModel, err)
	}
	res.ManifestPath = path

	if s.settings.OllamaServer.CheckModelPresence {
		s.verifyPresence(ctx, ref, res, emitModel)
	}

	if res.Outcome == "" {
		res.Outcome = OutcomeSuccess
	}
	emitModel(ProgressEvent{Event: "done",
		Message: fmt.Sprintf("pull complete (fetched %d, skipped %d)", fetched, skipped)})
	return res, nil
}

// pullBlob brings one blob to the committed state. Returns skip=true when the
// blob was already in the store.
func (s *Session) pullBlob(ctx context.Context, ref ModelRef, desc ocispec.Descriptor, emit func(ProgressEvent)) (skip bool, err error) {
	d := desc.Digest
	if s.store.Has(d) {
		emit(ProgressEvent{Event: "layer_done", Digest: d.String(), MediaType: desc.MediaType,
			Downloaded: desc.Size, Total: desc.Size, Message: "skip: already in store"})
		return true, nil
	}

	// Serialize on the digest: concurrent sessions sharing this layer must
	// not append to the same partial file at once.
	lock, err := s.store.lockBlob(ctx, d)
	if err != nil {
		return false, err
	}
	defer lock.Unlock()

	if s.store.Has(d) {
		// The previous lock holder committed it while we waited.
		emit(ProgressEvent{Event: "layer_done", Digest: d.String(), MediaType: desc.MediaType,
			Downloaded: desc.Size, Total: desc.Size, Message: "skip: already in store"})
		return true, nil
	}

	tmp := s.store.IncompletePath(d)
	s.mu.Lock()
	s.temps[d] = tmp
	s.mu.Unlock()

	emit(ProgressEvent{Event: "layer_start", Digest: d.String(), MediaType: desc.MediaType, Total: desc.Size})

	url := s.resolver.BlobURL(ref, d)
	retries := s.settings.OllamaLibrary.Retries
	if retries <= 0 {
		retries = 3
	}

	if err := fetchBlob(ctx, s.httpc, url, desc, tmp, retries, emit); err != nil {
		return false, err
	}

	emit(ProgressEvent{Event: "layer_verify", Digest: d.String(), MediaType: desc.MediaType, Total: desc.Size})
	_, err = s.store.Commit(tmp, d)

	// A digest mismatch on a resumed file may mean the resume base was bad,
	// not the upstream. One clean re-fetch from zero gets the benefit of the
	// doubt; a second mismatch is final.
	var digErr *DigestError
	if errors.As(err, &digErr) {
		emit(ProgressEvent{Event: "retry", Level: "warn", Digest: d.String(),
			Message: "digest mismatch, refetching from scratch: " + err.Error()})
		if rmErr := os.Remove(tmp); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return false, rmErr
		}
		if err = fetchBlob(ctx, s.httpc, url, desc, tmp, retries, emit); err != nil {
			return false, err
		}
		emit(ProgressEvent{Event: "layer_verify", Digest: d.String(), MediaType: desc.MediaType, Total: desc.Size})
		_, err = s.store.Commit(tmp, d)
	}
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	delete(s.temps, d)
	s.mu.Unlock()

	emit(ProgressEvent{Event: "layer_done", Digest: d.String(), MediaType: desc.MediaType,
		Downloaded: desc.Size, Total: desc.Size})
	return false, nil
}

// verifyPresence degrades to a warning instead of failing: the model is fully
// on disk at this point, and an unreachable or unaware server does not change
// that.
func (s *Session) verifyPresence(ctx context.Context, ref ModelRef, res *Result, emit func(ProgressEvent)) {
	names := s.resolver.PresenceNames(ref)
	present, err := checkPresence(ctx, s.httpc, s.settings.OllamaServer, names)
	switch {
	case err != nil:
		res.Outcome = OutcomeWarning
		res.Warning = "presence check failed: " + err.Error()
	case !present:
		res.Outcome = OutcomeWarning
		res.Warning = fmt.Sprintf("model not reported by Ollama server at %s", s.settings.OllamaServer.URL)
	default:
		return
	}
	emit(ProgressEvent{Event: "error", Level: "warn", Message: res.Warning})
}

// finish classifies a pull-stopping error and applies cleanup policy.
// Cleanup touches only this session's partial files; committed blobs may be
// shared with other models and are never removed.
func (s *Session) finish(ctx context.Context, res *Result, emit func(ProgressEvent), cause error) (*Result, error) {
	cancelled := errors.Is(cause, context.Canceled) ||
		(ctx.Err() != nil && errors.Is(cause, ctx.Err()))

	if s.settings.OllamaServer.RemoveDownloadedOnError {
		s.cleanupTemps(emit)
	}

	if cancelled {
		res.Outcome = OutcomeCancelled
		emit(ProgressEvent{Event: "done", Level: "warn", Message: "pull cancelled"})
		return res, nil
	}

	res.Outcome = OutcomeFailed
	emit(ProgressEvent{Event: "error", Level: "error", Message: cause.Error()})
	return res, cause
}

func (s *Session) cleanupTemps(emit func(ProgressEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for d, tmp := range s.temps {
		if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
			emit(ProgressEvent{Event: "error", Level: "warn", Digest: d.String(),
				Message: "cleanup: " + err.Error()})
			continue
		}
		delete(s.temps, d)
	}
}

// dedupeBlobs drops repeated digests while keeping manifest order. The same
// content may back multiple layers; it only needs one download.
func dedupeBlobs(blobs []ocispec.Descriptor) []ocispec.Descriptor {
	seen := map[digest.Digest]bool{}
	out := blobs[:0:0]
	for _, b := range blobs {
		if seen[b.Digest] {
			continue
		}
		seen[b.Digest] = true
		out = append(out, b)
	}
	return out
}
