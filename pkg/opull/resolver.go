// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package opull

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Page is one page of a listing. NextToken is an opaque continuation token;
// empty means the listing is exhausted. Tokens are only meaningful when passed
// back to the resolver that produced them.
type Page struct {
	Items     []string `json:"items"`
	NextToken string   `json:"next_token,omitempty"`
}

// Resolver adapts one upstream provider to the pull pipeline. Implementations
// are stateless beyond configuration and safe for concurrent use.
type Resolver interface {
	// Provider identifies the upstream this resolver talks to.
	Provider() Provider

	// ParseRef validates a reference string for this provider.
	ParseRef(s string) (ModelRef, error)

	// Resolve fetches and parses the manifest for a reference.
	Resolve(ctx context.Context, ref ModelRef) (*Manifest, error)

	// BlobURL returns the download URL for one of the manifest's blobs.
	BlobURL(ref ModelRef, d digest.Digest) string

	// ManifestElems returns the directory elements (below manifests/) the
	// raw manifest is stored under; the tag names the file itself.
	ManifestElems(ref ModelRef) []string

	// PresenceNames returns the names the target Ollama server may know the
	// model by, most specific first.
	PresenceNames(ref ModelRef) []string

	// ListModels returns one page of the provider's model catalog.
	ListModels(ctx context.Context, limit int, token string) (Page, error)

	// ListTags returns one page of a model's available tags.
	ListTags(ctx context.Context, model string, limit int, token string) (Page, error)
}

// NewResolver builds the resolver for a provider from settings.
func NewResolver(p Provider, settings Settings, httpc *http.Client) (Resolver, error) {
	if httpc == nil {
		httpc = settings.HTTPClient()
	}
	switch p {
	case ProviderRegistry:
		return newRegistryResolver(settings, httpc), nil
	case ProviderHub:
		return newHubResolver(settings, httpc), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", p)
	}
}

// getBody fetches a URL with bounded retries and returns the body and the
// response headers. Non-2xx statuses map to APIError so the caller's errors.Is
// checks against ErrNotFound/ErrUnauthorized work.
func getBody(ctx context.Context, httpc *http.Client, rawURL string, retries int) ([]byte, http.Header, error) {
	retry := newRetry()
	var lastErr error

	for attempt := 0; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		body, hdr, err := getOnce(ctx, httpc, rawURL)
		if err == nil {
			return body, hdr, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, nil, err
		}
		if attempt < retries {
			if d := retry.Next(); !sleepCtx(ctx, d) {
				return nil, nil, ctx.Err()
			}
		}
	}
	return nil, nil, lastErr
}

func getOnce(ctx context.Context, httpc *http.Client, rawURL string) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := httpc.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, nil, &APIError{StatusCode: resp.StatusCode, Status: resp.Status, URL: rawURL}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return body, resp.Header, nil
}

// hostOf extracts the hostname from a base URL, falling back when the URL is
// unparsable. The host becomes the first manifests/ path element, matching
// the layout the Ollama runtime expects.
func hostOf(base, fallback string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return fallback
	}
	return u.Host
}

// sortFold sorts strings case-insensitively in place.
func sortFold(items []string) {
	sort.Slice(items, func(i, j int) bool {
		return strings.ToLower(items[i]) < strings.ToLower(items[j])
	})
}

// slicePage applies offset-token pagination over a full in-memory listing.
// The token is the decimal offset of the next item; listings that fit in one
// page return an empty token.
func slicePage(items []string, limit int, token string) (Page, error) {
	offset := 0
	if token != "" {
		n, err := strconv.Atoi(token)
		if err != nil || n < 0 {
			return Page{}, fmt.Errorf("invalid page token %q", token)
		}
		offset = n
	}
	if limit <= 0 {
		limit = 50
	}
	if offset >= len(items) {
		return Page{}, nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	p := Page{Items: items[offset:end]}
	if end < len(items) {
		p.NextToken = strconv.Itoa(end)
	}
	return p, nil
}
