// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package opull

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/opencontainers/go-digest"
)

const hubAPIBase = "https://huggingface.co/api/"

// hubResolver pulls GGUF models from the Hugging Face hub, which exposes an
// OCI-style manifest/blob endpoint for Ollama consumers. Catalog listings go
// through the hub's JSON API with its RFC 5988 Link cursor as the page token;
// tag listings derive quantization names from the repo's .gguf filenames.
type hubResolver struct {
	hubBase string // e.g. https://hf.co/v2/
	apiBase string
	retries int
	httpc   *http.Client
}

func newHubResolver(settings Settings, httpc *http.Client) *hubResolver {
	lib := settings.OllamaLibrary
	retries := lib.Retries
	if retries <= 0 {
		retries = 3
	}
	return &hubResolver{
		hubBase: lib.HubBaseURL,
		apiBase: hubAPIBase,
		retries: retries,
		httpc:   httpc,
	}
}

func (r *hubResolver) Provider() Provider { return ProviderHub }

func (r *hubResolver) ParseRef(s string) (ModelRef, error) {
	return ParseHubRef(s)
}

func (r *hubResolver) Resolve(ctx context.Context, ref ModelRef) (*Manifest, error) {
	url := r.hubBase + ref.Name + "/manifests/" + ref.Tag
	body, _, err := getBody(ctx, r.httpc, url, r.retries)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ref, err)
	}
	m, err := parseManifest(body)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ref, err)
	}
	return m, nil
}

// BlobURL keeps the digest's colon form; the hub serves blobs under the
// standard distribution path.
func (r *hubResolver) BlobURL(ref ModelRef, d digest.Digest) string {
	return r.hubBase + ref.Name + "/blobs/" + d.String()
}

func (r *hubResolver) ManifestElems(ref ModelRef) []string {
	owner, repo, _ := strings.Cut(ref.Name, "/")
	return []string{r.host(), owner, repo}
}

func (r *hubResolver) PresenceNames(ref ModelRef) []string {
	name := ref.Name + ":" + ref.Tag
	return []string{
		r.host() + "/" + name,
		"huggingface.co/" + name,
		name,
	}
}

func (r *hubResolver) host() string {
	return hostOf(r.hubBase, "hf.co")
}

// hubModel is the subset of the hub's model listing we consume.
type hubModel struct {
	ModelID string `json:"modelId"`
	ID      string `json:"id"`
}

func (m hubModel) name() string {
	if m.ModelID != "" {
		return m.ModelID
	}
	return m.ID
}

// ListModels pages through hub models tagged for Ollama consumption.
// The first page is requested by URL we build; every later page is the Link
// "next" URL the hub handed back, carried verbatim as the token.
func (r *hubResolver) ListModels(ctx context.Context, limit int, token string) (Page, error) {
	if limit <= 0 {
		limit = 25
	}
	pageURL := token
	if pageURL == "" {
		pageURL = fmt.Sprintf("%smodels?apps=ollama&gated=false&limit=%d&sort=trendingScore", r.apiBase, limit)
	}

	body, hdr, err := getBody(ctx, r.httpc, pageURL, r.retries)
	if err != nil {
		return Page{}, fmt.Errorf("list models: %w", err)
	}

	var models []hubModel
	if err := json.Unmarshal(body, &models); err != nil {
		return Page{}, fmt.Errorf("list models: %w", err)
	}
	items := make([]string, 0, len(models))
	for _, m := range models {
		if n := m.name(); n != "" {
			items = append(items, n)
		}
	}
	// Ordering is stable within a page only; the cursor fixes the global order.
	sortFold(items)

	return Page{Items: items, NextToken: nextLink(hdr.Get("Link"))}, nil
}

// hubModelInfo is the subset of the hub's per-model API we consume.
type hubModelInfo struct {
	Siblings []struct {
		RFilename string `json:"rfilename"`
	} `json:"siblings"`
}

// ListTags derives quantization tags from the .gguf files in the repo.
// Filenames follow the model-<QUANT>.gguf convention; the quant is the last
// dash-separated token of the stem.
func (r *hubResolver) ListTags(ctx context.Context, model string, limit int, token string) (Page, error) {
	if !strings.Contains(model, "/") {
		return Page{}, fmt.Errorf("%w: %q: expected owner/name", ErrMalformedRef, model)
	}
	apiURL := r.apiBase + "models/" + url.PathEscape(model) + "?blobs=true"
	body, _, err := getBody(ctx, r.httpc, apiURL, r.retries)
	if err != nil {
		return Page{}, fmt.Errorf("list tags for %s: %w", model, err)
	}

	var info hubModelInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return Page{}, fmt.Errorf("list tags for %s: %w", model, err)
	}

	var tags []string
	for _, s := range info.Siblings {
		stem, ok := strings.CutSuffix(s.RFilename, ".gguf")
		if !ok {
			continue
		}
		if i := strings.LastIndex(stem, "-"); i >= 0 {
			stem = stem[i+1:]
		}
		if stem != "" {
			tags = append(tags, model+":"+stem)
		}
	}
	if len(tags) == 0 {
		return Page{}, fmt.Errorf("model %s has no .gguf files: %w", model, ErrNotFound)
	}
	sortFold(tags)
	return slicePage(tags, limit, token)
}

// nextLink extracts the rel="next" URL from an RFC 5988 Link header.
func nextLink(link string) string {
	for _, part := range strings.Split(link, ",") {
		if !strings.Contains(part, `rel="next"`) {
			continue
		}
		urlPart, _, _ := strings.Cut(part, ";")
		return strings.Trim(strings.TrimSpace(urlPart), "<>")
	}
	return ""
}
