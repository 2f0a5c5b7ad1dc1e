// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package opull

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/opencontainers/go-digest"
	"golang.org/x/net/html"
)

// registryResolver talks to the Ollama registry for manifests and blobs, and
// scrapes the public library pages for catalog and tag listings. The library
// has no JSON listing API, so listings parse the anchor hrefs of the HTML
// pages and paginate the snapshot client-side.
type registryResolver struct {
	registryBase string // e.g. https://registry.ollama.ai/v2/library/
	libraryBase  string // e.g. https://ollama.com/library/
	retries      int
	httpc        *http.Client
}

func newRegistryResolver(settings Settings, httpc *http.Client) *registryResolver {
	lib := settings.OllamaLibrary
	retries := lib.Retries
	if retries <= 0 {
		retries = 3
	}
	return &registryResolver{
		registryBase: lib.RegistryBaseURL,
		libraryBase:  lib.LibraryBaseURL,
		retries:      retries,
		httpc:        httpc,
	}
}

func (r *registryResolver) Provider() Provider { return ProviderRegistry }

func (r *registryResolver) ParseRef(s string) (ModelRef, error) {
	return ParseRegistryRef(s)
}

func (r *registryResolver) Resolve(ctx context.Context, ref ModelRef) (*Manifest, error) {
	url := r.registryBase + ref.Name + "/manifests/" + ref.Tag
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

// BlobURL uses the path form of the digest (colon replaced with dash), which
// is what the Ollama registry serves.
func (r *registryResolver) BlobURL(ref ModelRef, d digest.Digest) string {
	return r.registryBase + ref.Name + "/blobs/" + strings.Replace(d.String(), ":", "-", 1)
}

func (r *registryResolver) ManifestElems(ref ModelRef) []string {
	return []string{r.host(), "library", ref.Name}
}

func (r *registryResolver) PresenceNames(ref ModelRef) []string {
	name := ref.Name + ":" + ref.Tag
	return []string{
		name,
		"library/" + name,
		r.host() + "/library/" + name,
	}
}

func (r *registryResolver) host() string {
	return hostOf(r.registryBase, "registry.ollama.ai")
}

func (r *registryResolver) ListModels(ctx context.Context, limit int, token string) (Page, error) {
	models, err := r.catalog(ctx)
	if err != nil {
		return Page{}, err
	}
	return slicePage(models, limit, token)
}

func (r *registryResolver) ListTags(ctx context.Context, model string, limit int, token string) (Page, error) {
	models, err := r.catalog(ctx)
	if err != nil {
		return Page{}, err
	}
	found := false
	for _, m := range models {
		if m == model {
			found = true
			break
		}
	}
	if !found {
		return Page{}, fmt.Errorf("model %q: %w", model, ErrNotFound)
	}

	body, _, err := getBody(ctx, r.httpc, r.libraryBase+model+"/tags", r.retries)
	if err != nil {
		return Page{}, fmt.Errorf("list tags for %s: %w", model, err)
	}

	prefix := "/library/" + model + ":"
	seen := map[string]bool{}
	var tags []string
	for _, href := range anchorHrefs(body) {
		if !strings.HasPrefix(href, prefix) {
			continue
		}
		tag := strings.TrimPrefix(href, "/library/")
		if !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	sortFold(tags)
	return slicePage(tags, limit, token)
}

// catalog scrapes the library index page for model names.
func (r *registryResolver) catalog(ctx context.Context) ([]string, error) {
	body, _, err := getBody(ctx, r.httpc, r.libraryBase, r.retries)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}

	seen := map[string]bool{}
	var models []string
	for _, href := range anchorHrefs(body) {
		if !strings.HasPrefix(href, "/library/") {
			continue
		}
		name := strings.TrimPrefix(href, "/library/")
		if name == "" || strings.HasSuffix(name, "/") || strings.Contains(name, ":") {
			continue
		}
		if !seen[name] {
			seen[name] = true
			models = append(models, name)
		}
	}
	sortFold(models)
	return models, nil
}

// anchorHrefs returns the href attribute of every anchor in the document.
// The parser is tolerant of broken markup, so scrape failures surface as an
// empty result rather than an error.
func anchorHrefs(body []byte) []string {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil
	}
	var hrefs []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key == "href" {
					hrefs = append(hrefs, attr.Val)
					break
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return hrefs
}
