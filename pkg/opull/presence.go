// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package opull

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// tagsResponse mirrors the Ollama server's GET /api/tags payload.
type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// checkPresence asks the target Ollama server whether it knows the model
// under any of the candidate names. The server may record a pulled model
// under a short name or a fully qualified one depending on how it was
// installed, hence the candidate list.
func checkPresence(ctx context.Context, httpc *http.Client, server ServerSettings, names []string) (bool, error) {
	tagsURL := strings.TrimRight(server.URL, "/") + "/api/tags"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tagsURL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("User-Agent", userAgent)
	if server.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+server.APIKey)
	}

	resp, err := httpc.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, &APIError{StatusCode: resp.StatusCode, Status: resp.Status, URL: tagsURL}
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return false, fmt.Errorf("parse tags response: %w", err)
	}
	for _, m := range tags.Models {
		for _, want := range names {
			if m.Name == want {
				return true, nil
			}
		}
	}
	return false, nil
}
