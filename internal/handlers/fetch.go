// Package handlers holds the built-in task handlers shipped with the worker
// binary. Domain-specific collectors register their own types the same way.
package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"scrapeq/internal/registry"
	"scrapeq/internal/results"
)

const (
	fetchVersion      = "1.0.0"
	maxFetchBodyBytes = 4 << 20
	fetchTimeout      = 30 * time.Second
)

type fetchPayload struct {
	URL        string `json:"url"`
	Source     string `json:"source"`
	ExternalID string `json:"external_id"`
}

// FetchHandler downloads a URL and yields one result record keyed by the
// payload's source and external id, falling back to the URL itself.
type FetchHandler struct {
	deps   registry.Deps
	client *http.Client
}

// NewFetch is the constructor registered for the "fetch" task type.
func NewFetch(deps registry.Deps) registry.Handler {
	return &FetchHandler{
		deps:   deps,
		client: &http.Client{Timeout: fetchTimeout},
	}
}

func (h *FetchHandler) Descriptor() registry.Descriptor {
	return registry.Descriptor{Name: "http-fetch", Type: "fetch", Version: fetchVersion}
}

func (h *FetchHandler) Validate(payload json.RawMessage) error {
	var p fetchPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("malformed fetch payload: %w", err)
	}
	if p.URL == "" {
		return fmt.Errorf("fetch payload missing url")
	}
	return nil
}

func (h *FetchHandler) Execute(ctx context.Context, payload json.RawMessage) ([]results.Record, error) {
	var p fetchPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", p.URL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBodyBytes))
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(body)
	data, err := json.Marshal(map[string]any{
		"url":          p.URL,
		"status":       resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
		"bytes":        len(body),
		"sha256":       hex.EncodeToString(sum[:]),
	})
	if err != nil {
		return nil, err
	}

	source := p.Source
	if source == "" {
		source = "fetch"
	}
	externalID := p.ExternalID
	if externalID == "" {
		externalID = p.URL
	}
	return []results.Record{{
		Source:     source,
		ExternalID: externalID,
		Data:       data,
	}}, nil
}
