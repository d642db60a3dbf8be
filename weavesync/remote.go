// Copyright 2026 Jay Creagh
// SPDX-License-Identifier: Apache-2.0

package weavesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// UpsertResult is the central store's answer to a batched upsert. The
// watermark is the server_updated_at instant the server assigned to the
// batch, so the client can record it without waiting for the next pull.
type UpsertResult struct {
	Applied         int   `json:"applied"`
	ServerUpdatedAt int64 `json:"server_updated_at"`
}

// RemoteStore is the sync-facing surface of the central store.
type RemoteStore interface {
	// SelectSince returns the user's rows with server_updated_at strictly
	// after since, ascending by server_updated_at.
	SelectSince(ctx context.Context, table, userID string, since int64) ([]RemoteRow, error)
	// Upsert writes a batch of rows keyed by id in one call.
	Upsert(ctx context.Context, table string, rows []RemoteRow) (*UpsertResult, error)
}

// ChangesResponse is one page of a delta query.
type ChangesResponse struct {
	Rows      []RemoteRow `json:"rows"`
	HasMore   bool        `json:"has_more"`
	NextSince int64       `json:"next_since"`
}

// UpsertRequest is the body of a batched upsert call.
type UpsertRequest struct {
	Rows []RemoteRow `json:"rows"`
}

// HTTPRemoteStore talks to the sync API of the central store. Identity
// travels in the bearer token: the server resolves the user from the JWT
// subject, so the userID passed to SelectSince must match the token's.
type HTTPRemoteStore struct {
	BaseURL  string
	Token    func(context.Context) (string, error)
	HTTP     *http.Client
	PageSize int // rows requested per delta page
}

// NewHTTPRemoteStore returns a client for the sync API at baseURL.
func NewHTTPRemoteStore(baseURL string, token func(context.Context) (string, error)) *HTTPRemoteStore {
	return &HTTPRemoteStore{
		BaseURL:  baseURL,
		Token:    token,
		HTTP:     &http.Client{Timeout: 120 * time.Second},
		PageSize: 500,
	}
}

// SelectSince implements RemoteStore. It drains the server page by page so
// callers always see the complete delta in one ascending slice.
func (r *HTTPRemoteStore) SelectSince(ctx context.Context, table, userID string, since int64) ([]RemoteRow, error) {
	var out []RemoteRow
	after := since
	for {
		page, err := r.fetchChanges(ctx, table, after)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Rows...)
		if !page.HasMore {
			return out, nil
		}
		if page.NextSince <= after {
			return nil, fmt.Errorf("server did not advance delta cursor for %s (stuck at %d)", table, after)
		}
		after = page.NextSince
	}
}

func (r *HTTPRemoteStore) fetchChanges(ctx context.Context, table string, since int64) (*ChangesResponse, error) {
	u := fmt.Sprintf("%s/sync/%s/changes?since=%d&limit=%d",
		r.BaseURL, url.PathEscape(table), since, r.PageSize)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create changes request: %w", err)
	}
	if err := r.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := r.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s changes: %w", table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("changes request for %s returned status %d: %s", table, resp.StatusCode, string(body))
	}

	var page ChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode changes response: %w", err)
	}
	return &page, nil
}

// Upsert implements RemoteStore.
func (r *HTTPRemoteStore) Upsert(ctx context.Context, table string, rows []RemoteRow) (*UpsertResult, error) {
	if len(rows) == 0 {
		return &UpsertResult{}, nil
	}
	body, err := json.Marshal(&UpsertRequest{Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upsert request: %w", err)
	}

	u := fmt.Sprintf("%s/sync/%s/upsert", r.BaseURL, url.PathEscape(table))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create upsert request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := r.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := r.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send upsert request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("upsert for %s returned status %d: %s", table, resp.StatusCode, string(respBody))
	}

	var result UpsertResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode upsert response: %w", err)
	}
	return &result, nil
}

func (r *HTTPRemoteStore) authorize(ctx context.Context, req *http.Request) error {
	token, err := r.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
