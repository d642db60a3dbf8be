// Copyright 2026 Jay Creagh
// SPDX-License-Identifier: Apache-2.0

package weaveserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jaybcreagh-netizen/Weave-sub007/weavesync"
)

// maxUpsertBatch bounds a single upsert request. Clients batch far below
// this; the cap only guards against runaway payloads.
const maxUpsertBatch = 500

// Authenticator resolves the authenticated user from an HTTP request.
type Authenticator interface {
	UserIDFromRequest(r *http.Request) (string, error)
}

// Handlers exposes the sync API over HTTP:
//
//	GET  /sync/{table}/changes?since=&limit=  delta query
//	POST /sync/{table}/upsert                 batched upsert
type Handlers struct {
	store  ChangeStore
	auth   Authenticator
	logger *slog.Logger
}

// NewHandlers wires the HTTP layer.
func NewHandlers(store ChangeStore, auth Authenticator, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{store: store, auth: auth, logger: logger}
}

// Mux returns a ServeMux with the sync routes registered.
func (h *Handlers) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sync/{table}/changes", h.handleChanges)
	mux.HandleFunc("POST /sync/{table}/upsert", h.handleUpsert)
	return mux
}

func (h *Handlers) handleChanges(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.UserIDFromRequest(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}
	table := r.PathValue("table")

	since := int64(0)
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		parsed, err := strconv.ParseInt(sinceStr, 10, 64)
		if err != nil || parsed < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "since must be a non-negative integer")
			return
		}
		since = parsed
	}
	limit := 500
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 || parsed > 1000 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 1000")
			return
		}
		limit = parsed
	}

	rows, hasMore, err := h.store.SelectSince(r.Context(), userID, table, since, limit)
	if err != nil {
		if errors.Is(err, ErrUnknownTable) {
			h.writeError(w, http.StatusNotFound, "unknown_table", "table is not registered for sync")
			return
		}
		h.logger.Error("failed to serve changes", "table", table, "user_id", userID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "changes_failed", "failed to load changes")
		return
	}

	nextSince := since
	if len(rows) > 0 {
		nextSince = rows[len(rows)-1].ServerUpdatedAt
	}
	h.writeJSON(w, &weavesync.ChangesResponse{
		Rows:      rows,
		HasMore:   hasMore,
		NextSince: nextSince,
	})
}

func (h *Handlers) handleUpsert(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.UserIDFromRequest(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}
	table := r.PathValue("table")

	var req weavesync.UpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse upsert request")
		return
	}
	if len(req.Rows) > maxUpsertBatch {
		h.writeError(w, http.StatusBadRequest, "batch_too_large", "too many rows in one upsert")
		return
	}
	if len(req.Rows) == 0 {
		h.writeJSON(w, &weavesync.UpsertResult{})
		return
	}

	result, err := h.store.Upsert(r.Context(), userID, table, req.Rows)
	if err != nil {
		if errors.Is(err, ErrUnknownTable) {
			h.writeError(w, http.StatusNotFound, "unknown_table", "table is not registered for sync")
			return
		}
		h.logger.Error("failed to process upsert", "table", table, "user_id", userID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "upsert_failed", "failed to process upsert")
		return
	}
	h.writeJSON(w, result)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
