package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/forecastex/marketd/internal/domain"
)

// EventHandler serves the journal query endpoints.
type EventHandler struct {
	marketID string
	events   domain.EventStore
	logger   *slog.Logger
}

// NewEventHandler creates an EventHandler over one market's journal.
func NewEventHandler(marketID string, events domain.EventStore, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		marketID: marketID,
		events:   events,
		logger:   logger,
	}
}

// List returns journal events, oldest first, with pagination and optional
// since/until RFC 3339 bounds.
// GET /api/events?limit=&offset=&since=&until=
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		opts.Since = &t
	}
	if v := r.URL.Query().Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "until must be RFC 3339")
			return
		}
		opts.Until = &t
	}

	events, err := h.events.List(r.Context(), h.marketID, opts)
	if err != nil {
		writeEngineError(w, h.logger, r, err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}

	total, err := h.events.Count(r.Context(), h.marketID)
	if err != nil {
		writeEngineError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  total,
	})
}
