package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/forecastex/marketd/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps an engine failure onto an HTTP status and sends it.
// Domain sentinels carry the full classification; anything unrecognized is a
// 500 with a generic body so internal details never leak to clients.
func writeEngineError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error) {
	status := engineStatus(err)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: operation failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}

func engineStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidSignature),
		errors.Is(err, domain.ErrBadNonce),
		errors.Is(err, domain.ErrDeadlineExpired):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrNoActivePosition):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidSide),
		errors.Is(err, domain.ErrZeroAmount),
		errors.Is(err, domain.ErrCollateralTooSmall),
		errors.Is(err, domain.ErrLeverageOutOfBounds),
		errors.Is(err, domain.ErrLengthMismatch):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrMarketMigrated),
		errors.Is(err, domain.ErrMarketResolved),
		errors.Is(err, domain.ErrMarketNotResolved),
		errors.Is(err, domain.ErrPhase2NotActive),
		errors.Is(err, domain.ErrPositionExists),
		errors.Is(err, domain.ErrPositionHealthy),
		errors.Is(err, domain.ErrSlippageExceeded),
		errors.Is(err, domain.ErrCooloffActive),
		errors.Is(err, domain.ErrLosingSide),
		errors.Is(err, domain.ErrNothingToClaim),
		errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrUtilizationExceeded):
		return http.StatusConflict
	case errors.Is(err, domain.ErrReentrantCall):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes the request body as JSON into v, rejecting unknown
// fields.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// pathParam extracts a named path parameter using the Go 1.22+ mux patterns.
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}
