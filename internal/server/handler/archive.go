package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/forecastex/marketd/internal/domain"
)

// ArchiveHandler serves the cold-storage journal segments: listing what has
// been archived and streaming individual segments back out of object storage.
type ArchiveHandler struct {
	marketID string
	blobs    domain.BlobReader
	logger   *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler scoped to one market's archive
// prefix.
func NewArchiveHandler(marketID string, blobs domain.BlobReader, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{
		marketID: marketID,
		blobs:    blobs,
		logger:   logger,
	}
}

func (h *ArchiveHandler) prefix() string {
	return "archive/" + h.marketID + "/"
}

// archiveEntry describes one stored segment.
type archiveEntry struct {
	Key          string `json:"key"`
	Size         int64  `json:"size"`
	LastModified string `json:"last_modified"`
}

// List enumerates the market's archived journal segments.
// GET /api/archives
func (h *ArchiveHandler) List(w http.ResponseWriter, r *http.Request) {
	infos, err := h.blobs.List(r.Context(), h.prefix())
	if err != nil {
		writeEngineError(w, h.logger, r, err)
		return
	}

	entries := make([]archiveEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, archiveEntry{
			Key:          info.Key,
			Size:         info.Size,
			LastModified: info.LastModified.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"segments": entries})
}

// Get streams one archived segment. The key is the remainder of the path and
// must stay inside the market's archive prefix.
// GET /api/archives/{key...}
func (h *ArchiveHandler) Get(w http.ResponseWriter, r *http.Request) {
	key := pathParam(r, "key")
	if key == "" || strings.Contains(key, "..") {
		writeError(w, http.StatusBadRequest, "invalid segment key")
		return
	}
	full := h.prefix() + key

	body, err := h.blobs.Get(r.Context(), full)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "segment not found")
			return
		}
		writeEngineError(w, h.logger, r, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "handler: segment stream interrupted",
			slog.String("key", full),
			slog.String("error", err.Error()),
		)
	}
}
