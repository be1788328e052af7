package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/forecastex/marketd/internal/domain"
	"github.com/forecastex/marketd/internal/engine"
)

// StateExporter is implemented by collaborators whose ledgers are persisted
// alongside the engine state in a checkpoint.
type StateExporter interface {
	ExportState() ([]byte, error)
	ImportState(data []byte) error
}

// snapshotDoc composes the engine checkpoint with every collaborator ledger
// into one JSON document stored per row in the snapshot table.
type snapshotDoc struct {
	Engine        json.RawMessage            `json:"engine"`
	Collaborators map[string]json.RawMessage `json:"collaborators"`
}

// Checkpointer periodically persists a full system checkpoint so a restarted
// process resumes from the last committed state instead of replaying the
// whole journal.
type Checkpointer struct {
	market  *engine.Market
	collabs map[string]StateExporter
	snaps   domain.SnapshotStore
	logger  *slog.Logger
}

// NewCheckpointer creates a Checkpointer over the market and its named
// collaborator ledgers (e.g. "vault", "lending", "tokens").
func NewCheckpointer(
	market *engine.Market,
	collabs map[string]StateExporter,
	snaps domain.SnapshotStore,
	logger *slog.Logger,
) *Checkpointer {
	return &Checkpointer{
		market:  market,
		collabs: collabs,
		snaps:   snaps,
		logger:  logger.With(slog.String("component", "checkpointer")),
	}
}

// Save exports the engine and all collaborator ledgers and appends one
// snapshot row.
func (c *Checkpointer) Save(ctx context.Context) error {
	engineDoc, seq, err := c.market.ExportCheckpoint()
	if err != nil {
		return fmt.Errorf("checkpoint: export engine: %w", err)
	}

	doc := snapshotDoc{
		Engine:        engineDoc,
		Collaborators: make(map[string]json.RawMessage, len(c.collabs)),
	}
	for name, collab := range c.collabs {
		data, err := collab.ExportState()
		if err != nil {
			return fmt.Errorf("checkpoint: export %s: %w", name, err)
		}
		doc.Collaborators[name] = data
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}

	snap := domain.StateSnapshot{
		MarketID: c.market.Params().MarketID,
		Version:  1,
		Sequence: seq,
		State:    payload,
	}
	if err := c.snaps.Save(ctx, snap); err != nil {
		return fmt.Errorf("checkpoint: save: %w", err)
	}

	c.logger.Debug("checkpoint saved",
		slog.String("market_id", snap.MarketID),
		slog.Uint64("sequence", seq),
	)
	return nil
}

// Load restores the latest checkpoint, if one exists. It returns false when
// the market has no snapshot yet, which is not an error for a fresh deploy.
func (c *Checkpointer) Load(ctx context.Context) (bool, error) {
	snap, err := c.snaps.Latest(ctx, c.market.Params().MarketID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("checkpoint: load: %w", err)
	}

	var doc snapshotDoc
	if err := json.Unmarshal(snap.State, &doc); err != nil {
		return false, fmt.Errorf("checkpoint: unmarshal: %w", err)
	}

	// Ledgers first: the engine checkpoint is only consistent against the
	// collaborator state captured with it.
	for name, collab := range c.collabs {
		data, ok := doc.Collaborators[name]
		if !ok {
			return false, fmt.Errorf("checkpoint: missing collaborator %s", name)
		}
		if err := collab.ImportState(data); err != nil {
			return false, fmt.Errorf("checkpoint: import %s: %w", name, err)
		}
	}
	if err := c.market.RestoreCheckpoint(doc.Engine); err != nil {
		return false, err
	}

	c.logger.Info("checkpoint loaded",
		slog.String("market_id", snap.MarketID),
		slog.Uint64("sequence", snap.Sequence),
		slog.Time("created_at", snap.CreatedAt),
	)
	return true, nil
}

// Run saves a checkpoint every interval until ctx is cancelled. Failures are
// logged and retried on the next tick.
func (c *Checkpointer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Save(ctx); err != nil {
				c.logger.Error("checkpoint save failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
