package engine

import (
	"encoding/json"
	"fmt"

	"github.com/forecastex/marketd/internal/domain"
)

// checkpointDoc is the persisted shape of the engine's own state. Collaborator
// ledgers are serialized separately and composed into one snapshot document by
// the checkpoint service.
type checkpointDoc struct {
	Version   int                 `json:"version"`
	State     *domain.MarketState `json:"state"`
	Positions []*domain.Position  `json:"positions"`
	Authority string              `json:"authority"`
	Sequence  uint64              `json:"sequence"`
}

const checkpointVersion = 1

// ExportCheckpoint serializes the engine state for persistence and returns
// the document together with the journal sequence it covers. It runs under
// the engine lock, so a checkpoint never captures a half-applied transition.
func (m *Market) ExportCheckpoint() ([]byte, uint64, error) {
	if m.busy.Load() {
		return nil, 0, fmt.Errorf("engine: checkpoint: %w", domain.ErrReentrantCall)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.initialized {
		return nil, 0, fmt.Errorf("engine: checkpoint: market not initialized")
	}

	doc := checkpointDoc{
		Version:   checkpointVersion,
		State:     m.state.Clone(),
		Authority: m.authority,
		Sequence:  m.seq,
	}
	for _, p := range m.positions {
		doc.Positions = append(doc.Positions, p.Clone())
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, 0, fmt.Errorf("engine: checkpoint: %w", err)
	}
	return data, m.seq, nil
}

// RestoreCheckpoint replaces the engine state with a previously exported
// checkpoint. The market must already be initialized with its immutable
// parameters; only the mutable state is loaded.
func (m *Market) RestoreCheckpoint(data []byte) error {
	if m.busy.Load() {
		return fmt.Errorf("engine: restore checkpoint: %w", domain.ErrReentrantCall)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return fmt.Errorf("engine: restore checkpoint: market not initialized")
	}

	var doc checkpointDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("engine: restore checkpoint: %w", err)
	}
	if doc.Version != checkpointVersion {
		return fmt.Errorf("engine: restore checkpoint: unsupported version %d", doc.Version)
	}
	if doc.State == nil {
		return fmt.Errorf("engine: restore checkpoint: missing state")
	}
	if doc.State.Nonces == nil {
		doc.State.Nonces = make(map[string]uint64)
	}

	m.state = doc.State
	m.authority = doc.Authority
	m.seq = doc.Sequence
	m.positions = make(map[domain.PositionKey]*domain.Position, len(doc.Positions))
	for _, p := range doc.Positions {
		m.positions[domain.PositionKey{Trader: p.Trader, Side: p.Side}] = p
	}

	m.logger.Info("engine: checkpoint restored",
		"market", m.params.MarketID,
		"sequence", m.seq,
		"phase", string(m.state.Phase),
		"positions", len(m.positions),
	)
	return nil
}
