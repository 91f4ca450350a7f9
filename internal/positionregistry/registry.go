// Package positionregistry owns position records and their engine-side
// metadata: a single async mutex guards writes, and every read returns a
// deep copy so callers can never mutate registry state through an alias
// (spec §4.2). Grounded on the teacher's internal/data.Store single-RWMutex
// pattern, generalized from an OHLCV cache to the live position book.
package positionregistry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/quantforge/perpscalp/internal/domain"
	"github.com/quantforge/perpscalp/pkg/clock"
)

// Registry holds at most one record per symbol (spec §4.2 invariant).
type Registry struct {
	mu     sync.RWMutex
	clock  clock.Source
	logger *zap.Logger

	positions map[string]domain.Position
	metadata  map[string]domain.PositionMetadata
}

// New builds an empty position registry.
func New(logger *zap.Logger, clk clock.Source) *Registry {
	return &Registry{
		clock:     clk,
		logger:    logger.Named("position_registry"),
		positions: make(map[string]domain.Position),
		metadata:  make(map[string]domain.PositionMetadata),
	}
}

// Register stores a new position and its metadata, or updates in place if
// the symbol already has a record (spec §4.2: "registering an existing
// symbol is an update"). entry_time is set exactly once: from the provided
// metadata if non-zero, else from the exchange's cTime via position.OpenTime,
// else from the registration wall clock in UTC.
func (r *Registry) Register(symbol string, pos domain.Position, meta domain.PositionMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.metadata[symbol]; ok {
		meta.EntryTime = existing.EntryTime
		meta.ScalingHistory = existing.ScalingHistory
		meta.PartialTPDone = existing.PartialTPDone
	} else if meta.EntryTime.IsZero() {
		if !pos.OpenTime.IsZero() {
			meta.EntryTime = pos.OpenTime
		} else {
			meta.EntryTime = r.clock.Now().UTC()
		}
	}

	r.positions[symbol] = pos
	r.metadata[symbol] = meta
}

// UpdatePosition mutates the position record for symbol in place via the
// supplied function (spec §4.2 update with a position patch).
func (r *Registry) UpdatePosition(symbol string, mutate func(*domain.Position)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos, ok := r.positions[symbol]
	if !ok {
		return false
	}
	mutate(&pos)
	r.positions[symbol] = pos
	return true
}

// UpdateMetadata mutates the metadata record for symbol in place via the
// supplied function, preserving entry_time/scaling history invariants.
func (r *Registry) UpdateMetadata(symbol string, mutate func(*domain.PositionMetadata)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	meta, ok := r.metadata[symbol]
	if !ok {
		return false
	}
	entryTime := meta.EntryTime
	mutate(&meta)
	meta.EntryTime = entryTime // immutable after first set
	r.metadata[symbol] = meta
	return true
}

// Unregister removes symbol's record. A no-op if symbol has no record
// (spec §4.2 invariant).
func (r *Registry) Unregister(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.positions, symbol)
	delete(r.metadata, symbol)
}

// Has reports whether symbol has a registered position.
func (r *Registry) Has(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.positions[symbol]
	return ok
}

// Get returns a deep copy of the position for symbol.
func (r *Registry) Get(symbol string) (domain.Position, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pos, ok := r.positions[symbol]
	return pos, ok
}

// GetMetadata returns a deep copy of the metadata for symbol.
func (r *Registry) GetMetadata(symbol string) (domain.PositionMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.metadata[symbol]
	if !ok {
		return domain.PositionMetadata{}, false
	}
	return deepCopyMetadata(meta), true
}

// GetAll returns a deep copy of every registered position, keyed by symbol.
func (r *Registry) GetAll() map[string]domain.Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]domain.Position, len(r.positions))
	for k, v := range r.positions {
		out[k] = v
	}
	return out
}

// GetAllMetadata returns a deep copy of every registered metadata record.
func (r *Registry) GetAllMetadata() map[string]domain.PositionMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]domain.PositionMetadata, len(r.metadata))
	for k, v := range r.metadata {
		out[k] = deepCopyMetadata(v)
	}
	return out
}

// AppendScalingEvent records one size addition, append-only (spec §8).
func (r *Registry) AppendScalingEvent(symbol string, ev domain.ScalingEvent) {
	r.UpdateMetadata(symbol, func(m *domain.PositionMetadata) {
		m.ScalingHistory = append(m.ScalingHistory, ev)
	})
}

func deepCopyMetadata(m domain.PositionMetadata) domain.PositionMetadata {
	cp := m
	cp.ScalingHistory = make([]domain.ScalingEvent, len(m.ScalingHistory))
	copy(cp.ScalingHistory, m.ScalingHistory)
	return cp
}
