package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/perpx/perp-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	balances   map[model.Identity]uint64
	positions  map[uint64]*model.Position
	counter    uint64
	oracle     model.OracleState
	governance model.GovernanceState
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:  make(map[model.Identity]uint64),
		positions: make(map[uint64]*model.Position),
	}
}

func (s *MemoryStore) Balance(_ context.Context, trader model.Identity) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[trader], nil
}

func (s *MemoryStore) SetBalance(_ context.Context, trader model.Identity, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[trader] = amount
	return nil
}

func (s *MemoryStore) NextPositionID(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	return s.counter, nil
}

func (s *MemoryStore) InsertPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.positions[p.ID]; exists {
		return fmt.Errorf("position %d already exists", p.ID)
	}

	// Store a copy to avoid external mutation.
	cp := *p
	s.positions[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id uint64) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %d: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		positions = append(positions, *p)
	}
	return positions, nil
}

func (s *MemoryStore) DeletePosition(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[id]; !ok {
		return fmt.Errorf("position %d: %w", id, ErrNotFound)
	}
	delete(s.positions, id)
	return nil
}

func (s *MemoryStore) MarkLiquidated(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("position %d: %w", id, ErrNotFound)
	}
	p.Liquidated = true
	return nil
}

func (s *MemoryStore) PositionsOpened(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counter, nil
}

func (s *MemoryStore) Oracle(_ context.Context) (model.OracleState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.oracle, nil
}

func (s *MemoryStore) SetOracle(_ context.Context, o model.OracleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oracle = o
	return nil
}

func (s *MemoryStore) Governance(_ context.Context) (model.GovernanceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.governance, nil
}

func (s *MemoryStore) SetGovernance(_ context.Context, g model.GovernanceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.governance = g
	return nil
}
