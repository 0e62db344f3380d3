package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/perpx/perp-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths (balances and positions). Writes go to the
// primary store and invalidate the cache; reads check Redis first then fall
// back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) Balance(ctx context.Context, trader model.Identity) (uint64, error) {
	if v, err := s.rdb.Get(ctx, balanceKey(trader)).Result(); err == nil {
		if balance, perr := strconv.ParseUint(v, 10, 64); perr == nil {
			return balance, nil
		}
	}

	balance, err := s.primary.Balance(ctx, trader)
	if err != nil {
		return 0, err
	}
	s.rdb.Set(ctx, balanceKey(trader), strconv.FormatUint(balance, 10), s.ttl)
	return balance, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, id uint64) (*model.Position, error) {
	if data, err := s.rdb.Get(ctx, positionKey(id)).Bytes(); err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cachePosition(ctx, p)
	return p, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SetBalance(ctx context.Context, trader model.Identity, amount uint64) error {
	if err := s.primary.SetBalance(ctx, trader, amount); err != nil {
		return err
	}
	s.rdb.Set(ctx, balanceKey(trader), strconv.FormatUint(amount, 10), s.ttl)
	return nil
}

func (s *CachedStore) InsertPosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.InsertPosition(ctx, p); err != nil {
		return err
	}
	s.cachePosition(ctx, p)
	return nil
}

func (s *CachedStore) DeletePosition(ctx context.Context, id uint64) error {
	if err := s.primary.DeletePosition(ctx, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionKey(id))
	return nil
}

func (s *CachedStore) MarkLiquidated(ctx context.Context, id uint64) error {
	if err := s.primary.MarkLiquidated(ctx, id); err != nil {
		return err
	}
	// Invalidate; next read re-populates with the flagged record.
	s.rdb.Del(ctx, positionKey(id))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) NextPositionID(ctx context.Context) (uint64, error) {
	return s.primary.NextPositionID(ctx)
}

func (s *CachedStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	return s.primary.ListPositions(ctx)
}

func (s *CachedStore) PositionsOpened(ctx context.Context) (uint64, error) {
	return s.primary.PositionsOpened(ctx)
}

func (s *CachedStore) Oracle(ctx context.Context) (model.OracleState, error) {
	return s.primary.Oracle(ctx)
}

func (s *CachedStore) SetOracle(ctx context.Context, o model.OracleState) error {
	return s.primary.SetOracle(ctx, o)
}

func (s *CachedStore) Governance(ctx context.Context) (model.GovernanceState, error) {
	return s.primary.Governance(ctx)
}

func (s *CachedStore) SetGovernance(ctx context.Context, g model.GovernanceState) error {
	return s.primary.SetGovernance(ctx, g)
}

// --- Cache helpers ---

func (s *CachedStore) cachePosition(ctx context.Context, p *model.Position) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(p.ID), data, s.ttl)
	}
}

func balanceKey(trader model.Identity) string { return fmt.Sprintf("balance:%s", trader) }
func positionKey(id uint64) string            { return fmt.Sprintf("position:%d", id) }
