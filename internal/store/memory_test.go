package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/perpx/perp-engine/internal/model"
	"github.com/perpx/perp-engine/internal/store"
)

func TestMemoryStore_BalanceDefaultsToZero(t *testing.T) {
	s := store.NewMemoryStore()

	balance, err := s.Balance(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance != 0 {
		t.Errorf("expected 0 for absent trader, got %d", balance)
	}
}

func TestMemoryStore_SetAndGetBalance(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	if err := s.SetBalance(ctx, "alice", 500); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	balance, _ := s.Balance(ctx, "alice")
	if balance != 500 {
		t.Errorf("expected 500, got %d", balance)
	}
}

func TestMemoryStore_PositionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	id, err := s.NextPositionID(ctx)
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	if id != 1 {
		t.Errorf("expected first id=1, got %d", id)
	}

	p := &model.Position{
		ID:               id,
		Trader:           "alice",
		Direction:        model.Long,
		Size:             10,
		EntryPrice:       100,
		Leverage:         10,
		Margin:           100,
		LiquidationPrice: 90,
		OpenedAt:         time.Now().UTC(),
	}
	if err := s.InsertPosition(ctx, p); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Mutating the caller's copy must not affect the stored record.
	p.Margin = 0
	got, err := s.GetPosition(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Margin != 100 {
		t.Errorf("expected stored margin=100, got %d", got.Margin)
	}

	if err := s.MarkLiquidated(ctx, id); err != nil {
		t.Fatalf("mark liquidated: %v", err)
	}
	got, _ = s.GetPosition(ctx, id)
	if !got.Liquidated {
		t.Error("expected liquidated=true")
	}
	if got.Margin != 100 {
		t.Error("MarkLiquidated must leave other fields untouched")
	}

	if err := s.DeletePosition(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetPosition(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	// The counter never rewinds.
	opened, _ := s.PositionsOpened(ctx)
	if opened != 1 {
		t.Errorf("expected positions opened=1, got %d", opened)
	}
}

func TestMemoryStore_NotFoundErrors(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	if _, err := s.GetPosition(ctx, 7); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.DeletePosition(ctx, 7); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.MarkLiquidated(ctx, 7); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_OracleAndGovernance(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	oracle, _ := s.Oracle(ctx)
	if oracle.Price != 0 {
		t.Errorf("expected zero price before first update, got %d", oracle.Price)
	}

	now := time.Now().UTC()
	if err := s.SetOracle(ctx, model.OracleState{Price: 100, UpdatedAt: now}); err != nil {
		t.Fatalf("set oracle: %v", err)
	}
	oracle, _ = s.Oracle(ctx)
	if oracle.Price != 100 || !oracle.UpdatedAt.Equal(now) {
		t.Errorf("unexpected oracle state: %+v", oracle)
	}

	gov, _ := s.Governance(ctx)
	if gov.Admin != "" {
		t.Errorf("expected empty governance before init, got %+v", gov)
	}
	want := model.GovernanceState{Admin: "admin", Treasury: "treasury", Paused: true}
	if err := s.SetGovernance(ctx, want); err != nil {
		t.Fatalf("set governance: %v", err)
	}
	gov, _ = s.Governance(ctx)
	if gov != want {
		t.Errorf("expected %+v, got %+v", want, gov)
	}
}
