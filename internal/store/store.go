// Package store defines the persistence interface for the perp engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"

	"github.com/perpx/perp-engine/internal/model"
)

// ErrNotFound is returned when a requested position does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. The engine serializes all calls, so
// implementations only need to be individually atomic, not transactional
// across methods.
type Store interface {
	// --- Account ledger ---

	// Balance returns a trader's free collateral. Absent traders have a
	// zero balance; accounts are created implicitly on first write.
	Balance(ctx context.Context, trader model.Identity) (uint64, error)

	// SetBalance writes a trader's free collateral.
	SetBalance(ctx context.Context, trader model.Identity, amount uint64) error

	// --- Position registry ---

	// NextPositionID increments and returns the monotonic position counter.
	// IDs are never reused and liquidation leaves no gaps.
	NextPositionID(ctx context.Context) (uint64, error)

	// InsertPosition persists a newly opened position.
	InsertPosition(ctx context.Context, p *model.Position) error

	// GetPosition retrieves a position by id, ErrNotFound if absent.
	GetPosition(ctx context.Context, id uint64) (*model.Position, error)

	// ListPositions returns every position still in the registry,
	// including liquidated ones.
	ListPositions(ctx context.Context) ([]model.Position, error)

	// DeletePosition removes a closed position from the registry.
	DeletePosition(ctx context.Context, id uint64) error

	// MarkLiquidated flips the liquidated flag, all other fields untouched.
	MarkLiquidated(ctx context.Context, id uint64) error

	// PositionsOpened returns the total number of positions ever opened.
	PositionsOpened(ctx context.Context) (uint64, error)

	// --- Oracle ---

	// Oracle returns the current mark price state. A never-updated oracle
	// reads as the zero value.
	Oracle(ctx context.Context) (model.OracleState, error)

	// SetOracle writes price and updatedAt atomically.
	SetOracle(ctx context.Context, o model.OracleState) error

	// --- Governance ---

	// Governance returns the admin/treasury/pause state. An uninitialized
	// store reads as the zero value.
	Governance(ctx context.Context) (model.GovernanceState, error)

	// SetGovernance writes the governance state.
	SetGovernance(ctx context.Context, g model.GovernanceState) error
}
