// Package transfer defines the asset-transfer boundary the engine uses to
// move collateral units between custodial balances, plus an in-memory vault
// implementation. The engine treats any transfer failure as fatal for the
// enclosing operation.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perpx/perp-engine/internal/model"
)

// ErrInsufficientBalance is returned when the source account cannot cover
// the transfer.
var ErrInsufficientBalance = errors.New("transfer: insufficient balance")

// Service moves collateral units between accounts. A production deployment
// backs this with the real value-transfer primitive; the engine only relies
// on all-or-nothing semantics per call.
type Service interface {
	Transfer(ctx context.Context, amount uint64, from, to model.Identity) error
}

// Record is an immutable journal entry for one completed transfer.
type Record struct {
	ID        string         `json:"id"`
	Amount    uint64         `json:"amount"`
	From      model.Identity `json:"from"`
	To        model.Identity `json:"to"`
	Timestamp time.Time      `json:"timestamp"`
}

// Vault is an in-memory Service keeping custodial balances and an immutable
// transfer journal. Used for testing and development.
type Vault struct {
	mu       sync.Mutex
	balances map[model.Identity]uint64
	journal  []Record
}

// NewVault creates an empty vault.
func NewVault() *Vault {
	return &Vault{balances: make(map[model.Identity]uint64)}
}

// Mint credits an account out of thin air. Test/dev funding only.
func (v *Vault) Mint(account model.Identity, amount uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[account] += amount
}

// Balance returns an account's custodial balance.
func (v *Vault) Balance(account model.Identity) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balances[account]
}

// Transfer moves amount from one account to another, journaling the move.
func (v *Vault) Transfer(_ context.Context, amount uint64, from, to model.Identity) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.balances[from] < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientBalance, from, v.balances[from], amount)
	}

	v.balances[from] -= amount
	v.balances[to] += amount

	v.journal = append(v.journal, Record{
		ID:        uuid.New().String(),
		Amount:    amount,
		From:      from,
		To:        to,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// Journal returns a copy of the transfer journal.
func (v *Vault) Journal() []Record {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Record, len(v.journal))
	copy(out, v.journal)
	return out
}
