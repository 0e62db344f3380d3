// Package engine implements the position-and-ledger state machine: deposit
// and withdraw accounting, margin/fee computation, liquidation-price
// derivation, PnL settlement and liquidation enforcement, gated by a single
// administrative authority.
//
// Every public operation runs under one mutex for its full duration and
// validates all preconditions before the first write, so a failed call
// leaves zero side effects and no rollback machinery is needed. The only
// collaborator that can fail mid-commit is the asset-transfer service,
// which therefore runs before the first store write.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/perpx/perp-engine/internal/model"
	"github.com/perpx/perp-engine/internal/risk"
	"github.com/perpx/perp-engine/internal/store"
	"github.com/perpx/perp-engine/internal/transfer"
)

// Config carries the engine's identities and policy knobs.
type Config struct {
	// Admin is the initial administrative identity. Used only when the
	// store holds no governance state yet.
	Admin model.Identity

	// Treasury is the initial protocol-fee recipient.
	Treasury model.Identity

	// Custody is the account holding deposited collateral in the
	// transfer collaborator.
	Custody model.Identity

	MaxLeverage        uint64        // reject opens above this multiplier
	MaxPositionSize    uint64        // reject opens above this contract size
	ProtocolFeeBps     uint64        // levy on margin at open and close
	LiquidationFeeBps  uint64        // incentive paid to the liquidator
	StalenessThreshold time.Duration // max tolerated oracle age for opens
}

// MaxOraclePrice bounds admin-set mark prices. It keeps the size×price
// margin product and the trigger-band multiplies inside the 64-bit range
// for any in-range position size, and keeps signed PnL arithmetic exact.
const MaxOraclePrice uint64 = 1 << 32

// Default policy values.
const (
	DefaultMaxLeverage        = 20
	DefaultMaxPositionSize    = 1_000_000
	DefaultProtocolFeeBps     = 10
	DefaultLiquidationFeeBps  = 500
	DefaultStalenessThreshold = time.Hour
)

func (c *Config) applyDefaults() {
	if c.MaxLeverage == 0 {
		c.MaxLeverage = DefaultMaxLeverage
	}
	if c.MaxPositionSize == 0 {
		c.MaxPositionSize = DefaultMaxPositionSize
	}
	if c.ProtocolFeeBps == 0 {
		c.ProtocolFeeBps = DefaultProtocolFeeBps
	}
	if c.LiquidationFeeBps == 0 {
		c.LiquidationFeeBps = DefaultLiquidationFeeBps
	}
	if c.StalenessThreshold == 0 {
		c.StalenessThreshold = DefaultStalenessThreshold
	}
}

// Engine orchestrates the account ledger, position registry, oracle and
// governance state. It is the only component that touches both the ledger
// and the registry in a single operation.
type Engine struct {
	store    store.Store
	transfer transfer.Service
	clock    Clock
	cfg      Config

	// mu serializes every public operation end to end; finer-grained
	// locking could interleave a debit with a concurrent margin check.
	mu sync.Mutex
}

// CloseReceipt reports the settlement of a closed position.
type CloseReceipt struct {
	PositionID uint64 `json:"position_id"`
	PnL        int64  `json:"pnl"`
	Fee        uint64 `json:"fee"`
	Payout     uint64 `json:"payout"`
}

// LiquidationReceipt reports a completed liquidation.
type LiquidationReceipt struct {
	PositionID      uint64         `json:"position_id"`
	Trader          model.Identity `json:"trader"`
	LiquidationFee  uint64         `json:"liquidation_fee"`
	RemainingMargin uint64         `json:"remaining_margin"`
}

// Analytics is the read-only position summary.
type Analytics struct {
	Trader    model.Identity  `json:"trader"`
	Direction model.Direction `json:"direction"`
	Age       time.Duration   `json:"age"`
}

// Status is the aggregate protocol snapshot.
type Status struct {
	Paused          bool           `json:"paused"`
	Admin           model.Identity `json:"admin"`
	Treasury        model.Identity `json:"treasury"`
	Price           uint64         `json:"price"`
	PriceUpdatedAt  time.Time      `json:"price_updated_at"`
	PositionsOpened uint64         `json:"positions_opened"`
}

// New creates an engine and, if the store holds no governance state yet,
// seeds it with the configured admin and treasury.
func New(ctx context.Context, st store.Store, tr transfer.Service, clock Clock, cfg Config) (*Engine, error) {
	if cfg.Admin == "" || cfg.Treasury == "" || cfg.Custody == "" {
		return nil, fmt.Errorf("%w: admin, treasury and custody identities are required", ErrInvalidParams)
	}
	cfg.applyDefaults()

	gov, err := st.Governance(ctx)
	if err != nil {
		return nil, err
	}
	if gov.Admin == "" {
		gov = model.GovernanceState{Admin: cfg.Admin, Treasury: cfg.Treasury}
		if err := st.SetGovernance(ctx, gov); err != nil {
			return nil, err
		}
	}

	return &Engine{store: st, transfer: tr, clock: clock, cfg: cfg}, nil
}

// --- Account ledger ---

// Deposit moves amount from the trader into custody and credits the
// trader's free collateral.
func (e *Engine) Deposit(ctx context.Context, trader model.Identity, amount uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	gov, err := e.store.Governance(ctx)
	if err != nil {
		return err
	}
	if gov.Paused {
		return ErrPaused
	}
	if trader == "" || amount == 0 {
		return fmt.Errorf("%w: deposit requires a trader and a positive amount", ErrInvalidParams)
	}

	if err := e.transfer.Transfer(ctx, amount, trader, e.cfg.Custody); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := e.credit(ctx, trader, amount); err != nil {
		return err
	}

	slog.Info("collateral deposited", "trader", trader, "amount", amount)
	return nil
}

// Withdraw debits the trader's free collateral and moves amount back out
// of custody.
func (e *Engine) Withdraw(ctx context.Context, trader model.Identity, amount uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	gov, err := e.store.Governance(ctx)
	if err != nil {
		return err
	}
	if gov.Paused {
		return ErrPaused
	}
	if amount == 0 {
		return fmt.Errorf("%w: withdraw amount must be positive", ErrInvalidParams)
	}

	balance, err := e.store.Balance(ctx, trader)
	if err != nil {
		return err
	}
	if balance < amount {
		return fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientFunds, balance, amount)
	}

	// Transfer before the ledger write so a rejected transfer retains
	// no ledger mutation.
	if err := e.transfer.Transfer(ctx, amount, e.cfg.Custody, trader); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := e.store.SetBalance(ctx, trader, balance-amount); err != nil {
		return err
	}

	slog.Info("collateral withdrawn", "trader", trader, "amount", amount)
	return nil
}

// --- Trade operations ---

// Open creates a leveraged position at the current mark price and returns
// its id. It debits margin plus the protocol fee from the trader's free
// collateral and sends the fee to the treasury.
func (e *Engine) Open(ctx context.Context, trader model.Identity, direction model.Direction, size, leverage uint64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	gov, err := e.store.Governance(ctx)
	if err != nil {
		return 0, err
	}
	if gov.Paused {
		return 0, ErrPaused
	}
	if !direction.Valid() {
		return 0, fmt.Errorf("%w: direction must be LONG or SHORT", ErrInvalidParams)
	}
	if leverage == 0 || leverage > e.cfg.MaxLeverage {
		return 0, fmt.Errorf("%w: leverage %d out of range [1,%d]", ErrInvalidParams, leverage, e.cfg.MaxLeverage)
	}
	if size == 0 {
		return 0, fmt.Errorf("%w: size must be positive", ErrInvalidParams)
	}
	if size > e.cfg.MaxPositionSize {
		return 0, fmt.Errorf("%w: size %d exceeds %d", ErrPositionTooLarge, size, e.cfg.MaxPositionSize)
	}

	oracle, err := e.store.Oracle(ctx)
	if err != nil {
		return 0, err
	}
	if oracle.Price == 0 {
		return 0, fmt.Errorf("%w: mark price is zero", ErrInvalidParams)
	}
	now := e.clock.Now()
	// Age exactly equal to the threshold still passes.
	if now.Sub(oracle.UpdatedAt) > e.cfg.StalenessThreshold {
		return 0, fmt.Errorf("%w: last update %s", ErrStalePrice, oracle.UpdatedAt)
	}

	margin := risk.Margin(size, oracle.Price, leverage)
	fee := risk.Fee(margin, e.cfg.ProtocolFeeBps)

	balance, err := e.store.Balance(ctx, trader)
	if err != nil {
		return 0, err
	}
	if balance < margin+fee {
		return 0, fmt.Errorf("%w: need %d, have %d", ErrInsufficientMargin, margin+fee, balance)
	}

	// Commit. The fee transfer is the only step that can fail; it runs
	// before any store write.
	if fee > 0 {
		if err := e.transfer.Transfer(ctx, fee, e.cfg.Custody, gov.Treasury); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}
	if err := e.store.SetBalance(ctx, trader, balance-margin-fee); err != nil {
		return 0, err
	}

	id, err := e.store.NextPositionID(ctx)
	if err != nil {
		return 0, err
	}
	position := &model.Position{
		ID:               id,
		Trader:           trader,
		Direction:        direction,
		Size:             size,
		EntryPrice:       oracle.Price,
		Leverage:         leverage,
		Margin:           margin,
		LiquidationPrice: risk.LiquidationPrice(oracle.Price, direction, leverage),
		OpenedAt:         now,
	}
	if err := e.store.InsertPosition(ctx, position); err != nil {
		return 0, err
	}

	slog.Info("position opened",
		"id", id,
		"trader", trader,
		"direction", direction,
		"size", size,
		"leverage", leverage,
		"entry_price", oracle.Price,
		"margin", margin,
		"fee", fee,
		"liquidation_price", position.LiquidationPrice,
	)
	return id, nil
}

// Close settles a position at the current mark price, credits the trader
// with the final amount, pays the protocol fee to the treasury and removes
// the position from the registry. Only the position's trader may close it,
// and a liquidated position can no longer be closed.
func (e *Engine) Close(ctx context.Context, trader model.Identity, positionID uint64) (*CloseReceipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.getPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if p.Trader != trader {
		return nil, fmt.Errorf("%w: position %d belongs to another trader", ErrNotAuthorized, positionID)
	}
	if p.Liquidated {
		return nil, fmt.Errorf("%w: position %d already liquidated", ErrInvalidParams, positionID)
	}

	gov, err := e.store.Governance(ctx)
	if err != nil {
		return nil, err
	}
	if gov.Paused {
		return nil, ErrPaused
	}

	oracle, err := e.store.Oracle(ctx)
	if err != nil {
		return nil, err
	}

	pnl := risk.PnL(p.Direction, p.EntryPrice, oracle.Price, p.Size)
	fee := risk.Fee(p.Margin, e.cfg.ProtocolFeeBps)

	var payout uint64
	if pnl >= 0 {
		gross := p.Margin + uint64(pnl)
		if gross > fee {
			payout = gross - fee
		}
		// fee > margin+PnL clamps the payout to zero; the fee below is
		// still collected.
	} else {
		loss := uint64(-pnl)
		if p.Margin >= loss+fee {
			payout = p.Margin - loss - fee
		}
		// Loss beyond margin clamps to zero; the protocol absorbs the
		// shortfall.
	}

	// The fee goes to the treasury whenever it is non-zero, even when the
	// trader's payout clamped to zero.
	if fee > 0 {
		if err := e.transfer.Transfer(ctx, fee, e.cfg.Custody, gov.Treasury); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}
	if err := e.credit(ctx, trader, payout); err != nil {
		return nil, err
	}
	if err := e.store.DeletePosition(ctx, positionID); err != nil {
		return nil, err
	}

	slog.Info("position closed",
		"id", positionID,
		"trader", trader,
		"exit_price", oracle.Price,
		"pnl", pnl,
		"fee", fee,
		"payout", payout,
	)
	return &CloseReceipt{PositionID: positionID, PnL: pnl, Fee: fee, Payout: payout}, nil
}

// Liquidate force-settles an under-margined position. Any identity may
// call it, including while the protocol is paused, so liquidations stay
// available when everything else is frozen. The caller earns the
// liquidation fee; the remaining margin returns to the position's trader.
// No PnL settles: the trader's loss is capped at the margin deposited.
// The position is flagged, never deleted.
func (e *Engine) Liquidate(ctx context.Context, caller model.Identity, positionID uint64) (*LiquidationReceipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.getPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if p.Liquidated {
		return nil, fmt.Errorf("%w: position %d already liquidated", ErrNotLiquidatable, positionID)
	}

	oracle, err := e.store.Oracle(ctx)
	if err != nil {
		return nil, err
	}
	if !risk.Liquidatable(p.Direction, oracle.Price, p.LiquidationPrice) {
		return nil, fmt.Errorf("%w: price %d has not crossed trigger %d", ErrNotLiquidatable, oracle.Price, p.LiquidationPrice)
	}

	liqFee := risk.Fee(p.Margin, e.cfg.LiquidationFeeBps)
	// A fee rate above 100% of margin clamps to the margin itself, the
	// same way close clamps the payout; the trader gets zero back and
	// custody never pays out more than was reserved.
	if liqFee > p.Margin {
		liqFee = p.Margin
	}
	remaining := p.Margin - liqFee

	if liqFee > 0 {
		if err := e.transfer.Transfer(ctx, liqFee, e.cfg.Custody, caller); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}
	if err := e.credit(ctx, p.Trader, remaining); err != nil {
		return nil, err
	}
	if err := e.store.MarkLiquidated(ctx, positionID); err != nil {
		return nil, err
	}

	slog.Info("position liquidated",
		"id", positionID,
		"trader", p.Trader,
		"liquidator", caller,
		"mark_price", oracle.Price,
		"liquidation_fee", liqFee,
		"remaining_margin", remaining,
	)
	return &LiquidationReceipt{
		PositionID:      positionID,
		Trader:          p.Trader,
		LiquidationFee:  liqFee,
		RemainingMargin: remaining,
	}, nil
}

// --- Governance ---

// UpdateOraclePrice sets the mark price and its update timestamp
// atomically. Admin only; the price must be positive and no larger than
// MaxOraclePrice.
func (e *Engine) UpdateOraclePrice(ctx context.Context, caller model.Identity, price uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.requireAdmin(ctx, caller); err != nil {
		return err
	}
	if price == 0 || price > MaxOraclePrice {
		return fmt.Errorf("%w: price must be in [1,%d]", ErrInvalidParams, MaxOraclePrice)
	}
	if err := e.store.SetOracle(ctx, model.OracleState{Price: price, UpdatedAt: e.clock.Now()}); err != nil {
		return err
	}
	slog.Info("oracle price updated", "price", price)
	return nil
}

// TransferAdmin hands the admin role to a new identity. Admin only.
func (e *Engine) TransferAdmin(ctx context.Context, caller, newAdmin model.Identity) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	gov, err := e.requireAdmin(ctx, caller)
	if err != nil {
		return err
	}
	if newAdmin == "" {
		return fmt.Errorf("%w: new admin identity is empty", ErrInvalidParams)
	}
	gov.Admin = newAdmin
	if err := e.store.SetGovernance(ctx, gov); err != nil {
		return err
	}
	slog.Info("admin transferred", "new_admin", newAdmin)
	return nil
}

// SetPaused flips the protocol pause flag. Admin only.
func (e *Engine) SetPaused(ctx context.Context, caller model.Identity, paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	gov, err := e.requireAdmin(ctx, caller)
	if err != nil {
		return err
	}
	gov.Paused = paused
	if err := e.store.SetGovernance(ctx, gov); err != nil {
		return err
	}
	slog.Info("pause flag set", "paused", paused)
	return nil
}

// SetTreasury changes the protocol-fee recipient. Admin only.
func (e *Engine) SetTreasury(ctx context.Context, caller, treasury model.Identity) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	gov, err := e.requireAdmin(ctx, caller)
	if err != nil {
		return err
	}
	if treasury == "" {
		return fmt.Errorf("%w: treasury identity is empty", ErrInvalidParams)
	}
	gov.Treasury = treasury
	if err := e.store.SetGovernance(ctx, gov); err != nil {
		return err
	}
	slog.Info("treasury changed", "treasury", treasury)
	return nil
}

// --- Read-only surface ---

// Balance returns a trader's free collateral.
func (e *Engine) Balance(ctx context.Context, trader model.Identity) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Balance(ctx, trader)
}

// Position returns a position by id, liquidated ones included.
func (e *Engine) Position(ctx context.Context, id uint64) (*model.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.getPosition(ctx, id)
}

// CurrentPrice returns the oracle's mark price.
func (e *Engine) CurrentPrice(ctx context.Context) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	oracle, err := e.store.Oracle(ctx)
	if err != nil {
		return 0, err
	}
	return oracle.Price, nil
}

// LiquidationPriceOf computes the trigger price for a hypothetical
// position. Pure; touches no state.
func (e *Engine) LiquidationPriceOf(entry uint64, direction model.Direction, leverage uint64) (uint64, error) {
	if !direction.Valid() {
		return 0, fmt.Errorf("%w: direction must be LONG or SHORT", ErrInvalidParams)
	}
	if leverage == 0 {
		return 0, fmt.Errorf("%w: leverage must be positive", ErrInvalidParams)
	}
	return risk.LiquidationPrice(entry, direction, leverage), nil
}

// PositionAnalytics returns the trader, direction label and age of a
// position.
func (e *Engine) PositionAnalytics(ctx context.Context, id uint64) (*Analytics, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.getPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Analytics{
		Trader:    p.Trader,
		Direction: p.Direction,
		Age:       e.clock.Now().Sub(p.OpenedAt),
	}, nil
}

// IsAtRisk reports whether the mark price sits inside the 5% early-warning
// band around the position's trigger.
func (e *Engine) IsAtRisk(ctx context.Context, id uint64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.getPosition(ctx, id)
	if err != nil {
		return false, err
	}
	oracle, err := e.store.Oracle(ctx)
	if err != nil {
		return false, err
	}
	return risk.AtRisk(p.Direction, oracle.Price, p.LiquidationPrice), nil
}

// Status returns the aggregate protocol snapshot.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	gov, err := e.store.Governance(ctx)
	if err != nil {
		return nil, err
	}
	oracle, err := e.store.Oracle(ctx)
	if err != nil {
		return nil, err
	}
	opened, err := e.store.PositionsOpened(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		Paused:          gov.Paused,
		Admin:           gov.Admin,
		Treasury:        gov.Treasury,
		Price:           oracle.Price,
		PriceUpdatedAt:  oracle.UpdatedAt,
		PositionsOpened: opened,
	}, nil
}

// --- Internal helpers ---

func (e *Engine) getPosition(ctx context.Context, id uint64) (*model.Position, error) {
	p, err := e.store.GetPosition(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: id %d", ErrPositionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (e *Engine) requireAdmin(ctx context.Context, caller model.Identity) (model.GovernanceState, error) {
	gov, err := e.store.Governance(ctx)
	if err != nil {
		return model.GovernanceState{}, err
	}
	if caller != gov.Admin {
		return model.GovernanceState{}, fmt.Errorf("%w: admin operation", ErrNotAuthorized)
	}
	return gov, nil
}

func (e *Engine) credit(ctx context.Context, trader model.Identity, amount uint64) error {
	balance, err := e.store.Balance(ctx, trader)
	if err != nil {
		return err
	}
	return e.store.SetBalance(ctx, trader, balance+amount)
}
