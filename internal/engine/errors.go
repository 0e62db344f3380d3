package engine

import "errors"

// Error taxonomy. Every failed operation returns exactly one of these
// kinds (possibly wrapped with context); callers discriminate with
// errors.Is. A failed call never leaves partial state behind.
var (
	// ErrNotAuthorized is returned when the caller is not the position's
	// trader (close) or not the admin (governance operations).
	ErrNotAuthorized = errors.New("engine: not authorized")

	// ErrInvalidParams covers malformed inputs: bad direction, zero or
	// excessive leverage, zero amounts, zero price.
	ErrInvalidParams = errors.New("engine: invalid parameters")

	// ErrInsufficientFunds is returned by withdraw when the free balance
	// cannot cover the requested amount.
	ErrInsufficientFunds = errors.New("engine: insufficient funds")

	// ErrPositionNotFound is returned when no position exists for the id.
	ErrPositionNotFound = errors.New("engine: position not found")

	// ErrInsufficientMargin is returned by open when the free balance
	// cannot cover margin plus the protocol fee.
	ErrInsufficientMargin = errors.New("engine: insufficient margin")

	// ErrPaused is returned when the protocol pause flag blocks the
	// operation. Liquidation is exempt.
	ErrPaused = errors.New("engine: protocol paused")

	// ErrPositionTooLarge is returned by open when size exceeds the
	// configured maximum position size.
	ErrPositionTooLarge = errors.New("engine: position size exceeds maximum")

	// ErrNotLiquidatable is returned when the mark price has not crossed
	// the position's trigger, or the position is already liquidated.
	ErrNotLiquidatable = errors.New("engine: position not liquidatable")

	// ErrStalePrice is returned by open when the oracle update is older
	// than the staleness threshold.
	ErrStalePrice = errors.New("engine: oracle price is stale")

	// ErrTransferFailed is returned when the asset-transfer collaborator
	// rejects a move; the enclosing operation aborts with no ledger change.
	ErrTransferFailed = errors.New("engine: asset transfer failed")
)
