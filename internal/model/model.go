// Package model defines the core domain types shared across the perp engine.
// All monetary values are unsigned fixed-point integers, never float64;
// every division truncates.
package model

import "time"

// Identity is an opaque, equality-comparable principal. The engine performs
// no cryptographic verification; authorization is identity equality.
type Identity string

// Direction is the side of a position.
type Direction string

const (
	// Long profits when the mark price rises.
	Long Direction = "LONG"
	// Short profits when the mark price falls.
	Short Direction = "SHORT"
)

// Valid reports whether d is one of the two supported directions.
func (d Direction) Valid() bool {
	return d == Long || d == Short
}

// Position is a leveraged exposure against the mark price. Created by open,
// flipped to Liquidated by liquidate (all other fields untouched), and
// removed from the registry only by close. Liquidated positions are never
// removed: once flagged, the record persists and close rejects it.
type Position struct {
	ID               uint64    `json:"id"`
	Trader           Identity  `json:"trader"`
	Direction        Direction `json:"direction"`
	Size             uint64    `json:"size"`
	EntryPrice       uint64    `json:"entry_price"`
	Leverage         uint64    `json:"leverage"`
	Margin           uint64    `json:"margin"`            // collateral reserved at open
	LiquidationPrice uint64    `json:"liquidation_price"` // fixed at open, never recomputed
	OpenedAt         time.Time `json:"opened_at"`
	Liquidated       bool      `json:"liquidated"`
}

// OracleState is the single mark-price instance. Both fields are set
// atomically by the admin price update and nowhere else.
type OracleState struct {
	Price     uint64    `json:"price"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GovernanceState holds the admin and treasury identities and the pause
// flag. Mutated only by admin-authorized operations.
type GovernanceState struct {
	Admin    Identity `json:"admin"`
	Treasury Identity `json:"treasury"`
	Paused   bool     `json:"paused"`
}
