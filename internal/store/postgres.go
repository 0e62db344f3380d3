package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perpx/perp-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as BIGINT; the engine keeps them inside
// the signed 64-bit range.
//
// Expected schema:
//
//	CREATE TABLE accounts (
//	    trader  TEXT PRIMARY KEY,
//	    balance BIGINT NOT NULL DEFAULT 0
//	);
//	CREATE TABLE positions (
//	    id                BIGINT PRIMARY KEY,
//	    trader            TEXT NOT NULL,
//	    direction         TEXT NOT NULL,
//	    size              BIGINT NOT NULL,
//	    entry_price       BIGINT NOT NULL,
//	    leverage          BIGINT NOT NULL,
//	    margin            BIGINT NOT NULL,
//	    liquidation_price BIGINT NOT NULL,
//	    opened_at         TIMESTAMPTZ NOT NULL,
//	    liquidated        BOOLEAN NOT NULL DEFAULT FALSE
//	);
//	CREATE TABLE engine_state (
//	    id               SMALLINT PRIMARY KEY CHECK (id = 1),
//	    price            BIGINT NOT NULL DEFAULT 0,
//	    price_updated_at TIMESTAMPTZ,
//	    admin            TEXT NOT NULL DEFAULT '',
//	    treasury         TEXT NOT NULL DEFAULT '',
//	    paused           BOOLEAN NOT NULL DEFAULT FALSE,
//	    positions_opened BIGINT NOT NULL DEFAULT 0
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Balance(ctx context.Context, trader model.Identity) (uint64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		`SELECT balance FROM accounts WHERE trader = $1`, string(trader)).
		Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil // implicit zero-balance account
	}
	if err != nil {
		return 0, fmt.Errorf("get balance %s: %w", trader, err)
	}
	return uint64(balance), nil
}

func (s *PostgresStore) SetBalance(ctx context.Context, trader model.Identity, amount uint64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (trader, balance) VALUES ($1, $2)
		 ON CONFLICT (trader) DO UPDATE SET balance = EXCLUDED.balance`,
		string(trader), int64(amount))
	return err
}

func (s *PostgresStore) NextPositionID(ctx context.Context) (uint64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`UPDATE engine_state SET positions_opened = positions_opened + 1
		 WHERE id = 1 RETURNING positions_opened`).
		Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("next position id: %w", err)
	}
	return uint64(id), nil
}

func (s *PostgresStore) InsertPosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions
		     (id, trader, direction, size, entry_price, leverage, margin,
		      liquidation_price, opened_at, liquidated)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		int64(p.ID), string(p.Trader), string(p.Direction),
		int64(p.Size), int64(p.EntryPrice), int64(p.Leverage), int64(p.Margin),
		int64(p.LiquidationPrice), p.OpenedAt, p.Liquidated)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, id uint64) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, trader, direction, size, entry_price, leverage, margin,
		        liquidation_price, opened_at, liquidated
		 FROM positions WHERE id = $1`, int64(id))

	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %d: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, trader, direction, size, entry_price, leverage, margin,
		        liquidation_price, opened_at, liquidated
		 FROM positions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) DeletePosition(ctx context.Context, id uint64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE id = $1`, int64(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) MarkLiquidated(ctx context.Context, id uint64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET liquidated = TRUE WHERE id = $1`, int64(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) PositionsOpened(ctx context.Context) (uint64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT positions_opened FROM engine_state WHERE id = 1`).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (s *PostgresStore) Oracle(ctx context.Context) (model.OracleState, error) {
	var o model.OracleState
	var price int64
	err := s.pool.QueryRow(ctx,
		`SELECT price, COALESCE(price_updated_at, 'epoch'::TIMESTAMPTZ)
		 FROM engine_state WHERE id = 1`).
		Scan(&price, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.OracleState{}, nil
	}
	if err != nil {
		return model.OracleState{}, err
	}
	o.Price = uint64(price)
	return o, nil
}

func (s *PostgresStore) SetOracle(ctx context.Context, o model.OracleState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO engine_state (id, price, price_updated_at) VALUES (1, $1, $2)
		 ON CONFLICT (id) DO UPDATE
		 SET price = EXCLUDED.price, price_updated_at = EXCLUDED.price_updated_at`,
		int64(o.Price), o.UpdatedAt)
	return err
}

func (s *PostgresStore) Governance(ctx context.Context) (model.GovernanceState, error) {
	var g model.GovernanceState
	var admin, treasury string
	err := s.pool.QueryRow(ctx,
		`SELECT admin, treasury, paused FROM engine_state WHERE id = 1`).
		Scan(&admin, &treasury, &g.Paused)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.GovernanceState{}, nil
	}
	if err != nil {
		return model.GovernanceState{}, err
	}
	g.Admin = model.Identity(admin)
	g.Treasury = model.Identity(treasury)
	return g, nil
}

func (s *PostgresStore) SetGovernance(ctx context.Context, g model.GovernanceState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO engine_state (id, admin, treasury, paused) VALUES (1, $1, $2, $3)
		 ON CONFLICT (id) DO UPDATE
		 SET admin = EXCLUDED.admin, treasury = EXCLUDED.treasury, paused = EXCLUDED.paused`,
		string(g.Admin), string(g.Treasury), g.Paused)
	return err
}

// pgxRow is the subset of pgx row types needed by scanPosition.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row pgxRow) (*model.Position, error) {
	var p model.Position
	var id, size, entryPrice, leverage, margin, liqPrice int64
	var trader, direction string

	if err := row.Scan(&id, &trader, &direction, &size, &entryPrice, &leverage,
		&margin, &liqPrice, &p.OpenedAt, &p.Liquidated); err != nil {
		return nil, err
	}

	p.ID = uint64(id)
	p.Trader = model.Identity(trader)
	p.Direction = model.Direction(direction)
	p.Size = uint64(size)
	p.EntryPrice = uint64(entryPrice)
	p.Leverage = uint64(leverage)
	p.Margin = uint64(margin)
	p.LiquidationPrice = uint64(liqPrice)

	return &p, nil
}
