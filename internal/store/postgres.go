package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/infinitrader/engine/internal/model"
	"github.com/infinitrader/engine/internal/symbols"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) GetSettings(ctx context.Context) (*model.UserSettings, error) {
	var st model.UserSettings
	var principal, targetRate, syms string

	err := s.pool.QueryRow(ctx,
		`SELECT principal::TEXT, split_count, target_rate::TEXT, symbols, is_active, updated_at
		 FROM user_settings WHERE id = 1`).
		Scan(&principal, &st.SplitCount, &targetRate, &syms, &st.IsActive, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}

	st.Principal = parseDec(principal)
	st.TargetRate = parseDec(targetRate)
	st.Symbols, _ = symbols.Parse(syms)
	return &st, nil
}

func (s *PostgresStore) SaveSettings(ctx context.Context, st *model.UserSettings) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_settings (id, principal, split_count, target_rate, symbols, is_active, updated_at)
		 VALUES (1, $1::NUMERIC, $2, $3::NUMERIC, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		     principal = EXCLUDED.principal, split_count = EXCLUDED.split_count,
		     target_rate = EXCLUDED.target_rate, symbols = EXCLUDED.symbols,
		     is_active = EXCLUDED.is_active, updated_at = EXCLUDED.updated_at`,
		st.Principal.String(), st.SplitCount, st.TargetRate.String(),
		symbols.Join(st.Symbols), st.IsActive, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

const cycleColumns = `id, symbol, current_cycle_day,
	total_bought_qty::TEXT, avg_price::TEXT, total_invested::TEXT,
	last_advanced_at, last_action, last_action_at, created_at`

func (s *PostgresStore) ListCycles(ctx context.Context) ([]model.CycleStatus, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+cycleColumns+` FROM cycle_status ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	var cycles []model.CycleStatus
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, *c)
	}
	return cycles, rows.Err()
}

func (s *PostgresStore) GetCycle(ctx context.Context, sym string) (*model.CycleStatus, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+cycleColumns+` FROM cycle_status WHERE symbol = $1`, sym)
	c, err := scanCycle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cycle %s: %w", sym, err)
	}
	return c, nil
}

func (s *PostgresStore) SaveCycle(ctx context.Context, c *model.CycleStatus) error {
	return saveCyclePG(ctx, s.pool, c)
}

// pgExecer is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgExecer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func saveCyclePG(ctx context.Context, db pgExecer, c *model.CycleStatus) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	err := db.QueryRow(ctx,
		`INSERT INTO cycle_status (symbol, current_cycle_day, total_bought_qty, avg_price, total_invested,
		                           last_advanced_at, last_action, last_action_at, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9)
		 ON CONFLICT (symbol) DO UPDATE SET
		     current_cycle_day = EXCLUDED.current_cycle_day,
		     total_bought_qty = EXCLUDED.total_bought_qty,
		     avg_price = EXCLUDED.avg_price,
		     total_invested = EXCLUDED.total_invested,
		     last_advanced_at = EXCLUDED.last_advanced_at,
		     last_action = EXCLUDED.last_action,
		     last_action_at = EXCLUDED.last_action_at
		 RETURNING id, created_at`,
		c.Symbol, c.CurrentCycleDay,
		c.TotalBoughtQty.String(), c.AvgPrice.String(), c.TotalInvested.String(),
		c.LastAdvancedAt, c.LastAction.String(), c.LastActionAt, c.CreatedAt,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("save cycle %s: %w", c.Symbol, err)
	}
	return nil
}

func (s *PostgresStore) DeleteCycle(ctx context.Context, sym string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM cycle_status WHERE symbol = $1`, sym)
	return err
}

func (s *PostgresStore) InitAccount(ctx context.Context, cash decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_account (id, cash) VALUES (1, $1::NUMERIC) ON CONFLICT (id) DO NOTHING`,
		cash.String())
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context) (*model.Account, error) {
	return getAccountPG(ctx, s.pool, false)
}

func getAccountPG(ctx context.Context, db pgExecer, forUpdate bool) (*model.Account, error) {
	q := `SELECT cash::TEXT, last_execution_at, last_sync_at FROM ledger_account WHERE id = 1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	var a model.Account
	var cash string
	err := db.QueryRow(ctx, q).Scan(&cash, &a.LastExecutionAt, &a.LastSyncAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.Account{Cash: decimal.Zero}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	a.Cash = parseDec(cash)
	return &a, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, quantity::TEXT, cost_basis::TEXT, updated_at
		 FROM positions WHERE quantity > 0 ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var qty, basis string
		if err := rows.Scan(&p.Symbol, &qty, &basis, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Quantity = parseDec(qty)
		p.CostBasis = parseDec(basis)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) GetPosition(ctx context.Context, sym string) (*model.Position, error) {
	var p model.Position
	var qty, basis string
	err := s.pool.QueryRow(ctx,
		`SELECT symbol, quantity::TEXT, cost_basis::TEXT, updated_at FROM positions WHERE symbol = $1`, sym).
		Scan(&p.Symbol, &qty, &basis, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.Position{Symbol: sym}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", sym, err)
	}
	p.Quantity = parseDec(qty)
	p.CostBasis = parseDec(basis)
	return &p, nil
}

// Snapshot reads inside a repeatable-read transaction so cash and
// positions come from the same point in time.
func (s *PostgresStore) Snapshot(ctx context.Context) (*model.LedgerSnapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	defer tx.Rollback(ctx)

	acct, err := getAccountPG(ctx, tx, false)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx,
		`SELECT symbol, quantity::TEXT, cost_basis::TEXT, updated_at FROM positions WHERE quantity > 0`)
	if err != nil {
		return nil, fmt.Errorf("snapshot positions: %w", err)
	}
	defer rows.Close()

	snap := &model.LedgerSnapshot{Account: *acct, Positions: make(map[string]model.Position)}
	for rows.Next() {
		var p model.Position
		var qty, basis string
		if err := rows.Scan(&p.Symbol, &qty, &basis, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Quantity = parseDec(qty)
		p.CostBasis = parseDec(basis)
		snap.Positions[p.Symbol] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snap, tx.Commit(ctx)
}

func (s *PostgresStore) ApplyTrade(ctx context.Context, m *model.TradeMutation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("apply trade: %w", err)
	}
	defer tx.Rollback(ctx)

	acct, err := getAccountPG(ctx, tx, true)
	if err != nil {
		return err
	}
	if err := checkMutation(acct.Cash, m); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_account (id, cash, last_execution_at) VALUES (1, $1::NUMERIC, $2)
		 ON CONFLICT (id) DO UPDATE SET cash = EXCLUDED.cash, last_execution_at = EXCLUDED.last_execution_at`,
		acct.Cash.Add(m.CashDelta).String(), m.ExecutedAt); err != nil {
		return fmt.Errorf("update cash: %w", err)
	}

	pos := m.Position
	if pos.Quantity.IsZero() {
		_, err = tx.Exec(ctx, `DELETE FROM positions WHERE symbol = $1`, pos.Symbol)
	} else {
		_, err = tx.Exec(ctx,
			`INSERT INTO positions (symbol, quantity, cost_basis, updated_at)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)
			 ON CONFLICT (symbol) DO UPDATE SET
			     quantity = EXCLUDED.quantity, cost_basis = EXCLUDED.cost_basis, updated_at = EXCLUDED.updated_at`,
			pos.Symbol, pos.Quantity.String(), pos.CostBasis.String(), m.ExecutedAt)
	}
	if err != nil {
		return fmt.Errorf("update position %s: %w", pos.Symbol, err)
	}

	l := m.Lot
	if _, err := tx.Exec(ctx,
		`INSERT INTO tax_lots (id, symbol, side, quantity, price, cost_basis, realized_gain, tax, source, executed_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		l.ID, l.Symbol, l.Side.String(), l.Quantity.String(), l.Price.String(), l.CostBasis.String(),
		l.RealizedGain.String(), l.Tax.String(), string(l.Source), l.ExecutedAt); err != nil {
		return fmt.Errorf("insert tax lot: %w", err)
	}

	t := m.Trade
	if _, err := tx.Exec(ctx,
		`INSERT INTO trade_log (id, symbol, side, quantity, price, amount, profit, source, executed_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		t.ID, t.Symbol, t.Side.String(), t.Quantity.String(), t.Price.String(), t.Amount.String(),
		t.Profit.String(), string(t.Source), t.ExecutedAt); err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}

	if m.Cycle != nil {
		if err := saveCyclePG(ctx, tx, m.Cycle); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) Deposit(ctx context.Context, amount decimal.Decimal) (*model.Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	acct, err := getAccountPG(ctx, tx, true)
	if err != nil {
		return nil, err
	}
	acct.Cash = acct.Cash.Add(amount)
	if acct.Cash.IsNegative() {
		return nil, model.ErrInsufficientCash
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_account (id, cash) VALUES (1, $1::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET cash = EXCLUDED.cash`, acct.Cash.String()); err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	}
	return acct, tx.Commit(ctx)
}

func (s *PostgresStore) ListTaxLots(ctx context.Context, sym string) ([]model.TaxLot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, symbol, side, quantity::TEXT, price::TEXT, cost_basis::TEXT,
		        realized_gain::TEXT, tax::TEXT, source, executed_at
		 FROM tax_lots WHERE ($1::TEXT = '' OR symbol = $1::TEXT) ORDER BY executed_at DESC`, sym)
	if err != nil {
		return nil, fmt.Errorf("list tax lots: %w", err)
	}
	defer rows.Close()

	var lots []model.TaxLot
	for rows.Next() {
		var l model.TaxLot
		var side, source, qty, price, basis, gain, tax string
		if err := rows.Scan(&l.ID, &l.Symbol, &side, &qty, &price, &basis, &gain, &tax, &source, &l.ExecutedAt); err != nil {
			return nil, err
		}
		l.Side, _ = model.ParseAction(side)
		l.Source = model.TradeSource(source)
		l.Quantity = parseDec(qty)
		l.Price = parseDec(price)
		l.CostBasis = parseDec(basis)
		l.RealizedGain = parseDec(gain)
		l.Tax = parseDec(tax)
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

func (s *PostgresStore) ListTrades(ctx context.Context, limit int) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, symbol, side, quantity::TEXT, price::TEXT, amount::TEXT, profit::TEXT, source, executed_at
		 FROM trade_log ORDER BY executed_at DESC LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var trades []model.TradeRecord
	for rows.Next() {
		var t model.TradeRecord
		var side, source, qty, price, amount, profit string
		if err := rows.Scan(&t.ID, &t.Symbol, &side, &qty, &price, &amount, &profit, &source, &t.ExecutedAt); err != nil {
			return nil, err
		}
		t.Side, _ = model.ParseAction(side)
		t.Source = model.TradeSource(source)
		t.Quantity = parseDec(qty)
		t.Price = parseDec(price)
		t.Amount = parseDec(amount)
		t.Profit = parseDec(profit)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) SetLastSync(ctx context.Context, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_account (id, cash, last_sync_at) VALUES (1, 0, $1)
		 ON CONFLICT (id) DO UPDATE SET last_sync_at = EXCLUDED.last_sync_at`, at)
	return err
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCycle(row rowScanner) (*model.CycleStatus, error) {
	var c model.CycleStatus
	var qty, avg, invested, action string
	if err := row.Scan(&c.ID, &c.Symbol, &c.CurrentCycleDay,
		&qty, &avg, &invested,
		&c.LastAdvancedAt, &action, &c.LastActionAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.TotalBoughtQty = parseDec(qty)
	c.AvgPrice = parseDec(avg)
	c.TotalInvested = parseDec(invested)
	c.LastAction, _ = model.ParseAction(action)
	return &c, nil
}

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
