package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/infinitrader/engine/internal/model"
	"github.com/infinitrader/engine/internal/symbols"
)

// SQLiteStore implements Store on a single SQLite file. Decimals are stored
// as TEXT and timestamps as unix milliseconds. Writes are serialized.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (or creates) the database at path and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) GetSettings(ctx context.Context) (*model.UserSettings, error) {
	var st model.UserSettings
	var principal, targetRate, syms string
	var active int
	var updated int64

	err := s.db.QueryRowContext(ctx,
		`SELECT principal, split_count, target_rate, symbols, is_active, updated_at
		 FROM user_settings WHERE id = 1`).
		Scan(&principal, &st.SplitCount, &targetRate, &syms, &active, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}

	st.Principal = parseDec(principal)
	st.TargetRate = parseDec(targetRate)
	st.Symbols, _ = symbols.Parse(syms)
	st.IsActive = active != 0
	st.UpdatedAt = time.UnixMilli(updated).UTC()
	return &st, nil
}

func (s *SQLiteStore) SaveSettings(ctx context.Context, st *model.UserSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_settings (id, principal, split_count, target_rate, symbols, is_active, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     principal = excluded.principal, split_count = excluded.split_count,
		     target_rate = excluded.target_rate, symbols = excluded.symbols,
		     is_active = excluded.is_active, updated_at = excluded.updated_at`,
		st.Principal.String(), st.SplitCount, st.TargetRate.String(),
		symbols.Join(st.Symbols), boolInt(st.IsActive), st.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

const sqliteCycleColumns = `id, symbol, current_cycle_day, total_bought_qty, avg_price, total_invested,
	last_advanced_at, last_action, last_action_at, created_at`

func (s *SQLiteStore) ListCycles(ctx context.Context) ([]model.CycleStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteCycleColumns+` FROM cycle_status ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	var cycles []model.CycleStatus
	for rows.Next() {
		c, err := scanSQLiteCycle(rows)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, *c)
	}
	return cycles, rows.Err()
}

func (s *SQLiteStore) GetCycle(ctx context.Context, sym string) (*model.CycleStatus, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteCycleColumns+` FROM cycle_status WHERE symbol = ?`, sym)
	c, err := scanSQLiteCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cycle %s: %w", sym, err)
	}
	return c, nil
}

func (s *SQLiteStore) SaveCycle(ctx context.Context, c *model.CycleStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveCycleSQLite(ctx, s.db, c)
}

// sqlQueryer is satisfied by *sql.DB and *sql.Tx.
type sqlQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func saveCycleSQLite(ctx context.Context, db sqlQueryer, c *model.CycleStatus) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	var created int64
	err := db.QueryRowContext(ctx,
		`INSERT INTO cycle_status (symbol, current_cycle_day, total_bought_qty, avg_price, total_invested,
		                           last_advanced_at, last_action, last_action_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (symbol) DO UPDATE SET
		     current_cycle_day = excluded.current_cycle_day,
		     total_bought_qty = excluded.total_bought_qty,
		     avg_price = excluded.avg_price,
		     total_invested = excluded.total_invested,
		     last_advanced_at = excluded.last_advanced_at,
		     last_action = excluded.last_action,
		     last_action_at = excluded.last_action_at
		 RETURNING id, created_at`,
		c.Symbol, c.CurrentCycleDay,
		c.TotalBoughtQty.String(), c.AvgPrice.String(), c.TotalInvested.String(),
		nullMillis(c.LastAdvancedAt), c.LastAction.String(), nullMillis(c.LastActionAt), c.CreatedAt.UnixMilli(),
	).Scan(&c.ID, &created)
	if err != nil {
		return fmt.Errorf("save cycle %s: %w", c.Symbol, err)
	}
	c.CreatedAt = time.UnixMilli(created).UTC()
	return nil
}

func (s *SQLiteStore) DeleteCycle(ctx context.Context, sym string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM cycle_status WHERE symbol = ?`, sym)
	return err
}

func (s *SQLiteStore) InitAccount(ctx context.Context, cash decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_account (id, cash) VALUES (1, ?) ON CONFLICT (id) DO NOTHING`, cash.String())
	return err
}

func (s *SQLiteStore) GetAccount(ctx context.Context) (*model.Account, error) {
	return getAccountSQLite(ctx, s.db)
}

func getAccountSQLite(ctx context.Context, db sqlQueryer) (*model.Account, error) {
	var cash string
	var lastExec, lastSync sql.NullInt64
	err := db.QueryRowContext(ctx,
		`SELECT cash, last_execution_at, last_sync_at FROM ledger_account WHERE id = 1`).
		Scan(&cash, &lastExec, &lastSync)
	if errors.Is(err, sql.ErrNoRows) {
		return &model.Account{Cash: decimal.Zero}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &model.Account{
		Cash:            parseDec(cash),
		LastExecutionAt: fromMillis(lastExec),
		LastSyncAt:      fromMillis(lastSync),
	}, nil
}

func (s *SQLiteStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	return listPositionsSQLite(ctx, s.db)
}

func listPositionsSQLite(ctx context.Context, db *sql.DB) ([]model.Position, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT symbol, quantity, cost_basis, updated_at FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var qty, basis string
		var updated int64
		if err := rows.Scan(&p.Symbol, &qty, &basis, &updated); err != nil {
			return nil, err
		}
		p.Quantity = parseDec(qty)
		p.CostBasis = parseDec(basis)
		p.UpdatedAt = time.UnixMilli(updated).UTC()
		if p.Quantity.IsPositive() {
			positions = append(positions, p)
		}
	}
	return positions, rows.Err()
}

func (s *SQLiteStore) GetPosition(ctx context.Context, sym string) (*model.Position, error) {
	var p model.Position
	var qty, basis string
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT symbol, quantity, cost_basis, updated_at FROM positions WHERE symbol = ?`, sym).
		Scan(&p.Symbol, &qty, &basis, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return &model.Position{Symbol: sym}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", sym, err)
	}
	p.Quantity = parseDec(qty)
	p.CostBasis = parseDec(basis)
	p.UpdatedAt = time.UnixMilli(updated).UTC()
	return &p, nil
}

// Snapshot holds the write mutex while reading so no trade lands between
// the account read and the position read.
func (s *SQLiteStore) Snapshot(ctx context.Context) (*model.LedgerSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err := getAccountSQLite(ctx, s.db)
	if err != nil {
		return nil, err
	}
	positions, err := listPositionsSQLite(ctx, s.db)
	if err != nil {
		return nil, err
	}
	snap := &model.LedgerSnapshot{Account: *acct, Positions: make(map[string]model.Position, len(positions))}
	for _, p := range positions {
		snap.Positions[p.Symbol] = p
	}
	return snap, nil
}

func (s *SQLiteStore) ApplyTrade(ctx context.Context, m *model.TradeMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply trade: %w", err)
	}
	defer tx.Rollback()

	acct, err := getAccountSQLite(ctx, tx)
	if err != nil {
		return err
	}
	if err := checkMutation(acct.Cash, m); err != nil {
		return err
	}

	execAt := m.ExecutedAt.UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_account (id, cash, last_execution_at) VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET cash = excluded.cash, last_execution_at = excluded.last_execution_at`,
		acct.Cash.Add(m.CashDelta).String(), execAt); err != nil {
		return fmt.Errorf("update cash: %w", err)
	}

	pos := m.Position
	if pos.Quantity.IsZero() {
		_, err = tx.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, pos.Symbol)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO positions (symbol, quantity, cost_basis, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (symbol) DO UPDATE SET
			     quantity = excluded.quantity, cost_basis = excluded.cost_basis, updated_at = excluded.updated_at`,
			pos.Symbol, pos.Quantity.String(), pos.CostBasis.String(), execAt)
	}
	if err != nil {
		return fmt.Errorf("update position %s: %w", pos.Symbol, err)
	}

	l := m.Lot
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tax_lots (id, symbol, side, quantity, price, cost_basis, realized_gain, tax, source, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Symbol, l.Side.String(), l.Quantity.String(), l.Price.String(), l.CostBasis.String(),
		l.RealizedGain.String(), l.Tax.String(), string(l.Source), l.ExecutedAt.UnixMilli()); err != nil {
		return fmt.Errorf("insert tax lot: %w", err)
	}

	t := m.Trade
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO trade_log (id, symbol, side, quantity, price, amount, profit, source, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Symbol, t.Side.String(), t.Quantity.String(), t.Price.String(), t.Amount.String(),
		t.Profit.String(), string(t.Source), t.ExecutedAt.UnixMilli()); err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}

	if m.Cycle != nil {
		if err := saveCycleSQLite(ctx, tx, m.Cycle); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Deposit(ctx context.Context, amount decimal.Decimal) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err := getAccountSQLite(ctx, s.db)
	if err != nil {
		return nil, err
	}
	acct.Cash = acct.Cash.Add(amount)
	if acct.Cash.IsNegative() {
		return nil, model.ErrInsufficientCash
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_account (id, cash) VALUES (1, ?)
		 ON CONFLICT (id) DO UPDATE SET cash = excluded.cash`, acct.Cash.String()); err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	}
	return acct, nil
}

func (s *SQLiteStore) ListTaxLots(ctx context.Context, sym string) ([]model.TaxLot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, symbol, side, quantity, price, cost_basis, realized_gain, tax, source, executed_at
		 FROM tax_lots WHERE (? = '' OR symbol = ?) ORDER BY executed_at DESC, rowid DESC`, sym, sym)
	if err != nil {
		return nil, fmt.Errorf("list tax lots: %w", err)
	}
	defer rows.Close()

	var lots []model.TaxLot
	for rows.Next() {
		var l model.TaxLot
		var side, source, qty, price, basis, gain, tax string
		var at int64
		if err := rows.Scan(&l.ID, &l.Symbol, &side, &qty, &price, &basis, &gain, &tax, &source, &at); err != nil {
			return nil, err
		}
		l.Side, _ = model.ParseAction(side)
		l.Source = model.TradeSource(source)
		l.Quantity = parseDec(qty)
		l.Price = parseDec(price)
		l.CostBasis = parseDec(basis)
		l.RealizedGain = parseDec(gain)
		l.Tax = parseDec(tax)
		l.ExecutedAt = time.UnixMilli(at).UTC()
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

func (s *SQLiteStore) ListTrades(ctx context.Context, limit int) ([]model.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, symbol, side, quantity, price, amount, profit, source, executed_at
		 FROM trade_log ORDER BY executed_at DESC, rowid DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var trades []model.TradeRecord
	for rows.Next() {
		var t model.TradeRecord
		var side, source, qty, price, amount, profit string
		var at int64
		if err := rows.Scan(&t.ID, &t.Symbol, &side, &qty, &price, &amount, &profit, &source, &at); err != nil {
			return nil, err
		}
		t.Side, _ = model.ParseAction(side)
		t.Source = model.TradeSource(source)
		t.Quantity = parseDec(qty)
		t.Price = parseDec(price)
		t.Amount = parseDec(amount)
		t.Profit = parseDec(profit)
		t.ExecutedAt = time.UnixMilli(at).UTC()
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *SQLiteStore) SetLastSync(ctx context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_account (id, cash, last_sync_at) VALUES (1, '0', ?)
		 ON CONFLICT (id) DO UPDATE SET last_sync_at = excluded.last_sync_at`, at.UnixMilli())
	return err
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteCycle(row sqlScanner) (*model.CycleStatus, error) {
	var c model.CycleStatus
	var qty, avg, invested, action string
	var lastAdv, lastAct sql.NullInt64
	var created int64
	if err := row.Scan(&c.ID, &c.Symbol, &c.CurrentCycleDay, &qty, &avg, &invested,
		&lastAdv, &action, &lastAct, &created); err != nil {
		return nil, err
	}
	c.TotalBoughtQty = parseDec(qty)
	c.AvgPrice = parseDec(avg)
	c.TotalInvested = parseDec(invested)
	c.LastAdvancedAt = fromMillis(lastAdv)
	c.LastAction, _ = model.ParseAction(action)
	c.LastActionAt = fromMillis(lastAct)
	c.CreatedAt = time.UnixMilli(created).UTC()
	return &c, nil
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
