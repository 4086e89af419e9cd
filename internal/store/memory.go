package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/infinitrader/engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	settings    *model.UserSettings
	cycles      map[string]*model.CycleStatus
	nextCycleID int64
	account     *model.Account
	positions   map[string]*model.Position
	lots        []model.TaxLot
	trades      []model.TradeRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cycles:    make(map[string]*model.CycleStatus),
		positions: make(map[string]*model.Position),
	}
}

func (s *MemoryStore) GetSettings(_ context.Context) (*model.UserSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.settings == nil {
		return nil, model.ErrNotFound
	}
	return copySettings(s.settings), nil
}

func (s *MemoryStore) SaveSettings(_ context.Context, st *model.UserSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings = copySettings(st)
	return nil
}

func copySettings(st *model.UserSettings) *model.UserSettings {
	cp := *st
	cp.Symbols = append([]string(nil), st.Symbols...)
	return &cp
}

func (s *MemoryStore) ListCycles(_ context.Context) ([]model.CycleStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cycles := make([]model.CycleStatus, 0, len(s.cycles))
	for _, c := range s.cycles {
		cycles = append(cycles, *c)
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i].Symbol < cycles[j].Symbol })
	return cycles, nil
}

func (s *MemoryStore) GetCycle(_ context.Context, sym string) (*model.CycleStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cycles[sym]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) SaveCycle(_ context.Context, c *model.CycleStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.saveCycleLocked(c)
	return nil
}

func (s *MemoryStore) saveCycleLocked(c *model.CycleStatus) {
	if existing, ok := s.cycles[c.Symbol]; ok {
		c.ID = existing.ID
		c.CreatedAt = existing.CreatedAt
	} else {
		s.nextCycleID++
		c.ID = s.nextCycleID
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now().UTC()
		}
	}
	cp := *c
	s.cycles[c.Symbol] = &cp
}

func (s *MemoryStore) DeleteCycle(_ context.Context, sym string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cycles, sym)
	return nil
}

func (s *MemoryStore) InitAccount(_ context.Context, cash decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.account == nil {
		s.account = &model.Account{Cash: cash}
	}
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.accountLocked(), nil
}

func (s *MemoryStore) accountLocked() *model.Account {
	if s.account == nil {
		return &model.Account{Cash: decimal.Zero}
	}
	cp := *s.account
	return &cp
}

func (s *MemoryStore) ListPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.positionsLocked(), nil
}

func (s *MemoryStore) positionsLocked() []model.Position {
	positions := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions
}

func (s *MemoryStore) GetPosition(_ context.Context, sym string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.positions[sym]; ok {
		cp := *p
		return &cp, nil
	}
	return &model.Position{Symbol: sym}, nil
}

// Snapshot reads the account and positions under one read lock, so the
// result is consistent even while trades are being applied.
func (s *MemoryStore) Snapshot(_ context.Context) (*model.LedgerSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &model.LedgerSnapshot{
		Account:   *s.accountLocked(),
		Positions: make(map[string]model.Position, len(s.positions)),
	}
	for sym, p := range s.positions {
		snap.Positions[sym] = *p
	}
	return snap, nil
}

func (s *MemoryStore) ApplyTrade(_ context.Context, m *model.TradeMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct := s.accountLocked()
	if err := checkMutation(acct.Cash, m); err != nil {
		return err
	}

	acct.Cash = acct.Cash.Add(m.CashDelta)
	at := m.ExecutedAt
	acct.LastExecutionAt = &at
	s.account = acct

	pos := m.Position
	pos.UpdatedAt = m.ExecutedAt
	if pos.Quantity.IsZero() {
		delete(s.positions, pos.Symbol)
	} else {
		s.positions[pos.Symbol] = &pos
	}

	s.lots = append(s.lots, m.Lot)
	s.trades = append(s.trades, m.Trade)
	if m.Cycle != nil {
		s.saveCycleLocked(m.Cycle)
	}
	return nil
}

func (s *MemoryStore) Deposit(_ context.Context, amount decimal.Decimal) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct := s.accountLocked()
	if acct.Cash.Add(amount).IsNegative() {
		return nil, model.ErrInsufficientCash
	}
	acct.Cash = acct.Cash.Add(amount)
	s.account = acct
	cp := *acct
	return &cp, nil
}

func (s *MemoryStore) ListTaxLots(_ context.Context, sym string) ([]model.TaxLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lots []model.TaxLot
	for i := len(s.lots) - 1; i >= 0; i-- {
		if sym == "" || s.lots[i].Symbol == sym {
			lots = append(lots, s.lots[i])
		}
	}
	return lots, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, limit int) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = clampLimit(limit)
	var trades []model.TradeRecord
	for i := len(s.trades) - 1; i >= 0 && len(trades) < limit; i-- {
		trades = append(trades, s.trades[i])
	}
	return trades, nil
}

func (s *MemoryStore) SetLastSync(_ context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct := s.accountLocked()
	acct.LastSyncAt = &at
	s.account = acct
	return nil
}

func (s *MemoryStore) Close() error { return nil }
