package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/infinitrader/engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for the
// read-mostly views: settings, the dashboard cycle list and the ledger
// snapshot used by previews. Writes go to the primary store and invalidate
// the cache; reads check Redis first then fall back to the primary.
//
// Per-symbol reads used while mutating (GetCycle, GetPosition, GetAccount)
// always go to the primary.
//
// Every cached key has a generation counter that writes increment. A cache
// entry records the generation it was read under and is ignored once the
// counter has moved, so a slow reader that loaded from the primary before a
// write cannot leave a stale copy behind after the write's invalidation.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

const (
	settingsKey = "engine:settings"
	cyclesKey   = "engine:cycles"
	snapshotKey = "engine:ledger:snapshot"
	genSuffix   = ":gen"
)

// entry is the cached envelope.
type entry struct {
	Gen  int64           `json:"gen"`
	Data json.RawMessage `json:"data"`
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveSettings(ctx context.Context, st *model.UserSettings) error {
	if err := s.primary.SaveSettings(ctx, st); err != nil {
		return err
	}
	s.invalidate(ctx, settingsKey)
	return nil
}

func (s *CachedStore) SaveCycle(ctx context.Context, c *model.CycleStatus) error {
	if err := s.primary.SaveCycle(ctx, c); err != nil {
		return err
	}
	s.invalidate(ctx, cyclesKey)
	return nil
}

func (s *CachedStore) DeleteCycle(ctx context.Context, sym string) error {
	if err := s.primary.DeleteCycle(ctx, sym); err != nil {
		return err
	}
	s.invalidate(ctx, cyclesKey)
	return nil
}

func (s *CachedStore) InitAccount(ctx context.Context, cash decimal.Decimal) error {
	if err := s.primary.InitAccount(ctx, cash); err != nil {
		return err
	}
	s.invalidate(ctx, snapshotKey)
	return nil
}

func (s *CachedStore) ApplyTrade(ctx context.Context, m *model.TradeMutation) error {
	if err := s.primary.ApplyTrade(ctx, m); err != nil {
		return err
	}
	s.invalidate(ctx, snapshotKey, cyclesKey)
	return nil
}

func (s *CachedStore) Deposit(ctx context.Context, amount decimal.Decimal) (*model.Account, error) {
	acct, err := s.primary.Deposit(ctx, amount)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, snapshotKey)
	return acct, nil
}

func (s *CachedStore) SetLastSync(ctx context.Context, at time.Time) error {
	if err := s.primary.SetLastSync(ctx, at); err != nil {
		return err
	}
	s.invalidate(ctx, snapshotKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetSettings(ctx context.Context) (*model.UserSettings, error) {
	var st model.UserSettings
	gen, ok := s.readCache(ctx, settingsKey, &st)
	if ok {
		return &st, nil
	}

	fresh, err := s.primary.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	s.writeCache(ctx, settingsKey, gen, fresh)
	return fresh, nil
}

func (s *CachedStore) ListCycles(ctx context.Context) ([]model.CycleStatus, error) {
	var cycles []model.CycleStatus
	gen, ok := s.readCache(ctx, cyclesKey, &cycles)
	if ok {
		return cycles, nil
	}

	cycles, err := s.primary.ListCycles(ctx)
	if err != nil {
		return nil, err
	}
	s.writeCache(ctx, cyclesKey, gen, cycles)
	return cycles, nil
}

func (s *CachedStore) Snapshot(ctx context.Context) (*model.LedgerSnapshot, error) {
	var snap model.LedgerSnapshot
	gen, ok := s.readCache(ctx, snapshotKey, &snap)
	if ok {
		if snap.Positions == nil {
			snap.Positions = make(map[string]model.Position)
		}
		return &snap, nil
	}

	fresh, err := s.primary.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	s.writeCache(ctx, snapshotKey, gen, fresh)
	return fresh, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetCycle(ctx context.Context, sym string) (*model.CycleStatus, error) {
	return s.primary.GetCycle(ctx, sym)
}

func (s *CachedStore) GetAccount(ctx context.Context) (*model.Account, error) {
	return s.primary.GetAccount(ctx)
}

func (s *CachedStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	return s.primary.ListPositions(ctx)
}

func (s *CachedStore) GetPosition(ctx context.Context, sym string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, sym)
}

func (s *CachedStore) ListTaxLots(ctx context.Context, sym string) ([]model.TaxLot, error) {
	return s.primary.ListTaxLots(ctx, sym)
}

func (s *CachedStore) ListTrades(ctx context.Context, limit int) ([]model.TradeRecord, error) {
	return s.primary.ListTrades(ctx, limit)
}

func (s *CachedStore) Close() error {
	return s.primary.Close()
}

// --- Cache helpers ---

// invalidate bumps the generation of every key before deleting it.
func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	for _, key := range keys {
		s.rdb.Incr(ctx, key+genSuffix)
	}
	s.rdb.Del(ctx, keys...)
}

// readCache returns the key's current generation and whether dst was
// filled from a cache entry of that generation.
func (s *CachedStore) readCache(ctx context.Context, key string, dst any) (int64, bool) {
	vals, err := s.rdb.MGet(ctx, key+genSuffix, key).Result()
	if err != nil || len(vals) != 2 {
		return -1, false
	}
	var gen int64
	if v, ok := vals[0].(string); ok {
		if gen, err = strconv.ParseInt(v, 10, 64); err != nil {
			return -1, false
		}
	}
	raw, ok := vals[1].(string)
	if !ok {
		return gen, false
	}
	var e entry
	if json.Unmarshal([]byte(raw), &e) != nil || e.Gen != gen {
		return gen, false
	}
	return gen, json.Unmarshal(e.Data, dst) == nil
}

// writeCache stores v under gen. A negative gen means the generation could
// not be read and nothing is cached.
func (s *CachedStore) writeCache(ctx context.Context, key string, gen int64, v any) {
	if gen < 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if env, err := json.Marshal(entry{Gen: gen, Data: data}); err == nil {
		s.rdb.Set(ctx, key, env, s.ttl)
	}
}
