package funds

import (
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/infinitrader/engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestReserve_WithinCash(t *testing.T) {
	b := NewBudget(decimal.Zero)

	r, err := b.Reserve(d(1000), d(400))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !b.Pending().Equal(d(400)) {
		t.Errorf("expected pending=400, got %s", b.Pending())
	}
	r.Release()
	if !b.Pending().IsZero() {
		t.Errorf("expected pending=0 after release, got %s", b.Pending())
	}
}

func TestReserve_PendingCountsAgainstCash(t *testing.T) {
	b := NewBudget(decimal.Zero)

	if _, err := b.Reserve(d(1000), d(700)); err != nil {
		t.Fatalf("first reservation failed: %v", err)
	}
	// 1000 - 700 pending = 300 free < 400.
	_, err := b.Reserve(d(1000), d(400))
	if !errors.Is(err, model.ErrInsufficientCash) {
		t.Errorf("expected ErrInsufficientCash, got %v", err)
	}
}

func TestReserve_ExactlyAtLimit(t *testing.T) {
	b := NewBudget(decimal.Zero)
	if _, err := b.Reserve(d(500), d(500)); err != nil {
		t.Errorf("spending exactly the available cash should succeed, got %v", err)
	}
}

func TestReserve_MinReserveKept(t *testing.T) {
	b := NewBudget(d(100))

	_, err := b.Reserve(d(1000), d(950))
	if !errors.Is(err, model.ErrInsufficientCash) {
		t.Errorf("expected min reserve to block purchase, got %v", err)
	}
	if _, err := b.Reserve(d(1000), d(900)); err != nil {
		t.Errorf("expected purchase leaving the reserve to succeed, got %v", err)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	b := NewBudget(decimal.Zero)
	r, _ := b.Reserve(d(100), d(60))
	r.Release()
	r.Release()
	if !b.Pending().IsZero() {
		t.Errorf("double release should not go negative, got %s", b.Pending())
	}
	var nilRes *Reservation
	nilRes.Release()
}

func TestReserve_Concurrent(t *testing.T) {
	b := NewBudget(decimal.Zero)
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Reserve(d(1000), d(100)); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 10 {
		t.Errorf("expected exactly 10 reservations of 100 from 1000, got %d", granted)
	}
}
