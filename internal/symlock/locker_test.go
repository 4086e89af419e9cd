package symlock_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infinitrader/engine/internal/model"
	"github.com/infinitrader/engine/internal/symlock"
)

func TestLock_SerializesSameSymbol(t *testing.T) {
	l := symlock.New(time.Second)
	ctx := context.Background()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Do(ctx, "TQQQ", func() error {
				v := counter
				time.Sleep(time.Microsecond)
				counter = v + 1
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter, "lost updates under the symbol lock")
}

func TestLock_DifferentSymbolsIndependent(t *testing.T) {
	l := symlock.New(50 * time.Millisecond)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "TQQQ")
	require.NoError(t, err)
	defer unlock()

	unlock2, err := l.Lock(ctx, "SOXL")
	require.NoError(t, err)
	unlock2()
}

func TestLock_TimeoutReturnsConcurrentMutation(t *testing.T) {
	l := symlock.New(20 * time.Millisecond)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "TQQQ")
	require.NoError(t, err)
	defer unlock()

	_, err = l.Lock(ctx, "TQQQ")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrConcurrentMutation))

	var se *model.SymbolError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "TQQQ", se.Symbol)
}

func TestLock_ContextCancel(t *testing.T) {
	l := symlock.New(time.Minute)

	unlock, err := l.Lock(context.Background(), "TQQQ")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = l.Lock(ctx, "TQQQ")
	assert.True(t, errors.Is(err, model.ErrConcurrentMutation))
}

func TestUnlock_Twice(t *testing.T) {
	l := symlock.New(20 * time.Millisecond)
	unlock, err := l.Lock(context.Background(), "TQQQ")
	require.NoError(t, err)
	unlock()
	unlock()

	unlock, err = l.Lock(context.Background(), "TQQQ")
	require.NoError(t, err)
	unlock()
}
