package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPerKeyOrdering(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	var lk sync.Mutex
	seen := map[string][]int{}
	var running atomic.Int32
	var maxRunning atomic.Int32

	type item struct {
		key string
		n   int
	}
	s := New(4, "test-ordering", func(ctx context.Context, it item) error {
		cur := running.Add(1)
		for {
			m := maxRunning.Load()
			if cur <= m || maxRunning.CompareAndSwap(m, cur) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		lk.Lock()
		seen[it.key] = append(seen[it.key], it.n)
		lk.Unlock()
		running.Add(-1)
		return nil
	})

	for n := 0; n < 20; n++ {
		for k := 0; k < 4; k++ {
			key := fmt.Sprintf("guild/user%d", k)
			assert.NoError(s.AddWork(ctx, key, item{key: key, n: n}))
		}
	}
	s.Shutdown()

	assert.Len(seen, 4)
	for key, ns := range seen {
		assert.Len(ns, 20, key)
		for i, n := range ns {
			assert.Equal(i, n, key)
		}
	}
	assert.LessOrEqual(maxRunning.Load(), int32(4))
}

func TestShutdownDrainsAndRejects(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	var done atomic.Int32
	s := New(2, "test-drain", func(ctx context.Context, n int) error {
		time.Sleep(2 * time.Millisecond)
		done.Add(1)
		if n%5 == 0 {
			return fmt.Errorf("item %d failed", n)
		}
		return nil
	})
	for i := 0; i < 10; i++ {
		assert.NoError(s.AddWork(ctx, "same", i))
	}
	s.Shutdown()
	assert.Equal(int32(10), done.Load())

	assert.ErrorIs(s.AddWork(ctx, "same", 11), ErrShutdown)
	s.Shutdown()
}

func TestAddWorkRacingShutdown(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		var processed atomic.Int32
		s := New(2, "test-race", func(ctx context.Context, n int) error {
			time.Sleep(100 * time.Microsecond)
			processed.Add(1)
			return nil
		})

		var accepted atomic.Int32
		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				for n := 0; n < 8; n++ {
					err := s.AddWork(ctx, fmt.Sprintf("guild/user%d-%d", i, n), n)
					if err == nil {
						accepted.Add(1)
						continue
					}
					assert.ErrorIs(err, ErrShutdown)
				}
			}(i)
		}
		close(start)
		s.Shutdown()
		wg.Wait()

		assert.Equal(accepted.Load(), processed.Load(), "round %d", round)
	}
}
