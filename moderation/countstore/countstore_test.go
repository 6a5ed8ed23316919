package countstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemCountStoreBasics(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cs := NewMemCountStore()

	c, err := cs.GetCount(ctx, "timeout", "guild1", PeriodTotal)
	assert.NoError(err)
	assert.Equal(0, c)
	assert.NoError(cs.Increment(ctx, "timeout", "guild1"))
	assert.NoError(cs.Increment(ctx, "timeout", "guild1"))

	for _, period := range []string{PeriodTotal, PeriodDay, PeriodHour, PeriodMinute} {
		c, err = cs.GetCount(ctx, "timeout", "guild1", period)
		assert.NoError(err)
		assert.Equal(2, c)
	}

	assert.NoError(cs.IncrementDistinct(ctx, "joins", "guild1", "user1"))
	assert.NoError(cs.IncrementDistinct(ctx, "joins", "guild1", "user1"))
	assert.NoError(cs.IncrementDistinct(ctx, "joins", "guild1", "user2"))
	c, err = cs.GetCountDistinct(ctx, "joins", "guild1", PeriodMinute)
	assert.NoError(err)
	assert.Equal(2, c)
}

func TestMemCountStorePeriodRollover(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	now := time.Date(2024, 3, 1, 10, 15, 30, 0, time.UTC)
	cs := NewMemCountStore()
	cs.Now = func() time.Time { return now }

	assert.NoError(cs.Increment(ctx, "timeout", "guild1"))
	assert.NoError(cs.IncrementDistinct(ctx, "joins", "guild1", "user1"))

	now = now.Add(2 * time.Minute)
	c, err := cs.GetCount(ctx, "timeout", "guild1", PeriodMinute)
	assert.NoError(err)
	assert.Equal(0, c)
	c, err = cs.GetCount(ctx, "timeout", "guild1", PeriodHour)
	assert.NoError(err)
	assert.Equal(1, c)

	// only the two stale minute buckets go
	assert.Equal(2, cs.Prune())
	c, err = cs.GetCount(ctx, "timeout", "guild1", PeriodTotal)
	assert.NoError(err)
	assert.Equal(1, c)

	now = now.Add(48 * time.Hour)
	assert.Equal(4, cs.Prune())
	c, err = cs.GetCount(ctx, "timeout", "guild1", PeriodTotal)
	assert.NoError(err)
	assert.Equal(1, c)
}

func TestMemCountStoreConcurrent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cs := NewMemCountStore()

	var wg sync.WaitGroup
	fnInc := func(name, val string, times int) {
		for i := 0; i < times; i++ {
			assert.NoError(cs.Increment(ctx, name, val))
			assert.NoError(cs.IncrementDistinct(ctx, name, val, name))
			time.Sleep(time.Nanosecond)
		}
		wg.Done()
	}
	wg.Add(4)
	go fnInc("timeout", "guild1", 10)
	go fnInc("timeout", "guild1", 10)
	go fnInc("timeout", "guild2", 6)
	go fnInc("timeout", "guild2", 6)
	wg.Wait()

	c, err := cs.GetCount(ctx, "timeout", "guild1", PeriodTotal)
	assert.NoError(err)
	assert.Equal(20, c)
	c, err = cs.GetCount(ctx, "timeout", "guild2", PeriodTotal)
	assert.NoError(err)
	assert.Equal(12, c)

	c, err = cs.GetCountDistinct(ctx, "timeout", "guild1", PeriodTotal)
	assert.NoError(err)
	assert.Equal(1, c)
}
