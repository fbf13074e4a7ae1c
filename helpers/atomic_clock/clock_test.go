package atomic_clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock(t *testing.T) {
	t.Parallel()

	c := Now()
	assert.InDelta(t, time.Now().UnixNano(), c.UnixNano(), float64(100*time.Millisecond))
	assert.False(t, c.IsZero())
	assert.True(t, New(0).IsZero())

	begin := New(1000)
	end := New(1000 + int64(time.Second))
	assert.Equal(t, time.Second, end.Sub(begin))
	assert.Equal(t, -time.Second, begin.Sub(end))

	old := New(time.Now().Add(-time.Minute).UnixNano())
	assert.True(t, old.Since() >= time.Minute)
	old.SetNow()
	assert.True(t, old.Since() < time.Second)
}

func TestClockConcurrent(t *testing.T) {
	t.Parallel()

	c := New(0)
	wg := sync.WaitGroup{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.SetNow()
				_ = c.Since()
			}
		}()
	}
	wg.Wait()
	assert.False(t, c.IsZero())
}
