package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPriceCacheFreshness(t *testing.T) {
	c := NewPriceCache()
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }

	c.Set("xrpusdt", 2.8)
	c.Set("BTCUSDT", 0)

	p, ok := c.GetFresh("XRPUSDT", 5*time.Second)
	assert.True(t, ok)
	assert.Equal(t, 2.8, p)

	_, ok = c.Get("BTCUSDT")
	assert.False(t, ok, "non-positive prices are not cached")

	clock = clock.Add(10 * time.Second)
	_, ok = c.GetFresh("XRPUSDT", 5*time.Second)
	assert.False(t, ok)

	p, ok = c.Get("XRPUSDT")
	assert.True(t, ok)
	assert.Equal(t, 2.8, p)

	assert.Equal(t, 1, c.Cleanup(5*time.Second))
	assert.Zero(t, c.Len())
}

func TestPriceCacheConcurrent(t *testing.T) {
	c := NewPriceCache()
	symbols := []string{"BTCUSDT", "ETHUSDT", "XRPUSDT", "SOLUSDT"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				sym := symbols[(i+j)%len(symbols)]
				c.Set(sym, float64(j+1))
				c.Get(sym)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, len(symbols), c.Len())
	assert.Len(t, c.Snapshot(), len(symbols))
}
