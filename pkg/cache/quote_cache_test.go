package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQuoteCacheAgeAndCleanup(t *testing.T) {
	now := time.Date(2024, 10, 17, 9, 30, 0, 0, time.UTC)
	c := NewQuoteCache()
	c.now = func() time.Time { return now }

	c.Set("NIFTY24O1722000CE", 120.5)
	c.Set("NIFTY24O1722000PE", 98.0)

	now = now.Add(3 * time.Second)
	p, age, ok := c.GetWithAge("NIFTY24O1722000CE")
	assert.True(t, ok)
	assert.Equal(t, 120.5, p)
	assert.Equal(t, 3*time.Second, age)

	c.Set("NIFTY24O1722000PE", 97.5)
	assert.Equal(t, 1, c.Cleanup(2*time.Second))
	assert.Equal(t, 1, c.Len())

	_, ok = c.Get("missing")
	assert.False(t, ok)
}
