package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIPLimiter(t *testing.T) {
	l := NewIPLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "attempt %d", i+1)
	}
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"))
	assert.Equal(t, 4, l.Count("10.0.0.1"))

	l.Reset("10.0.0.1")
	assert.True(t, l.Allow("10.0.0.1"))
}

func TestIPLimiterWindowExpires(t *testing.T) {
	l := NewIPLimiter(1, 20*time.Millisecond)
	assert.True(t, l.Allow("ip"))
	assert.False(t, l.Allow("ip"))

	time.Sleep(40 * time.Millisecond)
	assert.True(t, l.Allow("ip"))
}

func TestIPLimiterDisabled(t *testing.T) {
	var nilLimiter *IPLimiter
	assert.True(t, nilLimiter.Allow("ip"))
	assert.Equal(t, 0, nilLimiter.Count("ip"))

	l := NewIPLimiter(0, time.Minute)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("ip"))
	}
}

func TestIPLimiterConcurrent(t *testing.T) {
	l := NewIPLimiter(50, time.Minute)
	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if l.Allow("ip") {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestInboundLimiter(t *testing.T) {
	l := NewInboundLimiter(10, 5)
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 5; i++ {
		ok, _ := l.Allow(now)
		assert.True(t, ok)
	}

	warned := 0
	for i := 0; i < 10; i++ {
		ok, warn := l.Allow(now)
		assert.False(t, ok)
		if warn {
			warned++
		}
	}
	assert.Equal(t, warnBurst, warned)
	assert.Equal(t, uint64(10), l.Dropped())

	// Tokens refill at the configured rate.
	ok, _ := l.Allow(now.Add(200 * time.Millisecond))
	assert.True(t, ok)
}

func TestInboundLimiterDisabled(t *testing.T) {
	l := NewInboundLimiter(0, 0)
	assert.Nil(t, l)
	ok, warn := l.Allow(time.Now())
	assert.True(t, ok)
	assert.False(t, warn)
	assert.Equal(t, uint64(0), l.Dropped())
}
