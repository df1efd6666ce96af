// Package ratelimit bounds how fast clients may connect and send.
package ratelimit

import (
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// IPLimiter caps connection attempts per IP address in a fixed window.
// A nil IPLimiter or one with a non-positive limit allows everything.
// It is safe for concurrent use.
type IPLimiter struct {
	limit  int
	window time.Duration
	hits   *cache.Cache
}

// NewIPLimiter allows at most limit attempts per IP every window.
func NewIPLimiter(limit int, window time.Duration) *IPLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &IPLimiter{
		limit:  limit,
		window: window,
		hits:   cache.New(window, 2*window),
	}
}

// Allow records an attempt from ip and reports whether it is within the
// limit.
func (l *IPLimiter) Allow(ip string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	if err := l.hits.Add(ip, 1, l.window); err == nil {
		return true
	}
	n, err := l.hits.IncrementInt(ip, 1)
	if err != nil {
		// Expired between Add and IncrementInt.
		l.hits.Set(ip, 1, l.window)
		return true
	}
	return n <= l.limit
}

// Count returns the attempts recorded for ip in the current window.
func (l *IPLimiter) Count(ip string) int {
	if l == nil {
		return 0
	}
	if v, ok := l.hits.Get(ip); ok {
		return v.(int)
	}
	return 0
}

// Reset forgets ip.
func (l *IPLimiter) Reset(ip string) {
	if l != nil {
		l.hits.Delete(ip)
	}
}

// Warning limits: at most 3 warnings back to back, refilled every 100ms.
const (
	warnEvery = 100 * time.Millisecond
	warnBurst = 3
)

// InboundLimiter limits the message rate of one connection. It is owned by
// the connection's reader and is not safe for concurrent use.
type InboundLimiter struct {
	messages *rate.Limiter
	warnings *rate.Limiter
	dropped  uint64
}

// NewInboundLimiter allows perSecond messages with the given burst. A
// non-positive rate returns nil, which allows everything.
func NewInboundLimiter(perSecond float64, burst int) *InboundLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &InboundLimiter{
		messages: rate.NewLimiter(rate.Limit(perSecond), burst),
		warnings: rate.NewLimiter(rate.Every(warnEvery), warnBurst),
	}
}

// Allow reports whether a message arriving at now may be processed. When it
// may not, warn reports whether the drop should be logged; warnings are
// themselves rate limited so a flooding client cannot flood the log.
func (l *InboundLimiter) Allow(now time.Time) (ok, warn bool) {
	if l == nil {
		return true, false
	}
	if l.messages.AllowN(now, 1) {
		return true, false
	}
	l.dropped++
	return false, l.warnings.AllowN(now, 1)
}

// Dropped returns the number of messages refused.
func (l *InboundLimiter) Dropped() uint64 {
	if l == nil {
		return 0
	}
	return l.dropped
}
