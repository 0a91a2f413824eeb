package relay

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterPool keeps one token bucket per contact address. Entries are created
// on first use and live for the process lifetime; the key space is bounded by
// the contact base.
type limiterPool struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newLimiterPool(perSecond float64, burst int) *limiterPool {
	if perSecond <= 0 {
		perSecond = 1
	}
	// The burst floor must cover a first message plus an immediate challenge
	// answer; burst 1 would drop the answer.
	if burst <= 0 {
		burst = 5
	}
	return &limiterPool{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(perSecond),
		burst:    burst,
	}
}

// allow reports whether one more message from key fits the budget.
func (p *limiterPool) allow(key string) bool {
	p.mu.Lock()
	l, ok := p.limiters[key]
	if !ok {
		l = rate.NewLimiter(p.rps, p.burst)
		p.limiters[key] = l
	}
	p.mu.Unlock()
	return l.Allow()
}
