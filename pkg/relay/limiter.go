package relay

import (
	"sync"

	"golang.org/x/time/rate"
)

const (
	defaultRPS   = 5
	defaultBurst = 10
)

// limiterPool rate limits posts per conversation.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   float64
	burst int
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = defaultRPS
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &limiterPool{m: make(map[string]*rate.Limiter), rps: rps, burst: burst}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.m[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = l
	return l
}

func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}
