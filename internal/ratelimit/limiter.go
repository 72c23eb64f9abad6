// Package ratelimit paces browser attempts per host and throttles fixture
// endpoints with token buckets.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config defines the pacing configuration.
type Config struct {
	RPS     float64       // Attempts per second per key; <= 0 disables pacing
	Burst   int           // Bucket size per key
	IdleTTL time.Duration // Idle buckets older than this are dropped
}

// DefaultConfig paces gently enough for a shared staging target.
var DefaultConfig = Config{
	RPS:     2,
	Burst:   4,
	IdleTTL: 10 * time.Minute,
}

type pacerEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Pacer keeps one token bucket per key. A nil *Pacer never blocks.
type Pacer struct {
	entries map[string]*pacerEntry
	mu      sync.Mutex
	config  Config

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPacer creates a pacer and starts its idle cleanup loop.
func NewPacer(config Config) *Pacer {
	if config.Burst < 1 {
		config.Burst = 1
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = DefaultConfig.IdleTTL
	}
	p := &Pacer{
		entries: make(map[string]*pacerEntry),
		config:  config,
		stopCh:  make(chan struct{}),
	}

	p.wg.Add(1)
	go p.cleanupLoop()

	return p
}

func (p *Pacer) limit() rate.Limit {
	if p.config.RPS <= 0 {
		return rate.Inf
	}
	return rate.Limit(p.config.RPS)
}

// Limiter returns the bucket for key, creating it on first use.
func (p *Pacer) Limiter(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[key]
	if !ok {
		entry = &pacerEntry{limiter: rate.NewLimiter(p.limit(), p.config.Burst)}
		p.entries[key] = entry
	}
	entry.lastUsed = time.Now()
	return entry.limiter
}

// Wait blocks until key may proceed or ctx is done.
func (p *Pacer) Wait(ctx context.Context, key string) error {
	if p == nil {
		return nil
	}
	return p.Limiter(key).Wait(ctx)
}

// Allow reports whether key may proceed now, consuming a token if so.
func (p *Pacer) Allow(key string) bool {
	if p == nil {
		return true
	}
	return p.Limiter(key).Allow()
}

// Cleanup drops buckets idle for longer than IdleTTL.
func (p *Pacer) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-p.config.IdleTTL)
	for key, entry := range p.entries {
		if entry.lastUsed.Before(cutoff) {
			delete(p.entries, key)
		}
	}
}

func (p *Pacer) cleanupLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.IdleTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Cleanup()
		case <-p.stopCh:
			return
		}
	}
}

// Stop ends the cleanup loop. Safe to call more than once.
func (p *Pacer) Stop() {
	if p == nil {
		return
	}
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Len returns the number of live buckets.
func (p *Pacer) Len() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
