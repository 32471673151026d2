// Package ratelimit throttles inbound frames with a token bucket per
// participant.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket refilled at rate tokens per second.
type Limiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: now(),
		now:        now,
	}
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}
	return false
}

// available reports the tokens currently in the bucket.
func (l *Limiter) available() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.tokens
}

func (l *Limiter) idleSince() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastUpdate
}

func (l *Limiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastUpdate).Seconds()
	l.lastUpdate = now

	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
}

// ParticipantLimiters hands out one Limiter per participant, so a client
// cannot reset its budget by reconnecting.
type ParticipantLimiters struct {
	limiters        map[string]*Limiter
	rate            float64
	burst           int
	idleTTL         time.Duration
	cleanupInterval time.Duration
	now             func() time.Time
	mu              sync.RWMutex
	stop            chan struct{}
	stopOnce        sync.Once
}

// NewParticipantLimiters starts a background sweep that drops limiters
// idle for longer than idleTTL. Call Stop to end it.
func NewParticipantLimiters(rate float64, burst int, idleTTL time.Duration) *ParticipantLimiters {
	pl := newParticipantLimiters(rate, burst, idleTTL, time.Now)
	go pl.cleanup()
	return pl
}

func newParticipantLimiters(rate float64, burst int, idleTTL time.Duration, now func() time.Time) *ParticipantLimiters {
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &ParticipantLimiters{
		limiters:        make(map[string]*Limiter),
		rate:            rate,
		burst:           burst,
		idleTTL:         idleTTL,
		cleanupInterval: idleTTL / 2,
		now:             now,
		stop:            make(chan struct{}),
	}
}

func (pl *ParticipantLimiters) Get(participant string) *Limiter {
	pl.mu.RLock()
	limiter, ok := pl.limiters[participant]
	pl.mu.RUnlock()

	if ok {
		return limiter
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	if limiter, ok := pl.limiters[participant]; ok {
		return limiter
	}

	limiter = newLimiter(pl.rate, pl.burst, pl.now)
	pl.limiters[participant] = limiter
	return limiter
}

func (pl *ParticipantLimiters) Allow(participant string) bool {
	return pl.Get(participant).Allow()
}

func (pl *ParticipantLimiters) Len() int {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	return len(pl.limiters)
}

func (pl *ParticipantLimiters) Stop() {
	pl.stopOnce.Do(func() { close(pl.stop) })
}

func (pl *ParticipantLimiters) cleanup() {
	ticker := time.NewTicker(pl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pl.stop:
			return
		case <-ticker.C:
			pl.sweep()
		}
	}
}

// sweep removes limiters that have not been used for idleTTL. A limiter
// idle that long is full again, so dropping it loses nothing.
func (pl *ParticipantLimiters) sweep() int {
	cutoff := pl.now().Add(-pl.idleTTL)

	pl.mu.Lock()
	defer pl.mu.Unlock()

	removed := 0
	for p, l := range pl.limiters {
		if l.idleSince().Before(cutoff) {
			delete(pl.limiters, p)
			removed++
		}
	}
	return removed
}
