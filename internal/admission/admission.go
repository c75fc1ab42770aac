// Package admission gates which mentions are allowed to start a sandbox run:
// a per-principal cooldown and a process-wide cap on concurrent runs.
package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/evalbot/evalbot/internal/evalerr"
)

// Config bounds admission.
type Config struct {
	CooldownMS int
	MaxInFlight int64
}

func DefaultConfig() Config {
	return Config{CooldownMS: 3000, MaxInFlight: 10}
}

// Controller tracks per-principal cooldowns and the global in-flight cap.
type Controller struct {
	cfg     Config
	sem     *semaphore.Weighted
	inFlight int64

	mu        sync.Mutex
	lastAdmit map[string]time.Time
}

func New(cfg Config) *Controller {
	return &Controller{
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxInFlight),
		lastAdmit: make(map[string]time.Time),
	}
}

// TryAdmit attempts to admit principal for one run. On success the caller
// MUST call the returned release func exactly once, whether the run
// succeeds, fails, or panics.
//
// Admission fails for two independent reasons: the principal is still
// within its cooldown window since its last completed run (rate limit), or
// the global in-flight semaphore has no free slots (queue full). The two
// are distinguished so callers can report a different KindAdmission* to
// metrics/logs without the caller needing to re-derive the cause.
func (c *Controller) TryAdmit(principal string) (release func(), err error) {
	c.mu.Lock()
	if last, ok := c.lastAdmit[principal]; ok {
		if elapsed := time.Since(last); elapsed < time.Duration(c.cfg.CooldownMS)*time.Millisecond {
			c.mu.Unlock()
			return nil, evalerr.New(evalerr.KindAdmissionRateLimit, "principal is within its cooldown window")
		}
	}
	c.mu.Unlock()

	if !c.sem.TryAcquire(1) {
		return nil, evalerr.New(evalerr.KindAdmissionQueueFull, "no admission slots available")
	}
	atomic.AddInt64(&c.inFlight, 1)

	return c.releaseFunc(principal), nil
}

// AdmitBlocking waits up to ctx's deadline for a free in-flight slot,
// bypassing the cooldown check. Used by the REPL entry point, which has no
// notion of a rate-limited principal.
func (c *Controller) AdmitBlocking(ctx context.Context) (release func(), err error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, evalerr.Wrap(evalerr.KindAdmissionQueueFull, err)
	}
	atomic.AddInt64(&c.inFlight, 1)
	return c.releaseFunc(""), nil
}

// releaseFunc returns an idempotent release closure. Releasing decrements
// in-flight and, when principal is non-empty, also records the cooldown
// timestamp: the cooldown starts on completion, not on admission, so two
// nearly-simultaneous mentions from the same principal can both be
// admitted — only the in-flight cap guards against self-parallelism.
// AdmitBlocking passes an empty principal since it bypasses cooldowns
// entirely.
func (c *Controller) releaseFunc(principal string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			atomic.AddInt64(&c.inFlight, -1)
			c.sem.Release(1)
			if principal != "" {
				c.mu.Lock()
				c.lastAdmit[principal] = time.Now()
				c.mu.Unlock()
			}
		})
	}
}

// InFlight reports the number of currently admitted runs.
func (c *Controller) InFlight() int64 {
	return atomic.LoadInt64(&c.inFlight)
}

// Prune drops cooldown bookkeeping for principals whose last run completed
// more than olderThan ago (the daemon's housekeeping loop passes one hour),
// so the map does not grow without bound across the life of the process.
func (c *Controller) Prune(olderThan time.Duration) {
	cutoff := time.Now().Add(-olderThan)
	c.mu.Lock()
	defer c.mu.Unlock()
	for p, last := range c.lastAdmit {
		if last.Before(cutoff) {
			delete(c.lastAdmit, p)
		}
	}
}
