// Package ledger implements the process-wide HTTP budget accounting the
// sandbox's fetch/post capabilities consult before issuing an outbound
// request.
package ledger

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evalbot/evalbot/internal/evalerr"
)

// Config bounds one sandbox run's and one principal's outbound HTTP use.
type Config struct {
	PerEvalLimit           int
	WindowLimit            int
	WindowSecs             int
	PostBodyLimitBytes     int
	ResponseSizeLimitBytes int
	RequestTimeoutMS       int
}

// DefaultConfig matches the values enumerated in the configuration surface.
func DefaultConfig() Config {
	return Config{
		PerEvalLimit:           5,
		WindowLimit:            25,
		WindowSecs:             60,
		PostBodyLimitBytes:     150_000,
		ResponseSizeLimitBytes: 150_000,
		RequestTimeoutMS:       5000,
	}
}

type entry struct {
	at     time.Time
	evalID uint64
}

type principalHistory struct {
	mu      sync.Mutex
	entries []entry
}

// Ledger is the process-wide, per-principal HTTP request accounting table.
// A coarse lock per principal is the explicitly-allowed serialization
// boundary for window histories; the top-level map is guarded separately
// and held only long enough to look up or create a history, so pruning and
// counting for distinct principals never wait on each other. Per-eval
// counters live in one map shared by all evals under evalMu.
type Ledger struct {
	cfg Config

	mapMu      sync.Mutex
	histories  map[string]*principalHistory
	nextEvalID uint64

	evalMu    sync.Mutex
	evalCount map[uint64]int
}

func New(cfg Config) *Ledger {
	return &Ledger{
		cfg:       cfg,
		histories: make(map[string]*principalHistory),
		evalCount: make(map[uint64]int),
	}
}

func (l *Ledger) historyFor(principal string) *principalHistory {
	l.mapMu.Lock()
	defer l.mapMu.Unlock()
	h, ok := l.histories[principal]
	if !ok {
		h = &principalHistory{}
		l.histories[principal] = h
	}
	return h
}

// BeginEval allocates a monotonically increasing eval id and resets the
// per-eval counter checkLimits consults for the life of that id.
func (l *Ledger) BeginEval(principal string) uint64 {
	id := atomic.AddUint64(&l.nextEvalID, 1)
	l.evalMu.Lock()
	l.evalCount[id] = 0
	l.evalMu.Unlock()
	return id
}

// EndEval releases the per-eval counter slot. Idempotent.
func (l *Ledger) EndEval(evalID uint64) {
	l.evalMu.Lock()
	delete(l.evalCount, evalID)
	l.evalMu.Unlock()
}

// CheckLimits fails if the per-eval count has reached PerEvalLimit or the
// rolling window count has reached WindowLimit for principal.
func (l *Ledger) CheckLimits(principal string, evalID uint64) error {
	l.evalMu.Lock()
	perEval := l.evalCount[evalID]
	l.evalMu.Unlock()
	if perEval >= l.cfg.PerEvalLimit {
		return evalerr.New(evalerr.KindHTTPBudgetExceeded, fmt.Sprintf("Too many HTTP requests in this eval (max %d requests)", l.cfg.PerEvalLimit))
	}

	h := l.historyFor(principal)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = prune(h.entries, l.cfg.WindowSecs)
	if len(h.entries) >= l.cfg.WindowLimit {
		return evalerr.New(evalerr.KindHTTPBudgetExceeded, "Too many HTTP requests in the current window")
	}
	return nil
}

// RecordRequest appends one entry to principal's rolling window history and
// increments the per-eval counter. Call only after CheckLimits succeeds.
func (l *Ledger) RecordRequest(principal string, evalID uint64) {
	now := time.Now()

	l.evalMu.Lock()
	l.evalCount[evalID]++
	l.evalMu.Unlock()

	h := l.historyFor(principal)
	h.mu.Lock()
	h.entries = append(prune(h.entries, l.cfg.WindowSecs), entry{at: now, evalID: evalID})
	h.mu.Unlock()
}

// ValidatePostBody fails if n exceeds PostBodyLimitBytes.
func (l *Ledger) ValidatePostBody(n int) error {
	if n > l.cfg.PostBodyLimitBytes {
		return evalerr.New(evalerr.KindHTTPBodyTooLarge, "POST body exceeds the allowed size")
	}
	return nil
}

// Config returns the ledger's static configuration.
func (l *Ledger) Config() Config { return l.cfg }

func prune(entries []entry, windowSecs int) []entry {
	if len(entries) == 0 {
		return entries
	}
	cutoff := time.Now().Add(-time.Duration(windowSecs) * time.Second)
	i := 0
	for i < len(entries) && entries[i].at.Before(cutoff) {
		i++
	}
	if i == 0 {
		return entries
	}
	return append([]entry(nil), entries[i:]...)
}
