package ledger

import (
	"testing"
	"time"

	"github.com/evalbot/evalbot/internal/evalerr"
)

func TestCheckLimitsPerEval(t *testing.T) {
	l := New(Config{PerEvalLimit: 2, WindowLimit: 100, WindowSecs: 60, PostBodyLimitBytes: 1000})
	id := l.BeginEval("did:plc:alice")
	defer l.EndEval(id)

	if err := l.CheckLimits("did:plc:alice", id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.RecordRequest("did:plc:alice", id)

	if err := l.CheckLimits("did:plc:alice", id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.RecordRequest("did:plc:alice", id)

	if err := l.CheckLimits("did:plc:alice", id); !evalerr.Is(err, evalerr.KindHTTPBudgetExceeded) {
		t.Fatalf("expected budget exceeded, got %v", err)
	}
}

func TestCheckLimitsWindow(t *testing.T) {
	l := New(Config{PerEvalLimit: 1000, WindowLimit: 2, WindowSecs: 60, PostBodyLimitBytes: 1000})
	id1 := l.BeginEval("did:plc:bob")
	id2 := l.BeginEval("did:plc:bob")

	l.RecordRequest("did:plc:bob", id1)
	l.RecordRequest("did:plc:bob", id2)

	if err := l.CheckLimits("did:plc:bob", id1); !evalerr.Is(err, evalerr.KindHTTPBudgetExceeded) {
		t.Fatalf("expected window budget exceeded, got %v", err)
	}
}

func TestCheckLimitsDistinctPrincipalsIsolated(t *testing.T) {
	l := New(Config{PerEvalLimit: 1, WindowLimit: 1, WindowSecs: 60, PostBodyLimitBytes: 1000})
	idA := l.BeginEval("did:plc:a")
	idB := l.BeginEval("did:plc:b")

	l.RecordRequest("did:plc:a", idA)

	if err := l.CheckLimits("did:plc:b", idB); err != nil {
		t.Fatalf("principal b should be unaffected by principal a's usage: %v", err)
	}
}

func TestPruneDropsExpiredEntries(t *testing.T) {
	l := New(Config{PerEvalLimit: 1000, WindowLimit: 1, WindowSecs: 1, PostBodyLimitBytes: 1000})
	id := l.BeginEval("did:plc:carol")
	l.RecordRequest("did:plc:carol", id)

	if err := l.CheckLimits("did:plc:carol", id); !evalerr.Is(err, evalerr.KindHTTPBudgetExceeded) {
		t.Fatalf("expected window full immediately after recording")
	}

	time.Sleep(1100 * time.Millisecond)

	if err := l.CheckLimits("did:plc:carol", id); err != nil {
		t.Fatalf("expected window to have pruned the expired entry: %v", err)
	}
}

func TestValidatePostBody(t *testing.T) {
	l := New(Config{PerEvalLimit: 5, WindowLimit: 5, WindowSecs: 60, PostBodyLimitBytes: 100})
	if err := l.ValidatePostBody(100); err != nil {
		t.Fatalf("100 bytes should be within the limit: %v", err)
	}
	if err := l.ValidatePostBody(101); !evalerr.Is(err, evalerr.KindHTTPBodyTooLarge) {
		t.Fatalf("expected body too large, got %v", err)
	}
}

func TestEndEvalIsIdempotent(t *testing.T) {
	l := New(DefaultConfig())
	id := l.BeginEval("did:plc:dan")
	l.EndEval(id)
	l.EndEval(id)
}
