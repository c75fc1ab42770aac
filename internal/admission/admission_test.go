package admission

import (
	"context"
	"testing"
	"time"

	"github.com/evalbot/evalbot/internal/evalerr"
)

func TestTryAdmitCooldownRejectsImmediateRetry(t *testing.T) {
	c := New(Config{CooldownMS: 1000, MaxInFlight: 10})
	release, err := c.TryAdmit("did:plc:alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	release()

	_, err = c.TryAdmit("did:plc:alice")
	if !evalerr.Is(err, evalerr.KindAdmissionRateLimit) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}

func TestTryAdmitCooldownExpires(t *testing.T) {
	c := New(Config{CooldownMS: 50, MaxInFlight: 10})
	release, err := c.TryAdmit("did:plc:bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	release()

	time.Sleep(60 * time.Millisecond)

	if _, err := c.TryAdmit("did:plc:bob"); err != nil {
		t.Fatalf("expected cooldown to have expired: %v", err)
	}
}

func TestTryAdmitQueueFull(t *testing.T) {
	c := New(Config{CooldownMS: 0, MaxInFlight: 1})
	release1, err := c.TryAdmit("did:plc:a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer release1()

	_, err = c.TryAdmit("did:plc:b")
	if !evalerr.Is(err, evalerr.KindAdmissionQueueFull) {
		t.Fatalf("expected queue full error, got %v", err)
	}
}

func TestReleaseIsIdempotentAndFreesSlot(t *testing.T) {
	c := New(Config{CooldownMS: 0, MaxInFlight: 1})
	release, err := c.TryAdmit("did:plc:c")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	release()
	release() // must not double-release the semaphore

	if _, err := c.TryAdmit("did:plc:d"); err != nil {
		t.Fatalf("slot should be free after release: %v", err)
	}
}

func TestInFlightTracksAdmittedCount(t *testing.T) {
	c := New(Config{CooldownMS: 0, MaxInFlight: 2})
	r1, _ := c.TryAdmit("did:plc:e")
	r2, _ := c.TryAdmit("did:plc:f")
	if got := c.InFlight(); got != 2 {
		t.Fatalf("expected 2 in flight, got %d", got)
	}
	r1()
	if got := c.InFlight(); got != 1 {
		t.Fatalf("expected 1 in flight after release, got %d", got)
	}
	r2()
	if got := c.InFlight(); got != 0 {
		t.Fatalf("expected 0 in flight after both released, got %d", got)
	}
}

func TestAdmitBlockingRespectsContextCancellation(t *testing.T) {
	c := New(Config{CooldownMS: 0, MaxInFlight: 1})
	release, err := c.TryAdmit("did:plc:g")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = c.AdmitBlocking(ctx)
	if err == nil {
		t.Fatalf("expected timeout error while slot is held")
	}
}

func TestPruneDropsStaleCooldownEntries(t *testing.T) {
	c := New(Config{CooldownMS: 60_000, MaxInFlight: 10})
	release, _ := c.TryAdmit("did:plc:h")
	release()

	c.Prune(0)

	if _, err := c.TryAdmit("did:plc:h"); err != nil {
		t.Fatalf("pruned principal should not be rate-limited: %v", err)
	}
}
