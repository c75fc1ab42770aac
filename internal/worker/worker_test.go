package worker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/evalbot/evalbot/internal/admission"
	"github.com/evalbot/evalbot/internal/ledger"
	"github.com/evalbot/evalbot/internal/logger"
	"github.com/evalbot/evalbot/internal/mention"
	"github.com/evalbot/evalbot/internal/queue"
	"github.com/evalbot/evalbot/internal/sandbox"
)

func testLogger() *logger.Logger {
	l, err := logger.New("test")
	if err != nil {
		panic(err)
	}
	return l
}

type recordingReplier struct {
	mu    sync.Mutex
	texts []string
	fail  error
}

func (r *recordingReplier) PostReply(ctx context.Context, text string, root, parent mention.StrongRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.texts = append(r.texts, text)
	return nil
}

func (r *recordingReplier) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.texts) == 0 {
		return ""
	}
	return r.texts[len(r.texts)-1]
}

func (r *recordingReplier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.texts)
}

func newTestWorker(replier *recordingReplier) *Worker {
	adm := admission.New(admission.Config{CooldownMS: 0, MaxInFlight: 10})
	led := ledger.New(ledger.DefaultConfig())
	eng := sandbox.New(sandbox.DefaultConfig())
	return New(adm, led, eng, replier, nil, testLogger(), nil)
}

func TestHandlePostsEvaluationResult(t *testing.T) {
	replier := &recordingReplier{}
	w := newTestWorker(replier)

	job := queue.Job{Mention: mention.Mention{
		PostText: "@evalbot 2 + 2",
		AuthorID: "did:plc:alice",
		PostURI:  "at://did:plc:alice/app.bsky.feed.post/1",
		PostCID:  "bafy1",
	}}

	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := replier.last(); got != "=> 4" {
		t.Fatalf("expected reply '=> 4', got %q", got)
	}
}

func TestHandlePostsNoCodeReplyWhenMentionIsEmpty(t *testing.T) {
	replier := &recordingReplier{}
	w := newTestWorker(replier)

	job := queue.Job{Mention: mention.Mention{
		PostText: "@evalbot    ",
		AuthorID: "did:plc:bob",
	}}

	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := replier.last(); got != noCodeReply {
		t.Fatalf("expected no-code reply %q, got %q", noCodeReply, got)
	}
	if replier.count() != 1 {
		t.Fatalf("expected exactly one reply, got %d", replier.count())
	}
}

func TestHandleReportsSandboxErrorAsReply(t *testing.T) {
	replier := &recordingReplier{}
	w := newTestWorker(replier)

	job := queue.Job{Mention: mention.Mention{
		PostText: `@evalbot throw new Error("nope")`,
		AuthorID: "did:plc:carol",
	}}

	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := replier.last(); got != "Error: nope" {
		t.Fatalf("expected 'Error: nope', got %q", got)
	}
}

func TestHandleRejectsSecondMentionDuringCooldown(t *testing.T) {
	replier := &recordingReplier{}
	adm := admission.New(admission.Config{CooldownMS: 60_000, MaxInFlight: 10})
	led := ledger.New(ledger.DefaultConfig())
	eng := sandbox.New(sandbox.DefaultConfig())
	w := New(adm, led, eng, replier, nil, testLogger(), nil)

	job := queue.Job{Mention: mention.Mention{PostText: "@evalbot 1+1", AuthorID: "did:plc:dan"}}

	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("unexpected error on second call: %v", err)
	}
	if replier.count() != 1 {
		t.Fatalf("expected exactly one reply due to cooldown, got %d", replier.count())
	}
}

func TestHandleSafelyRecoversFromPanic(t *testing.T) {
	replier := &recordingReplier{fail: errors.New("simulated failure")}
	w := newTestWorker(replier)
	w.replier = panicReplier{}

	job := queue.Job{Mention: mention.Mention{PostText: "@evalbot 1+1", AuthorID: "did:plc:eve"}}

	err := w.HandleSafely(context.Background(), job)
	if err == nil {
		t.Fatalf("expected an error to be returned after recovering a panic")
	}
}

type panicReplier struct{}

func (panicReplier) PostReply(ctx context.Context, text string, root, parent mention.StrongRef) error {
	panic("replier exploded")
}
