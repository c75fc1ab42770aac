// Package worker implements the per-mention pipeline: admission, code
// extraction, sandboxed execution, reply formatting, and posting.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/evalbot/evalbot/internal/admission"
	"github.com/evalbot/evalbot/internal/evalerr"
	"github.com/evalbot/evalbot/internal/ledger"
	"github.com/evalbot/evalbot/internal/logger"
	"github.com/evalbot/evalbot/internal/mention"
	"github.com/evalbot/evalbot/internal/observability"
	"github.com/evalbot/evalbot/internal/parser"
	"github.com/evalbot/evalbot/internal/queue"
	"github.com/evalbot/evalbot/internal/sandbox"
)

// noCodeReply is posted when a mention carries no extractable code.
const noCodeReply = "No code found in mention."

// Replier is the narrow surface the worker needs from the protocol client,
// kept as an interface so tests can substitute a recording stub.
type Replier interface {
	PostReply(ctx context.Context, text string, root, parent mention.StrongRef) error
}

// Fetcher is the narrow HTTP surface the sandbox's fetch/post capabilities
// delegate to; a real implementation lives outside this package (it talks
// to the network), tests supply a stub. timeoutMS and maxBytes are threaded
// through from the ledger's configured request timeout and response size
// cap so a single process-wide config value governs every outbound call.
type Fetcher interface {
	Fetch(ctx context.Context, url string, timeoutMS, maxBytes int) (sandbox.FetchResult, error)
	Post(ctx context.Context, url, body string, timeoutMS, maxBytes int) (sandbox.FetchResult, error)
}

// Worker turns one mention.Mention into a posted reply.
type Worker struct {
	admission *admission.Controller
	ledger    *ledger.Ledger
	sandbox   *sandbox.Engine
	replier   Replier
	fetcher   Fetcher
	log       *logger.Logger
	metrics   *observability.Metrics
}

func New(
	adm *admission.Controller,
	led *ledger.Ledger,
	eng *sandbox.Engine,
	replier Replier,
	fetcher Fetcher,
	log *logger.Logger,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		admission: adm,
		ledger:    led,
		sandbox:   eng,
		replier:   replier,
		fetcher:   fetcher,
		log:       log.With("component", "Worker"),
		metrics:   metrics,
	}
}

// Handle implements queue.Handler. It is idempotent up to the
// at-least-once delivery guarantee the durable queue backend makes: a
// redelivered mention simply posts a second reply, since there is no
// cross-process dedup store in scope (see the design's non-goals).
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	m := job.Mention
	start := time.Now()

	release, err := w.admission.TryAdmit(m.AuthorID)
	if err != nil {
		w.log.Debug("mention rejected by admission control", "author", m.AuthorID, "reason", err)
		if w.metrics != nil {
			w.metrics.IncRateLimited()
		}
		return nil
	}
	defer release()

	code, hasCode := parser.ExtractCode(m.PostText, nil)
	if !hasCode {
		w.log.Debug("mention carried no code after stripping mentions", "author", m.AuthorID)
		if err := w.replier.PostReply(ctx, noCodeReply, m.Root(), m.Parent()); err != nil {
			w.log.Warn("failed to post no-code reply", "author", m.AuthorID, "error", err)
			return evalerr.Wrap(evalerr.KindPostReply, err)
		}
		return nil
	}

	evalID := w.ledger.BeginEval(m.AuthorID)
	defer w.ledger.EndEval(evalID)

	caps := sandbox.Capabilities{
		Ledger:    w.ledger,
		Principal: m.AuthorID,
		EvalID:    evalID,
	}
	if w.fetcher != nil {
		ledgerCfg := w.ledger.Config()
		caps.Fetch = func(ctx context.Context, url string) (sandbox.FetchResult, error) {
			return w.fetcher.Fetch(ctx, url, ledgerCfg.RequestTimeoutMS, ledgerCfg.ResponseSizeLimitBytes)
		}
		caps.Post = func(ctx context.Context, url, body string) (sandbox.FetchResult, error) {
			return w.fetcher.Post(ctx, url, body, ledgerCfg.RequestTimeoutMS, ledgerCfg.ResponseSizeLimitBytes)
		}
	}

	result := w.sandbox.Run(ctx, code, caps)

	reply := parser.FormatResult(result)
	reply = parser.TruncateGraphemes(reply, parser.ReplyBudget)

	if err := w.replier.PostReply(ctx, reply, m.Root(), m.Parent()); err != nil {
		w.log.Warn("failed to post reply", "author", m.AuthorID, "error", err)
		if w.metrics != nil {
			w.metrics.ObserveJob("post_failed")
		}
		return evalerr.Wrap(evalerr.KindPostReply, err)
	}

	if w.metrics != nil {
		outcome := "success"
		if !result.Success {
			outcome = "sandbox_error"
		}
		w.metrics.ObserveJob(outcome)
		w.metrics.ObserveEval(outcome, time.Since(start))
	}

	return nil
}

// handlePanic converts a recovered panic from within the pipeline into a
// best-effort error reply; HandleSafely still returns an error afterwards,
// so the queue's own retry policy counts the attempt. The sandbox package
// itself already recovers internally, so this exists as defense in depth
// for bugs in the worker pipeline itself (e.g. a nil Replier). A panic
// raised by the reply attempt itself is swallowed.
func (w *Worker) handlePanic(ctx context.Context, m mention.Mention, r interface{}) {
	w.log.Error("worker pipeline panicked", "author", m.AuthorID, "panic", r)
	defer func() { _ = recover() }()
	_ = w.replier.PostReply(ctx, "Error: internal error", m.Root(), m.Parent())
}

// HandleSafely wraps Handle with panic recovery, suitable for direct
// registration with a queue backend that does not itself recover handler
// panics (the asynq server does; the direct-mode queue also does — this
// is the belt to their suspenders).
func (w *Worker) HandleSafely(ctx context.Context, job queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.handlePanic(ctx, job.Mention, r)
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return w.Handle(ctx, job)
}
