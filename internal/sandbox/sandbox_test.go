package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/evalbot/evalbot/internal/ledger"
)

func TestRunReturnsValue(t *testing.T) {
	e := New(DefaultConfig())
	res := e.Run(context.Background(), "2 + 2", Capabilities{})
	if !res.Success {
		t.Fatalf("expected success, got err %q", res.Err)
	}
	if !res.HasValue || res.Value != "4" {
		t.Fatalf("expected value 4, got %+v", res)
	}
}

func TestRunCapturesConsoleOutput(t *testing.T) {
	e := New(DefaultConfig())
	res := e.Run(context.Background(), `console.log("hi"); console.log("there")`, Capabilities{})
	if !res.Success {
		t.Fatalf("expected success, got err %q", res.Err)
	}
	if len(res.Output) != 2 || res.Output[0] != "hi" || res.Output[1] != "there" {
		t.Fatalf("unexpected output: %+v", res.Output)
	}
}

func TestRunThrownErrorIsFailure(t *testing.T) {
	e := New(DefaultConfig())
	res := e.Run(context.Background(), `throw new Error("boom")`, Capabilities{})
	if res.Success {
		t.Fatalf("expected failure")
	}
	if res.Err == "" {
		t.Fatalf("expected a non-empty error message")
	}
}

func TestRunSyntaxErrorIsFailure(t *testing.T) {
	e := New(DefaultConfig())
	res := e.Run(context.Background(), `this is not valid js (((`, Capabilities{})
	if res.Success {
		t.Fatalf("expected failure")
	}
}

func TestRunTimesOutOnInfiniteLoop(t *testing.T) {
	e := New(Config{TimeoutMS: 100, MaxStackDepth: 256, MaxOutputLines: 10})
	start := time.Now()
	res := e.Run(context.Background(), `while (true) {}`, Capabilities{})
	elapsed := time.Since(start)

	if res.Success {
		t.Fatalf("expected timeout failure")
	}
	if elapsed > 2*time.Second {
		t.Fatalf("run did not stop promptly after timeout: %v", elapsed)
	}
}

func TestRunNoValueProducesEmptyResult(t *testing.T) {
	e := New(DefaultConfig())
	res := e.Run(context.Background(), `var x = 1;`, Capabilities{})
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Err)
	}
	if res.HasValue {
		t.Fatalf("expected no value for a statement with no trailing expression")
	}
}

func TestRunConsoleOutputCappedAtMaxLines(t *testing.T) {
	e := New(Config{TimeoutMS: 1000, MaxStackDepth: 256, MaxOutputLines: 3})
	res := e.Run(context.Background(), `for (var i = 0; i < 20; i++) { console.log(i); }`, Capabilities{})
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Err)
	}
	if len(res.Output) != 3 {
		t.Fatalf("expected output capped at 3 lines, got %d", len(res.Output))
	}
}

func TestRunStackOverflowIsResourceExhaustion(t *testing.T) {
	e := New(Config{TimeoutMS: 2000, MaxStackDepth: 32, MaxOutputLines: 10})
	res := e.Run(context.Background(), `function f(){ return 1 + f(); } f();`, Capabilities{})
	if res.Success {
		t.Fatalf("expected stack overflow to fail")
	}
}

func TestRunFetchConsultsLedgerBudget(t *testing.T) {
	l := ledger.New(ledger.Config{PerEvalLimit: 1, WindowLimit: 10, WindowSecs: 60, PostBodyLimitBytes: 1000})
	id := l.BeginEval("did:plc:sandboxtest")
	defer l.EndEval(id)

	e := New(DefaultConfig())
	caps := Capabilities{
		Ledger:    l,
		Principal: "did:plc:sandboxtest",
		EvalID:    id,
		Fetch: func(ctx context.Context, url string) (FetchResult, error) {
			return FetchResult{Status: 200, StatusText: "OK", Body: "ok"}, nil
		},
	}

	res := e.Run(context.Background(), `fetch("https://example.com").then(r => r.body)`, caps)
	if !res.Success || res.Value != "ok" {
		t.Fatalf("expected first fetch to succeed, got %+v", res)
	}

	res2 := e.Run(context.Background(), `fetch("https://example.com").then(r => r.body)`, caps)
	if res2.Success {
		t.Fatalf("expected second fetch to be denied by the per-eval budget")
	}
}

func TestRunFetchResolvesWithFullResponseShape(t *testing.T) {
	l := ledger.New(ledger.DefaultConfig())
	id := l.BeginEval("did:plc:shapetest")
	defer l.EndEval(id)

	e := New(DefaultConfig())
	caps := Capabilities{
		Ledger:    l,
		Principal: "did:plc:shapetest",
		EvalID:    id,
		Fetch: func(ctx context.Context, url string) (FetchResult, error) {
			return FetchResult{
				Status:     200,
				StatusText: "OK",
				Headers:    map[string]string{"content-type": "text/plain"},
				Body:       "hi",
			}, nil
		},
	}

	res := e.Run(context.Background(), `fetch('example.com').then(r => r.status + ' ' + r.statusText + ' ' + r.headers['content-type'] + ' ' + r.body)`, caps)
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Err)
	}
	if res.Value != "200 OK text/plain hi" {
		t.Fatalf("unexpected resolved value: %q", res.Value)
	}
}

func TestRunFetchPrependsHTTPSScheme(t *testing.T) {
	l := ledger.New(ledger.DefaultConfig())
	id := l.BeginEval("did:plc:schemetest")
	defer l.EndEval(id)

	var seenURL string
	e := New(DefaultConfig())
	caps := Capabilities{
		Ledger:    l,
		Principal: "did:plc:schemetest",
		EvalID:    id,
		Fetch: func(ctx context.Context, url string) (FetchResult, error) {
			seenURL = url
			return FetchResult{Status: 200}, nil
		},
	}

	res := e.Run(context.Background(), `fetch('example.com').then(r => r.status)`, caps)
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Err)
	}
	if seenURL != "https://example.com" {
		t.Fatalf("expected scheme to be prepended, got %q", seenURL)
	}
}
