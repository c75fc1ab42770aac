// Package sandbox runs one untrusted JavaScript fragment per call inside a
// fresh goja runtime, bounding its wall-clock budget and giving it an
// injected console plus HTTP capabilities gated by a ledger.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"

	"github.com/evalbot/evalbot/internal/evalerr"
	"github.com/evalbot/evalbot/internal/ledger"
	"github.com/evalbot/evalbot/internal/parser"
)

// Config bounds one run's resource use.
type Config struct {
	TimeoutMS      int
	MaxStackDepth  int
	MaxOutputLines int
	// MaxHeapBytes caps the runtime's tracked heap allocation; exceeding it
	// terminates the run with a resource-exhaustion error. Zero disables
	// the cap.
	MaxHeapBytes int64
}

func DefaultConfig() Config {
	return Config{TimeoutMS: 5000, MaxStackDepth: 512, MaxOutputLines: 50, MaxHeapBytes: 64 << 20}
}

// errTimeoutInterrupt is the sentinel value passed to goja's Runtime.Interrupt
// when a run exceeds its wall-clock budget, so a tight or blocking loop in
// untrusted code is forcibly halted rather than leaking its goroutine. It is
// how Run distinguishes its own timeout interrupt from one goja raises
// internally when the memory limit is exceeded.
var errTimeoutInterrupt = "execution time budget exceeded"

// FetchResult is the response shape both fetch and post hand back to
// sandboxed code, mirroring the fields a real HTTP response carries.
type FetchResult struct {
	Status     int
	StatusText string
	Headers    map[string]string
	Body       string
}

// Capabilities are the host functions a run is given access to, bound to a
// single principal/eval pair so the ledger can attribute usage correctly.
// Fetch/Post observe the principal active when the call is made (the
// closure captures it), not when the returned promise is later awaited.
type Capabilities struct {
	Ledger    *ledger.Ledger
	Principal string
	EvalID    uint64
	Fetch     func(ctx context.Context, url string) (FetchResult, error)
	Post      func(ctx context.Context, url, body string) (FetchResult, error)
}

// Engine executes one fragment per Run call. A single Engine is safe for
// concurrent use: every Run builds its own goja runtime and event loop, so
// no state is shared across runs.
type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Run executes code to completion, to its configured timeout, or to a
// thrown/runtime error, whichever comes first. If the top-level value is a
// pending promise, Run drains the event loop (which flushes goja's
// microtask queue after every job) until the promise settles or the
// deadline elapses. It never panics: a goja panic recovered mid-run is
// folded into a failed parser.ExecResult.
//
// Lifecycle: fresh runtime -> capabilities installed -> event loop started
// (executing) -> settled | timed out | failed -> loop stopped (disposed).
// The event loop and its goroutine are always stopped before Run returns,
// including on the timeout path, so no run ever outlives its caller.
func (e *Engine) Run(ctx context.Context, code string, caps Capabilities) (result parser.ExecResult) {
	defer func() {
		if r := recover(); r != nil {
			result = parser.ExecResult{Success: false, Err: fmt.Sprintf("internal error: %v", r)}
		}
	}()

	deadline := time.Duration(e.cfg.TimeoutMS) * time.Millisecond
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	loop := eventloop.NewEventLoop()

	var out []string
	var value string
	var hasValue bool
	var runErr error
	var vmRef *goja.Runtime
	vmReady := make(chan struct{})

	done := make(chan struct{})
	var doneClosed bool
	closeDone := func() {
		if !doneClosed {
			doneClosed = true
			close(done)
		}
	}

	loop.Start()
	defer loop.Stop()

	loop.RunOnLoop(func(vm *goja.Runtime) {
		vm.SetMaxCallStackSize(e.cfg.MaxStackDepth)
		if e.cfg.MaxHeapBytes > 0 {
			_ = vm.SetMemoryLimit(uint64(e.cfg.MaxHeapBytes))
		}
		installConsole(vm, &out, e.cfg.MaxOutputLines)
		installNetwork(runCtx, vm, loop, caps)

		vmRef = vm
		close(vmReady)

		v, err := vm.RunString(code)
		if err != nil {
			runErr = classifyError(err)
			closeDone()
			return
		}
		settleValue(vm, v, &value, &hasValue, &runErr, closeDone)
	})

	select {
	case <-done:
	case <-runCtx.Done():
		<-vmReady
		vmRef.Interrupt(errTimeoutInterrupt)
		// A still-pending promise never closes done by itself; this job runs
		// once the loop is free (after any interrupted script has returned).
		loop.RunOnLoop(func(*goja.Runtime) { closeDone() })
		<-done
		if runErr == nil {
			runErr = evalerr.New(evalerr.KindSandboxTimeout, "execution exceeded the time budget")
		}
	}

	if runErr != nil {
		return parser.ExecResult{Success: false, Output: out, Err: unwrapMessage(runErr)}
	}

	return parser.ExecResult{Success: true, Output: out, Value: value, HasValue: hasValue}
}

// settleValue inspects the value RunString returned. A plain value settles
// immediately. A promise already fulfilled/rejected settles immediately
// too. A pending promise gets a then() registered whose callbacks (invoked
// later, on the loop, once the promise's reaction microtask runs) record
// the outcome and close done — this never blocks the loop goroutine, which
// is what lets other pending work (e.g. a fetch's background goroutine
// resolving it) still run while this promise is outstanding.
func settleValue(vm *goja.Runtime, v goja.Value, value *string, hasValue *bool, runErr *error, closeDone func()) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		closeDone()
		return
	}

	obj, isObject := v.(*goja.Object)
	if !isObject {
		*hasValue = true
		*value = safeString(v)
		closeDone()
		return
	}

	p, isPromise := obj.Export().(*goja.Promise)
	if !isPromise {
		*hasValue = true
		*value = safeString(v)
		closeDone()
		return
	}

	switch p.State() {
	case goja.PromiseStateFulfilled:
		*hasValue = true
		*value = safeString(p.Result())
		closeDone()
		return
	case goja.PromiseStateRejected:
		*runErr = evalerr.New(evalerr.KindSandboxUserError, safeString(p.Result()))
		closeDone()
		return
	}

	thenFn, ok := goja.AssertFunction(obj.Get("then"))
	if !ok {
		*runErr = evalerr.New(evalerr.KindSandboxUserError, "returned value could not be awaited")
		closeDone()
		return
	}
	onFulfilled := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		*hasValue = true
		*value = safeString(call.Argument(0))
		closeDone()
		return goja.Undefined()
	})
	onRejected := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		*runErr = evalerr.New(evalerr.KindSandboxUserError, safeString(call.Argument(0)))
		closeDone()
		return goja.Undefined()
	})
	if _, err := thenFn(obj, onFulfilled, onRejected); err != nil {
		*runErr = evalerr.New(evalerr.KindSandboxUserError, err.Error())
		closeDone()
	}
}

// classifyError maps a goja run error onto the design's error taxonomy.
// Two distinct conditions surface as *goja.InterruptedError: Run's own
// timeout interrupt (tagged with errTimeoutInterrupt) and goja's internal
// memory-limit interrupt (any other value) — the latter is a resource
// cap, not a deadline, so it's classified separately. A call-stack
// overflow from MaxCallStackSize is likewise a resource cap, not a user
// logic error, even though goja reports it as a thrown RangeError.
func classifyError(err error) error {
	if ix, ok := err.(*goja.InterruptedError); ok {
		if s, ok := ix.Value().(string); ok && s == errTimeoutInterrupt {
			return evalerr.New(evalerr.KindSandboxTimeout, ix.Error())
		}
		return evalerr.New(evalerr.KindSandboxResourceUsed, ix.Error())
	}
	if ex, ok := err.(*goja.Exception); ok {
		msg := ex.Value().String()
		if obj, ok := ex.Value().(*goja.Object); ok {
			if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
				msg = m.String()
			}
		}
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "stack size") || strings.Contains(lower, "stack overflow") {
			return evalerr.New(evalerr.KindSandboxResourceUsed, msg)
		}
		return evalerr.New(evalerr.KindSandboxUserError, msg)
	}
	return evalerr.New(evalerr.KindSandboxUserError, err.Error())
}

func unwrapMessage(err error) string {
	if e, ok := err.(*evalerr.Error); ok && e.Err != nil {
		return e.Err.Error()
	}
	return err.Error()
}

// installConsole binds a minimal console object (log/warn/error/info, each
// joining the String() form of its arguments with single spaces) but caps
// captured lines so a runaway loop can't grow the reply buffer without
// bound; lines beyond the cap are dropped, not truncated, since the run is
// already over budget on timeout regardless.
func installConsole(vm *goja.Runtime, out *[]string, maxLines int) {
	record := func(call goja.FunctionCall) goja.Value {
		if len(*out) >= maxLines {
			return goja.Undefined()
		}
		parts := make([]string, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, safeString(a))
		}
		*out = append(*out, strings.Join(parts, " "))
		return goja.Undefined()
	}

	c := vm.NewObject()
	_ = c.Set("log", record)
	_ = c.Set("warn", record)
	_ = c.Set("error", record)
	_ = c.Set("info", record)
	vm.Set("console", c)
}

// installNetwork binds fetch(url) and post(url, body) into the runtime.
// Both consult the ledger synchronously (budget checks happen at call
// time, against the principal captured in caps), then hand the actual
// request off to a background goroutine and return a real Promise that
// settles once it completes. This is what lets `fetch(...).then(...)`
// chains work rather than throwing on a plain returned object.
func installNetwork(ctx context.Context, vm *goja.Runtime, loop *eventloop.EventLoop, caps Capabilities) {
	if caps.Ledger == nil {
		return
	}
	vm.Set("fetch", func(call goja.FunctionCall) goja.Value {
		url := normalizeURL(call.Argument(0).String())
		if err := caps.Ledger.CheckLimits(caps.Principal, caps.EvalID); err != nil {
			panic(vm.ToValue(err.Error()))
		}
		caps.Ledger.RecordRequest(caps.Principal, caps.EvalID)
		if caps.Fetch == nil {
			panic(vm.ToValue("fetch is not available"))
		}
		return dispatchNetworkCall(vm, loop, func() (FetchResult, error) {
			return caps.Fetch(ctx, url)
		})
	})
	vm.Set("post", func(call goja.FunctionCall) goja.Value {
		url := normalizeURL(call.Argument(0).String())
		body := call.Argument(1).String()
		if err := caps.Ledger.ValidatePostBody(len(body)); err != nil {
			panic(vm.ToValue(err.Error()))
		}
		if err := caps.Ledger.CheckLimits(caps.Principal, caps.EvalID); err != nil {
			panic(vm.ToValue(err.Error()))
		}
		caps.Ledger.RecordRequest(caps.Principal, caps.EvalID)
		if caps.Post == nil {
			panic(vm.ToValue("post is not available"))
		}
		return dispatchNetworkCall(vm, loop, func() (FetchResult, error) {
			return caps.Post(ctx, url, body)
		})
	})
}

// dispatchNetworkCall runs exec off the loop goroutine (it may block on
// network I/O) and resolves/rejects the returned promise back on the loop,
// via RunOnLoop, once it finishes — the settlement itself always happens
// on the single goroutine that owns the runtime.
func dispatchNetworkCall(vm *goja.Runtime, loop *eventloop.EventLoop, exec func() (FetchResult, error)) goja.Value {
	p, resolve, reject := vm.NewPromise()
	go func() {
		res, err := exec()
		loop.RunOnLoop(func(vm *goja.Runtime) {
			if err != nil {
				reject(vm.ToValue(err.Error()))
				return
			}
			resolve(toJSResponse(vm, res))
		})
	}()
	return p
}

func toJSResponse(vm *goja.Runtime, res FetchResult) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set("status", res.Status)
	_ = obj.Set("statusText", res.StatusText)
	headers := vm.NewObject()
	for k, v := range res.Headers {
		_ = headers.Set(k, v)
	}
	_ = obj.Set("headers", headers)
	_ = obj.Set("body", res.Body)
	return obj
}

// normalizeURL prepends https:// to a schemeless URL, per the design's
// fetch/post contract.
func normalizeURL(raw string) string {
	if strings.Contains(raw, "://") {
		return raw
	}
	return "https://" + raw
}

func safeString(v goja.Value) (s string) {
	defer func() {
		if recover() != nil {
			s = "[unrepresentable value]"
		}
	}()
	if v == nil {
		return ""
	}
	return v.String()
}
