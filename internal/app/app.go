// Package app wires every component into a runnable daemon: logger,
// config, telemetry, metrics, the protocol client, the firehose filter,
// the job queue (durable or direct), and the workers that drain it.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/evalbot/evalbot/internal/admission"
	"github.com/evalbot/evalbot/internal/admin"
	"github.com/evalbot/evalbot/internal/atbot"
	"github.com/evalbot/evalbot/internal/config"
	"github.com/evalbot/evalbot/internal/firehose"
	"github.com/evalbot/evalbot/internal/ledger"
	"github.com/evalbot/evalbot/internal/logger"
	"github.com/evalbot/evalbot/internal/mention"
	"github.com/evalbot/evalbot/internal/observability"
	"github.com/evalbot/evalbot/internal/queue"
	"github.com/evalbot/evalbot/internal/sandbox"
	"github.com/evalbot/evalbot/internal/worker"
)

// App holds every wired component for the daemon's lifetime.
type App struct {
	Log       *logger.Logger
	Cfg       config.Config
	Client    *atbot.Client
	Admin     *admin.Allowlist
	Ledger    *ledger.Ledger
	Sandbox   *sandbox.Engine
	Admission *admission.Controller
	Queue     queue.Queue
	Firehose  *firehose.Filter
	Worker    *worker.Worker
	Metrics   *observability.Metrics

	cancel      context.CancelFunc
	shutdownOTel func(context.Context) error
}

// New builds every component; call Start to begin the firehose
// subscription and worker pool. The only goroutine New itself starts is the
// Redis connectivity collector, in queue mode with metrics enabled.
func New(configFile string) (*App, error) {
	log, err := logger.New("production")
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.LogMode != "" {
		if reLog, err := logger.New(cfg.LogMode); err == nil {
			log = reLog
		}
	}

	shutdownOTel := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "evalbot",
		Environment: cfg.LogMode,
		Version:     "dev",
	})

	metrics := observability.Init(log)

	client := atbot.New(atbot.Config{
		Service:    cfg.Service,
		Identifier: cfg.Identifier,
		Password:   cfg.Password,
	})
	if err := client.Login(context.Background()); err != nil {
		log.Sync()
		return nil, fmt.Errorf("login to PDS: %w", err)
	}

	allow := admin.NewAllowlist(cfg.AdminDIDs)

	led := ledger.New(ledger.Config{
		PerEvalLimit:           cfg.Ledger.PerEvalLimit,
		WindowLimit:            cfg.Ledger.WindowLimit,
		WindowSecs:             cfg.Ledger.WindowSecs,
		PostBodyLimitBytes:     cfg.Ledger.PostBodyLimitBytes,
		ResponseSizeLimitBytes: cfg.Ledger.ResponseSizeLimitBytes,
		RequestTimeoutMS:       cfg.Ledger.RequestTimeoutMS,
	})

	eng := sandbox.New(sandbox.Config{
		TimeoutMS:      cfg.Sandbox.TimeoutMS,
		MaxStackDepth:  cfg.Sandbox.MaxStackDepth,
		MaxOutputLines: cfg.Sandbox.MaxOutputLines,
		MaxHeapBytes:   cfg.Sandbox.MaxHeapBytes,
	})

	adm := admission.New(admission.Config{
		CooldownMS:  cfg.Admission.CooldownMS,
		MaxInFlight: cfg.Admission.MaxInFlight,
	})

	var q queue.Queue
	if cfg.UseQueue {
		q = queue.NewAsynq(queue.RedisTarget{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, log)
		if metrics != nil {
			go metrics.StartRedisCollector(context.Background(), log, cfg.Redis.Addr())
		}
	} else {
		q = queue.NewDirect(log, 256)
	}

	fh := firehose.New(firehose.Config{
		RelayHost: cfg.RelayHost,
		BotDID:    client.DID(),
		BotHandle: cfg.BotHandle,
	}, log)

	w := worker.New(adm, led, eng, client, httpFetcher{}, log, metrics)

	return &App{
		Log:          log,
		Cfg:          cfg,
		Client:       client,
		Admin:        allow,
		Ledger:       led,
		Sandbox:      eng,
		Admission:    adm,
		Queue:        q,
		Firehose:     fh,
		Worker:       w,
		Metrics:      metrics,
		shutdownOTel: shutdownOTel,
	}, nil
}

// Start begins the firehose subscription, feeds mentions into the queue,
// and starts workers draining it. It returns once every goroutine it
// started has been launched; it does not block.
func (a *App) Start(ctx context.Context, concurrency int) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	mentions := make(chan mention.Mention, 64)
	signals := make(chan firehose.Signal, 16)

	go func() {
		if err := a.Firehose.Subscribe(ctx, mentions, signals); err != nil && ctx.Err() == nil {
			a.Log.Error("firehose subscription ended", "error", err)
		}
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-signals:
				a.logSignal(s)
			}
		}
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-mentions:
				if err := a.Queue.Enqueue(ctx, m); err != nil {
					a.Log.Warn("failed to enqueue mention", "error", err)
				}
			}
		}
	}()

	go func() {
		if err := a.Queue.Run(ctx, concurrency, a.Worker.HandleSafely); err != nil && ctx.Err() == nil {
			a.Log.Error("queue run loop exited", "error", err)
		}
	}()

	if a.Metrics != nil {
		a.Metrics.StartServer(ctx, a.Log, a.Cfg.MetricsAddr)
	}

	go a.pruneLoop(ctx)
}

func (a *App) logSignal(s firehose.Signal) {
	switch s.Kind {
	case firehose.SignalConnected:
		a.Log.Info("firehose connected")
	case firehose.SignalDisconnected:
		a.Log.Warn("firehose disconnected")
	case firehose.SignalError:
		a.Log.Warn("firehose error", "error", s.Error)
	}
}

func (a *App) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Admission.Prune(time.Hour)
			if trimmer, ok := a.Queue.(queue.Trimmer); ok {
				if err := trimmer.TrimCompleted(ctx); err != nil {
					a.Log.Warn("failed to trim completed queue history", "error", err)
				}
				if err := trimmer.TrimFailed(ctx); err != nil {
					a.Log.Warn("failed to trim failed queue history", "error", err)
				}
			}
		}
	}
}

// Close cancels the context Start derived (stopping the goroutines Start
// launched), closes the queue, shuts down tracing, and flushes the logger.
// The Redis collector started by New runs on a background context and is
// not stopped here. Safe to call more than once.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Queue != nil {
		_ = a.Queue.Close()
	}
	if a.shutdownOTel != nil {
		_ = a.shutdownOTel(context.Background())
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}

// httpFetcher is the production Fetcher: an HTTP client the sandbox's
// fetch/post capabilities delegate to, bounded per call by the timeout and
// response-size cap the caller passes in (sourced from the ledger's
// configured RequestTimeoutMS/ResponseSizeLimitBytes, not a fixed constant).
type httpFetcher struct{}

func (httpFetcher) Fetch(ctx context.Context, url string, timeoutMS, maxBytes int) (sandbox.FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return sandbox.FetchResult{}, err
	}
	return doFetch(req, timeoutMS, maxBytes)
}

func (httpFetcher) Post(ctx context.Context, url, body string, timeoutMS, maxBytes int) (sandbox.FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return sandbox.FetchResult{}, err
	}
	return doFetch(req, timeoutMS, maxBytes)
}

func doFetch(req *http.Request, timeoutMS, maxBytes int) (sandbox.FetchResult, error) {
	client := &http.Client{Timeout: time.Duration(timeoutMS) * time.Millisecond}
	resp, err := client.Do(req)
	if err != nil {
		return sandbox.FetchResult{}, err
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	total := 0
	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			if total+n > maxBytes {
				n = maxBytes - total
			}
			if n > 0 {
				buf = append(buf, chunk[:n]...)
				total += n
			}
		}
		if total >= maxBytes || readErr != nil {
			break
		}
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}

	return sandbox.FetchResult{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Headers:    headers,
		Body:       string(buf),
	}, nil
}
