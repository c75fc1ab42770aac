package observability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/evalbot/evalbot/internal/envutil"
	"github.com/evalbot/evalbot/internal/logger"
)

// Metrics holds the process-wide counters operators use to watch the
// mention -> queue -> sandbox -> reply pipeline. All fields are safe for
// concurrent use; every method is a nil-receiver no-op so call sites never
// need to check whether metrics are enabled.
type Metrics struct {
	mentionsSeen      *Counter
	mentionsSkipped   *CounterVec
	jobsProcessed     *Counter
	jobsSuccessful    *Counter
	jobsFailed        *Counter
	rateLimited       *Counter
	sandboxTimeouts   *Counter
	sandboxErrors     *CounterVec
	httpRequests      *CounterVec
	ledgerDenied      *CounterVec
	queueDepth        *GaugeVec
	admissionInflight *Gauge
	evalDuration      *HistogramVec
	redisUp           *Gauge
	redisPing         *Gauge
}

var (
	initOnce sync.Once
	instance *Metrics
)

// Enabled reports whether METRICS_ENABLED opts into the /metrics surface.
func Enabled() bool {
	return envutil.Bool("METRICS_ENABLED", false)
}

// Current returns the process-wide Metrics instance, or nil if disabled.
func Current() *Metrics {
	return instance
}

func scrapeInterval() time.Duration {
	n := envutil.Int("METRICS_SCRAPE_INTERVAL_SECONDS", 10)
	if n <= 0 {
		return 10 * time.Second
	}
	return time.Duration(n) * time.Second
}

// Init builds the singleton Metrics instance. Safe to call unconditionally;
// returns nil when metrics are disabled.
func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		instance = &Metrics{
			mentionsSeen:    NewCounter("evalbot_mentions_seen_total", "Mentions emitted by the firehose filter."),
			mentionsSkipped: NewCounterVec("evalbot_mentions_skipped_total", "Firehose events skipped by reason.", []string{"reason"}),
			jobsProcessed:   NewCounter("evalbot_jobs_processed_total", "Jobs handled by a worker (any outcome)."),
			jobsSuccessful:  NewCounter("evalbot_jobs_successful_total", "Jobs that produced a successful reply."),
			jobsFailed:      NewCounter("evalbot_jobs_failed_total", "Jobs that produced an error reply or were dropped."),
			rateLimited:     NewCounter("evalbot_rate_limited_total", "Mentions rejected by the admission controller."),
			sandboxTimeouts: NewCounter("evalbot_sandbox_timeouts_total", "Sandbox runs that hit the wall-clock deadline."),
			sandboxErrors:   NewCounterVec("evalbot_sandbox_errors_total", "Sandbox runs that ended in error, by kind.", []string{"kind"}),
			httpRequests:    NewCounterVec("evalbot_sandbox_http_requests_total", "Outbound HTTP requests issued by sandboxed code.", []string{"method", "outcome"}),
			ledgerDenied:    NewCounterVec("evalbot_ledger_denied_total", "HTTP requests denied by the budget ledger, by reason.", []string{"reason"}),
			queueDepth:      NewGaugeVec("evalbot_queue_depth", "Job queue depth by state.", []string{"state"}),
			admissionInflight: NewGauge(
				"evalbot_admission_inflight",
				"Jobs currently admitted and in flight.",
			),
			evalDuration: NewHistogramVec(
				"evalbot_eval_duration_seconds",
				"Sandbox evaluation duration in seconds.",
				[]string{"outcome"},
				[]float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			),
			redisUp:   NewGauge("evalbot_redis_up", "Redis connectivity (1=up, 0=down)."),
			redisPing: NewGauge("evalbot_redis_ping_seconds", "Redis ping latency in seconds."),
		}
		if log != nil {
			log.Info("observability metrics enabled")
		}
	})
	return instance
}

// StartServer runs the /metrics and /healthz HTTP surface until ctx is done.
func (m *Metrics) StartServer(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", m.WriteHTTP)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if log != nil {
				log.Error("metrics server failed", "error", err, "addr", addr)
			}
		}
	}()
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	writers := []interface{ WritePrometheus(io.Writer) error }{
		m.mentionsSeen, m.mentionsSkipped, m.jobsProcessed, m.jobsSuccessful, m.jobsFailed,
		m.rateLimited, m.sandboxTimeouts, m.sandboxErrors, m.httpRequests, m.ledgerDenied,
		m.queueDepth, m.admissionInflight, m.evalDuration, m.redisUp, m.redisPing,
	}
	for _, metric := range writers {
		if err := metric.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) IncMentionSeen() {
	if m == nil {
		return
	}
	m.mentionsSeen.Inc()
}

func (m *Metrics) IncMentionSkipped(reason string) {
	if m == nil {
		return
	}
	m.mentionsSkipped.Inc(orUnknown(reason))
}

func (m *Metrics) ObserveJob(outcome string) {
	if m == nil {
		return
	}
	m.jobsProcessed.Inc()
	switch outcome {
	case "success":
		m.jobsSuccessful.Inc()
	default:
		m.jobsFailed.Inc()
	}
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) IncSandboxTimeout() {
	if m == nil {
		return
	}
	m.sandboxTimeouts.Inc()
}

func (m *Metrics) IncSandboxError(kind string) {
	if m == nil {
		return
	}
	m.sandboxErrors.Inc(orUnknown(kind))
}

func (m *Metrics) ObserveHTTPRequest(method, outcome string) {
	if m == nil {
		return
	}
	m.httpRequests.Inc(orUnknown(method), orUnknown(outcome))
}

func (m *Metrics) IncLedgerDenied(reason string) {
	if m == nil {
		return
	}
	m.ledgerDenied.Inc(orUnknown(reason))
}

func (m *Metrics) SetQueueDepth(state string, depth float64) {
	if m == nil {
		return
	}
	m.queueDepth.Set(depth, orUnknown(state))
}

func (m *Metrics) SetAdmissionInflight(n float64) {
	if m == nil {
		return
	}
	m.admissionInflight.Set(n)
}

func (m *Metrics) ObserveEval(outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	m.evalDuration.Observe(dur.Seconds(), orUnknown(outcome))
}

// StartRedisCollector periodically pings Redis and records up/latency
// gauges; used only when the job queue runs in Redis-backed mode.
func (m *Metrics) StartRedisCollector(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	interval := scrapeInterval()
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = rdb.Close()
				return
			case <-ticker.C:
				start := time.Now()
				if err := rdb.Ping(ctx).Err(); err != nil {
					m.redisUp.Set(0)
					if log != nil {
						log.Warn("metrics: redis ping failed", "error", err)
					}
					continue
				}
				m.redisUp.Set(1)
				m.redisPing.Set(time.Since(start).Seconds())
			}
		}
	}()
}

func orUnknown(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return s
}

// ---- lightweight metric primitives (Prometheus exposition) ----

type CounterVec struct {
	name       string
	help       string
	labelNames []string
	mu         sync.RWMutex
	values     map[string]float64
}

func NewCounterVec(name, help string, labels []string) *CounterVec {
	return &CounterVec{name: name, help: help, labelNames: labels, values: map[string]float64{}}
}

func (c *CounterVec) Inc(values ...string) {
	if c == nil {
		return
	}
	lbl := labelString(c.labelNames, values)
	c.mu.Lock()
	c.values[lbl]++
	c.mu.Unlock()
}

func (c *CounterVec) Add(v float64, values ...string) {
	if c == nil {
		return
	}
	lbl := labelString(c.labelNames, values)
	c.mu.Lock()
	c.values[lbl] += v
	c.mu.Unlock()
}

func (c *CounterVec) WritePrometheus(w io.Writer) error {
	if c == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n", c.name, c.help, c.name); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.values {
		if _, err := fmt.Fprintf(w, "%s%s %f\n", c.name, k, v); err != nil {
			return err
		}
	}
	return nil
}

type Counter struct {
	name string
	help string
	mu   sync.RWMutex
	val  float64
}

func NewCounter(name, help string) *Counter {
	return &Counter{name: name, help: help}
}

func (c *Counter) Inc() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.val++
	c.mu.Unlock()
}

func (c *Counter) Value() float64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.val
}

func (c *Counter) WritePrometheus(w io.Writer) error {
	if c == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n", c.name, c.help, c.name); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, err := fmt.Fprintf(w, "%s %f\n", c.name, c.val)
	return err
}

type Gauge struct {
	name string
	help string
	mu   sync.RWMutex
	val  float64
}

func NewGauge(name, help string) *Gauge {
	return &Gauge{name: name, help: help}
}

func (g *Gauge) Set(v float64) {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.val = v
	g.mu.Unlock()
}

func (g *Gauge) WritePrometheus(w io.Writer) error {
	if g == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n", g.name, g.help, g.name); err != nil {
		return err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, err := fmt.Fprintf(w, "%s %f\n", g.name, g.val)
	return err
}

type GaugeVec struct {
	name       string
	help       string
	labelNames []string
	mu         sync.RWMutex
	values     map[string]float64
}

func NewGaugeVec(name, help string, labels []string) *GaugeVec {
	return &GaugeVec{name: name, help: help, labelNames: labels, values: map[string]float64{}}
}

func (g *GaugeVec) Set(v float64, values ...string) {
	if g == nil {
		return
	}
	lbl := labelString(g.labelNames, values)
	g.mu.Lock()
	g.values[lbl] = v
	g.mu.Unlock()
}

func (g *GaugeVec) WritePrometheus(w io.Writer) error {
	if g == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n", g.name, g.help, g.name); err != nil {
		return err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for k, v := range g.values {
		if _, err := fmt.Fprintf(w, "%s%s %f\n", g.name, k, v); err != nil {
			return err
		}
	}
	return nil
}

type HistogramVec struct {
	name       string
	help       string
	labelNames []string
	buckets    []float64
	mu         sync.RWMutex
	values     map[string]*histogram
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	total   uint64
}

func NewHistogramVec(name, help string, labels []string, buckets []float64) *HistogramVec {
	if len(buckets) == 0 {
		buckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}
	}
	return &HistogramVec{name: name, help: help, labelNames: labels, buckets: buckets, values: map[string]*histogram{}}
}

func (h *HistogramVec) Observe(v float64, values ...string) {
	if h == nil {
		return
	}
	lbl := labelString(h.labelNames, values)
	h.mu.Lock()
	defer h.mu.Unlock()
	hist, ok := h.values[lbl]
	if !ok {
		hist = &histogram{buckets: h.buckets, counts: make([]uint64, len(h.buckets)+1)}
		h.values[lbl] = hist
	}
	hist.sum += v
	hist.total++
	for i, b := range hist.buckets {
		if v <= b {
			hist.counts[i]++
		}
	}
	hist.counts[len(hist.counts)-1]++
}

func (h *HistogramVec) WritePrometheus(w io.Writer) error {
	if h == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for k, v := range h.values {
		for i, b := range v.buckets {
			if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, withLe(k, fmt.Sprintf("%g", b)), v.counts[i]); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, withLe(k, "+Inf"), v.counts[len(v.counts)-1]); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s_sum%s %f\n", h.name, k, v.sum); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s_count%s %d\n", h.name, k, v.total); err != nil {
			return err
		}
	}
	return nil
}

func labelString(names []string, values []string) string {
	if len(names) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("{")
	for i, name := range names {
		if i > 0 {
			b.WriteString(",")
		}
		val := "unknown"
		if i < len(values) {
			val = values[i]
		}
		b.WriteString(name)
		b.WriteString("=\"")
		b.WriteString(escapeLabel(val))
		b.WriteString("\"")
	}
	b.WriteString("}")
	return b.String()
}

func escapeLabel(v string) string {
	if v == "" {
		return ""
	}
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	v = strings.ReplaceAll(v, "\n", "\\n")
	return v
}

func withLe(labels string, le string) string {
	le = escapeLabel(le)
	if labels == "" || labels == "{}" {
		return "{le=\"" + le + "\"}"
	}
	if strings.HasSuffix(labels, "}") {
		return strings.TrimSuffix(labels, "}") + ",le=\"" + le + "\"}"
	}
	return "{le=\"" + le + "\"}"
}
