package ratelimit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"github.com/laylaymen/kriptobot-sub006/logger"
)

// Priority orders queued requests. Higher values are drained first,
// FIFO within a tier.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
	numPriorities
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// RequestSpec describes one outbound REST call. Order marks requests that
// place or cancel orders; those are additionally charged against the
// order-count budget.
type RequestSpec struct {
	Method     string
	URL        string
	Endpoint   string
	DepthLimit int
	AllSymbols bool
	Order      bool
	Header     http.Header
}

// Result carries the response back to the scheduling caller.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type outcome struct {
	res *Result
	err error
}

type queuedRequest struct {
	id         string
	spec       RequestSpec
	priority   Priority
	weight     int64
	enqueuedAt time.Time
	deadline   time.Time
	result     chan outcome
}

// Budget is one fixed-window limit dimension. Mutated only under the
// orchestrator's lock by the scheduling loop.
type Budget struct {
	Name      string
	Max       int64
	Window    time.Duration
	used      int64
	lastReset time.Time
}

func (b *Budget) maybeReset(now time.Time) {
	// A zero window would make the advance loop below spin forever.
	if b.Window <= 0 {
		return
	}
	if b.lastReset.IsZero() {
		b.lastReset = now
		return
	}
	for now.Sub(b.lastReset) >= b.Window {
		b.used = 0
		b.lastReset = b.lastReset.Add(b.Window)
	}
}

func (b *Budget) remainingWindow(now time.Time) time.Duration {
	if b.lastReset.IsZero() {
		return b.Window
	}
	rem := b.Window - now.Sub(b.lastReset)
	if rem < 0 {
		return 0
	}
	return rem
}

// Config for the orchestrator. Durations, not ms, so tests can go small.
type Config struct {
	BaseURL           string
	WeightMax         int64
	WeightWindow      time.Duration
	OrderCountMax     int64
	OrderCountWindow  time.Duration
	RawRequestMax     int64
	RawRequestWindow  time.Duration
	RequestsPerSecond float64
	Burst             int
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	RequestTimeout    time.Duration
}

// Orchestrator schedules outbound REST calls under shared weight/count
// budgets with priority queues and throttle backoff. A single scheduling
// loop owns all mutable state.
type Orchestrator struct {
	cfg Config
	do  func(*http.Request) (*http.Response, error)
	log *logger.Log

	mu           sync.Mutex
	queues       [numPriorities][]*queuedRequest
	weightBudget *Budget
	orderBudget  *Budget
	rawBudget    *Budget
	backoffUntil time.Time
	running      bool

	bo      *backoff.Backoff
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}
}

func New(cfg Config) *Orchestrator {
	if cfg.WeightWindow <= 0 {
		cfg.WeightWindow = time.Minute
	}
	if cfg.OrderCountWindow <= 0 {
		cfg.OrderCountWindow = 10 * time.Second
	}
	if cfg.RawRequestWindow <= 0 {
		cfg.RawRequestWindow = 5 * time.Minute
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Minute
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	client := &http.Client{Timeout: cfg.RequestTimeout}

	return &Orchestrator{
		cfg:          cfg,
		do:           client.Do,
		log:          logger.GetLogger(),
		weightBudget: &Budget{Name: "request-weight", Max: cfg.WeightMax, Window: cfg.WeightWindow},
		orderBudget:  &Budget{Name: "order-count", Max: cfg.OrderCountMax, Window: cfg.OrderCountWindow},
		rawBudget:    &Budget{Name: "raw-requests", Max: cfg.RawRequestMax, Window: cfg.RawRequestWindow},
		bo: &backoff.Backoff{
			Min:    cfg.MinBackoff,
			Max:    cfg.MaxBackoff,
			Factor: cfg.BackoffMultiplier,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		wake:    make(chan struct{}, 1),
	}
}

// SetWeightLimit replaces the request-weight budget max, typically after
// the exchange catalogue reported its actual limit.
func (o *Orchestrator) SetWeightLimit(max int64) {
	if max <= 0 {
		return
	}
	o.mu.Lock()
	o.weightBudget.Max = max
	o.mu.Unlock()
}

// Start spawns the scheduling loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("rate limiter already running")
	}
	o.running = true
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	o.wg.Add(1)
	go o.loop()

	o.log.WithComponent("rate_limiter").WithFields(logger.Fields{
		"weight_max":    o.cfg.WeightMax,
		"weight_window": o.cfg.WeightWindow,
		"raw_max":       o.cfg.RawRequestMax,
	}).Info("rate limiter started")
	return nil
}

// Stop rejects all queued callers with a shutdown error and clears queues.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.wg.Wait()

	o.mu.Lock()
	for i := range o.queues {
		for _, req := range o.queues[i] {
			req.result <- outcome{err: ErrShutdown}
		}
		o.queues[i] = nil
	}
	o.mu.Unlock()

	o.log.WithComponent("rate_limiter").Info("rate limiter stopped")
}

// Schedule enqueues a request and blocks until it resolves, times out, or
// the caller's context is done.
func (o *Orchestrator) Schedule(ctx context.Context, spec RequestSpec, priority Priority, timeout time.Duration) (*Result, error) {
	if priority < PriorityLow || priority > PriorityCritical {
		priority = PriorityNormal
	}
	if timeout <= 0 {
		timeout = o.cfg.RequestTimeout
	}

	now := time.Now()
	req := &queuedRequest{
		id:         uuid.New().String(),
		spec:       spec,
		priority:   priority,
		weight:     weightFor(spec),
		enqueuedAt: now,
		deadline:   now.Add(timeout),
		result:     make(chan outcome, 1),
	}

	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil, ErrShutdown
	}
	o.queues[priority] = append(o.queues[priority], req)
	o.mu.Unlock()
	o.signal()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-req.result:
		return out.res, out.err
	case <-timer.C:
		if o.remove(req) {
			return nil, ErrTimeout
		}
		// Already executing, its result is imminent.
		out := <-req.result
		return out.res, out.err
	case <-ctx.Done():
		o.remove(req)
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) remove(req *queuedRequest) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := o.queues[req.priority]
	for i, r := range q {
		if r.id == req.id {
			o.queues[req.priority] = append(q[:i], q[i+1:]...)
			return true
		}
	}
	return false
}

// popLocked returns the head of the highest-priority non-empty queue.
func (o *Orchestrator) popLocked() *queuedRequest {
	for p := PriorityCritical; p >= PriorityLow; p-- {
		if len(o.queues[p]) > 0 {
			req := o.queues[p][0]
			o.queues[p] = o.queues[p][1:]
			return req
		}
	}
	return nil
}

func (o *Orchestrator) requeueFrontLocked(req *queuedRequest) {
	o.queues[req.priority] = append([]*queuedRequest{req}, o.queues[req.priority]...)
}

// expireLocked delivers timeout errors for requests whose deadline passed
// while queued.
func (o *Orchestrator) expireLocked(now time.Time) {
	for p := range o.queues {
		kept := o.queues[p][:0]
		for _, req := range o.queues[p] {
			if now.After(req.deadline) {
				req.result <- outcome{err: ErrTimeout}
				continue
			}
			kept = append(kept, req)
		}
		o.queues[p] = kept
	}
}

// allowLocked reports whether all budgets can absorb the request now.
func (o *Orchestrator) allowLocked(req *queuedRequest, now time.Time) bool {
	for _, b := range []*Budget{o.weightBudget, o.orderBudget, o.rawBudget} {
		b.maybeReset(now)
	}
	if o.weightBudget.Max > 0 && o.weightBudget.used+req.weight > o.weightBudget.Max {
		return false
	}
	if req.spec.Order && o.orderBudget.Max > 0 && o.orderBudget.used+1 > o.orderBudget.Max {
		return false
	}
	if o.rawBudget.Max > 0 && o.rawBudget.used+1 > o.rawBudget.Max {
		return false
	}
	return true
}

func (o *Orchestrator) consumeLocked(req *queuedRequest) {
	o.weightBudget.used += req.weight
	if req.spec.Order {
		o.orderBudget.used++
	}
	o.rawBudget.used++
}

// budgetDelayLocked picks a sleep proportional to the remaining window of
// the tightest budget.
func (o *Orchestrator) budgetDelayLocked(now time.Time) time.Duration {
	rem := o.weightBudget.remainingWindow(now)
	if r := o.orderBudget.remainingWindow(now); r > 0 && (rem == 0 || r < rem) {
		rem = r
	}
	if r := o.rawBudget.remainingWindow(now); r > 0 && (rem == 0 || r < rem) {
		rem = r
	}
	d := rem / 4
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	if rem > 0 && d > rem {
		d = rem
	}
	return d
}

func (o *Orchestrator) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-o.ctx.Done():
		return false
	case <-t.C:
		return true
	case <-o.wake:
		return true
	}
}

func (o *Orchestrator) loop() {
	defer o.wg.Done()

	log := o.log.WithComponent("rate_limiter")

	for {
		select {
		case <-o.ctx.Done():
			return
		default:
		}

		now := time.Now()
		o.mu.Lock()
		o.expireLocked(now)
		req := o.popLocked()
		if req == nil {
			o.mu.Unlock()
			t := time.NewTimer(100 * time.Millisecond)
			select {
			case <-o.ctx.Done():
				t.Stop()
				return
			case <-o.wake:
			case <-t.C:
			}
			t.Stop()
			continue
		}

		if now.After(req.deadline) {
			o.mu.Unlock()
			req.result <- outcome{err: ErrTimeout}
			continue
		}

		if until := o.backoffUntil; now.Before(until) {
			o.requeueFrontLocked(req)
			o.mu.Unlock()
			if !o.sleep(until.Sub(now)) {
				return
			}
			continue
		}

		if !o.allowLocked(req, now) {
			o.requeueFrontLocked(req)
			d := o.budgetDelayLocked(now)
			o.mu.Unlock()
			log.WithFields(logger.Fields{
				"endpoint": req.spec.Endpoint,
				"weight":   req.weight,
				"delay":    d.String(),
			}).Debug("budget exhausted, deferring request")
			if !o.sleep(d) {
				return
			}
			continue
		}
		o.mu.Unlock()

		if err := o.limiter.Wait(o.ctx); err != nil {
			req.result <- outcome{err: ErrShutdown}
			return
		}

		o.execute(req)
	}
}

func (o *Orchestrator) execute(req *queuedRequest) {
	log := o.log.WithComponent("rate_limiter").WithFields(logger.Fields{
		"endpoint": req.spec.Endpoint,
		"priority": req.priority.String(),
	})

	method := req.spec.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(o.ctx, method, req.spec.URL, nil)
	if err != nil {
		req.result <- outcome{err: err}
		return
	}
	for k, vs := range req.spec.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := o.do(httpReq)
	if err != nil {
		if o.ctx.Err() != nil {
			req.result <- outcome{err: ErrShutdown}
			return
		}
		log.WithError(err).Warn("request failed")
		req.result <- outcome{err: err}
		return
	}
	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()

	logger.LogPerformanceEntry(log, "rate_limiter", "api_request", time.Since(start), logger.Fields{
		"status": resp.StatusCode,
	})

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 {
		// Throttled: budgets are not charged, the request is requeued and
		// the loop sleeps until backoff expiry.
		delay := o.bo.Duration()
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				delay = time.Duration(secs) * time.Second
			}
		}
		o.mu.Lock()
		o.backoffUntil = time.Now().Add(delay)
		o.requeueFrontLocked(req)
		o.mu.Unlock()

		log.WithFields(logger.Fields{
			"status": resp.StatusCode,
			"delay":  delay.String(),
		}).Warn("provider throttled, backing off")
		o.log.LogMetric("rate_limiter", "throttled", int64(1), "counter", logger.Fields{
			"endpoint": req.spec.Endpoint,
		})
		return
	}

	if readErr != nil {
		req.result <- outcome{err: readErr}
		return
	}

	o.mu.Lock()
	o.consumeLocked(req)
	o.syncFromHeadersLocked(resp.Header)
	o.backoffUntil = time.Time{}
	o.bo.Reset()
	o.mu.Unlock()

	req.result <- outcome{res: &Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}}
}

// syncFromHeadersLocked folds the provider's reported usage into the weight
// budget so local accounting never undercounts.
func (o *Orchestrator) syncFromHeadersLocked(h http.Header) {
	usedStr := h.Get("X-MBX-USED-WEIGHT-1m")
	if usedStr == "" {
		return
	}
	used, err := strconv.ParseInt(usedStr, 10, 64)
	if err != nil {
		return
	}
	if used > o.weightBudget.used {
		o.weightBudget.used = used
	}
}

// Stats is a point-in-time view for heartbeats and tests.
type Stats struct {
	Queued        int
	WeightUsed    int64
	WeightMax     int64
	OrderUsed     int64
	RawUsed       int64
	BackoffActive bool
}

func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	queued := 0
	for _, q := range o.queues {
		queued += len(q)
	}
	return Stats{
		Queued:        queued,
		WeightUsed:    o.weightBudget.used,
		WeightMax:     o.weightBudget.Max,
		OrderUsed:     o.orderBudget.used,
		RawUsed:       o.rawBudget.used,
		BackoffActive: time.Now().Before(o.backoffUntil),
	}
}

// SetTransport replaces the HTTP execution function. Tests inject fakes.
func (o *Orchestrator) SetTransport(do func(*http.Request) (*http.Response, error)) {
	o.do = do
}
