package ratelimit

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

func fakeResponse(status int, header http.Header, body string) *http.Response {
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func testConfig() Config {
	return Config{
		BaseURL:           "https://example.test",
		WeightMax:         100,
		WeightWindow:      time.Minute,
		RawRequestMax:     1000,
		RawRequestWindow:  time.Minute,
		RequestsPerSecond: 1000,
		Burst:             1000,
		MinBackoff:        20 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2,
		RequestTimeout:    2 * time.Second,
	}
}

func startOrchestrator(t *testing.T, cfg Config, do func(*http.Request) (*http.Response, error)) *Orchestrator {
	t.Helper()
	o := New(cfg)
	o.SetTransport(do)
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(o.Stop)
	return o
}

func TestScheduleExecutesAndChargesBudget(t *testing.T) {
	var calls int
	o := startOrchestrator(t, testConfig(), func(req *http.Request) (*http.Response, error) {
		calls++
		return fakeResponse(200, nil, `{"ok":true}`), nil
	})

	res, err := o.Schedule(context.Background(), RequestSpec{
		URL:      "https://example.test/api/v3/klines",
		Endpoint: EndpointKlines,
	}, PriorityNormal, time.Second)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if res.StatusCode != 200 || string(res.Body) != `{"ok":true}` {
		t.Fatalf("unexpected result: %+v", res)
	}
	if calls != 1 {
		t.Fatalf("expected 1 transport call, got %d", calls)
	}

	st := o.Stats()
	if st.WeightUsed != 2 {
		t.Fatalf("klines must charge weight 2, got %d", st.WeightUsed)
	}
	if st.RawUsed != 1 {
		t.Fatalf("expected 1 raw request, got %d", st.RawUsed)
	}
}

func TestDepthWeightScalesWithLimit(t *testing.T) {
	cases := []struct {
		limit  int
		weight int64
	}{
		{50, 5}, {100, 5}, {500, 25}, {1000, 50}, {5000, 250},
	}
	for _, c := range cases {
		got := weightFor(RequestSpec{Endpoint: EndpointDepth, DepthLimit: c.limit})
		if got != c.weight {
			t.Fatalf("depth limit %d: expected weight %d, got %d", c.limit, c.weight, got)
		}
	}
	if w := weightFor(RequestSpec{Endpoint: EndpointTicker, AllSymbols: true}); w != 40 {
		t.Fatalf("all-symbol ticker must weigh 40, got %d", w)
	}
}

func TestPriorityOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []Priority

	block := make(chan struct{})
	first := true
	o := startOrchestrator(t, testConfig(), func(req *http.Request) (*http.Response, error) {
		if first {
			first = false
			<-block
		}
		prio := Priority(0)
		switch req.URL.Path {
		case "/low":
			prio = PriorityLow
		case "/normal":
			prio = PriorityNormal
		case "/critical":
			prio = PriorityCritical
		}
		mu.Lock()
		order = append(order, prio)
		mu.Unlock()
		return fakeResponse(200, nil, "{}"), nil
	})

	var wg sync.WaitGroup
	schedule := func(path string, prio Priority) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.Schedule(context.Background(), RequestSpec{
				URL: "https://example.test" + path,
			}, prio, 2*time.Second)
		}()
	}

	// The first request holds the loop inside execute while the others queue.
	schedule("/blocker", PriorityNormal)
	time.Sleep(50 * time.Millisecond)
	schedule("/low", PriorityLow)
	schedule("/normal", PriorityNormal)
	time.Sleep(50 * time.Millisecond)
	schedule("/critical", PriorityCritical)
	time.Sleep(50 * time.Millisecond)
	close(block)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 4 {
		t.Fatalf("expected 4 executions, got %d", len(order))
	}
	// After the blocker, critical jumps ahead of the earlier low/normal.
	if order[1] != PriorityCritical {
		t.Fatalf("expected critical to run first after blocker, got order %v", order)
	}
	if order[2] != PriorityNormal || order[3] != PriorityLow {
		t.Fatalf("expected normal before low, got order %v", order)
	}
}

func TestWeightBudgetDefersUntilWindowReset(t *testing.T) {
	cfg := testConfig()
	cfg.WeightMax = 3
	cfg.WeightWindow = 300 * time.Millisecond

	var mu sync.Mutex
	var times []time.Time
	o := startOrchestrator(t, cfg, func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		return fakeResponse(200, nil, "{}"), nil
	})

	spec := RequestSpec{URL: "https://example.test/api/v3/klines", Endpoint: EndpointKlines}

	// First weight-2 request fits; the second would exceed max=3 and must
	// wait for the fixed window to reset.
	if _, err := o.Schedule(context.Background(), spec, PriorityNormal, 2*time.Second); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if _, err := o.Schedule(context.Background(), spec, PriorityNormal, 2*time.Second); err != nil {
		t.Fatalf("second request failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(times) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(times))
	}
	gap := times[1].Sub(times[0])
	if gap < 200*time.Millisecond {
		t.Fatalf("second request ran after %v, expected deferral to window reset", gap)
	}
}

func TestOversizedRequestTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.WeightMax = 10

	var calls int
	o := startOrchestrator(t, cfg, func(req *http.Request) (*http.Response, error) {
		calls++
		return fakeResponse(200, nil, "{}"), nil
	})

	// Weight 250 can never fit a max of 10; the request must never execute.
	_, err := o.Schedule(context.Background(), RequestSpec{
		URL:        "https://example.test/api/v3/depth",
		Endpoint:   EndpointDepth,
		DepthLimit: 5000,
	}, PriorityHigh, 300*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("oversized request must never reach the transport, got %d calls", calls)
	}
}

func TestThrottleBacksOffAndRetries(t *testing.T) {
	var calls int
	start := time.Now()
	var secondAt time.Time
	o := startOrchestrator(t, testConfig(), func(req *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return fakeResponse(429, nil, ""), nil
		}
		secondAt = time.Now()
		return fakeResponse(200, nil, "{}"), nil
	})

	res, err := o.Schedule(context.Background(), RequestSpec{
		URL:      "https://example.test/api/v3/klines",
		Endpoint: EndpointKlines,
	}, PriorityNormal, 2*time.Second)
	if err != nil {
		t.Fatalf("Schedule failed after throttle: %v", err)
	}
	if res.StatusCode != 200 {
		t.Fatalf("expected eventual 200, got %d", res.StatusCode)
	}
	if calls != 2 {
		t.Fatalf("expected retry after throttle, got %d calls", calls)
	}
	if secondAt.Sub(start) < 20*time.Millisecond {
		t.Fatal("retry ran before the backoff elapsed")
	}
	// A throttled attempt is not charged against the budget.
	if st := o.Stats(); st.WeightUsed != 2 {
		t.Fatalf("expected weight charged once, got %d", st.WeightUsed)
	}
}

func TestRetryAfterHeaderWins(t *testing.T) {
	var calls int
	var gap time.Duration
	var first time.Time
	o := startOrchestrator(t, testConfig(), func(req *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			first = time.Now()
			h := make(http.Header)
			h.Set("Retry-After", "1")
			return fakeResponse(418, h, ""), nil
		}
		gap = time.Since(first)
		return fakeResponse(200, nil, "{}"), nil
	})

	if _, err := o.Schedule(context.Background(), RequestSpec{
		URL:      "https://example.test/api/v3/klines",
		Endpoint: EndpointKlines,
	}, PriorityNormal, 3*time.Second); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if gap < time.Second {
		t.Fatalf("Retry-After of 1s not honored, retried after %v", gap)
	}
}

func TestUsedWeightHeaderSync(t *testing.T) {
	o := startOrchestrator(t, testConfig(), func(req *http.Request) (*http.Response, error) {
		h := make(http.Header)
		h.Set("X-MBX-USED-WEIGHT-1m", "42")
		return fakeResponse(200, h, "{}"), nil
	})

	if _, err := o.Schedule(context.Background(), RequestSpec{
		URL:      "https://example.test/api/v3/klines",
		Endpoint: EndpointKlines,
	}, PriorityNormal, time.Second); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	// Provider reports higher usage than local accounting; take the max.
	if st := o.Stats(); st.WeightUsed != 42 {
		t.Fatalf("expected used weight synced to 42, got %d", st.WeightUsed)
	}
}

func TestShutdownRejectsQueuedRequests(t *testing.T) {
	cfg := testConfig()
	cfg.WeightMax = 1 // weight-2 requests can never run

	o := New(cfg)
	o.SetTransport(func(req *http.Request) (*http.Response, error) {
		t.Error("transport must not be reached")
		return fakeResponse(200, nil, "{}"), nil
	})
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := o.Schedule(context.Background(), RequestSpec{
			URL:      "https://example.test/api/v3/klines",
			Endpoint: EndpointKlines,
		}, PriorityNormal, 10*time.Second)
		errCh <- err
	}()

	time.Sleep(100 * time.Millisecond)
	o.Stop()

	select {
	case err := <-errCh:
		if err != ErrShutdown {
			t.Fatalf("expected ErrShutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued request not released on shutdown")
	}

	// New submissions after Stop fail fast.
	if _, err := o.Schedule(context.Background(), RequestSpec{URL: "https://example.test/x"}, PriorityNormal, time.Second); err != ErrShutdown {
		t.Fatalf("expected ErrShutdown after Stop, got %v", err)
	}
}

func TestBudgetZeroWindowReturns(t *testing.T) {
	b := &Budget{Name: "request-weight", Max: 10}

	done := make(chan struct{})
	go func() {
		now := time.Now()
		b.maybeReset(now)
		b.maybeReset(now.Add(time.Hour))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("maybeReset did not return for a zero-window budget")
	}
}

func TestNewDefaultsBudgetWindows(t *testing.T) {
	// A config that leaves the windows unset must not produce zero-window
	// budgets; the scheduling loop advances windows in a loop.
	o := New(Config{WeightMax: 100})
	if o.weightBudget.Window <= 0 {
		t.Fatalf("weight window not defaulted: %v", o.weightBudget.Window)
	}
	if o.orderBudget.Window <= 0 {
		t.Fatalf("order window not defaulted: %v", o.orderBudget.Window)
	}
	if o.rawBudget.Window <= 0 {
		t.Fatalf("raw window not defaulted: %v", o.rawBudget.Window)
	}
}

func TestOrderBudgetChargesOnlyOrderRequests(t *testing.T) {
	cfg := testConfig()
	cfg.OrderCountMax = 1
	cfg.OrderCountWindow = 300 * time.Millisecond

	var mu sync.Mutex
	var times []time.Time
	o := startOrchestrator(t, cfg, func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		return fakeResponse(200, nil, "{}"), nil
	})

	// A plain data request leaves the order count untouched.
	if _, err := o.Schedule(context.Background(), RequestSpec{
		URL:      "https://example.test/api/v3/klines",
		Endpoint: EndpointKlines,
	}, PriorityNormal, time.Second); err != nil {
		t.Fatalf("data request failed: %v", err)
	}
	if st := o.Stats(); st.OrderUsed != 0 {
		t.Fatalf("data request must not charge order count, got %d", st.OrderUsed)
	}

	// Two order requests against max=1: the second defers to the next window.
	order := RequestSpec{URL: "https://example.test/api/v3/order", Order: true}
	mu.Lock()
	times = nil
	mu.Unlock()
	if _, err := o.Schedule(context.Background(), order, PriorityHigh, 2*time.Second); err != nil {
		t.Fatalf("first order request failed: %v", err)
	}
	if st := o.Stats(); st.OrderUsed != 1 {
		t.Fatalf("expected order count 1, got %d", st.OrderUsed)
	}
	if _, err := o.Schedule(context.Background(), order, PriorityHigh, 2*time.Second); err != nil {
		t.Fatalf("second order request failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(times) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(times))
	}
	if gap := times[1].Sub(times[0]); gap < 200*time.Millisecond {
		t.Fatalf("second order ran after %v, expected deferral to window reset", gap)
	}
}

func TestSetWeightLimit(t *testing.T) {
	o := New(testConfig())
	o.SetWeightLimit(1200)
	if st := o.Stats(); st.WeightMax != 1200 {
		t.Fatalf("expected weight max 1200, got %d", st.WeightMax)
	}
	o.SetWeightLimit(0) // ignored
	if st := o.Stats(); st.WeightMax != 1200 {
		t.Fatalf("zero limit must be ignored, got %d", st.WeightMax)
	}
}
