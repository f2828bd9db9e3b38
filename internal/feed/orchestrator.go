package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	binance "github.com/adshao/go-binance/v2"

	"github.com/laylaymen/kriptobot-sub006/config"
	"github.com/laylaymen/kriptobot-sub006/internal/bus"
	"github.com/laylaymen/kriptobot-sub006/internal/orderbook"
	"github.com/laylaymen/kriptobot-sub006/internal/ratelimit"
	"github.com/laylaymen/kriptobot-sub006/internal/rawstore"
	"github.com/laylaymen/kriptobot-sub006/internal/rules"
	"github.com/laylaymen/kriptobot-sub006/logger"
	"github.com/laylaymen/kriptobot-sub006/models"
)

// Orchestrator owns the websocket connections, routes every inbound message
// through dedupe, rules validation, raw persistence and normalization, and
// publishes the result on the bus.
type Orchestrator struct {
	cfg     *config.Config
	guard   *rules.Guard
	limiter *ratelimit.Orchestrator
	store   *rawstore.Store
	bus     *bus.Bus
	rest    *binance.Client
	log     *logger.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.RWMutex
	running    bool
	validators map[string]*orderbook.Validator
	conns      []*wsConnection

	tracker  *connTracker
	dedupe   *dedupeCache
	sequence atomic.Int64

	received         atomic.Int64
	published        atomic.Int64
	duplicates       atomic.Int64
	validationErrors atomic.Int64
	dropped          atomic.Int64
	perSymbol        map[string]*atomic.Int64
	perType          map[string]*atomic.Int64
}

func NewOrchestrator(cfg *config.Config, guard *rules.Guard, limiter *ratelimit.Orchestrator, store *rawstore.Store, b *bus.Bus) *Orchestrator {
	rest := binance.NewClient("", "")
	if cfg.RateLimit.RESTBaseURL != "" {
		rest.BaseURL = cfg.RateLimit.RESTBaseURL
	}

	o := &Orchestrator{
		cfg:        cfg,
		guard:      guard,
		limiter:    limiter,
		store:      store,
		bus:        b,
		rest:       rest,
		log:        logger.GetLogger().WithComponent("feed"),
		validators: make(map[string]*orderbook.Validator),
		tracker:    newConnTracker(),
		dedupe:     newDedupeCache(cfg.Feed.DedupeCacheSize),
		perSymbol:  make(map[string]*atomic.Int64),
		perType:    make(map[string]*atomic.Int64),
	}
	for _, sym := range cfg.Feed.Symbols {
		o.perSymbol[strings.ToUpper(sym)] = &atomic.Int64{}
	}
	for _, t := range []string{"kline", "trade", "ticker", "depth"} {
		o.perType[t] = &atomic.Int64{}
	}
	return o
}

// Initialize loads the exchange rules catalogue and prepares one order book
// validator per symbol. Must be called before Start.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	info, err := rules.FetchCatalogue(ctx, o.rest, o.cfg.Feed.Symbols)
	if err != nil {
		return fmt.Errorf("fetch exchange catalogue: %w", err)
	}
	loaded, err := o.guard.Load(info)
	if err != nil {
		return fmt.Errorf("load exchange rules: %w", err)
	}
	if limit := rules.RequestWeightLimit(info); limit > 0 {
		o.limiter.SetWeightLimit(limit)
	}
	o.log.WithFields(logger.Fields{
		"symbols":       loaded,
		"rules_version": o.guard.Version(),
	}).Info("Exchange rules loaded")

	if !o.cfg.Orderbook.Enabled {
		return nil
	}
	ob := o.cfg.Orderbook
	for _, sym := range o.cfg.Feed.Symbols {
		symbol := strings.ToUpper(sym)
		v := orderbook.NewValidator(orderbook.Config{
			Symbol:              symbol,
			Depth:               ob.Depth,
			MaxSequenceGap:      ob.MaxSequenceGap,
			ResyncThreshold:     time.Duration(ob.ResyncThresholdMs) * time.Millisecond,
			ChecksumInterval:    time.Duration(ob.ChecksumIntervalMs) * time.Millisecond,
			ChecksumLevels:      ob.ChecksumLevels,
			ChecksumMismatchMax: ob.ChecksumMismatchMax,
			BufferSize:          ob.BufferSize,
		}, o.snapshotFunc(symbol))
		v.OnUpdate(o.depthPublisher(symbol))
		v.OnResync(o.resyncReporter(symbol))
		o.validators[symbol] = v
	}
	return nil
}

// Start opens one websocket connection per (symbol, stream) and launches
// the heartbeat and rules refresh loops.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("feed orchestrator already running")
	}
	o.running = true
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	for _, v := range o.validators {
		if err := v.Start(o.ctx); err != nil {
			return fmt.Errorf("start order book validator: %w", err)
		}
	}

	reconnectMin := time.Duration(o.cfg.Feed.ReconnectDelayMs) * time.Millisecond
	reconnectMax := time.Duration(o.cfg.Feed.MaxReconnectDelayMs) * time.Millisecond

	for _, sym := range o.cfg.Feed.Symbols {
		for _, stream := range o.streamNames(sym) {
			conn := newWSConnection(o.cfg.Feed.WSBaseURL, sym, stream, reconnectMin, reconnectMax, o.cfg.Feed.MaxReconnectAttempts)
			conn.tracker = o.tracker
			conn.handler = o.dispatch
			conn.onTerminal = o.streamFailed
			o.tracker.register(conn.key, stream)
			o.conns = append(o.conns, conn)
			o.wg.Add(1)
			go conn.run(o.ctx, &o.wg)
		}
	}

	o.wg.Add(2)
	go o.heartbeatLoop()
	go o.rulesRefreshLoop()

	o.log.WithFields(logger.Fields{
		"symbols":     strings.Join(o.cfg.Feed.Symbols, ","),
		"streams":     strings.Join(o.cfg.Feed.Streams, ","),
		"connections": len(o.conns),
		"orderbook":   o.cfg.Orderbook.Enabled,
	}).Info("Feed orchestrator started")
	return nil
}

// Stop closes every connection and waits for in-flight handlers, then stops
// the validators.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.mu.Unlock()

	o.log.Info("Stopping feed orchestrator")
	o.cancel()
	o.wg.Wait()
	for _, v := range o.validators {
		v.Stop()
	}
	o.log.Info("Feed orchestrator stopped")
}

// streamNames expands the configured stream kinds for one symbol. The depth
// diff stream rides along whenever the order book validator is enabled.
func (o *Orchestrator) streamNames(symbol string) []string {
	var names []string
	for _, stream := range o.cfg.Feed.Streams {
		switch stream {
		case "kline":
			for _, interval := range o.cfg.Feed.KlineIntervals {
				names = append(names, "kline_"+interval)
			}
		case "trade":
			names = append(names, "trade")
		case "ticker":
			names = append(names, "ticker")
		}
	}
	if o.cfg.Orderbook.Enabled {
		names = append(names, "depth@"+o.cfg.Orderbook.UpdateSpeed)
	}
	return names
}

// dispatch routes a raw websocket frame to the matching normalizer based on
// the stream name.
func (o *Orchestrator) dispatch(stream string, payload []byte) {
	o.received.Add(1)
	logger.IncrementStreamRead(len(payload))

	switch {
	case strings.Contains(stream, "@kline"):
		o.handleKline(stream, payload)
	case strings.Contains(stream, "@trade"):
		o.handleTrade(stream, payload)
	case strings.Contains(stream, "@ticker"):
		o.handleTicker(stream, payload)
	case strings.Contains(stream, "@depth"):
		o.handleDepth(stream, payload)
	default:
		o.dropped.Add(1)
	}
}

// snapshotFunc builds the REST snapshot fetcher for one symbol, scheduled
// at critical priority so resyncs jump the queue.
func (o *Orchestrator) snapshotFunc(symbol string) orderbook.SnapshotFunc {
	timeout := time.Duration(o.cfg.Orderbook.SnapshotTimeoutMs) * time.Millisecond
	base := strings.TrimRight(o.cfg.RateLimit.RESTBaseURL, "/")
	return func(ctx context.Context, limit int) (*models.DepthSnapshot, error) {
		spec := ratelimit.RequestSpec{
			Method:     http.MethodGet,
			URL:        fmt.Sprintf("%s/api/v3/depth?symbol=%s&limit=%d", base, symbol, limit),
			Endpoint:   ratelimit.EndpointDepth,
			DepthLimit: limit,
		}
		res, err := o.limiter.Schedule(ctx, spec, ratelimit.PriorityCritical, timeout)
		if err != nil {
			return nil, err
		}
		if res.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("depth snapshot %s: status %d", symbol, res.StatusCode)
		}
		var snap models.DepthSnapshot
		if err := json.Unmarshal(res.Body, &snap); err != nil {
			return nil, fmt.Errorf("decode depth snapshot %s: %w", symbol, err)
		}
		logger.IncrementSnapshotRead(len(res.Body))
		return &snap, nil
	}
}

// depthPublisher emits a normalized depth event for every applied diff.
func (o *Orchestrator) depthPublisher(symbol string) func(models.DepthPayload) {
	return func(view models.DepthPayload) {
		now := time.Now().UTC().UnixMilli()
		event := &models.NormalizedEvent{
			SchemaVersion: models.SchemaVersion,
			Kind:          models.KindDepth,
			Symbol:        symbol,
			IngestTime:    now,
			RulesVersion:  o.guard.Version(),
			Lineage: models.Lineage{
				SourceType: models.SourceWebsocket,
				Channel:    models.StreamName(symbol, "depth@"+o.cfg.Orderbook.UpdateSpeed),
				Sequence:   o.sequence.Add(1),
			},
			Depth: &view,
		}
		o.publish(event, symbol, "depth")
	}
}

// resyncReporter publishes an error event whenever a validator falls back
// to a fresh snapshot.
func (o *Orchestrator) resyncReporter(symbol string) func(string) {
	return func(reason string) {
		o.publishError(symbol, "", "orderbook", reason, models.RecoveryResync)
	}
}

// streamFailed publishes a terminal error event once a connection exhausts
// its reconnect budget.
func (o *Orchestrator) streamFailed(key, symbol string, cause error) {
	o.publishError(strings.ToUpper(symbol), key, "connection",
		fmt.Sprintf("stream failed: %v", cause), models.RecoveryNone)
}

func (o *Orchestrator) publish(event *models.NormalizedEvent, symbol, dataType string) {
	o.bus.Publish(event)
	o.published.Add(1)
	if c, ok := o.perSymbol[symbol]; ok {
		c.Add(1)
	}
	if c, ok := o.perType[dataType]; ok {
		c.Add(1)
	}
}

func (o *Orchestrator) publishError(symbol, stream, stage, reason, recovery string) {
	event := &models.NormalizedEvent{
		SchemaVersion: models.SchemaVersion,
		Kind:          models.KindError,
		Symbol:        symbol,
		IngestTime:    time.Now().UTC().UnixMilli(),
		Lineage: models.Lineage{
			SourceType: models.SourceInternal,
			Channel:    stream,
			Sequence:   o.sequence.Add(1),
		},
		Error: &models.ErrorPayload{
			Stage:    stage,
			Reason:   reason,
			Recovery: recovery,
			Stream:   stream,
		},
	}
	o.bus.Publish(event)
}

// rulesRefreshLoop re-fetches the catalogue once the loaded rules pass
// their staleness bound.
func (o *Orchestrator) rulesRefreshLoop() {
	defer o.wg.Done()
	maxAge := time.Duration(o.cfg.Feed.RulesMaxAgeMs) * time.Millisecond
	check := maxAge / 10
	if check < time.Minute {
		check = time.Minute
	}
	ticker := time.NewTicker(check)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if !o.guard.IsStale(maxAge) {
				continue
			}
			info, err := rules.FetchCatalogue(o.ctx, o.rest, o.cfg.Feed.Symbols)
			if err != nil {
				o.log.WithError(err).Warn("Rules catalogue refresh failed, keeping stale rules")
				continue
			}
			if _, err := o.guard.Load(info); err != nil {
				o.log.WithError(err).Warn("Rules catalogue reload failed")
				continue
			}
			if limit := rules.RequestWeightLimit(info); limit > 0 {
				o.limiter.SetWeightLimit(limit)
			}
			o.log.WithFields(logger.Fields{
				"rules_version": o.guard.Version(),
			}).Info("Exchange rules refreshed")
		}
	}
}

func (o *Orchestrator) heartbeatLoop() {
	defer o.wg.Done()
	interval := time.Duration(o.cfg.Feed.HeartbeatIntervalMs) * time.Millisecond
	// NewTicker panics on a non-positive interval.
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.publishHeartbeat()
		}
	}
}

func (o *Orchestrator) publishHeartbeat() {
	perSymbol := make(map[string]int64, len(o.perSymbol))
	for sym, c := range o.perSymbol {
		perSymbol[sym] = c.Load()
	}
	perType := make(map[string]int64, len(o.perType))
	for t, c := range o.perType {
		perType[t] = c.Load()
	}
	var resyncs int64
	for _, v := range o.validators {
		resyncs += v.Stats().ResyncCount
	}

	hb := &models.HeartbeatPayload{
		Received:         o.received.Load(),
		Published:        o.published.Load(),
		Duplicates:       o.duplicates.Load(),
		ValidationErrors: o.validationErrors.Load(),
		Resyncs:          resyncs,
		Dropped:          o.dropped.Load(),
		PerSymbol:        perSymbol,
		PerType:          perType,
		Connections:      o.tracker.snapshot(),
	}
	event := &models.NormalizedEvent{
		SchemaVersion: models.SchemaVersion,
		Kind:          models.KindHeartbeat,
		IngestTime:    time.Now().UTC().UnixMilli(),
		Lineage: models.Lineage{
			SourceType: models.SourceInternal,
			Sequence:   o.sequence.Add(1),
		},
		Heartbeat: hb,
	}
	o.bus.Publish(event)

	o.log.LogMetric("feed", "messages_published", hb.Published, "counter", logger.Fields{
		"received":   hb.Received,
		"duplicates": hb.Duplicates,
		"dropped":    hb.Dropped,
	})

	if o.cfg.Metrics.UsedWeight {
		rl := o.limiter.Stats()
		o.log.LogMetric("ratelimit", "used_weight", rl.WeightUsed, "gauge", logger.Fields{
			"weight_max": rl.WeightMax,
			"queued":     rl.Queued,
			"backoff":    rl.BackoffActive,
		})
	}
}

// Stats exposes feed counters for tests and diagnostics.
type Stats struct {
	Received         int64
	Published        int64
	Duplicates       int64
	ValidationErrors int64
	Dropped          int64
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		Received:         o.received.Load(),
		Published:        o.published.Load(),
		Duplicates:       o.duplicates.Load(),
		ValidationErrors: o.validationErrors.Load(),
		Dropped:          o.dropped.Load(),
	}
}

// Validator exposes the per-symbol order book validator, mainly for
// diagnostics endpoints and tests.
func (o *Orchestrator) Validator(symbol string) (*orderbook.Validator, bool) {
	v, ok := o.validators[strings.ToUpper(symbol)]
	return v, ok
}
