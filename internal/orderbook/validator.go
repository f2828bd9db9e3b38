package orderbook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/laylaymen/kriptobot-sub006/logger"
	"github.com/laylaymen/kriptobot-sub006/models"
)

// State of a per-symbol validator.
type State int32

const (
	StateUninitialized State = iota
	StateSnapshotting
	StateReady
	StateResyncing
)

func (s State) String() string {
	switch s {
	case StateSnapshotting:
		return "snapshotting"
	case StateReady:
		return "ready"
	case StateResyncing:
		return "resyncing"
	default:
		return "uninitialized"
	}
}

// SnapshotFunc fetches a REST depth snapshot with the given level limit.
// The feed wires this to the rate-limit orchestrator at critical priority.
type SnapshotFunc func(ctx context.Context, limit int) (*models.DepthSnapshot, error)

type Config struct {
	Symbol              string
	Depth               int
	MaxSequenceGap      int64
	ResyncThreshold     time.Duration
	ChecksumInterval    time.Duration
	ChecksumLevels      int
	ChecksumMismatchMax int
	BufferSize          int
}

// Validator combines a REST snapshot with a websocket diff stream for one
// symbol, detecting sequence gaps and triggering resyncs.
type Validator struct {
	cfg   Config
	fetch SnapshotFunc
	log   *logger.Log

	mu           sync.Mutex
	state        State
	book         *Book
	pending      []*models.WsDepthEvent
	gapCount     int64
	droppedDiffs int64
	resyncCount  int64
	lastResyncAt time.Time

	onUpdate func(models.DepthPayload)
	onResync func(reason string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewValidator(cfg Config, fetch SnapshotFunc) *Validator {
	if cfg.Depth <= 0 {
		cfg.Depth = 1000
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.ChecksumLevels <= 0 {
		cfg.ChecksumLevels = 10
	}
	return &Validator{
		cfg:   cfg,
		fetch: fetch,
		log:   logger.GetLogger(),
		state: StateUninitialized,
		book:  NewBook(cfg.Symbol),
	}
}

// OnUpdate registers a callback invoked with a top-of-book view after each
// applied diff.
func (v *Validator) OnUpdate(fn func(models.DepthPayload)) {
	v.mu.Lock()
	v.onUpdate = fn
	v.mu.Unlock()
}

// OnResync registers a callback invoked whenever the book is discarded and
// re-established.
func (v *Validator) OnResync(fn func(reason string)) {
	v.mu.Lock()
	v.onResync = fn
	v.mu.Unlock()
}

// Start fetches the initial snapshot, drains buffered diffs and launches
// the periodic integrity probe.
func (v *Validator) Start(ctx context.Context) error {
	v.mu.Lock()
	if v.state != StateUninitialized {
		v.mu.Unlock()
		return fmt.Errorf("validator for %s already started", v.cfg.Symbol)
	}
	v.ctx, v.cancel = context.WithCancel(ctx)
	v.state = StateSnapshotting
	v.mu.Unlock()

	if err := v.loadSnapshot(v.ctx); err != nil {
		v.mu.Lock()
		v.state = StateUninitialized
		v.mu.Unlock()
		return fmt.Errorf("initial snapshot for %s: %w", v.cfg.Symbol, err)
	}

	if v.cfg.ChecksumInterval > 0 {
		v.wg.Add(1)
		go v.checksumLoop()
	}
	return nil
}

// Stop cancels the probe loop. The book stays readable.
func (v *Validator) Stop() {
	v.mu.Lock()
	cancel := v.cancel
	v.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	v.wg.Wait()
}

func (v *Validator) loadSnapshot(ctx context.Context) error {
	log := v.log.WithComponent("orderbook_validator").WithFields(logger.Fields{
		"symbol": v.cfg.Symbol,
	})

	snap, err := v.fetch(ctx, v.cfg.Depth)
	if err != nil {
		return err
	}

	v.mu.Lock()
	v.book.LoadSnapshot(snap)
	v.state = StateReady
	buffered := v.pending
	v.pending = nil
	v.mu.Unlock()

	log.WithFields(logger.Fields{
		"last_update_id": snap.LastUpdateID,
		"buffered":       len(buffered),
	}).Info("order book snapshot applied")

	// Drain diffs buffered while the snapshot was in flight.
	for _, ev := range buffered {
		v.HandleDiff(ev)
	}
	return nil
}

// HandleDiff processes one websocket diff event. Pre-ready events are held
// in a bounded buffer (oldest dropped beyond capacity); ready events must
// continue the sequence or they are dropped / trigger a resync.
func (v *Validator) HandleDiff(ev *models.WsDepthEvent) {
	v.mu.Lock()

	if v.state != StateReady {
		if len(v.pending) >= v.cfg.BufferSize {
			v.pending = v.pending[1:]
		}
		v.pending = append(v.pending, ev)
		v.mu.Unlock()
		return
	}

	last := v.book.LastUpdateID

	// An event entirely before the snapshot carries nothing new.
	if ev.FinalUpdateID <= last {
		v.mu.Unlock()
		return
	}

	if ev.FirstUpdateID > last+1 {
		gapSize := ev.FirstUpdateID - (last + 1)
		v.gapCount++
		recentResync := !v.lastResyncAt.IsZero() && time.Since(v.lastResyncAt) < v.cfg.ResyncThreshold

		if gapSize > v.cfg.MaxSequenceGap || recentResync {
			v.mu.Unlock()
			v.resync(fmt.Sprintf("sequence gap of %d at update %d", gapSize, ev.FirstUpdateID))
			return
		}

		// Small gap: drop the violating message, keep the book.
		v.droppedDiffs++
		v.mu.Unlock()
		v.log.WithComponent("orderbook_validator").WithFields(logger.Fields{
			"symbol":         v.cfg.Symbol,
			"gap":            gapSize,
			"first_update":   ev.FirstUpdateID,
			"last_update_id": last,
		}).Warn("dropping out-of-sequence depth diff")
		return
	}

	v.book.Apply(ev)
	payload := v.viewLocked()
	onUpdate := v.onUpdate
	v.mu.Unlock()

	if onUpdate != nil {
		onUpdate(payload)
	}
}

func (v *Validator) viewLocked() models.DepthPayload {
	n := v.cfg.ChecksumLevels
	if n < 10 {
		n = 10
	}
	return models.DepthPayload{
		LastUpdateID: v.book.LastUpdateID,
		Bids:         v.book.TopBids(n),
		Asks:         v.book.TopAsks(n),
		Spread:       v.book.Spread(),
	}
}

// resync discards the book and re-establishes it from a fresh snapshot.
func (v *Validator) resync(reason string) {
	v.mu.Lock()
	if v.state == StateResyncing || v.state == StateSnapshotting {
		v.mu.Unlock()
		return
	}
	v.state = StateResyncing
	v.book = NewBook(v.cfg.Symbol)
	v.resyncCount++
	v.lastResyncAt = time.Now()
	onResync := v.onResync
	ctx := v.ctx
	v.mu.Unlock()

	v.log.WithComponent("orderbook_validator").WithFields(logger.Fields{
		"symbol": v.cfg.Symbol,
		"reason": reason,
	}).Warn("resyncing order book")

	if onResync != nil {
		onResync(reason)
	}

	if err := v.loadSnapshot(ctx); err != nil {
		v.log.WithComponent("orderbook_validator").WithError(err).WithFields(logger.Fields{
			"symbol": v.cfg.Symbol,
		}).Error("resync snapshot failed")
		v.mu.Lock()
		// Diffs keep buffering until the next probe tick retries.
		v.state = StateSnapshotting
		v.mu.Unlock()
	}
}

// checksumLoop periodically fetches a shallow snapshot and compares the top
// levels against the live book. This is a heuristic integrity probe, not a
// cryptographic checksum.
func (v *Validator) checksumLoop() {
	defer v.wg.Done()

	ticker := time.NewTicker(v.cfg.ChecksumInterval)
	defer ticker.Stop()

	for {
		select {
		case <-v.ctx.Done():
			return
		case <-ticker.C:
			v.runChecksum()
		}
	}
}

func (v *Validator) runChecksum() {
	v.mu.Lock()
	state := v.state
	v.mu.Unlock()

	if state == StateSnapshotting {
		// A previous resync snapshot failed; retry it here.
		if err := v.loadSnapshot(v.ctx); err != nil {
			v.log.WithComponent("orderbook_validator").WithError(err).WithFields(logger.Fields{
				"symbol": v.cfg.Symbol,
			}).Warn("snapshot retry failed")
		}
		return
	}
	if state != StateReady {
		return
	}

	snap, err := v.fetch(v.ctx, v.cfg.ChecksumLevels)
	if err != nil {
		v.log.WithComponent("orderbook_validator").WithError(err).WithFields(logger.Fields{
			"symbol": v.cfg.Symbol,
		}).Warn("integrity probe fetch failed")
		return
	}

	v.mu.Lock()
	mismatches := countMismatches(v.book.Bids, snap.Bids, v.cfg.ChecksumLevels) +
		countMismatches(v.book.Asks, snap.Asks, v.cfg.ChecksumLevels)
	v.mu.Unlock()

	if mismatches > v.cfg.ChecksumMismatchMax {
		v.resync(fmt.Sprintf("integrity probe found %d mismatched levels", mismatches))
	}
}

// countMismatches counts snapshot levels within the top n that the live
// book disagrees with.
func countMismatches(side Side, levels [][]string, n int) int {
	mismatches := 0
	for i, lv := range levels {
		if i >= n || len(lv) < 2 {
			break
		}
		if got, ok := side[lv[0]]; !ok || got != lv[1] {
			mismatches++
		}
	}
	return mismatches
}

// Stats is a point-in-time view used by heartbeats and tests.
type Stats struct {
	Symbol       string
	State        State
	LastUpdateID int64
	GapCount     int64
	DroppedDiffs int64
	ResyncCount  int64
	Buffered     int
}

func (v *Validator) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Stats{
		Symbol:       v.cfg.Symbol,
		State:        v.state,
		LastUpdateID: v.book.LastUpdateID,
		GapCount:     v.gapCount,
		DroppedDiffs: v.droppedDiffs,
		ResyncCount:  v.resyncCount,
		Buffered:     len(v.pending),
	}
}

// TopBids returns a sorted view of the n best bids.
func (v *Validator) TopBids(n int) []models.Level {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.book.TopBids(n)
}

// TopAsks returns a sorted view of the n best asks.
func (v *Validator) TopAsks(n int) []models.Level {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.book.TopAsks(n)
}

// Spread returns best ask minus best bid.
func (v *Validator) Spread() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.book.Spread()
}

// State returns the current state machine position.
func (v *Validator) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}
