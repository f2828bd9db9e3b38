package rawstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/laylaymen/kriptobot-sub006/config"
	"github.com/laylaymen/kriptobot-sub006/logger"
	"github.com/laylaymen/kriptobot-sub006/models"
)

// Config controls the raw message store.
type Config struct {
	Root           string
	Compress       bool
	Partition      string // "hourly" or "daily"
	FlushInterval  time.Duration
	MaxBufferSize  int
	FeatureHistory int
	S3             config.S3Config
}

// RecordMeta carries per-message context the caller already extracted from
// the payload, so the store does not have to re-parse it.
type RecordMeta struct {
	SourceTimestamp int64
	Sequence        int64
}

// Store buffers incoming raw messages per (symbol, dataType) and flushes
// them into time-partitioned JSON files, optionally gzip-compressed and
// mirrored to S3.
type Store struct {
	cfg Config
	log *logger.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	running  bool
	buffers  map[string][]models.RawRecord
	features map[string]*featureSeries
	onError  func(error)

	mirror *s3Mirror

	flushCount    atomic.Int64
	writeFailures atomic.Int64
	storedCount   atomic.Int64
}

// NewStore validates the configuration and prepares the store. The root
// directory is created eagerly so a misconfigured path fails at startup
// rather than at the first flush.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("rawstore: root directory is required")
	}
	if cfg.Partition != "hourly" && cfg.Partition != "daily" {
		return nil, fmt.Errorf("rawstore: partition must be hourly or daily, got %q", cfg.Partition)
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = 1000
	}
	if cfg.FeatureHistory <= 0 {
		cfg.FeatureHistory = 200
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("rawstore: create root: %w", err)
	}

	s := &Store{
		cfg:      cfg,
		log:      logger.GetLogger().WithComponent("rawstore"),
		buffers:  make(map[string][]models.RawRecord),
		features: make(map[string]*featureSeries),
	}
	if cfg.S3.Enabled {
		m, err := newS3Mirror(cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("rawstore: init s3 mirror: %w", err)
		}
		s.mirror = m
	}
	return s, nil
}

// SetErrorHandler installs a callback invoked on write failures. Must be
// called before Start.
func (s *Store) SetErrorHandler(fn func(error)) {
	s.onError = fn
}

// Start launches the periodic flush loop.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("rawstore: already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.log.WithFields(logger.Fields{
		"root":        s.cfg.Root,
		"partition":   s.cfg.Partition,
		"compress":    s.cfg.Compress,
		"flush_every": s.cfg.FlushInterval.String(),
		"s3_mirror":   s.mirror != nil,
	}).Info("Raw store started")

	s.wg.Add(1)
	go s.flushLoop()
	return nil
}

// Stop halts the flush loop and performs a final flush of all buffers.
// Pending data is written even though the rest of the pipeline is already
// shutting down.
func (s *Store) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.FlushAll("shutdown")
	s.log.Info("Raw store stopped")
}

func (s *Store) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.FlushAll("interval")
		}
	}
}

func bufferKey(symbol, dataType string) string {
	return symbol + "|" + dataType
}

// Store appends one raw message to the matching buffer. When the buffer
// reaches MaxBufferSize it is flushed inline.
func (s *Store) Store(symbol, dataType string, payload []byte, meta RecordMeta) error {
	if symbol == "" || dataType == "" {
		return fmt.Errorf("rawstore: symbol and dataType are required")
	}
	now := time.Now().UTC().UnixMilli()
	rec := models.RawRecord{
		ReceivedAt:      now,
		Symbol:          symbol,
		DataType:        dataType,
		SourceTimestamp: meta.SourceTimestamp,
		Sequence:        meta.Sequence,
		Payload:         json.RawMessage(append([]byte(nil), payload...)),
	}
	if meta.SourceTimestamp > 0 {
		rec.LatencyMs = now - meta.SourceTimestamp
	}
	s.storedCount.Add(1)

	key := bufferKey(symbol, dataType)
	s.mu.Lock()
	s.buffers[key] = append(s.buffers[key], rec)
	var pending []models.RawRecord
	if len(s.buffers[key]) >= s.cfg.MaxBufferSize {
		pending = s.buffers[key]
		s.buffers[key] = nil
	}
	s.mu.Unlock()

	if pending != nil {
		s.flushRecords(symbol, dataType, pending, "buffer_full")
	}
	return nil
}

// FlushAll drains every non-empty buffer to disk.
func (s *Store) FlushAll(reason string) {
	s.mu.Lock()
	drained := make(map[string][]models.RawRecord, len(s.buffers))
	for key, recs := range s.buffers {
		if len(recs) == 0 {
			continue
		}
		drained[key] = recs
		s.buffers[key] = nil
	}
	s.mu.Unlock()

	for key, recs := range drained {
		parts := strings.SplitN(key, "|", 2)
		s.flushRecords(parts[0], parts[1], recs, reason)
	}
}

// flushRecords groups records by partition window and writes each group.
// On a write failure the group's records are returned to the buffer so the
// next flush retries them.
func (s *Store) flushRecords(symbol, dataType string, records []models.RawRecord, reason string) {
	daily := s.cfg.Partition == "daily"
	groups := make(map[time.Time][]models.RawRecord)
	for _, rec := range records {
		win := partitionStart(rec.ReceivedTime(), daily)
		groups[win] = append(groups[win], rec)
	}

	for win, group := range groups {
		path := partitionPath(s.cfg.Root, symbol, dataType, win, daily, s.cfg.Compress)
		size, err := s.writeGroup(path, symbol, dataType, group)
		if err != nil {
			s.writeFailures.Add(1)
			s.log.WithError(err).WithFields(logger.Fields{
				"symbol":    symbol,
				"data_type": dataType,
				"path":      path,
				"messages":  len(group),
			}).Error("Partition write failed, retaining buffer")
			s.requeue(symbol, dataType, group)
			if s.onError != nil {
				s.onError(fmt.Errorf("rawstore: write %s: %w", path, err))
			}
			continue
		}

		s.flushCount.Add(1)
		logger.IncrementFlushWrite(size)
		s.log.WithFields(logger.Fields{
			"symbol":    symbol,
			"data_type": dataType,
			"path":      path,
			"messages":  len(group),
			"bytes":     size,
			"reason":    reason,
		}).Debug("Partition flushed")

		if s.mirror != nil {
			rel, relErr := filepath.Rel(s.cfg.Root, path)
			if relErr != nil {
				rel = filepath.Base(path)
			}
			s.mirrorUpload(path, filepath.ToSlash(rel))
		}
	}
}

// writeGroup merges the new records into an existing partition file when one
// is already on disk, so repeated flushes within the same window accumulate.
func (s *Store) writeGroup(path, symbol, dataType string, group []models.RawRecord) (int64, error) {
	records := group
	if existing, err := readPartition(path); err == nil {
		records = append(existing.Records, group...)
	} else if !os.IsNotExist(err) {
		s.log.WithError(err).WithFields(logger.Fields{"path": path}).
			Warn("Existing partition unreadable, rewriting from buffer")
	}

	pf := &models.PartitionFile{
		Meta: models.PartitionMeta{
			FlushID:   uuid.NewString(),
			Symbol:    symbol,
			DataType:  dataType,
			WrittenAt: time.Now().UTC().UnixMilli(),
		},
		Records: records,
	}
	return writePartition(path, pf, s.cfg.Compress)
}

func (s *Store) requeue(symbol, dataType string, records []models.RawRecord) {
	key := bufferKey(symbol, dataType)
	s.mu.Lock()
	s.buffers[key] = append(records, s.buffers[key]...)
	s.mu.Unlock()
}

func (s *Store) mirrorUpload(path, key string) {
	data, err := os.ReadFile(path)
	if err != nil {
		s.log.WithError(err).WithFields(logger.Fields{"path": path}).
			Warn("S3 mirror skipped, partition unreadable")
		return
	}
	// Uploads get their own context so the final shutdown flush still mirrors.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.mirror.upload(ctx, key, data); err != nil {
		s.log.WithError(err).WithFields(logger.Fields{"key": key}).
			Warn("S3 mirror upload failed")
		return
	}
	logger.IncrementMirrorUpload(int64(len(data)))
}

// Read returns all stored records for (symbol, dataType) whose ReceivedAt
// falls within [start, end], sorted ascending.
func (s *Store) Read(symbol, dataType string, start, end time.Time) ([]models.RawRecord, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("rawstore: end before start")
	}
	daily := s.cfg.Partition == "daily"
	step := partitionStep(daily)

	var out []models.RawRecord
	for win := partitionStart(start, daily); !win.After(end); win = win.Add(step) {
		path := partitionPath(s.cfg.Root, symbol, dataType, win, daily, s.cfg.Compress)
		pf, err := readPartition(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, rec := range pf.Records {
			t := rec.ReceivedTime()
			if t.Before(start) || t.After(end) {
				continue
			}
			out = append(out, rec)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt < out[j].ReceivedAt })
	return out, nil
}

// Stats reports flush counters for the heartbeat.
func (s *Store) Stats() (stored, flushes, failures int64) {
	return s.storedCount.Load(), s.flushCount.Load(), s.writeFailures.Load()
}
