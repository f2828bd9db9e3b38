package models

import (
	"fmt"
	"strings"
)

// SchemaVersion identifies the normalized event schema carried on the bus.
const SchemaVersion = "umf-1"

type EventKind string

const (
	KindKline     EventKind = "kline"
	KindTrade     EventKind = "trade"
	KindTicker    EventKind = "ticker"
	KindDepth     EventKind = "depth"
	KindError     EventKind = "error"
	KindHeartbeat EventKind = "heartbeat"
)

type SourceType string

const (
	SourceWebsocket SourceType = "websocket"
	SourceRest      SourceType = "rest"
	SourceInternal  SourceType = "internal"
)

// Lineage records where an event came from and its position in the
// process-wide total order. Sequence is strictly increasing and never
// reused within a process lifetime.
type Lineage struct {
	SourceType SourceType `json:"source_type"`
	Channel    string     `json:"channel"`
	Sequence   int64      `json:"sequence"`
}

// NormalizedEvent is the single outbound schema for every message the
// feed republishes. Exactly one kind-specific payload is set, matching Kind.
type NormalizedEvent struct {
	SchemaVersion string    `json:"schema_version"`
	Kind          EventKind `json:"kind"`
	Symbol        string    `json:"symbol,omitempty"`
	SourceTime    int64     `json:"source_time_ms,omitempty"`
	IngestTime    int64     `json:"ingest_time_ms"`
	DriftMs       int64     `json:"drift_ms,omitempty"`
	RulesVersion  int64     `json:"rules_version,omitempty"`
	Lineage       Lineage   `json:"lineage"`

	Kline     *KlinePayload     `json:"kline,omitempty"`
	Trade     *TradePayload     `json:"trade,omitempty"`
	Ticker    *TickerPayload    `json:"ticker,omitempty"`
	Depth     *DepthPayload     `json:"depth,omitempty"`
	Error     *ErrorPayload     `json:"error,omitempty"`
	Heartbeat *HeartbeatPayload `json:"heartbeat,omitempty"`
}

type KlinePayload struct {
	Interval    string  `json:"interval"`
	OpenTime    int64   `json:"open_time"`
	CloseTime   int64   `json:"close_time"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	QuoteVolume float64 `json:"quote_volume"`
	TradeCount  int64   `json:"trade_count"`
	Final       bool    `json:"final"`
}

type TradePayload struct {
	TradeID      int64   `json:"trade_id"`
	Price        float64 `json:"price"`
	Quantity     float64 `json:"quantity"`
	TradeTime    int64   `json:"trade_time"`
	IsBuyerMaker bool    `json:"is_buyer_maker"`
}

type TickerPayload struct {
	LastPrice          float64 `json:"last_price"`
	Open               float64 `json:"open"`
	High               float64 `json:"high"`
	Low                float64 `json:"low"`
	BaseVolume         float64 `json:"base_volume"`
	QuoteVolume        float64 `json:"quote_volume"`
	PriceChangePercent float64 `json:"price_change_percent"`
	WeightedAvgPrice   float64 `json:"weighted_avg_price"`
	TradeCount         int64   `json:"trade_count"`
}

// Level is one side entry of an order book view, parsed to floats for
// downstream consumers. The book itself keys on the decimal string.
type Level struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

type DepthPayload struct {
	LastUpdateID int64   `json:"last_update_id"`
	Bids         []Level `json:"bids"`
	Asks         []Level `json:"asks"`
	Spread       float64 `json:"spread"`
}

// Recovery hints for error events.
const (
	RecoverySkip   = "SKIP"
	RecoveryResync = "RESYNC"
	RecoveryRetry  = "RETRY"
	RecoveryNone   = "NONE"
)

type ErrorPayload struct {
	Stage    string `json:"stage"`
	Reason   string `json:"reason"`
	Recovery string `json:"recovery"`
	Stream   string `json:"stream,omitempty"`
}

type HeartbeatPayload struct {
	Received         int64             `json:"received"`
	Published        int64             `json:"published"`
	Duplicates       int64             `json:"duplicates"`
	ValidationErrors int64             `json:"validation_errors"`
	Resyncs          int64             `json:"resyncs"`
	Dropped          int64             `json:"dropped"`
	PerSymbol        map[string]int64  `json:"per_symbol,omitempty"`
	PerType          map[string]int64  `json:"per_type,omitempty"`
	Connections      map[string]string `json:"connections,omitempty"`
}

// Topic returns the bus topic for the event: <kind>.<symbol>[.<interval>],
// with heartbeat and error events on their own top-level topics.
func (e *NormalizedEvent) Topic() string {
	switch e.Kind {
	case KindHeartbeat:
		return "heartbeat"
	case KindError:
		if e.Symbol != "" {
			return fmt.Sprintf("error.%s", e.Symbol)
		}
		return "error"
	case KindKline:
		if e.Kline != nil && e.Kline.Interval != "" {
			return fmt.Sprintf("kline.%s.%s", e.Symbol, e.Kline.Interval)
		}
	}
	return fmt.Sprintf("%s.%s", e.Kind, e.Symbol)
}

// StreamName builds the exchange stream name for a (symbol, stream) pair,
// e.g. btcusdt@kline_1m. The same name is reused on every reconnect attempt.
func StreamName(symbol, stream string) string {
	return fmt.Sprintf("%s@%s", strings.ToLower(symbol), stream)
}
