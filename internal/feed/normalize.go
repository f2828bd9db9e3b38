package feed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/laylaymen/kriptobot-sub006/internal/rawstore"
	"github.com/laylaymen/kriptobot-sub006/models"
)

// parseF accumulates the first conversion error so a handler can convert a
// whole payload and check once.
func parseF(s string, errp *error) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil && *errp == nil {
		*errp = fmt.Errorf("parse number %q: %w", s, err)
	}
	return v
}

func symbolFromStream(stream string) string {
	if i := strings.Index(stream, "@"); i > 0 {
		return strings.ToUpper(stream[:i])
	}
	return strings.ToUpper(stream)
}

func (o *Orchestrator) malformed(stream string, err error) {
	o.dropped.Add(1)
	o.publishError(symbolFromStream(stream), stream, "decode", err.Error(), models.RecoverySkip)
}

func (o *Orchestrator) handleKline(stream string, payload []byte) {
	var ev models.WsKlineEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		o.malformed(stream, err)
		return
	}
	k := ev.Kline

	// Closed candles are immutable, so their identity is the candle window.
	// In-progress updates for the same window are all distinct.
	var key string
	if k.IsFinal {
		key = fmt.Sprintf("kline|%s|%s|%d|%d", ev.Symbol, k.Interval, k.StartTime, k.CloseTime)
	} else {
		key = fmt.Sprintf("kline|%s|%s|%d|%d|%d", ev.Symbol, k.Interval, k.StartTime, k.CloseTime, ev.EventTime)
	}
	if o.dedupe.Seen(key) {
		o.duplicates.Add(1)
		return
	}

	seq := o.sequence.Add(1)
	o.store.Store(ev.Symbol, "kline_"+k.Interval, payload, rawstore.RecordMeta{
		SourceTimestamp: ev.EventTime,
		Sequence:        seq,
	})

	var parseErr error
	kp := &models.KlinePayload{
		Interval:    k.Interval,
		OpenTime:    k.StartTime,
		CloseTime:   k.CloseTime,
		Open:        parseF(k.Open, &parseErr),
		High:        parseF(k.High, &parseErr),
		Low:         parseF(k.Low, &parseErr),
		Close:       parseF(k.Close, &parseErr),
		Volume:      parseF(k.Volume, &parseErr),
		QuoteVolume: parseF(k.QuoteVolume, &parseErr),
		TradeCount:  k.TradeCount,
		Final:       k.IsFinal,
	}
	if parseErr != nil {
		o.malformed(stream, parseErr)
		return
	}

	if k.IsFinal {
		o.store.UpdateKlineFeatures(ev.Symbol, k.Interval, kp.Close, kp.Volume)
	}

	now := time.Now().UTC().UnixMilli()
	o.publish(&models.NormalizedEvent{
		SchemaVersion: models.SchemaVersion,
		Kind:          models.KindKline,
		Symbol:        ev.Symbol,
		SourceTime:    ev.EventTime,
		IngestTime:    now,
		DriftMs:       now - ev.EventTime,
		RulesVersion:  o.guard.Version(),
		Lineage: models.Lineage{
			SourceType: models.SourceWebsocket,
			Channel:    stream,
			Sequence:   seq,
		},
		Kline: kp,
	}, ev.Symbol, "kline")
}

func (o *Orchestrator) handleTrade(stream string, payload []byte) {
	var ev models.WsTradeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		o.malformed(stream, err)
		return
	}

	key := fmt.Sprintf("trade|%s|%d|%d", ev.Symbol, ev.TradeID, ev.TradeTime)
	if o.dedupe.Seen(key) {
		o.duplicates.Add(1)
		return
	}

	seq := o.sequence.Add(1)
	o.store.Store(ev.Symbol, "trade", payload, rawstore.RecordMeta{
		SourceTimestamp: ev.EventTime,
		Sequence:        seq,
	})

	var parseErr error
	tp := &models.TradePayload{
		TradeID:      ev.TradeID,
		Price:        parseF(ev.Price, &parseErr),
		Quantity:     parseF(ev.Quantity, &parseErr),
		TradeTime:    ev.TradeTime,
		IsBuyerMaker: ev.IsBuyerMaker,
	}
	if parseErr != nil {
		o.malformed(stream, parseErr)
		return
	}

	// Trades off the exchange's own price/lot grid indicate a rules drift;
	// flag and skip rather than forward bad data.
	if err := o.guard.AssertPrice(ev.Symbol, tp.Price); err != nil {
		o.rulesViolation(ev.Symbol, stream, err)
		return
	}
	if err := o.guard.AssertLotSize(ev.Symbol, tp.Quantity); err != nil {
		o.rulesViolation(ev.Symbol, stream, err)
		return
	}

	now := time.Now().UTC().UnixMilli()
	o.publish(&models.NormalizedEvent{
		SchemaVersion: models.SchemaVersion,
		Kind:          models.KindTrade,
		Symbol:        ev.Symbol,
		SourceTime:    ev.EventTime,
		IngestTime:    now,
		DriftMs:       now - ev.EventTime,
		RulesVersion:  o.guard.Version(),
		Lineage: models.Lineage{
			SourceType: models.SourceWebsocket,
			Channel:    stream,
			Sequence:   seq,
		},
		Trade: tp,
	}, ev.Symbol, "trade")
}

func (o *Orchestrator) rulesViolation(symbol, stream string, err error) {
	o.validationErrors.Add(1)
	o.publishError(symbol, stream, "rules", err.Error(), models.RecoverySkip)
}

func (o *Orchestrator) handleTicker(stream string, payload []byte) {
	var ev models.WsTickerEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		o.malformed(stream, err)
		return
	}

	key := fmt.Sprintf("ticker|%s|%d", ev.Symbol, ev.EventTime)
	if o.dedupe.Seen(key) {
		o.duplicates.Add(1)
		return
	}

	seq := o.sequence.Add(1)
	o.store.Store(ev.Symbol, "ticker", payload, rawstore.RecordMeta{
		SourceTimestamp: ev.EventTime,
		Sequence:        seq,
	})

	var parseErr error
	tp := &models.TickerPayload{
		LastPrice:          parseF(ev.LastPrice, &parseErr),
		Open:               parseF(ev.Open, &parseErr),
		High:               parseF(ev.High, &parseErr),
		Low:                parseF(ev.Low, &parseErr),
		BaseVolume:         parseF(ev.BaseVolume, &parseErr),
		QuoteVolume:        parseF(ev.QuoteVolume, &parseErr),
		PriceChangePercent: parseF(ev.PriceChangePercent, &parseErr),
		WeightedAvgPrice:   parseF(ev.WeightedAvgPrice, &parseErr),
		TradeCount:         ev.TradeCount,
	}
	if parseErr != nil {
		o.malformed(stream, parseErr)
		return
	}

	now := time.Now().UTC().UnixMilli()
	o.publish(&models.NormalizedEvent{
		SchemaVersion: models.SchemaVersion,
		Kind:          models.KindTicker,
		Symbol:        ev.Symbol,
		SourceTime:    ev.EventTime,
		IngestTime:    now,
		DriftMs:       now - ev.EventTime,
		RulesVersion:  o.guard.Version(),
		Lineage: models.Lineage{
			SourceType: models.SourceWebsocket,
			Channel:    stream,
			Sequence:   seq,
		},
		Ticker: tp,
	}, ev.Symbol, "ticker")
}

func (o *Orchestrator) handleDepth(stream string, payload []byte) {
	var ev models.WsDepthEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		o.malformed(stream, err)
		return
	}

	key := fmt.Sprintf("depth|%s|%d", ev.Symbol, ev.FinalUpdateID)
	if o.dedupe.Seen(key) {
		o.duplicates.Add(1)
		return
	}

	// Depth records carry the exchange update id, not a lineage sequence:
	// replayed diffs need it to re-run the book sequencing rules, and the
	// published event (if any) is produced later by the validator.
	o.store.Store(ev.Symbol, "depth", payload, rawstore.RecordMeta{
		SourceTimestamp: ev.EventTime,
		Sequence:        ev.FinalUpdateID,
	})

	o.mu.RLock()
	v := o.validators[strings.ToUpper(ev.Symbol)]
	o.mu.RUnlock()
	if v != nil {
		v.HandleDiff(&ev)
	}
}
