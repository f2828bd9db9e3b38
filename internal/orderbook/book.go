package orderbook

import (
	"sort"
	"strconv"

	"github.com/laylaymen/kriptobot-sub006/models"
)

// Side maps decimal price strings to quantity strings. Keying on the
// string avoids floating-point key collisions between equal prices with
// different binary representations.
type Side map[string]string

// Book is the per-symbol order book state. Mutated only by its owning
// validator; reads go through the validator's lock.
type Book struct {
	Symbol       string
	LastUpdateID int64
	Bids         Side
	Asks         Side
}

func NewBook(symbol string) *Book {
	return &Book{
		Symbol: symbol,
		Bids:   make(Side),
		Asks:   make(Side),
	}
}

// LoadSnapshot clears and repopulates both sides from a REST snapshot.
func (b *Book) LoadSnapshot(snap *models.DepthSnapshot) {
	b.LastUpdateID = snap.LastUpdateID
	b.Bids = make(Side, len(snap.Bids))
	b.Asks = make(Side, len(snap.Asks))
	for _, lv := range snap.Bids {
		if len(lv) < 2 {
			continue
		}
		b.Bids[lv[0]] = lv[1]
	}
	for _, lv := range snap.Asks {
		if len(lv) < 2 {
			continue
		}
		b.Asks[lv[0]] = lv[1]
	}
}

// Apply folds a diff into the book: zero quantity deletes the level,
// anything else upserts. Sequence integrity is the validator's job.
func (b *Book) Apply(ev *models.WsDepthEvent) {
	applySide(b.Bids, ev.Bids)
	applySide(b.Asks, ev.Asks)
	b.LastUpdateID = ev.FinalUpdateID
}

func applySide(side Side, levels [][]string) {
	for _, lv := range levels {
		if len(lv) < 2 {
			continue
		}
		price, qty := lv[0], lv[1]
		if qtyIsZero(qty) {
			delete(side, price)
		} else {
			side[price] = qty
		}
	}
}

func qtyIsZero(q string) bool {
	f, err := strconv.ParseFloat(q, 64)
	if err != nil {
		return false
	}
	return f == 0
}

// TopBids returns the n highest bid levels, computed on demand.
func (b *Book) TopBids(n int) []models.Level {
	return topLevels(b.Bids, n, true)
}

// TopAsks returns the n lowest ask levels.
func (b *Book) TopAsks(n int) []models.Level {
	return topLevels(b.Asks, n, false)
}

// Spread is best ask minus best bid. Zero when either side is empty.
func (b *Book) Spread() float64 {
	bids := b.TopBids(1)
	asks := b.TopAsks(1)
	if len(bids) == 0 || len(asks) == 0 {
		return 0
	}
	return asks[0].Price - bids[0].Price
}

func topLevels(side Side, n int, desc bool) []models.Level {
	levels := make([]models.Level, 0, len(side))
	for p, q := range side {
		price, err1 := strconv.ParseFloat(p, 64)
		qty, err2 := strconv.ParseFloat(q, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		levels = append(levels, models.Level{Price: price, Quantity: qty})
	}
	sort.Slice(levels, func(i, j int) bool {
		if desc {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
	if n > 0 && len(levels) > n {
		levels = levels[:n]
	}
	return levels
}
