package orderbook

import (
	"testing"

	"github.com/laylaymen/kriptobot-sub006/models"
)

func TestLoadSnapshotAndTops(t *testing.T) {
	b := NewBook("BTCUSDT")
	b.LoadSnapshot(&models.DepthSnapshot{
		LastUpdateID: 100,
		Bids:         [][]string{{"100.00", "1.5"}, {"99.50", "2.0"}, {"101.00", "0.3"}},
		Asks:         [][]string{{"102.00", "1.0"}, {"101.50", "0.7"}},
	})

	if b.LastUpdateID != 100 {
		t.Fatalf("expected last update id 100, got %d", b.LastUpdateID)
	}
	bids := b.TopBids(2)
	if len(bids) != 2 || bids[0].Price != 101.00 || bids[1].Price != 100.00 {
		t.Fatalf("unexpected top bids: %+v", bids)
	}
	asks := b.TopAsks(1)
	if len(asks) != 1 || asks[0].Price != 101.50 {
		t.Fatalf("unexpected top asks: %+v", asks)
	}
	if spread := b.Spread(); spread != 0.5 {
		t.Fatalf("expected spread 0.5, got %v", spread)
	}
}

func TestApplyUpsertsAndDeletes(t *testing.T) {
	b := NewBook("BTCUSDT")
	b.LoadSnapshot(&models.DepthSnapshot{
		LastUpdateID: 10,
		Bids:         [][]string{{"100.00", "1.0"}},
		Asks:         [][]string{{"101.00", "1.0"}},
	})

	b.Apply(&models.WsDepthEvent{
		FirstUpdateID: 11,
		FinalUpdateID: 12,
		Bids:          [][]string{{"100.00", "2.5"}, {"99.00", "1.0"}},
		Asks:          [][]string{{"101.00", "0.000"}},
	})

	if b.LastUpdateID != 12 {
		t.Fatalf("expected last update id 12, got %d", b.LastUpdateID)
	}
	if got := b.Bids["100.00"]; got != "2.5" {
		t.Fatalf("expected bid level updated to 2.5, got %q", got)
	}
	if _, ok := b.Asks["101.00"]; ok {
		t.Fatal("zero quantity must delete the level")
	}
	if len(b.Bids) != 2 {
		t.Fatalf("expected 2 bid levels, got %d", len(b.Bids))
	}
}

func TestSpreadEmptySide(t *testing.T) {
	b := NewBook("BTCUSDT")
	b.Bids["100.00"] = "1.0"
	if b.Spread() != 0 {
		t.Fatal("spread with an empty side must be 0")
	}
}

func TestDistinctStringKeysStayDistinct(t *testing.T) {
	b := NewBook("BTCUSDT")
	b.Apply(&models.WsDepthEvent{
		FinalUpdateID: 1,
		Bids:          [][]string{{"100.0", "1"}, {"100.00", "2"}},
	})
	if len(b.Bids) != 2 {
		t.Fatalf("string price keys must not collapse, got %d levels", len(b.Bids))
	}
}
