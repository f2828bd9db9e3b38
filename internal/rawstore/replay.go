package rawstore

import (
	"context"
	"time"

	"github.com/laylaymen/kriptobot-sub006/models"
)

// Replay streams stored records for (symbol, dataType) in ReceivedAt order,
// pacing delivery by the original inter-message gaps scaled by speed. A
// speed of 2 halves the gaps; a speed of 0 disables pacing and emits records
// as fast as the consumer reads them. The channel is closed when the range
// is exhausted or ctx is cancelled.
func (s *Store) Replay(ctx context.Context, symbol, dataType string, start, end time.Time, speed float64) (<-chan models.RawRecord, error) {
	records, err := s.Read(symbol, dataType, start, end)
	if err != nil {
		return nil, err
	}

	ch := make(chan models.RawRecord)
	go func() {
		defer close(ch)
		var prev int64
		for _, rec := range records {
			if prev != 0 && speed > 0 && rec.ReceivedAt > prev {
				gap := time.Duration(float64(rec.ReceivedAt-prev)/speed) * time.Millisecond
				timer := time.NewTimer(gap)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			select {
			case <-ctx.Done():
				return
			case ch <- rec:
			}
			prev = rec.ReceivedAt
		}
	}()
	return ch, nil
}
