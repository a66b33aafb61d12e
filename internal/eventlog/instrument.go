package eventlog

import (
	"context"
	"time"

	"github.com/mystify/realtime/internal/metrics"
)

// Instrumented records append counts and latency for the wrapped store.
type Instrumented struct {
	Store
}

// Instrument wraps s with metrics.
func Instrument(s Store) *Instrumented {
	return &Instrumented{Store: s}
}

// Append implements Store. Idempotent replays are not counted as appends.
func (s *Instrumented) Append(ctx context.Context, req AppendRequest) (AppendResult, error) {
	start := time.Now()
	res, err := s.Store.Append(ctx, req)
	metrics.AppendLatency.Observe(time.Since(start).Seconds())
	if err == nil && !res.Duplicate {
		metrics.EventsAppended.WithLabelValues(string(req.Kind)).Inc()
	}
	return res, err
}
