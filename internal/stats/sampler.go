// Package stats periodically reduces raw transport statistics into
// human-meaningful connection samples: latency, loss, bandwidth and an
// overall quality grade.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pairview/pairview/internal/session"
)

// Grade buckets overall connection quality.
type Grade int

const (
	GradeExcellent Grade = iota
	GradeGood
	GradeFair
	GradePoor
)

func (g Grade) String() string {
	switch g {
	case GradeExcellent:
		return "excellent"
	case GradeGood:
		return "good"
	case GradeFair:
		return "fair"
	}
	return "poor"
}

// GradeOf grades one dimension set: the result is the worst bucket any
// single dimension falls into.
func GradeOf(latencyMs, lossPercent, bandwidthMbps float64) Grade {
	switch {
	case latencyMs < 50 && lossPercent < 0.5 && bandwidthMbps > 4:
		return GradeExcellent
	case latencyMs < 150 && lossPercent < 2 && bandwidthMbps > 2:
		return GradeGood
	case latencyMs < 300 && lossPercent < 5 && bandwidthMbps > 1:
		return GradeFair
	}
	return GradePoor
}

// Sample is one observation window.
type Sample struct {
	LatencyMs     float64
	LossPercent   float64
	BandwidthMbps float64
	Grade         Grade
	Timestamp     time.Time
}

// Source yields raw transport statistics. *session.Session satisfies
// it.
type Source interface {
	Stats() (session.TransportStats, error)
}

// Sampler polls a source on a fixed interval, differentiates the
// monotonic counters and fans samples out to subscribers. Read-only:
// it never influences the transport it observes.
type Sampler struct {
	src      Source
	interval time.Duration

	mu     sync.Mutex
	last   *session.TransportStats
	subs   map[int]func(Sample)
	nextID int
}

func NewSampler(src Source, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Sampler{
		src:      src,
		interval: interval,
		subs:     make(map[int]func(Sample)),
	}
}

// Subscribe registers a sample consumer; the returned function removes
// it.
func (s *Sampler) Subscribe(fn func(Sample)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Run polls until the context ends.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sample, ok := s.Poll(); ok {
				s.publish(sample)
			}
		}
	}
}

// Poll takes one observation. The first poll only seeds the counter
// baseline and reports nothing.
func (s *Sampler) Poll() (Sample, bool) {
	raw, err := s.src.Stats()
	if err != nil {
		log.Debug().Err(err).Str("module", "stats").Msg("stats unavailable")
		return Sample{}, false
	}

	s.mu.Lock()
	prev := s.last
	s.last = &raw
	s.mu.Unlock()
	if prev == nil {
		return Sample{}, false
	}

	return Reduce(*prev, raw), true
}

// Reduce computes one sample from two consecutive raw snapshots.
func Reduce(prev, cur session.TransportStats) Sample {
	elapsed := cur.Timestamp.Sub(prev.Timestamp).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}

	sentDelta := counterDelta(cur.Outbound.PacketsSent, prev.Outbound.PacketsSent)
	lostDelta := counterDelta(cur.Outbound.PacketsLost, prev.Outbound.PacketsLost)
	bytesDelta := counterDelta(cur.Outbound.BytesSent, prev.Outbound.BytesSent)

	// A pure viewer has no outbound video; fall back to the inbound
	// counters so the grade reflects what is actually flowing.
	if sentDelta == 0 && cur.InboundPackets > 0 {
		sentDelta = counterDelta(cur.InboundPackets, prev.InboundPackets)
		lostDelta = counterDelta(cur.InboundLost, prev.InboundLost)
		bytesDelta = counterDelta(cur.InboundBytes, prev.InboundBytes)
	}

	lossPercent := 0.0
	if total := sentDelta + lostDelta; total > 0 {
		lossPercent = float64(lostDelta) / float64(total) * 100
	}
	latencyMs := cur.RTTSeconds * 1000
	bandwidthMbps := float64(bytesDelta) * 8 / elapsed / 1e6

	return Sample{
		LatencyMs:     latencyMs,
		LossPercent:   lossPercent,
		BandwidthMbps: bandwidthMbps,
		Grade:         GradeOf(latencyMs, lossPercent, bandwidthMbps),
		Timestamp:     cur.Timestamp,
	}
}

// counterDelta guards against counter resets after renegotiation.
func counterDelta(cur, prev uint64) uint64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}

func (s *Sampler) publish(sample Sample) {
	s.mu.Lock()
	fns := make([]func(Sample), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(sample)
	}
}
