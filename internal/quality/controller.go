// Package quality adapts the outbound encoding budget to observed
// network conditions: multiplicative decrease under loss, gentle
// growth when the path is clean, and a hold band in between.
package quality

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pairview/pairview/internal/session"
	"github.com/pairview/pairview/internal/stats"
)

const (
	// DefaultTick is the adjustment cadence.
	DefaultTick = 3 * time.Second

	decayFactor  = 0.8
	growthFactor = 1.3
	lossHigh     = 0.10
	lossLow      = 0.02
)

// Policy bounds the controller.
type Policy struct {
	MinBitrate   int
	MaxBitrate   int
	MaxFramerate int
}

// Next computes the bitrate for the coming window from the current
// bitrate and the loss ratio of the last window. Exactly one of three
// branches applies: decay toward the floor when loss exceeds 10%,
// growth toward the ceiling when loss is under 2% and headroom
// remains, otherwise hold.
func Next(current int, lossRatio float64, p Policy) int {
	switch {
	case lossRatio > lossHigh:
		next := int(float64(current) * decayFactor)
		if next < p.MinBitrate {
			next = p.MinBitrate
		}
		return next
	case lossRatio < lossLow && current < p.MaxBitrate:
		next := int(float64(current) * growthFactor)
		if next > p.MaxBitrate {
			next = p.MaxBitrate
		}
		return next
	}
	return current
}

// CaptureProfile is a capture constraint rung.
type CaptureProfile struct {
	Width     int
	Height    int
	Framerate int
}

// ProfileFor maps a connection grade onto the capture ladder.
func ProfileFor(g stats.Grade) CaptureProfile {
	switch g {
	case stats.GradeExcellent:
		return CaptureProfile{Width: 1920, Height: 1080, Framerate: 60}
	case stats.GradeGood:
		return CaptureProfile{Width: 1280, Height: 720, Framerate: 30}
	}
	return CaptureProfile{Width: 854, Height: 480, Framerate: 24}
}

// StatsSender is the slice of the sender surface the controller
// drives.
type StatsSender interface {
	SetEncoding(session.EncodingParams) error
	Stats() (session.SenderStats, error)
}

// Controller runs the adjustment loop against one sender. It starts
// at the ceiling and reacts only to windows with actual traffic.
type Controller struct {
	sender   StatsSender
	policy   Policy
	interval time.Duration
	onChange func(session.EncodingParams)

	mu      sync.Mutex
	bitrate int
	last    *session.SenderStats
}

type Option func(*Controller)

// WithTick overrides the adjustment cadence.
func WithTick(d time.Duration) Option {
	return func(c *Controller) { c.interval = d }
}

// WithOnChange observes every applied encoding change.
func WithOnChange(fn func(session.EncodingParams)) Option {
	return func(c *Controller) { c.onChange = fn }
}

func New(sender StatsSender, p Policy, opts ...Option) *Controller {
	c := &Controller{
		sender:   sender,
		policy:   p,
		interval: DefaultTick,
		bitrate:  p.MaxBitrate,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bitrate reports the current budget.
func (c *Controller) Bitrate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bitrate
}

// Run ticks until the context ends.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Step()
		}
	}
}

// Step performs a single adjustment window: read the sender counters,
// differentiate, pick a branch and apply any change. The first step
// only seeds the baseline.
func (c *Controller) Step() {
	raw, err := c.sender.Stats()
	if err != nil {
		log.Debug().Err(err).Str("module", "quality").Msg("sender stats unavailable")
		return
	}

	c.mu.Lock()
	prev := c.last
	c.last = &raw
	if prev == nil {
		c.mu.Unlock()
		return
	}

	sent := delta(raw.PacketsSent, prev.PacketsSent)
	lost := delta(raw.PacketsLost, prev.PacketsLost)
	if sent+lost == 0 {
		// Idle window; no evidence to act on.
		c.mu.Unlock()
		return
	}
	loss := float64(lost) / float64(sent+lost)

	next := Next(c.bitrate, loss, c.policy)
	changed := next != c.bitrate
	c.bitrate = next
	c.mu.Unlock()

	if !changed {
		return
	}

	params := session.EncodingParams{
		MaxBitrate:   next,
		MinBitrate:   c.policy.MinBitrate,
		MaxFramerate: c.policy.MaxFramerate,
	}
	if err := c.sender.SetEncoding(params); err != nil {
		log.Warn().Err(err).Str("module", "quality").Msg("apply encoding failed")
		return
	}
	log.Info().
		Str("module", "quality").
		Float64("loss", loss).
		Int("bitrate", next).
		Msg("encoding adjusted")
	if c.onChange != nil {
		c.onChange(params)
	}
}

func delta(cur, prev uint64) uint64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}
