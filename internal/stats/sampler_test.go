package stats

import (
	"errors"
	"testing"
	"time"

	"github.com/pairview/pairview/internal/session"
)

func TestGradeOf(t *testing.T) {
	cases := []struct {
		name                 string
		latency, loss, mbps  float64
		want                 Grade
	}{
		{"all excellent", 20, 0.1, 8, GradeExcellent},
		{"latency drags to good", 100, 0.1, 8, GradeGood},
		{"loss drags to fair", 100, 3, 8, GradeFair},
		{"bandwidth drags to fair", 100, 0.1, 1.5, GradeFair},
		{"everything bad", 500, 10, 0.2, GradePoor},
		{"one poor dimension is enough", 20, 0.1, 0.5, GradePoor},
	}
	for _, tc := range cases {
		if got := GradeOf(tc.latency, tc.loss, tc.mbps); got != tc.want {
			t.Errorf("%s: GradeOf(%v, %v, %v) = %s, want %s",
				tc.name, tc.latency, tc.loss, tc.mbps, got, tc.want)
		}
	}
}

func TestReduceDifferentiatesCounters(t *testing.T) {
	base := time.Now()
	prev := session.TransportStats{
		Outbound:  session.SenderStats{PacketsSent: 1000, PacketsLost: 10, BytesSent: 1_000_000},
		Timestamp: base,
	}
	cur := session.TransportStats{
		Outbound:   session.SenderStats{PacketsSent: 2000, PacketsLost: 30, BytesSent: 2_500_000},
		RTTSeconds: 0.040,
		Timestamp:  base.Add(2 * time.Second),
	}

	s := Reduce(prev, cur)
	if s.LatencyMs != 40 {
		t.Errorf("latency = %v ms, want 40", s.LatencyMs)
	}
	// 20 lost out of 1020 total in the window.
	if s.LossPercent < 1.9 || s.LossPercent > 2.1 {
		t.Errorf("loss = %v%%, want ~1.96", s.LossPercent)
	}
	// 1.5 MB over 2s = 6 Mbps.
	if s.BandwidthMbps != 6 {
		t.Errorf("bandwidth = %v Mbps, want 6", s.BandwidthMbps)
	}
	if s.Grade != GradeGood {
		t.Errorf("grade = %s, want good", s.Grade)
	}
}

func TestReduceFallsBackToInboundForViewers(t *testing.T) {
	base := time.Now()
	prev := session.TransportStats{
		InboundPackets: 1000, InboundBytes: 1_000_000,
		Timestamp: base,
	}
	cur := session.TransportStats{
		InboundPackets: 2000, InboundBytes: 3_000_000, InboundLost: 5,
		RTTSeconds: 0.020,
		Timestamp:  base.Add(time.Second),
	}

	s := Reduce(prev, cur)
	if s.BandwidthMbps != 16 {
		t.Errorf("inbound bandwidth = %v Mbps, want 16", s.BandwidthMbps)
	}
	if s.LossPercent == 0 {
		t.Error("inbound loss ignored")
	}
}

type scriptedSource struct {
	snapshots []session.TransportStats
	calls     int
}

func (s *scriptedSource) Stats() (session.TransportStats, error) {
	if s.calls >= len(s.snapshots) {
		return session.TransportStats{}, errors.New("exhausted")
	}
	out := s.snapshots[s.calls]
	s.calls++
	return out, nil
}

func TestPollSeedsBaselineThenReports(t *testing.T) {
	base := time.Now()
	src := &scriptedSource{snapshots: []session.TransportStats{
		{Outbound: session.SenderStats{PacketsSent: 100}, Timestamp: base},
		{Outbound: session.SenderStats{PacketsSent: 200}, RTTSeconds: 0.010, Timestamp: base.Add(time.Second)},
	}}
	s := NewSampler(src, time.Second)

	if _, ok := s.Poll(); ok {
		t.Fatal("first poll should only seed the baseline")
	}
	sample, ok := s.Poll()
	if !ok {
		t.Fatal("second poll reported nothing")
	}
	if sample.LatencyMs != 10 {
		t.Errorf("latency = %v, want 10", sample.LatencyMs)
	}
}

func TestPollSwallowsSourceErrors(t *testing.T) {
	s := NewSampler(&scriptedSource{}, time.Second)
	if _, ok := s.Poll(); ok {
		t.Fatal("errored source produced a sample")
	}
}

func TestSubscribeAndCancel(t *testing.T) {
	s := NewSampler(&scriptedSource{}, time.Second)
	var got []Sample
	off := s.Subscribe(func(sm Sample) { got = append(got, sm) })

	s.publish(Sample{Grade: GradeGood})
	off()
	s.publish(Sample{Grade: GradePoor})

	if len(got) != 1 || got[0].Grade != GradeGood {
		t.Errorf("subscriber saw %+v", got)
	}
}
