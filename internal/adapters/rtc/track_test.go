package rtc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pairview/pairview/internal/session"
)

func TestFollowEncodingDrivesPacing(t *testing.T) {
	s := NewFileSource("unused.h264", 60)
	s.FollowEncoding(func() (session.EncodingParams, bool) {
		return session.EncodingParams{MaxFramerate: 24, MaxBitrate: 8_000_000}, true
	})
	s.syncEncoding()

	if got := s.frameInterval(); got != time.Second/24 {
		t.Errorf("frame interval = %v, want %v", got, time.Second/24)
	}
	// 1 MB at 8 Mbps needs a full second on the wire.
	if got := s.paceDelay(1_000_000, 250*time.Millisecond); got != 750*time.Millisecond {
		t.Errorf("pace delay = %v, want 750ms", got)
	}
}

func TestFollowEncodingIgnoresUnsetParams(t *testing.T) {
	s := NewFileSource("unused.h264", 60)
	s.FollowEncoding(func() (session.EncodingParams, bool) {
		return session.EncodingParams{}, false
	})
	s.syncEncoding()

	if got := s.frameInterval(); got != time.Second/60 {
		t.Errorf("frame interval = %v, want %v", got, time.Second/60)
	}
	if got := s.paceDelay(1_000_000, 0); got != 0 {
		t.Errorf("pace delay without budget = %v, want 0", got)
	}
}

func TestPlayStopsWithTrack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.h264")
	// Two Annex-B NAL units: an SPS and an IDR slice.
	clip := []byte{
		0, 0, 0, 1, 0x67, 0x42, 0x00, 0x1e,
		0, 0, 0, 1, 0x65, 0x88, 0x84, 0x00, 0x33,
	}
	if err := os.WriteFile(path, clip, 0o644); err != nil {
		t.Fatalf("write clip: %v", err)
	}

	track, err := NewScreenTrack("screen", "stream")
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	source := NewFileSource(path, 500)

	done := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { done <- source.Play(ctx, track) }()

	time.Sleep(20 * time.Millisecond)
	track.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("play after stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("play never returned after the track stopped")
	}
}
