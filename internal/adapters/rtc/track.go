package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/rs/zerolog/log"

	"github.com/pairview/pairview/internal/domain"
	"github.com/pairview/pairview/internal/session"
)

// ScreenTrack is an outbound video track fed with encoded samples.
type ScreenTrack struct {
	track   *webrtc.TrackLocalStaticSample
	stopped atomic.Bool
}

func NewScreenTrack(id, streamID string) (*ScreenTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264},
		id,
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}
	return &ScreenTrack{track: track}, nil
}

func (t *ScreenTrack) ID() string   { return t.track.ID() }
func (t *ScreenTrack) Kind() string { return t.track.Kind().String() }

// Local exposes the pion track for transport attachment.
func (t *ScreenTrack) Local() webrtc.TrackLocal { return t.track }

// Stop marks the track dead; the feeding source observes this and
// ends its pump.
func (t *ScreenTrack) Stop() { t.stopped.Store(true) }

func (t *ScreenTrack) Stopped() bool { return t.stopped.Load() }

func (t *ScreenTrack) WriteSample(s media.Sample) error {
	if t.stopped.Load() {
		return io.EOF
	}
	return t.track.WriteSample(s)
}

// FileSource feeds a ScreenTrack from an Annex-B H264 file, pacing
// samples at the configured framerate. It stands in for a live screen
// grabber in the command line client.
type FileSource struct {
	Path string

	fps     atomic.Int64
	bitrate atomic.Int64
	follow  atomic.Value // func() (session.EncodingParams, bool)
}

func NewFileSource(path string, fps int) *FileSource {
	s := &FileSource{Path: path}
	if fps <= 0 {
		fps = 30
	}
	s.fps.Store(int64(fps))
	return s
}

// SetMaxFramerate adjusts pacing on the fly; the quality controller
// calls this when the encoding budget changes.
func (s *FileSource) SetMaxFramerate(fps int) {
	if fps > 0 {
		s.fps.Store(int64(fps))
	}
}

// SetMaxBitrate caps how many bits per second the pump feeds into the
// track; zero lifts the cap.
func (s *FileSource) SetMaxBitrate(bps int) {
	if bps >= 0 {
		s.bitrate.Store(int64(bps))
	}
}

// FollowEncoding ties the source to a sender's encoding parameters.
// The pump re-reads them before every frame, so quality changes applied
// to the sender reach the capture pacing without restarting playback.
func (s *FileSource) FollowEncoding(fn func() (session.EncodingParams, bool)) {
	s.follow.Store(fn)
}

func (s *FileSource) syncEncoding() {
	fn, _ := s.follow.Load().(func() (session.EncodingParams, bool))
	if fn == nil {
		return
	}
	if p, ok := fn(); ok {
		s.SetMaxFramerate(p.MaxFramerate)
		s.SetMaxBitrate(p.MaxBitrate)
	}
}

// Play pumps NAL units into the track until the context ends, the
// track is stopped or the file is exhausted. The file loops so a short
// clip behaves like a continuous capture.
func (s *FileSource) Play(ctx context.Context, track *ScreenTrack) error {
	for {
		if err := s.playOnce(ctx, track); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func (s *FileSource) playOnce(ctx context.Context, track *ScreenTrack) error {
	f, err := os.Open(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("%w: %v", domain.ErrCapturePermissionDenied, err)
		}
		return fmt.Errorf("open media source: %w", err)
	}
	defer f.Close()

	reader, err := h264reader.NewReader(f)
	if err != nil {
		return fmt.Errorf("read media source: %w", err)
	}

	ticker := time.NewTicker(s.frameInterval())
	defer ticker.Stop()

	start := time.Now()
	var sent int64
	for {
		nal, err := reader.NextNAL()
		if errors.Is(err, io.EOF) {
			log.Debug().Str("module", "rtc").Str("path", s.Path).Msg("media source looped")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read media source: %w", err)
		}

		s.syncEncoding()
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
		}
		ticker.Reset(s.frameInterval())

		if err := track.WriteSample(media.Sample{
			Data:     nal.Data,
			Duration: s.frameInterval(),
		}); err != nil {
			return err
		}

		sent += int64(len(nal.Data))
		if wait := s.paceDelay(sent, time.Since(start)); wait > 0 {
			select {
			case <-ctx.Done():
				return context.Canceled
			case <-time.After(wait):
			}
		}
	}
}

// paceDelay reports how much longer the pump must idle so the bytes
// written so far stay inside the bitrate budget.
func (s *FileSource) paceDelay(sentBytes int64, elapsed time.Duration) time.Duration {
	bps := s.bitrate.Load()
	if bps <= 0 {
		return 0
	}
	need := time.Duration(sentBytes*8) * time.Second / time.Duration(bps)
	return need - elapsed
}

func (s *FileSource) frameInterval() time.Duration {
	return time.Second / time.Duration(s.fps.Load())
}
