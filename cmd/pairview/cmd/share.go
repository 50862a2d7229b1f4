package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pairview/pairview/internal/client"
	"github.com/pairview/pairview/internal/session"
	"github.com/pairview/pairview/internal/stats"
)

var shareCmd = &cobra.Command{
	Use:   "share <media.h264>",
	Short: "Join a room and stream a screen recording to the partner",
	Long: `Join the room and, once the partner connection is up, stream the
given Annex-B H264 file as the shared screen.

Examples:
  pairview share -r demo -n alice capture.h264
  pairview share --server ws://relay.example.com/ws -r demo -n alice capture.h264`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShare(args[0])
	},
}

func init() {
	rootCmd.AddCommand(shareCmd)
}

func runShare(mediaPath string) error {
	if flagRoom == "" || flagName == "" {
		return fmt.Errorf("--room and --name are required")
	}
	if _, err := os.Stat(mediaPath); err != nil {
		return fmt.Errorf("media file: %w", err)
	}

	cc, err := clientConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		app       *client.App
		shareOnce sync.Once
	)
	app, err = client.New(cc, client.Events{
		OnSessionState: func(s session.State) {
			log.Info().Str("state", s.String()).Msg("peer session")
			if s == session.StateConnected {
				shareOnce.Do(func() {
					if err := app.StartShare(mediaPath); err != nil {
						log.Error().Err(err).Msg("start share failed")
						stop()
						return
					}
					log.Info().Str("media", mediaPath).Msg("sharing")
				})
			}
		},
		OnSample: func(s stats.Sample) {
			log.Debug().
				Str("grade", s.Grade.String()).
				Float64("loss_pct", s.LossPercent).
				Float64("latency_ms", s.LatencyMs).
				Float64("mbps", s.BandwidthMbps).
				Msg("connection sample")
		},
		OnChat: chatPrinter(),
		OnError: func(err error) {
			log.Error().Err(err).Msg("session error")
		},
	})
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Join(ctx, flagRoom, flagName); err != nil {
		return fmt.Errorf("join room %q: %w", flagRoom, err)
	}
	log.Info().Str("room", flagRoom).Msg("joined, waiting for partner")

	<-ctx.Done()
	_ = app.StopShare()
	return nil
}
