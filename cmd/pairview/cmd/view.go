package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pairview/pairview/internal/client"
	"github.com/pairview/pairview/internal/domain"
	"github.com/pairview/pairview/internal/session"
	"github.com/pairview/pairview/internal/stats"
)

var viewCmd = &cobra.Command{
	Use:   "view",
	Short: "Join a room and watch the partner's shared screen",
	Long: `Join the room as a viewer: receive the partner's video track and
print connection quality as it evolves.

Examples:
  pairview view -r demo -n bob`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runView()
	},
}

func init() {
	rootCmd.AddCommand(viewCmd)
}

func runView() error {
	if flagRoom == "" || flagName == "" {
		return fmt.Errorf("--room and --name are required")
	}

	cc, err := clientConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := client.New(cc, client.Events{
		OnSessionState: func(s session.State) {
			log.Info().Str("state", s.String()).Msg("peer session")
		},
		OnRemoteTrack: func(t session.RemoteTrack) {
			log.Info().Str("kind", t.Kind()).Str("track", t.ID()).Msg("receiving partner media")
		},
		OnPeerShare: func(started bool, member domain.MemberID) {
			if started {
				log.Info().Str("member", string(member)).Msg("partner started sharing")
			} else {
				log.Info().Str("member", string(member)).Msg("partner stopped sharing")
			}
		},
		OnSample: func(s stats.Sample) {
			log.Info().
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
	app.Viewer = true
	defer app.Close()

	if err := app.Join(ctx, flagRoom, flagName); err != nil {
		return fmt.Errorf("join room %q: %w", flagRoom, err)
	}
	log.Info().Str("room", flagRoom).Msg("joined, waiting for partner")

	<-ctx.Done()
	return nil
}

func chatPrinter() func(domain.ChatMessage) {
	return func(m domain.ChatMessage) {
		fmt.Fprintf(os.Stdout, "[%s] %s: %s\n", m.Timestamp.Format("15:04"), m.Name, m.Text)
	}
}
