package cmd

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pairview/pairview/internal/config"
)

var (
	flagServer string
	flagRoom   string
	flagName   string
	flagDebug  bool
)

var rootCmd = &cobra.Command{
	Use:   "pairview",
	Short: "Two-party screen sharing over WebRTC",
	Long: `Pairview connects exactly two peers in a named room and streams one
peer's screen to the other, with chat and adaptive quality. The server
only relays signaling; media flows peer to peer.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := zerolog.InfoLevel
		if flagDebug {
			level = zerolog.DebugLevel
		}
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			Level(level).
			With().Timestamp().Logger()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "relay server websocket URL")
	rootCmd.PersistentFlags().StringVarP(&flagRoom, "room", "r", "", "room identifier")
	rootCmd.PersistentFlags().StringVarP(&flagName, "name", "n", "", "display name")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "verbose logging")
}

// clientConfig merges file configuration with command line overrides.
func clientConfig() (config.ClientConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.ClientConfig{}, err
	}
	cc := cfg.Client
	if flagServer != "" {
		cc.ServerURL = flagServer
	}
	return cc, nil
}

// Execute runs the root command.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}
