package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	RoomGrace  time.Duration `mapstructure:"room_grace"`

	Client ClientConfig `mapstructure:"client"`
}

// ClientConfig drives the sharing/viewing client.
type ClientConfig struct {
	ServerURL   string        `mapstructure:"server_url"`
	STUNServers []string      `mapstructure:"stun_servers"`
	MinBitrate  int           `mapstructure:"min_bitrate"`
	MaxBitrate  int           `mapstructure:"max_bitrate"`
	MaxFPS      int           `mapstructure:"max_fps"`
	QualityTick time.Duration `mapstructure:"quality_tick"`
	StatsTick   time.Duration `mapstructure:"stats_tick"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("room_grace", "60s")

	v.SetDefault("client.server_url", "ws://localhost:8080/ws")
	v.SetDefault("client.stun_servers", []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	})
	v.SetDefault("client.min_bitrate", 6_000_000)
	v.SetDefault("client.max_bitrate", 12_000_000)
	v.SetDefault("client.max_fps", 60)
	v.SetDefault("client.quality_tick", "3s")
	v.SetDefault("client.stats_tick", "2s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
