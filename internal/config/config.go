package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Relay struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	Secret     string        `mapstructure:"secret"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
}

type Client struct {
	RelayURL          string        `mapstructure:"relay_url"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectBackoff  time.Duration `mapstructure:"reconnect_backoff"`
	StunURLs          []string      `mapstructure:"stun_urls"`
	TutorJoinWindow   time.Duration `mapstructure:"tutor_join_window"`
	StudentJoinWindow time.Duration `mapstructure:"student_join_window"`
}

type Config struct {
	Relay  Relay  `mapstructure:"relay"`
	Client Client `mapstructure:"client"`
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

	v.SetDefault("relay.mode", "release")
	v.SetDefault("relay.port", 8080)
	v.SetDefault("relay.read_limit", 32768)
	v.SetDefault("relay.ping_period", "54s")
	v.SetDefault("client.relay_url", "ws://localhost:8080/api/ws")
	v.SetDefault("client.reconnect_attempts", 5)
	v.SetDefault("client.reconnect_backoff", "2s")
	v.SetDefault("client.stun_urls", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("client.tutor_join_window", "10m")
	v.SetDefault("client.student_join_window", "5m")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
