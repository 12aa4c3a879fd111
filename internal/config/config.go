package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode   string `mapstructure:"mode"`
	Port   int    `mapstructure:"port"`
	Secret string `mapstructure:"secret"`

	SQLitePath string `mapstructure:"sqlite_path"`
	RedisAddr  string `mapstructure:"redis_addr"`

	ReadLimit     int64         `mapstructure:"read_limit"`
	PingPeriod    time.Duration `mapstructure:"ping_period"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SendQueueSize int           `mapstructure:"send_queue_size"`

	// "multi" allows several simultaneous connections per user,
	// "single" rejects the second one with DuplicateSession.
	SessionPolicy string `mapstructure:"session_policy"`

	TypingTTL        time.Duration `mapstructure:"typing_ttl"`
	TypingSweep      time.Duration `mapstructure:"typing_sweep"`
	PresenceDebounce time.Duration `mapstructure:"presence_debounce"`

	MaxMessageLen int `mapstructure:"max_message_len"`
	HistoryLimit  int `mapstructure:"history_limit"`
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
	v.SetDefault("sqlite_path", "roomrelay.db")
	v.SetDefault("redis_addr", "")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("idle_timeout", "75s")
	v.SetDefault("send_queue_size", 256)
	v.SetDefault("session_policy", "multi")
	v.SetDefault("typing_ttl", "3s")
	v.SetDefault("typing_sweep", "1s")
	v.SetDefault("presence_debounce", "50ms")
	v.SetDefault("max_message_len", 4096)
	v.SetDefault("history_limit", 50)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
