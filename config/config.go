package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the static configuration for the gateway. The call session
// treats every assistant-related value as an opaque parameter.
type Config struct {
	SIPProtocol      string `mapstructure:"sip_protocol"`
	SIPListenAddress string `mapstructure:"sip_listen_address"`
	SIPPort          int    `mapstructure:"sip_port"`

	SoundsDir string `mapstructure:"sounds_dir"`

	AssistantURL     string `mapstructure:"assistant_url"`
	AssistantProfile string `mapstructure:"assistant_profile"`
	LanguageCode     string `mapstructure:"language_code"`

	TurnTimeout   time.Duration `mapstructure:"turn_timeout"`
	FallbackDelay time.Duration `mapstructure:"fallback_delay"`
	GreetingEvent string        `mapstructure:"greeting_event"`

	LogLevel       string `mapstructure:"log_level"`
	LogFile        string `mapstructure:"log_file"`
	LogMaxSizeMB   int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups  int    `mapstructure:"log_max_backups"`
	LogMaxAgeDays  int    `mapstructure:"log_max_age_days"`
	LogStatusEvery int    `mapstructure:"log_status_every_seconds"`
}

// Load reads configuration from the given file (optional) with VOICEGW_*
// environment variables taking precedence over file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("sip_protocol", "udp")
	v.SetDefault("sip_listen_address", "127.0.0.1")
	v.SetDefault("sip_port", 5060)
	v.SetDefault("sounds_dir", "./sounds")
	v.SetDefault("assistant_url", "ws://127.0.0.1:8086/dialog")
	// Registered with an empty default so environment-only values are
	// visible to Unmarshal.
	v.SetDefault("assistant_profile", "")
	v.SetDefault("language_code", "en-US")
	v.SetDefault("turn_timeout", 20*time.Second)
	v.SetDefault("fallback_delay", time.Second)
	v.SetDefault("greeting_event", "welcome")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size_mb", 50)
	v.SetDefault("log_max_backups", 3)
	v.SetDefault("log_max_age_days", 14)
	v.SetDefault("log_status_every_seconds", 30)

	v.SetEnvPrefix("VOICEGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.AssistantProfile == "" {
		return nil, fmt.Errorf("assistant_profile is required")
	}
	if cfg.TurnTimeout <= 0 {
		return nil, fmt.Errorf("turn_timeout must be positive")
	}
	if cfg.FallbackDelay <= 0 {
		return nil, fmt.Errorf("fallback_delay must be positive")
	}
	return &cfg, nil
}
