package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "SANCTUARY"

// Config holds the application configuration.
type Config struct {
	ServerURL     string `mapstructure:"server_url"`
	ListenAddr    string `mapstructure:"listen_addr"`
	DBPath        string `mapstructure:"db_path"`
	ParticipantID string `mapstructure:"participant_id"`
	// StunURLs is comma separated in the environment.
	StunURLs          []string      `mapstructure:"stun_urls"`
	LinkTimeout       time.Duration `mapstructure:"link_timeout"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	RosterPoll        time.Duration `mapstructure:"roster_poll"`
	RosterRefresh     time.Duration `mapstructure:"roster_refresh"`
	SpeakingThreshold float64       `mapstructure:"speaking_threshold"`
	AudioFile         string        `mapstructure:"audio_file"`
	VideoFile         string        `mapstructure:"video_file"`
	LogLevel          string        `mapstructure:"log_level"`
	Mode              string        `mapstructure:"mode"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("db_path", "data/sanctuary.db")
	v.SetDefault("participant_id", "")
	v.SetDefault("stun_urls", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("link_timeout", "20s")
	v.SetDefault("ping_interval", "15s")
	v.SetDefault("roster_poll", "2s")
	v.SetDefault("roster_refresh", "30s")
	v.SetDefault("speaking_threshold", 0.05)
	v.SetDefault("audio_file", "")
	v.SetDefault("video_file", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("mode", "release")
}

// Load reads configuration from a .env file (if present) and SANCTUARY_*
// environment variables. Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.LinkTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s_LINK_TIMEOUT must not be negative", envPrefix))
	}
	if c.PingInterval <= 0 {
		errs = append(errs, fmt.Errorf("%s_PING_INTERVAL must be positive", envPrefix))
	}
	if c.RosterPoll <= 0 {
		errs = append(errs, fmt.Errorf("%s_ROSTER_POLL must be positive", envPrefix))
	}
	if c.SpeakingThreshold <= 0 || c.SpeakingThreshold >= 1 {
		errs = append(errs, fmt.Errorf("%s_SPEAKING_THRESHOLD must be between 0 and 1", envPrefix))
	}
	return errors.Join(errs...)
}

// RequireParticipant checks the identity client commands run as.
func (c *Config) RequireParticipant() error {
	if strings.TrimSpace(c.ParticipantID) == "" {
		return fmt.Errorf("%s_PARTICIPANT_ID environment variable is required", envPrefix)
	}
	return nil
}
