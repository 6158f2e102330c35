// Package config provides YAML-based configuration loading for tgrelay.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level tgrelay configuration, loaded from config.yaml.
// Secrets may be supplied through the environment instead of the file.
type Config struct {
	Telegram         TelegramConfig   `yaml:"telegram"`
	Output           OutputConfig     `yaml:"output"`
	State            StateConfig      `yaml:"state"`
	Relay            RelayConfig      `yaml:"relay"`
	Discovery        DiscoveryConfig  `yaml:"discovery"`
	Onboarding       OnboardingConfig `yaml:"onboarding"`
	Dashboard        DashboardConfig  `yaml:"dashboard"`
	Log              LogConfig        `yaml:"log"`
	ShutdownGraceSec int              `yaml:"shutdown_grace_sec"`
}

// TelegramConfig holds the MTProto application credentials and where
// account sessions live on disk.
type TelegramConfig struct {
	APIID           int    `yaml:"api_id" env:"TG_API_ID"`
	APIHash         string `yaml:"api_hash" env:"TG_API_HASH"`
	SessionDir      string `yaml:"session_dir" env:"TGR_SESSION_DIR"`
	BotSession      string `yaml:"bot_session"`
	ConnectPacingMS int    `yaml:"connect_pacing_ms"`
}

// OutputConfig selects the chat platform that receives forwarded messages
// and serves the operator controls.
type OutputConfig struct {
	Platform  string              `yaml:"platform"`
	Channel   string              `yaml:"channel" env:"TGR_OUTPUT_CHANNEL"`
	Operators []string            `yaml:"operators"`
	Discord   DiscordOutputConfig  `yaml:"discord"`
	Slack     SlackOutputConfig    `yaml:"slack"`
	Telegram  TelegramOutputConfig `yaml:"telegram"`
}

// DiscordOutputConfig holds Discord bot credentials.
type DiscordOutputConfig struct {
	BotToken string `yaml:"bot_token" env:"TGR_DISCORD_TOKEN"`
}

// SlackOutputConfig holds Slack Socket Mode credentials.
type SlackOutputConfig struct {
	AppToken string `yaml:"app_token" env:"TGR_SLACK_APP_TOKEN"`
	BotToken string `yaml:"bot_token" env:"TGR_SLACK_BOT_TOKEN"`
}

// TelegramOutputConfig holds the Telegram bot token. The bot logs in with
// the application credentials from TelegramConfig and keeps its session as
// telegram.bot_session in the session directory.
type TelegramOutputConfig struct {
	BotToken string `yaml:"bot_token" env:"TGR_TELEGRAM_BOT_TOKEN"`
}

// StateConfig selects where the relay state document is persisted.
type StateConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn" env:"TGR_STATE_DSN"`
}

// RelayConfig tunes forwarding.
type RelayConfig struct {
	ScopeOnly bool `yaml:"scope_only"`
}

// DiscoveryConfig tunes the group discovery job.
type DiscoveryConfig struct {
	Cron            string `yaml:"cron"`
	ProgressEvery   int    `yaml:"progress_every"`
	YieldEvery      int    `yaml:"yield_every"`
	YieldPauseMS    int    `yaml:"yield_pause_ms"`
	IdentityPauseMS int    `yaml:"identity_pause_ms"`
}

// OnboardingConfig tunes the interactive account login.
type OnboardingConfig struct {
	TimeoutSec int `yaml:"timeout_sec"`
}

// DashboardConfig enables the HTTP status API.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LogConfig controls log output and rotation.
type LogConfig struct {
	Level      string `yaml:"level" env:"TGR_LOG_LEVEL"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Console    bool   `yaml:"console"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes, applies environment overrides and returns a
// validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Telegram.SessionDir == "" {
		c.Telegram.SessionDir = "sessions"
	}
	if c.Telegram.BotSession == "" {
		c.Telegram.BotSession = "bot"
	}
	if c.Telegram.ConnectPacingMS == 0 {
		c.Telegram.ConnectPacingMS = 1000
	}
	if c.State.Backend == "" {
		c.State.Backend = "file"
	}
	if c.State.Path == "" {
		switch c.State.Backend {
		case "sqlite":
			c.State.Path = "tgrelay.db"
		default:
			c.State.Path = "config.json"
		}
	}
	if c.Discovery.ProgressEvery == 0 {
		c.Discovery.ProgressEvery = 20
	}
	if c.Discovery.YieldEvery == 0 {
		c.Discovery.YieldEvery = 50
	}
	if c.Discovery.YieldPauseMS == 0 {
		c.Discovery.YieldPauseMS = 2000
	}
	if c.Discovery.IdentityPauseMS == 0 {
		c.Discovery.IdentityPauseMS = 3000
	}
	if c.Onboarding.TimeoutSec == 0 {
		c.Onboarding.TimeoutSec = 300
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8090
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 28
	}
	if c.ShutdownGraceSec == 0 {
		c.ShutdownGraceSec = 10
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Telegram.APIID <= 0 {
		errs = append(errs, "telegram.api_id is required")
	}
	if c.Telegram.APIHash == "" {
		errs = append(errs, "telegram.api_hash is required")
	}
	if c.Output.Channel == "" {
		errs = append(errs, "output.channel is required")
	}
	switch c.Output.Platform {
	case "discord":
		if c.Output.Discord.BotToken == "" {
			errs = append(errs, "output.discord.bot_token is required")
		}
	case "slack":
		if c.Output.Slack.AppToken == "" {
			errs = append(errs, "output.slack.app_token is required")
		}
		if c.Output.Slack.BotToken == "" {
			errs = append(errs, "output.slack.bot_token is required")
		}
	case "telegram":
		if c.Output.Telegram.BotToken == "" {
			errs = append(errs, "output.telegram.bot_token is required")
		}
	case "":
		errs = append(errs, "output.platform is required")
	default:
		errs = append(errs, fmt.Sprintf("output.platform %q is not supported (discord, slack, telegram)", c.Output.Platform))
	}
	switch c.State.Backend {
	case "file", "sqlite":
	case "mysql":
		if c.State.DSN == "" {
			errs = append(errs, "state.dsn is required for the mysql backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("state.backend %q is not supported (file, sqlite, mysql)", c.State.Backend))
	}
	if c.Discovery.Cron != "" {
		if _, err := cron.ParseStandard(c.Discovery.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("discovery.cron: %v", err))
		}
	}
	if c.Discovery.ProgressEvery < 0 || c.Discovery.YieldEvery < 0 {
		errs = append(errs, "discovery intervals must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// BotSessionPath is the session file of the Telegram output bot.
func (c *Config) BotSessionPath() string {
	return filepath.Join(c.Telegram.SessionDir, c.Telegram.BotSession+".session")
}

// ConnectPacing is the minimum spacing between account connects at startup.
func (c *Config) ConnectPacing() time.Duration {
	return time.Duration(c.Telegram.ConnectPacingMS) * time.Millisecond
}

// OnboardingTimeout is how long an unfinished account login is kept.
func (c *Config) OnboardingTimeout() time.Duration {
	return time.Duration(c.Onboarding.TimeoutSec) * time.Second
}

// ShutdownGrace bounds how long shutdown waits for sessions to disconnect.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSec) * time.Second
}
