package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Kofi      KofiConfig      `mapstructure:"kofi"`
	Twitch    TwitchConfig    `mapstructure:"twitch"`
	Forward   ForwardConfig   `mapstructure:"forward"`
	Keepalive KeepaliveConfig `mapstructure:"keepalive"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	PublicURL       string        `mapstructure:"public_url"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	// ClearToken guards POST /clear when set.
	ClearToken string `mapstructure:"clear_token"`
}

type FeedConfig struct {
	Capacity          int           `mapstructure:"capacity"`
	ReplayLimit       int           `mapstructure:"replay_limit"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	SessionBuffer     int           `mapstructure:"session_buffer"`
}

type KofiConfig struct {
	Token string `mapstructure:"token"`
}

type TwitchConfig struct {
	ClientID              string        `mapstructure:"client_id"`
	ClientSecret          string        `mapstructure:"client_secret"`
	User                  string        `mapstructure:"user"`
	WebhookSecret         string        `mapstructure:"webhook_secret"`
	CallbackURL           string        `mapstructure:"callback_url"`
	Register              bool          `mapstructure:"register"`
	MaxMessageAge         time.Duration `mapstructure:"max_message_age"`
	HelixURL              string        `mapstructure:"helix_url"`
	TokenURL              string        `mapstructure:"token_url"`
	RatePerSecond         int           `mapstructure:"rate_per_second"`
	Timeout               time.Duration `mapstructure:"timeout"`
	RetryCount            int           `mapstructure:"retry_count"`
	RetryDelay            time.Duration `mapstructure:"retry_delay"`
	RegisterRetryInterval time.Duration `mapstructure:"register_retry_interval"`
}

type ForwardConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Token         string        `mapstructure:"token"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type KeepaliveConfig struct {
	URL      string        `mapstructure:"url"`
	Interval time.Duration `mapstructure:"interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
}

// envBindings maps config keys to the environment variable names used by
// existing deployments.
var envBindings = map[string]string{
	"server.port":           "PORT",
	"server.public_url":     "PUBLIC_URL",
	"server.clear_token":    "CLEAR_TOKEN",
	"kofi.token":            "KO_FI_TOKEN",
	"twitch.client_id":      "TWITCH_CLIENT_ID",
	"twitch.client_secret":  "TWITCH_CLIENT_SECRET",
	"twitch.user":           "TWITCH_USER",
	"twitch.webhook_secret": "TWITCH_WEBHOOK_SECRET",
	"twitch.callback_url":   "TWITCH_CALLBACK_URL",
	"keepalive.url":         "KEEPALIVE_URL",
	"forward.url":           "FORWARD_URL",
	"logging.level":         "LOG_LEVEL",
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", "3000")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("feed.capacity", 200)
	v.SetDefault("feed.replay_limit", 25)
	v.SetDefault("feed.heartbeat_interval", "55s")
	v.SetDefault("feed.session_buffer", 256)
	v.SetDefault("twitch.register", true)
	v.SetDefault("twitch.max_message_age", "10m")
	v.SetDefault("twitch.helix_url", "https://api.twitch.tv/helix")
	v.SetDefault("twitch.token_url", "https://id.twitch.tv/oauth2/token")
	v.SetDefault("twitch.rate_per_second", 5)
	v.SetDefault("twitch.timeout", "15s")
	v.SetDefault("twitch.retry_count", 3)
	v.SetDefault("twitch.retry_delay", "2s")
	v.SetDefault("twitch.register_retry_interval", "5m")
	v.SetDefault("forward.enabled", false)
	v.SetDefault("forward.rate_per_second", 5.0)
	v.SetDefault("forward.timeout", "10s")
	v.SetDefault("keepalive.interval", "4m")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Environment variable support
	v.SetEnvPrefix("FEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Explicitly bind nested keys to env vars
	for key, env := range envBindings {
		_ = v.BindEnv(key, "FEED_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("feed")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// applyDerived fills values computed from other settings.
func (c *Config) applyDerived() {
	c.Server.PublicURL = strings.TrimSuffix(strings.TrimSpace(c.Server.PublicURL), "/")
	if c.Twitch.CallbackURL == "" && c.Server.PublicURL != "" {
		c.Twitch.CallbackURL = c.Server.PublicURL + "/twitch"
	}
	if c.Keepalive.URL == "" && c.Server.PublicURL != "" && c.Keepalive.Interval > 0 {
		c.Keepalive.URL = c.Server.PublicURL + "/healthz"
	}
}

// CanRegister reports whether EventSub registration has everything it needs.
func (t TwitchConfig) CanRegister() bool {
	return t.Register && t.ClientID != "" && t.ClientSecret != "" &&
		t.User != "" && t.WebhookSecret != "" && t.CallbackURL != ""
}
