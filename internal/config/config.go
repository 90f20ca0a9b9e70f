// Package config loads gateway configuration from environment variables and
// an optional config file, grounded on the teacher's viper-based loader.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kimjaechol/moa-gateway/internal/allowlist"
)

// Config holds all runtime configuration for the gateway (spec §6).
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	AI        AIConfig        `mapstructure:"ai"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Adapters  AdapterConfig   `mapstructure:"adapters"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Audit     AuditConfig     `mapstructure:"audit"`

	// Allowlists is populated separately from ALLOWLIST_<CHANNEL>_* env vars,
	// since viper's key normalization doesn't suit a channel-indexed map well.
	Allowlists map[string]ChannelAllowlist
}

// ServerConfig controls the HTTP bind.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// AIConfig controls both AI dispatch tiers (spec §4.I, §6).
type AIConfig struct {
	MoaAPIURL            string        `mapstructure:"moa_api_url"`
	MoaAPISecret         string        `mapstructure:"moa_api_secret"`
	OpenclawGatewayURL   string        `mapstructure:"openclaw_gateway_url"`
	OpenclawGatewayToken string        `mapstructure:"openclaw_gateway_token"`
	OpenclawTimeout      time.Duration `mapstructure:"openclaw_timeout"`
}

// RateLimitConfig tunes the limiter (spec §4.C, §6).
type RateLimitConfig struct {
	PerMinute      int             `mapstructure:"per_minute"`
	MaxStrikes     int             `mapstructure:"max_strikes"`
	StrikeCooldowns []time.Duration `mapstructure:"strike_cooldowns"`
}

// AdminConfig guards the optional admin surface (spec §6).
type AdminConfig struct {
	BearerToken string `mapstructure:"bearer_token"`
}

// MetricsConfig controls the Prometheus/gopsutil exporter.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Endpoint   string `mapstructure:"endpoint"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// AuditConfig controls the NATS-backed audit bus.
type AuditConfig struct {
	NATSURL string `mapstructure:"nats_url"`
}

// AdapterConfig holds per-platform credentials; each adapter consumes only
// the fields it declares (spec §6's "Per-adapter credentials" row).
type AdapterConfig struct {
	Mattermost MattermostConfig `mapstructure:"mattermost"`
	Slack      SlackConfig      `mapstructure:"slack"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Discord    DiscordConfig    `mapstructure:"discord"`
	LINE       LINEConfig       `mapstructure:"line"`
	Zalo       ZaloConfig       `mapstructure:"zalo"`
	GoogleChat GoogleChatConfig `mapstructure:"google_chat"`
	KakaoTalk  KakaoTalkConfig  `mapstructure:"kakaotalk"`
	Matrix     MatrixConfig     `mapstructure:"matrix"`
	SignalCLI  SignalCLIConfig  `mapstructure:"signal_cli"`
	WhatsApp   WhatsAppConfig   `mapstructure:"whatsapp"`
}

type MattermostConfig struct {
	WebhookSecret string `mapstructure:"webhook_secret"`
	BotUserID     string `mapstructure:"bot_user_id"`
	BotToken      string `mapstructure:"bot_token"`
	ServerURL     string `mapstructure:"server_url"`
}

type SlackConfig struct {
	SigningSecret string `mapstructure:"signing_secret"`
	BotToken      string `mapstructure:"bot_token"`
	BotUserID     string `mapstructure:"bot_user_id"`
}

type TelegramConfig struct {
	BotToken     string `mapstructure:"bot_token"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type DiscordConfig struct {
	BotToken  string `mapstructure:"bot_token"`
	PublicKey string `mapstructure:"public_key"`
	AppID     string `mapstructure:"app_id"`
}

type LINEConfig struct {
	ChannelSecret      string `mapstructure:"channel_secret"`
	ChannelAccessToken string `mapstructure:"channel_access_token"`
}

type ZaloConfig struct {
	OAAccessToken string `mapstructure:"oa_access_token"`
	AppSecret     string `mapstructure:"app_secret"`
}

type GoogleChatConfig struct {
	ServiceAccountEmail string `mapstructure:"service_account_email"`
	PrivateKeyPEM       string `mapstructure:"private_key_pem"`
	VerificationToken   string `mapstructure:"verification_token"`
}

type KakaoTalkConfig struct {
	RestAPIKey    string `mapstructure:"rest_api_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type MatrixConfig struct {
	HomeserverURL string `mapstructure:"homeserver_url"`
	AccessToken   string `mapstructure:"access_token"`
	UserID        string `mapstructure:"user_id"`
}

type SignalCLIConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	PhoneNumber string `mapstructure:"phone_number"`
	PollPeriod time.Duration `mapstructure:"poll_period"`
}

type WhatsAppConfig struct {
	AccessToken   string `mapstructure:"access_token"`
	PhoneNumberID string `mapstructure:"phone_number_id"`
	VerifyToken   string `mapstructure:"verify_token"`
	AppSecret     string `mapstructure:"app_secret"`
}

// ChannelAllowlist mirrors a single ALLOWLIST_<CHANNEL>_* env-var group.
type ChannelAllowlist struct {
	Mode   allowlist.Mode
	Users  []string
	Groups []string
}

// Load reads configuration from environment variables and an optional
// config file named "gateway.yaml"/"gateway.json"/etc. in the working
// directory or ./config.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("ai.openclaw_timeout", 90*time.Second)

	v.SetDefault("rate_limit.per_minute", 30)
	v.SetDefault("rate_limit.max_strikes", 3)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9090")
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("gateway")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("GATEWAY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.RateLimit.PerMinute <= 0 {
		cfg.RateLimit.PerMinute = 30
	}
	if cfg.RateLimit.MaxStrikes <= 0 {
		cfg.RateLimit.MaxStrikes = 3
	}
	if len(cfg.RateLimit.StrikeCooldowns) == 0 {
		cfg.RateLimit.StrikeCooldowns = []time.Duration{30 * time.Minute, 60 * time.Minute, 365 * 24 * time.Hour}
	}

	cfg.Allowlists = loadAllowlistsFromEnv()

	return cfg, nil
}

// loadAllowlistsFromEnv scans the process environment for
// ALLOWLIST_<CHANNEL>_MODE/USERS/GROUPS triples (spec §6).
func loadAllowlistsFromEnv() map[string]ChannelAllowlist {
	const prefix = "ALLOWLIST_"
	channels := make(map[string]*ChannelAllowlist)

	for _, kv := range os.Environ() {
		idx := strings.IndexByte(kv, '=')
		if idx < 0 {
			continue
		}
		key, val := kv[:idx], kv[idx+1:]
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)

		var channel, field string
		switch {
		case strings.HasSuffix(rest, "_MODE"):
			channel, field = strings.TrimSuffix(rest, "_MODE"), "MODE"
		case strings.HasSuffix(rest, "_USERS"):
			channel, field = strings.TrimSuffix(rest, "_USERS"), "USERS"
		case strings.HasSuffix(rest, "_GROUPS"):
			channel, field = strings.TrimSuffix(rest, "_GROUPS"), "GROUPS"
		default:
			continue
		}
		channel = strings.ToLower(channel)

		c, ok := channels[channel]
		if !ok {
			c = &ChannelAllowlist{Mode: allowlist.ModeDisabled}
			channels[channel] = c
		}
		switch field {
		case "MODE":
			c.Mode = allowlist.Mode(strings.ToLower(val))
		case "USERS":
			c.Users = splitCSV(val)
		case "GROUPS":
			c.Groups = splitCSV(val)
		}
	}

	out := make(map[string]ChannelAllowlist, len(channels))
	for k, v := range channels {
		out[k] = *v
	}
	return out
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
