package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath          = "config.toml"
	DefaultHTTPAddr            = ":8080"
	DefaultJWTExpiresIn        = "24h"
	DefaultTelegramMode        = ModePoll
	DefaultPollTimeoutSeconds  = 30
	DefaultMinSubmitIntervalMs = 50
	DefaultConversationKey     = "chat"
	DefaultExpirySchedule      = "@every 1m"
	DefaultDenialText          = "Sorry, you are not allowed to use this bot."
	DefaultWebhookPath         = "/telegram/webhook"
)

// Telegram transport modes.
const (
	ModePoll    = "poll"
	ModeWebhook = "webhook"
)

type Config struct {
	Log      LogConfig      `toml:"log" yaml:"log"`
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Admin    AdminConfig    `toml:"admin" yaml:"admin"`
	Auth     AuthConfig     `toml:"auth" yaml:"auth"`
	Telegram TelegramConfig `toml:"telegram" yaml:"telegram"`
	Dispatch DispatchConfig `toml:"dispatch" yaml:"dispatch"`
	Access   AccessConfig   `toml:"access" yaml:"access"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `toml:"format" yaml:"format" validate:"omitempty,oneof=text json"`
}

type ServerConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
}

// AdminConfig holds the admin API login. Password may be plain text or a bcrypt hash.
type AdminConfig struct {
	Username string `toml:"username" yaml:"username"`
	Password string `toml:"password" yaml:"password"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret" yaml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in" yaml:"jwt_expires_in"`
}

type TelegramConfig struct {
	BotToken            string   `toml:"bot_token" yaml:"bot_token"`
	APIEndpoint         string   `toml:"api_endpoint" yaml:"api_endpoint"`
	Mode                string   `toml:"mode" yaml:"mode" validate:"oneof=poll webhook"`
	WebhookURL          string   `toml:"webhook_url" yaml:"webhook_url" validate:"omitempty,url"`
	WebhookSecret       string   `toml:"webhook_secret" yaml:"webhook_secret"`
	PollTimeoutSeconds  int      `toml:"poll_timeout_seconds" yaml:"poll_timeout_seconds" validate:"gte=0"`
	MinSubmitIntervalMs int      `toml:"min_submit_interval_ms" yaml:"min_submit_interval_ms" validate:"gte=0"`
	AllowedUpdates      []string `toml:"allowed_updates" yaml:"allowed_updates"`
	BotUsername         string   `toml:"bot_username" yaml:"bot_username"`
}

type DispatchConfig struct {
	ConversationKey        string `toml:"conversation_key" yaml:"conversation_key" validate:"oneof=chat user chat_user"`
	ConversationTimeout    string `toml:"conversation_timeout" yaml:"conversation_timeout"`
	ExpirySchedule         string `toml:"expiry_schedule" yaml:"expiry_schedule"`
	StandbyPromoteSchedule string `toml:"standby_promote_schedule" yaml:"standby_promote_schedule"`
}

type AccessConfig struct {
	AllowedChatIDs []int64 `toml:"allowed_chat_ids" yaml:"allowed_chat_ids"`
	AllowedUserIDs []int64 `toml:"allowed_user_ids" yaml:"allowed_user_ids"`
	AdminUserIDs   []int64 `toml:"admin_user_ids" yaml:"admin_user_ids"`
	DenialText     string  `toml:"denial_text" yaml:"denial_text"`
}

// PollTimeout returns the long-poll timeout.
func (c TelegramConfig) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutSeconds) * time.Second
}

// MinSubmitInterval returns the minimum spacing between two dispatcher submissions.
func (c TelegramConfig) MinSubmitInterval() time.Duration {
	return time.Duration(c.MinSubmitIntervalMs) * time.Millisecond
}

// Timeout parses the conversation idle timeout. Empty or "0" disables expiry.
func (c DispatchConfig) Timeout() (time.Duration, error) {
	raw := strings.TrimSpace(c.ConversationTimeout)
	if raw == "" || raw == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid dispatch.conversation_timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("dispatch.conversation_timeout must not be negative")
	}
	return d, nil
}

// JWTTTL parses the admin token lifetime.
func (c AuthConfig) JWTTTL() (time.Duration, error) {
	raw := strings.TrimSpace(c.JWTExpiresIn)
	if raw == "" {
		raw = DefaultJWTExpiresIn
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid auth.jwt_expires_in: %w", err)
	}
	return d, nil
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Admin: AdminConfig{
			Username: "admin",
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Telegram: TelegramConfig{
			Mode:                DefaultTelegramMode,
			PollTimeoutSeconds:  DefaultPollTimeoutSeconds,
			MinSubmitIntervalMs: DefaultMinSubmitIntervalMs,
		},
		Dispatch: DispatchConfig{
			ConversationKey: DefaultConversationKey,
			ExpirySchedule:  DefaultExpirySchedule,
		},
		Access: AccessConfig{
			DenialText: DefaultDenialText,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, err
		}
	default:
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Telegram.Mode == ModeWebhook && strings.TrimSpace(cfg.Telegram.WebhookURL) == "" {
		return errors.New("invalid config: telegram.webhook_url is required in webhook mode")
	}
	if _, err := cfg.Dispatch.Timeout(); err != nil {
		return err
	}
	if _, err := cfg.Auth.JWTTTL(); err != nil {
		return err
	}
	return nil
}
