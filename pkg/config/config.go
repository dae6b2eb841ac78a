// Package config loads chatrelay settings from defaults, an optional YAML file,
// CHATRELAY_* environment variables and command-line flags, in that order.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chatrelay/pkg/persistence/relaystore"
	"github.com/go-go-golems/chatrelay/pkg/redisstream"
)

const EnvPrefix = "CHATRELAY"

type ContextSettings struct {
	MaxTurns int `mapstructure:"max_turns"`
	// TokenBudget caps the estimated size of a request's context. 0 disables trimming.
	TokenBudget int    `mapstructure:"token_budget"`
	MinTurns    int    `mapstructure:"min_turns"`
	Counter     string `mapstructure:"counter"`
}

type RateLimitSettings struct {
	Messages        int           `mapstructure:"messages"`
	Window          time.Duration `mapstructure:"window"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
}

type BackendSettings struct {
	Kind        string        `mapstructure:"kind"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Referer     string        `mapstructure:"referer"`
	Title       string        `mapstructure:"title"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type PumpSettings struct {
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	MinFlushChars   int           `mapstructure:"min_flush_chars"`
	MaxMessageRunes int           `mapstructure:"max_message_runes"`
	NoticeTimeout   time.Duration `mapstructure:"notice_timeout"`
}

type StoreSettings struct {
	relaystore.Settings `mapstructure:",squash"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

type EventsSettings struct {
	Enabled bool                 `mapstructure:"enabled"`
	Topic   string               `mapstructure:"topic"`
	Recent  int                  `mapstructure:"recent"`
	Redis   redisstream.Settings `mapstructure:"redis"`
}

type BroadcastSettings struct {
	Concurrency    int  `mapstructure:"concurrency"`
	PreemptStreams bool `mapstructure:"preempt_streams"`
}

// GroupSettings govern group and supergroup chats.
type GroupSettings struct {
	BotName string `mapstructure:"bot_name"`
	// Messages per Window for a whole group. 0 disables the group limit.
	Messages int           `mapstructure:"messages"`
	Window   time.Duration `mapstructure:"window"`
}

type WebsocketSettings struct {
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	ReadLimit    int64         `mapstructure:"read_limit"`
}

type Settings struct {
	ListenAddr  string  `mapstructure:"listen_addr"`
	LogLevel    string  `mapstructure:"log_level"`
	AdminIDs    []int64 `mapstructure:"admin_ids"`
	AdminToken  string  `mapstructure:"admin_token"`
	CatalogPath string  `mapstructure:"catalog_path"`

	Context   ContextSettings   `mapstructure:"context"`
	RateLimit RateLimitSettings `mapstructure:"rate_limit"`
	Backend   BackendSettings   `mapstructure:"backend"`
	Pump      PumpSettings      `mapstructure:"pump"`
	Store     StoreSettings     `mapstructure:"store"`
	Events    EventsSettings    `mapstructure:"events"`
	Broadcast BroadcastSettings `mapstructure:"broadcast"`
	Groups    GroupSettings     `mapstructure:"groups"`
	Websocket WebsocketSettings `mapstructure:"websocket"`
}

var defaults = map[string]any{
	"listen_addr":  ":8080",
	"log_level":    "info",
	"admin_ids":    []int64{},
	"admin_token":  "",
	"catalog_path": "",

	"context.max_turns":    20,
	"context.token_budget": 4000,
	"context.min_turns":    2,
	"context.counter":      "approx",

	"rate_limit.messages":         10,
	"rate_limit.window":           time.Minute,
	"rate_limit.cleanup_interval": 5 * time.Minute,
	"rate_limit.stale_after":      10 * time.Minute,

	"backend.kind":        "openrouter",
	"backend.api_key":     "",
	"backend.base_url":    "https://openrouter.ai/api/v1",
	"backend.referer":     "",
	"backend.title":       "chatrelay",
	"backend.temperature": 0.7,
	"backend.max_tokens":  2048,
	"backend.timeout":     2 * time.Minute,

	"pump.flush_interval":    500 * time.Millisecond,
	"pump.min_flush_chars":   20,
	"pump.max_message_runes": 4096,
	"pump.notice_timeout":    5 * time.Second,

	"store.driver":       "sqlite",
	"store.dsn":          "",
	"store.path":         "data/chatrelay.db",
	"store.redis_addr":   "localhost:6379",
	"store.redis_prefix": "chatrelay",
	"store.timeout":      5 * time.Second,

	"events.enabled":             true,
	"events.topic":               "relay.events",
	"events.recent":              100,
	"events.redis.enabled":       false,
	"events.redis.addr":          "localhost:6379",
	"events.redis.group":         "chatrelay",
	"events.redis.consumer":      "relay-1",
	"events.redis.output_buffer": 256,

	"broadcast.concurrency":     8,
	"broadcast.preempt_streams": false,

	"groups.bot_name": "chatrelay",
	"groups.messages": 10,
	"groups.window":   time.Minute,

	"websocket.write_timeout": 10 * time.Second,
	"websocket.idle_timeout":  time.Minute,
	"websocket.read_limit":    64 << 10,
}

// SetDefaults registers every key so environment variables reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Load reads settings into v. An empty file searches ./chatrelay.yaml and
// $HOME/.config/chatrelay/config.yaml and tolerates neither existing.
func Load(v *viper.Viper, file string) (*Settings, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "config: read %s", file)
		}
	} else {
		v.SetConfigName("chatrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/chatrelay")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "config: read config")
			}
		}
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "config: decode")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Validate() error {
	if s == nil {
		return errors.New("config: nil settings")
	}
	if strings.TrimSpace(s.ListenAddr) == "" {
		return errors.New("config: listen_addr is empty")
	}
	if _, err := zerolog.ParseLevel(s.LogLevel); err != nil {
		return errors.Wrapf(err, "config: log_level %q", s.LogLevel)
	}
	if s.Context.MaxTurns <= 0 {
		return errors.New("config: context.max_turns must be positive")
	}
	if s.Context.TokenBudget < 0 || s.Context.MinTurns < 0 {
		return errors.New("config: context.token_budget and context.min_turns must not be negative")
	}
	switch strings.ToLower(s.Context.Counter) {
	case "", "approx", "tiktoken":
	default:
		return errors.Errorf("config: unknown context.counter %q", s.Context.Counter)
	}
	if s.RateLimit.Messages <= 0 || s.RateLimit.Window <= 0 {
		return errors.New("config: rate_limit.messages and rate_limit.window must be positive")
	}
	switch strings.ToLower(s.Backend.Kind) {
	case "openrouter":
		if strings.TrimSpace(s.Backend.APIKey) == "" {
			return errors.New("config: backend.api_key is required for the openrouter backend")
		}
	case "scripted":
	default:
		return errors.Errorf("config: unknown backend.kind %q", s.Backend.Kind)
	}
	if s.Backend.Timeout < 0 {
		return errors.New("config: backend.timeout must not be negative")
	}
	if s.Pump.MaxMessageRunes < 0 || s.Pump.MinFlushChars < 0 {
		return errors.New("config: pump sizes must not be negative")
	}
	if s.Broadcast.Concurrency < 0 {
		return errors.New("config: broadcast.concurrency must not be negative")
	}
	if s.Groups.Messages < 0 || (s.Groups.Messages > 0 && s.Groups.Window <= 0) {
		return errors.New("config: groups.messages must not be negative and groups.window must be positive")
	}
	if s.Events.Redis.Enabled && strings.TrimSpace(s.Events.Redis.Addr) == "" {
		return errors.New("config: events.redis.addr is required when redis events are enabled")
	}
	return nil
}
