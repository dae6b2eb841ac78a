// Package relaystore provides durable relay.Store implementations.
package relaystore

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/relay"
)

type Settings struct {
	Driver      string `mapstructure:"driver"`
	DSN         string `mapstructure:"dsn"`
	Path        string `mapstructure:"path"`
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisPrefix string `mapstructure:"redis_prefix"`
}

// Open builds the store selected by settings.Driver: memory, sqlite, postgres or redis.
func Open(settings Settings) (relay.Store, error) {
	driver := strings.ToLower(strings.TrimSpace(settings.Driver))
	switch driver {
	case "", "memory":
		return relay.NewMemoryStore(), nil
	case "sqlite", "sqlite3":
		dsn := settings.DSN
		if dsn == "" {
			if settings.Path == "" {
				return nil, errors.New("relay store: sqlite needs dsn or path")
			}
			if dir := filepath.Dir(settings.Path); dir != "" {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, errors.Wrap(err, "relay store: create sqlite dir")
				}
			}
			var err error
			dsn, err = SQLiteDSNForFile(settings.Path)
			if err != nil {
				return nil, err
			}
		}
		log.Info().Str("component", "relaystore").Str("driver", "sqlite").Msg("opening relay store")
		return NewSQLiteStore(dsn)
	case "postgres", "postgresql":
		log.Info().Str("component", "relaystore").Str("driver", "postgres").Msg("opening relay store")
		return NewPostgresStore(settings.DSN)
	case "redis":
		log.Info().Str("component", "relaystore").Str("driver", "redis").Str("addr", settings.RedisAddr).Msg("opening relay store")
		return NewRedisStore(settings.RedisAddr, settings.RedisPrefix)
	default:
		return nil, errors.Errorf("relay store: unknown driver %q", settings.Driver)
	}
}
