package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/joescharf/onboard/internal/apiclient"
	"github.com/joescharf/onboard/internal/auth"
	"github.com/joescharf/onboard/internal/cache"
	"github.com/joescharf/onboard/internal/chat"
	"github.com/joescharf/onboard/internal/execution"
	"github.com/joescharf/onboard/internal/invalidate"
	"github.com/joescharf/onboard/internal/logging"
	"github.com/joescharf/onboard/internal/persist"
	"github.com/joescharf/onboard/internal/sessions"
	"github.com/joescharf/onboard/internal/store"
	"github.com/joescharf/onboard/internal/telemetry"
)

// Persistence backends for the session pointer.
const (
	backendSQLite = "sqlite"
	backendFile   = "file"
	backendRedis  = "redis"
	backendMemory = "memory"
)

// appConfig is the resolved configuration the app is built from.
type appConfig struct {
	BaseURL           string
	Token             string
	TokenFile         string
	DBPath            string
	Backend           string
	PointerPath       string
	RedisURL          string
	LogLevel          string
	LogFormat         string
	LogWriter         io.Writer
	TelemetryEndpoint string
	Version           string
	// Clock drives cache polling; nil uses the wall clock.
	Clock cache.Clock
}

func loadAppConfig() appConfig {
	return appConfig{
		BaseURL:           viper.GetString("api.base_url"),
		Token:             viper.GetString("api.token"),
		TokenFile:         viper.GetString("api.token_file"),
		DBPath:            viper.GetString("db_path"),
		Backend:           viper.GetString("persistence.backend"),
		PointerPath:       viper.GetString("persistence.path"),
		RedisURL:          viper.GetString("redis.url"),
		LogLevel:          viper.GetString("log.level"),
		LogFormat:         viper.GetString("log.format"),
		TelemetryEndpoint: viper.GetString("telemetry.endpoint"),
		Version:           buildVersion,
	}
}

// app holds the wired client stack shared by commands.
type app struct {
	log      zerolog.Logger
	tokens   *auth.FileProvider
	client   *apiclient.Client
	cache    *cache.Cache
	store    *store.SQLiteStore
	pointer  *persist.Adapter
	sessions *sessions.Manager
	runs     *execution.Service
	chat     *chat.Service

	closers  []func(context.Context) error
	hintOnce sync.Once
}

// newApp builds the client stack. The SQLite journal is always opened when
// DBPath is set; the pointer backend is chosen by cfg.Backend.
func newApp(ctx context.Context, cfg appConfig) (*app, error) {
	log, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Writer: cfg.LogWriter})
	if err != nil {
		return nil, err
	}
	a := &app{log: log}

	shutdown, err := telemetry.Setup(ctx, cfg.TelemetryEndpoint, cfg.Version)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdown)

	if cfg.DBPath != "" {
		st, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			_ = a.Close(ctx)
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		a.store = st
		a.closers = append(a.closers, func(context.Context) error { return st.Close() })
	}

	backend, err := a.pointerBackend(ctx, cfg)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	a.pointer = persist.NewAdapter(backend, logging.Component(log, "persist"))

	cacheOpts := []cache.Option{cache.WithLogger(logging.Component(log, "cache"))}
	if cfg.Clock != nil {
		cacheOpts = append(cacheOpts, cache.WithClock(cfg.Clock))
	}
	a.cache = cache.New(cacheOpts...)
	a.closers = append(a.closers, func(context.Context) error { a.cache.Close(); return nil })

	var creds auth.Chain
	if cfg.Token != "" {
		static := auth.NewStatic(cfg.Token)
		static.OnSignOut(a.signedOut)
		creds = append(creds, static)
	}
	if cfg.TokenFile != "" {
		a.tokens = auth.NewFile(cfg.TokenFile)
		a.tokens.OnSignOut(a.signedOut)
		creds = append(creds, a.tokens)
	}

	a.client = apiclient.New(cfg.BaseURL,
		apiclient.WithCredentials(creds),
		apiclient.WithLogger(logging.Component(log, "api")),
		apiclient.WithSignedOutHandler(func() {
			log.Warn().Msg("credentials rejected, signed out")
		}),
	)

	router := invalidate.NewRouter(a.cache, nil, logging.Component(log, "invalidate"))
	opts := []sessions.Option{sessions.WithLogger(logging.Component(log, "sessions"))}
	if a.store != nil {
		opts = append(opts, sessions.WithJournal(a.store))
	}
	a.sessions = sessions.NewManager(a.client, a.cache, router, a.pointer, opts...)
	a.runs = execution.NewService(a.client, a.cache, router, logging.Component(log, "execution"))
	a.chat = chat.NewService(a.client, a.cache, router, logging.Component(log, "chat"))
	return a, nil
}

// signedOut drops everything fetched with the revoked credential.
func (a *app) signedOut() {
	n := a.cache.Purge()
	a.log.Info().Int("dropped", n).Msg("signed out, cache cleared")
	// Every provider in the chain notifies; hint once.
	a.hintOnce.Do(func() {
		if ui != nil {
			ui.Warning("Signed out; run 'onboard login' to store a new token")
		}
	})
}

func (a *app) pointerBackend(ctx context.Context, cfg appConfig) (persist.Backend, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", backendSQLite:
		if a.store == nil {
			return nil, fmt.Errorf("persistence backend %q needs db_path", backendSQLite)
		}
		return a.store, nil
	case backendFile:
		path := cfg.PointerPath
		if path == "" {
			path = filepath.Join(filepath.Dir(cfg.DBPath), persist.SessionKey)
		}
		return persist.NewFile(path), nil
	case backendRedis:
		r, err := persist.NewRedis(ctx, cfg.RedisURL, persist.DefaultRedisPrefix)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return r.Close() })
		return r, nil
	case backendMemory:
		return persist.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown persistence backend %q (want sqlite, file, redis, or memory)", cfg.Backend)
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
