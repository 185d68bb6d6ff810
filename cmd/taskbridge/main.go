package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"taskbridge/internal/api"
	"taskbridge/internal/bitrix"
	"taskbridge/internal/config"
	"taskbridge/internal/engine"
	"taskbridge/internal/store"
)

func main() {
	var (
		cfgPath  = flag.String("config", "", "optional YAML config path")
		addr     = flag.String("addr", "", "HTTP bind address (overrides config)")
		backend  = flag.String("store", "", "job store backend: sqlite or file (overrides config)")
		dbPath   = flag.String("db", "", "SQLite DB path (overrides config)")
		filePath = flag.String("file", "", "JSON job file path (overrides config)")
		webhook  = flag.String("webhook", "", "portal webhook base URL (overrides config)")
		scanSpec = flag.String("scan", "", "due-scan cron spec, e.g. '@every 30s' (overrides config)")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		cfg, err = config.Load(*cfgPath)
		if err != nil {
			log.Fatal().Err(err).Msg("load config")
		}
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *backend != "" {
		cfg.Store.Backend = *backend
	}
	if *dbPath != "" {
		cfg.Store.DBPath = *dbPath
	}
	if *filePath != "" {
		cfg.Store.FilePath = *filePath
	}
	if *webhook != "" {
		cfg.Portal.WebhookBase = *webhook
	}
	if *scanSpec != "" {
		cfg.Scan.Spec = *scanSpec
	}
	if env := os.Getenv("PORTAL_WEBHOOK_BASE"); env != "" && cfg.Portal.WebhookBase == "" {
		cfg.Portal.WebhookBase = env
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	st, cleanup, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open job store")
	}
	defer cleanup()

	timeout, err := cfg.PortalTimeout()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid portal timeout")
	}
	portal := bitrix.New(bitrix.Config{
		WebhookBase:     cfg.Portal.WebhookBase,
		PortalOffsetMin: cfg.Portal.TZOffsetMinutes,
		Timeout:         timeout,
		RateLimit:       cfg.Portal.RateLimit,
	})
	eng := engine.New(st, portal)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// periodic due-scan trigger
	c := cron.New()
	if _, err := c.AddFunc(cfg.Scan.Spec, func() {
		if _, err := eng.Scan(ctx, time.Now()); err != nil {
			log.Error().Err(err).Msg("scan failed")
		}
	}); err != nil {
		log.Fatal().Err(err).Str("spec", cfg.Scan.Spec).Msg("invalid scan spec")
	}
	c.Start()
	defer c.Stop()

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: api.NewServer(eng, portal)}
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("store", cfg.Store.Backend).
			Str("scan", cfg.Scan.Spec).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

func openStore(cfg config.Config) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case "file":
		st, err := store.NewFile(cfg.Store.FilePath)
		return st, func() {}, err
	default:
		dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.Store.DBPath)
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, nil, err
		}
		db.SetMaxOpenConns(1) // SQLite single writer
		if err := store.EnsureSchema(db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return store.NewSQLite(db), func() { db.Close() }, nil
	}
}
