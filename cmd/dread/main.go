package main

import (
	"database/sql"
	"fmt"
	"net/http"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quietmaw/dread/internal/api"
	"github.com/quietmaw/dread/internal/config"
	"github.com/quietmaw/dread/internal/db"
	"github.com/quietmaw/dread/internal/gateway"
	"github.com/quietmaw/dread/internal/middleware"
	"github.com/quietmaw/dread/internal/services"
)

func main() {
	root := &cobra.Command{
		Use:          "dread",
		Short:        "Timed SMS whisper-chain game server",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), migrateCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and recover pending timers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			sqlDB, err := openDB(cfg.DBPath)
			if err != nil {
				return err
			}
			defer sqlDB.Close()
			if err := db.RunMigrations(sqlDB); err != nil {
				return err
			}
			fmt.Println("schema up to date")
			return nil
		},
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	sqlDB, err := openDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if err := db.RunMigrations(sqlDB); err != nil {
		return err
	}
	store, err := db.NewSQLiteStore(sqlDB)
	if err != nil {
		return err
	}

	var gw services.Gateway
	if cfg.GatewayURL != "" {
		gw = gateway.NewHTTPGateway(cfg.GatewayURL, cfg.GatewayFrom)
	} else {
		gw = gateway.NewLogGateway(log)
	}

	authority := middleware.NewTokenAuthority(cfg.JWTSecret)
	auth, err := services.NewAuthService(cfg.AdminSecret, authority.Sign)
	if err != nil {
		return err
	}

	consent := services.NewConsentService(store)
	mantle := services.NewMantleService(store, gw, "Dread", cfg.Riddle, cfg.Keyphrase, log)
	engine := services.NewAdjudicationEngine(store, gw, mantle, cfg.RevealProb, log)
	collector := services.NewResponseCollector(store, engine, cfg.MirroredWindow(), log)
	tokens := services.NewSessionTokens(store, cfg.SoloWindow())
	scheduler := services.NewChainScheduler(store, tokens, consent, gw, mantle, engine, services.SchedulerConfig{
		BaseURL:      cfg.BaseURL,
		SoloWindow:   cfg.SoloWindow(),
		FireDelay:    services.FireWindow{Min: cfg.FireDelayMinMinutes, Max: cfg.FireDelayMaxMinutes},
		MirrorChance: cfg.MirrorChance,
		BlankProb:    cfg.BlankProb,
		Riddle:       cfg.Riddle,
		Keyphrase:    cfg.Keyphrase,
	}, log)

	if err := scheduler.RecoverJobs(); err != nil {
		return fmt.Errorf("recover scheduled jobs: %w", err)
	}

	mux := http.NewServeMux()
	api.NewRouter(scheduler, collector, consent, mantle, auth, authority, log).Register(mux)
	handler := middleware.RequestLog(log, middleware.SecureHeaders(mux))

	log.Info("dread listening", zap.String("addr", cfg.Addr))
	return http.ListenAndServe(cfg.Addr, handler)
}

func openDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&_busy_timeout=5000", path)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return sqlDB, nil
}
