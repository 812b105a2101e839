package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"report-ingest/reports"
)

const (
	defaultDBPath = "reports.db"
	envDBPath     = "REPORT_INGEST_DB"
)

type rootOptions struct {
	configPath string
	dbPath     string
	verbose    bool
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "report-ingest",
		Short:        "Ingest daily broadband availability reports and serve tenant statistics.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file path")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", defaultDBPath, "SQLite database path (overrides config and "+envDBPath+")")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "set debug logging level")

	root.AddCommand(
		newImportCmd(opts),
		newSubmitCmd(opts),
		newProcessCmd(opts),
		newShowCmd(opts),
		newStatsCmd(opts, "stats", "Full tenant statistics (top 20 per leaderboard)."),
		newStatsCmd(opts, "dashboard", "Compact tenant dashboard (top 10 per leaderboard)."),
	)
	return root
}

// app holds everything a subcommand needs once config, flags and env are merged.
type app struct {
	cfg     *reports.FileConfig
	log     *slog.Logger
	db      *gorm.DB
	svc     *reports.Service
	metrics *http.Server
}

func (o *rootOptions) open(cmd *cobra.Command) (*app, error) {
	cfg := &reports.FileConfig{}
	if o.configPath != "" {
		loaded, err := reports.LoadConfig(o.configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	verbose := cfg.Debug
	if cmd.Flags().Changed("verbose") {
		verbose = o.verbose
	}
	log := newLogger(verbose)

	dbPath := cfg.Database.Path
	if env := strings.TrimSpace(os.Getenv(envDBPath)); env != "" {
		dbPath = env
	}
	if cmd.Flags().Changed("db") || dbPath == "" {
		dbPath = o.dbPath
	}

	db, err := reports.OpenDB(dbPath, reports.DBOptions{BusyTimeoutMS: cfg.Database.BusyTimeoutMS, Debug: verbose})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	lookups := reports.DefaultLookups().WithOverrides(cfg.Lookups)
	if cfg.SeedStates {
		created, err := reports.SeedStates(cmd.Context(), db, lookups)
		if err != nil {
			_ = reports.CloseDB(db)
			return nil, fmt.Errorf("seed states: %w", err)
		}
		if created > 0 {
			log.Info("seeded states", "created", created)
		}
	}

	svc, err := reports.NewService(&reports.ServiceConfig{
		DB:       db,
		Logger:   log,
		Lookups:  lookups,
		Workers:  cfg.Workers,
		CacheTTL: cfg.CacheTTL,
	})
	if err != nil {
		_ = reports.CloseDB(db)
		return nil, err
	}

	a := &app{cfg: cfg, log: log, db: db, svc: svc}
	if cfg.MetricsAddr != "" {
		a.serveMetrics(cfg.MetricsAddr)
	}
	log.Debug("opened report store", "db", dbPath, "workers", cfg.Workers)
	return a, nil
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		a.log.Info("serving metrics", "addr", addr)
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics listener stopped", "error", err)
		}
	}()
}

func (a *app) Close() {
	a.svc.Close()
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.metrics.Shutdown(ctx)
	}
	if err := reports.CloseDB(a.db); err != nil {
		a.log.Warn("close database", "error", err)
	}
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(formatRFC3339Millis(a.Value.Time()))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s.%03dZ", t.Format("2006-01-02T15:04:05"), t.Nanosecond()/1_000_000)
}
