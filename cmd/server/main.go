package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"estatesync/server/config"
	"estatesync/server/internal/api"
	"estatesync/server/internal/auth"
	"estatesync/server/internal/database"
	"estatesync/server/internal/models"
	"estatesync/server/internal/scheduler"
	"estatesync/server/internal/source"
	"estatesync/server/internal/syncer"
	"estatesync/server/internal/telegram"
	"estatesync/server/internal/upsert"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const usage = `usage:
  server [serve]                 run the admin API and the schedule runner
  server sync -type <type> [...] run one sync and exit`

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("level", cfg.Log.Level).Warn("Unknown log level, using info")
	}

	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "sync":
		err = runSync(ctx, cfg, logger, args)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.WithError(err).Fatal("Command failed")
	}
}

// app holds the wired components shared by both commands.
type app struct {
	db     *database.Database
	syncer *syncer.Orchestrator
}

func setup(cfg *config.Config, logger *logrus.Logger) (*app, error) {
	if cfg.Database.Driver == "sqlite" {
		if dir := filepath.Dir(cfg.Database.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}
	logger.WithFields(logrus.Fields{
		"driver": cfg.Database.Driver,
	}).Info("Opening database")

	db, err := database.NewDatabase(cfg.Database.Driver, cfg.Database.DSN, cfg.Database.MaxOpenConns, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("Running database migrations...")
	if err := db.RunMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	orchestrator := syncer.New(syncer.Dependencies{
		DB:       db,
		Fetcher:  source.NewClient(cfg.Source.BaseURL, cfg.Source.Timeout, cfg.Source.UserAgent, logger),
		Auth:     auth.NewAuthenticator(cfg.Auth.URL, cfg.Auth.Identity, cfg.Auth.Secret, cfg.Source.Timeout, logger),
		Images:   upsert.NewHTTPImageChecker(cfg.Sync.ImageCheckTimeout),
		Notifier: telegram.NewService(cfg, logger),
	}, cfg, logger)

	return &app{db: db, syncer: orchestrator}, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	a, err := setup(cfg, logger)
	if err != nil {
		return err
	}
	defer a.db.Close()

	sched, err := scheduler.NewScheduler(a.db.GetDB(), a.syncer, cfg, logger)
	if err != nil {
		return err
	}
	if cfg.Scheduler.SeedFile != "" {
		seeds, err := config.LoadScheduleSeeds(cfg.Scheduler.SeedFile)
		if err != nil {
			return err
		}
		if err := sched.Seed(ctx, seeds); err != nil {
			return err
		}
	}
	if cfg.Scheduler.Enabled {
		if err := sched.Start(); err != nil {
			return err
		}
		defer sched.Stop()
	} else {
		logger.Info("Scheduler disabled")
	}

	gin.SetMode(gin.ReleaseMode)
	handler := api.NewHandler(a.db, a.syncer, sched, logger)
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewRouter(handler, cfg.HTTP.AllowOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Starting server on %s", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runSync(ctx context.Context, cfg *config.Config, logger *logrus.Logger, args []string) error {
	defaults := models.DefaultSyncOptions()
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	objectType := fs.String("type", "", "object type: "+joinTypes())
	cities := fs.String("cities", "", "comma separated city external ids (default: all active cities)")
	opts := models.SyncOptions{}
	fs.BoolVar(&opts.SkipErrors, "skip-errors", defaults.SkipErrors, "continue after record and city failures")
	fs.BoolVar(&opts.ForceUpdate, "force-update", defaults.ForceUpdate, "overwrite feed and import rows")
	fs.BoolVar(&opts.UpdateExisting, "update-existing", defaults.UpdateExisting, "update rows that already exist")
	fs.BoolVar(&opts.CreateMissingReferences, "create-references", defaults.CreateMissingReferences, "create unknown reference entities")
	fs.BoolVar(&opts.CheckImages, "check-images", defaults.CheckImages, "drop images whose URL does not answer")
	fs.BoolVar(&opts.LogErrors, "log-errors", defaults.LogErrors, "persist failures as parser errors")
	fs.BoolVar(&opts.TrackChanges, "track-changes", defaults.TrackChanges, "write price and field history")
	if err := fs.Parse(args); err != nil {
		return err
	}

	t, err := models.ParseObjectType(*objectType)
	if err != nil {
		return err
	}
	req := syncer.Request{
		ObjectType: t,
		Options:    opts,
		Trigger:    syncer.TriggerCLI,
	}
	if *cities != "" {
		for _, c := range strings.Split(*cities, ",") {
			if c = strings.TrimSpace(c); c != "" {
				req.Cities = append(req.Cities, c)
			}
		}
	}

	a, err := setup(cfg, logger)
	if err != nil {
		return err
	}
	defer a.db.Close()

	stats, err := a.syncer.Sync(ctx, req)
	if stats != nil {
		logger.WithFields(logrus.Fields{
			"run_id":  stats.RunID,
			"total":   stats.Total,
			"created": stats.Created,
			"updated": stats.Updated,
			"skipped": stats.Skipped,
			"errors":  stats.Errors,
		}).Info("Sync completed")
	}
	return err
}

func joinTypes() string {
	types := models.ObjectTypes()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
