package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-escrow/internal/config"
	"github.com/example/ride-escrow/internal/escrow"
	"github.com/example/ride-escrow/internal/eta"
	"github.com/example/ride-escrow/internal/geo"
	httpapi "github.com/example/ride-escrow/internal/http"
	"github.com/example/ride-escrow/internal/logging"
	"github.com/example/ride-escrow/internal/models"
	"github.com/example/ride-escrow/internal/notify"
	"github.com/example/ride-escrow/internal/relay"
	"github.com/example/ride-escrow/internal/ride"
	"github.com/example/ride-escrow/internal/seal"
	"github.com/example/ride-escrow/internal/storage"
)

func main() {
	cfg, err := config.LoadCoordinatorConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	if cfg.RunMigrations && cfg.PGDSN != "" {
		runMigrations(cfg.PGDSN, logger)
	}

	ident, err := seal.NewIdentity()
	if err != nil {
		logger.Error("identity generation failed", "error", err)
		os.Exit(1)
	}
	logger.Info("party identity ready", "pubkey", ident.PublicKey(), "role", cfg.Role)

	var store storage.RideStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	var tracker geo.Tracker
	if cfg.RedisAddr != "" {
		tracker = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		tracker = geo.NewIndex()
	}

	var rel relay.Relay
	if len(cfg.KafkaBrokers) > 0 {
		k := relay.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer k.Close()
		rel = k
	} else {
		rel = relay.NewMemory()
		logger.Warn("no relay brokers configured, using in-process relay")
	}

	var mint escrow.Mint
	if os.Getenv("STRIPE_API_KEY") != "" {
		mint = escrow.NewStripeMint()
	} else {
		mint = escrow.NewLocalMint()
		logger.Warn("no payment rail configured, using local mint")
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(30 * time.Second), SpeedMps: cfg.DefaultSpeedMps}
	if ep := os.Getenv("OSRM_ENDPOINT"); ep != "" {
		estimator.Client = eta.NewOSRMClient(ep)
	}

	wsreg := notify.NewWSRegistry(logger)

	sess := ride.NewSession(ride.Config{
		Role:              models.Role(cfg.Role),
		Identity:          ident,
		Relay:             rel,
		Store:             store,
		Mint:              mint,
		Tracker:           tracker,
		Notifier:          wsreg,
		Logger:            logger,
		Currency:          cfg.Currency,
		ArrivalRadiusM:    cfg.ArrivalRadiusM,
		LockExpiry:        cfg.LockExpiry,
		RefundCheckEvery:  cfg.RefundCheckEvery,
		AvailabilityEvery: cfg.AvailabilityEvery,
		Estimator:         estimator,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sess.Start(ctx); err != nil {
		logger.Error("session start failed", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(sess, wsreg, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("coordinator listening", "addr", cfg.HTTPAddr, "role", cfg.Role)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
}

// runMigrations applies the bundled schema file when MIGRATE=true.
func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open failed", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_ride_records.sql"))
	if err != nil {
		logger.Error("migration read failed", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec failed", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_ride_records.sql")
}
