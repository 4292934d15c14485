package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/PortNumber53/family-membership/internal/billing"
	"github.com/PortNumber53/family-membership/internal/codes"
	"github.com/PortNumber53/family-membership/internal/config"
	"github.com/PortNumber53/family-membership/internal/eventlog"
	"github.com/PortNumber53/family-membership/internal/handlers"
	"github.com/PortNumber53/family-membership/internal/httpserver"
	"github.com/PortNumber53/family-membership/internal/middleware"
	"github.com/PortNumber53/family-membership/internal/migrations"
	"github.com/PortNumber53/family-membership/internal/notify"
	"github.com/PortNumber53/family-membership/internal/store"
	"github.com/PortNumber53/family-membership/internal/stripe"
	"github.com/PortNumber53/family-membership/internal/worker"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	logDBTarget("primary", cfg.DatabaseURL)
	configureDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("failed to ping database: %v", err)
	}

	if err := runMigrationsWithDirtyFix(db, "primary"); err != nil {
		log.Fatalf("failed to apply database migrations: %v", err)
	}

	st, err := store.New(db)
	if err != nil {
		log.Fatalf("failed to create store: %v", err)
	}

	processor, err := stripe.NewClient(cfg.StripeSecretKey, cfg.StripeWebhookSecret, nil)
	if err != nil {
		log.Fatalf("failed to create stripe client: %v", err)
	}

	checks := map[string]handlers.Check{"database": db.PingContext}

	var events billing.EventLog
	if cfg.RedisURL != "" {
		redisLog, err := eventlog.NewRedis(ctx, cfg.RedisURL, eventlog.DefaultTTL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisLog.Close()
		events = redisLog
		checks["redis"] = redisLog.Ping
		log.Printf("[server] Webhook event log: redis")
	} else {
		events = eventlog.NewMemory(eventlog.DefaultTTL)
		log.Printf("[server] Webhook event log: in-memory (REDIS_URL not set)")
	}

	var mailer notify.Mailer
	if cfg.EmailEnabled() {
		pm, err := notify.NewPostmarkMailer(cfg.PostmarkServerToken, cfg.PostmarkAccountToken, cfg.SenderEmail)
		if err != nil {
			log.Fatalf("failed to create postmark mailer: %v", err)
		}
		mailer = pm
	} else {
		log.Printf("[server] Email disabled (POSTMARK_SERVER_TOKEN not set)")
	}

	svc, err := billing.New(billing.Deps{
		Store:     st,
		Processor: processor,
		Notifier:  notify.New(st, mailer),
		Codes:     codes.NewGenerator(),
		Events:    events,
		Pricing:   cfg.PricingRules(),
		Prices:    cfg.PriceCatalog(),
		AppURL:    cfg.AppURL,
	})
	if err != nil {
		log.Fatalf("failed to create billing service: %v", err)
	}

	auth, err := middleware.NewAuthenticator(cfg.JWTSecret)
	if err != nil {
		log.Fatalf("failed to create authenticator: %v", err)
	}

	var sweeper *worker.Worker
	if cfg.SweepInterval > 0 {
		wc := worker.DefaultConfig()
		wc.PollInterval = cfg.SweepInterval
		sweeper = worker.New(wc, st, svc)
		sweeper.SetInstrumentation(&worker.Instrumentation{OnHeartbeat: worker.LogHeartbeat})
		checks["sweeper"] = sweeper.Check
	}

	srv := httpserver.New(cfg, httpserver.Routes{
		Membership:    handlers.NewMembershipHandler(svc),
		Notifications: handlers.NewNotificationHandler(st),
		Family:        handlers.NewFamilyHandler(svc),
		Webhook:       handlers.NewWebhookHandler(processor, svc),
		Auth:          auth,
		Metrics:       middleware.NewHTTPMetrics(prometheus.DefaultRegisterer),
		HealthChecks:  checks,
	}, sweeper)

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-shutdownCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
		}
	}()

	log.Printf("membership service starting on %s", cfg.ServerAddress)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("server exited with error: %v", err)
		os.Exit(1)
	}
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func runMigrationsWithDirtyFix(db *sql.DB, name string) error {
	if err := migrations.Up(db); err != nil {
		log.Printf("migrations(%s): error detected: %v", name, err)
		if strings.Contains(err.Error(), "Dirty database version") {
			log.Printf("migrations(%s): dirty database detected, attempting to fix...", name)
			if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
				log.Printf("migrations(%s): failed to fix dirty database: %v", name, fixErr)
				return err
			}
			return migrations.Up(db)
		}
		return err
	}
	return nil
}

func logDBTarget(name, dsn string) {
	// Only log hostname and database path.
	u, err := url.Parse(dsn)
	if err != nil {
		log.Printf("db(%s): configured (dsn parse error: %v)", name, err)
		return
	}
	log.Printf("db(%s): host=%s db=%s", name, u.Hostname(), strings.TrimPrefix(u.Path, "/"))
}
