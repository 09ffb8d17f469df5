package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/zllovesuki/billing/auth"
	"github.com/zllovesuki/billing/credit"
	"github.com/zllovesuki/billing/db"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build-time injected variables
var (
	Version = ""
)

const defaultRetentionDays = 90

func main() {
	var logger *zap.Logger
	var authEnvironment auth.Environment
	var dotFile string
	var err error

	once := flag.Bool("once", false, "run a single expiry pass and exit")
	interval := flag.Duration("interval", time.Hour, "time between expiry passes")
	flag.Parse()

	// Determine running environment and initialize structural logger
	env := os.Getenv("ENV")
	if "production" == env {
		dotFile = ".env.production"
		authEnvironment = auth.EnvProduction
		logger, err = zap.NewProduction()
	} else {
		dotFile = ".env.development"
		authEnvironment = auth.EnvDevelopment
		logger, err = zap.NewDevelopment()
	}

	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	logger = logger.With(zap.String("Version", Version))

	// Initialize sentry for error reporting
	if err := sentry.Init(sentry.ClientOptions{
		Environment: string(authEnvironment),
		Debug:       authEnvironment == auth.EnvDevelopment,
	}); err != nil {
		log.Fatal("Cannot initialize sentry",
			zap.Error(err),
		)
	}
	defer sentry.Flush(time.Second * 2)

	// Attach sentry to zap so we can do automatic error capturing
	cfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "task",
		},
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	if err != nil {
		logger.Warn("Cannot attach sentry to logger",
			zap.Error(err),
		)
	} else {
		logger = zapsentry.AttachCoreToLogger(core, logger)
	}

	defer logger.Sync()

	// Load configurations from dotFile
	if err := godotenv.Load(dotFile); err != nil {
		logger.Fatal("Cannot load configurations from .env",
			zap.Error(err),
		)
	}

	retentionDays := defaultRetentionDays
	if s := os.Getenv("AUDIT_RETENTION_DAYS"); len(s) > 0 {
		retentionDays, err = strconv.Atoi(s)
		if err != nil || retentionDays <= 0 {
			logger.Fatal("Invalid AUDIT_RETENTION_DAYS",
				zap.String("Value", s),
			)
		}
	}

	// Initialize backend connections
	db, err := db.New(db.Options{
		URI:    os.Getenv("POSTGRES_URI"),
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	creditManager, err := credit.NewManager(credit.ManagerOptions{
		DB:     db,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize CreditManager",
			zap.Error(err),
		)
	}

	creditTask, err := credit.NewTask(credit.TaskOptions{
		CreditManager: creditManager,
		Logger:        logger,
		Retention:     time.Duration(retentionDays) * 24 * time.Hour,
		Interval:      *interval,
	})
	if err != nil {
		logger.Fatal("Cannot get credit task",
			zap.Error(err),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		if _, err := creditTask.Expire(ctx); err != nil {
			logger.Fatal("Cannot expire credit audit logs",
				zap.Error(err),
			)
		}
		return
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	creditTask.HandleExpiry(ctx)

	logger.Info("Billing task started",
		zap.Int("RetentionDays", retentionDays),
	)

	<-c
	cancel()
}
