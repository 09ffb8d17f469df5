package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/zllovesuki/billing/audit"
	"github.com/zllovesuki/billing/auth"
	"github.com/zllovesuki/billing/billing"
	"github.com/zllovesuki/billing/broker"
	"github.com/zllovesuki/billing/credit"
	"github.com/zllovesuki/billing/db"
	"github.com/zllovesuki/billing/external"
	"github.com/zllovesuki/billing/order"
	"github.com/zllovesuki/billing/price"
	specBroker "github.com/zllovesuki/billing/spec/broker"
	"github.com/zllovesuki/billing/subscription"
	"github.com/zllovesuki/billing/user"
	"github.com/zllovesuki/billing/webhook"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v7"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	var logger *zap.Logger
	var authEnvironment auth.Environment
	var dotFile string
	var err error

	issueToken := flag.String("issue-token", "", "print an internal API token for the named service and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour*30, "lifetime of the token printed by -issue-token")
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

	// Attach sentry to zap so duplicate deliveries and inconsistencies become alerts
	cfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "api",
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

	authManager, err := auth.New(auth.Options{
		Logger:        logger,
		JWTSigningKey: os.Getenv("INTERNAL_JWT_KEY"),
		Environment:   authEnvironment,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Auth",
			zap.Error(err),
		)
	}

	if len(*issueToken) > 0 {
		token, err := authManager.CreateServiceToken(*issueToken, *tokenTTL)
		if err != nil {
			logger.Fatal("Cannot issue service token",
				zap.Error(err),
			)
		}
		fmt.Println(token)
		return
	}

	location := time.UTC
	if tz := os.Getenv("BILLING_TIMEZONE"); len(tz) > 0 {
		location, err = time.LoadLocation(tz)
		if err != nil {
			logger.Fatal("Cannot load billing timezone",
				zap.String("Timezone", tz),
				zap.Error(err),
			)
		}
	}

	var signupCredits int64
	if s := os.Getenv("SIGNUP_FREE_CREDITS"); len(s) > 0 {
		signupCredits, err = strconv.ParseInt(s, 10, 64)
		if err != nil {
			logger.Fatal("Invalid SIGNUP_FREE_CREDITS",
				zap.Error(err),
			)
		}
	}

	catalog, err := price.LoadCatalog(os.Getenv("PRICE_CONFIG_PATH"))
	if err != nil {
		logger.Fatal("Cannot load price configuration",
			zap.Error(err),
		)
	}

	stripeClient := external.NewStripeClient(os.Getenv("STRIPE_KEY"), logger)

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

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{os.Getenv("REDIS_URI")},
		Password: os.Getenv("REDIS_PW"),
		DB:       0,
	})
	if _, err := rdb.Ping().Result(); err != nil {
		logger.Fatal("Cannot connect to Redis",
			zap.Error(err),
		)
	}
	defer rdb.Close()

	// Audit records are still persisted when no broker is configured
	var producer specBroker.Producer
	if uri := os.Getenv("AMQP_URI"); len(uri) > 0 {
		amqpBroker, err := broker.NewAMQPBroker(uri)
		if err != nil {
			logger.Fatal("Cannot connect to Broker",
				zap.Error(err),
			)
		}
		defer amqpBroker.Close()
		producer = amqpBroker
	}

	auditManager, err := audit.NewManager(audit.ManagerOptions{
		DB:       db,
		Logger:   logger,
		Producer: producer,
	})
	if err != nil {
		logger.Fatal("Cannot initialize AuditManager",
			zap.Error(err),
		)
	}
	defer auditManager.Close()

	provider, err := external.NewStripeProvider(external.ProviderOptions{
		StripeClient: stripeClient,
		Logger:       logger,
		Recorder:     auditManager,
	})
	if err != nil {
		logger.Fatal("Cannot initialize StripeProvider",
			zap.Error(err),
		)
	}

	orderManager, err := order.NewManager(order.ManagerOptions{
		DB:     db,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize OrderManager",
			zap.Error(err),
		)
	}

	subscriptionManager, err := subscription.NewManager(subscription.ManagerOptions{
		DB:     db,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize SubscriptionManager",
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

	userManager, err := user.NewManager(user.ManagerOptions{
		DB:                  db,
		Logger:              logger,
		SubscriptionManager: subscriptionManager,
		CreditManager:       creditManager,
		SignupFreeCredits:   signupCredits,
	})
	if err != nil {
		logger.Fatal("Cannot initialize UserManager",
			zap.Error(err),
		)
	}

	billingService, err := billing.NewService(billing.Options{
		DB:                  db,
		Logger:              logger,
		OrderManager:        orderManager,
		SubscriptionManager: subscriptionManager,
		CreditManager:       creditManager,
		Location:            location,
	})
	if err != nil {
		logger.Fatal("Cannot initialize BillingService",
			zap.Error(err),
		)
	}

	eventRouter, err := webhook.NewRouter(webhook.RouterOptions{
		Billing:  billingService,
		Provider: provider,
		Prices:   catalog,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize webhook Router",
			zap.Error(err),
		)
	}

	locker, err := webhook.NewRedisLocker(webhook.RedisLockerOptions{
		Redis: rdb,
	})
	if err != nil {
		logger.Fatal("Cannot initialize RedisLocker",
			zap.Error(err),
		)
	}

	webhookService, err := webhook.NewService(webhook.ServiceOptions{
		EventRouter:   eventRouter,
		Recorder:      auditManager,
		Locker:        locker,
		Logger:        logger,
		WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		AckDuplicates: os.Getenv("ACK_DUPLICATE_EVENTS") == "true",
	})
	if err != nil {
		logger.Fatal("Cannot initialize Webhook Service Router",
			zap.Error(err),
		)
	}

	creditService, err := credit.NewService(credit.ServiceOptions{
		CreditManager: creditManager,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Credit Service Router",
			zap.Error(err),
		)
	}

	userService, err := user.NewService(user.ServiceOptions{
		UserManager: userManager,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize User Service Router",
			zap.Error(err),
		)
	}

	orderHandler, err := billing.NewHandler(billing.HandlerOptions{
		BillingService: billingService,
		Prices:         catalog,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Order Service Router",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()
	rootRouter.Use(middleware.RequestID)
	rootRouter.Use(middleware.Recoverer)
	rootRouter.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(os.Getenv("CORS_ORIGINS"), ","),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	rootRouter.Mount("/webhook", webhookService.Router())
	rootRouter.Route("/internal", func(r chi.Router) {
		r.Use(authManager.Middleware())
		r.Mount("/credits", creditService.Router())
		r.Mount("/users", userService.Router())
		r.Mount("/orders", orderHandler.Router())
	})

	rootRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	addr := os.Getenv("LISTEN_ADDR")
	if len(addr) == 0 {
		addr = ":42069"
	}
	srv := &http.Server{
		Handler: rootRouter,
		Addr:    addr,
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Cannot start API server",
				zap.Error(err),
			)
		}
	}()

	logger.Info("API server started",
		zap.String("Addr", addr),
	)

	<-c

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Cannot gracefully shutdown API server",
			zap.Error(err),
		)
	}
}
