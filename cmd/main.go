/**
 * @description
 * This is the main entry point for the payout-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, the relayer client, payout rail adapters, the message broker,
 * repositories, the application services, and the HTTP server. It wires
 * everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client for claim rate limiting.
 * - internal/api, internal/app, internal/config, internal/provider/*,
 *   internal/store, internal/webhook: Internal packages for the service.
 * - pkg/relayerclient: Client for the on-chain relayer API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/claimlink/payout-service/internal/api"
	"github.com/claimlink/payout-service/internal/app"
	"github.com/claimlink/payout-service/internal/config"
	"github.com/claimlink/payout-service/internal/provider"
	"github.com/claimlink/payout-service/internal/provider/bridgerail"
	"github.com/claimlink/payout-service/internal/provider/generichook"
	"github.com/claimlink/payout-service/internal/provider/mockrail"
	"github.com/claimlink/payout-service/internal/provider/stripecard"
	"github.com/claimlink/payout-service/internal/store"
	"github.com/claimlink/payout-service/internal/webhook"
	"github.com/claimlink/payout-service/pkg/rabbitmq"
	"github.com/claimlink/payout-service/pkg/relayerclient"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting payout-service\" port=%s provider_mode=%s", cfg.ServerPort, cfg.ProviderMode)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Recipient contacts are stored encrypted; a missing key degrades transfer
	// creation but should not block boot (claims on existing rows still work).
	cipher, err := store.NewContactCipher(cfg.ContactEncryptionKey)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"contact encryption unavailable\" err=%v", err)
		cipher = nil
	}

	repository := store.NewPostgresRepository(dbpool, cipher, store.RetryPolicy{
		MaxRetries:  cfg.StoreMaxRetries,
		BaseBackoff: time.Duration(cfg.StoreRetryBaseMs) * time.Millisecond,
	})
	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelSchema()
	if err := repository.EnsureSchema(schemaCtx); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"schema setup failed\" err=%v", err)
	}

	// Initialize the RabbitMQ producer to publish notification events.
	// This service only needs to publish, so we use a producer.
	var producer rabbitmq.Publisher
	rabbitProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rabbitmq.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Redis backs the claim rate limiter. Missing Redis degrades to no
	// rate limiting rather than blocking claims.
	var limiter app.ClaimRateLimiter
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; claim rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; claim rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; claim rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				limiter = app.NewRedisClaimRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the client for the on-chain relayer API.
	relayerClient := relayerclient.NewClient(cfg.RelayerBaseURL, cfg.RelayerAPIKey)

	// Build the rail topology for the configured provider mode.
	debitRail, bankRail, settlementRail, requireSettlement := buildRails(cfg, repository)

	engine := app.NewEngine(repository, relayerClient, debitRail, bankRail, settlementRail, app.EngineConfig{
		EnabledDebitRegions:      cfg.EnabledDebitRegions(),
		DebitMaxAmountUsdc:       cfg.DebitMaxAmountUsdc,
		ForceDebitFallback:       cfg.ForceDebitFallback,
		RequireSettlementSuccess: requireSettlement,
	})

	transferService := app.NewTransferService(repository)
	claimService := app.NewClaimService(repository, engine, producer, limiter, app.ClaimServiceConfig{
		OtpTTL:              time.Duration(cfg.OtpTTLSeconds) * time.Second,
		OtpMaxAttempts:      cfg.OtpMaxAttempts,
		OtpSendLimitPerHour: cfg.OtpSendRateLimitPerHour,
		ClaimLimitPerMinute: cfg.ClaimRateLimitPerMinute,
	})

	// A misconfigured key is fatal; no keys at all just disables the webhook
	// endpoint (mock mode has no settlement callbacks).
	var verifier *webhook.Verifier
	if keys := cfg.WebhookPublicKeys(); len(keys) > 0 {
		verifier, err = webhook.NewVerifier(keys, time.Duration(cfg.WebhookMaxAgeSeconds)*time.Second)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"webhook verifier setup failed\" env=BRIDGE_WEBHOOK_PUBLIC_KEYS err=%v", err)
		}
	} else {
		log.Println("level=warn component=bootstrap msg=\"no webhook public keys configured; settlement webhook disabled\"")
	}

	// Initialize the API handlers and router.
	handlers := api.NewPayoutHandlers(transferService, claimService)
	webhookHandlers := api.NewWebhookHandlers(repository, verifier)
	router := api.PayoutRoutes(handlers, webhookHandlers, cfg.JWKSURL, cfg.InternalAPIKey)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	// Start the server in a goroutine so shutdown signals can be handled.
	go func() {
		log.Printf("level=info component=bootstrap msg=\"http server listening\" addr=%s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=bootstrap msg=\"http server failed\" err=%v", err)
		}
	}()

	// Wait for an interrupt signal, then drain in-flight requests.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("level=info component=bootstrap msg=\"shutting down\"")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("level=error component=bootstrap msg=\"graceful shutdown failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"stopped\"")
}

// buildRails wires the provider adapters for the configured topology. The
// returned settlement rail is non-nil only for the chained debit topology,
// where funds convert on the bridge before the card leg runs.
func buildRails(cfg config.Config, repository store.Repository) (debit, bank, settlement provider.Rail, requireSettlement bool) {
	timeout := time.Duration(cfg.ProviderTimeoutSeconds) * time.Second

	switch cfg.ProviderMode {
	case config.ProviderModeStripeBridge:
		debit = stripecard.New(cfg.DebitProviderName, cfg.StripeAPIBaseURL, cfg.StripeAPIKey, timeout, repository)
		bank = bridgerail.New(cfg.BankProviderName, cfg.BridgeAPIBaseURL, cfg.BridgeAPIKey, timeout)
		settlement = bridgerail.New(cfg.BankProviderName, cfg.BridgeAPIBaseURL, cfg.BridgeAPIKey, timeout)
		requireSettlement = true
	case config.ProviderModeBridgeOnly:
		bank = bridgerail.New(cfg.BankProviderName, cfg.BridgeAPIBaseURL, cfg.BridgeAPIKey, timeout)
	case config.ProviderModeGenericWebhook:
		hookTimeout := time.Duration(cfg.GenericWebhookTimeoutSeconds) * time.Second
		debit = generichook.New(cfg.DebitProviderName, cfg.GenericWebhookURL, cfg.GenericWebhookSecret, hookTimeout)
		bank = generichook.New(cfg.BankProviderName, cfg.GenericWebhookURL, cfg.GenericWebhookSecret, hookTimeout)
	default:
		debit = mockrail.New(cfg.DebitProviderName)
		bank = mockrail.New(cfg.BankProviderName)
	}
	return debit, bank, settlement, requireSettlement
}
