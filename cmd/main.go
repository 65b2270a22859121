/**
 * @description
 * This is the main entry point for the attestation-service. It is responsible
 * for initializing all components of the service, including configuration,
 * database connection, external API clients, message brokers, repositories,
 * the core application service, background workers, the scheduler, and the
 * HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/hashing,
 *   internal/store: Internal packages for the service.
 * - pkg/ledgerclient, pkg/institutionclient, pkg/identityclient,
 *   pkg/rabbitmq: Clients for external services.
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

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/careloop/attestation-service/internal/api"
	"github.com/careloop/attestation-service/internal/app"
	"github.com/careloop/attestation-service/internal/config"
	"github.com/careloop/attestation-service/internal/domain"
	"github.com/careloop/attestation-service/internal/hashing"
	"github.com/careloop/attestation-service/internal/store"
	"github.com/careloop/attestation-service/pkg/identityclient"
	"github.com/careloop/attestation-service/pkg/institutionclient"
	"github.com/careloop/attestation-service/pkg/ledgerclient"
	rmrabbit "github.com/careloop/attestation-service/pkg/rabbitmq"
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
	if strings.TrimSpace(cfg.MaskingSalt) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"masking salt must be configured\" env=MASKING_SALT")
	}

	log.Printf("level=info component=bootstrap msg=\"starting attestation-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 10
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

	if err := store.EnsureSchema(context.Background(), dbpool); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"schema migration failed\" err=%v", err)
	}

	// Initialize the RabbitMQ producer to publish events.
	var producer rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the external service clients.
	ledgerClient := ledgerclient.NewClient(cfg.LedgerAPIBaseURL, cfg.LedgerAPIKey)
	institutionClient := institutionclient.NewClient(cfg.InstitutionAPIBaseURL, cfg.InstitutionAPIKey)
	identityClient := identityclient.NewClient(cfg.IdentityAPIBaseURL, cfg.IdentityAPIKey)

	// Redis backs the signature-submission rate limiter; its absence degrades
	// rather than blocking boot.
	var limiter api.RateLimiter
	if cfg.SignatureRateLimitPerMinute > 0 && strings.TrimSpace(cfg.RedisURL) != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				limiter = app.NewRedisSignatureRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	settings := app.Settings{
		ProximityToleranceMeters: cfg.ProximityToleranceMeters,
		MinSessionMinutes:        cfg.MinSessionMinutes,
		MaxSessionMinutes:        cfg.MaxSessionMinutes,
		RequestExpiry:            time.Duration(cfg.RequestExpiryHours) * time.Hour,
		SignatureExpiry:          time.Duration(cfg.SignatureExpiryHours) * time.Hour,
		ConfirmationThreshold:    cfg.ConfirmationThreshold,
		SubmissionMaxRetries:     cfg.SubmissionMaxRetries,
		SubmissionBackoffBase:    time.Duration(cfg.SubmissionBackoffBase) * time.Second,
		DisbursementMaxRetries:   cfg.DisbursementMaxRetries,
		CommissionMode:           domainCommissionMode(cfg.CommissionMode),
		CommissionFlat:           cfg.CommissionFlat,
		CommissionPercent:        cfg.CommissionPercent,
		EventsExchange:           cfg.EventsExchange,
	}
	masker := hashing.NewMasker(cfg.MaskingSalt)
	service := app.NewService(repository, masker, ledgerClient, institutionClient, identityClient, producer, settings)

	// Start the ledger background workers.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	go service.RunSubmissionWorker(workerCtx, time.Duration(cfg.SubmissionPollSeconds)*time.Second)
	go service.RunConfirmationWorker(workerCtx, time.Duration(cfg.ConfirmationPollSeconds)*time.Second)

	// Start the cron scheduler for expiry sweeps and disbursement retries.
	scheduler := app.NewScheduler(service, cfg.ExpirySweepSchedule, cfg.DisbursementSchedule)
	scheduler.Start()
	defer scheduler.Stop()

	// Wire up the transfer status consumer.
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; transfer updates degraded\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		if err := app.StartTransferEventsConsumer(rabbitConsumer, service, cfg.EventsExchange, cfg.TransferEventQueue); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"transfer consumer start failed\" err=%v", err)
		}
	}

	// Initialize the API handlers.
	handlers := api.NewAttestationHandlers(service, limiter, cfg.SignatureRateLimitPerMinute)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/attestation", api.AttestationRoutes(handlers, cfg.JWTSecret, cfg.InternalAPIKey))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	stopWorkers()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

func domainCommissionMode(raw string) domain.CommissionMode {
	if raw == "flat" {
		return domain.CommissionFlat
	}
	return domain.CommissionPercent
}
