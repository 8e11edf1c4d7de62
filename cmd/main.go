/**
 * @description
 * This is the main entry point for the groupbuy-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, the payment gateway client, message brokers, repositories, the
 * core application services, and the HTTP server. It wires everything together
 * and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/gatewayclient: Client for the payment gateway API.
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

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/groupcart/groupbuy-service/internal/api"
	"github.com/groupcart/groupbuy-service/internal/app"
	"github.com/groupcart/groupbuy-service/internal/config"
	"github.com/groupcart/groupbuy-service/internal/store"
	"github.com/groupcart/groupbuy-service/internal/sweeper"
	"github.com/groupcart/groupbuy-service/pkg/gatewayclient"
	rmrabbit "github.com/groupcart/groupbuy-service/pkg/rabbitmq"
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
	if strings.TrimSpace(cfg.GatewayWebhookSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"gateway webhook secret must be configured\" env=GATEWAY_WEBHOOK_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting groupbuy-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// Configure connection pool for high-traffic scenarios
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

	// Initialize the RabbitMQ producer to publish group lifecycle events.
	var events rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		events = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		events = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the payment gateway API.
	gatewayClient := gatewayclient.NewClient(gatewayclient.Config{
		BaseURL:         cfg.GatewayAPIBaseURL,
		APIKey:          cfg.GatewayAPIKey,
		DefaultCurrency: cfg.DefaultCurrency,
		Timeout:         time.Duration(cfg.GatewayTimeoutSeconds) * time.Second,
	})

	// Redis backs the distributed join rate limiter. Missing Redis degrades
	// to unthrottled joins rather than blocking startup.
	var redisClient *redis.Client
	if cfg.JoinRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; join rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; join rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; join rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application services with their dependencies.
	joinBackoff := time.Duration(cfg.JoinRetryBackoffMS) * time.Millisecond
	coordinator := app.NewCoordinator(repository, events, cfg.JoinMaxRetries, joinBackoff)
	if redisClient != nil {
		coordinator.SetJoinRateLimiter(app.NewRedisRateLimiter(redisClient), cfg.JoinRateLimitPerMinute)
	}
	settlement := app.NewSettlement(repository, gatewayClient, cfg.GatewayWebhookSecret, cfg.JoinMaxRetries, joinBackoff)
	materializer := app.NewMaterializer(repository)

	// Initialize the API handlers.
	handlers := api.NewGroupBuyHandlers(coordinator, settlement)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.GroupBuyRoutes(handlers, cfg.JWKSURL, cfg.InternalAPIKey))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	// Wire up the consumer: completed groups are turned into per-participant
	// orders by the materializer.
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	groupBindings := map[string]func([]byte) bool{
		"group.completed": materializer.HandleMessage,
	}
	if err := rabbitConsumer.ConsumeWithBindings(rmrabbit.EventsExchange, cfg.GroupEventQueue, groupBindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"group consumer start failed\" err=%v", err)
	}

	// Start the background expiry sweep.
	expirySweeper := sweeper.New(coordinator, cfg.SweepSchedule, cfg.SweepBatchSize)
	if err := expirySweeper.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"expiry sweeper start failed\" err=%v", err)
	}

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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	sweepCtx := expirySweeper.Stop()
	<-sweepCtx.Done()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
