package app

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"veloway/backend/libs/db"
	"veloway/backend/libs/mqtt"
	libredis "veloway/backend/libs/redis"
	"veloway/backend/libs/session"
	"veloway/backend/services/fleet-service/internal/broadcast"
	"veloway/backend/services/fleet-service/internal/config"
	httpserver "veloway/backend/services/fleet-service/internal/http"
	"veloway/backend/services/fleet-service/internal/http/handlers"
	"veloway/backend/services/fleet-service/internal/ingest"
	"veloway/backend/services/fleet-service/internal/repository"
	"veloway/backend/services/fleet-service/internal/state"
)

const brokerConnectTimeout = 30 * time.Second

// App wires fleet-service dependencies. Clients are constructed once here and
// passed by reference; no component reaches for a global handle.
type App struct {
	server      *httpserver.Server
	ingestor    *ingest.Ingestor
	hub         *broadcast.Hub
	cache       *state.Cache
	mqttClient  mqtt.Client
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger
}

// New constructs the application graph.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	sqlDB, err := db.NewPostgresDB(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	redisClient, err := libredis.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	mqttClient, err := mqtt.NewClient(mqtt.Config{
		BrokerURL: cfg.MQTT.BrokerURL,
		ClientID:  cfg.MQTT.ClientID,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
	}, logger)
	if err != nil {
		redisClient.Close()
		sqlDB.Close()
		return nil, err
	}

	cache := state.NewCache(0, logger)
	historyRepo := repository.NewHistoryRepository(sqlDB)
	ingestor := ingest.NewIngestor(mqttClient, cache, historyRepo, cfg.Telemetry.TopicPrefix, logger)

	sessions := session.NewRedisStore(redisClient)
	hub := broadcast.NewHub(cache, logger)
	wsServer := broadcast.NewServer(hub, cache, sessions, cfg.Broadcast.Debounce, cfg.Broadcast.WriteTimeout, logger)

	routes := httpserver.Routes{
		FleetWS: wsServer.HandleWS,
		Health:  handlers.NewHealthHandler(),
	}
	server := httpserver.NewServer(cfg.HTTPAddress(), httpserver.NewRouter(routes), logger)

	return &App{
		server:      server,
		ingestor:    ingestor,
		hub:         hub,
		cache:       cache,
		mqttClient:  mqttClient,
		db:          sqlDB,
		redisClient: redisClient,
		logger:      logger,
	}, nil
}

// Run connects to the broker, starts ingestion, broadcast dispatch and the
// HTTP server, then blocks until the context ends or one of them fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.mqttClient.Start(ctx); err != nil {
		return err
	}

	connectCtx, cancel := context.WithTimeout(ctx, brokerConnectTimeout)
	defer cancel()
	if err := a.mqttClient.AwaitConnection(connectCtx); err != nil {
		return err
	}

	if err := a.ingestor.Subscribe(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 3)
	go func() { errCh <- a.ingestor.Run(ctx) }()
	go func() { errCh <- a.hub.Run(ctx) }()
	go func() { errCh <- a.server.Run(ctx) }()

	return <-errCh
}

// Close releases resources.
func (a *App) Close() {
	disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.mqttClient.Disconnect(disconnectCtx)

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close db", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}
