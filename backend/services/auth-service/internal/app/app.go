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
	"veloway/backend/services/auth-service/internal/broker"
	"veloway/backend/services/auth-service/internal/config"
	httpserver "veloway/backend/services/auth-service/internal/http"
	"veloway/backend/services/auth-service/internal/http/handlers"
	"veloway/backend/services/auth-service/internal/password"
	"veloway/backend/services/auth-service/internal/repository"
	"veloway/backend/services/auth-service/internal/service"
)

const brokerConnectTimeout = 30 * time.Second

// App wires auth-service dependencies.
type App struct {
	server      *httpserver.Server
	provisioner *broker.Provisioner
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

	provisioner := broker.NewProvisioner(mqttClient, cfg.Broker.CommandTimeout, logger)
	sessions := session.NewRedisStore(redisClient)
	users := repository.NewUserRepository(sqlDB)
	hasher := password.NewBcryptHasher(cfg.Bcrypt.Cost)
	tokens := service.NewTokenService(cfg.JWT.Secret, cfg.JWT.ExpiresIn)
	authService := service.NewAuthService(users, sessions, provisioner, hasher, tokens, cfg.Session.TTL, logger)

	routes := httpserver.Routes{
		Login:              handlers.NewLoginHandler(authService),
		Logout:             handlers.NewLogoutHandler(authService),
		Signup:             handlers.NewSignupHandler(authService),
		VehicleCredentials: httpserver.RequireAdmin(tokens, handlers.NewVehicleCredentialsHandler(authService)),
		Health:             handlers.NewHealthHandler(),
	}
	server := httpserver.NewServer(cfg.HTTPAddress(), httpserver.NewRouter(routes), logger)

	return &App{
		server:      server,
		provisioner: provisioner,
		mqttClient:  mqttClient,
		db:          sqlDB,
		redisClient: redisClient,
		logger:      logger,
	}, nil
}

// Run connects to the broker, subscribes to control responses and serves HTTP
// until the context ends or the server fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.mqttClient.Start(ctx); err != nil {
		return err
	}

	connectCtx, cancel := context.WithTimeout(ctx, brokerConnectTimeout)
	defer cancel()
	if err := a.mqttClient.AwaitConnection(connectCtx); err != nil {
		return err
	}

	if err := a.provisioner.Start(ctx); err != nil {
		return err
	}

	return a.server.Run(ctx)
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
