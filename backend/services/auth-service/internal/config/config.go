package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	libconfig "veloway/backend/libs/config"
)

// Config defines auth service configuration.
type Config struct {
	HTTP struct {
		Port string `yaml:"port" env:"AUTH_HTTP_PORT"`
	} `yaml:"http"`
	Database struct {
		DSN string `yaml:"dsn" env:"AUTH_POSTGRES_DSN"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr" env:"AUTH_REDIS_ADDR"`
		Password string `yaml:"password" env:"AUTH_REDIS_PASSWORD"`
		DB       int    `yaml:"db" env:"AUTH_REDIS_DB"`
	} `yaml:"redis"`
	MQTT struct {
		BrokerURL string `yaml:"brokerUrl" env:"AUTH_MQTT_BROKER_URL"`
		ClientID  string `yaml:"clientId" env:"AUTH_MQTT_CLIENT_ID"`
		Username  string `yaml:"username" env:"AUTH_MQTT_USERNAME"`
		Password  string `yaml:"password" env:"AUTH_MQTT_PASSWORD"`
	} `yaml:"mqtt"`
	Session struct {
		TTL time.Duration `yaml:"ttl" env:"AUTH_SESSION_TTL"`
	} `yaml:"session"`
	JWT struct {
		Secret    string        `yaml:"secret" env:"AUTH_JWT_SECRET"`
		ExpiresIn time.Duration `yaml:"expiresIn" env:"AUTH_JWT_EXPIRES_IN"`
	} `yaml:"jwt"`
	Bcrypt struct {
		Cost int `yaml:"cost" env:"AUTH_BCRYPT_COST"`
	} `yaml:"bcrypt"`
	Broker struct {
		CommandTimeout time.Duration `yaml:"commandTimeout" env:"AUTH_BROKER_COMMAND_TIMEOUT"`
	} `yaml:"broker"`
}

// Load reads configuration via the shared helper and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.HTTP.Port = "8081"
	cfg.Redis.Addr = "localhost:6379"
	cfg.MQTT.ClientID = "auth-service"
	cfg.Session.TTL = 24 * time.Hour
	cfg.JWT.ExpiresIn = time.Hour
	cfg.Bcrypt.Cost = 12
	cfg.Broker.CommandTimeout = 10 * time.Second

	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return nil, errors.New("config: database dsn required")
	}
	if strings.TrimSpace(cfg.MQTT.BrokerURL) == "" {
		return nil, errors.New("config: mqtt broker url required")
	}
	if strings.TrimSpace(cfg.JWT.Secret) == "" {
		return nil, errors.New("config: jwt secret required")
	}
	return cfg, nil
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8081"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}
