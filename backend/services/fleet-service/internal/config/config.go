package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	libconfig "veloway/backend/libs/config"
)

// Config defines fleet service configuration.
type Config struct {
	HTTP struct {
		Port string `yaml:"port" env:"FLEET_HTTP_PORT"`
	} `yaml:"http"`
	Database struct {
		DSN string `yaml:"dsn" env:"FLEET_POSTGRES_DSN"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr" env:"FLEET_REDIS_ADDR"`
		Password string `yaml:"password" env:"FLEET_REDIS_PASSWORD"`
		DB       int    `yaml:"db" env:"FLEET_REDIS_DB"`
	} `yaml:"redis"`
	MQTT struct {
		BrokerURL string `yaml:"brokerUrl" env:"FLEET_MQTT_BROKER_URL"`
		ClientID  string `yaml:"clientId" env:"FLEET_MQTT_CLIENT_ID"`
		Username  string `yaml:"username" env:"FLEET_MQTT_USERNAME"`
		Password  string `yaml:"password" env:"FLEET_MQTT_PASSWORD"`
	} `yaml:"mqtt"`
	Telemetry struct {
		TopicPrefix string `yaml:"topicPrefix" env:"FLEET_TELEMETRY_TOPIC_PREFIX"`
	} `yaml:"telemetry"`
	Broadcast struct {
		Debounce     time.Duration `yaml:"debounce" env:"FLEET_BROADCAST_DEBOUNCE"`
		WriteTimeout time.Duration `yaml:"writeTimeout" env:"FLEET_BROADCAST_WRITE_TIMEOUT"`
	} `yaml:"broadcast"`
}

// Load reads configuration via the shared helper and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.HTTP.Port = "8084"
	cfg.Redis.Addr = "localhost:6379"
	cfg.MQTT.ClientID = "fleet-service"
	cfg.Telemetry.TopicPrefix = "veloway/telemetry/"
	cfg.Broadcast.Debounce = 500 * time.Millisecond
	cfg.Broadcast.WriteTimeout = 10 * time.Second

	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return nil, errors.New("config: database dsn required")
	}
	if strings.TrimSpace(cfg.MQTT.BrokerURL) == "" {
		return nil, errors.New("config: mqtt broker url required")
	}
	if !strings.HasSuffix(cfg.Telemetry.TopicPrefix, "/") {
		return nil, errors.New("config: telemetry topic prefix must end with /")
	}
	return cfg, nil
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8084"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}
