package ingest

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"veloway/backend/libs/mqtt"
	"veloway/backend/libs/wire"
	"veloway/backend/services/fleet-service/internal/state"
)

const (
	defaultQueueSize     = 512
	historyAppendTimeout = 5 * time.Second
)

// HistorySink receives every successfully decoded sample. The production sink
// is the postgres history repository.
type HistorySink interface {
	Append(ctx context.Context, record *wire.TelemetryRecord) error
}

type inbound struct {
	topic   string
	payload []byte
}

// Ingestor subscribes to the per-vehicle publish topics, decodes payloads and
// feeds the latest-state cache plus the history sink. The transport callback
// only enqueues; a dedicated drain goroutine does the work, so broker
// callbacks never run business logic.
type Ingestor struct {
	client      mqtt.Client
	cache       *state.Cache
	history     HistorySink
	topicPrefix string
	logger      *zap.Logger

	messages chan inbound
}

// NewIngestor builds the ingestor. topicPrefix is the publish-topic namespace,
// e.g. "veloway/telemetry/"; one topic per vehicle under it.
func NewIngestor(client mqtt.Client, cache *state.Cache, history HistorySink, topicPrefix string, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		client:      client,
		cache:       cache,
		history:     history,
		topicPrefix: topicPrefix,
		logger:      logger,
		messages:    make(chan inbound, defaultQueueSize),
	}
}

// Subscribe registers the wildcard subscription covering every vehicle topic.
func (i *Ingestor) Subscribe(ctx context.Context) error {
	filter := i.topicPrefix + "+"
	return i.client.Subscribe(ctx, filter, 1, func(_ context.Context, topic string, payload []byte) {
		select {
		case i.messages <- inbound{topic: topic, payload: payload}:
		default:
			i.logger.Warn("dropping telemetry, ingest queue full", zap.String("topic", topic))
		}
	})
}

// Run drains the message queue until the context is cancelled. Decode failures
// are logged and dropped without disturbing the subscription.
func (i *Ingestor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-i.messages:
			if !ok {
				return nil
			}
			i.process(msg)
		}
	}
}

func (i *Ingestor) process(msg inbound) {
	record, err := wire.DecodeTelemetry(msg.payload)
	if err != nil {
		i.logger.Warn("dropping malformed telemetry",
			zap.String("topic", msg.topic),
			zap.Int("payload_bytes", len(msg.payload)),
			zap.Error(err))
		return
	}

	topicVehicle := strings.TrimPrefix(msg.topic, i.topicPrefix)
	if record.VehicleID == "" {
		record.VehicleID = topicVehicle
	} else if topicVehicle != "" && record.VehicleID != topicVehicle {
		i.logger.Warn("telemetry vehicle id disagrees with topic, payload wins",
			zap.String("topic", msg.topic),
			zap.String("payload_vehicle_id", record.VehicleID))
	}

	// Cache freshness is awaited; history durability is not. A telemetry
	// message is considered handled once the cache reflects it.
	i.cache.Upsert(record.State())

	go func(record wire.TelemetryRecord) {
		ctx, cancel := context.WithTimeout(context.Background(), historyAppendTimeout)
		defer cancel()
		if err := i.history.Append(ctx, &record); err != nil {
			i.logger.Error("history append failed",
				zap.String("vehicle_id", record.VehicleID),
				zap.Error(err))
		}
	}(record)
}
