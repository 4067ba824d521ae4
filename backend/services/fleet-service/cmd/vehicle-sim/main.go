// vehicle-sim publishes random-walk telemetry for a handful of vehicles.
// Development tool for exercising the ingest and broadcast path without real
// hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"veloway/backend/libs/logging"
	"veloway/backend/libs/mqtt"
	"veloway/backend/libs/wire"
)

func main() {
	var (
		brokerURL   = flag.String("broker", "mqtt://localhost:1883", "broker url")
		username    = flag.String("username", "", "publisher username")
		password    = flag.String("password", "", "publisher password")
		topicPrefix = flag.String("topic-prefix", "veloway/telemetry/", "publish topic prefix")
		count       = flag.Int("vehicles", 10, "number of simulated vehicles")
		interval    = flag.Duration("interval", 2*time.Second, "publish interval")
		centerLong  = flag.Float64("long", 106.70, "starting longitude")
		centerLat   = flag.Float64("lat", 10.80, "starting latitude")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logging.NewLogger("vehicle-sim")
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	client, err := mqtt.NewClient(mqtt.Config{
		BrokerURL: *brokerURL,
		ClientID:  "vehicle-sim-" + uuid.NewString()[:8],
		Username:  *username,
		Password:  *password,
	}, logger)
	if err != nil {
		logger.Fatal("build mqtt client", zap.Error(err))
	}
	if err := client.Start(ctx); err != nil {
		logger.Fatal("start mqtt client", zap.Error(err))
	}
	if err := client.AwaitConnection(ctx); err != nil {
		logger.Fatal("broker connect", zap.Error(err))
	}
	defer client.Disconnect(context.Background())

	vehicles := make([]wire.VehicleState, *count)
	for i := range vehicles {
		vehicles[i] = wire.VehicleState{
			VehicleID:      fmt.Sprintf("BIK-%04d", i+1),
			BatteryPercent: int32(20 + rand.Intn(80)),
			Longitude:      *centerLong + rand.Float64()*0.1 - 0.05,
			Latitude:       *centerLat + rand.Float64()*0.1 - 0.05,
		}
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	logger.Info("simulating vehicles", zap.Int("count", *count), zap.String("topic_prefix", *topicPrefix))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for i := range vehicles {
				v := &vehicles[i]
				v.Longitude += rand.Float64()*0.002 - 0.001
				v.Latitude += rand.Float64()*0.002 - 0.001
				if v.BatteryPercent > 0 && rand.Intn(5) == 0 {
					v.BatteryPercent--
				}

				payload, err := wire.EncodeTelemetry(wire.TelemetryRecord{
					ID:             uuid.NewString(),
					VehicleID:      v.VehicleID,
					BatteryPercent: v.BatteryPercent,
					Longitude:      v.Longitude,
					Latitude:       v.Latitude,
					Timestamp:      time.Now().UTC(),
				})
				if err != nil {
					logger.Error("encode telemetry", zap.Error(err))
					continue
				}
				if err := client.Publish(ctx, *topicPrefix+v.VehicleID, 1, false, payload); err != nil {
					logger.Warn("publish failed", zap.String("vehicle_id", v.VehicleID), zap.Error(err))
				}
			}
		}
	}
}
