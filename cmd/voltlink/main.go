// Voltlink Core - Device Discovery & Adaptive Recovery Engine
//
// This is the main entry point for the Voltlink Core application.
// Voltlink keeps a fleet of physical energy devices (inverters, battery
// packs, meters) reachable across serial and network channels:
//   - Periodic discovery passes verify, recover, and register devices
//   - Exponential backoff stops dead devices from hogging scan time
//   - Retained MQTT status topics tell telemetry pollers what is safe to query
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/voltlink-core/migrations"

	"github.com/nerrad567/voltlink-core/internal/adapter"
	"github.com/nerrad567/voltlink-core/internal/api"
	"github.com/nerrad567/voltlink-core/internal/channel"
	"github.com/nerrad567/voltlink-core/internal/device"
	"github.com/nerrad567/voltlink-core/internal/discovery"
	"github.com/nerrad567/voltlink-core/internal/infrastructure/config"
	"github.com/nerrad567/voltlink-core/internal/infrastructure/database"
	"github.com/nerrad567/voltlink-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/voltlink-core/internal/infrastructure/logging"
	"github.com/nerrad567/voltlink-core/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Voltlink Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Initialise device registry
	deviceRepo := device.NewSQLiteRepository(db.DB)
	deviceRegistry := device.NewRegistry(deviceRepo)
	deviceRegistry.SetLogger(log)

	if refreshErr := deviceRegistry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	log.Info("device registry initialised")

	// Channel enumeration from config
	enumerator := buildEnumerator(cfg.Channels)

	// Adapter registry with the configured family priority order
	adapters, err := adapter.DefaultRegistry(familyOrder(cfg.Discovery.PriorityOrder))
	if err != nil {
		return fmt.Errorf("building adapter registry: %w", err)
	}

	// Discovery orchestrator
	orchestrator := discovery.NewOrchestrator(deviceRegistry, enumerator, adapters, discovery.Config{
		IdentificationTimeout: time.Duration(cfg.Discovery.IdentificationTimeout) * time.Second,
		Concurrency:           cfg.Discovery.Concurrency,
		Backoff: discovery.Backoff{
			Initial:     time.Duration(cfg.Discovery.InitialRetryInterval) * time.Second,
			Max:         time.Duration(cfg.Discovery.MaxRetryInterval) * time.Second,
			Multiplier:  cfg.Discovery.BackoffMultiplier,
			MaxFailures: cfg.Discovery.MaxRetries,
		},
	})
	orchestrator.SetLogger(log)

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})

		// Publish device status + pass reports, accept remote scan triggers
		publisher := mqtt.NewPublisher(mqttClient)
		publisher.SetLogger(log)
		orchestrator.AddSink(publisher)

		topics := mqtt.Topics{}
		qos := byte(cfg.MQTT.QoS) //nolint:gosec // validated to 0..2 by config
		if subErr := mqttClient.Subscribe(topics.DiscoveryTrigger(), qos, mqtt.TriggerHandler(orchestrator)); subErr != nil {
			return fmt.Errorf("subscribing to discovery trigger: %w", subErr)
		}
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})

		orchestrator.AddSink(influxdb.NewMetricsSink(influxClient))
	} else {
		log.Info("InfluxDB disabled")
	}

	// API server with WebSocket event stream
	apiServer, err := api.New(api.Deps{
		Config:   cfg.API,
		Security: cfg.Security,
		Logger:   log,
		Registry: deviceRegistry,
		Scanner:  orchestrator,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	orchestrator.AddSink(apiServer.Hub())

	if startErr := apiServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Verify infrastructure connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	// Periodic discovery passes. Interval 0 means triggered-only operation.
	if cfg.Discovery.ScanInterval > 0 {
		runner := discovery.NewRunner(orchestrator, time.Duration(cfg.Discovery.ScanInterval)*time.Second)
		runner.SetLogger(log)
		go runner.Run(ctx)
		log.Info("discovery runner started", "interval_seconds", cfg.Discovery.ScanInterval)
	} else {
		log.Info("periodic discovery disabled, passes run on trigger only")
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls will run in reverse order:
	// 1. API server
	// 2. InfluxDB (if enabled)
	// 3. MQTT (if enabled)
	// 4. Database

	log.Info("Voltlink Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses VOLTLINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("VOLTLINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// buildEnumerator translates channel configuration into enumerator options.
func buildEnumerator(cfg config.ChannelsConfig) *channel.Enumerator {
	opts := []channel.Option{}
	if !cfg.Serial.Enabled {
		opts = append(opts, channel.WithSerialDisabled())
	}
	if len(cfg.Serial.Exclude) > 0 {
		opts = append(opts, channel.WithExclusions(cfg.Serial.Exclude))
	}
	if len(cfg.Network) > 0 {
		endpoints := make([]string, 0, len(cfg.Network))
		for _, ep := range cfg.Network {
			endpoints = append(endpoints, ep.Address)
		}
		opts = append(opts, channel.WithNetworkEndpoints(endpoints))
	}
	return channel.NewEnumerator(opts...)
}

// familyOrder converts configured family tags to typed families.
// Unknown tags are dropped; config validation rejects them before this runs.
func familyOrder(tags []string) []device.Family {
	known := make(map[device.Family]struct{}, len(device.AllFamilies()))
	for _, f := range device.AllFamilies() {
		known[f] = struct{}{}
	}

	order := make([]device.Family, 0, len(tags))
	for _, tag := range tags {
		f := device.Family(tag)
		if _, ok := known[f]; ok {
			order = append(order, f)
		}
	}
	return order
}

// healthCheck verifies all infrastructure connections are healthy.
// The MQTT and InfluxDB clients may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
