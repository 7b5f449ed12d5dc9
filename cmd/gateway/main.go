// Command gateway runs the ingest gateway: HTTP, MQTT, and WebSocket intake
// in front of the classification pipeline, Postgres persistence, and the
// Redis-backed resilience fabric.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/sensorgrid/ingest/internal/auth"
	"github.com/sensorgrid/ingest/internal/broker"
	"github.com/sensorgrid/ingest/internal/classify"
	"github.com/sensorgrid/ingest/internal/config"
	"github.com/sensorgrid/ingest/internal/core"
	"github.com/sensorgrid/ingest/internal/csvjobs"
	"github.com/sensorgrid/ingest/internal/metrics"
	"github.com/sensorgrid/ingest/internal/pipeline"
	"github.com/sensorgrid/ingest/internal/ratelimit"
	"github.com/sensorgrid/ingest/internal/resilience"
	"github.com/sensorgrid/ingest/internal/resolver"
	"github.com/sensorgrid/ingest/internal/store"
	"github.com/sensorgrid/ingest/internal/transport/httpapi"
	"github.com/sensorgrid/ingest/internal/transport/mqttin"
	"github.com/sensorgrid/ingest/internal/transport/wsin"
)

const cacheTTL = 60 * time.Second // state and threshold caches

func main() {
	godotenv.Load()

	configPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := buildLogger(cfg)
	slog.SetDefault(logger)

	// ==== Storage =========================================================

	st, err := store.Open(cfg.Database.DSN())
	if err != nil {
		log.Fatalf("postgres open: %v", err)
	}
	defer st.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	err = st.Ping(pingCtx)
	cancelPing()
	if err != nil {
		if cfg.IsProduction() {
			log.Fatalf("postgres unreachable: %v", err)
		}
		logger.Warn("postgres unreachable at startup, continuing", "error", err)
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("redis url: %v", err)
		}
		rdb = redis.NewClient(opts)
		pingCtx, cancelPing = context.WithTimeout(context.Background(), 5*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancelPing()
		if err != nil {
			logger.Warn("redis unreachable, falling back to in-memory resilience", "error", err)
			rdb.Close()
			rdb = nil
		}
	}
	if rdb != nil {
		defer rdb.Close()
	}

	// ==== Resilience fabric ===============================================

	mets := metrics.NewMetrics(prometheus.DefaultRegisterer)
	timing := metrics.NewTimingTracker()

	var dedup resilience.Deduplicator = resilience.NoopDeduplicator{}
	if cfg.Dedup.Enabled {
		if rdb != nil {
			dedup = resilience.NewRedisDeduplicator(rdb, cfg.Dedup.TTL)
		} else {
			dedup = resilience.NewMemoryDeduplicator(cfg.Dedup.TTL)
		}
	}

	var dlq resilience.DeadLetterQueue
	if cfg.DLQ.Enabled {
		if rdb != nil {
			dlq = resilience.NewRedisDLQ(rdb, cfg.DLQ.MaxLen)
		} else {
			dlq = resilience.NewMemoryDLQ(int(cfg.DLQ.MaxLen))
		}
	}

	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:             "db-write",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		OnStateChange: func(name string, _, to resilience.BreakerState) {
			mets.BreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("breaker state changed", "name", name, "state", to.String())
		},
	})

	var readingBroker broker.ReadingBroker = broker.NullBroker{}
	if rdb != nil {
		readingBroker = broker.NewThrottledBroker(broker.NewRedisBroker(rdb), cfg.Broker.MinPublishInterval)
	}
	defer readingBroker.Close()

	// ==== Pipeline ========================================================

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			Enabled:      true,
			SensorPerMin: cfg.RateLimit.SensorPerMin,
			DevicePerMin: cfg.RateLimit.DevicePerMin,
			IPPerMin:     cfg.RateLimit.GlobalPerMin,
		})
		defer limiter.Close()
	}

	classifier := classify.New(
		classify.NewStateManager(st, cacheTTL),
		classify.NewThresholdCache(st, cacheTTL),
		classify.NewLastReadingCache(st),
	)

	var pusher pipeline.Pusher = pipeline.NullPusher{}
	if cfg.Push.BackendURL != "" {
		pusher = pipeline.NewHTTPPushClient(cfg.Push.BackendURL, cfg.Auth.InternalAPIKey)
	}

	router := pipeline.NewRouter(pipeline.RouterConfig{
		Store:      st,
		Classifier: classifier,
		Dedup:      dedup,
		DLQ:        dlq,
		Breaker:    breaker,
		Retry:      resilience.DefaultRetryConfig(),
		Limiter:    limiter,
		Broker:     readingBroker,
		Pusher:     pusher,
		Metrics:    mets,
		Timing:     timing,
		Logger:     logger,
	})

	// ==== Background workers ==============================================

	var batch *store.BatchInserter
	if cfg.Batch.Enabled {
		batch = store.NewBatchInserter(
			st.InsertReadingsBatch,
			cfg.Batch.BufferSize, cfg.Batch.FlushInterval, cfg.Batch.MaxBatchSize,
			store.WithOnFlush(func(n int) { mets.BatchFlushSize.Observe(float64(n)) }),
		)
		batch.Start()
	}

	var dlqConsumer *resilience.DLQConsumer
	if dlq != nil {
		dlqConsumer = resilience.NewDLQConsumer(dlq, replayHandler(st, batch), resilience.DLQConsumerConfig{
			BatchSize:  cfg.DLQ.BatchSize,
			PollEvery:  cfg.DLQ.PollEvery,
			MaxRetries: cfg.DLQ.MaxRetries,
		})
		dlqConsumer.Start()
	}

	var csv *csvjobs.Manager
	if cfg.Features.CSVEnabled {
		csv = csvjobs.NewManager(func(ctx context.Context, row csvjobs.Row) error {
			obs := &core.Observation{
				Series:         core.IoTSeriesID(row.SensorID),
				LegacySensorID: row.SensorID,
				Value:          row.Value,
				IngestTS:       time.Now().UTC(),
				Status:         core.StatusPending,
			}
			if row.Timestamp != nil {
				ts := row.Timestamp.UTC()
				obs.DeviceTS = &ts
			}
			if err := obs.Validate(obs.IngestTS); err != nil {
				return err
			}
			obs.Status = core.StatusValidated
			_, err := router.Process(ctx, pipeline.Request{SensorID: row.SensorID, Source: "csv", Obs: obs})
			return err
		}, logger)
	}

	// ==== Transports ======================================================

	authn := auth.New(st, logger)

	legacyKey := ""
	if cfg.Features.LegacyAPIKey {
		legacyKey = cfg.Auth.IngestAPIKey
	}

	var ws http.Handler
	if cfg.Features.WebSocketEnabled {
		ws = wsin.NewHandler(wsin.Config{
			Router:       router,
			Streams:      st,
			Auth:         authn,
			Logger:       logger,
			LegacyAPIKey: legacyKey,
		})
	}

	server := httpapi.NewServer(httpapi.Config{
		Router:       router,
		Resolver:     resolver.New(st, cfg.Resolver.SensorMapTTL),
		Auth:         authn,
		Store:        st,
		Limiter:      limiter,
		CSV:          csv,
		Timing:       timing,
		Dedup:        dedup,
		DLQ:          dlq,
		Breaker:      breaker,
		Logger:       logger,
		WS:           ws,
		LegacyAPIKey: legacyKey,
		DeviceAuth:   cfg.Features.DeviceAuth,
	})

	var mqtt *mqttin.Subscriber
	if url := cfg.MQTT.BrokerURL(); url != "" {
		mqtt = mqttin.NewSubscriber(mqttin.Config{
			BrokerURL: url,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			ClientID:  fmt.Sprintf("ingest-gateway-%d", os.Getpid()),
			Universal: cfg.Features.MQTTUniversal,
			Router:    router,
			Streams:   st,
			DLQ:       dlq,
			Metrics:   mets,
			Logger:    logger,
		})
		if err := mqtt.Start(context.Background()); err != nil {
			if cfg.IsProduction() {
				log.Fatalf("mqtt: %v", err)
			}
			logger.Warn("mqtt unavailable, transport disabled", "error", err)
			mqtt = nil
		}
	}

	// ==== Run =============================================================

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(":" + cfg.Server.Port)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		log.Fatalf("http server: %v", err)
	}

	// Drain order: stop intake first, then flush what is in flight.
	if mqtt != nil {
		mqtt.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if csv != nil {
		csv.Wait()
	}
	if dlqConsumer != nil {
		dlqConsumer.Stop()
	}
	if batch != nil {
		batch.Stop(true)
	}
	logger.Info("gateway stopped")
}

func buildLogger(cfg *config.Config) *slog.Logger {
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// replayHandler re-applies dead-lettered observations. Persistence failures
// are worth replaying; malformed payloads are not and stay failed so the
// consumer archives them.
func replayHandler(st *store.Store, batch *store.BatchInserter) resilience.DLQHandler {
	return func(ctx context.Context, entry resilience.DLQEntry) error {
		switch entry.ErrorType {
		case "parse_error", "validation_error":
			return fmt.Errorf("not replayable: %s", entry.ErrorType)
		}
		var obs core.Observation
		if err := json.Unmarshal([]byte(entry.Payload), &obs); err != nil {
			return fmt.Errorf("payload decode: %w", err)
		}
		if obs.LegacySensorID == 0 && entry.SensorID != 0 {
			obs.LegacySensorID = entry.SensorID
		}
		if obs.LegacySensorID == 0 {
			return fmt.Errorf("entry has no sensor id")
		}
		if batch != nil {
			if !batch.Add(obs.LegacySensorID, obs.Value, obs.DeviceTS) {
				return fmt.Errorf("batch buffer full")
			}
			return nil
		}
		return st.InsertReading(ctx, obs.LegacySensorID, obs.Value, obs.DeviceTS, obs.IngestTS)
	}
}
