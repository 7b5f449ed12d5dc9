// Package mqttin subscribes to the broker-facing ingest topics and feeds the
// pipeline. The paho on-message callback only enqueues; a fixed worker pool
// decodes and runs the pipeline so a slow database never blocks the MQTT
// network loop.
package mqttin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/sensorgrid/ingest/internal/core"
	"github.com/sensorgrid/ingest/internal/metrics"
	"github.com/sensorgrid/ingest/internal/pipeline"
	"github.com/sensorgrid/ingest/internal/resilience"
)

const (
	legacyTopic    = "iot/sensors/+/readings"
	universalTopic = "+/+/+/data"

	defaultQueueSize = 1024
	defaultWorkers   = 4
	connectTimeout   = 5 * time.Second
)

// StreamRegistry resolves a universal series identity to its internal stream
// id. *store.Store satisfies it.
type StreamRegistry interface {
	GetOrCreateStreamID(ctx context.Context, series core.SeriesID) (int64, error)
}

type Config struct {
	// BrokerURL is the tcp:// (or ssl://) broker address.
	BrokerURL string
	Username  string
	Password  string
	ClientID  string

	// Universal enables the {domain}/{source}/{stream}/data subscription.
	Universal bool

	QueueSize int
	Workers   int

	Router  *pipeline.Router
	Streams StreamRegistry
	DLQ     resilience.DeadLetterQueue
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type inboundMessage struct {
	topic    string
	payload  []byte
	received time.Time
}

// Subscriber owns the paho client and the worker pool.
type Subscriber struct {
	cfg    Config
	logger *slog.Logger
	client mqtt.Client

	queue chan inboundMessage
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	cancel context.CancelFunc
}

func NewSubscriber(cfg Config) *Subscriber {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		cfg:    cfg,
		logger: logger.With("component", "mqttin"),
		queue:  make(chan inboundMessage, cfg.QueueSize),
	}
}

// Start connects to the broker and launches the worker pool. Subscriptions
// are (re)established from the on-connect handler so they survive reconnects.
func (s *Subscriber) Start(ctx context.Context) error {
	workerCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(workerCtx)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.BrokerURL).
		SetClientID(s.cfg.ClientID).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetOrderMatters(false)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("broker connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		s.subscribe(c, legacyTopic)
		if s.cfg.Universal {
			s.subscribe(c, universalTopic)
		}
	})

	s.client = mqtt.NewClient(opts)
	if token := s.client.Connect(); token.WaitTimeout(connectTimeout) && token.Error() != nil {
		cancel()
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return nil
}

func (s *Subscriber) subscribe(c mqtt.Client, topic string) {
	token := c.Subscribe(topic, 1, s.onMessage)
	if token.Wait() && token.Error() != nil {
		s.logger.Error("subscribe failed", "topic", topic, "error", token.Error())
		return
	}
	s.logger.Info("subscribed", "topic", topic)
}

// onMessage runs on the paho network goroutine. Never block here.
func (s *Subscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- inboundMessage{topic: msg.Topic(), payload: msg.Payload(), received: time.Now().UTC()}:
	default:
		s.logger.Warn("ingest queue full, message dropped", "topic", msg.Topic())
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ObservationsTotal.WithLabelValues("mqtt", "dropped").Inc()
		}
	}
}

func (s *Subscriber) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.queue:
			if !ok {
				return
			}
			s.handle(ctx, msg)
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, msg inboundMessage) {
	req, err := s.decode(ctx, msg)
	if err != nil {
		s.rejected(ctx, msg, err)
		return
	}
	if _, err := s.cfg.Router.Process(ctx, *req); err != nil {
		// The router already dead-letters pipeline failures.
		s.logger.Warn("pipeline rejected mqtt observation",
			"topic", msg.topic, "sensor_id", req.SensorID, "error", err)
	}
}

func (s *Subscriber) decode(ctx context.Context, msg inboundMessage) (*pipeline.Request, error) {
	if isLegacyTopic(msg.topic) {
		return decodeLegacy(msg.topic, msg.payload, msg.received)
	}
	series, obs, err := decodeUniversal(msg.topic, msg.payload, msg.received)
	if err != nil {
		return nil, err
	}
	streamID, err := s.cfg.Streams.GetOrCreateStreamID(ctx, series)
	if err != nil {
		return nil, fmt.Errorf("stream registration: %w", err)
	}
	return &pipeline.Request{SensorID: streamID, Source: "mqtt", Obs: obs}, nil
}

// rejected dead-letters a message that never made it into the pipeline,
// tagged so the DLQ consumer can tell producer bugs from transient faults.
func (s *Subscriber) rejected(ctx context.Context, msg inboundMessage, cause error) {
	errType := "parse_error"
	var vErr *core.ValidationError
	if errors.As(cause, &vErr) {
		errType = "validation_error"
	}
	s.logger.Warn("mqtt message rejected", "topic", msg.topic, "error_type", errType, "error", cause)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ObservationsTotal.WithLabelValues("mqtt", "rejected").Inc()
	}
	if s.cfg.DLQ == nil {
		return
	}
	entry := resilience.DLQEntry{
		Payload:   string(msg.payload),
		Error:     cause.Error(),
		ErrorType: errType,
		Source:    "mqtt",
		Timestamp: time.Now().UTC(),
	}
	if err := s.cfg.DLQ.Add(ctx, entry); err != nil {
		s.logger.Error("dead letter write failed", "topic", msg.topic, "error", err)
	}
}

func isLegacyTopic(topic string) bool {
	return len(topic) > 12 && topic[:12] == "iot/sensors/"
}

// Close stops intake, lets the workers drain what was already queued, and
// disconnects from the broker.
func (s *Subscriber) Close() {
	if s.client != nil && s.client.IsConnected() {
		topics := []string{legacyTopic}
		if s.cfg.Universal {
			topics = append(topics, universalTopic)
		}
		if token := s.client.Unsubscribe(topics...); token.WaitTimeout(connectTimeout) && token.Error() != nil {
			s.logger.Warn("unsubscribe failed", "error", token.Error())
		}
		s.client.Disconnect(250)
	}

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	s.wg.Wait()
	if s.cancel != nil {
		s.cancel()
	}
}
