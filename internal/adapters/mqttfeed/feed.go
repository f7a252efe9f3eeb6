// Package mqttfeed ingests sound speed profiles published by live sensors
// over MQTT. Each message payload is one complete raw file.
package mqttfeed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"soundspeed/internal/core"
	"soundspeed/internal/parser"
)

// DefaultQueueSize bounds messages waiting for ingestion.
const DefaultQueueSize = 256

// Ingester is the subset of core.Service the feed needs.
type Ingester interface {
	Ingest(ctx context.Context, name string, data []byte, hint parser.Format) (core.IngestResult, error)
}

// Config locates the broker and topic. Format is the hint passed to the
// parser bank; empty means detect.
type Config struct {
	Broker    string
	Topic     string
	ClientID  string
	QoS       byte
	Format    parser.Format
	QueueSize int
}

// Stats counts messages by outcome.
type Stats struct {
	Received uint64
	Ingested uint64
	Failed   uint64
	Dropped  uint64
}

// ClientFactory builds the MQTT client from prepared options.
type ClientFactory func(*mqtt.ClientOptions) mqtt.Client

// Option configures a Feed.
type Option func(*Feed)

// WithLogger sets the feed logger.
func WithLogger(l core.Logger) Option {
	return func(f *Feed) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithClientFactory replaces mqtt.NewClient.
func WithClientFactory(fn ClientFactory) Option {
	return func(f *Feed) {
		if fn != nil {
			f.newClient = fn
		}
	}
}

type message struct {
	topic   string
	id      uint16
	payload []byte
}

// Feed subscribes to a topic and hands every payload to the ingester on a
// single goroutine, so profiles from one sensor are stored in arrival order.
type Feed struct {
	cfg       Config
	ing       Ingester
	logger    core.Logger
	newClient ClientFactory

	client mqtt.Client
	queue  chan message
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool

	received atomic.Uint64
	ingested atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
}

// New constructs a feed. Start connects it.
func New(cfg Config, ing Ingester, opts ...Option) (*Feed, error) {
	if ing == nil {
		return nil, errors.New("mqttfeed: nil ingester")
	}
	if cfg.Broker == "" || cfg.Topic == "" {
		return nil, errors.New("mqttfeed: broker and topic are required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqttfeed: invalid qos %d", cfg.QoS)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("soundspeed-%d", time.Now().Unix())
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	f := &Feed{
		cfg:       cfg,
		ing:       ing,
		logger:    core.NoopLogger{},
		newClient: mqtt.NewClient,
		queue:     make(chan message, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Start connects to the broker and begins ingesting. The subscription is
// renewed on every reconnect.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return errors.New("mqttfeed: already started")
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(f.cfg.Broker)
	opts.SetClientID(f.cfg.ClientID)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOnConnectHandler(f.onConnect)
	opts.SetConnectionLostHandler(f.onConnectionLost)
	f.client = f.newClient(opts)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f.cancel = cancel
	f.wg.Add(1)
	go f.drain(runCtx)

	f.logger.Info("connecting to mqtt broker", "broker", f.cfg.Broker, "topic", f.cfg.Topic)
	token := f.client.Connect()
	if token.Wait() && token.Error() != nil {
		cancel()
		f.wg.Wait()
		return fmt.Errorf("mqttfeed: connect %s: %w", f.cfg.Broker, token.Error())
	}
	f.started = true
	return nil
}

func (f *Feed) onConnect(client mqtt.Client) {
	token := client.Subscribe(f.cfg.Topic, f.cfg.QoS, f.handle)
	if token.Wait() && token.Error() != nil {
		f.logger.Error("mqtt subscribe failed", "topic", f.cfg.Topic, "error", token.Error())
		return
	}
	f.logger.Info("mqtt subscribed", "topic", f.cfg.Topic, "qos", f.cfg.QoS)
}

func (f *Feed) onConnectionLost(_ mqtt.Client, err error) {
	f.logger.Warn("mqtt connection lost, reconnecting", "error", err)
}

// handle runs on the paho router goroutine and never blocks it.
func (f *Feed) handle(_ mqtt.Client, msg mqtt.Message) {
	f.received.Add(1)
	payload := append([]byte(nil), msg.Payload()...)
	select {
	case f.queue <- message{topic: msg.Topic(), id: msg.MessageID(), payload: payload}:
	default:
		f.dropped.Add(1)
		f.logger.Warn("mqtt queue full, dropping message", "topic", msg.Topic())
	}
}

func (f *Feed) drain(ctx context.Context) {
	defer f.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-f.queue:
			f.ingest(ctx, m)
		}
	}
}

func (f *Feed) ingest(ctx context.Context, m message) {
	name := messageName(m)
	res, err := f.ing.Ingest(ctx, name, m.payload, f.cfg.Format)
	if err != nil {
		f.failed.Add(1)
		f.logger.Warn("mqtt payload rejected", "message", name, "error", err)
		return
	}
	f.ingested.Add(1)
	f.logger.Debug("mqtt payload ingested", "message", name, "id", res.Profile.ID, "status", res.Profile.Status)
}

// messageName labels a payload in logs and parse errors.
func messageName(m message) string {
	topic := strings.Trim(m.topic, "/")
	if m.id == 0 {
		return "mqtt:" + topic
	}
	return fmt.Sprintf("mqtt:%s#%d", topic, m.id)
}

// Stats returns the message counters.
func (f *Feed) Stats() Stats {
	return Stats{
		Received: f.received.Load(),
		Ingested: f.ingested.Load(),
		Failed:   f.failed.Load(),
		Dropped:  f.dropped.Load(),
	}
}

// Stop unsubscribes, disconnects and waits for the ingest goroutine.
// Messages still queued are discarded.
func (f *Feed) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		return nil
	}
	f.started = false
	if f.client.IsConnected() {
		f.client.Unsubscribe(f.cfg.Topic).WaitTimeout(time.Second)
		f.client.Disconnect(250)
	}
	f.cancel()
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
