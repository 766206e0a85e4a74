// Package bus is the port onto the message bus: publishing with
// correlation headers, consumer-group subscriptions and graceful
// reconnect. It is the only package that touches the broker client.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/engineersedge/orchestrator/orchestration"
)

// Stream names provisioned at startup.
const (
	StreamTasks     = "TASKS"
	StreamResponses = "RESPONSES"
)

// Message is one inbound record delivered to a subscription handler.
type Message struct {
	Subject string
	Data    []byte
	Headers nats.Header
}

// Handler processes one inbound record. A non-nil error NAKs the record
// for redelivery; decode failures never reach the handler.
type Handler func(ctx context.Context, msg *Message) error

// Options configures the port.
type Options struct {
	// URL is the broker address list (comma-joined NATS URL).
	URL string
	// ClientID names the connection.
	ClientID string
	// GroupID prefixes durable consumer names (the consumer group).
	GroupID string
	// ReconnectWait is the delay between reconnect attempts.
	ReconnectWait time.Duration
	// LegacyResponseTopics extends the RESPONSES stream subjects.
	LegacyResponseTopics []string
}

// Bus is the NATS JetStream adapter. Subscriptions are registered
// before Start; Start is eager and late subscribes are rejected.
type Bus struct {
	opts   Options
	logger *slog.Logger

	client *natsclient.Client
	nc     *nats.Conn

	mu      sync.Mutex
	js      jetstream.JetStream
	subs    map[string]Handler
	started bool
	cancel  context.CancelFunc

	decodeFailures atomic.Int64
	published      atomic.Int64
	consumed       atomic.Int64
}

// New creates the port and begins connecting. A refused initial connect
// does not fail: the port reports not-connected and keeps retrying in
// the background on the reconnect interval.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 10 * time.Second
	}
	if opts.GroupID == "" {
		opts.GroupID = "orchestrator"
	}

	client, err := natsclient.NewClient(opts.URL,
		natsclient.WithName(opts.ClientID),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(opts.ReconnectWait),
	)
	if err != nil {
		// Malformed broker configuration is a startup failure, not a
		// transient network fault.
		return nil, fmt.Errorf("create bus client: %w", err)
	}

	b := &Bus{
		opts:   opts,
		logger: logger,
		client: client,
		subs:   make(map[string]Handler),
	}

	if err := b.connect(ctx); err != nil {
		logger.Warn("Bus unreachable, retrying in background",
			"url", opts.URL,
			"retry_interval", opts.ReconnectWait,
			"error", err)
		go b.reconnectLoop(ctx)
	}
	return b, nil
}

func (b *Bus) connect(ctx context.Context) error {
	if err := b.client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	js, err := b.client.JetStream()
	if err != nil {
		return fmt.Errorf("get jetstream: %w", err)
	}
	if err := b.ensureStreams(ctx, js); err != nil {
		return err
	}

	b.mu.Lock()
	b.nc = b.client.GetConnection()
	b.js = js
	b.mu.Unlock()
	b.logger.Info("Bus connected", "url", b.opts.URL)
	return nil
}

func (b *Bus) reconnectLoop(ctx context.Context) {
	ticker := time.NewTicker(b.opts.ReconnectWait)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.connect(ctx); err != nil {
				b.logger.Warn("Bus reconnect failed", "error", err)
				continue
			}
			return
		}
	}
}

// ensureStreams provisions the task and response streams.
func (b *Bus) ensureStreams(ctx context.Context, js jetstream.JetStream) error {
	responseSubjects := append(
		[]string{orchestration.ResponseSubjectPrefix + ">"},
		b.opts.LegacyResponseTopics...,
	)
	streams := []jetstream.StreamConfig{
		{
			Name:     StreamTasks,
			Subjects: []string{orchestration.TaskSubjectPrefix + ">"},
		},
		{
			Name:     StreamResponses,
			Subjects: responseSubjects,
		},
	}
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// JetStream returns the JetStream context, or ErrNotConnected before
// the first successful connect. The KV store shares the connection.
func (b *Bus) JetStream() (jetstream.JetStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.js == nil {
		return nil, orchestration.ErrNotConnected
	}
	return b.js, nil
}

// Connected reports whether the producer is online.
func (b *Bus) Connected() bool {
	b.mu.Lock()
	nc := b.nc
	b.mu.Unlock()
	return nc != nil && nc.IsConnected()
}

// Publish serializes the body as JSON and publishes it with the given
// headers. ErrNotConnected when the producer is offline; other network
// errors after admission are logged and absorbed, because the caller
// treats "not delivered" as a retryable dispatch via the deadline path.
func (b *Bus) Publish(ctx context.Context, subject string, body any, headers orchestration.Headers) error {
	b.mu.Lock()
	js := b.js
	b.mu.Unlock()
	if js == nil || !b.Connected() {
		return orchestration.ErrNotConnected
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal message for %s: %w", subject, err)
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  nats.Header{},
	}
	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	if _, err := js.PublishMsg(ctx, msg); err != nil {
		b.logger.Warn("Bus publish failed",
			"subject", subject,
			"error", err)
		return nil
	}
	b.published.Add(1)
	return nil
}

// Subscribe registers a handler for a subject within the consumer
// group. All subscriptions must be registered before Start.
func (b *Bus) Subscribe(subject string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return fmt.Errorf("%w: subscribe %s", orchestration.ErrConsumerStarted, subject)
	}
	if _, exists := b.subs[subject]; exists {
		return fmt.Errorf("%w: %s", orchestration.ErrAlreadySubscribed, subject)
	}
	b.subs[subject] = handler
	return nil
}

// Start begins delivery for every registered subscription: one durable
// consumer per subject, consumed cooperatively in its own fetch loop.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return orchestration.ErrConsumerStarted
	}
	js := b.js
	b.started = true
	subs := make(map[string]Handler, len(b.subs))
	for subject, handler := range b.subs {
		subs[subject] = handler
	}
	consumeCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mu.Unlock()

	if js == nil {
		// Consumers will start once the reconnect loop succeeds; the
		// pending subscriptions drain from the durable streams then.
		go b.startWhenConnected(consumeCtx, subs)
		return nil
	}
	return b.startConsumers(consumeCtx, js, subs)
}

func (b *Bus) startWhenConnected(ctx context.Context, subs map[string]Handler) {
	ticker := time.NewTicker(b.opts.ReconnectWait)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			js := b.js
			b.mu.Unlock()
			if js == nil {
				continue
			}
			if err := b.startConsumers(ctx, js, subs); err != nil {
				b.logger.Warn("Deferred consumer start failed", "error", err)
			}
			return
		}
	}
}

func (b *Bus) startConsumers(ctx context.Context, js jetstream.JetStream, subs map[string]Handler) error {
	for subject, handler := range subs {
		consumer, err := b.createConsumer(ctx, js, subject)
		if err != nil {
			return err
		}
		go b.consumeLoop(ctx, subject, consumer, handler)
	}
	b.logger.Info("Bus consumers started",
		"group", b.opts.GroupID,
		"subscriptions", len(subs))
	return nil
}

func (b *Bus) createConsumer(ctx context.Context, js jetstream.JetStream, subject string) (jetstream.Consumer, error) {
	streamName, err := js.StreamNameBySubject(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("resolve stream for %s: %w", subject, err)
	}
	stream, err := js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", streamName, err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durableName(b.opts.GroupID, subject),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       time.Minute,
		MaxDeliver:    3,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer for %s: %w", subject, err)
	}
	return consumer, nil
}

// consumeLoop continuously consumes messages for one subscription.
func (b *Bus) consumeLoop(ctx context.Context, subject string, consumer jetstream.Consumer, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		for msg := range msgs.Messages() {
			b.handleRecord(ctx, subject, msg, handler)
		}
	}
}

func (b *Bus) handleRecord(ctx context.Context, subject string, msg jetstream.Msg, handler Handler) {
	b.consumed.Add(1)

	if !json.Valid(msg.Data()) {
		// Malformed records are a bug, not a transient fault; ack so
		// they are never redelivered.
		b.decodeFailures.Add(1)
		b.logger.Warn("Dropping malformed record",
			"subject", subject,
			"bytes", len(msg.Data()))
		if err := msg.Ack(); err != nil {
			b.logger.Warn("Failed to ACK malformed record", "error", err)
		}
		return
	}

	err := handler(ctx, &Message{
		Subject: msg.Subject(),
		Data:    msg.Data(),
		Headers: msg.Headers(),
	})
	if err != nil {
		b.logger.Warn("Handler failed, NAKing record",
			"subject", subject,
			"error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			b.logger.Warn("Failed to NAK record", "error", nakErr)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		b.logger.Warn("Failed to ACK record", "error", err)
	}
}

// DecodeFailures returns the count of malformed records dropped.
func (b *Bus) DecodeFailures() int64 {
	return b.decodeFailures.Load()
}

// Close stops consumption and closes the connection.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return b.client.Close(ctx)
}

// durableName builds a consumer-group durable name from a subject.
// Durable names must not contain dots.
func durableName(group, subject string) string {
	return group + "-" + strings.ReplaceAll(subject, ".", "-")
}
