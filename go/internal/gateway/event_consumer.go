package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livepoll/go/internal/directory"
	"github.com/mcdev12/livepoll/go/internal/models"
	"github.com/mcdev12/livepoll/go/internal/poll/events"
)

// JetStreamConsumerConfig holds configuration for the JetStream consumer
type JetStreamConsumerConfig struct {
	URL           string
	StreamName    string
	ConsumerName  string
	SubjectFilter string        // e.g., "polls.events.>"
	MaxDeliver    int           // Max delivery attempts
	AckWait       time.Duration // How long to wait for ack
	MaxAckPending int           // Max messages pending ack
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultJetStreamConsumerConfig returns default JetStream consumer configuration
func DefaultJetStreamConsumerConfig() JetStreamConsumerConfig {
	return JetStreamConsumerConfig{
		URL:           nats.DefaultURL,
		StreamName:    "POLL_EVENTS",
		ConsumerName:  "poll-gateway",
		SubjectFilter: "polls.events.>",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// PollReader reads the authoritative vote set of a poll
type PollReader interface {
	GetPoll(ctx context.Context, pollID string) (models.Poll, error)
}

// Broadcaster delivers a frame to a poll room
type Broadcaster interface {
	BroadcastToPoll(pollID string, env events.Envelope)
}

// EventHandler turns directory events into room broadcasts. A vote event is
// answered with the poll's full vote set, never with the single vote.
type EventHandler struct {
	reader      PollReader
	broadcaster Broadcaster
	clock       clockwork.Clock

	processed atomic.Uint64
	failed    atomic.Uint64
	lastEvent atomic.Int64 // unix nanos
}

func NewEventHandler(reader PollReader, broadcaster Broadcaster, clock clockwork.Clock) *EventHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &EventHandler{reader: reader, broadcaster: broadcaster, clock: clock}
}

// Handle processes one event. Returned errors are retryable.
func (h *EventHandler) Handle(ctx context.Context, eventType string, data []byte) error {
	err := h.handle(ctx, eventType, data)
	if err != nil {
		h.failed.Add(1)
		return err
	}
	h.processed.Add(1)
	h.lastEvent.Store(h.clock.Now().UnixNano())
	return nil
}

// Stats returns the handled and failed event counts and the time of the last
// handled event.
func (h *EventHandler) Stats() (processed, failed uint64, last time.Time) {
	if ns := h.lastEvent.Load(); ns != 0 {
		last = time.Unix(0, ns).UTC()
	}
	return h.processed.Load(), h.failed.Load(), last
}

func (h *EventHandler) handle(ctx context.Context, eventType string, data []byte) error {
	switch eventType {
	case events.EventTypeVoteRecorded:
		var event events.VoteRecordedEvent
		if err := json.Unmarshal(data, &event); err != nil {
			log.Error().Err(err).Msg("dropping malformed vote event")
			return nil
		}
		return h.broadcastVotes(ctx, event.PollID)

	case events.EventTypePollDeleted:
		var event events.PollDeletedEvent
		if err := json.Unmarshal(data, &event); err != nil {
			log.Error().Err(err).Msg("dropping malformed poll deleted event")
			return nil
		}
		h.broadcaster.BroadcastToPoll(event.PollID, events.NewPollDeleted(event.PollID))
		return nil

	default:
		log.Warn().Str("event_type", eventType).Msg("ignoring unknown event type")
		return nil
	}
}

func (h *EventHandler) broadcastVotes(ctx context.Context, pollID string) error {
	poll, err := h.reader.GetPoll(ctx, pollID)
	if errors.Is(err, models.ErrPollNotFound) {
		// Deleted after the vote; the delete event informs the room.
		log.Debug().Str("poll_id", pollID).Msg("poll gone before vote broadcast")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read poll %s: %w", pollID, err)
	}

	env, err := events.NewVoteUpdate(poll.ID, poll.Votes, poll.AsOf)
	if err != nil {
		return err
	}
	h.broadcaster.BroadcastToPoll(poll.ID, env)

	log.Info().
		Str("poll_id", poll.ID).
		Int("votes", len(poll.Votes)).
		Time("as_of", poll.AsOf).
		Msg("vote set broadcasted")
	return nil
}

// EventConsumer consumes directory events from JetStream
type EventConsumer struct {
	handler  *EventHandler
	nc       *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
	config   JetStreamConsumerConfig
}

// NewEventConsumer connects to NATS and binds the durable consumer
func NewEventConsumer(ctx context.Context, handler *EventHandler, config JetStreamConsumerConfig) (*EventConsumer, error) {
	opts := []nats.Option{
		nats.Name("poll-gateway"),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	ec := &EventConsumer{
		handler: handler,
		nc:      nc,
		js:      js,
		config:  config,
	}
	if err := ec.ensureConsumer(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}
	return ec, nil
}

func (ec *EventConsumer) ensureConsumer(ctx context.Context) error {
	// The gateway may start before the directory has published anything.
	streamCfg := directory.DefaultJetStreamConfig()
	streamCfg.StreamName = ec.config.StreamName
	if err := directory.EnsureStream(ctx, ec.js, streamCfg); err != nil {
		return err
	}

	stream, err := ec.js.Stream(ctx, ec.config.StreamName)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	// Only new events matter; clients resync from the directory on connect.
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          ec.config.ConsumerName,
		Durable:       ec.config.ConsumerName,
		Description:   "Poll gateway websocket fan-out",
		FilterSubject: ec.config.SubjectFilter,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    ec.config.MaxDeliver,
		AckWait:       ec.config.AckWait,
		MaxAckPending: ec.config.MaxAckPending,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	log.Info().
		Str("consumer", ec.config.ConsumerName).
		Str("stream", ec.config.StreamName).
		Msg("bound JetStream consumer")
	ec.consumer = consumer
	return nil
}

// Start consumes events until ctx is done
func (ec *EventConsumer) Start(ctx context.Context) error {
	log.Info().
		Str("consumer", ec.config.ConsumerName).
		Str("stream", ec.config.StreamName).
		Msg("starting JetStream event consumer")

	messageCh := make(chan jetstream.Msg, 100)
	consumeCtx, err := ec.consumer.Consume(func(msg jetstream.Msg) {
		select {
		case messageCh <- msg:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("event consumer shutting down")
			return nil
		case msg := <-messageCh:
			ec.processMessage(ctx, msg)
		}
	}
}

func (ec *EventConsumer) processMessage(ctx context.Context, msg jetstream.Msg) {
	eventType := msg.Headers().Get("Event-Type")
	if eventType == "" {
		eventType = subjectEventType(msg.Subject())
	}

	if err := ec.handler.Handle(ctx, eventType, msg.Data()); err != nil {
		log.Error().
			Err(err).
			Str("subject", msg.Subject()).
			Msg("failed to process message")
		if nakErr := msg.Nak(); nakErr != nil {
			log.Error().Err(nakErr).Msg("failed to NAK message")
		}
		return
	}
	if ackErr := msg.Ack(); ackErr != nil {
		log.Error().Err(ackErr).Msg("failed to ACK message")
	}
}

// subjectEventType returns the last token of a subject
func subjectEventType(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return subject[i+1:]
	}
	return subject
}

// Stop closes the NATS connection
func (ec *EventConsumer) Stop() error {
	log.Info().Msg("stopping event consumer")
	if ec.nc != nil {
		ec.nc.Close()
	}
	return nil
}

// Connected reports whether the NATS connection is up
func (ec *EventConsumer) Connected() bool {
	return ec.nc != nil && ec.nc.IsConnected()
}
