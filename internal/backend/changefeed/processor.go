// Package changefeed consumes the record change feed published by the outbox
// dispatcher.
package changefeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"example.com/fitsync/internal/backend"
)

// Reader exposes the minimal kafka.Reader interface needed by the processor.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler receives decoded change events.
type Handler interface {
	Handle(context.Context, Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(context.Context, Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Message is a decoded change-feed record.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	EventType string
	Event     backend.ChangeEvent
	Payload   json.RawMessage
}

// Processor pulls messages from Kafka, decodes them, and dispatches to a
// Handler. It runs as a suture service.
type Processor struct {
	reader     Reader
	handler    Handler
	logger     zerolog.Logger
	fetchPause time.Duration
}

// NewProcessor constructs a Processor with the provided reader and handler.
func NewProcessor(reader Reader, handler Handler, logger zerolog.Logger) *Processor {
	return &Processor{
		reader:     reader,
		handler:    handler,
		logger:     logger.With().Str("component", "changefeed").Logger(),
		fetchPause: time.Second,
	}
}

// String implements fmt.Stringer for suture.
func (p *Processor) String() string {
	return "changefeed-processor"
}

// Serve processes messages until ctx is cancelled, then closes the reader.
func (p *Processor) Serve(ctx context.Context) error {
	defer func() {
		if err := p.reader.Close(); err != nil {
			p.logger.Warn().Err(err).Msg("close reader")
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn().Err(err).Msg("fetch failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.fetchPause):
			}
			continue
		}

		event, decodeErr := decodeMessage(msg)
		if decodeErr != nil {
			p.logger.Error().Err(decodeErr).
				Str("topic", msg.Topic).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("decode failed; skipping message")
			recordDecodeError(msg.Topic)
			// Committed so a malformed message cannot block the partition.
			if commitErr := p.reader.CommitMessages(ctx, msg); commitErr != nil {
				p.logger.Warn().Err(commitErr).Msg("commit after decode failure")
			}
			continue
		}

		if handleErr := p.handler.Handle(ctx, event); handleErr != nil {
			p.logger.Error().Err(handleErr).
				Str("event_type", event.EventType).
				Str("account", event.Event.AccountID).
				Msg("handler failed")
			recordHandlerError(event)
			continue
		}

		if commitErr := p.reader.CommitMessages(ctx, msg); commitErr != nil {
			p.logger.Warn().Err(commitErr).Msg("commit failed")
			continue
		}
		recordProcessed(event)
	}
}

func decodeMessage(msg kafka.Message) (Message, error) {
	eventType, ok := headerValue(msg, "event_type")
	if !ok {
		return Message{}, errors.New("missing event_type header")
	}
	var event backend.ChangeEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return Message{}, fmt.Errorf("decode change event: %w", err)
	}
	if event.AccountID == "" || event.EntityType == "" {
		return Message{}, errors.New("change event without account or entity type")
	}

	return Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Time,
		EventType: string(eventType),
		Event:     event,
		Payload:   json.RawMessage(append([]byte(nil), msg.Value...)),
	}, nil
}

func headerValue(msg kafka.Message, key string) ([]byte, bool) {
	for _, header := range msg.Headers {
		if header.Key == key {
			return header.Value, true
		}
	}
	return nil, false
}
