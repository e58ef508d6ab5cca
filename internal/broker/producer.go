package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"ledgerbook.org/internal/ledger"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes committed ledger events to Kafka. Messages are keyed by
// customer id so one customer's events stay ordered within a partition.
type Producer struct {
	l     zerolog.Logger
	w     messageWriter
	topic string
}

var _ ledger.Notifier = (*Producer)(nil)

func NewProducer(l zerolog.Logger, brokers []string, topic string) *Producer {
	l = l.With().Str("component", "kafka").Str("topic", topic).Logger()

	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		Async:                  true,
		RequiredAcks:           kafka.RequireOne,
		Logger:                 &infoLogger{l: l},
		ErrorLogger:            &errorLogger{l: l},
		AllowAutoTopicCreation: true,
	}
	return newProducer(l, w, topic)
}

func newProducer(l zerolog.Logger, w messageWriter, topic string) *Producer {
	return &Producer{l: l, w: w, topic: topic}
}

// Publish never fails the caller: the mutation already committed, so a
// broker error is logged and dropped.
func (p *Producer) Publish(ctx context.Context, evt ledger.Event) {
	b, err := json.Marshal(evt)
	if err != nil {
		p.l.Error().Err(err).Str("event", string(evt.Type)).Msg("marshal event")
		return
	}
	key := evt.CustomerID
	if key == "" {
		key = evt.ProductID
	}
	err = p.w.WriteMessages(ctx, kafka.Message{
		Topic: p.topic,
		Key:   []byte(key),
		Value: b,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.Type)},
		},
		Time: evt.At,
	})
	if err != nil {
		p.l.Error().Err(err).Str("event", string(evt.Type)).Msg("write kafka message")
	}
}

func (p *Producer) Close() {
	if err := p.w.Close(); err != nil {
		p.l.Error().Err(err).Msg("close kafka writer")
	}
}

type infoLogger struct {
	l zerolog.Logger
}

func (l *infoLogger) Printf(format string, v ...any) {
	l.l.Debug().Msg(fmt.Sprintf(format, v...))
}

type errorLogger struct {
	l zerolog.Logger
}

func (l *errorLogger) Printf(format string, v ...any) {
	l.l.Error().Msg(fmt.Sprintf(format, v...))
}
