package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/emberdate/backend/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// NewWriter returns a synchronous writer for the score topic. Messages are
// keyed by user so one user's updates stay ordered within a partition.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// NewReader returns a reader for the score topic. Every instance must use its
// own group so each one sees every update; a fresh group starts at the tail
// since missed history is covered by polling.
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     groupID,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.LastOffset,
	})
}

// Broadcaster is the ledger's notifier. With a Kafka writer configured,
// updates go through the topic and come back to every instance's hub via
// Consumer; without one, or when the write fails, they go straight to the
// local hub.
type Broadcaster struct {
	hub *Hub
	w   messageWriter
	log *slog.Logger
}

func NewBroadcaster(hub *Hub, w messageWriter, log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{hub: hub, w: w, log: log.With("component", "feed-broadcaster")}
}

func (b *Broadcaster) Publish(ctx context.Context, u models.ScoreUpdate) {
	if b.w != nil {
		err := b.write(ctx, u)
		if err == nil {
			return
		}
		b.log.Warn("kafka publish failed, delivering locally", "user_id", u.UserID, "version", u.Version, "error", err)
	}
	b.hub.PublishLocal(u)
}

func (b *Broadcaster) write(ctx context.Context, u models.ScoreUpdate) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return b.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(u.UserID.String()),
		Value: payload,
		Time:  u.At,
	})
}

func (b *Broadcaster) Close() error {
	if b.w == nil {
		return nil
	}
	return b.w.Close()
}

// Consumer feeds updates from the score topic into the local hub.
type Consumer struct {
	r   messageReader
	hub *Hub
	log *slog.Logger
}

func NewConsumer(r messageReader, hub *Hub, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{r: r, hub: hub, log: log.With("component", "feed-consumer")}
}

// Run reads until ctx is cancelled. Malformed messages are logged and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.r.Close()
	for {
		m, err := c.r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("read %s: %w", TopicScoreUpdated, err)
		}
		var u models.ScoreUpdate
		if err := json.Unmarshal(m.Value, &u); err != nil {
			c.log.Warn("skipping malformed update", "offset", m.Offset, "partition", m.Partition, "error", err)
			continue
		}
		c.hub.PublishLocal(u)
	}
}
