// Package kafka publishes notifications to a Kafka topic, one JSON message per
// notification keyed by its audience so a recipient's messages stay ordered.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Sink struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

type message struct {
	ID        string         `json:"id"`
	Scope     string         `json:"scope"`
	Audience  string         `json:"audience"`
	Kind      string         `json:"kind"`
	Title     string         `json:"title"`
	Body      string         `json:"body,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func NewSink(brokers []string, topic string, logger *slog.Logger) *Sink {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		WriteTimeout:           10 * time.Second,
	}
	return newSink(w, topic, logger)
}

func newSink(w messageWriter, topic string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Sink{writer: w, topic: topic, logger: logger}
}

func (s *Sink) Notify(ctx context.Context, n domain.Notification) error {
	value, err := json.Marshal(message{
		ID:        n.ID,
		Scope:     string(n.Scope),
		Audience:  n.Audience,
		Kind:      n.Kind,
		Title:     n.Title,
		Body:      n.Body,
		Data:      n.Data,
		CreatedAt: n.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode notification %s: %w", n.ID, err)
	}
	msg := kafka.Message{
		Key:   []byte(string(n.Scope) + ":" + n.Audience),
		Value: value,
		Time:  n.CreatedAt,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(n.Kind)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish notification %s to %s: %w", n.ID, s.topic, err)
	}
	s.logger.Debug("notification published", "topic", s.topic, "kind", n.Kind, "audience", n.Audience)
	return nil
}

func (s *Sink) Close() error {
	return s.writer.Close()
}
