package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

type recordingWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestNotifyPublishesKeyedJSON(t *testing.T) {
	w := &recordingWriter{}
	sink := newSink(w, "organledger.notifications", nil)
	at := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

	err := sink.Notify(context.Background(), domain.Notification{
		ID:        "n-1",
		Scope:     domain.ScopeRecipient,
		Audience:  "R-7",
		Kind:      "match.created",
		Title:     "Organ match found",
		Data:      map[string]any{"organ_id": "K-1"},
		CreatedAt: at,
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "recipient:R-7", string(msg.Key))
	assert.Equal(t, at, msg.Time)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "match.created", string(msg.Headers[0].Value))

	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, "n-1", body["id"])
	assert.Equal(t, "recipient", body["scope"])
	assert.Equal(t, map[string]any{"organ_id": "K-1"}, body["data"])
	assert.NotContains(t, body, "body")

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestNotifyWrapsWriterError(t *testing.T) {
	w := &recordingWriter{err: errors.New("no brokers reachable")}
	sink := newSink(w, "alerts", nil)

	err := sink.Notify(context.Background(), domain.Notification{ID: "n-2", Scope: domain.ScopeUser, Audience: "dr.a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish notification n-2 to alerts")
	assert.ErrorIs(t, err, w.err)
}
