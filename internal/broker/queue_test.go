package broker

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueueDeliversAndAcks(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Message{WebhookEventID: "evt-1"}))
	require.NoError(t, q.Enqueue(ctx, Message{WebhookEventID: "evt-2", Attempt: 1}))
	assert.Equal(t, 2, q.Len())

	ch := q.Consume(ctx)
	first := <-ch
	second := <-ch
	assert.Equal(t, "evt-1", first.Message.WebhookEventID)
	assert.Equal(t, 1, second.Message.Attempt)

	require.NoError(t, first.Ack(ctx))
	require.NoError(t, second.Ack(ctx))
	assert.Equal(t, 2, q.Acked())
}

func TestMemoryQueueDeadLetter(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.DeadLetter(context.Background(), Message{WebhookEventID: "evt-9"}, "boom"))

	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "evt-9", dead[0].Message.WebhookEventID)
	assert.Equal(t, "boom", dead[0].Reason)
}

func TestMemoryQueueEnqueueAfterClose(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	err := q.Enqueue(context.Background(), Message{WebhookEventID: "evt-1"})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestMemoryQueueEnqueueRespectsContext(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), Message{WebhookEventID: "evt-1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, Message{WebhookEventID: "evt-2"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMessageCodecRoundTripsHeaders(t *testing.T) {
	notBefore := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	km, err := encodeMessage(Message{WebhookEventID: "evt-1", Attempt: 3, NotBefore: notBefore})
	require.NoError(t, err)

	assert.Equal(t, "evt-1", string(km.Key))
	assert.JSONEq(t, `{"webhookEventId":"evt-1"}`, string(km.Value))

	msg, err := decodeMessage(km)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", msg.WebhookEventID)
	assert.Equal(t, 3, msg.Attempt)
	assert.True(t, notBefore.Equal(msg.NotBefore))
}

func TestDecodeMessageIgnoresBadHeaders(t *testing.T) {
	msg, err := decodeMessage(kafka.Message{
		Value:   []byte(`{"webhookEventId":"evt-2"}`),
		Headers: []kafka.Header{{Key: HeaderAttempt, Value: []byte("x")}},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, msg.Attempt)
}

func TestDecodeMessageRejectsGarbage(t *testing.T) {
	_, err := decodeMessage(kafka.Message{Value: []byte("not json")})
	assert.Error(t, err)
}

func TestKafkaQueueRoundTrip(t *testing.T) {
	t.Skip("Integration test - requires Kafka")
}
