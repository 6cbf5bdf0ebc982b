package broker

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// Kafka headers carrying delivery metadata outside the message body
const (
	HeaderAttempt   = "x-attempt"
	HeaderNotBefore = "x-not-before"
	HeaderReason    = "x-dead-letter-reason"
)

// encodeMessage builds the Kafka record for msg, keyed by event id
func encodeMessage(msg Message) (kafka.Message, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	headers := []kafka.Header{
		{Key: HeaderAttempt, Value: []byte(strconv.Itoa(msg.Attempt))},
	}
	if !msg.NotBefore.IsZero() {
		headers = append(headers, kafka.Header{
			Key:   HeaderNotBefore,
			Value: []byte(msg.NotBefore.UTC().Format(time.RFC3339Nano)),
		})
	}

	return kafka.Message{
		Key:     []byte(msg.WebhookEventID),
		Value:   body,
		Headers: headers,
		Time:    time.Now(),
	}, nil
}

// decodeMessage reverses encodeMessage. Unknown headers are ignored and
// malformed ones fall back to their zero value.
func decodeMessage(km kafka.Message) (Message, error) {
	var msg Message
	if err := json.Unmarshal(km.Value, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	for _, h := range km.Headers {
		switch h.Key {
		case HeaderAttempt:
			if n, err := strconv.Atoi(string(h.Value)); err == nil {
				msg.Attempt = n
			}
		case HeaderNotBefore:
			if t, err := time.Parse(time.RFC3339Nano, string(h.Value)); err == nil {
				msg.NotBefore = t
			}
		}
	}
	return msg, nil
}
