package kafka

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Header names set by producers of ingestion events
const (
	HeaderSource      = "source"
	HeaderTraceParent = "traceparent"
	HeaderTraceState  = "tracestate"
)

// ErrMalformedMessage marks a message whose value is not an ingestion event at all.
// Redelivering it can never succeed.
var ErrMalformedMessage = errors.New("malformed ingestion message")

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	// Trace context (extracted from Kafka headers)
	TraceParent string
	TraceState  string

	// Parsed content
	Event *models.IngestionEvent
}

// ParseIngestionEvent decodes the value as an IngestionEvent.
// The source falls back to the source header and the timestamp to the broker time.
func (m *IncomingMessage) ParseIngestionEvent() error {
	if len(bytes.TrimSpace(m.Value)) == 0 {
		return fmt.Errorf("%w: empty value", ErrMalformedMessage)
	}

	var event models.IngestionEvent
	if err := json.Unmarshal(m.Value, &event); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedMessage, err.Error())
	}
	if event.Source == "" {
		event.Source = m.Headers[HeaderSource]
	}
	if event.Timestamp.IsZero() && !m.Timestamp.IsZero() {
		event.Timestamp = m.Timestamp.UTC()
	}
	m.Event = &event
	return nil
}

// GetSource returns the event source, or the source header before parsing
func (m *IncomingMessage) GetSource() string {
	if m.Event != nil && m.Event.Source != "" {
		return m.Event.Source
	}
	return m.Headers[HeaderSource]
}
