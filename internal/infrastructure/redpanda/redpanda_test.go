package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-mar/internal/domain/dose"
)

func TestDecodeEvent(t *testing.T) {
	event, err := dose.NewEvent("12", "ward-3", dose.EventDoseAdministered, &dose.StatusChangedData{ReminderID: 12})
	require.NoError(t, err)
	raw, err := json.Marshal(event)
	require.NoError(t, err)

	got, err := DecodeEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, "ward-3", got.ScheduleContextID)
	assert.Equal(t, dose.EventDoseAdministered, got.EventType)
}

func TestDecodeEvent_Rejects(t *testing.T) {
	_, err := DecodeEvent([]byte("not json"))
	assert.Error(t, err)

	_, err = DecodeEvent([]byte(`{"id":"x","event_type":"DoseAdministered"}`))
	assert.Error(t, err)
}

func TestHeaderCarrier_RoundTripsTraceContext(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	prop := propagation.TraceContext{}
	record := &kgo.Record{}
	prop.Inject(ctx, headerCarrier{record})
	require.NotEmpty(t, headerCarrier{record}.Get("traceparent"))

	// Set replaces rather than duplicating
	prop.Inject(ctx, headerCarrier{record})
	n := 0
	for _, k := range (headerCarrier{record}).Keys() {
		if k == "traceparent" {
			n++
		}
	}
	assert.Equal(t, 1, n)

	extracted := trace.SpanContextFromContext(prop.Extract(context.Background(), headerCarrier{record}))
	assert.Equal(t, traceID, extracted.TraceID())
	assert.True(t, extracted.IsRemote())
}

func TestDefaultTopicConfigs(t *testing.T) {
	names := map[string]bool{}
	for _, cfg := range DefaultTopicConfigs() {
		names[cfg.Name] = true
	}
	assert.True(t, names[TopicDoseEvents])
	assert.True(t, names[TopicDeadLetter])
}

func TestConsumer_HandlerFailureIsCountedAndNotCommitted(t *testing.T) {
	event, err := dose.NewEvent("12", "ward-3", dose.EventDoseNotRequired, &dose.StatusChangedData{ReminderID: 12})
	require.NoError(t, err)
	raw, err := json.Marshal(event)
	require.NoError(t, err)

	var seen *dose.Event
	c := &Consumer{
		ctx:    context.Background(),
		logger: zap.NewNop(),
		tracer: otel.Tracer("test"),
		handler: func(ctx context.Context, e *dose.Event) error {
			seen = e
			return errors.New("view closed")
		},
	}
	c.processRecord(&kgo.Record{Topic: TopicDoseEvents, Value: raw, Offset: 7})

	require.NotNil(t, seen)
	assert.Equal(t, event.ID, seen.ID)
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.ErrorCount)
	assert.Zero(t, stats.MessagesRead)
	assert.True(t, stats.LastCommitTime.IsZero())
}

func TestProducer_FailedPublishIsCounted(t *testing.T) {
	cfg := DefaultProducerConfig()
	cfg.Brokers = []string{"127.0.0.1:1"}
	cfg.RequiredAcks = 1
	cfg.MaxRetries = 0
	p, err := NewProducer(cfg, nil)
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.Error(t, p.Publish(ctx, TopicDoseEvents, "12", []byte(`{}`)))

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.ErrorCount)
	assert.Zero(t, stats.MessagesSent)
}
