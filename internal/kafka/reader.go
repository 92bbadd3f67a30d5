package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/VictoriaMetrics/metrics"
	"github.com/segmentio/kafka-go"

	"payment-sync-service/internal/logcontext"
	"payment-sync-service/internal/message"
	"payment-sync-service/internal/tracing"
)

type Metrics struct {
	ReadErrorCounter      *metrics.Counter
	UnmarshalErrorCounter *metrics.Counter
	ProcessErrorCounter   *metrics.Counter
	SuccessCounter        *metrics.Counter
}

var userDeletionMetrics = Metrics{
	ReadErrorCounter:      metrics.GetOrCreateCounter(`kafka_reader_total{result="read_error",type="user_deletion"}`),
	UnmarshalErrorCounter: metrics.GetOrCreateCounter(`kafka_reader_total{result="unmarshal_error",type="user_deletion"}`),
	ProcessErrorCounter:   metrics.GetOrCreateCounter(`kafka_reader_total{result="process_error",type="user_deletion"}`),
	SuccessCounter:        metrics.GetOrCreateCounter(`kafka_reader_total{result="success",type="user_deletion"}`),
}

// MessageReader is the subset of *kafka.Reader the consumer loop needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func NewReader(kafkaURL, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: strings.Split(kafkaURL, ","),
		GroupID: groupID,
		Topic:   topic,
	})
}

// ReadUserDeletionRequests blocks until ctx is cancelled, handing every
// decoded request to handle. Failed messages are logged and committed.
func ReadUserDeletionRequests(ctx context.Context, reader MessageReader, logger *slog.Logger, handle func(context.Context, message.UserDeletionRequest) error) {
	readMessages(ctx, reader, logger, func(ctx context.Context, value []byte) error {
		var r message.UserDeletionRequest
		if err := json.Unmarshal(value, &r); err != nil {
			logger.ErrorContext(ctx, "Error unmarshalling user deletion request", "error", err)
			userDeletionMetrics.UnmarshalErrorCounter.Inc()
			return err
		}
		ctx = logcontext.AppendCtx(ctx, slog.String("userId", r.UserID.String()))
		return handle(ctx, r)
	}, userDeletionMetrics)
}

func readMessages(ctx context.Context, reader MessageReader, logger *slog.Logger, process func(context.Context, []byte) error, kafkaMetrics Metrics) {
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.InfoContext(ctx, "Context done, stopping reader")
				return
			}
			logger.ErrorContext(ctx, "Error reading message", "error", err)
			kafkaMetrics.ReadErrorCounter.Inc()
			continue
		}
		logger.DebugContext(ctx, "Received message", "topic", m.Topic, "offset", m.Offset)

		msgCtx, eventType := tracing.FromHeaders(ctx, m.Headers)
		if eventType != "" {
			msgCtx = logcontext.AppendCtx(msgCtx, slog.String("eventType", eventType))
		}
		if err := process(msgCtx, m.Value); err != nil {
			logger.ErrorContext(msgCtx, "Error processing message", "topic", m.Topic, "offset", m.Offset, "error", err)
			kafkaMetrics.ProcessErrorCounter.Inc()
			continue
		}
		kafkaMetrics.SuccessCounter.Inc()
	}
}
