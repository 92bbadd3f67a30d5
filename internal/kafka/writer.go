package kafka

import (
	"log/slog"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/segmentio/kafka-go"

	"payment-sync-service/internal/config"
)

var (
	writerDeliveredCounter = metrics.GetOrCreateCounter(`kafka_writer_messages_total{result="delivered"}`)
	writerFailedCounter    = metrics.GetOrCreateCounter(`kafka_writer_messages_total{result="failed"}`)
)

// NewWriter returns an asynchronous writer: WriteMessages only enqueues and
// delivery failures are reported to Completion, where they are logged.
// Messages carry their own topic.
func NewWriter(cfg config.Kafka, logger *slog.Logger) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(cfg.Broker.URL, ",")...),
		Balancer:               &kafka.ReferenceHash{},
		BatchSize:              cfg.Writer.BatchSize,
		BatchTimeout:           time.Duration(cfg.Writer.BatchTimeoutMs) * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		Async:                  true,
		AllowAutoTopicCreation: false,
		Completion:             completionLogger(logger),
	}
}

func completionLogger(logger *slog.Logger) func([]kafka.Message, error) {
	return func(messages []kafka.Message, err error) {
		if err == nil {
			writerDeliveredCounter.Add(len(messages))
			return
		}

		writerFailedCounter.Add(len(messages))
		for _, m := range messages {
			logger.Error("Error delivering event", "topic", m.Topic, "key", string(m.Key), "error", err)
		}
	}
}
