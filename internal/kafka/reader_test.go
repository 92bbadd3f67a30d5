package kafka_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-sync-service/internal/kafka"
	"payment-sync-service/internal/message"
)

// scriptedReader replays its steps and cancels the consumer once they run out.
type scriptedReader struct {
	steps  []step
	cancel context.CancelFunc
}

type step struct {
	msg kafkago.Message
	err error
}

func (r *scriptedReader) ReadMessage(ctx context.Context) (kafkago.Message, error) {
	if len(r.steps) == 0 {
		r.cancel()
		<-ctx.Done()
		return kafkago.Message{}, ctx.Err()
	}
	s := r.steps[0]
	r.steps = r.steps[1:]
	return s.msg, s.err
}

func deletionMessage(t *testing.T, userID uuid.UUID) kafkago.Message {
	t.Helper()
	value, err := json.Marshal(message.UserDeletionRequest{ID: uuid.New(), UserID: userID, RequestedAt: time.Now().UTC()})
	require.NoError(t, err)
	return kafkago.Message{Topic: "user-deletion-requests", Value: value}
}

func TestReadUserDeletionRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, second := uuid.New(), uuid.New()
	reader := &scriptedReader{
		cancel: cancel,
		steps: []step{
			{msg: deletionMessage(t, first)},
			{err: errors.New("broker not available")},
			{msg: kafkago.Message{Topic: "user-deletion-requests", Value: []byte("{not json")}},
			{msg: deletionMessage(t, second)},
		},
	}

	var handled []uuid.UUID
	done := make(chan struct{})
	go func() {
		defer close(done)
		kafka.ReadUserDeletionRequests(ctx, reader, slog.Default(), func(_ context.Context, r message.UserDeletionRequest) error {
			handled = append(handled, r.UserID)
			if r.UserID == first {
				return errors.New("local anonymization failed")
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not stop after cancellation")
	}

	assert.Equal(t, []uuid.UUID{first, second}, handled, "read, decode and handler errors do not stop the loop")
}
