package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type fakePublisher struct {
	subject string
	data    []byte
	err     error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subject, f.data = subject, data
	return f.err
}

type fakeWriter struct {
	msgs        []kgo.Message
	hadDeadline bool
	err         error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kgo.Message) error {
	_, f.hadDeadline = ctx.Deadline()
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func (f *fakeWriter) Close() error { return nil }

func sampleNotification() Notification {
	return Notification{
		ID:         "n-1",
		Event:      EventPaymentFailed,
		InvoiceID:  "inv-1",
		Recipients: Stakeholders("user-7"),
		Data:       map[string]string{"payment_request_id": "pr-1"},
		At:         time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestStakeholders(t *testing.T) {
	assert.Equal(t, []Recipient{User("u1"), Role(RoleFinance)}, Stakeholders("u1"))
	assert.Equal(t, []Recipient{Role(RoleFinance)}, Stakeholders(""))
}

func TestNATSSink_Notify(t *testing.T) {
	t.Run("publishes JSON on prefixed subject", func(t *testing.T) {
		pub := &fakePublisher{}
		sink := &NATSSink{pub: pub, prefix: "billing"}

		require.NoError(t, sink.Notify(context.Background(), sampleNotification()))
		assert.Equal(t, "billing.payment.failed", pub.subject)

		var got Notification
		require.NoError(t, json.Unmarshal(pub.data, &got))
		assert.Equal(t, "inv-1", got.InvoiceID)
		assert.Equal(t, Role(RoleFinance), got.Recipients[1])
	})

	t.Run("wraps publish errors", func(t *testing.T) {
		sink := &NATSSink{pub: &fakePublisher{err: errors.New("nats: connection closed")}, prefix: "billing"}
		err := sink.Notify(context.Background(), sampleNotification())
		assert.ErrorContains(t, err, "billing.payment.failed")
	})

	t.Run("cancelled context publishes nothing", func(t *testing.T) {
		pub := &fakePublisher{}
		sink := &NATSSink{pub: pub, prefix: "billing"}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.ErrorIs(t, sink.Notify(ctx, sampleNotification()), context.Canceled)
		assert.Empty(t, pub.subject)
	})
}

func TestKafkaSink_Notify(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w, timeout: time.Second}

	require.NoError(t, sink.Notify(context.Background(), sampleNotification()))
	require.Len(t, w.msgs, 1)
	assert.True(t, w.hadDeadline)
	assert.Equal(t, []byte("inv-1"), w.msgs[0].Key)
	assert.Equal(t, "event", w.msgs[0].Headers[0].Key)
	assert.Equal(t, []byte(EventPaymentFailed), w.msgs[0].Headers[0].Value)
}

func TestNewKafkaSink_Validation(t *testing.T) {
	_, err := NewKafkaSink(" , ", "billing")
	assert.Error(t, err)

	_, err = NewKafkaSink("localhost:9092", "")
	assert.Error(t, err)

	sink, err := NewKafkaSink("localhost:9092, localhost:9093", "billing")
	require.NoError(t, err)
	assert.NoError(t, sink.Close())
}

func TestLogSink_Notify(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, sink.Notify(context.Background(), sampleNotification()))
	assert.Contains(t, buf.String(), "event=payment.failed")
	assert.Contains(t, buf.String(), "role:finance")
}

func TestMulti_Notify(t *testing.T) {
	ctrl := gomock.NewController(t)
	first := NewMockSink(ctrl)
	second := NewMockSink(ctrl)

	n := sampleNotification()
	first.EXPECT().Notify(gomock.Any(), n).Return(errors.New("down"))
	second.EXPECT().Notify(gomock.Any(), n).Return(nil)

	err := Multi{first, second}.Notify(context.Background(), n)
	assert.EqualError(t, err, "down")
}
