package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/billrun/internal/billing"
	"github.com/dukerupert/billrun/internal/domain"
	"github.com/dukerupert/billrun/internal/handler"
	"github.com/dukerupert/billrun/internal/service"
)

type stubReconciler struct {
	ack   service.Ack
	err   error
	calls []billing.Callback
}

func (s *stubReconciler) HandleCallback(ctx context.Context, cb billing.Callback) (service.Ack, error) {
	s.calls = append(s.calls, cb)
	return s.ack, s.err
}

func completedCallback(payload []byte, signature string) (*billing.Callback, error) {
	if signature != "t=1,v1=good" {
		return nil, billing.ErrInvalidWebhookSignature
	}
	return &billing.Callback{
		ExternalRequestID: "cs_test_1",
		Status:            domain.PaymentCompleted,
		Timestamp:         time.Unix(1700000000, 0).UTC(),
		EventID:           "evt_1",
		EventType:         "checkout.session.completed",
	}, nil
}

func serve(t *testing.T, parse func([]byte, string) (*billing.Callback, error), rec Reconciler, signature string) *httptest.ResponseRecorder {
	t.Helper()

	gateway := billing.NewMockGateway()
	gateway.ParseCallbackFunc = parse

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewPaymentHandler(gateway, rec, Config{RetryAfter: 30 * time.Second}, logger)

	e := echo.New()
	e.HTTPErrorHandler = handler.NewHTTPErrorHandler(logger)
	e.POST("/webhooks/payments", h.HandleCallback)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(`{"id":"evt_1"}`))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	return w
}

func outcome(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp CallbackResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Outcome
}

func TestPaymentHandler_Applied(t *testing.T) {
	rec := &stubReconciler{ack: service.Ack{Outcome: service.AckApplied}}

	w := serve(t, completedCallback, rec, "t=1,v1=good")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "applied", outcome(t, w))
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "cs_test_1", rec.calls[0].ExternalRequestID)
	assert.Equal(t, domain.PaymentCompleted, rec.calls[0].Status)
}

func TestPaymentHandler_Duplicate(t *testing.T) {
	rec := &stubReconciler{ack: service.Ack{Outcome: service.AckDuplicate}}

	w := serve(t, completedCallback, rec, "t=1,v1=good")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "duplicate", outcome(t, w))
}

func TestPaymentHandler_SignatureProblems(t *testing.T) {
	t.Run("missing header", func(t *testing.T) {
		rec := &stubReconciler{}
		w := serve(t, completedCallback, rec, "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, rec.calls)
	})

	t.Run("bad signature", func(t *testing.T) {
		rec := &stubReconciler{}
		w := serve(t, completedCallback, rec, "t=1,v1=forged")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, rec.calls)
	})

	t.Run("malformed event", func(t *testing.T) {
		rec := &stubReconciler{}
		w := serve(t, func([]byte, string) (*billing.Callback, error) {
			return nil, billing.ErrMalformedEvent
		}, rec, "t=1,v1=good")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestPaymentHandler_IgnoredEvent(t *testing.T) {
	rec := &stubReconciler{}

	w := serve(t, func([]byte, string) (*billing.Callback, error) {
		return nil, billing.ErrIgnoredEvent
	}, rec, "t=1,v1=good")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ignored", outcome(t, w))
	assert.Empty(t, rec.calls)
}

func TestPaymentHandler_RetryLater(t *testing.T) {
	tests := []struct {
		name string
		ack  service.Ack
		err  error
	}{
		{
			name: "unknown payment request",
			ack:  service.Ack{Outcome: service.AckUnknown, Retryable: true},
			err:  domain.ErrUnknownPaymentRequest,
		},
		{
			name: "store outage",
			ack:  service.Ack{Retryable: true},
			err:  domain.Unavailable(errors.New("connection refused"), "store"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(t, completedCallback, &stubReconciler{ack: tt.ack, err: tt.err}, "t=1,v1=good")

			assert.Equal(t, http.StatusServiceUnavailable, w.Code)
			assert.Equal(t, "30", w.Header().Get(echo.HeaderRetryAfter))
			assert.Equal(t, "retry", outcome(t, w))
		})
	}
}

func TestPaymentHandler_PermanentFailureIsAcknowledged(t *testing.T) {
	rec := &stubReconciler{err: domain.Invalid("payment.reconcile", "unknown payment status")}

	w := serve(t, completedCallback, rec, "t=1,v1=good")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "rejected", outcome(t, w))
}
