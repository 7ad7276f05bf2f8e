package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockGateway is a mock payment gateway for testing.
// Simulates successful checkouts without calling Stripe API.
type MockGateway struct {
	// CreateCheckoutFunc allows customizing checkout creation behavior
	CreateCheckoutFunc func(ctx context.Context, params CheckoutParams) (*Checkout, error)

	// ParseCallbackFunc allows customizing callback parsing behavior
	ParseCallbackFunc func(payload []byte, signature string) (*Callback, error)

	mu sync.Mutex

	// Checkouts stores created checkouts by external id
	Checkouts map[string]*Checkout

	// CallLog tracks method calls for test assertions
	CallLog []string
}

// NewMockGateway creates a new mock gateway.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		Checkouts: make(map[string]*Checkout),
		CallLog:   []string{},
	}
}

// CreateCheckout creates a mock checkout.
func (m *MockGateway) CreateCheckout(ctx context.Context, params CheckoutParams) (*Checkout, error) {
	m.record(fmt.Sprintf("CreateCheckout(%s, %s %s)", params.InvoiceID, params.Amount.StringFixed(2), params.Currency))

	if m.CreateCheckoutFunc != nil {
		return m.CreateCheckoutFunc(ctx, params)
	}

	// Default mock behavior: open checkout
	id := "cs_test_" + uuid.NewString()
	checkout := &Checkout{
		ExternalRequestID: id,
		URL:               "https://checkout.example.test/" + id,
		ExpiresAt:         time.Now().Add(24 * time.Hour),
	}

	m.mu.Lock()
	m.Checkouts[id] = checkout
	m.mu.Unlock()
	return checkout, nil
}

// ParseCallback parses a mock callback.
func (m *MockGateway) ParseCallback(payload []byte, signature string) (*Callback, error) {
	m.record("ParseCallback")

	if m.ParseCallbackFunc != nil {
		return m.ParseCallbackFunc(payload, signature)
	}
	return nil, ErrIgnoredEvent
}

// Calls returns a copy of the call log.
func (m *MockGateway) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.CallLog...)
}

func (m *MockGateway) record(call string) {
	m.mu.Lock()
	m.CallLog = append(m.CallLog, call)
	m.mu.Unlock()
}

var _ Gateway = (*MockGateway)(nil)
var _ Gateway = (*StripeGateway)(nil)
