package billing

import (
	"errors"
	"strings"
	"time"
)

// StripeConfig contains configuration for the Stripe gateway.
type StripeConfig struct {
	// APIKey is the Stripe secret key (sk_test_... or sk_live_...)
	APIKey string

	// WebhookSecret is the webhook signing secret (whsec_...)
	// Used to verify webhook signatures from Stripe
	WebhookSecret string

	// SuccessURL and CancelURL are where the hosted page sends the payer.
	// {CHECKOUT_SESSION_ID} is expanded by Stripe.
	SuccessURL string
	CancelURL  string

	// CheckoutTTL is how long a checkout stays payable.
	// Stripe accepts 30 minutes to 24 hours. Default: 24 hours
	CheckoutTTL time.Duration

	// SignatureTolerance is the maximum age of a signed callback.
	// Default: 5 minutes
	SignatureTolerance time.Duration
}

// Validate checks that required configuration is present.
func (c *StripeConfig) Validate() error {
	if c.APIKey == "" {
		return errors.New("stripe: API key is required")
	}
	if c.WebhookSecret == "" {
		return errors.New("stripe: webhook secret is required")
	}
	if c.SuccessURL == "" {
		return errors.New("stripe: success URL is required")
	}
	if c.CheckoutTTL != 0 && (c.CheckoutTTL < 30*time.Minute || c.CheckoutTTL > 24*time.Hour) {
		return errors.New("stripe: checkout TTL must be between 30m and 24h")
	}
	return nil
}

// IsTestMode returns true if using test mode API keys.
func (c *StripeConfig) IsTestMode() bool {
	return strings.HasPrefix(c.APIKey, "sk_test_")
}

func (c StripeConfig) withDefaults() StripeConfig {
	if c.CheckoutTTL == 0 {
		c.CheckoutTTL = 24 * time.Hour
	}
	if c.SignatureTolerance == 0 {
		c.SignatureTolerance = 5 * time.Minute
	}
	if c.CancelURL == "" {
		c.CancelURL = c.SuccessURL
	}
	return c
}
