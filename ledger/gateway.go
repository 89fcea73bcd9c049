/*
gateway.go - External payment gateway contract

PURPOSE:
  The narrow interface the engine needs from the third-party payment
  gateway: create an intent, ask whether it confirmed. The gateway's
  wire protocol belongs to its adapter (gateway/finternet); the engine
  treats intent status as an opaque enumeration it only needs to read
  as "confirmed" vs "not yet" vs "failed".

DECOUPLING:
  No engine operation blocks on the gateway while holding the per-event
  lock. Deposit intents are created before the ledger append; refund
  intents are issued only after settlement records are durably persisted.
*/
package ledger

import (
	"context"
	"strings"
)

// IntentStatus is the gateway's status string, passed through opaquely.
type IntentStatus string

// Confirmed reports whether the intent has settled on the gateway side.
func (s IntentStatus) Confirmed() bool {
	switch strings.ToUpper(string(s)) {
	case "COMPLETED", "SETTLED", "SUCCEEDED", "CONFIRMED":
		return true
	}
	return false
}

// Failed reports whether the intent terminally failed.
func (s IntentStatus) Failed() bool {
	switch strings.ToUpper(string(s)) {
	case "FAILED", "CANCELLED", "CANCELED", "EXPIRED":
		return true
	}
	return false
}

// PaymentIntent is the gateway's handle for a pending payment.
type PaymentIntent struct {
	ID         string
	Status     IntentStatus
	Amount     Amount
	PaymentURL string // where the payer completes the payment
}

// PaymentGateway issues and queries payment intents with the external
// provider. Implementations live outside the engine.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, amount Amount, description string) (*PaymentIntent, error)
	GetIntentStatus(ctx context.Context, intentID string) (IntentStatus, error)
}
