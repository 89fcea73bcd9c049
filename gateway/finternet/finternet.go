/*
Package finternet implements ledger.PaymentGateway against the Finternet
payment-intent API.

PURPOSE:
  Thin HTTP adapter for the external gateway. The engine only needs
  "create an intent" and "is it confirmed"; this package additionally
  exposes the merchant account balance and ledger entries used by the
  wallet passthrough endpoints.

PROTOCOL:
  JSON over HTTPS, X-API-Key header. Responses arrive wrapped in a
  {"object": ..., "data": {...}} envelope. Intent status strings are
  passed through opaquely; interpretation lives in ledger.IntentStatus.
*/
package finternet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/warp/settlement-engine/ledger"
)

const DefaultBaseURL = "https://api.fmm.finternetlab.io/api/v1"

// Client talks to the Finternet payment-intent API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type intentPayload struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	PaymentURL string `json:"paymentUrl"`
}

// AccountBalance is the merchant wallet position on the gateway side.
type AccountBalance struct {
	Available float64 `json:"available"`
	Pending   float64 `json:"pending"`
	Currency  string  `json:"currency"`
}

// LedgerEntry is one gateway-side transaction.
type LedgerEntry struct {
	ID          string `json:"id"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Type        string `json:"type"`
	Timestamp   string `json:"timestamp"`
	Description string `json:"description,omitempty"`
}

// envelope is the {"object": ..., "data": {...}} wrapper.
type envelope struct {
	Data json.RawMessage `json:"data"`
}

// =============================================================================
// PAYMENT GATEWAY IMPLEMENTATION
// =============================================================================

// CreateIntent creates a payment intent and returns its handle.
func (c *Client) CreateIntent(ctx context.Context, amount ledger.Amount, description string) (*ledger.PaymentIntent, error) {
	body := map[string]any{
		"amount":                amount.String(),
		"currency":              string(amount.Currency),
		"type":                  "DELIVERY_VS_PAYMENT",
		"settlementMethod":      "OFF_RAMP_MOCK",
		"settlementDestination": "bank_account_123",
		"description":           description,
		"metadata":              map[string]any{"autoRelease": true},
	}

	var payload intentPayload
	if err := c.do(ctx, http.MethodPost, "/payment-intents", body, &payload); err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	return &ledger.PaymentIntent{
		ID:         payload.ID,
		Status:     ledger.IntentStatus(payload.Status),
		Amount:     amount,
		PaymentURL: payload.PaymentURL,
	}, nil
}

// GetIntentStatus returns the gateway's current status for an intent.
func (c *Client) GetIntentStatus(ctx context.Context, intentID string) (ledger.IntentStatus, error) {
	var payload intentPayload
	if err := c.do(ctx, http.MethodGet, "/payment-intents/"+url.PathEscape(intentID), nil, &payload); err != nil {
		return "", fmt.Errorf("get payment intent %s: %w", intentID, err)
	}
	return ledger.IntentStatus(payload.Status), nil
}

// =============================================================================
// WALLET PASSTHROUGH
// =============================================================================

// GetAccountBalance returns the merchant account balance.
func (c *Client) GetAccountBalance(ctx context.Context) (*AccountBalance, error) {
	var balance AccountBalance
	if err := c.do(ctx, http.MethodGet, "/payment-intents/account/balance", nil, &balance); err != nil {
		return nil, fmt.Errorf("get account balance: %w", err)
	}
	return &balance, nil
}

// GetLedgerEntries returns recent gateway transactions.
func (c *Client) GetLedgerEntries(ctx context.Context, limit, offset int) ([]LedgerEntry, error) {
	path := "/payment-intents/account/ledger-entries?limit=" + strconv.Itoa(limit) +
		"&offset=" + strconv.Itoa(offset)
	var entries []LedgerEntry
	if err := c.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, fmt.Errorf("get ledger entries: %w", err)
	}
	return entries, nil
}

// =============================================================================
// HTTP PLUMBING
// =============================================================================

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	// Enveloped responses carry the payload under "data"; some endpoints
	// respond bare (including top-level arrays), so fall back to decoding
	// the body directly.
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return json.Unmarshal(raw, out)
}
