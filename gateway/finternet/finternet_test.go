package finternet_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/gateway/finternet"
	"github.com/warp/settlement-engine/ledger"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *finternet.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return finternet.New(srv.URL, "test-key")
}

func TestCreateIntentDecodesEnvelope(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/payment-intents", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"payment_intent","data":{"id":"pi_1","status":"PENDING","paymentUrl":"https://pay.example/pi_1"}}`))
	})

	intent, err := client.CreateIntent(context.Background(), ledger.NewAmountFromInt(100, ledger.CurrencyUSD), "deposit")
	require.NoError(t, err)
	assert.Equal(t, "pi_1", intent.ID)
	assert.Equal(t, ledger.IntentStatus("PENDING"), intent.Status)
	assert.Equal(t, "https://pay.example/pi_1", intent.PaymentURL)
}

func TestGetAccountBalanceDecodesBareBody(t *testing.T) {
	// Some endpoints respond without the data envelope.
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"available":120.5,"pending":10,"currency":"USD"}`))
	})

	balance, err := client.GetAccountBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 120.5, balance.Available)
	assert.Equal(t, 10.0, balance.Pending)
	assert.Equal(t, "USD", balance.Currency)
}

func TestGetLedgerEntriesDecodesBareArray(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"le_1","amount":"100.00","currency":"USD","type":"CREDIT"}]`))
	})

	entries, err := client.GetLedgerEntries(context.Background(), 25, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "le_1", entries[0].ID)
	assert.Equal(t, "100.00", entries[0].Amount)
}

func TestGetLedgerEntriesDecodesEnvelopedArray(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[{"id":"le_2","amount":"5.00","currency":"USD","type":"DEBIT"}]}`))
	})

	entries, err := client.GetLedgerEntries(context.Background(), 50, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "le_2", entries[0].ID)
}

func TestGatewayErrorStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.GetIntentStatus(context.Background(), "pi_x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
