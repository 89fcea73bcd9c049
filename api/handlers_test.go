package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/api"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/ledger/store"
)

// =============================================================================
// TEST HARNESS
// =============================================================================

type fakeGateway struct {
	mu       sync.Mutex
	nextID   int
	statuses map[string]ledger.IntentStatus
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{statuses: make(map[string]ledger.IntentStatus)}
}

func (g *fakeGateway) CreateIntent(_ context.Context, amount ledger.Amount, _ string) (*ledger.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	id := fmt.Sprintf("intent-%d", g.nextID)
	g.statuses[id] = "PENDING"
	return &ledger.PaymentIntent{
		ID: id, Status: "PENDING", Amount: amount,
		PaymentURL: "https://pay.example/" + id,
	}, nil
}

func (g *fakeGateway) GetIntentStatus(_ context.Context, intentID string) (ledger.IntentStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	status, ok := g.statuses[intentID]
	if !ok {
		return "", errors.New("unknown intent")
	}
	return status, nil
}

func (g *fakeGateway) resolve(intentID string, status ledger.IntentStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[intentID] = status
}

type harness struct {
	router  http.Handler
	gateway *fakeGateway
}

func newHarness() *harness {
	gw := newFakeGateway()
	controller := ledger.NewController(store.NewMemory(), gw)
	handler := api.NewHandler(controller, nil)
	return &harness{router: api.NewRouter(handler), gateway: gw}
}

// request performs an HTTP request as the given actor and decodes the
// JSON response into out (when out is non-nil).
func (h *harness) request(t *testing.T, method, path, actor string, body, out any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor-ID", actor)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
	}
	return rec
}

func (h *harness) createEvent(t *testing.T, actor string) api.EventDTO {
	t.Helper()
	var event api.EventDTO
	rec := h.request(t, http.MethodPost, "/api/events", actor, map[string]string{
		"name":   "Team Offsite",
		"budget": "1000",
	}, &event)
	require.Equal(t, http.StatusCreated, rec.Code)
	return event
}

func (h *harness) completedDeposit(t *testing.T, eventID, user, amount string) {
	t.Helper()
	var deposit api.DepositDTO
	rec := h.request(t, http.MethodPost, "/api/events/"+eventID+"/deposits", user, map[string]string{
		"amount": amount,
	}, &deposit)
	require.Equal(t, http.StatusCreated, rec.Code)

	h.gateway.resolve(deposit.IntentID, "COMPLETED")
	rec = h.request(t, http.MethodPost, "/api/deposits/"+deposit.ID+"/confirm", user, nil, &deposit)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "completed", deposit.Status)
}

// =============================================================================
// EVENT + ROSTER ENDPOINTS
// =============================================================================

func TestCreateAndGetEvent(t *testing.T) {
	h := newHarness()
	event := h.createEvent(t, "org")

	assert.Equal(t, "active", event.Status)
	assert.Equal(t, "org", event.CreatedBy)
	assert.Equal(t, "1000.00", event.Budget)

	var got api.EventDTO
	rec := h.request(t, http.MethodGet, "/api/events/"+event.ID, "org", nil, &got)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, event.ID, got.ID)
}

func TestGetUnknownEventReturns404(t *testing.T) {
	h := newHarness()
	rec := h.request(t, http.MethodGet, "/api/events/nope", "org", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJoinAndListParticipants(t *testing.T) {
	h := newHarness()
	event := h.createEvent(t, "org")

	rec := h.request(t, http.MethodPost, "/api/events/"+event.ID+"/join", "bob", nil, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)

	// Joining twice is a client error.
	rec = h.request(t, http.MethodPost, "/api/events/"+event.ID+"/join", "bob", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var roster []api.ParticipantDTO
	rec = h.request(t, http.MethodGet, "/api/events/"+event.ID+"/participants", "org", nil, &roster)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, roster, 2)
}

func TestListEventsScopedToActor(t *testing.T) {
	h := newHarness()
	mine := h.createEvent(t, "org")
	h.createEvent(t, "someone-else")

	var events []api.EventDTO
	rec := h.request(t, http.MethodGet, "/api/events", "org", nil, &events)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, events, 1)
	assert.Equal(t, mine.ID, events[0].ID)
}

// =============================================================================
// LEDGER ENDPOINTS
// =============================================================================

func TestDepositFlowThroughAPI(t *testing.T) {
	h := newHarness()
	event := h.createEvent(t, "org")

	var deposit api.DepositDTO
	rec := h.request(t, http.MethodPost, "/api/events/"+event.ID+"/deposits", "org", map[string]string{
		"amount": "250.50",
	}, &deposit)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "pending", deposit.Status)
	assert.NotEmpty(t, deposit.IntentID)
	assert.NotEmpty(t, deposit.PaymentURL)

	h.gateway.resolve(deposit.IntentID, "COMPLETED")
	rec = h.request(t, http.MethodPost, "/api/deposits/"+deposit.ID+"/confirm", "org", nil, &deposit)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", deposit.Status)

	var balances api.BalancesDTO
	rec = h.request(t, http.MethodGet, "/api/events/"+event.ID+"/balances", "org", nil, &balances)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "250.50", balances.Pool)
	require.Len(t, balances.Balances, 1)
	assert.Equal(t, "250.50", balances.Balances[0].Deposited)
}

func TestRecordPaymentRejectedForMember(t *testing.T) {
	h := newHarness()
	event := h.createEvent(t, "org")
	h.request(t, http.MethodPost, "/api/events/"+event.ID+"/join", "bob", nil, nil)
	h.completedDeposit(t, event.ID, "org", "500")

	rec := h.request(t, http.MethodPost, "/api/events/"+event.ID+"/payments", "bob", map[string]any{
		"amount":      "50",
		"description": "snacks",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp api.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "role_not_allowed", resp.Code)
}

func TestRecordPaymentOverLimit(t *testing.T) {
	h := newHarness()
	event := h.createEvent(t, "org")
	h.completedDeposit(t, event.ID, "org", "6000")

	rec := h.request(t, http.MethodPost, "/api/events/"+event.ID+"/payments", "org", map[string]any{
		"amount":      "5000.01",
		"description": "venue",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp api.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "limit_exceeded", resp.Code)
}

func TestUpdateRuleThenMemberMayPay(t *testing.T) {
	h := newHarness()
	event := h.createEvent(t, "org")
	h.request(t, http.MethodPost, "/api/events/"+event.ID+"/join", "bob", nil, nil)
	h.completedDeposit(t, event.ID, "org", "500")

	// A member cannot rewrite the rule.
	rec := h.request(t, http.MethodPut, "/api/events/"+event.ID+"/rule", "bob", map[string]any{
		"max_amount":    "200",
		"allowed_roles": []string{"organizer", "member"},
	}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.request(t, http.MethodPut, "/api/events/"+event.ID+"/rule", "org", map[string]any{
		"max_amount":    "200",
		"allowed_roles": []string{"organizer", "member"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var payment api.ExpenseDTO
	rec = h.request(t, http.MethodPost, "/api/events/"+event.ID+"/payments", "bob", map[string]any{
		"amount":      "150",
		"description": "dinner",
	}, &payment)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "bob", payment.PaidBy)
	assert.Equal(t, "150.00", payment.Amount)
}

// =============================================================================
// CATEGORY ENDPOINTS
// =============================================================================

func TestCategorySpentAggregates(t *testing.T) {
	h := newHarness()
	event := h.createEvent(t, "org")
	h.completedDeposit(t, event.ID, "org", "500")

	var cat api.CategoryDTO
	rec := h.request(t, http.MethodPost, "/api/events/"+event.ID+"/categories", "org", map[string]string{
		"name":   "Food",
		"budget": "200",
	}, &cat)
	require.Equal(t, http.StatusCreated, rec.Code)

	for _, amount := range []string{"40", "12.50"} {
		rec = h.request(t, http.MethodPost, "/api/events/"+event.ID+"/payments", "org", map[string]any{
			"amount":      amount,
			"description": "groceries",
			"category_id": cat.ID,
		}, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	var cats []api.CategoryDTO
	rec = h.request(t, http.MethodGet, "/api/events/"+event.ID+"/categories", "org", nil, &cats)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, cats, 1)
	assert.Equal(t, "52.50", cats[0].Spent)
	assert.Equal(t, "200.00", cats[0].Budget)
}

// =============================================================================
// SETTLEMENT ENDPOINTS
// =============================================================================

func TestSettleFlowThroughAPI(t *testing.T) {
	h := newHarness()
	event := h.createEvent(t, "org")
	h.request(t, http.MethodPost, "/api/events/"+event.ID+"/join", "alice", nil, nil)
	h.completedDeposit(t, event.ID, "org", "100")
	h.completedDeposit(t, event.ID, "alice", "50")

	rec := h.request(t, http.MethodPost, "/api/events/"+event.ID+"/payments", "org", map[string]any{
		"amount":      "120",
		"description": "lodge",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	// A member cannot settle.
	rec = h.request(t, http.MethodPost, "/api/events/"+event.ID+"/settle", "alice", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var results []api.SettlementDTO
	rec = h.request(t, http.MethodPost, "/api/events/"+event.ID+"/settle", "org", nil, &results)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, results, 2)

	// Sorted by participant: alice then org.
	assert.Equal(t, "alice", results[0].UserID)
	assert.Equal(t, "50.00", results[0].Refund)
	assert.Equal(t, "org", results[1].UserID)
	assert.Equal(t, "20.00", results[1].Owed)
	assert.Equal(t, "0.00", results[1].Refund)

	// Settling again conflicts.
	rec = h.request(t, http.MethodPost, "/api/events/"+event.ID+"/settle", "org", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Ledger is frozen.
	rec = h.request(t, http.MethodPost, "/api/events/"+event.ID+"/deposits", "org", map[string]string{
		"amount": "10",
	}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Records are queryable afterwards.
	var stored []api.SettlementDTO
	rec = h.request(t, http.MethodGet, "/api/events/"+event.ID+"/settlements", "org", nil, &stored)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, results, stored)
}

func TestIssueRefundsThroughAPI(t *testing.T) {
	h := newHarness()
	event := h.createEvent(t, "org")
	h.completedDeposit(t, event.ID, "org", "80")

	var results []api.SettlementDTO
	rec := h.request(t, http.MethodPost, "/api/events/"+event.ID+"/settle", "org", nil, &results)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Payouts []api.RefundPayoutDTO `json:"payouts"`
	}
	rec = h.request(t, http.MethodPost, "/api/events/"+event.ID+"/refunds", "org", nil, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, resp.Payouts, 1)
	assert.Equal(t, "org", resp.Payouts[0].UserID)
	assert.Equal(t, "80.00", resp.Payouts[0].Amount)
	assert.NotEmpty(t, resp.Payouts[0].IntentID)
}

// =============================================================================
// WALLET PASSTHROUGH
// =============================================================================

func TestWalletUnavailableWithoutGateway(t *testing.T) {
	h := newHarness() // handler wired with nil WalletClient
	rec := h.request(t, http.MethodGet, "/api/wallet/balance", "org", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthz(t *testing.T) {
	h := newHarness()
	rec := h.request(t, http.MethodGet, "/healthz", "", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
