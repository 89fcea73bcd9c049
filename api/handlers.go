/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes the settlement engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Events:
    GET    /api/events                  List events for the acting user
    POST   /api/events                  Create event (actor becomes organizer)
    GET    /api/events/{id}             Get event details
    DELETE /api/events/{id}             Delete event (organizer)
    POST   /api/events/{id}/join        Join as member
    GET    /api/events/{id}/participants
    DELETE /api/events/{id}/participants/{userID}
    PUT    /api/events/{id}/participants/{userID}/role

  Categories:
    GET    /api/events/{id}/categories  List with derived spent totals
    POST   /api/events/{id}/categories
    PUT    /api/events/{id}/categories/{categoryID}
    DELETE /api/events/{id}/categories/{categoryID}

  Ledger:
    POST   /api/events/{id}/deposits    Initiate deposit (payment intent)
    GET    /api/events/{id}/deposits
    POST   /api/deposits/{id}/confirm   Poll intent and finalize deposit
    POST   /api/events/{id}/payments    Record expense (rule-checked)
    GET    /api/events/{id}/payments

  Rule:
    GET    /api/events/{id}/rule
    PUT    /api/events/{id}/rule

  Balances and settlement:
    GET    /api/events/{id}/balances
    POST   /api/events/{id}/settle      Close and settle (organizer)
    POST   /api/events/{id}/settle/retry
    GET    /api/events/{id}/settlements
    POST   /api/events/{id}/refunds     Issue refund intents

  Wallet passthrough:
    GET    /api/wallet/balance
    GET    /api/wallet/ledger

AUTHENTICATION:
  The acting user is taken from the X-Actor-ID header. There is no
  credential verification here; an auth proxy in front of this service
  is expected to establish identity.

ERROR HANDLING:
  Domain errors are mapped to HTTP statuses in writeDomainError:
  400 validation/rule rejection, 403 role, 404 missing, 409 lifecycle
  conflict, 502 gateway, 500 otherwise.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/settlement-engine/gateway/finternet"
	"github.com/warp/settlement-engine/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// WalletClient is the gateway surface used by the wallet passthrough
// endpoints. *finternet.Client satisfies it.
type WalletClient interface {
	GetAccountBalance(ctx context.Context) (*finternet.AccountBalance, error)
	GetLedgerEntries(ctx context.Context, limit, offset int) ([]finternet.LedgerEntry, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Controller *ledger.Controller
	Wallet     WalletClient // nil when no gateway is configured
}

// NewHandler creates a new handler around the lifecycle controller.
func NewHandler(controller *ledger.Controller, wallet WalletClient) *Handler {
	return &Handler{Controller: controller, Wallet: wallet}
}

// actorID extracts the acting user from the request.
func actorID(r *http.Request) ledger.ParticipantID {
	return ledger.ParticipantID(r.Header.Get("X-Actor-ID"))
}

func eventID(r *http.Request) ledger.EventID {
	return ledger.EventID(chi.URLParam(r, "id"))
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// CreateEvent creates a new event with the actor as organizer.
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req CreateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Budget == "" {
		req.Budget = "0"
	}
	budget, err := parseAmount(req.Budget, req.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid budget amount", err)
		return
	}

	event, err := h.Controller.CreateEvent(r.Context(), req.Name, req.Description, budget, actorID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEventDTO(event))
}

// ListEvents returns the events the actor participates in.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Controller.ListEvents(r.Context(), actorID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]EventDTO, len(events))
	for i := range events {
		dtos[i] = toEventDTO(&events[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetEvent returns a single event.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.Controller.GetEvent(r.Context(), eventID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(event))
}

// DeleteEvent destroys an event and all dependent records.
func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	if err := h.Controller.DeleteEvent(r.Context(), eventID(r), actorID(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// ROSTER HANDLERS
// =============================================================================

// JoinEvent adds the actor to the event as a member.
func (h *Handler) JoinEvent(w http.ResponseWriter, r *http.Request) {
	p, err := h.Controller.JoinEvent(r.Context(), eventID(r), actorID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toParticipantDTO(p))
}

// ListParticipants returns the event roster.
func (h *Handler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	participants, err := h.Controller.ListParticipants(r.Context(), eventID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]ParticipantDTO, len(participants))
	for i := range participants {
		dtos[i] = toParticipantDTO(&participants[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RemoveParticipant removes a user from the roster of an active event.
func (h *Handler) RemoveParticipant(w http.ResponseWriter, r *http.Request) {
	userID := ledger.ParticipantID(chi.URLParam(r, "userID"))
	if err := h.Controller.RemoveParticipant(r.Context(), eventID(r), userID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ChangeRole updates a participant's role. Organizer only.
func (h *Handler) ChangeRole(w http.ResponseWriter, r *http.Request) {
	var req ChangeRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	target := ledger.ParticipantID(chi.URLParam(r, "userID"))
	err := h.Controller.ChangeRole(r.Context(), eventID(r), actorID(r), target, ledger.Role(req.Role))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
}

// =============================================================================
// CATEGORY HANDLERS
// =============================================================================

// CreateCategory adds a budget category to an active event.
func (h *Handler) CreateCategory(w http.ResponseWriter, r *http.Request) {
	var req CategoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Budget == "" {
		req.Budget = "0"
	}
	budget, err := parseAmount(req.Budget, "")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid budget amount", err)
		return
	}

	cat, err := h.Controller.CreateCategory(r.Context(), eventID(r), actorID(r), req.Name, budget)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CategoryDTO{
		ID:        string(cat.ID),
		EventID:   string(cat.EventID),
		Name:      cat.Name,
		Budget:    cat.Budget.String(),
		Spent:     cat.Budget.Zero().String(),
		CreatedAt: cat.CreatedAt.Format(time.RFC3339),
	})
}

// ListCategories returns all categories with their derived spent totals.
func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	id := eventID(r)
	cats, err := h.Controller.ListCategories(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	totals, err := h.Controller.CategoryTotals(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]CategoryDTO, len(cats))
	for i, cat := range cats {
		spent := cat.Budget.Zero()
		if t, ok := totals[cat.ID]; ok {
			spent = t
		}
		dtos[i] = CategoryDTO{
			ID:        string(cat.ID),
			EventID:   string(cat.EventID),
			Name:      cat.Name,
			Budget:    cat.Budget.String(),
			Spent:     spent.String(),
			CreatedAt: cat.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// UpdateCategory renames a category or changes its allocated budget.
func (h *Handler) UpdateCategory(w http.ResponseWriter, r *http.Request) {
	var req CategoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	budget, err := parseAmount(req.Budget, "")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid budget amount", err)
		return
	}
	cat := &ledger.Category{
		ID:     ledger.CategoryID(chi.URLParam(r, "categoryID")),
		Name:   req.Name,
		Budget: budget,
	}
	if err := h.Controller.UpdateCategory(r.Context(), eventID(r), actorID(r), cat); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
}

// DeleteCategory removes a category; tagged expenses keep their amounts.
func (h *Handler) DeleteCategory(w http.ResponseWriter, r *http.Request) {
	catID := ledger.CategoryID(chi.URLParam(r, "categoryID"))
	if err := h.Controller.DeleteCategory(r.Context(), eventID(r), actorID(r), catID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// DEPOSIT HANDLERS
// =============================================================================

// InitiateDeposit starts a deposit through the payment gateway.
func (h *Handler) InitiateDeposit(w http.ResponseWriter, r *http.Request) {
	var req InitiateDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := parseAmount(req.Amount, req.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	userID := ledger.ParticipantID(req.UserID)
	if userID == "" {
		userID = actorID(r)
	}
	deposit, intent, err := h.Controller.InitiateDeposit(r.Context(), eventID(r), userID, amount, req.Description)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDepositDTO(deposit, intent))
}

// ConfirmDeposit polls the gateway and finalizes the deposit status.
func (h *Handler) ConfirmDeposit(w http.ResponseWriter, r *http.Request) {
	depositID := ledger.DepositID(chi.URLParam(r, "id"))
	deposit, err := h.Controller.ConfirmDeposit(r.Context(), depositID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDepositDTO(deposit, nil))
}

// ListDeposits returns all deposits of an event.
func (h *Handler) ListDeposits(w http.ResponseWriter, r *http.Request) {
	deposits, err := h.Controller.ListDeposits(r.Context(), eventID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]DepositDTO, len(deposits))
	for i := range deposits {
		dtos[i] = toDepositDTO(&deposits[i], nil)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// RecordPayment validates an expense against the payment rule and appends it.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req RecordExpenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := parseAmount(req.Amount, req.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	in := ledger.ExpenseInput{
		EventID:     eventID(r),
		PaidBy:      ledger.ParticipantID(req.PaidBy),
		Amount:      amount,
		Description: req.Description,
		GatewayRef:  req.GatewayRef,
		Approved:    req.Approved,
	}
	if in.PaidBy == "" {
		in.PaidBy = actorID(r)
	}
	if req.CategoryID != nil {
		id := ledger.CategoryID(*req.CategoryID)
		in.CategoryID = &id
	}

	expense, err := h.Controller.RecordExpense(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toExpenseDTO(expense))
}

// ListPayments returns all expenses of an event.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	expenses, err := h.Controller.ListExpenses(r.Context(), eventID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]ExpenseDTO, len(expenses))
	for i := range expenses {
		dtos[i] = toExpenseDTO(&expenses[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// RULE HANDLERS
// =============================================================================

// GetRule returns the event's payment rule.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Controller.GetRule(r.Context(), eventID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(rule))
}

// UpdateRule replaces the event's payment rule. Organizer only.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var req UpdateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	maxAmount, err := parseAmount(req.MaxAmount, req.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid max amount", err)
		return
	}

	roles := make([]ledger.Role, len(req.AllowedRoles))
	for i, role := range req.AllowedRoles {
		roles[i] = ledger.Role(role)
	}
	rule := &ledger.PaymentRule{
		MaxAmount:        maxAmount,
		AllowedRoles:     roles,
		ApprovalRequired: req.ApprovalRequired,
	}
	if err := h.Controller.SetRule(r.Context(), eventID(r), actorID(r), rule); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(rule))
}

// =============================================================================
// BALANCE + SETTLEMENT HANDLERS
// =============================================================================

// GetBalances returns the live balance of every participant and the pool.
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	id := eventID(r)
	balances, err := h.Controller.Balances(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	pool, err := h.Controller.PoolBalance(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]BalanceDTO, 0, len(balances))
	for _, b := range balances {
		dtos = append(dtos, BalanceDTO{
			UserID:    string(b.ParticipantID),
			Deposited: b.Deposited.String(),
			Spent:     b.Spent.String(),
			Net:       b.Net.String(),
		})
	}
	sort.Slice(dtos, func(i, j int) bool { return dtos[i].UserID < dtos[j].UserID })

	writeJSON(w, http.StatusOK, BalancesDTO{
		EventID:  string(id),
		Pool:     pool.String(),
		Balances: dtos,
	})
}

// Settle closes the event and computes the terminal settlement.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	results, err := h.Controller.Close(r.Context(), eventID(r), actorID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTOs(results))
}

// RetrySettlement re-runs settlement for an event stuck in settling.
func (h *Handler) RetrySettlement(w http.ResponseWriter, r *http.Request) {
	results, err := h.Controller.RetrySettlement(r.Context(), eventID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTOs(results))
}

// ListSettlements returns the persisted settlement records.
func (h *Handler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	results, err := h.Controller.Settlements(r.Context(), eventID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTOs(results))
}

// IssueRefunds creates refund payment intents for a settled event.
func (h *Handler) IssueRefunds(w http.ResponseWriter, r *http.Request) {
	payouts, err := h.Controller.IssueRefunds(r.Context(), eventID(r))
	if err != nil && len(payouts) == 0 {
		writeDomainError(w, err)
		return
	}

	dtos := make([]RefundPayoutDTO, len(payouts))
	for i, p := range payouts {
		dtos[i] = RefundPayoutDTO{
			UserID:   string(p.ParticipantID),
			Amount:   p.Amount.String(),
			IntentID: p.IntentID,
		}
	}
	resp := map[string]any{"payouts": dtos}
	if err != nil {
		// Partial success: some refund intents failed and need manual follow-up.
		resp["failures"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// WALLET PASSTHROUGH HANDLERS
// =============================================================================

// GetWalletBalance proxies the gateway's merchant account balance.
func (h *Handler) GetWalletBalance(w http.ResponseWriter, r *http.Request) {
	if h.Wallet == nil {
		writeError(w, http.StatusServiceUnavailable, "No payment gateway configured", nil)
		return
	}
	balance, err := h.Wallet.GetAccountBalance(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "Payment gateway error", err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// GetWalletLedger proxies the gateway's recent transactions.
func (h *Handler) GetWalletLedger(w http.ResponseWriter, r *http.Request) {
	if h.Wallet == nil {
		writeError(w, http.StatusServiceUnavailable, "No payment gateway configured", nil)
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	entries, err := h.Wallet.GetLedgerEntries(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusBadGateway, "Payment gateway error", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
