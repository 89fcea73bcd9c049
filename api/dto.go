/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Amount parsing happens here (strings on the wire, decimals inside).
  Domain validation lives in the ledger package; DTOs only reject input
  that cannot be represented at all.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain model
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/warp/settlement-engine/ledger"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// EventDTO represents an event in API responses.
type EventDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedBy   string `json:"created_by"`
	Budget      string `json:"budget"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

// CreateEventRequest is the request to create an event.
type CreateEventRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Budget      string `json:"budget"`
	Currency    string `json:"currency"`
}

// ParticipantDTO represents a roster entry.
type ParticipantDTO struct {
	EventID  string `json:"event_id"`
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	JoinedAt string `json:"joined_at"`
}

// ChangeRoleRequest is the request to change a participant's role.
type ChangeRoleRequest struct {
	Role string `json:"role"`
}

// CategoryDTO represents a budget category, with the derived spent total.
type CategoryDTO struct {
	ID        string `json:"id"`
	EventID   string `json:"event_id"`
	Name      string `json:"name"`
	Budget    string `json:"budget"`
	Spent     string `json:"spent"`
	CreatedAt string `json:"created_at"`
}

// CategoryRequest is the request to create or update a category.
type CategoryRequest struct {
	Name   string `json:"name"`
	Budget string `json:"budget"`
}

// DepositDTO represents a deposit in API responses.
type DepositDTO struct {
	ID         string `json:"id"`
	EventID    string `json:"event_id"`
	UserID     string `json:"user_id"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	Status     string `json:"status"`
	IntentID   string `json:"intent_id,omitempty"`
	PaymentURL string `json:"payment_url,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// InitiateDepositRequest is the request to start a deposit.
type InitiateDepositRequest struct {
	UserID      string `json:"user_id"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
}

// ExpenseDTO represents a recorded expense.
type ExpenseDTO struct {
	ID          string  `json:"id"`
	EventID     string  `json:"event_id"`
	CategoryID  *string `json:"category_id,omitempty"`
	PaidBy      string  `json:"paid_by"`
	Amount      string  `json:"amount"`
	Currency    string  `json:"currency"`
	Description string  `json:"description"`
	GatewayRef  string  `json:"gateway_ref,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

// RecordExpenseRequest is the request to record an expense.
type RecordExpenseRequest struct {
	PaidBy      string  `json:"paid_by"`
	CategoryID  *string `json:"category_id,omitempty"`
	Amount      string  `json:"amount"`
	Currency    string  `json:"currency"`
	Description string  `json:"description"`
	GatewayRef  string  `json:"gateway_ref,omitempty"`
	Approved    bool    `json:"approved,omitempty"`
}

// RuleDTO represents the event's payment rule.
type RuleDTO struct {
	EventID          string   `json:"event_id"`
	MaxAmount        string   `json:"max_amount"`
	Currency         string   `json:"currency"`
	AllowedRoles     []string `json:"allowed_roles"`
	ApprovalRequired bool     `json:"approval_required"`
}

// UpdateRuleRequest is the request to replace the payment rule.
type UpdateRuleRequest struct {
	MaxAmount        string   `json:"max_amount"`
	Currency         string   `json:"currency"`
	AllowedRoles     []string `json:"allowed_roles"`
	ApprovalRequired bool     `json:"approval_required"`
}

// BalanceDTO represents one participant's live position.
type BalanceDTO struct {
	UserID    string `json:"user_id"`
	Deposited string `json:"deposited"`
	Spent     string `json:"spent"`
	Net       string `json:"net"`
}

// BalancesDTO is the full balance report for an event.
type BalancesDTO struct {
	EventID  string       `json:"event_id"`
	Pool     string       `json:"pool"`
	Balances []BalanceDTO `json:"balances"`
}

// SettlementDTO represents one participant's final settlement record.
type SettlementDTO struct {
	UserID     string `json:"user_id"`
	FinalShare string `json:"final_share"`
	Deposited  string `json:"deposited"`
	Refund     string `json:"refund"`
	Owed       string `json:"owed"`
}

// RefundPayoutDTO represents one issued refund intent.
type RefundPayoutDTO struct {
	UserID   string `json:"user_id"`
	Amount   string `json:"amount"`
	IntentID string `json:"intent_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toEventDTO(e *ledger.Event) EventDTO {
	return EventDTO{
		ID:          string(e.ID),
		Name:        e.Name,
		Description: e.Description,
		CreatedBy:   string(e.CreatedBy),
		Budget:      e.Budget.String(),
		Currency:    string(e.Budget.Currency),
		Status:      string(e.Status),
		CreatedAt:   e.CreatedAt.Format(time.RFC3339),
	}
}

func toParticipantDTO(p *ledger.Participant) ParticipantDTO {
	return ParticipantDTO{
		EventID:  string(p.EventID),
		UserID:   string(p.UserID),
		Role:     string(p.Role),
		JoinedAt: p.JoinedAt.Format(time.RFC3339),
	}
}

func toDepositDTO(d *ledger.Deposit, intent *ledger.PaymentIntent) DepositDTO {
	dto := DepositDTO{
		ID:        string(d.ID),
		EventID:   string(d.EventID),
		UserID:    string(d.ParticipantID),
		Amount:    d.Amount.String(),
		Currency:  string(d.Amount.Currency),
		Status:    string(d.Status),
		IntentID:  d.IntentID,
		CreatedAt: d.CreatedAt.Format(time.RFC3339),
	}
	if intent != nil {
		dto.PaymentURL = intent.PaymentURL
	}
	return dto
}

func toExpenseDTO(e *ledger.Expense) ExpenseDTO {
	dto := ExpenseDTO{
		ID:          string(e.ID),
		EventID:     string(e.EventID),
		PaidBy:      string(e.PaidBy),
		Amount:      e.Amount.String(),
		Currency:    string(e.Amount.Currency),
		Description: e.Description,
		GatewayRef:  e.GatewayRef,
		CreatedAt:   e.CreatedAt.Format(time.RFC3339),
	}
	if e.CategoryID != nil {
		id := string(*e.CategoryID)
		dto.CategoryID = &id
	}
	return dto
}

func toRuleDTO(rule *ledger.PaymentRule) RuleDTO {
	roles := make([]string, len(rule.AllowedRoles))
	for i, r := range rule.AllowedRoles {
		roles[i] = string(r)
	}
	return RuleDTO{
		EventID:          string(rule.EventID),
		MaxAmount:        rule.MaxAmount.String(),
		Currency:         string(rule.MaxAmount.Currency),
		AllowedRoles:     roles,
		ApprovalRequired: rule.ApprovalRequired,
	}
}

func toSettlementDTOs(results []ledger.SettlementResult) []SettlementDTO {
	dtos := make([]SettlementDTO, len(results))
	for i, r := range results {
		dtos[i] = SettlementDTO{
			UserID:     string(r.ParticipantID),
			FinalShare: r.FinalShare.String(),
			Deposited:  r.Deposited.String(),
			Refund:     r.Refund.String(),
			Owed:       r.Owed.String(),
		}
	}
	return dtos
}

// parseAmount converts a wire amount (string + currency) into the domain type.
func parseAmount(value, currency string) (ledger.Amount, error) {
	if currency == "" {
		currency = string(ledger.CurrencyUSD)
	}
	return ledger.ParseAmount(value, ledger.Currency(currency))
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps ledger errors to HTTP statuses:
//   - 400: validation failures and rule rejections
//   - 404: missing resources
//   - 409: lifecycle/state conflicts
//   - 502: gateway failures
//   - 500: everything else
func writeDomainError(w http.ResponseWriter, err error) {
	var ruleErr *ledger.RuleViolationError
	if errors.As(err, &ruleErr) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: ruleErr.Error(),
			Code:  string(ruleErr.Code),
		})
		return
	}

	var gwErr *ledger.GatewayError
	if errors.As(err, &gwErr) {
		writeError(w, http.StatusBadGateway, "Payment gateway error", err)
		return
	}

	switch {
	case errors.Is(err, ledger.ErrNotOrganizer):
		writeError(w, http.StatusForbidden, "Forbidden", err)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case ledger.IsStateError(err):
		writeError(w, http.StatusConflict, "Conflict", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}
