/*
Package ledger provides the core settlement and reconciliation engine.

PURPOSE:
  This package contains the accounting heart of the group-expense system.
  Participants pool money into an event wallet, draw expenses against it,
  and when the event closes every participant is refunded or billed the
  correct net amount. The engine owns that math and the state machine
  around it; HTTP transport, authentication and the payment gateway's
  wire protocol live elsewhere.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A monetary quantity with a currency, backed by decimal.Decimal
  - Event: A bounded group activity with its own pooled wallet and roster
  - Deposit/Expense: The two append-only ledger entry kinds
  - PaymentRule: Per-event constraint on who may spend and how much
  - Balance/SettlementResult: Derived per-participant figures

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal everywhere, never float64 for money
  2. Append-only: deposits and expenses are never edited or deleted
  3. Recompute-from-source: balances are always derived by replaying the
     ledger, there is no counter that can drift
  4. Explicit actors: every operation takes the acting participant as a
     parameter, there is no ambient "current user"

SEE ALSO:
  - store.go: Persistence interface
  - aggregate.go: Balance computation
  - settle.go: Terminal settlement math
  - lifecycle.go: Event state machine
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Monetary quantity with currency
// =============================================================================

type Currency string

const (
	CurrencyUSD Currency = "USD"
)

// Amount is a fixed-point monetary value. All engine math happens on the
// decimal value; amounts are rounded to 2 places at computation boundaries.
type Amount struct {
	Value    decimal.Decimal
	Currency Currency
}

func NewAmount(value float64, currency Currency) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Currency: currency}
}

func NewAmountFromInt(value int, currency Currency) Amount {
	return Amount{Value: decimal.NewFromInt(int64(value)), Currency: currency}
}

// ParseAmount parses a decimal string like "120.50".
func ParseAmount(s string, currency Currency) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, err
	}
	return Amount{Value: d, Currency: currency}, nil
}

// MustParseDecimal parses a decimal string, returning zero on failure.
// For literals in wiring code and tests.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (a Amount) Zero() Amount              { return Amount{Value: decimal.Zero, Currency: a.Currency} }
func (a Amount) Add(b Amount) Amount       { return Amount{Value: a.Value.Add(b.Value), Currency: a.Currency} }
func (a Amount) Sub(b Amount) Amount       { return Amount{Value: a.Value.Sub(b.Value), Currency: a.Currency} }
func (a Amount) Neg() Amount               { return Amount{Value: a.Value.Neg(), Currency: a.Currency} }
func (a Amount) IsNegative() bool          { return a.Value.IsNegative() }
func (a Amount) IsZero() bool              { return a.Value.IsZero() }
func (a Amount) IsPositive() bool          { return a.Value.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool    { return a.Value.LessThan(b.Value) }
func (a Amount) Equal(b Amount) bool       { return a.Value.Equal(b.Value) }
func (a Amount) String() string            { return a.Value.StringFixed(2) }

// Round normalizes to 2 decimal places, half-up.
func (a Amount) Round() Amount {
	return Amount{Value: a.Value.Round(2), Currency: a.Currency}
}

// HasCentPrecision reports whether the amount carries no more than
// 2 decimal places. Inputs with sub-cent precision are rejected at
// validation rather than silently rounded.
func (a Amount) HasCentPrecision() bool {
	return a.Value.Round(2).Equal(a.Value)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EventID string
type ParticipantID string
type CategoryID string
type DepositID string
type ExpenseID string

// =============================================================================
// EVENT - Bounded group activity with pooled wallet
// =============================================================================

// EventStatus is the lifecycle state. Transitions are strictly
// active -> settling -> settled; settled is terminal.
type EventStatus string

const (
	EventActive   EventStatus = "active"
	EventSettling EventStatus = "settling"
	EventSettled  EventStatus = "settled"
)

type Event struct {
	ID          EventID
	Name        string
	Description string
	CreatedBy   ParticipantID
	Budget      Amount
	Status      EventStatus
	CreatedAt   time.Time
}

// =============================================================================
// PARTICIPANT - A user's membership and role within one event
// =============================================================================

type Role string

const (
	RoleOrganizer Role = "organizer"
	RoleMember    Role = "member"
)

// Participant is unique per (event, user). Removal is only legal while
// the event is active; after settling begins the roster is frozen so
// every participant receives exactly one settlement record.
type Participant struct {
	EventID  EventID
	UserID   ParticipantID
	Role     Role
	JoinedAt time.Time
}

// =============================================================================
// CATEGORY - Optional budget grouping for expenses
// =============================================================================

// Category groups expenses for budgeting display. Deleting a category
// never orphans expenses; their category reference is nulled instead.
type Category struct {
	ID        CategoryID
	EventID   EventID
	Name      string
	Budget    Amount
	CreatedAt time.Time
}

// =============================================================================
// DEPOSIT / EXPENSE - The two append-only ledger entry kinds
// =============================================================================

type DepositStatus string

const (
	DepositPending   DepositStatus = "pending"
	DepositCompleted DepositStatus = "completed"
	DepositFailed    DepositStatus = "failed"
)

// Deposit records funds a participant contributes to the pool. A deposit
// starts pending while its payment intent is outstanding and only counts
// toward balances once completed.
type Deposit struct {
	ID            DepositID
	EventID       EventID
	ParticipantID ParticipantID
	Amount        Amount
	Status        DepositStatus
	IntentID      string // external gateway payment-intent reference
	CreatedAt     time.Time
}

// Expense records funds drawn from the pool, attributed to the
// participant who paid. Attribution is by payer, not by split: the pool
// model has no per-consumer itemization.
type Expense struct {
	ID          ExpenseID
	EventID     EventID
	CategoryID  *CategoryID // nil when uncategorized
	PaidBy      ParticipantID
	Amount      Amount
	Description string
	GatewayRef  string // external gateway reference, if paid through it
	CreatedAt   time.Time
}

// =============================================================================
// PAYMENT RULE - Per-event spending constraint
// =============================================================================

// PaymentRule governs whether a proposed expense is admissible. At most
// one rule is active per event.
type PaymentRule struct {
	EventID          EventID
	MaxAmount        Amount
	AllowedRoles     []Role
	ApprovalRequired bool
}

// Allows reports whether the role may spend under this rule.
func (r *PaymentRule) Allows(role Role) bool {
	for _, allowed := range r.AllowedRoles {
		if allowed == role {
			return true
		}
	}
	return false
}

// DefaultRule is installed when an event is created: only the organizer
// may spend, up to 5000 per transaction, no approval step.
func DefaultRule(eventID EventID, currency Currency) *PaymentRule {
	return &PaymentRule{
		EventID:          eventID,
		MaxAmount:        NewAmountFromInt(5000, currency),
		AllowedRoles:     []Role{RoleOrganizer},
		ApprovalRequired: false,
	}
}

// =============================================================================
// BALANCE - Derived per-participant figures
// =============================================================================

// Balance is a participant's live position against the pool.
//
//	Deposited: sum of their completed deposits (pending/failed excluded)
//	Spent:     sum of expenses they paid
//	Net:       Deposited - Spent
type Balance struct {
	ParticipantID ParticipantID
	Deposited     Amount
	Spent         Amount
	Net           Amount
}

// =============================================================================
// SETTLEMENT RESULT - Terminal per-participant outcome
// =============================================================================

// SettlementResult is the immutable record produced exactly once per
// participant when an event settles.
//
// Refund and Owed are both non-negative and at most one is non-zero.
// Callers must check them explicitly; a debt is never expressed as a
// negative refund.
type SettlementResult struct {
	ParticipantID ParticipantID
	FinalShare    Amount // what they actually consumed from the pool
	Deposited     Amount
	Refund        Amount
	Owed          Amount
}
