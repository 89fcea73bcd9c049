/*
store.go - Persistence interface for the event ledger

PURPOSE:
  Defines the interface between the engine and the database. The same
  business logic runs against SQLite, PostgreSQL, or the in-memory store;
  only this contract is shared.

APPEND-ONLY CONTRACT:
  Deposits and expenses are append-only. The only mutation a deposit ever
  sees is its status moving pending -> completed/failed as the gateway
  confirms the payment intent. There is no Update or Delete for either.

ATOMICITY:
  - Each append is durable before its caller is told it succeeded.
  - TransitionEvent is compare-and-swap: it moves the status only if the
    current status matches, so exactly one caller wins the race into
    settling.
  - PersistSettlement writes all records in one atomic unit. A partially
    settled event is never visible.

IMPLEMENTATIONS:
  - ledger/store: in-memory, for tests and development
  - store/sqlite: production SQLite
  - store/postgres: production PostgreSQL

SEE ALSO:
  - lifecycle.go: The only caller of TransitionEvent/PersistSettlement
  - aggregate.go: Reads through the LedgerReader subset
*/
package ledger

import "context"

// =============================================================================
// LEDGER READER - Read-only subset used by aggregation
// =============================================================================

// LedgerReader is the read surface the balance aggregator needs. Store
// satisfies it; tests may provide something narrower.
type LedgerReader interface {
	ListParticipants(ctx context.Context, eventID EventID) ([]Participant, error)
	ListDeposits(ctx context.Context, eventID EventID) ([]Deposit, error)
	ListExpenses(ctx context.Context, eventID EventID) ([]Expense, error)
}

// =============================================================================
// STORE - Full persistence contract
// =============================================================================

// Store handles persistence for events, rosters, categories, the
// append-only deposit/expense ledger, payment rules and settlement records.
type Store interface {
	LedgerReader

	// Events
	CreateEvent(ctx context.Context, event *Event) error
	GetEvent(ctx context.Context, eventID EventID) (*Event, error)
	ListEvents(ctx context.Context, userID ParticipantID) ([]Event, error)
	// DeleteEvent removes the event and cascades participants, categories,
	// deposits, expenses, rules and settlements.
	DeleteEvent(ctx context.Context, eventID EventID) error
	// TransitionEvent moves status from -> to atomically. Returns
	// ErrStatusConflict if the current status is not 'from'.
	TransitionEvent(ctx context.Context, eventID EventID, from, to EventStatus) error

	// Participants
	AddParticipant(ctx context.Context, p *Participant) error
	GetParticipant(ctx context.Context, eventID EventID, userID ParticipantID) (*Participant, error)
	SetParticipantRole(ctx context.Context, eventID EventID, userID ParticipantID, role Role) error
	RemoveParticipant(ctx context.Context, eventID EventID, userID ParticipantID) error

	// Categories
	CreateCategory(ctx context.Context, c *Category) error
	UpdateCategory(ctx context.Context, c *Category) error
	// DeleteCategory nulls the category reference on tagged expenses
	// before removing the category itself.
	DeleteCategory(ctx context.Context, categoryID CategoryID) error
	ListCategories(ctx context.Context, eventID EventID) ([]Category, error)

	// Ledger appends
	AppendDeposit(ctx context.Context, d *Deposit) error
	GetDeposit(ctx context.Context, depositID DepositID) (*Deposit, error)
	SetDepositStatus(ctx context.Context, depositID DepositID, status DepositStatus) error
	AppendExpense(ctx context.Context, e *Expense) error

	// Payment rules
	SetRule(ctx context.Context, rule *PaymentRule) error
	GetRule(ctx context.Context, eventID EventID) (*PaymentRule, error)

	// Settlement
	// PersistSettlement writes all records atomically. Returns
	// ErrSettlementExists if any record for the event already exists.
	PersistSettlement(ctx context.Context, eventID EventID, results []SettlementResult) error
	ListSettlements(ctx context.Context, eventID EventID) ([]SettlementResult, error)

	// Close releases any resources held by the store.
	Close() error
}
