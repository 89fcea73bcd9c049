/*
lifecycle.go - Event lifecycle controller

PURPOSE:
  Drives an event through active -> settling -> settled and gates every
  ledger operation on the current state. This is the one component that
  composes the others: rule evaluation before expense appends, balance
  aggregation under the event lock, settlement persistence as one atomic
  unit, refund issuance strictly afterwards.

STATE MACHINE:
  active:   deposits, expenses, roster and category changes admitted
  settling: ledger frozen (EventClosed), settlement being computed
  settled:  terminal, immutable; re-settling fails with AlreadySettled

LOCKING:
  One RWMutex per event. Ledger appends take the read side so concurrent
  deposits/expenses for the same event don't serialize against each
  other; aggregation and settlement take the write side so they observe
  a consistent snapshot with no append landing mid-scan.

  The active -> settling transition is compare-and-swap in the store, so
  exactly one caller wins the race; losers get EventAlreadySettling.

GATEWAY DISCIPLINE:
  No gateway call ever happens while holding the event lock. Deposit
  intents are created before the append; refund intents only after the
  settlement records are durable. A gateway failure after settlement is
  reported for manual reconciliation, never rolled back.

RETRY:
  If settlement persistence fails the event stays in settling and the
  whole compute+persist step is retried via RetrySettlement. The math is
  deterministic, so a replay produces identical records. There is no
  mid-flight cancellation once settling begins.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Controller coordinates the event state machine over a Store and an
// optional PaymentGateway.
type Controller struct {
	store     Store
	gateway   PaymentGateway
	evaluator Evaluator
	agg       *Aggregator

	mu    sync.Mutex
	locks map[EventID]*sync.RWMutex
}

// NewController creates a lifecycle controller. The gateway may be nil,
// in which case deposits are appended already completed and refunds are
// not issued (useful for tests and offline accounting).
func NewController(store Store, gateway PaymentGateway) *Controller {
	return &Controller{
		store:   store,
		gateway: gateway,
		agg:     &Aggregator{Reader: store},
		locks:   make(map[EventID]*sync.RWMutex),
	}
}

// eventLock returns the per-event mutex, creating it on first use.
func (c *Controller) eventLock(eventID EventID) *sync.RWMutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lk, ok := c.locks[eventID]
	if !ok {
		lk = &sync.RWMutex{}
		c.locks[eventID] = lk
	}
	return lk
}

// =============================================================================
// EVENT + ROSTER OPERATIONS
// =============================================================================

// CreateEvent creates an event with the creator auto-joined as organizer
// and the default payment rule installed.
func (c *Controller) CreateEvent(ctx context.Context, name, description string, budget Amount, creator ParticipantID) (*Event, error) {
	if name == "" {
		return nil, &ValidationError{Field: "name", Reason: "required"}
	}
	if budget.IsNegative() {
		return nil, &ValidationError{Field: "budget", Reason: "must not be negative"}
	}
	if creator == "" {
		return nil, &ValidationError{Field: "creator", Reason: "required"}
	}

	event := &Event{
		ID:          EventID(uuid.NewString()),
		Name:        name,
		Description: description,
		CreatedBy:   creator,
		Budget:      budget.Round(),
		Status:      EventActive,
		CreatedAt:   time.Now().UTC(),
	}
	if err := c.store.CreateEvent(ctx, event); err != nil {
		return nil, err
	}

	organizer := &Participant{
		EventID:  event.ID,
		UserID:   creator,
		Role:     RoleOrganizer,
		JoinedAt: event.CreatedAt,
	}
	if err := c.store.AddParticipant(ctx, organizer); err != nil {
		return nil, err
	}

	if err := c.store.SetRule(ctx, DefaultRule(event.ID, CurrencyUSD)); err != nil {
		return nil, err
	}
	return event, nil
}

// JoinEvent adds a user to an active event as a member.
func (c *Controller) JoinEvent(ctx context.Context, eventID EventID, userID ParticipantID) (*Participant, error) {
	if err := c.requireStatus(ctx, eventID, EventActive); err != nil {
		return nil, err
	}
	p := &Participant{
		EventID:  eventID,
		UserID:   userID,
		Role:     RoleMember,
		JoinedAt: time.Now().UTC(),
	}
	if err := c.store.AddParticipant(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// RemoveParticipant removes a user from the roster. Only legal while the
// event is active: once settling begins the roster is frozen so every
// participant receives exactly one settlement record.
func (c *Controller) RemoveParticipant(ctx context.Context, eventID EventID, userID ParticipantID) error {
	if err := c.requireStatus(ctx, eventID, EventActive); err != nil {
		return err
	}
	return c.store.RemoveParticipant(ctx, eventID, userID)
}

// ChangeRole updates a participant's role. Organizer only.
func (c *Controller) ChangeRole(ctx context.Context, eventID EventID, actor, target ParticipantID, role Role) error {
	if role != RoleOrganizer && role != RoleMember {
		return &ValidationError{Field: "role", Reason: "unknown role"}
	}
	if err := c.requireOrganizer(ctx, eventID, actor); err != nil {
		return err
	}
	if err := c.requireStatus(ctx, eventID, EventActive); err != nil {
		return err
	}
	return c.store.SetParticipantRole(ctx, eventID, target, role)
}

// DeleteEvent destroys the event and all dependent rows. Organizer only.
func (c *Controller) DeleteEvent(ctx context.Context, eventID EventID, actor ParticipantID) error {
	if err := c.requireOrganizer(ctx, eventID, actor); err != nil {
		return err
	}
	return c.store.DeleteEvent(ctx, eventID)
}

// =============================================================================
// READS
// =============================================================================

func (c *Controller) GetEvent(ctx context.Context, eventID EventID) (*Event, error) {
	return c.store.GetEvent(ctx, eventID)
}

func (c *Controller) ListEvents(ctx context.Context, userID ParticipantID) ([]Event, error) {
	return c.store.ListEvents(ctx, userID)
}

func (c *Controller) ListParticipants(ctx context.Context, eventID EventID) ([]Participant, error) {
	if _, err := c.store.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	return c.store.ListParticipants(ctx, eventID)
}

func (c *Controller) ListCategories(ctx context.Context, eventID EventID) ([]Category, error) {
	if _, err := c.store.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	return c.store.ListCategories(ctx, eventID)
}

func (c *Controller) ListDeposits(ctx context.Context, eventID EventID) ([]Deposit, error) {
	if _, err := c.store.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	return c.store.ListDeposits(ctx, eventID)
}

func (c *Controller) ListExpenses(ctx context.Context, eventID EventID) ([]Expense, error) {
	if _, err := c.store.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	return c.store.ListExpenses(ctx, eventID)
}

func (c *Controller) GetRule(ctx context.Context, eventID EventID) (*PaymentRule, error) {
	if _, err := c.store.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	return c.store.GetRule(ctx, eventID)
}

// =============================================================================
// CATEGORY + RULE OPERATIONS (organizer, active events only)
// =============================================================================

// CreateCategory adds a budget category to an active event.
func (c *Controller) CreateCategory(ctx context.Context, eventID EventID, actor ParticipantID, name string, budget Amount) (*Category, error) {
	if name == "" {
		return nil, &ValidationError{Field: "name", Reason: "required"}
	}
	if err := c.requireOrganizer(ctx, eventID, actor); err != nil {
		return nil, err
	}
	if err := c.requireStatus(ctx, eventID, EventActive); err != nil {
		return nil, err
	}
	cat := &Category{
		ID:        CategoryID(uuid.NewString()),
		EventID:   eventID,
		Name:      name,
		Budget:    budget.Round(),
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.CreateCategory(ctx, cat); err != nil {
		return nil, err
	}
	return cat, nil
}

// UpdateCategory renames a category or changes its allocated budget.
func (c *Controller) UpdateCategory(ctx context.Context, eventID EventID, actor ParticipantID, cat *Category) error {
	if err := c.requireOrganizer(ctx, eventID, actor); err != nil {
		return err
	}
	if err := c.requireStatus(ctx, eventID, EventActive); err != nil {
		return err
	}
	if err := c.checkCategory(ctx, eventID, cat.ID); err != nil {
		return err
	}
	cat.EventID = eventID
	cat.Budget = cat.Budget.Round()
	return c.store.UpdateCategory(ctx, cat)
}

// DeleteCategory removes a category. Tagged expenses keep their amounts
// and lose only the category reference.
func (c *Controller) DeleteCategory(ctx context.Context, eventID EventID, actor ParticipantID, categoryID CategoryID) error {
	if err := c.requireOrganizer(ctx, eventID, actor); err != nil {
		return err
	}
	if err := c.requireStatus(ctx, eventID, EventActive); err != nil {
		return err
	}
	if err := c.checkCategory(ctx, eventID, categoryID); err != nil {
		return err
	}
	return c.store.DeleteCategory(ctx, categoryID)
}

// SetRule replaces the event's payment rule. Organizer only.
func (c *Controller) SetRule(ctx context.Context, eventID EventID, actor ParticipantID, rule *PaymentRule) error {
	if !rule.MaxAmount.IsPositive() {
		return &ValidationError{Field: "maxAmount", Reason: "must be positive"}
	}
	if len(rule.AllowedRoles) == 0 {
		return &ValidationError{Field: "allowedRoles", Reason: "required"}
	}
	if err := c.requireOrganizer(ctx, eventID, actor); err != nil {
		return err
	}
	if err := c.requireStatus(ctx, eventID, EventActive); err != nil {
		return err
	}
	rule.EventID = eventID
	rule.MaxAmount = rule.MaxAmount.Round()
	return c.store.SetRule(ctx, rule)
}

// =============================================================================
// LEDGER APPENDS (read side of the event lock)
// =============================================================================

// InitiateDeposit creates a payment intent with the gateway and appends a
// pending deposit carrying the intent reference. The deposit counts toward
// balances only after ConfirmDeposit observes a confirmed intent.
//
// With no gateway configured the deposit is appended already completed.
func (c *Controller) InitiateDeposit(ctx context.Context, eventID EventID, userID ParticipantID, amount Amount, description string) (*Deposit, *PaymentIntent, error) {
	if !amount.IsPositive() {
		return nil, nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if !amount.HasCentPrecision() {
		return nil, nil, &ValidationError{Field: "amount", Reason: "must have at most 2 decimal places"}
	}
	if _, err := c.store.GetParticipant(ctx, eventID, userID); err != nil {
		return nil, nil, err
	}
	if err := c.requireStatus(ctx, eventID, EventActive); err != nil {
		return nil, nil, err
	}

	// Gateway call happens before taking the event lock.
	var intent *PaymentIntent
	status := DepositCompleted
	if c.gateway != nil {
		if description == "" {
			description = "Wallet Deposit"
		}
		created, err := c.gateway.CreateIntent(ctx, amount, description)
		if err != nil {
			return nil, nil, &GatewayError{
				EventID: eventID, ParticipantID: userID, Amount: amount,
				Op: "create intent", Err: err,
			}
		}
		intent = created
		status = DepositPending
	}

	lk := c.eventLock(eventID)
	lk.RLock()
	defer lk.RUnlock()

	// Re-check under the lock: the event may have begun settling while we
	// talked to the gateway.
	if err := c.requireStatus(ctx, eventID, EventActive); err != nil {
		return nil, nil, err
	}

	d := &Deposit{
		ID:            DepositID(uuid.NewString()),
		EventID:       eventID,
		ParticipantID: userID,
		Amount:        amount.Round(),
		Status:        status,
		CreatedAt:     time.Now().UTC(),
	}
	if intent != nil {
		d.IntentID = intent.ID
	}
	if err := c.store.AppendDeposit(ctx, d); err != nil {
		return nil, nil, err
	}
	return d, intent, nil
}

// ConfirmDeposit queries the gateway for the deposit's intent status and
// marks the deposit completed or failed accordingly. Idempotent: a deposit
// already out of pending is returned as-is.
func (c *Controller) ConfirmDeposit(ctx context.Context, depositID DepositID) (*Deposit, error) {
	d, err := c.store.GetDeposit(ctx, depositID)
	if err != nil {
		return nil, err
	}
	if d.Status != DepositPending {
		return d, nil
	}
	if err := c.requireStatus(ctx, d.EventID, EventActive); err != nil {
		return nil, err
	}
	if c.gateway == nil {
		return d, nil
	}

	status, err := c.gateway.GetIntentStatus(ctx, d.IntentID)
	if err != nil {
		return nil, &GatewayError{
			EventID: d.EventID, ParticipantID: d.ParticipantID,
			IntentID: d.IntentID, Amount: d.Amount,
			Op: "get intent status", Err: err,
		}
	}

	switch {
	case status.Confirmed():
		d.Status = DepositCompleted
	case status.Failed():
		d.Status = DepositFailed
	default:
		return d, nil // still pending on the gateway side
	}

	lk := c.eventLock(d.EventID)
	lk.RLock()
	defer lk.RUnlock()

	// Re-check under the lock: settlement may have begun while we talked
	// to the gateway. A settled ledger never gains a completed deposit.
	if err := c.requireStatus(ctx, d.EventID, EventActive); err != nil {
		return nil, err
	}

	if err := c.store.SetDepositStatus(ctx, depositID, d.Status); err != nil {
		return nil, err
	}
	return d, nil
}

// ExpenseInput describes a proposed expense/payment.
type ExpenseInput struct {
	EventID     EventID
	PaidBy      ParticipantID
	CategoryID  *CategoryID
	Amount      Amount
	Description string
	GatewayRef  string
	Approved    bool // external approval grant, when the rule requires one
}

// RecordExpense validates the proposed expense against the event's payment
// rule and the pooled balance, then appends it. A rejection never mutates
// the ledger.
func (c *Controller) RecordExpense(ctx context.Context, in ExpenseInput) (*Expense, error) {
	if in.Description == "" {
		return nil, &ValidationError{Field: "description", Reason: "required"}
	}

	lk := c.eventLock(in.EventID)
	lk.RLock()
	defer lk.RUnlock()

	if err := c.requireStatus(ctx, in.EventID, EventActive); err != nil {
		return nil, err
	}
	payer, err := c.store.GetParticipant(ctx, in.EventID, in.PaidBy)
	if err != nil {
		return nil, err
	}
	rule, err := c.store.GetRule(ctx, in.EventID)
	if err != nil {
		return nil, err
	}
	if err := c.evaluator.Validate(rule, payer.Role, in.Amount, in.Approved); err != nil {
		return nil, err
	}

	pool, err := c.agg.PoolBalance(ctx, in.EventID)
	if err != nil {
		return nil, err
	}
	if pool.LessThan(in.Amount) {
		return nil, &InsufficientPoolError{EventID: in.EventID, Available: pool, Requested: in.Amount}
	}

	if in.CategoryID != nil {
		if err := c.checkCategory(ctx, in.EventID, *in.CategoryID); err != nil {
			return nil, err
		}
	}

	e := &Expense{
		ID:          ExpenseID(uuid.NewString()),
		EventID:     in.EventID,
		CategoryID:  in.CategoryID,
		PaidBy:      in.PaidBy,
		Amount:      in.Amount.Round(),
		Description: in.Description,
		GatewayRef:  in.GatewayRef,
		CreatedAt:   time.Now().UTC(),
	}
	if err := c.store.AppendExpense(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// =============================================================================
// AGGREGATION (write side of the event lock: consistent snapshot)
// =============================================================================

// Balances returns the live balance of every participant. Holds the event
// lock exclusively so no append can land mid-aggregation.
func (c *Controller) Balances(ctx context.Context, eventID EventID) (map[ParticipantID]Balance, error) {
	if _, err := c.store.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	lk := c.eventLock(eventID)
	lk.Lock()
	defer lk.Unlock()
	return c.agg.Aggregate(ctx, eventID)
}

// PoolBalance returns the event's pooled funds.
func (c *Controller) PoolBalance(ctx context.Context, eventID EventID) (Amount, error) {
	lk := c.eventLock(eventID)
	lk.Lock()
	defer lk.Unlock()
	return c.agg.PoolBalance(ctx, eventID)
}

// CategoryTotals returns the derived spent aggregate per category.
func (c *Controller) CategoryTotals(ctx context.Context, eventID EventID) (map[CategoryID]Amount, error) {
	return c.agg.CategoryTotals(ctx, eventID)
}

// =============================================================================
// SETTLEMENT
// =============================================================================

// Close transitions the event from active to settling (organizer only,
// compare-and-swap so exactly one caller wins), computes the settlement
// and persists all records atomically, then transitions to settled.
//
// On a persistence failure the event stays in settling and the whole
// compute+persist step is retried via RetrySettlement.
func (c *Controller) Close(ctx context.Context, eventID EventID, actor ParticipantID) ([]SettlementResult, error) {
	if err := c.requireOrganizer(ctx, eventID, actor); err != nil {
		return nil, err
	}

	if err := c.store.TransitionEvent(ctx, eventID, EventActive, EventSettling); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil, c.stateError(ctx, eventID)
		}
		return nil, err
	}

	return c.finalize(ctx, eventID)
}

// RetrySettlement re-runs the settlement of an event stuck in settling
// after a persistence failure. The computation is deterministic, so the
// replay produces identical records.
func (c *Controller) RetrySettlement(ctx context.Context, eventID EventID) ([]SettlementResult, error) {
	event, err := c.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	switch event.Status {
	case EventSettling:
		return c.finalize(ctx, eventID)
	case EventSettled:
		return nil, ErrAlreadySettled
	default:
		return nil, &ValidationError{Field: "status", Reason: "event is not settling"}
	}
}

// finalize aggregates, settles and persists under the exclusive event
// lock, then flips settling -> settled.
func (c *Controller) finalize(ctx context.Context, eventID EventID) ([]SettlementResult, error) {
	lk := c.eventLock(eventID)
	lk.Lock()
	defer lk.Unlock()

	balances, err := c.agg.Aggregate(ctx, eventID)
	if err != nil {
		return nil, &PersistenceError{EventID: eventID, Op: "aggregate", Err: err}
	}
	results := Settle(balances)

	if err := c.store.PersistSettlement(ctx, eventID, results); err != nil {
		// Records already durable from an earlier attempt that died before
		// the status flip: fall through and finish the transition.
		if !errors.Is(err, ErrSettlementExists) {
			return nil, &PersistenceError{EventID: eventID, Op: "persist settlement", Err: err}
		}
		if results, err = c.store.ListSettlements(ctx, eventID); err != nil {
			return nil, &PersistenceError{EventID: eventID, Op: "load settlement", Err: err}
		}
	}

	if err := c.store.TransitionEvent(ctx, eventID, EventSettling, EventSettled); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			// Someone else finished the flip; the records are ours either way.
			if event, gerr := c.store.GetEvent(ctx, eventID); gerr == nil && event.Status == EventSettled {
				return results, nil
			}
		}
		return nil, &PersistenceError{EventID: eventID, Op: "transition settled", Err: err}
	}
	return results, nil
}

// Settlements returns the persisted settlement records of an event.
func (c *Controller) Settlements(ctx context.Context, eventID EventID) ([]SettlementResult, error) {
	if _, err := c.store.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	return c.store.ListSettlements(ctx, eventID)
}

// =============================================================================
// REFUND ISSUANCE (after settlement, never under the event lock)
// =============================================================================

// RefundPayout records one refund intent issued with the gateway.
type RefundPayout struct {
	ParticipantID ParticipantID
	Amount        Amount
	IntentID      string
}

// IssueRefunds creates one payment intent per participant with a non-zero
// refund. Requires a settled event; the persisted records are the source
// of truth for what is owed, so gateway failures are collected and
// returned for manual reconciliation alongside the successful payouts.
func (c *Controller) IssueRefunds(ctx context.Context, eventID EventID) ([]RefundPayout, error) {
	event, err := c.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event.Status != EventSettled {
		return nil, &ValidationError{Field: "status", Reason: "event is not settled"}
	}
	if c.gateway == nil {
		return nil, &ValidationError{Field: "gateway", Reason: "no payment gateway configured"}
	}

	results, err := c.store.ListSettlements(ctx, eventID)
	if err != nil {
		return nil, err
	}

	var payouts []RefundPayout
	var failures []error
	for _, r := range results {
		if !r.Refund.IsPositive() {
			continue
		}
		desc := fmt.Sprintf("Refund for event %s", event.Name)
		intent, err := c.gateway.CreateIntent(ctx, r.Refund, desc)
		if err != nil {
			failures = append(failures, &GatewayError{
				EventID: eventID, ParticipantID: r.ParticipantID,
				Amount: r.Refund, Op: "create refund intent", Err: err,
			})
			continue
		}
		payouts = append(payouts, RefundPayout{
			ParticipantID: r.ParticipantID,
			Amount:        r.Refund,
			IntentID:      intent.ID,
		})
	}
	return payouts, errors.Join(failures...)
}

// =============================================================================
// GUARDS
// =============================================================================

// checkCategory verifies the category exists and belongs to the event.
func (c *Controller) checkCategory(ctx context.Context, eventID EventID, categoryID CategoryID) error {
	cats, err := c.store.ListCategories(ctx, eventID)
	if err != nil {
		return err
	}
	for _, cat := range cats {
		if cat.ID == categoryID {
			return nil
		}
	}
	return ErrCategoryNotFound
}

// requireStatus loads the event and checks its lifecycle state, mapping
// a frozen ledger to the user-visible state errors.
func (c *Controller) requireStatus(ctx context.Context, eventID EventID, want EventStatus) error {
	event, err := c.store.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if event.Status != want {
		if want == EventActive {
			return ErrEventClosed
		}
		return ErrStatusConflict
	}
	return nil
}

func (c *Controller) requireOrganizer(ctx context.Context, eventID EventID, actor ParticipantID) error {
	p, err := c.store.GetParticipant(ctx, eventID, actor)
	if err != nil {
		return err
	}
	if p.Role != RoleOrganizer {
		return ErrNotOrganizer
	}
	return nil
}

// stateError reports the precise lifecycle violation after a lost
// compare-and-swap.
func (c *Controller) stateError(ctx context.Context, eventID EventID) error {
	event, err := c.store.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	switch event.Status {
	case EventSettling:
		return ErrEventAlreadySettling
	case EventSettled:
		return ErrAlreadySettled
	default:
		return ErrStatusConflict
	}
}
