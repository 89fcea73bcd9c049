/*
errors.go - Centralized error types for the settlement engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers branch on kind with errors.Is/errors.As, never on message text.

ERROR CATEGORIES:
  1. Validation errors - bad input, rejected before any mutation
  2. Rule rejections   - payment rule violations with a reason code
  3. State errors      - lifecycle violations (closed, already settled)
  4. Persistence/gateway errors - transient infrastructure failures that
     carry enough context for manual reconciliation

SEE ALSO:
  - rules.go: Produces RuleViolationError
  - lifecycle.go: Produces state and persistence errors
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrEventNotFound is returned when a referenced event doesn't exist.
	ErrEventNotFound = errors.New("event not found")

	// ErrParticipantNotFound is returned when the acting user is not a
	// participant of the event.
	ErrParticipantNotFound = errors.New("participant not found")

	// ErrCategoryNotFound is returned when a referenced category doesn't exist.
	ErrCategoryNotFound = errors.New("category not found")

	// ErrDepositNotFound is returned when a referenced deposit doesn't exist.
	ErrDepositNotFound = errors.New("deposit not found")

	// ErrRuleNotFound is returned when an event has no payment rule configured.
	ErrRuleNotFound = errors.New("payment rule not found")

	// ErrRuleRejected is the base error for all payment rule violations.
	ErrRuleRejected = errors.New("payment rejected by rule")

	// ErrEventClosed is returned when a deposit or expense is appended to an
	// event that is settling or settled. The ledger is left untouched.
	ErrEventClosed = errors.New("event is no longer accepting ledger entries")

	// ErrAlreadySettled is returned on a second settlement attempt. The
	// existing records are never recomputed or duplicated.
	ErrAlreadySettled = errors.New("event already settled")

	// ErrEventAlreadySettling is returned to callers that lose the race to
	// begin settling an event. Not retried automatically.
	ErrEventAlreadySettling = errors.New("settlement already in progress")

	// ErrNotOrganizer is returned when a lifecycle operation reserved for the
	// organizer is attempted by a member.
	ErrNotOrganizer = errors.New("operation requires organizer role")

	// ErrStatusConflict is returned by stores when a compare-and-swap status
	// transition finds a different current status. The controller maps it to
	// the user-visible state error.
	ErrStatusConflict = errors.New("event status changed concurrently")

	// ErrSettlementExists is returned by stores when settlement records are
	// already persisted for the event.
	ErrSettlementExists = errors.New("settlement records already exist")

	// ErrParticipantExists is returned when joining an event twice.
	ErrParticipantExists = errors.New("participant already in event")

	// ErrInsufficientPool is returned when an expense exceeds the pooled
	// balance of completed deposits.
	ErrInsufficientPool = errors.New("insufficient pooled balance")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports invalid input, rejected before any mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RuleViolation is the machine-readable reason code on a rule rejection.
type RuleViolation string

const (
	RoleNotAllowed   RuleViolation = "role_not_allowed"
	LimitExceeded    RuleViolation = "limit_exceeded"
	ApprovalRequired RuleViolation = "approval_required"
)

// RuleViolationError reports why a proposed payment was rejected.
type RuleViolationError struct {
	Code      RuleViolation
	Role      Role
	Amount    Amount
	MaxAmount Amount
}

func (e *RuleViolationError) Error() string {
	switch e.Code {
	case RoleNotAllowed:
		return fmt.Sprintf("role %q is not allowed to make payments", e.Role)
	case LimitExceeded:
		return fmt.Sprintf("payment %s exceeds per-transaction limit %s", e.Amount, e.MaxAmount)
	case ApprovalRequired:
		return fmt.Sprintf("payment %s requires approval", e.Amount)
	default:
		return string(e.Code)
	}
}

func (e *RuleViolationError) Unwrap() error { return ErrRuleRejected }

// InsufficientPoolError reports an expense larger than the pooled funds.
type InsufficientPoolError struct {
	EventID   EventID
	Available Amount
	Requested Amount
}

func (e *InsufficientPoolError) Error() string {
	return fmt.Sprintf("insufficient pooled balance for event %s: available %s, requested %s",
		e.EventID, e.Available, e.Requested)
}

func (e *InsufficientPoolError) Unwrap() error { return ErrInsufficientPool }

// PersistenceError wraps a transient storage failure during settlement
// persistence. The whole persistence step is retried as a unit; partial
// writes are never visible.
type PersistenceError struct {
	EventID EventID
	Op      string
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s for event %s: %v", e.Op, e.EventID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// GatewayError wraps a payment gateway failure. It never rolls back
// persisted settlement records; the context it carries supports manual
// reconciliation.
type GatewayError struct {
	EventID       EventID
	ParticipantID ParticipantID
	IntentID      string
	Amount        Amount
	Op            string
	Err           error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s failed for event %s participant %s amount %s: %v",
		e.Op, e.EventID, e.ParticipantID, e.Amount, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input or
// a rule rejection, i.e. recoverable by resubmission.
func IsClientError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, ErrRuleRejected) ||
		errors.Is(err, ErrInsufficientPool) ||
		errors.Is(err, ErrParticipantExists)
}

// IsStateError returns true for lifecycle violations that must surface as
// "this event is no longer editable" and are never retried automatically.
func IsStateError(err error) bool {
	return errors.Is(err, ErrEventClosed) ||
		errors.Is(err, ErrAlreadySettled) ||
		errors.Is(err, ErrEventAlreadySettling)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrParticipantNotFound) ||
		errors.Is(err, ErrCategoryNotFound) ||
		errors.Is(err, ErrDepositNotFound) ||
		errors.Is(err, ErrRuleNotFound)
}
