/*
rules.go - Payment rule evaluation

PURPOSE:
  Decides whether a proposed expense is admissible for the paying
  participant's role and amount under the event's configured rule.
  Pure function of its inputs; a rejection never touches the ledger.

CHECK ORDER:
  1. Amount must be positive with cent precision
  2. Role must be in the rule's allowed roles
  3. Amount must not exceed the per-transaction limit (inclusive bound:
     a payment of exactly MaxAmount is accepted)
  4. If the rule requires approval, the caller must supply the approval
     flag. Who grants approval is an external decision fed in as a bool.
*/
package ledger

// Evaluator validates proposed payments against an event's rule.
// Stateless; safe for concurrent use.
type Evaluator struct{}

// Validate returns nil when the payment is admissible, a *ValidationError
// for malformed amounts, or a *RuleViolationError carrying the reason code.
func (Evaluator) Validate(rule *PaymentRule, role Role, amount Amount, approved bool) error {
	if !amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if !amount.HasCentPrecision() {
		return &ValidationError{Field: "amount", Reason: "must have at most 2 decimal places"}
	}

	if !rule.Allows(role) {
		return &RuleViolationError{Code: RoleNotAllowed, Role: role, Amount: amount, MaxAmount: rule.MaxAmount}
	}

	if amount.GreaterThan(rule.MaxAmount) {
		return &RuleViolationError{Code: LimitExceeded, Role: role, Amount: amount, MaxAmount: rule.MaxAmount}
	}

	if rule.ApprovalRequired && !approved {
		return &RuleViolationError{Code: ApprovalRequired, Role: role, Amount: amount, MaxAmount: rule.MaxAmount}
	}

	return nil
}
