package ledger_test

import (
	"errors"
	"testing"

	"github.com/warp/settlement-engine/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func usd(s string) ledger.Amount {
	return ledger.Amount{Value: ledger.MustParseDecimal(s), Currency: ledger.CurrencyUSD}
}

func defaultRule() *ledger.PaymentRule {
	return ledger.DefaultRule("evt-1", ledger.CurrencyUSD)
}

func violationCode(t *testing.T, err error) ledger.RuleViolation {
	t.Helper()
	var rv *ledger.RuleViolationError
	if !errors.As(err, &rv) {
		t.Fatalf("expected RuleViolationError, got %v", err)
	}
	return rv.Code
}

// =============================================================================
// RULE EVALUATION
// =============================================================================

func TestValidateOrganizerWithinLimit(t *testing.T) {
	var ev ledger.Evaluator
	if err := ev.Validate(defaultRule(), ledger.RoleOrganizer, usd("100"), false); err != nil {
		t.Errorf("expected payment accepted, got %v", err)
	}
}

func TestValidateLimitBoundaryInclusive(t *testing.T) {
	var ev ledger.Evaluator

	// Exactly at the limit is accepted.
	if err := ev.Validate(defaultRule(), ledger.RoleOrganizer, usd("5000.00"), false); err != nil {
		t.Errorf("payment at the limit should be accepted, got %v", err)
	}

	// One cent over is rejected.
	err := ev.Validate(defaultRule(), ledger.RoleOrganizer, usd("5000.01"), false)
	if code := violationCode(t, err); code != ledger.LimitExceeded {
		t.Errorf("expected limit_exceeded, got %s", code)
	}
}

func TestValidateMemberNotAllowed(t *testing.T) {
	var ev ledger.Evaluator

	// The default rule allows only the organizer. The role check fires
	// before the limit check, so even a tiny member payment is rejected
	// with the role code.
	err := ev.Validate(defaultRule(), ledger.RoleMember, usd("0.01"), false)
	if code := violationCode(t, err); code != ledger.RoleNotAllowed {
		t.Errorf("expected role_not_allowed, got %s", code)
	}

	err = ev.Validate(defaultRule(), ledger.RoleMember, usd("9999"), false)
	if code := violationCode(t, err); code != ledger.RoleNotAllowed {
		t.Errorf("expected role_not_allowed for over-limit member, got %s", code)
	}
}

func TestValidateApprovalRequired(t *testing.T) {
	var ev ledger.Evaluator
	rule := defaultRule()
	rule.ApprovalRequired = true

	err := ev.Validate(rule, ledger.RoleOrganizer, usd("100"), false)
	if code := violationCode(t, err); code != ledger.ApprovalRequired {
		t.Errorf("expected approval_required, got %s", code)
	}

	if err := ev.Validate(rule, ledger.RoleOrganizer, usd("100"), true); err != nil {
		t.Errorf("approved payment should be accepted, got %v", err)
	}
}

func TestValidateRejectsBadAmounts(t *testing.T) {
	var ev ledger.Evaluator

	cases := []struct {
		name   string
		amount ledger.Amount
	}{
		{"zero", usd("0")},
		{"negative", usd("-10")},
		{"sub-cent", usd("10.001")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ev.Validate(defaultRule(), ledger.RoleOrganizer, tc.amount, false)
			var ve *ledger.ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestRuleRejectionIsClientError(t *testing.T) {
	var ev ledger.Evaluator
	err := ev.Validate(defaultRule(), ledger.RoleMember, usd("10"), false)
	if !errors.Is(err, ledger.ErrRuleRejected) {
		t.Errorf("rule violations must unwrap to ErrRuleRejected")
	}
	if !ledger.IsClientError(err) {
		t.Errorf("rule violations must classify as client errors")
	}
}

func TestMemberAllowedWhenRuleIncludesMembers(t *testing.T) {
	var ev ledger.Evaluator
	rule := &ledger.PaymentRule{
		EventID:      "evt-1",
		MaxAmount:    usd("200"),
		AllowedRoles: []ledger.Role{ledger.RoleOrganizer, ledger.RoleMember},
	}
	if err := ev.Validate(rule, ledger.RoleMember, usd("150"), false); err != nil {
		t.Errorf("member within limit should be accepted, got %v", err)
	}
}
