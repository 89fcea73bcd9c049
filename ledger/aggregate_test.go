package ledger_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/ledger/store"
)

// =============================================================================
// FIXTURE
// =============================================================================

type fixture struct {
	store *store.Memory
	agg   *ledger.Aggregator
	event ledger.EventID
}

func newFixture(t *testing.T, participants ...string) *fixture {
	t.Helper()
	m := store.NewMemory()
	f := &fixture{
		store: m,
		agg:   &ledger.Aggregator{Reader: m},
		event: "evt-1",
	}

	ctx := context.Background()
	err := m.CreateEvent(ctx, &ledger.Event{
		ID:        f.event,
		Name:      "Team Offsite",
		CreatedBy: ledger.ParticipantID(participants[0]),
		Budget:    usd("1000"),
		Status:    ledger.EventActive,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create event: %v", err)
	}

	for i, p := range participants {
		role := ledger.RoleMember
		if i == 0 {
			role = ledger.RoleOrganizer
		}
		err := m.AddParticipant(ctx, &ledger.Participant{
			EventID:  f.event,
			UserID:   ledger.ParticipantID(p),
			Role:     role,
			JoinedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("add participant %s: %v", p, err)
		}
	}
	return f
}

var entrySeq int

func (f *fixture) deposit(t *testing.T, user, amount string, status ledger.DepositStatus) {
	t.Helper()
	entrySeq++
	err := f.store.AppendDeposit(context.Background(), &ledger.Deposit{
		ID:            ledger.DepositID(fmt.Sprintf("dep-%d", entrySeq)),
		EventID:       f.event,
		ParticipantID: ledger.ParticipantID(user),
		Amount:        usd(amount),
		Status:        status,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("append deposit: %v", err)
	}
}

func (f *fixture) expense(t *testing.T, user, amount string, category *ledger.CategoryID) {
	t.Helper()
	entrySeq++
	err := f.store.AppendExpense(context.Background(), &ledger.Expense{
		ID:          ledger.ExpenseID(fmt.Sprintf("exp-%d", entrySeq)),
		EventID:     f.event,
		CategoryID:  category,
		PaidBy:      ledger.ParticipantID(user),
		Amount:      usd(amount),
		Description: "test expense",
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("append expense: %v", err)
	}
}

// =============================================================================
// BALANCE AGGREGATION
// =============================================================================

func TestAggregateOnlyCompletedDepositsCount(t *testing.T) {
	f := newFixture(t, "alice")
	f.deposit(t, "alice", "100", ledger.DepositCompleted)
	f.deposit(t, "alice", "40", ledger.DepositPending)
	f.deposit(t, "alice", "25", ledger.DepositFailed)

	balances, err := f.agg.Aggregate(context.Background(), f.event)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if got := balances["alice"].Deposited; !got.Equal(usd("100")) {
		t.Errorf("deposited = %s, want 100.00", got)
	}
}

func TestAggregateSpentAttributedToPayer(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.deposit(t, "alice", "100", ledger.DepositCompleted)
	f.deposit(t, "bob", "100", ledger.DepositCompleted)
	f.expense(t, "alice", "60", nil)
	f.expense(t, "alice", "15.50", nil)

	balances, err := f.agg.Aggregate(context.Background(), f.event)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	alice := balances["alice"]
	if !alice.Spent.Equal(usd("75.50")) {
		t.Errorf("alice spent = %s, want 75.50", alice.Spent)
	}
	if !alice.Net.Equal(usd("24.50")) {
		t.Errorf("alice net = %s, want 24.50", alice.Net)
	}

	bob := balances["bob"]
	if !bob.Spent.IsZero() {
		t.Errorf("bob spent = %s, want 0.00", bob.Spent)
	}
	if !bob.Net.Equal(usd("100")) {
		t.Errorf("bob net = %s, want 100.00", bob.Net)
	}
}

func TestAggregateIncludesZeroActivityParticipants(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	f.deposit(t, "alice", "50", ledger.DepositCompleted)

	balances, err := f.agg.Aggregate(context.Background(), f.event)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(balances) != 3 {
		t.Fatalf("expected 3 balances, got %d", len(balances))
	}
	for _, id := range []ledger.ParticipantID{"bob", "carol"} {
		b := balances[id]
		if !b.Deposited.IsZero() || !b.Spent.IsZero() || !b.Net.IsZero() {
			t.Errorf("%s should have an all-zero balance, got %+v", id, b)
		}
	}
}

func TestAggregateIdempotent(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.deposit(t, "alice", "100", ledger.DepositCompleted)
	f.expense(t, "bob", "33.33", nil)

	ctx := context.Background()
	first, err := f.agg.Aggregate(ctx, f.event)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	second, err := f.agg.Aggregate(ctx, f.event)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	for id := range first {
		if !first[id].Net.Equal(second[id].Net) {
			t.Errorf("aggregation not idempotent for %s", id)
		}
	}
}

// =============================================================================
// POOL + CATEGORY TOTALS
// =============================================================================

func TestPoolBalance(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.deposit(t, "alice", "100", ledger.DepositCompleted)
	f.deposit(t, "bob", "50", ledger.DepositCompleted)
	f.deposit(t, "bob", "500", ledger.DepositPending)
	f.expense(t, "alice", "30", nil)

	pool, err := f.agg.PoolBalance(context.Background(), f.event)
	if err != nil {
		t.Fatalf("pool balance: %v", err)
	}
	if !pool.Equal(usd("120")) {
		t.Errorf("pool = %s, want 120.00", pool)
	}
}

func TestCategoryTotals(t *testing.T) {
	f := newFixture(t, "alice")
	food := ledger.CategoryID("cat-food")
	travel := ledger.CategoryID("cat-travel")

	f.deposit(t, "alice", "500", ledger.DepositCompleted)
	f.expense(t, "alice", "40", &food)
	f.expense(t, "alice", "12.50", &food)
	f.expense(t, "alice", "100", &travel)
	f.expense(t, "alice", "9.99", nil) // uncategorized

	totals, err := f.agg.CategoryTotals(context.Background(), f.event)
	if err != nil {
		t.Fatalf("category totals: %v", err)
	}
	if len(totals) != 2 {
		t.Fatalf("expected 2 category totals, got %d", len(totals))
	}
	if !totals[food].Equal(usd("52.50")) {
		t.Errorf("food total = %s, want 52.50", totals[food])
	}
	if !totals[travel].Equal(usd("100")) {
		t.Errorf("travel total = %s, want 100.00", totals[travel])
	}
}
