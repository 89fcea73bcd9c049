/*
aggregate.go - Balance aggregation from the event ledger

PURPOSE:
  Computes, for each participant, total deposited, total spent and net
  balance. This is the single consolidation point for balance math: the
  conservation invariant only holds if every caller derives balances the
  same way, so nothing else in the system sums ledger rows.

KEY DECISIONS:
  - Always recompute from source. No incremental counters that can drift.
    Event ledgers are bounded (one trip, one group), so the O(n) scan is
    cheap and zero-drift wins.
  - Only completed deposits count. Pending means the gateway has not
    confirmed the intent; failed never counts.
  - Spent is attributed by payer. The pool model has no per-consumer
    split; whoever paid the expense consumed that much of the pool.
  - Every roster participant appears in the result, including those with
    zero activity. Settlement completeness depends on this.

CONSISTENCY:
  The aggregator itself is a stateless read. The lifecycle controller is
  responsible for holding the per-event lock so no append lands
  mid-aggregation (see lifecycle.go).
*/
package ledger

import "context"

// Aggregator computes participant balances by replaying the ledger.
// Stateless service object over an injected read interface.
type Aggregator struct {
	Reader LedgerReader
}

// Aggregate computes the balance of every current participant of the event.
//
// deposited = sum of completed deposits, spent = sum of expenses paid,
// net = deposited - spent. Idempotent: same ledger, same result.
func (a *Aggregator) Aggregate(ctx context.Context, eventID EventID) (map[ParticipantID]Balance, error) {
	participants, err := a.Reader.ListParticipants(ctx, eventID)
	if err != nil {
		return nil, err
	}
	deposits, err := a.Reader.ListDeposits(ctx, eventID)
	if err != nil {
		return nil, err
	}
	expenses, err := a.Reader.ListExpenses(ctx, eventID)
	if err != nil {
		return nil, err
	}

	zero := NewAmountFromInt(0, CurrencyUSD)
	balances := make(map[ParticipantID]Balance, len(participants))
	for _, p := range participants {
		balances[p.UserID] = Balance{
			ParticipantID: p.UserID,
			Deposited:     zero,
			Spent:         zero,
			Net:           zero,
		}
	}

	for _, d := range deposits {
		if d.Status != DepositCompleted {
			continue
		}
		b, ok := balances[d.ParticipantID]
		if !ok {
			// Deposits from since-removed participants stay in the pool but
			// are not settled to anyone; removal is only legal while active.
			continue
		}
		b.Deposited = b.Deposited.Add(d.Amount)
		balances[d.ParticipantID] = b
	}

	for _, e := range expenses {
		b, ok := balances[e.PaidBy]
		if !ok {
			continue
		}
		b.Spent = b.Spent.Add(e.Amount)
		balances[e.PaidBy] = b
	}

	for id, b := range balances {
		b.Deposited = b.Deposited.Round()
		b.Spent = b.Spent.Round()
		b.Net = b.Deposited.Sub(b.Spent)
		balances[id] = b
	}

	return balances, nil
}

// PoolBalance returns the event's pooled funds: completed deposits minus
// expenses drawn so far. Used to gate payments and for the wallet view.
func (a *Aggregator) PoolBalance(ctx context.Context, eventID EventID) (Amount, error) {
	deposits, err := a.Reader.ListDeposits(ctx, eventID)
	if err != nil {
		return Amount{}, err
	}
	expenses, err := a.Reader.ListExpenses(ctx, eventID)
	if err != nil {
		return Amount{}, err
	}

	pool := NewAmountFromInt(0, CurrencyUSD)
	for _, d := range deposits {
		if d.Status == DepositCompleted {
			pool = pool.Add(d.Amount)
		}
	}
	for _, e := range expenses {
		pool = pool.Sub(e.Amount)
	}
	return pool.Round(), nil
}

// CategoryTotals returns the derived spent aggregate per category.
// Uncategorized expenses are not represented.
func (a *Aggregator) CategoryTotals(ctx context.Context, eventID EventID) (map[CategoryID]Amount, error) {
	expenses, err := a.Reader.ListExpenses(ctx, eventID)
	if err != nil {
		return nil, err
	}

	totals := make(map[CategoryID]Amount)
	for _, e := range expenses {
		if e.CategoryID == nil {
			continue
		}
		total, ok := totals[*e.CategoryID]
		if !ok {
			total = NewAmountFromInt(0, CurrencyUSD)
		}
		totals[*e.CategoryID] = total.Add(e.Amount)
	}
	for id, t := range totals {
		totals[id] = t.Round()
	}
	return totals, nil
}
