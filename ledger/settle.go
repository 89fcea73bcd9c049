/*
settle.go - Terminal settlement math

PURPOSE:
  Given final aggregated balances, computes each participant's final
  share and refund/owed amount. This is the only place settlement math
  lives.

THE MATH:
  finalShare = spent             (what they consumed from the pool)
  refund     = max(0, deposited - spent)
  owed       = max(0, spent - deposited)

  Refund is clamped at zero; a participant in deficit surfaces a
  non-negative Owed figure, never a negative refund.

DETERMINISM:
  Pure function, output sorted by participant ID. Identical balances
  produce byte-identical output, so the settlement step can be replayed
  safely after a partial persistence failure.

SCOPE:
  Settlement is whole-event. Per-category proportional splitting is a
  known extension but is deliberately not computed here; category totals
  exist for budgeting display only. No division happens in this file, so
  sums of cent-precision inputs stay at cent precision and there is no
  rounding remainder to allocate.
*/
package ledger

import "sort"

// Settle computes the settlement record for every participant in the
// balance map, including zero-activity participants.
func Settle(balances map[ParticipantID]Balance) []SettlementResult {
	results := make([]SettlementResult, 0, len(balances))

	for id, b := range balances {
		deposited := b.Deposited.Round()
		spent := b.Spent.Round()
		zero := deposited.Zero()

		refund := deposited.Sub(spent)
		owed := zero
		if refund.IsNegative() {
			owed = refund.Neg()
			refund = zero
		}

		results = append(results, SettlementResult{
			ParticipantID: id,
			FinalShare:    spent,
			Deposited:     deposited,
			Refund:        refund,
			Owed:          owed,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].ParticipantID < results[j].ParticipantID
	})
	return results
}
