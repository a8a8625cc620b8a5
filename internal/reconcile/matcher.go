package reconcile

import (
	"fmt"

	"ledgerworks/pkg/models"
)

// decide picks the match outcome for one internal transaction. Rules are
// evaluated in priority order, highest first; within a priority tier every
// active rule nominates its best record and the nominations must agree.
// Returns nil with no error when nothing qualifies, which the caller
// records as UNMATCHED.
//
// The winner among a single rule's candidates is chosen by confidence,
// then smallest amount delta, then earliest record date, then record id,
// so a run over fixed inputs always assigns the same records.
func decide(txn *models.Transaction, rules []models.ReconciliationRule, records []models.ExternalRecord, consumed map[string]bool) (*candidate, error) {
	i := 0
	for i < len(rules) {
		j := i
		for j < len(rules) && rules[j].Priority == rules[i].Priority {
			j++
		}

		var winner *candidate
		for k := i; k < j; k++ {
			c := bestForRule(&rules[k], txn, records, consumed)
			if c == nil {
				continue
			}
			if winner == nil {
				winner = c
				continue
			}
			if c.record.ID != winner.record.ID || c.status != winner.status {
				return nil, fmt.Errorf("%w: rules %q and %q at priority %d decide differently for transaction %s",
					ErrRuleConflict, winner.rule.Name, c.rule.Name, rules[i].Priority, txn.ID)
			}
		}
		if winner != nil {
			return winner, nil
		}
		i = j
	}
	return nil, nil
}

// bestForRule evaluates one rule against every unconsumed record and keeps
// the highest-ranked candidate.
func bestForRule(rule *models.ReconciliationRule, txn *models.Transaction, records []models.ExternalRecord, consumed map[string]bool) *candidate {
	var best *candidate
	for idx := range records {
		rec := &records[idx]
		if consumed[rec.ID] {
			continue
		}
		c, ok := evaluateRule(rule, txn, rec)
		if !ok {
			continue
		}
		if best == nil || outranks(&c, best) {
			keep := c
			best = &keep
		}
	}
	return best
}

func outranks(a, b *candidate) bool {
	if !a.confidence.Equal(b.confidence) {
		return a.confidence.GreaterThan(b.confidence)
	}
	if !a.delta.Equal(b.delta) {
		return a.delta.LessThan(b.delta)
	}
	if !a.record.RecordDate.Equal(b.record.RecordDate) {
		return a.record.RecordDate.Before(b.record.RecordDate)
	}
	return a.record.ID < b.record.ID
}
