package reconcile

import (
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/shopspring/decimal"

	"ledgerworks/pkg/currency"
	"ledgerworks/pkg/models"
)

// Fuzzy scoring defaults applied when a rule leaves weights or the
// confidence gate unset.
var (
	defaultAmountWeight       = decimal.NewFromFloat(0.5)
	defaultDateWeight         = decimal.NewFromFloat(0.3)
	defaultCounterpartyWeight = decimal.NewFromFloat(0.2)
	defaultMinConfidence      = decimal.NewFromFloat(0.75)
)

var one = decimal.NewFromInt(1)

// candidate is one (rule, record) pairing that qualified for a transaction.
type candidate struct {
	record     *models.ExternalRecord
	rule       *models.ReconciliationRule
	confidence decimal.Decimal
	delta      decimal.Decimal
	status     models.MatchStatus
	note       string
}

// evaluateRule applies one rule to a (transaction, record) pair. Records in
// another currency never qualify. External amounts are compared by absolute
// value since statement feeds report debits signed while ledger entries
// carry direction in their type.
func evaluateRule(rule *models.ReconciliationRule, txn *models.Transaction, rec *models.ExternalRecord) (candidate, bool) {
	if currency.Normalize(rec.Currency) != currency.Normalize(txn.Currency) {
		return candidate{}, false
	}
	recAmount := rec.Amount.Abs()
	delta := txn.Amount.Sub(recAmount).Abs()

	switch rule.MatchType {
	case models.MatchExact:
		if txn.ReferenceID == "" || txn.ReferenceID != rec.ExternalRef {
			return candidate{}, false
		}
		if !txn.Amount.Equal(recAmount) {
			return candidate{}, false
		}
		return candidate{record: rec, rule: rule, confidence: one, delta: decimal.Zero, status: models.MatchMatched}, true

	case models.MatchReference:
		if txn.ReferenceID == "" || txn.ReferenceID != rec.ExternalRef {
			return candidate{}, false
		}
		if txn.Amount.Equal(recAmount) {
			return candidate{record: rec, rule: rule, confidence: one, delta: decimal.Zero, status: models.MatchMatched}, true
		}
		return candidate{
			record:     rec,
			rule:       rule,
			confidence: one,
			delta:      delta,
			status:     models.MatchManualReview,
			note:       "reference matched with amount mismatch",
		}, true

	case models.MatchAmountDate:
		if delta.GreaterThan(rule.AmountTolerance) {
			return candidate{}, false
		}
		if daysApart(transactionDate(txn), rec.RecordDate) > rule.DateToleranceDays {
			return candidate{}, false
		}
		return candidate{record: rec, rule: rule, confidence: one, delta: delta, status: models.MatchMatched}, true

	case models.MatchFuzzy:
		score := fuzzyScore(rule, txn, rec)
		if score.LessThan(minConfidence(rule)) {
			return candidate{}, false
		}
		return candidate{record: rec, rule: rule, confidence: score, delta: delta, status: models.MatchMatched}, true
	}
	return candidate{}, false
}

// fuzzyScore combines amount, date and counterparty proximity with the
// rule's weights, normalized so custom weights stay comparable against the
// confidence gate.
func fuzzyScore(rule *models.ReconciliationRule, txn *models.Transaction, rec *models.ExternalRecord) decimal.Decimal {
	wAmount, wDate, wCounterparty := rule.AmountWeight, rule.DateWeight, rule.CounterpartyWeight
	if wAmount.IsZero() && wDate.IsZero() && wCounterparty.IsZero() {
		wAmount, wDate, wCounterparty = defaultAmountWeight, defaultDateWeight, defaultCounterpartyWeight
	}
	total := wAmount.Add(wDate).Add(wCounterparty)
	if !total.IsPositive() {
		return decimal.Zero
	}

	score := wAmount.Mul(amountProximity(txn.Amount, rec.Amount.Abs())).
		Add(wDate.Mul(dateProximity(transactionDate(txn), rec.RecordDate, rule.DateToleranceDays))).
		Add(wCounterparty.Mul(counterpartySimilarity(counterpartyOf(txn), rec.Counterparty)))
	return score.Div(total)
}

// amountProximity is 1 at equality, scaling linearly down to 0 when the
// difference reaches the larger amount.
func amountProximity(a, b decimal.Decimal) decimal.Decimal {
	if a.Equal(b) {
		return one
	}
	max := a
	if b.GreaterThan(max) {
		max = b
	}
	if !max.IsPositive() {
		return decimal.Zero
	}
	p := one.Sub(a.Sub(b).Abs().Div(max))
	if p.IsNegative() {
		return decimal.Zero
	}
	return p
}

// dateProximity is 1 when the dates fall on the same day and 0 at or past
// the rule's day window.
func dateProximity(a, b time.Time, toleranceDays int) decimal.Decimal {
	days := daysApart(a, b)
	if days == 0 {
		return one
	}
	window := toleranceDays
	if window < 1 {
		window = 1
	}
	if days >= window {
		return decimal.Zero
	}
	return one.Sub(decimal.NewFromInt(int64(days)).Div(decimal.NewFromInt(int64(window))))
}

// counterpartySimilarity is the normalized Levenshtein similarity of the two
// names, case-insensitive. Missing names carry no signal and score 0.
func counterpartySimilarity(a, b string) decimal.Decimal {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	if longest == 0 {
		return decimal.Zero
	}
	dist := levenshtein.ComputeDistance(a, b)
	return one.Sub(decimal.NewFromInt(int64(dist)).Div(decimal.NewFromInt(int64(longest))))
}

// counterpartyOf extracts the counterparty name a ledger entry carries, if
// any. Webhook-created entries record it in metadata.
func counterpartyOf(txn *models.Transaction) string {
	if txn.Metadata == nil {
		return ""
	}
	if v, ok := txn.Metadata["counterparty"].(string); ok {
		return v
	}
	return ""
}

// transactionDate is the settlement date used for date comparisons.
func transactionDate(txn *models.Transaction) time.Time {
	if txn.CompletedAt != nil {
		return *txn.CompletedAt
	}
	return txn.CreatedAt
}

// daysApart counts whole calendar days between two instants, in UTC.
func daysApart(a, b time.Time) int {
	au, bu := a.UTC(), b.UTC()
	ad := time.Date(au.Year(), au.Month(), au.Day(), 0, 0, 0, 0, time.UTC)
	bd := time.Date(bu.Year(), bu.Month(), bu.Day(), 0, 0, 0, 0, time.UTC)
	days := int(ad.Sub(bd).Hours() / 24)
	if days < 0 {
		days = -days
	}
	return days
}

func minConfidence(rule *models.ReconciliationRule) decimal.Decimal {
	if rule.MinConfidence.IsPositive() {
		return rule.MinConfidence
	}
	return defaultMinConfidence
}
