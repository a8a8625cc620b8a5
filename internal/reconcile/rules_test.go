package reconcile

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledgerworks/pkg/models"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ruleOf(mt models.MatchType) *models.ReconciliationRule {
	return &models.ReconciliationRule{
		ID:         "rule-1",
		BusinessID: "biz-1",
		Name:       "test rule",
		MatchType:  mt,
		Active:     true,
	}
}

func txnOf(amount string) *models.Transaction {
	completed := time.Date(2025, 6, 10, 14, 30, 0, 0, time.UTC)
	return &models.Transaction{
		ID:          "txn-1",
		WalletID:    "wallet-1",
		Type:        models.TxnCredit,
		Amount:      dec(amount),
		Currency:    "INR",
		Status:      models.TxnCompleted,
		CreatedAt:   completed.Add(-time.Hour),
		CompletedAt: &completed,
	}
}

func recordOf(amount string) *models.ExternalRecord {
	return &models.ExternalRecord{
		ID:          "rec-1",
		BusinessID:  "biz-1",
		Source:      "hdfc",
		ExternalRef: "UTR-100",
		Amount:      dec(amount),
		Currency:    "INR",
		RecordDate:  time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC),
	}
}

func TestExactMatchRequiresReferenceAndAmount(t *testing.T) {
	rule := ruleOf(models.MatchExact)

	txn := txnOf("500.00")
	txn.ReferenceID = "UTR-100"
	c, ok := evaluateRule(rule, txn, recordOf("500.00"))
	if !ok {
		t.Fatal("expected exact candidate")
	}
	if c.status != models.MatchMatched || !c.confidence.Equal(dec("1")) || !c.delta.IsZero() {
		t.Fatalf("unexpected candidate: status=%s confidence=%s delta=%s", c.status, c.confidence, c.delta)
	}

	if _, ok := evaluateRule(rule, txn, recordOf("499.99")); ok {
		t.Fatal("exact rule matched despite amount mismatch")
	}

	other := recordOf("500.00")
	other.ExternalRef = "UTR-999"
	if _, ok := evaluateRule(rule, txn, other); ok {
		t.Fatal("exact rule matched despite reference mismatch")
	}

	noref := txnOf("500.00")
	if _, ok := evaluateRule(rule, noref, recordOf("500.00")); ok {
		t.Fatal("exact rule matched a transaction without a reference")
	}
}

func TestReferenceMatchFlagsAmountMismatch(t *testing.T) {
	rule := ruleOf(models.MatchReference)
	txn := txnOf("500.00")
	txn.ReferenceID = "UTR-100"

	c, ok := evaluateRule(rule, txn, recordOf("500.00"))
	if !ok || c.status != models.MatchMatched {
		t.Fatalf("expected matched, got ok=%v status=%s", ok, c.status)
	}

	c, ok = evaluateRule(rule, txn, recordOf("480.00"))
	if !ok {
		t.Fatal("expected manual review candidate")
	}
	if c.status != models.MatchManualReview {
		t.Fatalf("status = %s, want MANUAL_REVIEW", c.status)
	}
	if !c.delta.Equal(dec("20.00")) {
		t.Fatalf("delta = %s, want 20.00", c.delta)
	}
	if c.note == "" {
		t.Fatal("manual review candidate carries no note")
	}
}

func TestAmountDateTolerances(t *testing.T) {
	rule := ruleOf(models.MatchAmountDate)
	rule.AmountTolerance = dec("1.00")
	rule.DateToleranceDays = 2
	txn := txnOf("500.00")

	rec := recordOf("499.50")
	rec.RecordDate = time.Date(2025, 6, 11, 0, 0, 0, 0, time.UTC)
	c, ok := evaluateRule(rule, txn, rec)
	if !ok {
		t.Fatal("expected match within tolerances")
	}
	if c.status != models.MatchMatched || !c.delta.Equal(dec("0.50")) {
		t.Fatalf("unexpected candidate: status=%s delta=%s", c.status, c.delta)
	}

	// Boundary values still qualify.
	edge := recordOf("499.00")
	edge.RecordDate = time.Date(2025, 6, 12, 0, 0, 0, 0, time.UTC)
	if _, ok := evaluateRule(rule, txn, edge); !ok {
		t.Fatal("boundary tolerance rejected")
	}

	if _, ok := evaluateRule(rule, txn, recordOf("450.00")); ok {
		t.Fatal("matched despite a 50 rupee discrepancy")
	}

	late := recordOf("500.00")
	late.RecordDate = time.Date(2025, 6, 13, 0, 0, 0, 0, time.UTC)
	if _, ok := evaluateRule(rule, txn, late); ok {
		t.Fatal("matched despite date outside tolerance")
	}
}

func TestCurrencyMismatchNeverMatches(t *testing.T) {
	txn := txnOf("500.00")
	txn.ReferenceID = "UTR-100"
	rec := recordOf("500.00")
	rec.Currency = "USD"

	for _, mt := range []models.MatchType{models.MatchExact, models.MatchReference, models.MatchAmountDate, models.MatchFuzzy} {
		rule := ruleOf(mt)
		rule.AmountTolerance = dec("1000")
		rule.DateToleranceDays = 30
		if _, ok := evaluateRule(rule, txn, rec); ok {
			t.Fatalf("%s rule matched across currencies", mt)
		}
	}
}

func TestSignedStatementAmounts(t *testing.T) {
	rule := ruleOf(models.MatchExact)
	txn := txnOf("500.00")
	txn.Type = models.TxnDebit
	txn.ReferenceID = "UTR-100"

	rec := recordOf("-500.00")
	c, ok := evaluateRule(rule, txn, rec)
	if !ok {
		t.Fatal("signed statement amount did not match")
	}
	if !c.delta.IsZero() {
		t.Fatalf("delta = %s, want 0", c.delta)
	}
}

func TestFuzzyScoreWithDefaults(t *testing.T) {
	rule := ruleOf(models.MatchFuzzy)
	txn := txnOf("500.00")
	txn.Metadata = models.JSONB{"counterparty": "Acme Corporation"}

	rec := recordOf("500.00")
	rec.Counterparty = "ACME CORPORATION"
	c, ok := evaluateRule(rule, txn, rec)
	if !ok {
		t.Fatal("expected fuzzy match")
	}
	if !c.confidence.Equal(dec("1")) {
		t.Fatalf("confidence = %s, want 1", c.confidence)
	}

	// 0.6 amount proximity and no counterparty signal lands below the
	// default 0.75 gate: 0.5*0.6 + 0.3*1 + 0.2*0 = 0.6.
	far := recordOf("300.00")
	if _, ok := evaluateRule(rule, txnOf("500.00"), far); ok {
		t.Fatal("fuzzy matched below the confidence gate")
	}
}

func TestFuzzyScoreNormalizesCustomWeights(t *testing.T) {
	rule := ruleOf(models.MatchFuzzy)
	rule.AmountWeight = dec("2")
	rule.DateWeight = dec("1")
	rule.CounterpartyWeight = dec("1")
	txn := txnOf("500.00")

	// (2*1 + 1*1 + 1*0) / 4 = 0.75, exactly at the default gate.
	c, ok := evaluateRule(rule, txn, recordOf("500.00"))
	if !ok {
		t.Fatal("expected fuzzy match at the gate")
	}
	if !c.confidence.Equal(dec("0.75")) {
		t.Fatalf("confidence = %s, want 0.75", c.confidence)
	}

	strict := ruleOf(models.MatchFuzzy)
	strict.AmountWeight = dec("2")
	strict.DateWeight = dec("1")
	strict.CounterpartyWeight = dec("1")
	strict.MinConfidence = dec("0.95")
	if _, ok := evaluateRule(strict, txn, recordOf("500.00")); ok {
		t.Fatal("fuzzy matched below a raised confidence gate")
	}
}

func TestCounterpartySimilarity(t *testing.T) {
	cases := []struct {
		a, b string
		want string
	}{
		{"Flipkart", "flipkart", "1"},
		{"abcd", "abxd", "0.75"},
		{"acme", "", "0"},
		{"", "", "0"},
	}
	for _, tc := range cases {
		got := counterpartySimilarity(tc.a, tc.b)
		if !got.Equal(dec(tc.want)) {
			t.Fatalf("similarity(%q, %q) = %s, want %s", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestDaysApartUsesCalendarDays(t *testing.T) {
	late := time.Date(2025, 6, 10, 23, 59, 0, 0, time.UTC)
	early := time.Date(2025, 6, 11, 0, 1, 0, 0, time.UTC)
	if got := daysApart(late, early); got != 1 {
		t.Fatalf("daysApart across midnight = %d, want 1", got)
	}
	if got := daysApart(early, late); got != 1 {
		t.Fatalf("daysApart is not symmetric: %d", got)
	}
	if got := daysApart(late, late); got != 0 {
		t.Fatalf("daysApart same instant = %d, want 0", got)
	}
	if got := daysApart(late, time.Date(2025, 6, 13, 8, 0, 0, 0, time.UTC)); got != 3 {
		t.Fatalf("daysApart = %d, want 3", got)
	}
}

func TestDateProximityWindow(t *testing.T) {
	day0 := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	if got := dateProximity(day0, day0, 2); !got.Equal(dec("1")) {
		t.Fatalf("same day proximity = %s, want 1", got)
	}
	if got := dateProximity(day0, day0.AddDate(0, 0, 1), 2); !got.Equal(dec("0.5")) {
		t.Fatalf("one day proximity = %s, want 0.5", got)
	}
	if got := dateProximity(day0, day0.AddDate(0, 0, 2), 2); !got.IsZero() {
		t.Fatalf("window edge proximity = %s, want 0", got)
	}
	// A zero tolerance still distinguishes same-day from adjacent days.
	if got := dateProximity(day0, day0.AddDate(0, 0, 1), 0); !got.IsZero() {
		t.Fatalf("adjacent day proximity with zero tolerance = %s, want 0", got)
	}
}
