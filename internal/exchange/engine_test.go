package exchange

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgerworks/internal/ledger"
	"ledgerworks/pkg/logging"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeRates struct {
	mu    sync.Mutex
	rates map[string]decimal.Decimal
	err   error
	calls int
}

func (f *fakeRates) set(from, to, rate string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rates == nil {
		f.rates = make(map[string]decimal.Decimal)
	}
	f.rates[from+"/"+to] = decimal.RequireFromString(rate)
}

func (f *fakeRates) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return decimal.Zero, f.err
	}
	r, ok := f.rates[from+"/"+to]
	if !ok {
		return decimal.Zero, errors.New("no rate configured")
	}
	return r, nil
}

func testExchange(t *testing.T) (*Engine, *ledger.Engine, *fakeRates, *fakeClock) {
	t.Helper()
	logger := logging.NewLoggerWithService("exchange-test")
	logger.SetOutput(io.Discard)
	clock := newFakeClock()
	le := ledger.NewEngine(ledger.NewMemoryStore(), logger, ledger.WithClock(clock.Now))
	rates := &fakeRates{}
	e := NewEngine(le, rates, NewMemoryQuoteStore(), logger, Config{}, WithClock(clock.Now))
	return e, le, rates, clock
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func fundWallet(t *testing.T, le *ledger.Engine, businessID, cur, amount string) string {
	t.Helper()
	ctx := context.Background()
	w, err := le.EnsureWallet(ctx, businessID, cur)
	if err != nil {
		t.Fatalf("ensure wallet: %v", err)
	}
	if _, err := le.Credit(ctx, ledger.MutationArgs{
		WalletID:       w.ID,
		Amount:         dec(amount),
		Currency:       cur,
		IdempotencyKey: "seed-" + cur,
	}); err != nil {
		t.Fatalf("seed credit: %v", err)
	}
	return w.ID
}

func TestQuoteIssuesRateWithWindow(t *testing.T) {
	e, _, rates, clock := testExchange(t)
	rates.set("INR", "USD", "0.012")

	q, err := e.Quote(context.Background(), "inr", "usd", dec("1000"))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !q.Rate.Equal(dec("0.012")) || !q.ToAmount.Equal(dec("12")) {
		t.Fatalf("quote rate %s to_amount %s", q.Rate, q.ToAmount)
	}
	if got := q.ExpiresAt.Sub(clock.Now()); got != 60*time.Second {
		t.Fatalf("expected 60s validity, got %s", got)
	}
	if q.FromCurrency != "INR" || q.ToCurrency != "USD" {
		t.Fatalf("currencies not normalized: %s/%s", q.FromCurrency, q.ToCurrency)
	}
}

func TestQuoteRoundsToDestinationMinorUnits(t *testing.T) {
	e, _, rates, _ := testExchange(t)
	rates.set("USD", "JPY", "155.135")

	q, err := e.Quote(context.Background(), "USD", "JPY", dec("10"))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	// JPY has no minor units.
	if !q.ToAmount.Equal(dec("1551")) {
		t.Fatalf("expected 1551 JPY, got %s", q.ToAmount)
	}
}

func TestExchangeSettlesBothLegs(t *testing.T) {
	e, le, rates, _ := testExchange(t)
	ctx := context.Background()
	rates.set("INR", "USD", "0.012")
	businessID := uuid.New().String()
	srcID := fundWallet(t, le, businessID, "INR", "10000")

	q, err := e.Quote(ctx, "INR", "USD", dec("1000"))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	res, err := e.Exchange(ctx, ExchangeArgs{
		BusinessID:     businessID,
		FromCurrency:   "INR",
		ToCurrency:     "USD",
		Amount:         dec("1000"),
		ExpectedRate:   q.Rate,
		IdempotencyKey: "ex-1",
	})
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if !res.AppliedRate.Equal(dec("0.012")) {
		t.Fatalf("applied rate %s", res.AppliedRate)
	}
	if res.Out.ExchangeRate == nil || !res.Out.ExchangeRate.Equal(dec("0.012")) {
		t.Fatalf("debit leg missing exchange rate")
	}
	if res.In.CounterAmount == nil || !res.In.CounterAmount.Equal(dec("1000")) {
		t.Fatalf("credit leg missing counter amount")
	}
	if res.Out.ReferenceID != q.ID {
		t.Fatalf("expected quote id on the legs, got %q", res.Out.ReferenceID)
	}

	srcBal, _ := le.GetBalance(ctx, srcID)
	if !srcBal.Available.Equal(dec("9000")) {
		t.Fatalf("source after exchange: %s", srcBal.Available)
	}
	dst, err := le.WalletByOwner(ctx, businessID, "USD")
	if err != nil {
		t.Fatalf("destination wallet was not created: %v", err)
	}
	dstBal, _ := le.GetBalance(ctx, dst.ID)
	if !dstBal.Available.Equal(dec("12")) {
		t.Fatalf("destination after exchange: %s", dstBal.Available)
	}

	// Replay returns the same pair without converting again.
	again, err := e.Exchange(ctx, ExchangeArgs{
		BusinessID:     businessID,
		FromCurrency:   "INR",
		ToCurrency:     "USD",
		Amount:         dec("1000"),
		ExpectedRate:   q.Rate,
		IdempotencyKey: "ex-1",
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !again.Replayed || again.Out.ID != res.Out.ID {
		t.Fatalf("expected replayed exchange")
	}
	srcBal, _ = le.GetBalance(ctx, srcID)
	if !srcBal.Available.Equal(dec("9000")) {
		t.Fatalf("replay moved funds: %s", srcBal.Available)
	}
}

// Scenario: a quote at 0.012 expires after 60 seconds. Exchanging with
// that rate at 61 seconds fails RateExpired with no balance change.
func TestExchangeAfterQuoteExpiry(t *testing.T) {
	e, le, rates, clock := testExchange(t)
	ctx := context.Background()
	rates.set("INR", "USD", "0.012")
	businessID := uuid.New().String()
	srcID := fundWallet(t, le, businessID, "INR", "10000")

	q, err := e.Quote(ctx, "INR", "USD", dec("1000"))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	clock.Advance(61 * time.Second)
	rates.set("INR", "USD", "0.0125") // drifted past the 0.5% tolerance

	_, err = e.Exchange(ctx, ExchangeArgs{
		BusinessID:     businessID,
		FromCurrency:   "INR",
		ToCurrency:     "USD",
		Amount:         dec("1000"),
		ExpectedRate:   q.Rate,
		IdempotencyKey: "ex-1",
	})
	if !errors.Is(err, ErrRateExpired) {
		t.Fatalf("expected RateExpired, got %v", err)
	}
	srcBal, _ := le.GetBalance(ctx, srcID)
	if !srcBal.Available.Equal(dec("10000")) {
		t.Fatalf("failed exchange changed the balance: %s", srcBal.Available)
	}
	if _, err := le.WalletByOwner(ctx, businessID, "USD"); !errors.Is(err, ledger.ErrWalletNotFound) {
		t.Fatalf("failed exchange must not create the destination wallet")
	}
}

func TestLiveQuoteHonoredThroughDrift(t *testing.T) {
	e, le, rates, clock := testExchange(t)
	ctx := context.Background()
	rates.set("INR", "USD", "0.012")
	businessID := uuid.New().String()
	fundWallet(t, le, businessID, "INR", "10000")

	q, err := e.Quote(ctx, "INR", "USD", dec("1000"))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	// Provider drifts hard, but the quote window is still open.
	clock.Advance(30 * time.Second)
	rates.set("INR", "USD", "0.02")

	res, err := e.Exchange(ctx, ExchangeArgs{
		BusinessID:     businessID,
		FromCurrency:   "INR",
		ToCurrency:     "USD",
		Amount:         dec("1000"),
		ExpectedRate:   q.Rate,
		IdempotencyKey: "ex-1",
	})
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if !res.AppliedRate.Equal(dec("0.012")) {
		t.Fatalf("expected the quoted rate honored, applied %s", res.AppliedRate)
	}
}

func TestExchangeWithinSlippageWithoutQuote(t *testing.T) {
	e, le, rates, _ := testExchange(t)
	ctx := context.Background()
	rates.set("INR", "USD", "0.01204") // 0.33% off the expected rate
	businessID := uuid.New().String()
	fundWallet(t, le, businessID, "INR", "10000")

	res, err := e.Exchange(ctx, ExchangeArgs{
		BusinessID:     businessID,
		FromCurrency:   "INR",
		ToCurrency:     "USD",
		Amount:         dec("1000"),
		ExpectedRate:   dec("0.012"),
		IdempotencyKey: "ex-1",
	})
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	// The current rate applies, not the expected one.
	if !res.AppliedRate.Equal(dec("0.01204")) {
		t.Fatalf("applied rate %s", res.AppliedRate)
	}
	if !res.In.Amount.Equal(dec("12.04")) {
		t.Fatalf("credited %s", res.In.Amount)
	}
}

func TestExchangeValidation(t *testing.T) {
	e, le, rates, _ := testExchange(t)
	ctx := context.Background()
	rates.set("INR", "USD", "0.012")
	businessID := uuid.New().String()
	fundWallet(t, le, businessID, "INR", "1000")

	if _, err := e.Exchange(ctx, ExchangeArgs{
		BusinessID: businessID, FromCurrency: "INR", ToCurrency: "INR",
		Amount: dec("100"), ExpectedRate: dec("1"), IdempotencyKey: "ex-1",
	}); !errors.Is(err, ledger.ErrCurrencyMismatch) {
		t.Fatalf("same currency: %v", err)
	}
	if _, err := e.Exchange(ctx, ExchangeArgs{
		BusinessID: businessID, FromCurrency: "INR", ToCurrency: "XXX",
		Amount: dec("100"), ExpectedRate: dec("0.012"), IdempotencyKey: "ex-2",
	}); !errors.Is(err, ledger.ErrUnsupportedCurrency) {
		t.Fatalf("unsupported currency: %v", err)
	}
	if _, err := e.Exchange(ctx, ExchangeArgs{
		BusinessID: businessID, FromCurrency: "INR", ToCurrency: "USD",
		Amount: dec("-5"), ExpectedRate: dec("0.012"), IdempotencyKey: "ex-3",
	}); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("negative amount: %v", err)
	}
	// No wallet in the source currency.
	if _, err := e.Exchange(ctx, ExchangeArgs{
		BusinessID: uuid.New().String(), FromCurrency: "INR", ToCurrency: "USD",
		Amount: dec("100"), ExpectedRate: dec("0.012"), IdempotencyKey: "ex-4",
	}); !errors.Is(err, ledger.ErrWalletNotFound) {
		t.Fatalf("missing source wallet: %v", err)
	}
}

func TestExchangeInsufficientFunds(t *testing.T) {
	e, le, rates, _ := testExchange(t)
	ctx := context.Background()
	rates.set("INR", "USD", "0.012")
	businessID := uuid.New().String()
	srcID := fundWallet(t, le, businessID, "INR", "500")

	_, err := e.Exchange(ctx, ExchangeArgs{
		BusinessID:     businessID,
		FromCurrency:   "INR",
		ToCurrency:     "USD",
		Amount:         dec("1000"),
		ExpectedRate:   dec("0.012"),
		IdempotencyKey: "ex-1",
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected InsufficientFunds, got %v", err)
	}
	srcBal, _ := le.GetBalance(ctx, srcID)
	if !srcBal.Available.Equal(dec("500")) {
		t.Fatalf("source changed on failure: %s", srcBal.Available)
	}
}
