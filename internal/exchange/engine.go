// Package exchange quotes and settles multi-currency conversions. Rates
// come from an external provider; settlement is a two-leg atomic mutation
// through the ledger engine. No wallet lock is ever held across a rate
// fetch.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgerworks/internal/ledger"
	"ledgerworks/pkg/currency"
	"ledgerworks/pkg/logging"
	"ledgerworks/pkg/models"
)

// ErrRateExpired is returned when the presented rate is no longer honored:
// the quote's validity window passed and the current rate drifted beyond
// the slippage tolerance.
var ErrRateExpired = errors.New("rate expired")

const (
	defaultQuoteValidity = 60 * time.Second
)

// defaultSlippageTolerance allows 0.5% drift between the expected and the
// current rate before an exchange is refused.
var defaultSlippageTolerance = decimal.NewFromFloat(0.005)

// Config tunes quote validity and slippage tolerance.
type Config struct {
	QuoteValidity     time.Duration
	SlippageTolerance decimal.Decimal
}

// Engine issues quotes and executes exchanges.
type Engine struct {
	ledger    *ledger.Engine
	rates     RateProvider
	quotes    QuoteStore
	log       logging.Logger
	now       func() time.Time
	validity  time.Duration
	tolerance decimal.Decimal
}

// Option customizes engine construction.
type Option func(*Engine)

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires the exchange engine over the ledger engine, a rate
// provider and a quote store.
func NewEngine(le *ledger.Engine, rates RateProvider, quotes QuoteStore, log logging.Logger, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		ledger:    le,
		rates:     rates,
		quotes:    quotes,
		log:       log,
		now:       time.Now,
		validity:  cfg.QuoteValidity,
		tolerance: cfg.SlippageTolerance,
	}
	if e.validity <= 0 {
		e.validity = defaultQuoteValidity
	}
	if !e.tolerance.IsPositive() {
		e.tolerance = defaultSlippageTolerance
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExchangeArgs execute a conversion for one business across its wallets in
// the two currencies.
type ExchangeArgs struct {
	BusinessID     string
	FromCurrency   string
	ToCurrency     string
	Amount         decimal.Decimal
	ExpectedRate   decimal.Decimal
	IdempotencyKey string
	PIN            string
}

// ExchangeResult reports both settlement legs and the applied rate.
type ExchangeResult struct {
	ExchangeID  string
	AppliedRate decimal.Decimal
	Out         *models.Transaction
	In          *models.Transaction
	Replayed    bool
}

// Quote fetches the current rate for a pair and stores it for the validity
// window. During that window Exchange honors the quoted rate regardless of
// provider drift.
func (e *Engine) Quote(ctx context.Context, fromCur, toCur string, amount decimal.Decimal) (*Quote, error) {
	from, to, err := validatePair(fromCur, toCur)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() || !currency.HasValidPrecision(amount, from) {
		return nil, ledger.ErrInvalidAmount
	}

	rate, err := e.rates.Rate(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("fetch rate %s/%s: %w", from, to, err)
	}
	toAmount := currency.Round(amount.Mul(rate), to)
	if !toAmount.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}

	now := e.now().UTC()
	q := &Quote{
		ID:           uuid.New().String(),
		FromCurrency: from,
		ToCurrency:   to,
		Rate:         rate,
		FromAmount:   amount,
		ToAmount:     toAmount,
		ExpiresAt:    now.Add(e.validity),
		CreatedAt:    now,
	}
	if err := e.quotes.Put(ctx, q, e.validity); err != nil {
		return nil, fmt.Errorf("store quote: %w", err)
	}
	return q, nil
}

// Exchange converts funds between the business's wallets in two currencies.
// The presented rate is honored when a live quote still covers it;
// otherwise the current provider rate must sit within the slippage
// tolerance of the expected rate or the call fails with ErrRateExpired
// before any balance is touched. The destination wallet is created on
// first use.
func (e *Engine) Exchange(ctx context.Context, args ExchangeArgs) (*ExchangeResult, error) {
	from, to, err := validatePair(args.FromCurrency, args.ToCurrency)
	if err != nil {
		return nil, err
	}
	if !args.Amount.IsPositive() || !currency.HasValidPrecision(args.Amount, from) {
		return nil, ledger.ErrInvalidAmount
	}
	if !args.ExpectedRate.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}

	rate, quoteID, err := e.resolveRate(ctx, from, to, args.ExpectedRate)
	if err != nil {
		return nil, err
	}
	toAmount := currency.Round(args.Amount.Mul(rate), to)
	if !toAmount.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}

	src, err := e.ledger.WalletByOwner(ctx, args.BusinessID, from)
	if err != nil {
		return nil, err
	}
	dst, err := e.ledger.EnsureWallet(ctx, args.BusinessID, to)
	if err != nil {
		return nil, err
	}

	res, err := e.ledger.SettleExchange(ctx, ledger.ExchangeSettlementArgs{
		FromWalletID:   src.ID,
		ToWalletID:     dst.ID,
		FromAmount:     args.Amount,
		ToAmount:       toAmount,
		Rate:           rate,
		QuoteID:        quoteID,
		IdempotencyKey: args.IdempotencyKey,
		PIN:            args.PIN,
	})
	if err != nil {
		return nil, err
	}
	applied := rate
	if res.Replayed && res.Out.ExchangeRate != nil {
		applied = *res.Out.ExchangeRate
	}
	return &ExchangeResult{
		ExchangeID:  res.TransferID,
		AppliedRate: applied,
		Out:         res.Out,
		In:          res.In,
		Replayed:    res.Replayed,
	}, nil
}

// resolveRate decides which rate the exchange applies. A live quote for the
// exact pair and rate wins; without one the current provider rate applies
// if it sits within the slippage tolerance of what the caller expected.
func (e *Engine) resolveRate(ctx context.Context, from, to string, expected decimal.Decimal) (decimal.Decimal, string, error) {
	q, err := e.quotes.FindByRate(ctx, from, to, expected)
	if err == nil && e.now().UTC().Before(q.ExpiresAt) {
		return q.Rate, q.ID, nil
	}
	if err != nil && !errors.Is(err, ErrQuoteNotFound) {
		e.log.WithError(err).Warn("Quote lookup failed, falling back to live rate")
	}

	current, err := e.rates.Rate(ctx, from, to)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("fetch rate %s/%s: %w", from, to, err)
	}
	drift := current.Sub(expected).Abs().Div(expected)
	if drift.GreaterThan(e.tolerance) {
		return decimal.Zero, "", ErrRateExpired
	}
	return current, "", nil
}

func validatePair(fromCur, toCur string) (from, to string, err error) {
	from = currency.Normalize(fromCur)
	to = currency.Normalize(toCur)
	if !currency.IsSupported(from) || !currency.IsSupported(to) {
		return "", "", ledger.ErrUnsupportedCurrency
	}
	if from == to {
		return "", "", ledger.ErrCurrencyMismatch
	}
	return from, to, nil
}
