package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"ledgerworks/internal/exchange"
	"ledgerworks/internal/ledger"
	"ledgerworks/internal/reconcile"
	"ledgerworks/internal/webhooks"
	"ledgerworks/pkg/logging"
)

const (
	testBusinessID  = "11111111-1111-1111-1111-111111111111"
	otherBusinessID = "22222222-2222-2222-2222-222222222222"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stubRates struct {
	mu   sync.Mutex
	rate decimal.Decimal
	err  error
}

func (s *stubRates) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate, s.err
}

func (s *stubRates) Set(rate decimal.Decimal) {
	s.mu.Lock()
	s.rate = rate
	s.mu.Unlock()
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testLogger() logging.Logger {
	l := logging.NewLoggerWithService("paymaster-test")
	l.SetOutput(io.Discard)
	return l
}

// fixture wires the handler package against in-memory engines. Webhook
// tests additionally install a sqlmock database for the dedup rows.
type fixture struct {
	router     *gin.Engine
	clock      *testClock
	rates      *stubRates
	reconStore *reconcile.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := testLogger()
	clock := newTestClock()
	rates := &stubRates{rate: dec("0.9")}

	ledgerEngine := ledger.NewEngine(ledger.NewMemoryStore(), log, ledger.WithClock(clock.Now))
	exchangeEngine := exchange.NewEngine(ledgerEngine, rates, exchange.NewMemoryQuoteStore(), log, exchange.Config{
		QuoteValidity:     time.Minute,
		SlippageTolerance: dec("0.005"),
	}, exchange.WithClock(clock.Now))
	reconStore := reconcile.NewMemoryStore()
	reconEngine := reconcile.NewEngine(reconStore, log, reconcile.WithClock(clock.Now))

	Init(nil, log, nil, Engines{
		Ledger:    ledgerEngine,
		Exchange:  exchangeEngine,
		Reconcile: reconEngine,
		Webhooks:  webhooks.NewRegistry(webhooks.WithClock(clock.Now)),
	})
	t.Cleanup(func() {
		db = nil
		ledgerEng = nil
		exchangeEng = nil
		reconEng = nil
		webhookReg = nil
		producer = nil
	})

	f := &fixture{clock: clock, rates: rates, reconStore: reconStore}
	f.router = f.routerFor(testBusinessID)
	return f
}

// routerFor registers the handler routes behind a stub auth layer that
// injects the given business scope.
func (f *fixture) routerFor(businessID string) *gin.Engine {
	r := gin.New()

	authed := r.Group("/", func(c *gin.Context) {
		c.Set("business_id", businessID)
		c.Next()
	})
	authed.POST("/wallets", CreateWallet)
	authed.GET("/wallets", ListWallets)
	authed.GET("/wallets/:id", GetWallet)
	authed.GET("/wallets/:id/balance", GetBalance)
	authed.GET("/wallets/:id/transactions", ListTransactions)
	authed.PUT("/wallets/:id/pin", SetWalletPIN)
	authed.PUT("/wallets/:id/status", SetWalletStatus)
	authed.PUT("/wallets/:id/limits", SetWalletLimits)
	authed.POST("/wallets/:id/credit", CreditWallet)
	authed.POST("/wallets/:id/debit", DebitWallet)
	authed.POST("/wallets/:id/withdrawals", CreateWithdrawal)
	authed.POST("/wallets/:id/holds", CreateHold)
	authed.GET("/holds/:id", GetHold)
	authed.POST("/holds/:id/capture", CaptureHold)
	authed.POST("/holds/:id/release", ReleaseHold)
	authed.POST("/transfers", CreateTransfer)
	authed.POST("/exchange/quote", QuoteExchange)
	authed.POST("/exchange", CreateExchange)
	authed.GET("/reconciliation/rules", ListRules)
	authed.POST("/reconciliation/rules", CreateRule)
	authed.PUT("/reconciliation/rules/:id", UpdateRule)
	authed.POST("/reconciliation/batches", StartReconciliationBatch)
	authed.GET("/reconciliation/batches/:id", GetReconciliationBatch)
	authed.GET("/reconciliation/batches/:id/matches", GetBatchMatches)
	authed.POST("/reconciliation/manual-match", ManualMatch)

	r.POST("/internal/records", IngestRecords)
	r.POST("/internal/withdrawals/:id/settle", SettleWithdrawal)
	r.POST("/webhooks/:provider", HandleProviderWebhook)
	return r
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

// createWallet provisions a funded test wallet over the HTTP surface.
func (f *fixture) createWallet(t *testing.T, cur string) string {
	t.Helper()
	w := doJSON(t, f.router, http.MethodPost, "/wallets", map[string]interface{}{"currency": cur})
	if w.Code != http.StatusCreated {
		t.Fatalf("create wallet: status %d body %s", w.Code, w.Body.String())
	}
	var wallet struct {
		ID string `json:"id"`
	}
	decodeBody(t, w, &wallet)
	if wallet.ID == "" {
		t.Fatalf("create wallet returned no id")
	}
	return wallet.ID
}

func (f *fixture) credit(t *testing.T, walletID, amount, cur, key string) {
	t.Helper()
	w := doJSON(t, f.router, http.MethodPost, "/wallets/"+walletID+"/credit", map[string]interface{}{
		"amount":          json.Number(amount),
		"currency":        cur,
		"idempotency_key": key,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("credit %s: status %d body %s", amount, w.Code, w.Body.String())
	}
}
