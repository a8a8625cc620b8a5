package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// ErrQuoteNotFound is returned when no live quote covers the requested pair
// and rate.
var ErrQuoteNotFound = errors.New("quote not found")

// Quote is a rate offer valid until ExpiresAt. A live quote guarantees its
// rate to the caller even if the provider rate drifts in the meantime.
type Quote struct {
	ID           string          `json:"id"`
	FromCurrency string          `json:"from_currency"`
	ToCurrency   string          `json:"to_currency"`
	Rate         decimal.Decimal `json:"rate"`
	FromAmount   decimal.Decimal `json:"from_amount"`
	ToAmount     decimal.Decimal `json:"to_amount"`
	ExpiresAt    time.Time       `json:"expires_at"`
	CreatedAt    time.Time       `json:"created_at"`
}

// QuoteStore holds issued quotes for their validity window, indexed by the
// (pair, rate) the caller will present back at exchange time.
type QuoteStore interface {
	Put(ctx context.Context, q *Quote, ttl time.Duration) error
	FindByRate(ctx context.Context, from, to string, rate decimal.Decimal) (*Quote, error)
}

// RedisQuoteStore keeps quotes in Redis with the validity window as TTL, so
// expired quotes vanish without a sweeper.
type RedisQuoteStore struct {
	client goredis.UniversalClient
}

// NewRedisQuoteStore wraps the shared Redis client.
func NewRedisQuoteStore(client goredis.UniversalClient) *RedisQuoteStore {
	return &RedisQuoteStore{client: client}
}

func quoteKey(from, to string, rate decimal.Decimal) string {
	return fmt.Sprintf("exchange:quote:%s:%s:%s", from, to, rate.String())
}

func (s *RedisQuoteStore) Put(ctx context.Context, q *Quote, ttl time.Duration) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshal quote: %w", err)
	}
	return s.client.Set(ctx, quoteKey(q.FromCurrency, q.ToCurrency, q.Rate), data, ttl).Err()
}

func (s *RedisQuoteStore) FindByRate(ctx context.Context, from, to string, rate decimal.Decimal) (*Quote, error) {
	data, err := s.client.Get(ctx, quoteKey(from, to, rate)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrQuoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get quote: %w", err)
	}
	var q Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("unmarshal quote: %w", err)
	}
	return &q, nil
}

// MemoryQuoteStore is an in-process QuoteStore for tests. Expiry is enforced
// by the engine against its clock, not by the store.
type MemoryQuoteStore struct {
	mu     sync.Mutex
	quotes map[string]*Quote
}

// NewMemoryQuoteStore returns an empty in-memory quote store.
func NewMemoryQuoteStore() *MemoryQuoteStore {
	return &MemoryQuoteStore{quotes: make(map[string]*Quote)}
}

func (s *MemoryQuoteStore) Put(ctx context.Context, q *Quote, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *q
	s.quotes[quoteKey(q.FromCurrency, q.ToCurrency, q.Rate)] = &c
	return nil
}

func (s *MemoryQuoteStore) FindByRate(ctx context.Context, from, to string, rate decimal.Decimal) (*Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[quoteKey(from, to, rate)]
	if !ok {
		return nil, ErrQuoteNotFound
	}
	c := *q
	return &c, nil
}
