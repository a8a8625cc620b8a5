// Package webhooks is the provider-facing edge of the ledger. It
// authenticates inbound callbacks with a per-provider signature strategy
// and reduces provider payloads to canonical events the handlers can act
// on, so the boundary stays testable with synthetic secrets and bodies.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ledgerworks/pkg/config"
)

// Provider names with shipped verification strategies.
const (
	ProviderStripe   = "stripe"
	ProviderRazorpay = "razorpay"
	ProviderCashfree = "cashfree"
)

// signatureTolerance bounds how old a timestamped signature may be.
const signatureTolerance = 5 * time.Minute

// Verifier authenticates one webhook delivery against the provider's
// shared secret.
type Verifier interface {
	Verify(payload []byte, headers http.Header, secret string) bool
}

// stripeVerifier checks the Stripe-Signature scheme: the header carries
// t=<unix> and one or more v1=<hex hmac> elements, and the signed payload
// is "<t>.<body>" keyed with the endpoint secret.
type stripeVerifier struct {
	now       func() time.Time
	tolerance time.Duration
}

func (v *stripeVerifier) Verify(payload []byte, headers http.Header, secret string) bool {
	signature := headers.Get("Stripe-Signature")
	if signature == "" || secret == "" {
		return false
	}

	var timestamp string
	var signatures []string
	for _, element := range strings.Split(signature, ",") {
		parts := strings.SplitN(element, "=", 2)
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case "t":
			timestamp = parts[1]
		case "v1":
			signatures = append(signatures, parts[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if v.now().Unix()-ts > int64(v.tolerance.Seconds()) {
		return false
	}

	expected := hexHMAC([]byte(timestamp+"."+string(payload)), secret)
	for _, provided := range signatures {
		if hmac.Equal([]byte(expected), []byte(provided)) {
			return true
		}
	}
	return false
}

// razorpayVerifier checks X-Razorpay-Signature, a hex HMAC-SHA256 of the
// raw body keyed with the webhook secret.
type razorpayVerifier struct{}

func (razorpayVerifier) Verify(payload []byte, headers http.Header, secret string) bool {
	signature := headers.Get("X-Razorpay-Signature")
	if signature == "" || secret == "" {
		return false
	}
	return hmac.Equal([]byte(hexHMAC(payload, secret)), []byte(signature))
}

// cashfreeVerifier checks x-webhook-signature, a base64 HMAC-SHA256 over
// the x-webhook-timestamp header concatenated with the raw body. The
// timestamp is authenticated by its inclusion in the MAC.
type cashfreeVerifier struct{}

func (cashfreeVerifier) Verify(payload []byte, headers http.Header, secret string) bool {
	signature := headers.Get("x-webhook-signature")
	timestamp := headers.Get("x-webhook-timestamp")
	if signature == "" || timestamp == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(payload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func hexHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Registry resolves the verification strategy and shared secret for a
// provider name.
type Registry struct {
	verifiers map[string]Verifier
	secret    func(provider string) string
}

// RegistryOption customizes registry construction.
type RegistryOption func(*registryConfig)

type registryConfig struct {
	now    func() time.Time
	secret func(provider string) string
}

// WithClock overrides the clock used for signature timestamp checks.
func WithClock(now func() time.Time) RegistryOption {
	return func(c *registryConfig) { c.now = now }
}

// WithSecretSource overrides where provider secrets are read from.
func WithSecretSource(fn func(provider string) string) RegistryOption {
	return func(c *registryConfig) { c.secret = fn }
}

// NewRegistry builds the registry with the shipped provider strategies.
// Secrets default to WEBHOOK_SECRET_<PROVIDER> from the environment.
func NewRegistry(opts ...RegistryOption) *Registry {
	cfg := registryConfig{now: time.Now, secret: envSecret}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Registry{
		verifiers: map[string]Verifier{
			ProviderStripe:   &stripeVerifier{now: cfg.now, tolerance: signatureTolerance},
			ProviderRazorpay: razorpayVerifier{},
			ProviderCashfree: cashfreeVerifier{},
		},
		secret: cfg.secret,
	}
}

// Known reports whether a verification strategy exists for the provider.
func (r *Registry) Known(provider string) bool {
	_, ok := r.verifiers[provider]
	return ok
}

// Secret returns the provider's shared secret, empty when unconfigured.
func (r *Registry) Secret(provider string) string {
	return r.secret(provider)
}

// Verify authenticates one delivery. Providers without a strategy or a
// configured secret never verify.
func (r *Registry) Verify(provider string, payload []byte, headers http.Header) bool {
	v, ok := r.verifiers[provider]
	if !ok {
		return false
	}
	return v.Verify(payload, headers, r.secret(provider))
}

func envSecret(provider string) string {
	key := "WEBHOOK_SECRET_" + strings.ToUpper(strings.ReplaceAll(provider, "-", "_"))
	return config.GetEnv(key, "")
}
