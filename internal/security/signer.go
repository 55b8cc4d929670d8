// Package security owns credential handling and request signing. A Signer is
// constructed with exactly one signing scheme and never switches at runtime.
package security

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"agent-wallet/internal/core"
)

// Scheme identifies the signing algorithm bound to a Signer.
type Scheme string

const (
	SchemeHMAC    Scheme = "hmac-sha256"
	SchemeEd25519 Scheme = "ed25519"
)

// Params is an ordered parameter list. HMAC signs the sorted url-encoded
// form; Ed25519 signs the raw pairs in insertion order, so order must be
// preserved through signing.
type Params struct {
	keys   []string
	values map[string]string
}

func NewParams() *Params {
	return &Params{values: make(map[string]string)}
}

// Set adds or replaces a parameter. First insertion fixes its position.
func (p *Params) Set(key, value string) *Params {
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
	return p
}

func (p *Params) Get(key string) string {
	return p.values[key]
}

func (p *Params) Has(key string) bool {
	_, ok := p.values[key]
	return ok
}

// Encode returns the sorted url-encoded form, as the exchange expects for
// HMAC verification.
func (p *Params) Encode() string {
	v := url.Values{}
	for key, value := range p.values {
		v.Set(key, value)
	}
	return v.Encode()
}

// Join returns "k=v&k=v" in insertion order without escaping. This is the
// Ed25519 signing payload.
func (p *Params) Join() string {
	pairs := make([]string, 0, len(p.keys))
	for _, key := range p.keys {
		pairs = append(pairs, key+"="+p.values[key])
	}
	return strings.Join(pairs, "&")
}

// EncodeOrdered url-escapes pairs in insertion order. Ed25519 requests must
// be transmitted in the order they were signed.
func (p *Params) EncodeOrdered() string {
	var b strings.Builder
	for i, key := range p.keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.values[key]))
	}
	return b.String()
}

// Values converts to url.Values for the transport layer.
func (p *Params) Values() url.Values {
	v := url.Values{}
	for key, value := range p.values {
		v.Set(key, value)
	}
	return v
}

// Signer signs request payloads with the scheme fixed at construction.
type Signer struct {
	scheme     Scheme
	apiKey     string
	hmacSecret []byte
	ed25519Key ed25519.PrivateKey
	now        func() time.Time
}

// NewHMACSigner builds an HMAC-SHA256 signer. Credentials are validated up
// front so a misconfigured process fails at startup, not on the first order.
func NewHMACSigner(apiKey, secret string, production bool) (*Signer, error) {
	if err := validateCredential("api key", apiKey, production); err != nil {
		return nil, err
	}
	if err := validateCredential("api secret", secret, production); err != nil {
		return nil, err
	}
	return &Signer{
		scheme:     SchemeHMAC,
		apiKey:     apiKey,
		hmacSecret: []byte(secret),
		now:        time.Now,
	}, nil
}

// NewEd25519Signer builds an Ed25519 signer from a private key file. The key
// may be PEM PKCS8, base64, or raw bytes.
func NewEd25519Signer(apiKey, keyPath string, production bool) (*Signer, error) {
	if err := validateCredential("api key", apiKey, production); err != nil {
		return nil, err
	}
	key, err := LoadEd25519PrivateKey(keyPath)
	if err != nil {
		return nil, err
	}
	return &Signer{
		scheme:     SchemeEd25519,
		apiKey:     apiKey,
		ed25519Key: key,
		now:        time.Now,
	}, nil
}

func (s *Signer) Scheme() Scheme { return s.scheme }

func (s *Signer) APIKey() string { return s.apiKey }

// Sign produces the signature for params. HMAC output is lowercase hex of
// the sorted encoding; Ed25519 output is base64 of the signature over the
// insertion-ordered pairs.
func (s *Signer) Sign(params *Params) (string, error) {
	switch s.scheme {
	case SchemeHMAC:
		mac := hmac.New(sha256.New, s.hmacSecret)
		mac.Write([]byte(params.Encode()))
		return hex.EncodeToString(mac.Sum(nil)), nil
	case SchemeEd25519:
		sig := ed25519.Sign(s.ed25519Key, []byte(params.Join()))
		return base64.StdEncoding.EncodeToString(sig), nil
	}
	return "", fmt.Errorf("%w: no scheme configured", core.ErrSigning)
}

// SignedParams stamps the millisecond timestamp, then appends the signature
// as the final parameter. The input is mutated and returned.
func (s *Signer) SignedParams(params *Params) (*Params, error) {
	params.Set("timestamp", strconv.FormatInt(s.now().UnixMilli(), 10))
	sig, err := s.Sign(params)
	if err != nil {
		return nil, err
	}
	params.Set("signature", sig)
	return params, nil
}

// NewClientOrderID generates a unique client order id: prefix, millisecond
// timestamp and a short random suffix.
func (s *Signer) NewClientOrderID(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%d%s", prefix, s.now().UnixMilli(), suffix)
}

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,10}(USDT|USD|BTC|ETH|BNB)$`)

// ValidateOrderPayload rejects obviously malformed order parameters before
// they are signed. Signing a bad payload wastes a request and leaks intent.
func ValidateOrderPayload(symbol string, side core.Side, qty decimal.Decimal) error {
	if !symbolPattern.MatchString(symbol) {
		return fmt.Errorf("%w: malformed symbol %q", core.ErrValidation, symbol)
	}
	if side != core.Buy && side != core.Sell {
		return fmt.Errorf("%w: invalid side %q", core.ErrValidation, side)
	}
	if qty.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: quantity must be positive", core.ErrValidation)
	}
	return nil
}

// validateCredential enforces minimum credential strength. Production keys
// must be at least 32 characters; shorter keys are accepted only when they
// carry an explicit test marker.
func validateCredential(name, value string, production bool) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("%w: %s is empty", core.ErrSigning, name)
	}
	if len(value) >= 32 {
		return nil
	}
	if production {
		return fmt.Errorf("%w: %s too short for production (%d chars, need 32)", core.ErrSigning, name, len(value))
	}
	lower := strings.ToLower(value)
	if len(value) >= 8 && (strings.Contains(lower, "test") || strings.Contains(lower, "demo") || strings.Contains(lower, "paper")) {
		return nil
	}
	return fmt.Errorf("%w: %s too short (%d chars)", core.ErrSigning, name, len(value))
}
