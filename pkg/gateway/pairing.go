// Package gateway provides the HTTP ingress surface: health, pairing,
// signed webhooks, and the websocket stream.
package gateway

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// Pairing parameters.
const (
	pairingCodeTTL   = 5 * time.Minute
	maxFailedPairs   = 5
	pairingLockout   = 300 * time.Second
	tokenBytes       = 32
	tokenHashPrefix  = 12
)

// Pairing errors.
var (
	ErrPairingRequired = errors.New("pairing required")
	ErrBadPairingCode  = errors.New("invalid pairing code")
	ErrPairingLockout  = errors.New("pairing locked out")
	ErrBadToken        = errors.New("invalid bearer token")
)

// Pairing manages the interactive pairing flow. The issued bearer token is
// stored only as a SHA-256 hash; the raw token exists once, in the pairing
// response.
type Pairing struct {
	mu          sync.Mutex
	code        string
	codeExpires time.Time
	tokenHashes map[string]bool // hex(sha256(token)) → valid
	failures    int
	lockedUntil time.Time
	now         func() time.Time
}

// NewPairing creates the pairing manager.
func NewPairing() *Pairing {
	return &Pairing{tokenHashes: make(map[string]bool), now: time.Now}
}

// IssueCode mints a fresh 6-digit code for interactive confirmation and
// returns it for display on the local console.
func (p *Pairing) IssueCode() (string, time.Time, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("pairing code: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.code = fmt.Sprintf("%06d", n.Int64())
	p.codeExpires = p.now().Add(pairingCodeTTL)
	return p.code, p.codeExpires, nil
}

// Confirm exchanges a pairing code for a bearer token. Five failed attempts
// lock the endpoint for 300 seconds. Comparison is constant-time.
func (p *Pairing) Confirm(code string) (token, hashPrefix string, expires time.Time, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if now.Before(p.lockedUntil) {
		return "", "", time.Time{}, ErrPairingLockout
	}
	if p.code == "" || now.After(p.codeExpires) {
		return "", "", time.Time{}, ErrBadPairingCode
	}

	if subtle.ConstantTimeCompare([]byte(code), []byte(p.code)) != 1 {
		p.failures++
		if p.failures >= maxFailedPairs {
			p.lockedUntil = now.Add(pairingLockout)
			p.failures = 0
		}
		return "", "", time.Time{}, ErrBadPairingCode
	}

	// Code consumed; issue a high-entropy token.
	p.code = ""
	p.failures = 0

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", time.Time{}, fmt.Errorf("pairing token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(token))
	hash := hex.EncodeToString(sum[:])
	p.tokenHashes[hash] = true

	return token, hash[:tokenHashPrefix], now.Add(365 * 24 * time.Hour), nil
}

// Verify checks a presented bearer token in constant time.
func (p *Pairing) Verify(token string) error {
	sum := sha256.Sum256([]byte(token))
	presented := hex.EncodeToString(sum[:])

	p.mu.Lock()
	defer p.mu.Unlock()
	for stored := range p.tokenHashes {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(stored)) == 1 {
			return nil
		}
	}
	return ErrBadToken
}

// HasTokens reports whether any pairing has completed.
func (p *Pairing) HasTokens() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tokenHashes) > 0
}
