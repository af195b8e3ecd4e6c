// Package clock defines the small capability interfaces the governance
// kernel is wired against instead of reaching for time.Now, crypto/rand, or
// a concrete key store directly. Tests substitute fakes; production wires
// the System* implementations below.
package clock

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Source supplies the current time. Injected so FSM and budget-rollover
// tests can control the clock deterministically.
type Source interface {
	Now() time.Time
}

// Random supplies opaque random identifiers (nonces, session salts). Not
// used for instance_id, which is always a UUIDv4 via github.com/google/uuid.
type Random interface {
	Hex(n int) (string, error)
}

// KeyStore resolves a signing/verification key by kid for the A2A token
// protocol. Implementations may back onto a file, KMS, or static map; the
// kernel only depends on this interface.
type KeyStore interface {
	// SigningKey returns the private/secret key material for kid plus the
	// JWT algorithm it signs with.
	SigningKey(kid string) (key any, alg string, err error)
	// VerifyingKey returns the public/secret key material used to verify a
	// token signed by kid.
	VerifyingKey(kid string) (key any, err error)
}

// System is the real-clock Source used everywhere outside tests.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// CryptoRandom is the crypto/rand-backed Random used in production.
type CryptoRandom struct{}

func (CryptoRandom) Hex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Fixed is a Source useful in tests: it always returns the same instant
// unless advanced.
type Fixed struct {
	t time.Time
}

// NewFixed returns a Fixed clock pinned at t.
func NewFixed(t time.Time) *Fixed { return &Fixed{t: t} }

func (f *Fixed) Now() time.Time { return f.t }

// Advance moves the fixed clock forward by d.
func (f *Fixed) Advance(d time.Duration) { f.t = f.t.Add(d) }
