package a2a

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aigos/kernel/internal/clock"
)

// VerifyOptions configure one call to Verify (spec §4.3).
type VerifyOptions struct {
	RequiredIssuer           string
	RequiredAudiences        []string
	MaxClockSkew             time.Duration
	ValidateControl          bool
	RejectPaused             bool
	RejectTerminated         bool
}

// Result is the outcome of a successful verification; on failure Verify
// returns a *A2AError instead.
type Result struct {
	Payload  GovernanceBlock
	Claims   jwt.MapClaims
	Warnings []string
}

// KeySource resolves a kid to verification key material, refreshing from a
// JWKS endpoint (rate-limited to >= 60s between refreshes) when the kid is
// not in the trusted-keys cache.
type KeySource interface {
	Lookup(kid string) (KeyMaterial, bool)
	Refresh() error
}

// StaticKeySource is a KeySource backed by a fixed, preconfigured set of
// trusted keys with no JWKS refresh capability.
type StaticKeySource struct {
	keys map[string]KeyMaterial
}

// NewStaticKeySource builds a KeySource from a fixed key list.
func NewStaticKeySource(keys []KeyMaterial) *StaticKeySource {
	m := make(map[string]KeyMaterial, len(keys))
	for _, k := range keys {
		m[k.KeyID] = k
	}
	return &StaticKeySource{keys: m}
}

func (s *StaticKeySource) Lookup(kid string) (KeyMaterial, bool) {
	k, ok := s.keys[kid]
	return k, ok
}

func (s *StaticKeySource) Refresh() error { return nil }

// JWKSKeySource resolves keys from a static set first, falling back to a
// remote JWKS endpoint on miss. Refreshes are rate-limited to once per
// minRefreshInterval (spec §4.3 step 2's ">= 60s" rule) and the refreshed
// set is swapped in atomically (copy-on-write), matching spec §5's JWKS
// cache concurrency model.
type JWKSKeySource struct {
	endpoint          string
	minRefreshInterval time.Duration
	httpClient        *http.Client
	clock             clock.Source
	logger            *slog.Logger

	mu          sync.RWMutex
	keys        map[string]KeyMaterial
	lastRefresh time.Time
}

// NewJWKSKeySource builds a KeySource backed by endpoint, seeded with any
// statically trusted keys.
func NewJWKSKeySource(endpoint string, seed []KeyMaterial, clk clock.Source, logger *slog.Logger) *JWKSKeySource {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := make(map[string]KeyMaterial, len(seed))
	for _, k := range seed {
		m[k.KeyID] = k
	}
	return &JWKSKeySource{
		endpoint:           endpoint,
		minRefreshInterval: 60 * time.Second,
		httpClient:         &http.Client{Timeout: 10 * time.Second},
		clock:              clk,
		logger:             logger.With("component", "a2a.JWKSKeySource"),
		keys:               m,
	}
}

func (s *JWKSKeySource) Lookup(kid string) (KeyMaterial, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[kid]
	return k, ok
}

// jwksDoc is the minimal subset of RFC 7517 this kernel understands: HMAC
// keys shipped out-of-band are never present in a JWKS response, only
// EC/RSA public keys, which is why Refresh only ever populates verification
// (not signing) key material.
type jwksDoc struct {
	Keys []jwksKey `json:"keys"`
}

type jwksKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// Refresh fetches the JWKS document and swaps in a new key map. It is a
// no-op if called again within minRefreshInterval of the last refresh.
func (s *JWKSKeySource) Refresh() error {
	s.mu.Lock()
	if s.clock.Now().Sub(s.lastRefresh) < s.minRefreshInterval {
		s.mu.Unlock()
		return nil
	}
	s.lastRefresh = s.clock.Now()
	s.mu.Unlock()

	resp, err := s.httpClient.Get(s.endpoint)
	if err != nil {
		return fmt.Errorf("jwks fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	var doc jwksDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("jwks decode: %w", err)
	}

	next := make(map[string]KeyMaterial, len(doc.Keys))
	for _, jk := range doc.Keys {
		km, err := parseJWKSKey(jk)
		if err != nil {
			s.logger.Warn("skipping unparsable jwks key", "kid", jk.Kid, "error", err)
			continue
		}
		next[jk.Kid] = km
	}

	s.mu.Lock()
	merged := make(map[string]KeyMaterial, len(s.keys)+len(next))
	for kid, km := range s.keys {
		merged[kid] = km
	}
	for kid, km := range next {
		merged[kid] = km
	}
	s.keys = merged
	s.mu.Unlock()
	return nil
}

func parseJWKSKey(jk jwksKey) (KeyMaterial, error) {
	switch jk.Kty {
	case "RSA":
		pub, err := decodeRSAPublicKey(jk.N, jk.E)
		if err != nil {
			return KeyMaterial{}, err
		}
		return KeyMaterial{KeyID: jk.Kid, Algorithm: AlgRS256, Public: pub}, nil
	case "EC":
		pub, err := decodeECPublicKey(jk.Crv, jk.X, jk.Y)
		if err != nil {
			return KeyMaterial{}, err
		}
		return KeyMaterial{KeyID: jk.Kid, Algorithm: AlgES256, Public: pub}, nil
	default:
		return KeyMaterial{}, fmt.Errorf("unsupported jwks key type %q", jk.Kty)
	}
}

// Verifier verifies GovernanceTokens per spec §4.3's strict 8-step order.
type Verifier struct {
	keys  KeySource
	clock clock.Source
	logger *slog.Logger
}

// NewVerifier builds a Verifier.
func NewVerifier(keys KeySource, clk clock.Source, logger *slog.Logger) *Verifier {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{keys: keys, clock: clk, logger: logger.With("component", "a2a.Verifier")}
}

// Verify runs the strict verification order of spec §4.3: structural
// check, key lookup (with a single JWKS refresh-and-retry on miss),
// signature, temporal claims, issuer/audience, aigos schema, and finally
// (if requested) control-state checks.
func (v *Verifier) Verify(token string, opts VerifyOptions) (*Result, *A2AError) {
	skew := opts.MaxClockSkew
	if skew <= 0 {
		skew = 30 * time.Second
	}

	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		return nil, newA2AError(CodeInvalidFormat, "token must have 3 dot-separated segments, got %d", len(segments))
	}

	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
		Kid string `json:"kid"`
	}
	if err := decodeJWTSegment(segments[0], &header); err != nil {
		return nil, newA2AError(CodeInvalidFormat, "unreadable header: %v", err)
	}
	if header.Typ != TokenType && header.Typ != legacyTokenType {
		return nil, newA2AError(CodeInvalidFormat, "unexpected typ %q", header.Typ)
	}
	if header.Alg != string(AlgES256) && header.Alg != string(AlgRS256) && header.Alg != string(AlgHS256) {
		return nil, newA2AError(CodeInvalidFormat, "unsupported alg %q", header.Alg)
	}

	key, found := v.keys.Lookup(header.Kid)
	if !found {
		if err := v.keys.Refresh(); err == nil {
			key, found = v.keys.Lookup(header.Kid)
		}
		if !found {
			return nil, newA2AError(CodeKeyNotFound, "no trusted key for kid %q", header.Kid)
		}
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	parsedToken, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return verificationKeyFor(key)
	})
	if err != nil || parsedToken == nil {
		return nil, newA2AError(CodeInvalidSignature, "signature verification failed: %v", err)
	}

	now := v.clock.Now()
	if expFloat, ok := claims["exp"].(float64); ok {
		if now.After(time.Unix(int64(expFloat), 0).Add(skew)) {
			return nil, newA2AError(CodeExpired, "token expired")
		}
	}
	if nbfFloat, ok := claims["nbf"].(float64); ok {
		if now.Before(time.Unix(int64(nbfFloat), 0).Add(-skew)) {
			return nil, newA2AError(CodeNotYetValid, "token not yet valid")
		}
	}

	if opts.RequiredIssuer != "" {
		iss, _ := claims["iss"].(string)
		if iss != opts.RequiredIssuer {
			return nil, newA2AError(CodeInvalidIssuer, "issuer %q does not match required %q", iss, opts.RequiredIssuer)
		}
	}
	if len(opts.RequiredAudiences) > 0 {
		if !audienceMatches(claims["aud"], opts.RequiredAudiences) {
			return nil, newA2AError(CodeInvalidAudience, "audience does not contain any required value")
		}
	}

	block, err := decodeGovernanceBlock(claims["aigos"])
	if err != nil {
		return nil, newA2AError(CodeInvalidClaims, "aigos claim block invalid: %v", err)
	}

	var warnings []string
	if opts.ValidateControl {
		if opts.RejectPaused && block.Control.Paused {
			return nil, newA2AError(CodePausedAgent, "peer is paused")
		}
		if opts.RejectTerminated && block.Control.TerminationPending {
			return nil, newA2AError(CodeTerminationPending, "peer termination is pending")
		}
		if !block.Control.KillSwitchEnabled {
			warnings = append(warnings, "peer kill-switch reported disabled")
		}
	}
	if !block.Governance.GoldenThread.Verified {
		warnings = append(warnings, "golden thread not verified")
	}

	return &Result{Payload: block, Claims: claims, Warnings: warnings}, nil
}

func audienceMatches(raw interface{}, required []string) bool {
	wanted := make(map[string]struct{}, len(required))
	for _, r := range required {
		wanted[r] = struct{}{}
	}
	switch v := raw.(type) {
	case string:
		_, ok := wanted[v]
		return ok
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				if _, ok := wanted[s]; ok {
					return true
				}
			}
		}
	}
	return false
}

func decodeGovernanceBlock(raw interface{}) (GovernanceBlock, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return GovernanceBlock{}, err
	}
	var block GovernanceBlock
	if err := json.Unmarshal(data, &block); err != nil {
		return GovernanceBlock{}, err
	}
	return block, nil
}

func decodeJWTSegment(segment string, out interface{}) error {
	data, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func verificationKeyFor(key KeyMaterial) (interface{}, error) {
	switch key.Algorithm {
	case AlgHS256:
		if len(key.HMACSecret) == 0 {
			return nil, fmt.Errorf("HS256 key has no secret configured")
		}
		return key.HMACSecret, nil
	case AlgES256:
		if key.Public == nil {
			return nil, fmt.Errorf("ES256 key has no public key configured")
		}
		return key.Public, nil
	case AlgRS256:
		if key.Public == nil {
			return nil, fmt.Errorf("RS256 key has no public key configured")
		}
		return key.Public, nil
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", key.Algorithm)
	}
}
