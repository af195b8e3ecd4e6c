package a2a

import (
	"context"
	"net/http"
	"strings"

	"github.com/aigos/kernel/internal/identity"
)

// HTTP headers the A2A protocol carries (spec §4.3 "A2A HTTP headers").
const (
	HeaderToken           = "X-AIGOS-Token"
	HeaderProtocolVersion = "X-AIGOS-Protocol-Version"
	HeaderRequestID       = "X-AIGOS-Request-Id"
)

type contextKey string

const contextKeyVerifiedPeer contextKey = "a2a.verified_peer"

// VerifiedPeerFromContext returns the peer payload an inbound middleware
// attached to the request context, if any.
func VerifiedPeerFromContext(ctx context.Context) (GovernanceBlock, bool) {
	v, ok := ctx.Value(contextKeyVerifiedPeer).(GovernanceBlock)
	return v, ok
}

// InboundMiddleware wraps an http.Handler, extracting and verifying the
// caller's governance token, applying the inbound policy, and minting a
// reply token so the caller can reciprocally verify this server. Grounded
// on josephblackelite-nhbchain's Authenticator.Middleware shape (bearer
// extraction, scope/claim validation, context attachment), re-keyed onto
// the X-AIGOS-Token header and this kernel's richer payload.
type InboundMiddleware struct {
	verifier     *Verifier
	generator    *Generator
	policy       InboundPolicy
	verifyOpts   VerifyOptions
	excludePaths []string
	selfIdentity func() *identity.RuntimeIdentity
}

// NewInboundMiddleware builds an InboundMiddleware. selfIdentity is called
// once per request to obtain the identity the reply token is minted for.
func NewInboundMiddleware(verifier *Verifier, generator *Generator, policy InboundPolicy, verifyOpts VerifyOptions, excludePaths []string, selfIdentity func() *identity.RuntimeIdentity) *InboundMiddleware {
	return &InboundMiddleware{
		verifier:     verifier,
		generator:    generator,
		policy:       policy,
		verifyOpts:   verifyOpts,
		excludePaths: excludePaths,
		selfIdentity: selfIdentity,
	}
}

// Wrap returns next guarded by inbound A2A verification.
func (m *InboundMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.isExcluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get(HeaderToken)
		if token == "" {
			writeA2AError(w, newA2AError(CodeInvalidFormat, "missing %s header", HeaderToken))
			return
		}

		result, aerr := m.verifier.Verify(token, m.verifyOpts)
		if aerr != nil {
			writeA2AError(w, aerr)
			return
		}

		if ok, reason := m.policy.Evaluate(result.Payload); !ok {
			writeA2AError(w, newA2AError(CodePolicyViolation, "%s", reason))
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyVerifiedPeer, result.Payload)
		r = r.WithContext(ctx)

		if m.generator != nil && m.selfIdentity != nil {
			if id := m.selfIdentity(); id != nil {
				if reply, _, _, err := m.generator.Generate(id, GenerateOptions{}); err == nil {
					w.Header().Set(HeaderToken, reply)
				}
			}
		}
		w.Header().Set(HeaderProtocolVersion, "1")

		next.ServeHTTP(w, r)
	})
}

func (m *InboundMiddleware) isExcluded(path string) bool {
	for _, p := range m.excludePaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func writeA2AError(w http.ResponseWriter, aerr *A2AError) {
	status := http.StatusUnauthorized
	if aerr.Code == CodePolicyViolation {
		status = http.StatusForbidden
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"code":"` + aerr.Code + `","message":"` + escapeJSON(aerr.Message) + `"}`))
}

func escapeJSON(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// OutboundMiddleware wraps an http.RoundTripper, minting a token for the
// target host, verifying the server's reply token, and applying the
// outbound policy pre- and post-flight.
type OutboundMiddleware struct {
	generator    *Generator
	verifier     *Verifier
	policy       OutboundPolicy
	verifyOpts   VerifyOptions
	selfIdentity func() *identity.RuntimeIdentity
	next         http.RoundTripper
}

// NewOutboundMiddleware builds an OutboundMiddleware wrapping next (or
// http.DefaultTransport if nil).
func NewOutboundMiddleware(generator *Generator, verifier *Verifier, policy OutboundPolicy, verifyOpts VerifyOptions, selfIdentity func() *identity.RuntimeIdentity, next http.RoundTripper) *OutboundMiddleware {
	if next == nil {
		next = http.DefaultTransport
	}
	return &OutboundMiddleware{generator: generator, verifier: verifier, policy: policy, verifyOpts: verifyOpts, selfIdentity: selfIdentity, next: next}
}

// RoundTrip implements http.RoundTripper.
func (m *OutboundMiddleware) RoundTrip(req *http.Request) (*http.Response, error) {
	if ok, reason := m.policy.PreflightCheck(req.URL); !ok {
		return nil, newA2AError(CodePolicyViolation, "%s", reason)
	}

	var callerMode string
	id := m.selfIdentity()
	if id != nil {
		callerMode = string(id.Mode)
		token, _, _, err := m.generator.Generate(id, GenerateOptions{Audience: []string{req.URL.Hostname()}})
		if err != nil {
			return nil, err
		}
		req.Header.Set(HeaderToken, token)
	}
	req.Header.Set(HeaderProtocolVersion, "1")
	req.Header.Set(HeaderRequestID, newJTI())

	resp, err := m.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	replyToken := resp.Header.Get(HeaderToken)
	if replyToken == "" {
		return resp, nil
	}

	result, aerr := m.verifier.Verify(replyToken, m.verifyOpts)
	if aerr != nil {
		return resp, aerr
	}
	if ok, reason := m.policy.PostflightCheck(req.URL, result.Payload, callerMode); !ok {
		return resp, newA2AError(CodePolicyViolation, "%s", reason)
	}
	return resp, nil
}
