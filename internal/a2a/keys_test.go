package a2a

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"testing"
)

func TestDecodeRSAPublicKey_RoundTrips(t *testing.T) {
	n := base64.RawURLEncoding.EncodeToString([]byte{0x01, 0x02, 0x03, 0x04})
	e := base64.RawURLEncoding.EncodeToString([]byte{0x01, 0x00, 0x01}) // 65537

	pub, err := decodeRSAPublicKey(n, e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pub.E != 65537 {
		t.Fatalf("expected exponent 65537, got %d", pub.E)
	}
}

func TestDecodeRSAPublicKey_RejectsBadBase64(t *testing.T) {
	_, err := decodeRSAPublicKey("not-base64!!!", "AQAB")
	if err == nil {
		t.Fatal("expected an error for malformed base64 modulus")
	}
}

func TestDecodeECPublicKey_RejectsUnsupportedCurve(t *testing.T) {
	_, err := decodeECPublicKey("P-384", "x", "y")
	if err == nil {
		t.Fatal("expected an error for an unsupported curve")
	}
}

func TestDecodeECPublicKey_RoundTrips(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	x := base64.RawURLEncoding.EncodeToString(priv.PublicKey.X.Bytes())
	y := base64.RawURLEncoding.EncodeToString(priv.PublicKey.Y.Bytes())

	pub, err := decodeECPublicKey("P-256", x, y)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pub.X.Cmp(priv.PublicKey.X) != 0 || pub.Y.Cmp(priv.PublicKey.Y) != 0 {
		t.Fatal("decoded public key coordinates do not match the original")
	}
}
