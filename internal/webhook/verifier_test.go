package webhook

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"
)

func pemEncodePublicKey(t *testing.T, pub crypto.PublicKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func base64EncodePublicKey(t *testing.T, pub crypto.PublicKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(der)
}

func signEd25519(priv ed25519.PrivateKey, rawTimestamp string, body []byte) string {
	sig := ed25519.Sign(priv, []byte(rawTimestamp+"."+string(body)))
	return fmt.Sprintf("t=%s,v0=%s", rawTimestamp, base64.StdEncoding.EncodeToString(sig))
}

func newFixedVerifier(t *testing.T, keys []string, at time.Time) *Verifier {
	t.Helper()
	v, err := NewVerifier(keys, 300*time.Second)
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}
	v.now = func() time.Time { return at }
	return v
}

func TestVerifyEd25519SecondsTimestamp(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"event":"payout.settled","reference":"bank:abc:123"}`)
	header := signEd25519(priv, strconv.FormatInt(now.Unix(), 10), body)

	v := newFixedVerifier(t, []string{pemEncodePublicKey(t, pub)}, now)
	if err := v.Verify(header, body); err != nil {
		t.Errorf("expected valid signature, got %v", err)
	}
}

func TestVerifyMillisecondTimestamp(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"event":"payout.failed"}`)
	header := signEd25519(priv, strconv.FormatInt(now.UnixMilli(), 10), body)

	v := newFixedVerifier(t, []string{pemEncodePublicKey(t, pub)}, now)
	if err := v.Verify(header, body); err != nil {
		t.Errorf("expected millisecond timestamp to verify, got %v", err)
	}
}

func TestVerifyBareBase64Key(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{}`)
	header := signEd25519(priv, strconv.FormatInt(now.Unix(), 10), body)

	v := newFixedVerifier(t, []string{base64EncodePublicKey(t, pub)}, now)
	if err := v.Verify(header, body); err != nil {
		t.Errorf("expected bare base64 key to work, got %v", err)
	}
}

func TestVerifyRSASignature(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"event":"payout.settled"}`)
	rawTimestamp := strconv.FormatInt(now.Unix(), 10)
	digest := sha256.Sum256([]byte(rawTimestamp + "." + string(body)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	header := fmt.Sprintf("t=%s,v0=%s", rawTimestamp, base64.StdEncoding.EncodeToString(sig))

	v := newFixedVerifier(t, []string{pemEncodePublicKey(t, &priv.PublicKey)}, now)
	if err := v.Verify(header, body); err != nil {
		t.Errorf("expected RSA signature to verify, got %v", err)
	}
}

func TestVerifyKeyRotation(t *testing.T) {
	oldPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	newPub, newPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"event":"payout.settled"}`)
	header := signEd25519(newPriv, strconv.FormatInt(now.Unix(), 10), body)

	v := newFixedVerifier(t, []string{
		pemEncodePublicKey(t, oldPub),
		pemEncodePublicKey(t, newPub),
	}, now)
	if err := v.Verify(header, body); err != nil {
		t.Errorf("expected the second configured key to match, got %v", err)
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{}`)
	stale := now.Add(-10 * time.Minute)
	header := signEd25519(priv, strconv.FormatInt(stale.Unix(), 10), body)

	v := newFixedVerifier(t, []string{pemEncodePublicKey(t, pub)}, now)
	err = v.Verify(header, body)
	if !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("expected ErrStaleTimestamp, got %v", err)
	}
	if !strings.Contains(err.Error(), "tolerance") {
		t.Errorf("stale rejection should state the tolerance, got %q", err.Error())
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	header := signEd25519(priv, strconv.FormatInt(now.Unix(), 10), []byte(`{"amount":100}`))

	v := newFixedVerifier(t, []string{pemEncodePublicKey(t, pub)}, now)
	if err := v.Verify(header, []byte(`{"amount":999}`)); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature for tampered body, got %v", err)
	}
}

func TestVerifyMalformedHeaders(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	v := newFixedVerifier(t, []string{pemEncodePublicKey(t, pub)}, time.Unix(1_700_000_000, 0))

	testCases := []struct {
		name   string
		header string
	}{
		{name: "empty header", header: ""},
		{name: "missing signature", header: "t=1700000000"},
		{name: "missing timestamp", header: "v0=AAAA"},
		{name: "signature not base64", header: "t=1700000000,v0=!!!"},
		{name: "timestamp not numeric", header: "t=yesterday,v0=AAAA"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := v.Verify(tc.header, []byte(`{}`)); !errors.Is(err, ErrMalformedHeader) {
				t.Errorf("expected ErrMalformedHeader, got %v", err)
			}
		})
	}
}

func TestNewVerifierRejectsEmptyKeySet(t *testing.T) {
	if _, err := NewVerifier(nil, time.Minute); !errors.Is(err, ErrNoKeysConfigured) {
		t.Errorf("expected ErrNoKeysConfigured, got %v", err)
	}
	if _, err := NewVerifier([]string{"", "  "}, time.Minute); !errors.Is(err, ErrNoKeysConfigured) {
		t.Errorf("expected ErrNoKeysConfigured for blank keys, got %v", err)
	}
}

func TestNewVerifierRejectsGarbageKey(t *testing.T) {
	if _, err := NewVerifier([]string{"not a key"}, time.Minute); err == nil {
		t.Error("expected an error for an unparseable key")
	}
}
