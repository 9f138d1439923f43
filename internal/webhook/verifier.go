/**
 * @description
 * Signature verification for inbound provider webhooks. Events arrive with a
 * `t=<timestamp>,v0=<base64 signature>` header; the signature covers the
 * string "<raw timestamp>.<raw body>" exactly as received, so the handler
 * must verify against the unparsed request body. Timestamps may be seconds
 * or milliseconds; stale events outside the tolerance window are rejected
 * before any signature work.
 *
 * Multiple public keys may be configured to allow zero-downtime key
 * rotation: verification succeeds if any configured key matches.
 *
 * @dependencies
 * - crypto/ed25519, crypto/rsa, crypto/x509, encoding/pem: Key parsing and
 *   signature verification (Ed25519 preferred, RSA PKCS#1 v1.5 accepted).
 */

package webhook

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Signature header element names.
const (
	timestampField = "t"
	signatureField = "v0"
)

// millisecondThreshold separates second from millisecond timestamps: any
// value above it cannot be a plausible seconds-since-epoch value.
const millisecondThreshold = int64(1e12)

var (
	ErrMalformedHeader  = errors.New("webhook signature header is malformed")
	ErrStaleTimestamp   = errors.New("webhook timestamp is outside the allowed tolerance")
	ErrInvalidSignature = errors.New("webhook signature does not match any configured key")
	ErrNoKeysConfigured = errors.New("no webhook public keys configured")
)

// Verifier checks webhook signatures against a set of trusted public keys.
type Verifier struct {
	keys      []crypto.PublicKey
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier parses the configured public keys. Each key may be a PEM block
// or a bare base64 DER body (PEM armor stripped by an env layer is common);
// both are accepted. Parsing fails fast so a bad key is caught at boot, not
// on the first inbound event.
func NewVerifier(configuredKeys []string, tolerance time.Duration) (*Verifier, error) {
	if tolerance <= 0 {
		tolerance = 300 * time.Second
	}
	var keys []crypto.PublicKey
	for i, raw := range configuredKeys {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		key, err := parsePublicKey(trimmed)
		if err != nil {
			return nil, fmt.Errorf("webhook public key %d: %w", i+1, err)
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, ErrNoKeysConfigured
	}
	return &Verifier{keys: keys, tolerance: tolerance, now: time.Now}, nil
}

// parsePublicKey accepts PEM or raw standard-base64 DER and returns an
// Ed25519 or RSA public key.
func parsePublicKey(input string) (crypto.PublicKey, error) {
	var der []byte
	if block, _ := pem.Decode([]byte(input)); block != nil {
		der = block.Bytes
	} else {
		compact := strings.Map(func(r rune) rune {
			if r == '\n' || r == '\r' || r == ' ' {
				return -1
			}
			return r
		}, input)
		decoded, err := base64.StdEncoding.DecodeString(compact)
		if err != nil {
			return nil, fmt.Errorf("key is neither PEM nor base64 DER: %w", err)
		}
		der = decoded
	}

	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse PKIX public key: %w", err)
	}
	switch parsed.(type) {
	case ed25519.PublicKey, *rsa.PublicKey:
		return parsed, nil
	default:
		return nil, fmt.Errorf("unsupported public key type %T", parsed)
	}
}

// Verify checks the signature header against the raw request body. The body
// must be the exact bytes read from the wire.
func (v *Verifier) Verify(signatureHeader string, rawBody []byte) error {
	rawTimestamp, signature, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return err
	}

	eventTime, err := parseEventTimestamp(rawTimestamp)
	if err != nil {
		return err
	}
	if drift := v.now().Sub(eventTime); drift > v.tolerance || drift < -v.tolerance {
		return fmt.Errorf("%w: event at %s is %s from now (tolerance %s)",
			ErrStaleTimestamp, eventTime.UTC().Format(time.RFC3339), drift.Abs(), v.tolerance)
	}

	// The signed payload uses the timestamp exactly as it appeared in the
	// header, not a re-serialized form.
	payload := []byte(rawTimestamp + "." + string(rawBody))
	for _, key := range v.keys {
		if verifyWithKey(key, payload, signature) {
			return nil
		}
	}
	return ErrInvalidSignature
}

func verifyWithKey(key crypto.PublicKey, payload, signature []byte) bool {
	switch k := key.(type) {
	case ed25519.PublicKey:
		return ed25519.Verify(k, payload, signature)
	case *rsa.PublicKey:
		digest := sha256.Sum256(payload)
		return rsa.VerifyPKCS1v15(k, crypto.SHA256, digest[:], signature) == nil
	}
	return false
}

// parseSignatureHeader extracts the raw timestamp string and the decoded
// signature from a `t=...,v0=...` header. Unknown elements are ignored so
// providers can add fields without breaking verification.
func parseSignatureHeader(header string) (string, []byte, error) {
	var rawTimestamp string
	var signature []byte
	for _, element := range strings.Split(header, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(element), "=")
		if !found {
			continue
		}
		switch name {
		case timestampField:
			rawTimestamp = value
		case signatureField:
			decoded, err := base64.StdEncoding.DecodeString(value)
			if err != nil {
				return "", nil, fmt.Errorf("%w: signature is not base64", ErrMalformedHeader)
			}
			signature = decoded
		}
	}
	if rawTimestamp == "" || len(signature) == 0 {
		return "", nil, fmt.Errorf("%w: missing t or v0 element", ErrMalformedHeader)
	}
	return rawTimestamp, signature, nil
}

// parseEventTimestamp accepts seconds or milliseconds since epoch.
func parseEventTimestamp(raw string) (time.Time, error) {
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		return time.Time{}, fmt.Errorf("%w: timestamp %q is not a positive integer", ErrMalformedHeader, raw)
	}
	if value > millisecondThreshold {
		return time.UnixMilli(value), nil
	}
	return time.Unix(value, 0), nil
}
