package store

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

const testMasterKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestCipher(t *testing.T) *ContactCipher {
	t.Helper()
	cipher, err := NewContactCipher(testMasterKeyHex)
	if err != nil {
		t.Fatalf("NewContactCipher failed: %v", err)
	}
	return cipher
}

func TestNewContactCipherKeyParsing(t *testing.T) {
	testCases := []struct {
		name       string
		key        string
		wantErr    bool
		configured bool
	}{
		{name: "empty key yields unconfigured cipher", key: "", configured: false},
		{name: "whitespace only", key: "   ", configured: false},
		{name: "valid hex key", key: testMasterKeyHex, configured: true},
		{name: "valid base64 key", key: base64.StdEncoding.EncodeToString(make([]byte, 32)), configured: true},
		{name: "hex key too short", key: "deadbeef", wantErr: true},
		{name: "not hex or base64", key: "!!not-a-key!!", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cipher, err := NewContactCipher(tc.key)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected an error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cipher.Configured() != tc.configured {
				t.Errorf("Configured() = %v, want %v", cipher.Configured(), tc.configured)
			}
		})
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	cipher := newTestCipher(t)
	contact := "Recipient@Example.com"
	senderWallet := "0xAbCd000000000000000000000000000000000001"
	contactHash := HashContact(contact)

	sealed, err := cipher.Seal(contact, senderWallet, contactHash)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if sealed == contact {
		t.Fatal("sealed output equals plaintext")
	}

	opened, err := cipher.Open(sealed, senderWallet, contactHash)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if opened != contact {
		t.Errorf("round trip mismatch: got %q, want %q", opened, contact)
	}
}

func TestOpenFailsUnderDifferentContext(t *testing.T) {
	cipher := newTestCipher(t)
	contact := "+15551230000"
	contactHash := HashContact(contact)

	sealed, err := cipher.Seal(contact, "0xsender-one", contactHash)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if _, err := cipher.Open(sealed, "0xsender-two", contactHash); err == nil {
		t.Error("expected Open to fail with a different sender wallet")
	}
	if _, err := cipher.Open(sealed, "0xsender-one", HashContact("other@example.com")); err == nil {
		t.Error("expected Open to fail with a different contact hash")
	}
}

func TestSenderWalletCaseDoesNotAffectKey(t *testing.T) {
	cipher := newTestCipher(t)
	contact := "recipient@example.com"
	contactHash := HashContact(contact)

	sealed, err := cipher.Seal(contact, "0xABCDEF", contactHash)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if _, err := cipher.Open(sealed, "0xabcdef", contactHash); err != nil {
		t.Errorf("expected wallet case to be irrelevant, got %v", err)
	}
}

func TestUnconfiguredCipherReturnsSentinel(t *testing.T) {
	cipher, err := NewContactCipher("")
	if err != nil {
		t.Fatalf("NewContactCipher failed: %v", err)
	}
	if _, err := cipher.Seal("x@example.com", "0xabc", "hash"); !errors.Is(err, ErrEncryptionUnavailable) {
		t.Errorf("Seal: expected ErrEncryptionUnavailable, got %v", err)
	}
	if _, err := cipher.Open("abcd", "0xabc", "hash"); !errors.Is(err, ErrEncryptionUnavailable) {
		t.Errorf("Open: expected ErrEncryptionUnavailable, got %v", err)
	}
}

func TestHashContactNormalizes(t *testing.T) {
	a := HashContact("  Recipient@Example.COM ")
	b := HashContact("recipient@example.com")
	if a != b {
		t.Errorf("expected normalized variants to hash identically: %s vs %s", a, b)
	}
	if len(a) != 64 || strings.ToLower(a) != a {
		t.Errorf("expected lowercase hex sha256, got %q", a)
	}
}

func TestHashTokenIsExact(t *testing.T) {
	if HashToken("Token") == HashToken("token") {
		t.Error("token hashing must be case sensitive")
	}
	if len(HashToken("token")) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(HashToken("token")))
	}
}
