package generichook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/claimlink/payout-service/internal/provider"
	"github.com/google/uuid"
)

func validSignature(t *testing.T, secret, header string, body []byte) bool {
	t.Helper()
	parts := strings.SplitN(header, ",", 2)
	if len(parts) != 2 {
		return false
	}
	timestamp := strings.TrimPrefix(parts[0], "t=")
	gotSig := strings.TrimPrefix(parts[1], "v0=")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "." + string(body)))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(gotSig), []byte(want))
}

func TestDispatchSignsAndMapsResponse(t *testing.T) {
	const secret = "hook-secret"
	var received payoutInstruction

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !validSignature(t, secret, r.Header.Get("X-Webhook-Signature"), body) {
			t.Error("instruction was not signed correctly")
		}
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("unmarshal instruction: %v", err)
		}
		json.NewEncoder(w).Encode(instructionResponse{Status: "completed", Reference: "hook-ref-1"})
	}))
	defer server.Close()

	rail := New("webhook", server.URL, secret, 5*time.Second)
	result := rail.Dispatch(context.Background(), provider.PhaseExecute, provider.PayoutRequest{
		TransferID:     uuid.New(),
		Method:         "bank",
		AmountUsdc:     1_000_000,
		Reference:      "bank:attempt:1",
		TreasuryTxHash: "0xsettled",
		Recipient:      provider.RecipientContext{ContactHash: "abc123"},
	})

	if result.Status != provider.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s (%s)", result.Status, result.FailureReason)
	}
	if result.ProviderReference != "hook-ref-1" {
		t.Errorf("expected remote reference, got %q", result.ProviderReference)
	}
	if received.TreasuryTxHash != "0xsettled" {
		t.Errorf("instruction missing treasury tx hash, got %q", received.TreasuryTxHash)
	}
	if received.Phase != "execute" {
		t.Errorf("expected execute phase, got %q", received.Phase)
	}
}

func TestDispatchStatusMapping(t *testing.T) {
	testCases := []struct {
		name       string
		response   instructionResponse
		httpStatus int
		want       provider.Status
	}{
		{name: "completed", response: instructionResponse{Status: "completed"}, httpStatus: 200, want: provider.StatusSuccess},
		{name: "accepted is processing", response: instructionResponse{Status: "accepted", Eta: "1 day"}, httpStatus: 200, want: provider.StatusProcessing},
		{name: "fallback hint", response: instructionResponse{Status: "fallback"}, httpStatus: 200, want: provider.StatusFallbackRequired},
		{name: "rejected", response: instructionResponse{Status: "rejected", Reason: "no balance"}, httpStatus: 200, want: provider.StatusFailed},
		{name: "server error", response: instructionResponse{}, httpStatus: 500, want: provider.StatusFailed},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.httpStatus)
				json.NewEncoder(w).Encode(tc.response)
			}))
			defer server.Close()

			rail := New("webhook", server.URL, "secret", 5*time.Second)
			result := rail.Dispatch(context.Background(), provider.PhaseExecute, provider.PayoutRequest{
				TransferID: uuid.New(),
				Method:     "bank",
				Reference:  "ref",
			})
			if result.Status != tc.want {
				t.Errorf("expected %s, got %s", tc.want, result.Status)
			}
		})
	}
}

func TestUnconfiguredRailFailsEligibility(t *testing.T) {
	rail := New("webhook", "", "", time.Second)
	result := rail.CheckEligibility(context.Background(), provider.PayoutRequest{})
	if result.Status != provider.StatusFailed {
		t.Fatalf("expected FAILED, got %s", result.Status)
	}
	if result.FailureCode != provider.CodeProviderNotConfigured {
		t.Errorf("expected PROVIDER_NOT_CONFIGURED, got %s", result.FailureCode)
	}
}
