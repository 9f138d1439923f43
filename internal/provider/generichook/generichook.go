/**
 * @description
 * Adapter that delegates payouts to an operator-configured HTTP endpoint.
 * The payout instruction is POSTed as JSON with an HMAC-SHA256 signature
 * header over "<unix seconds>.<body>", the same envelope the service's own
 * inbound webhook surface expects, so an operator can point the rail at any
 * system that implements the scheme.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha256: Request signing.
 * - internal/provider: The rail contract.
 */

package generichook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/claimlink/payout-service/internal/provider"
)

// Rail posts payout instructions to a configured webhook URL.
type Rail struct {
	name       string
	url        string
	secret     string
	httpClient *http.Client
	now        func() time.Time
}

// New creates a generic webhook rail.
func New(name, webhookURL, secret string, timeout time.Duration) *Rail {
	if name == "" {
		name = "webhook"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Rail{
		name:       name,
		url:        webhookURL,
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

func (r *Rail) Name() string {
	return r.name
}

type payoutInstruction struct {
	TransferID     string `json:"transferId"`
	Method         string `json:"method"`
	AmountUsdc     int64  `json:"amountUsdc"`
	Reference      string `json:"reference"`
	ContactHash    string `json:"contactHash"`
	TreasuryTxHash string `json:"treasuryTxHash,omitempty"`
	Phase          string `json:"phase"`
}

type instructionResponse struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
	Eta       string `json:"eta"`
}

// CheckEligibility only verifies the rail is configured; the receiving
// system owns any recipient-level checks and reports them at dispatch time.
func (r *Rail) CheckEligibility(ctx context.Context, req provider.PayoutRequest) provider.EligibilityResult {
	if r.url == "" || r.secret == "" {
		return provider.EligibilityResult{
			Status:        provider.StatusFailed,
			FailureCode:   provider.CodeProviderNotConfigured,
			FailureReason: "generic webhook rail is missing URL or secret",
		}
	}
	return provider.EligibilityResult{Status: provider.StatusSuccess}
}

// Dispatch signs and posts the payout instruction. The remote system's
// accepted/completed/rejected reply maps onto the tagged result vocabulary.
func (r *Rail) Dispatch(ctx context.Context, phase provider.Phase, req provider.PayoutRequest) provider.DispatchResult {
	failureCode := provider.CodeBankPayoutError
	if req.Method == "debit" {
		failureCode = provider.CodeDebitPayoutError
	}

	body, err := json.Marshal(payoutInstruction{
		TransferID:     req.TransferID.String(),
		Method:         req.Method,
		AmountUsdc:     req.AmountUsdc,
		Reference:      req.Reference,
		ContactHash:    req.Recipient.ContactHash,
		TreasuryTxHash: req.TreasuryTxHash,
		Phase:          string(phase),
	})
	if err != nil {
		return provider.DispatchResult{
			Status:        provider.StatusFailed,
			FailureCode:   failureCode,
			FailureReason: fmt.Sprintf("failed to marshal payout instruction: %v", err),
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", r.url, bytes.NewBuffer(body))
	if err != nil {
		return provider.DispatchResult{
			Status:        provider.StatusFailed,
			FailureCode:   failureCode,
			FailureReason: fmt.Sprintf("failed to create webhook request: %v", err),
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Webhook-Signature", r.sign(body))

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return provider.DispatchResult{
			Status:        provider.StatusFailed,
			FailureCode:   failureCode,
			FailureReason: fmt.Sprintf("webhook request failed: %v", err),
		}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.DispatchResult{
			Status:        provider.StatusFailed,
			FailureCode:   failureCode,
			FailureReason: fmt.Sprintf("failed to read webhook response: %v", err),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("level=warn component=generic_hook op=dispatch status=%d transfer_id=%s", resp.StatusCode, req.TransferID)
		return provider.DispatchResult{
			Status:        provider.StatusFailed,
			FailureCode:   failureCode,
			FailureReason: fmt.Sprintf("webhook endpoint returned status %d", resp.StatusCode),
		}
	}

	var out instructionResponse
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return provider.DispatchResult{
			Status:        provider.StatusFailed,
			FailureCode:   failureCode,
			FailureReason: fmt.Sprintf("failed to decode webhook response: %v", err),
		}
	}

	reference := out.Reference
	if reference == "" {
		reference = req.Reference
	}
	switch out.Status {
	case "completed":
		return provider.DispatchResult{Status: provider.StatusSuccess, ProviderReference: reference}
	case "accepted", "processing":
		return provider.DispatchResult{Status: provider.StatusProcessing, ProviderReference: reference, SettlementEta: out.Eta}
	case "fallback":
		return provider.DispatchResult{
			Status:         provider.StatusFallbackRequired,
			FallbackMethod: "bank",
			FailureCode:    failureCode,
			FailureReason:  out.Reason,
		}
	default:
		return provider.DispatchResult{
			Status:        provider.StatusFailed,
			FailureCode:   failureCode,
			FailureReason: fmt.Sprintf("webhook endpoint rejected payout: %s", out.Reason),
		}
	}
}

// sign builds a `t=...,v0=...` header over "<unix seconds>.<body>".
func (r *Rail) sign(body []byte) string {
	timestamp := strconv.FormatInt(r.now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(r.secret))
	mac.Write([]byte(timestamp + "." + string(body)))
	return fmt.Sprintf("t=%s,v0=%s", timestamp, base64.StdEncoding.EncodeToString(mac.Sum(nil)))
}
