/**
 * @description
 * Adapter for the crypto-settlement rail ("bridge"): converts treasury USDC
 * into fiat and pays it out to a recipient bank account. Bank payouts on
 * ACH-style rails settle asynchronously, so a submitted transfer reports
 * PROCESSING with an ETA; the final state arrives later over the signed
 * webhook and is folded into the payout attempt there.
 *
 * The same adapter serves as the settlement leg of the chained debit
 * topology: the precheck phase asks the rail whether funds can convert
 * before any card leg is attempted.
 *
 * @dependencies
 * - bytes, context, encoding/json, net/http, time: Standard Go libraries.
 * - internal/provider: The rail contract and failure-code vocabulary.
 */

package bridgerail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/claimlink/payout-service/internal/provider"
)

// Transfer states the bridge API reports.
const (
	stateAwaitingFunds    = "awaiting_funds"
	statePaymentSubmitted = "payment_submitted"
	statePaymentProcessed = "payment_processed"
	stateFundsReceived    = "funds_received"
	stateReturned         = "returned"
	stateError            = "error"
)

const defaultBankEta = "1-2 business days"

// Rail is the bridge settlement/bank-payout adapter.
type Rail struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a bridge rail adapter. The timeout bounds every outbound call.
func New(name, baseURL, apiKey string, timeout time.Duration) *Rail {
	if name == "" {
		name = "bridge"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Rail{
		name:       name,
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (r *Rail) Name() string {
	return r.name
}

type transferRequest struct {
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Reference      string `json:"reference"`
	SourceTxHash   string `json:"sourceTxHash,omitempty"`
	DestinationTag string `json:"destinationTag"`
	Precheck       bool   `json:"precheck,omitempty"`
}

type transferResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Eta   string `json:"eta"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CheckEligibility verifies the adapter is configured. The bridge rail has
// no per-recipient capability model: the recipient supplies bank details
// during claim, so eligibility reduces to configuration.
func (r *Rail) CheckEligibility(ctx context.Context, req provider.PayoutRequest) provider.EligibilityResult {
	if r.baseURL == "" || r.apiKey == "" {
		return provider.EligibilityResult{
			Status:        provider.StatusFailed,
			FailureCode:   provider.CodeProviderNotConfigured,
			FailureReason: "bridge rail is missing base URL or API key",
		}
	}
	return provider.EligibilityResult{Status: provider.StatusSuccess}
}

// Dispatch submits a transfer to the bridge API. In the precheck phase the
// rail validates conversion without moving funds; in the execute phase the
// treasury tx hash proves funding.
func (r *Rail) Dispatch(ctx context.Context, phase provider.Phase, req provider.PayoutRequest) provider.DispatchResult {
	payload := transferRequest{
		Amount:         req.AmountUsdc,
		Currency:       "usdc",
		Reference:      req.Reference,
		DestinationTag: req.Recipient.ContactHash,
		Precheck:       phase == provider.PhasePrecheck,
	}
	if phase == provider.PhaseExecute {
		payload.SourceTxHash = req.TreasuryTxHash
	}

	resp, err := r.postTransfer(ctx, payload, req.IdempotencyKey)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			return r.classifyAPIError(apiErr)
		}
		// Timeouts and transport failures are definite failures for this
		// call; the engine decides whether a new dispatch is attempted.
		return provider.DispatchResult{
			Status:        provider.StatusFailed,
			FailureCode:   provider.CodeBankPayoutError,
			FailureReason: fmt.Sprintf("bridge transfer request failed: %v", err),
		}
	}

	switch resp.State {
	case statePaymentProcessed, stateFundsReceived:
		return provider.DispatchResult{
			Status:            provider.StatusSuccess,
			ProviderReference: resp.ID,
		}
	case stateAwaitingFunds, statePaymentSubmitted:
		eta := resp.Eta
		if eta == "" {
			eta = defaultBankEta
		}
		return provider.DispatchResult{
			Status:            provider.StatusProcessing,
			ProviderReference: resp.ID,
			SettlementEta:     eta,
		}
	case stateReturned, stateError:
		return provider.DispatchResult{
			Status:            provider.StatusFailed,
			ProviderReference: resp.ID,
			FailureCode:       provider.CodeBankPayoutError,
			FailureReason:     fmt.Sprintf("bridge transfer entered state %q", resp.State),
		}
	default:
		return provider.DispatchResult{
			Status:            provider.StatusFailed,
			ProviderReference: resp.ID,
			FailureCode:       provider.CodeBankPayoutError,
			FailureReason:     fmt.Sprintf("bridge reported unknown state %q", resp.State),
		}
	}
}

// classifyAPIError maps the bridge's error vocabulary onto dispatch results.
// A liquidity or capability refusal is a fallback hint; everything else is a
// plain failure.
func (r *Rail) classifyAPIError(apiErr *apiError) provider.DispatchResult {
	switch apiErr.code {
	case "insufficient_liquidity", "unsupported_destination":
		return provider.DispatchResult{
			Status:         provider.StatusFallbackRequired,
			FallbackMethod: "wallet",
			FailureCode:    provider.CodeBankPayoutError,
			FailureReason:  apiErr.message,
		}
	default:
		return provider.DispatchResult{
			Status:        provider.StatusFailed,
			FailureCode:   provider.CodeBankPayoutError,
			FailureReason: fmt.Sprintf("bridge rejected transfer: %s", apiErr.message),
		}
	}
}

// apiError is a structured non-2xx response from the bridge API.
type apiError struct {
	status  int
	code    string
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("bridge api error (status %d, code %s): %s", e.status, e.code, e.message)
}

func (r *Rail) postTransfer(ctx context.Context, payload transferRequest, idempotencyKey string) (*transferResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bridge transfer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", r.baseURL+"/v0/transfers", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Api-Key", r.apiKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute bridge request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read bridge response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp errorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=bridge_rail op=transfer status=%d msg=\"non-2xx response (unparsable error body)\"", resp.StatusCode)
			return nil, &apiError{status: resp.StatusCode, code: "http_error", message: fmt.Sprintf("status %d", resp.StatusCode)}
		}
		log.Printf("level=warn component=bridge_rail op=transfer status=%d code=%q msg=%q", resp.StatusCode, errResp.Code, errResp.Message)
		return nil, &apiError{status: resp.StatusCode, code: errResp.Code, message: errResp.Message}
	}

	var out transferResponse
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return nil, fmt.Errorf("failed to decode bridge response: %w", err)
	}
	return &out, nil
}
