/**
 * @description
 * Adapter for the debit-card payout rail. Beyond dispatching payouts it
 * manages recipient onboarding: it resolves or creates a connected payee
 * account keyed by the recipient's contact/hint hashes (the raw contact is
 * never persisted), fetches capability flags, and generates a single-use
 * onboarding link when the account cannot yet receive payouts. The payee
 * mapping is a small state machine: pending_onboarding moves to ready once
 * capabilities activate, with restricted as a dead end requiring operator
 * intervention.
 *
 * Insufficient-capability refusals are classified separately from generic
 * HTTP errors so the engine can decide whether falling back is safe.
 *
 * @dependencies
 * - internal/provider: The rail contract and failure-code vocabulary.
 * - internal/store: The card payee mapping.
 */

package stripecard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/claimlink/payout-service/internal/provider"
	"github.com/claimlink/payout-service/internal/store"
)

// PayeeStore is the subset of the repository the adapter needs for its
// contact-hash-to-account mapping.
type PayeeStore interface {
	FindCardPayeeByContactHash(ctx context.Context, contactHash string) (*store.CardPayee, error)
	UpsertCardPayee(ctx context.Context, payee *store.CardPayee) error
}

// Rail is the card payout adapter.
type Rail struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	payees     PayeeStore
}

// New creates a card rail adapter.
func New(name, baseURL, apiKey string, timeout time.Duration, payees PayeeStore) *Rail {
	if name == "" {
		name = "stripe"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Rail{
		name:       name,
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		payees:     payees,
	}
}

func (r *Rail) Name() string {
	return r.name
}

type accountResponse struct {
	ID           string `json:"id"`
	Capabilities struct {
		Transfers string `json:"transfers"`
		Payouts   string `json:"payouts"`
	} `json:"capabilities"`
	Requirements struct {
		DisabledReason string `json:"disabled_reason"`
	} `json:"requirements"`
}

type onboardingLinkResponse struct {
	URL string `json:"url"`
}

type payoutResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CheckEligibility resolves the recipient's connected account and inspects
// its capabilities. Three outcomes: ready (SUCCESS), onboarding incomplete
// (ACTION_REQUIRED with a fresh single-use link), restricted or unreachable
// (FALLBACK_REQUIRED so the recipient can still be paid by bank).
func (r *Rail) CheckEligibility(ctx context.Context, req provider.PayoutRequest) provider.EligibilityResult {
	if r.baseURL == "" || r.apiKey == "" {
		return provider.EligibilityResult{
			Status:        provider.StatusFailed,
			FailureCode:   provider.CodeProviderNotConfigured,
			FailureReason: "card rail is missing base URL or API key",
		}
	}

	payee, err := r.resolvePayee(ctx, req)
	if err != nil {
		log.Printf("level=warn component=card_rail op=resolve_payee transfer_id=%s err=%v", req.TransferID, err)
		return provider.EligibilityResult{
			Status:         provider.StatusFallbackRequired,
			FallbackMethod: "bank",
			FailureCode:    provider.CodeDebitPayoutError,
			FailureReason:  "could not resolve card payee account",
		}
	}

	switch payee.Status {
	case store.CardPayeeReady:
		return provider.EligibilityResult{Status: provider.StatusSuccess}
	case store.CardPayeeRestricted:
		return provider.EligibilityResult{
			Status:         provider.StatusFallbackRequired,
			FallbackMethod: "bank",
			FailureCode:    provider.CodeDebitIneligible,
			FailureReason:  "card payee account is restricted",
		}
	default:
		link, err := r.createOnboardingLink(ctx, payee.ProviderAccountID)
		if err != nil {
			log.Printf("level=warn component=card_rail op=onboarding_link account=%s err=%v", payee.ProviderAccountID, err)
			return provider.EligibilityResult{
				Status:         provider.StatusFallbackRequired,
				FallbackMethod: "bank",
				FailureCode:    provider.CodeDebitPayoutError,
				FailureReason:  "could not create onboarding link",
			}
		}
		payee.OnboardingURL = &link
		if err := r.payees.UpsertCardPayee(ctx, payee); err != nil {
			log.Printf("level=warn component=card_rail op=save_payee account=%s err=%v", payee.ProviderAccountID, err)
		}
		return provider.EligibilityResult{
			Status:        provider.StatusActionRequired,
			FailureCode:   provider.CodeOnboardingRequired,
			FailureReason: "recipient must complete card payout onboarding",
			OnboardingURL: link,
		}
	}
}

// resolvePayee loads the stored mapping or creates a connected account for a
// first-time recipient, then refreshes its capability-derived status.
func (r *Rail) resolvePayee(ctx context.Context, req provider.PayoutRequest) (*store.CardPayee, error) {
	payee, err := r.payees.FindCardPayeeByContactHash(ctx, req.Recipient.ContactHash)
	if err != nil {
		return nil, err
	}
	if payee == nil {
		account, err := r.createAccount(ctx, req.Recipient.ContactHash)
		if err != nil {
			return nil, err
		}
		payee = &store.CardPayee{
			ContactHash:       req.Recipient.ContactHash,
			HintHash:          req.Recipient.HintHash,
			ProviderAccountID: account.ID,
			Status:            statusFromCapabilities(account),
		}
		if err := r.payees.UpsertCardPayee(ctx, payee); err != nil {
			return nil, err
		}
		return payee, nil
	}

	// Restricted is terminal; otherwise refresh from the rail so a payee
	// who finished onboarding since the last check becomes ready.
	if payee.Status == store.CardPayeeRestricted {
		return payee, nil
	}
	account, err := r.getAccount(ctx, payee.ProviderAccountID)
	if err != nil {
		return nil, err
	}
	refreshed := statusFromCapabilities(account)
	if refreshed != payee.Status {
		payee.Status = refreshed
		if err := r.payees.UpsertCardPayee(ctx, payee); err != nil {
			return nil, err
		}
	}
	return payee, nil
}

func statusFromCapabilities(account *accountResponse) string {
	if account.Requirements.DisabledReason != "" {
		return store.CardPayeeRestricted
	}
	if account.Capabilities.Transfers == "active" && account.Capabilities.Payouts == "active" {
		return store.CardPayeeReady
	}
	return store.CardPayeePendingOnboarding
}

// Dispatch pushes an instant payout to the recipient's connected account.
// The precheck phase re-verifies capabilities without moving funds.
func (r *Rail) Dispatch(ctx context.Context, phase provider.Phase, req provider.PayoutRequest) provider.DispatchResult {
	if phase == provider.PhasePrecheck {
		eligibility := r.CheckEligibility(ctx, req)
		return provider.DispatchResult{
			Status:        eligibility.Status,
			FailureCode:   eligibility.FailureCode,
			FailureReason: eligibility.FailureReason,
			OnboardingURL: eligibility.OnboardingURL,
		}
	}

	payee, err := r.payees.FindCardPayeeByContactHash(ctx, req.Recipient.ContactHash)
	if err != nil || payee == nil {
		return provider.DispatchResult{
			Status:        provider.StatusFailed,
			FailureCode:   provider.CodeDebitPayoutError,
			FailureReason: "card payee mapping missing at dispatch time",
		}
	}

	payout, apiErr := r.createPayout(ctx, payee.ProviderAccountID, req)
	if apiErr != nil {
		return r.classifyPayoutError(apiErr)
	}
	return provider.DispatchResult{
		Status:            provider.StatusSuccess,
		ProviderReference: payout.ID,
	}
}

// classifyPayoutError distinguishes capability refusals (a fallback is safe:
// no funds moved on the card rail) from generic failures.
func (r *Rail) classifyPayoutError(apiErr *apiError) provider.DispatchResult {
	switch apiErr.code {
	case "insufficient_capabilities_for_transfer", "account_capabilities_inactive":
		return provider.DispatchResult{
			Status:         provider.StatusFallbackRequired,
			FallbackMethod: "bank",
			FailureCode:    provider.CodeDebitIneligible,
			FailureReason:  apiErr.message,
		}
	default:
		return provider.DispatchResult{
			Status:        provider.StatusFailed,
			FailureCode:   provider.CodeDebitPayoutError,
			FailureReason: fmt.Sprintf("card payout failed: %s", apiErr.message),
		}
	}
}

type apiError struct {
	status  int
	code    string
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("card api error (status %d, code %s): %s", e.status, e.code, e.message)
}

func (r *Rail) createAccount(ctx context.Context, contactHash string) (*accountResponse, error) {
	form := url.Values{}
	form.Set("type", "express")
	form.Set("metadata[contact_hash]", contactHash)
	var out accountResponse
	if err := r.doForm(ctx, "POST", "/v1/accounts", form, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Rail) getAccount(ctx context.Context, accountID string) (*accountResponse, error) {
	var out accountResponse
	if err := r.doForm(ctx, "GET", "/v1/accounts/"+accountID, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Rail) createOnboardingLink(ctx context.Context, accountID string) (string, error) {
	form := url.Values{}
	form.Set("account", accountID)
	form.Set("type", "account_onboarding")
	var out onboardingLinkResponse
	if err := r.doForm(ctx, "POST", "/v1/account_links", form, "", &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

func (r *Rail) createPayout(ctx context.Context, accountID string, req provider.PayoutRequest) (*payoutResponse, *apiError) {
	form := url.Values{}
	form.Set("amount", fmt.Sprintf("%d", req.AmountUsdc))
	form.Set("currency", "usd")
	form.Set("destination", accountID)
	form.Set("metadata[reference]", req.Reference)
	form.Set("metadata[treasury_tx_hash]", req.TreasuryTxHash)

	var out payoutResponse
	if err := r.doForm(ctx, "POST", "/v1/transfers", form, req.IdempotencyKey, &out); err != nil {
		if typed, ok := err.(*apiError); ok {
			return nil, typed
		}
		return nil, &apiError{code: "transport_error", message: err.Error()}
	}
	return &out, nil
}

// doForm executes a form-encoded API call, decoding into out on 2xx and
// into the rail's error envelope otherwise.
func (r *Rail) doForm(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = bytes.NewBufferString(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create card rail request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute card rail request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read card rail response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp errorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=card_rail op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", path, resp.StatusCode)
			return &apiError{status: resp.StatusCode, code: "http_error", message: fmt.Sprintf("status %d", resp.StatusCode)}
		}
		return &apiError{status: resp.StatusCode, code: errResp.Error.Code, message: errResp.Error.Message}
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode card rail response: %w", err)
	}
	return nil
}
