/**
 * @description
 * The common contract every payout rail adapter implements. Provider-reported
 * business outcomes (ineligible amount, onboarding incomplete, rail asks for
 * a fallback) are not errors: they are tagged result variants the dispatch
 * engine must branch on. Adapters fold their own transport failures into
 * FAILED results with a stable failure code, so the engine never sees a raw
 * HTTP error.
 *
 * @dependencies
 * - github.com/google/uuid: Transfer and attempt identifiers.
 */

package provider

import (
	"context"

	"github.com/google/uuid"
)

// Status is the tagged outcome of an eligibility check or dispatch call.
type Status string

const (
	StatusSuccess          Status = "SUCCESS"
	StatusProcessing       Status = "PROCESSING"
	StatusFallbackRequired Status = "FALLBACK_REQUIRED"
	StatusFailed           Status = "FAILED"
	StatusActionRequired   Status = "ACTION_REQUIRED"
)

// Phase distinguishes a dry-run capability probe from the real payout call.
type Phase string

const (
	PhasePrecheck Phase = "precheck"
	PhaseExecute  Phase = "execute"
)

// Stable failure-code vocabulary shared by adapters and the engine.
const (
	CodeDebitRegionUnsupported       = "DEBIT_REGION_UNSUPPORTED"
	CodeDebitIneligible              = "DEBIT_INELIGIBLE"
	CodeDebitPayoutError             = "DEBIT_PAYOUT_ERROR"
	CodeBankPayoutError              = "BANK_PAYOUT_ERROR"
	CodeWalletPayoutError            = "WALLET_PAYOUT_ERROR"
	CodeDebitFallbackAfterSettlement = "DEBIT_FALLBACK_AFTER_SETTLEMENT"
	CodeBankFallbackAfterSettlement  = "BANK_FALLBACK_AFTER_SETTLEMENT"
	CodeProviderNotConfigured        = "PROVIDER_NOT_CONFIGURED"
	CodeOnboardingRequired           = "ONBOARDING_REQUIRED"
)

// RecipientContext carries everything an adapter may need about the payout
// destination. Contact is the decrypted recipient contact; it is passed by
// value for the duration of the call and never persisted by adapters (only
// the hashes are).
type RecipientContext struct {
	Contact          string
	ContactHash      string
	HintHash         string
	RecipientAddress string
	RegionCode       string
	ChainID          int64
}

// PayoutRequest is the engine's instruction to an adapter.
type PayoutRequest struct {
	TransferID     uuid.UUID
	AttemptID      uuid.UUID
	Method         string
	AmountUsdc     int64
	Reference      string
	IdempotencyKey string
	TreasuryTxHash string
	Recipient      RecipientContext
}

// EligibilityResult reports whether the rail can pay this recipient.
type EligibilityResult struct {
	Status         Status
	FailureCode    string
	FailureReason  string
	FallbackMethod string
	OnboardingURL  string
}

// DispatchResult reports the outcome of a payout call.
type DispatchResult struct {
	Status            Status
	ProviderReference string
	FailureCode       string
	FailureReason     string
	FallbackMethod    string
	OnboardingURL     string
	SettlementEta     string
}

// Rail is the adapter contract. Implementations own their external HTTP
// calls and must bound every outbound request with the context deadline.
type Rail interface {
	Name() string
	CheckEligibility(ctx context.Context, req PayoutRequest) EligibilityResult
	Dispatch(ctx context.Context, phase Phase, req PayoutRequest) DispatchResult
}
