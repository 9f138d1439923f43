package domain

import (
	"time"

	"github.com/google/uuid"
)

// Payout attempt statuses. Attempts are append-style audit records: one row
// per dispatch try, updated in place as the provider's async state resolves.
const (
	AttemptStatusProcessing       = "processing"
	AttemptStatusSuccess          = "success"
	AttemptStatusFailed           = "failed"
	AttemptStatusFallbackRequired = "fallback_required"
)

// PayoutAttempt records one try to move funds to a recipient via a specific
// method/provider. Multiple attempts may exist per transfer (one per
// retry/fallback). WalletTxHash carries the on-chain settlement hash when the
// attempt moved funds (treasury settlement for debit/bank, direct release for
// wallet payouts).
type PayoutAttempt struct {
	ID                uuid.UUID  `json:"id"`
	TransferID        uuid.UUID  `json:"transfer_id"`
	ClaimSessionID    *uuid.UUID `json:"claim_session_id,omitempty"`
	Method            string     `json:"method"` // 'debit', 'bank' or 'wallet'
	Provider          string     `json:"provider"`
	ProviderReference *string    `json:"provider_reference,omitempty"`
	Status            string     `json:"status"`
	FailureCode       *string    `json:"failure_code,omitempty"`
	FailureReason     *string    `json:"failure_reason,omitempty"`
	WalletTxHash      *string    `json:"wallet_tx_hash,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Notification records that an outbound message (OTP, payout status) was
// handed to the notification collaborator. Content composition lives outside
// this service; only delivery metadata is kept here.
type Notification struct {
	ID                uuid.UUID `json:"id"`
	TransferID        uuid.UUID `json:"transfer_id"`
	Channel           string    `json:"channel"` // 'email' or 'phone'
	DestinationHash   string    `json:"destination_hash"`
	Provider          string    `json:"provider"`
	ProviderMessageID *string   `json:"provider_message_id,omitempty"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
}
