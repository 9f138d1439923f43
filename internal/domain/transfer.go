/**
 * @description
 * This file defines the core domain models for the payout-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` in USDC micros (6-decimal smallest unit),
 *   which avoids floating-point inaccuracies with financial data.
 * - Recipient contacts are never persisted in the clear: the store keeps an
 *   encrypted copy plus one-way hashes used for lookup.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Transfer lifecycle statuses. A transfer is created as `prepared` by the
// escrow-lock flow, confirmed on-chain, claimed through exactly one of the
// terminal claimed_* statuses, or exits via refunded/expired/failed.
const (
	TransferStatusPrepared      = "prepared"
	TransferStatusLockConfirmed = "lock_confirmed"
	TransferStatusClaimStarted  = "claim_started"
	TransferStatusClaimedDebit  = "claimed_debit"
	TransferStatusClaimedBank   = "claimed_bank"
	TransferStatusClaimedWallet = "claimed_wallet"
	TransferStatusRefunded      = "refunded"
	TransferStatusExpired       = "expired"
	TransferStatusFailed        = "failed"
)

// Recipient contact channels.
const (
	ContactTypeEmail = "email"
	ContactTypePhone = "phone"
)

// Payout methods a recipient can choose after verifying a claim.
const (
	PayoutMethodDebit  = "debit"
	PayoutMethodBank   = "bank"
	PayoutMethodWallet = "wallet"
)

// Transfer represents a single sender-funded, recipient-claimable escrow lock.
// This struct maps directly to the `transfers` table in the database.
type Transfer struct {
	ID               uuid.UUID  `json:"id"`
	PublicID         string     `json:"public_id"` // opaque identifier shared with the relayer and escrow contract
	SenderWallet     string     `json:"sender_wallet"`
	ContactType      string     `json:"contact_type"` // 'email' or 'phone'
	ContactEncrypted string     `json:"-"`
	ContactHash      string     `json:"contact_hash"`
	ContactHintHash  string     `json:"contact_hint_hash"`
	PrincipalUsdc    int64      `json:"principal_usdc"`
	SponsorFeeUsdc   int64      `json:"sponsor_fee_usdc"`
	TotalLockedUsdc  int64      `json:"total_locked_usdc"`
	FundingSource    string     `json:"funding_source"`
	Status           string     `json:"status"`
	RegionCode       string     `json:"region_code"`
	ChainID          int64      `json:"chain_id"`
	EscrowTxHash     *string    `json:"escrow_tx_hash,omitempty"`
	ClaimTokenHash   string     `json:"-"`
	Memo             *string    `json:"memo,omitempty"`
	ExpiresAt        time.Time  `json:"expires_at"`
	ClaimedAt        *time.Time `json:"claimed_at,omitempty"`
	RefundedAt       *time.Time `json:"refunded_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Claimed reports whether the transfer has reached one of the terminal
// claimed statuses.
func (t *Transfer) Claimed() bool {
	switch t.Status {
	case TransferStatusClaimedDebit, TransferStatusClaimedBank, TransferStatusClaimedWallet:
		return true
	}
	return false
}

// Claimable reports whether a claim flow may run against the transfer.
func (t *Transfer) Claimable() bool {
	return t.Status == TransferStatusLockConfirmed || t.Status == TransferStatusClaimStarted
}

// CreateTransferInput carries everything needed to persist a new prepared
// transfer. The raw contact is encrypted by the store and never stored as-is.
type CreateTransferInput struct {
	PublicID        string  `json:"public_id"`
	SenderWallet    string  `json:"sender_wallet"`
	ContactType     string  `json:"contact_type"`
	Contact         string  `json:"contact"`
	ContactHintHash string  `json:"contact_hint_hash"`
	PrincipalUsdc   int64   `json:"principal_usdc"`
	SponsorFeeUsdc  int64   `json:"sponsor_fee_usdc"`
	FundingSource   string  `json:"funding_source"`
	RegionCode      string  `json:"region_code"`
	ChainID         int64   `json:"chain_id"`
	ClaimTokenHash  string  `json:"claim_token_hash"`
	Memo            *string `json:"memo,omitempty"`
	ExpiresAt       time.Time
}
