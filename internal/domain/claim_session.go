package domain

import (
	"time"

	"github.com/google/uuid"
)

// Claim session lifecycle statuses. A session is opened when an OTP is sent,
// verified once the recipient proves control of the contact, and completed
// after a payout has been dispatched. `locked` is reached when the attempt
// budget is exhausted; `expired` is reachable from any non-terminal status.
const (
	ClaimSessionStatusOtpSent     = "otp_sent"
	ClaimSessionStatusOtpVerified = "otp_verified"
	ClaimSessionStatusLocked      = "locked"
	ClaimSessionStatusCompleted   = "completed"
	ClaimSessionStatusExpired     = "expired"
)

// ClaimSession is the OTP-verified interaction through which a recipient
// authenticates to choose a payout method. At most one session per transfer
// may be active at a time (enforced by a partial unique index).
type ClaimSession struct {
	ID               uuid.UUID  `json:"id"`
	TransferID       uuid.UUID  `json:"transfer_id"`
	SessionTokenHash *string    `json:"-"` // set only after OTP verification
	OtpHash          string     `json:"-"`
	OtpExpiresAt     time.Time  `json:"otp_expires_at"`
	OtpAttempts      int        `json:"otp_attempts"`
	MaxAttempts      int        `json:"max_attempts"`
	ResendCount      int        `json:"resend_count"`
	LastSentAt       time.Time  `json:"last_sent_at"`
	VerifiedAt       *time.Time `json:"verified_at,omitempty"`
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Active reports whether the session can still progress toward completion.
func (s *ClaimSession) Active() bool {
	return s.Status == ClaimSessionStatusOtpSent || s.Status == ClaimSessionStatusOtpVerified
}
