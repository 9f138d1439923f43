/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the payout-service. By defining an interface,
 * we decouple the application's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation and handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/claimlink/payout-service/internal/domain"
	"github.com/google/uuid"
)

// Repository defines the set of methods for interacting with the database.
//
// Conditional mutations return a bool reporting whether a row matched the
// guard. A false return is not an error: it means the row was already past
// the guarded state (or absent), and callers must branch on it.
type Repository interface {
	// Schema bootstrap (idempotent, memoized per process lifetime).
	EnsureSchema(ctx context.Context) error

	// Transfer methods
	CreateTransfer(ctx context.Context, input domain.CreateTransferInput) (*domain.Transfer, error)
	GetTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error)
	FindTransferByClaimTokenHash(ctx context.Context, claimTokenHash string) (*domain.Transfer, error)
	FindTransfersByContactHash(ctx context.Context, contactHash string) ([]domain.Transfer, error)
	// ConfirmLockAndSetClaimToken is the compare-and-swap primitive guaranteeing
	// exactly-once lock confirmation: it only touches rows still in 'prepared'
	// that match all three identifiers.
	ConfirmLockAndSetClaimToken(ctx context.Context, transferID uuid.UUID, senderWallet, publicID, escrowTxHash, claimTokenHash string) (bool, error)
	RotateClaimTokenHash(ctx context.Context, transferID uuid.UUID, claimTokenHash string) error
	UpdateTransferStatus(ctx context.Context, transferID uuid.UUID, status string) error
	// MarkTransferClaimed records the terminal claimed status; it refuses to
	// overwrite a transfer that already reached a terminal claimed state.
	MarkTransferClaimed(ctx context.Context, transferID uuid.UUID, terminalStatus string) (bool, error)
	MarkTransferRefunded(ctx context.Context, transferID uuid.UUID) (bool, error)
	ListExpiredClaimableTransfers(ctx context.Context, now time.Time, limit int) ([]domain.Transfer, error)
	GetSenderPrincipalTotalInWindow(ctx context.Context, senderWallet string, start, end time.Time) (int64, error)
	DecryptContact(transfer *domain.Transfer) (string, error)

	// Claim session methods
	CreateClaimSession(ctx context.Context, session *domain.ClaimSession) error
	GetClaimSessionByID(ctx context.Context, sessionID uuid.UUID) (*domain.ClaimSession, error)
	FindActiveClaimSession(ctx context.Context, transferID uuid.UUID) (*domain.ClaimSession, error)
	// MarkClaimSessionOtpAttempt increments the attempt counter and flips the
	// session to 'locked' once the budget is exhausted. Returns the updated row.
	MarkClaimSessionOtpAttempt(ctx context.Context, sessionID uuid.UUID) (*domain.ClaimSession, error)
	// VerifyClaimSession sets the bearer-token hash, verified timestamp and
	// 'otp_verified' status atomically, guarded on the session still being in
	// 'otp_sent'.
	VerifyClaimSession(ctx context.Context, sessionID uuid.UUID, sessionTokenHash string) (bool, error)
	// RefreshClaimSessionOtp installs a new code, resets the attempt counter
	// and bumps the resend counter.
	RefreshClaimSessionOtp(ctx context.Context, sessionID uuid.UUID, otpHash string, otpExpiresAt time.Time) error
	// MarkClaimSessionCompleted is guarded on 'otp_verified': a session cannot
	// complete without a verified OTP, and completes at most once.
	MarkClaimSessionCompleted(ctx context.Context, sessionID uuid.UUID) (bool, error)
	ExpireClaimSession(ctx context.Context, sessionID uuid.UUID) error

	// Payout attempt methods
	CreatePayoutAttempt(ctx context.Context, attempt *domain.PayoutAttempt) error
	UpdatePayoutAttempt(ctx context.Context, attemptID uuid.UUID, params UpdatePayoutAttemptParams) error
	ListPayoutAttemptsByTransfer(ctx context.Context, transferID uuid.UUID) ([]domain.PayoutAttempt, error)
	FindPayoutAttemptByProviderReference(ctx context.Context, providerReference string) (*domain.PayoutAttempt, error)

	// Notification methods (delivery is an external collaborator; only the
	// fact that a notification occurred is recorded here).
	CreateNotification(ctx context.Context, notification *domain.Notification) error

	// Card payee onboarding mappings, keyed by contact hash (never raw contact).
	FindCardPayeeByContactHash(ctx context.Context, contactHash string) (*CardPayee, error)
	UpsertCardPayee(ctx context.Context, payee *CardPayee) error
}

// UpdatePayoutAttemptParams carries an explicit partial update: nil means
// "leave unchanged". ProviderReference and WalletTxHash additionally use
// keep-existing-unless-new-value-given semantics in SQL so a late webhook
// cannot blank out an already-recorded reference.
type UpdatePayoutAttemptParams struct {
	Status            *string
	ProviderReference *string
	FailureCode       *string
	FailureReason     *string
	WalletTxHash      *string
}

// Card payee onboarding statuses.
const (
	CardPayeePendingOnboarding = "pending_onboarding"
	CardPayeeReady             = "ready"
	CardPayeeRestricted        = "restricted"
)

// CardPayee maps a recipient's contact hash to a connected account at the
// card rail, together with its onboarding state.
type CardPayee struct {
	ContactHash       string     `json:"contact_hash"`
	HintHash          string     `json:"hint_hash"`
	ProviderAccountID string     `json:"provider_account_id"`
	Status            string     `json:"status"`
	OnboardingURL     *string    `json:"onboarding_url,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}
