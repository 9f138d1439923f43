/**
 * @description
 * The sender-facing transfer service: prepares transfers, confirms escrow
 * locks via the store's compare-and-swap primitive, reports sender velocity,
 * and runs the operator-driven expiry sweep. The sweep is invoked by an
 * endpoint, not an internal scheduler; cadence stays an operator concern.
 *
 * @dependencies
 * - internal/store: Transfer persistence and conditional writes.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/claimlink/payout-service/internal/domain"
	"github.com/claimlink/payout-service/internal/store"
	"github.com/google/uuid"
)

var ErrLockNotConfirmed = errors.New("lock confirmation matched no prepared transfer")

// TransferService owns sender-side transfer operations.
type TransferService struct {
	repo store.Repository
	now  func() time.Time
}

// NewTransferService creates a transfer service.
func NewTransferService(repo store.Repository) *TransferService {
	return &TransferService{repo: repo, now: time.Now}
}

// CreateTransfer persists a new prepared transfer for a sender.
func (s *TransferService) CreateTransfer(ctx context.Context, input domain.CreateTransferInput) (*domain.Transfer, error) {
	if input.PublicID == "" {
		input.PublicID = uuid.NewString()
	}
	if input.ClaimTokenHash == "" {
		// A placeholder hash keeps the unique constraint satisfied until
		// confirm-lock installs the real one.
		placeholder, err := generateToken()
		if err != nil {
			return nil, err
		}
		input.ClaimTokenHash = store.HashToken(placeholder)
	}
	if input.ExpiresAt.IsZero() {
		input.ExpiresAt = s.now().Add(7 * 24 * time.Hour)
	}

	transfer, err := s.repo.CreateTransfer(ctx, input)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=transfers op=create transfer_id=%s sender=%s principal_usdc=%d",
		transfer.ID, transfer.SenderWallet, transfer.PrincipalUsdc)
	return transfer, nil
}

// ConfirmLock records the on-chain escrow lock and issues the claim token.
// The raw token is returned exactly once; only its hash is stored. Applying
// the same confirmation twice mutates state at most once: the second call
// gets ErrLockNotConfirmed.
func (s *TransferService) ConfirmLock(ctx context.Context, transferID uuid.UUID, senderWallet, publicID, escrowTxHash string) (string, error) {
	claimToken, err := generateToken()
	if err != nil {
		return "", err
	}
	matched, err := s.repo.ConfirmLockAndSetClaimToken(ctx, transferID, senderWallet, publicID, escrowTxHash, store.HashToken(claimToken))
	if err != nil {
		return "", err
	}
	if !matched {
		return "", ErrLockNotConfirmed
	}
	log.Printf("level=info component=transfers op=confirm_lock transfer_id=%s escrow_tx=%s", transferID, escrowTxHash)
	return claimToken, nil
}

// RotateClaimToken re-issues the claim link for a transfer the sender still
// controls. The old link stops working immediately; any OTP session already
// open stays valid since it is keyed by session id, not token.
func (s *TransferService) RotateClaimToken(ctx context.Context, transferID uuid.UUID, senderWallet string) (string, error) {
	transfer, err := s.repo.GetTransferByID(ctx, transferID)
	if err != nil {
		return "", err
	}
	if transfer.SenderWallet != senderWallet {
		return "", store.ErrTransferNotFound
	}
	if !transfer.Claimable() {
		return "", fmt.Errorf("transfer %s is not claimable in status %q", transferID, transfer.Status)
	}

	claimToken, err := generateToken()
	if err != nil {
		return "", err
	}
	if err := s.repo.RotateClaimTokenHash(ctx, transferID, store.HashToken(claimToken)); err != nil {
		return "", err
	}
	log.Printf("level=info component=transfers op=rotate_claim_token transfer_id=%s", transferID)
	return claimToken, nil
}

// SenderWindowTotal sums a sender's non-failed principal over a trailing
// window, for velocity checks by upstream callers.
func (s *TransferService) SenderWindowTotal(ctx context.Context, senderWallet string, window time.Duration) (int64, error) {
	end := s.now()
	return s.repo.GetSenderPrincipalTotalInWindow(ctx, senderWallet, end.Add(-window), end)
}

// MarkRefunded records a refund for a transfer that never completed a claim.
func (s *TransferService) MarkRefunded(ctx context.Context, transferID uuid.UUID) error {
	refunded, err := s.repo.MarkTransferRefunded(ctx, transferID)
	if err != nil {
		return err
	}
	if !refunded {
		return fmt.Errorf("transfer %s is not refundable in its current state", transferID)
	}
	return nil
}

// ExpireDueTransfers flips claimable transfers past their expiry to expired
// and retires any open sessions. Returns the number of transfers expired.
func (s *TransferService) ExpireDueTransfers(ctx context.Context, limit int) (int, error) {
	due, err := s.repo.ListExpiredClaimableTransfers(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, transfer := range due {
		if session, err := s.repo.FindActiveClaimSession(ctx, transfer.ID); err == nil {
			if err := s.repo.ExpireClaimSession(ctx, session.ID); err != nil {
				log.Printf("level=warn component=transfers op=expire_session session_id=%s err=%v", session.ID, err)
			}
		} else if !errors.Is(err, store.ErrClaimSessionNotFound) {
			return expired, err
		}

		if err := s.repo.UpdateTransferStatus(ctx, transfer.ID, domain.TransferStatusExpired); err != nil {
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		log.Printf("level=info component=transfers op=expiry_sweep expired=%d", expired)
	}
	return expired, nil
}
