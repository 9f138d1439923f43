/**
 * @description
 * The claim lifecycle service: resolves claim links, runs the OTP ceremony
 * (send, verify with attempt counting and lockout, resend with rate limits),
 * issues the bearer session token, and hands verified sessions to the
 * dispatch engine when the recipient picks a payout method.
 *
 * Raw secrets never touch the store: claim tokens, OTP codes and session
 * tokens are persisted as SHA-256 hashes only.
 *
 * @dependencies
 * - internal/store: Conditional session/transfer writes.
 * - pkg/rabbitmq: Notification event publishing (delivery is external).
 */

package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/claimlink/payout-service/internal/domain"
	"github.com/claimlink/payout-service/internal/provider"
	"github.com/claimlink/payout-service/internal/store"
	"github.com/claimlink/payout-service/pkg/rabbitmq"
	"github.com/google/uuid"
)

var (
	ErrTransferNotClaimable = errors.New("transfer is not in a claimable state")
	ErrTransferExpired      = errors.New("transfer has expired")
	ErrSessionLocked        = errors.New("claim session is locked after too many attempts")
	ErrSessionNotVerified   = errors.New("claim session has not been verified")
	ErrOtpInvalid           = errors.New("one-time code is invalid")
	ErrOtpExpired           = errors.New("one-time code has expired")
	ErrInvalidSessionToken  = errors.New("session token does not match")
	ErrRateLimited          = errors.New("rate limit exceeded")
)

// ClaimRateLimiter is the distributed limiter for OTP sends and claim
// attempts. A nil limiter disables limiting (local development).
type ClaimRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error)
}

// ClaimServiceConfig carries the OTP ceremony settings.
type ClaimServiceConfig struct {
	OtpTTL              time.Duration
	OtpMaxAttempts      int
	OtpSendLimitPerHour int
	ClaimLimitPerMinute int
}

// ClaimService drives the recipient-facing claim flow.
type ClaimService struct {
	repo     store.Repository
	engine   *Engine
	producer rabbitmq.Publisher
	limiter  ClaimRateLimiter
	cfg      ClaimServiceConfig
	now      func() time.Time
}

// NewClaimService creates a claim service.
func NewClaimService(repo store.Repository, engine *Engine, producer rabbitmq.Publisher, limiter ClaimRateLimiter, cfg ClaimServiceConfig) *ClaimService {
	if cfg.OtpTTL <= 0 {
		cfg.OtpTTL = 10 * time.Minute
	}
	if cfg.OtpMaxAttempts <= 0 {
		cfg.OtpMaxAttempts = 5
	}
	return &ClaimService{
		repo:     repo,
		engine:   engine,
		producer: producer,
		limiter:  limiter,
		cfg:      cfg,
		now:      time.Now,
	}
}

// StartClaimResult is returned when a claim session is opened or refreshed.
type StartClaimResult struct {
	Session  *domain.ClaimSession
	Transfer *domain.Transfer
}

// StartClaim resolves a claim link to its transfer and opens an OTP session.
// If the transfer already has an active session, a fresh code is sent on it
// instead of opening a second one.
func (s *ClaimService) StartClaim(ctx context.Context, claimToken string) (*StartClaimResult, error) {
	transfer, err := s.repo.FindTransferByClaimTokenHash(ctx, store.HashToken(claimToken))
	if err != nil {
		return nil, err
	}
	if err := s.claimableNow(transfer); err != nil {
		return nil, err
	}
	if err := s.consumeLimit(ctx, "otp_send", transfer.ContactHash, s.cfg.OtpSendLimitPerHour, time.Hour); err != nil {
		return nil, err
	}

	otp, otpHash, err := generateOtp()
	if err != nil {
		return nil, err
	}

	session := &domain.ClaimSession{
		ID:           uuid.New(),
		TransferID:   transfer.ID,
		OtpHash:      otpHash,
		OtpExpiresAt: s.now().Add(s.cfg.OtpTTL),
		MaxAttempts:  s.cfg.OtpMaxAttempts,
	}
	err = s.repo.CreateClaimSession(ctx, session)
	if errors.Is(err, store.ErrActiveSessionExists) {
		existing, findErr := s.repo.FindActiveClaimSession(ctx, transfer.ID)
		if findErr != nil {
			return nil, findErr
		}
		if refreshErr := s.repo.RefreshClaimSessionOtp(ctx, existing.ID, otpHash, session.OtpExpiresAt); refreshErr != nil {
			return nil, refreshErr
		}
		session = existing
	} else if err != nil {
		return nil, err
	}

	if transfer.Status == domain.TransferStatusLockConfirmed {
		if err := s.repo.UpdateTransferStatus(ctx, transfer.ID, domain.TransferStatusClaimStarted); err != nil {
			return nil, err
		}
		transfer.Status = domain.TransferStatusClaimStarted
	}

	s.notify(ctx, transfer, "claim_otp")
	log.Printf("level=info component=claims op=start_claim transfer_id=%s session_id=%s channel=%s otp_len=%d",
		transfer.ID, session.ID, transfer.ContactType, len(otp))
	return &StartClaimResult{Session: session, Transfer: transfer}, nil
}

// VerifyOtp checks a submitted code against the session. A correct code
// promotes the session to otp_verified and returns the raw bearer token
// (stored only as a hash). A wrong code spends one attempt; exhausting the
// budget locks the session.
func (s *ClaimService) VerifyOtp(ctx context.Context, sessionID uuid.UUID, otp string) (string, error) {
	session, err := s.repo.GetClaimSessionByID(ctx, sessionID)
	if err != nil {
		return "", err
	}
	switch session.Status {
	case domain.ClaimSessionStatusOtpSent:
	case domain.ClaimSessionStatusLocked:
		return "", ErrSessionLocked
	default:
		return "", ErrSessionNotVerified
	}
	if err := s.consumeLimit(ctx, "otp_verify", sessionID.String(), s.cfg.ClaimLimitPerMinute, time.Minute); err != nil {
		return "", err
	}
	if s.now().After(session.OtpExpiresAt) {
		return "", ErrOtpExpired
	}

	submitted := store.HashToken(otp)
	if subtle.ConstantTimeCompare([]byte(submitted), []byte(session.OtpHash)) != 1 {
		updated, attemptErr := s.repo.MarkClaimSessionOtpAttempt(ctx, sessionID)
		if attemptErr != nil {
			return "", attemptErr
		}
		if updated.Status == domain.ClaimSessionStatusLocked {
			log.Printf("level=warn component=claims op=verify_otp session_id=%s msg=\"attempt budget exhausted; session locked\"", sessionID)
			return "", ErrSessionLocked
		}
		return "", ErrOtpInvalid
	}

	sessionToken, err := generateToken()
	if err != nil {
		return "", err
	}
	verified, err := s.repo.VerifyClaimSession(ctx, sessionID, store.HashToken(sessionToken))
	if err != nil {
		return "", err
	}
	if !verified {
		// Another call won the race (or the session was locked/expired in
		// between). The loser gets nothing.
		return "", ErrSessionNotVerified
	}
	return sessionToken, nil
}

// ResendOtp installs a fresh code on an open session, subject to the same
// send rate limit as the initial send.
func (s *ClaimService) ResendOtp(ctx context.Context, sessionID uuid.UUID) error {
	session, err := s.repo.GetClaimSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != domain.ClaimSessionStatusOtpSent {
		if session.Status == domain.ClaimSessionStatusLocked {
			return ErrSessionLocked
		}
		return ErrSessionNotVerified
	}

	transfer, err := s.repo.GetTransferByID(ctx, session.TransferID)
	if err != nil {
		return err
	}
	if err := s.claimableNow(transfer); err != nil {
		return err
	}
	if err := s.consumeLimit(ctx, "otp_send", transfer.ContactHash, s.cfg.OtpSendLimitPerHour, time.Hour); err != nil {
		return err
	}

	_, otpHash, err := generateOtp()
	if err != nil {
		return err
	}
	if err := s.repo.RefreshClaimSessionOtp(ctx, sessionID, otpHash, s.now().Add(s.cfg.OtpTTL)); err != nil {
		return err
	}
	s.notify(ctx, transfer, "claim_otp")
	return nil
}

// SelectPayout authenticates the bearer token and hands the verified session
// to the dispatch engine with the chosen method.
func (s *ClaimService) SelectPayout(ctx context.Context, sessionID uuid.UUID, sessionToken, method, recipientAddress string) (*DispatchOutcome, error) {
	session, err := s.repo.GetClaimSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.ClaimSessionStatusOtpVerified {
		if session.Status == domain.ClaimSessionStatusLocked {
			return nil, ErrSessionLocked
		}
		return nil, ErrSessionNotVerified
	}
	if session.SessionTokenHash == nil ||
		subtle.ConstantTimeCompare([]byte(store.HashToken(sessionToken)), []byte(*session.SessionTokenHash)) != 1 {
		return nil, ErrInvalidSessionToken
	}

	transfer, err := s.repo.GetTransferByID(ctx, session.TransferID)
	if err != nil {
		return nil, err
	}
	if err := s.claimableNow(transfer); err != nil {
		return nil, err
	}

	outcome, err := s.engine.Dispatch(ctx, transfer, session, method, recipientAddress)
	if err != nil {
		return nil, err
	}

	switch outcome.Status {
	case provider.StatusSuccess, provider.StatusProcessing:
		s.notify(ctx, transfer, "payout_success")
	case provider.StatusFailed:
		s.notify(ctx, transfer, "payout_failed")
	}
	return outcome, nil
}

func (s *ClaimService) claimableNow(transfer *domain.Transfer) error {
	if !transfer.Claimable() {
		return ErrTransferNotClaimable
	}
	if s.now().After(transfer.ExpiresAt) {
		return ErrTransferExpired
	}
	return nil
}

func (s *ClaimService) consumeLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) error {
	if s.limiter == nil {
		return nil
	}
	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, scope, subject, limit, window)
	if err != nil {
		// The limiter is advisory: losing Redis must not take claims down.
		log.Printf("level=warn component=claims op=rate_limit scope=%s err=%v", scope, err)
		return nil
	}
	if limit > 0 && count > limit {
		return fmt.Errorf("%w: retry in %ds", ErrRateLimited, retryAfter)
	}
	return nil
}

// notify records the notification and publishes the event for the external
// notification service. Failures are logged, not surfaced: notification
// delivery never gates a payout.
func (s *ClaimService) notify(ctx context.Context, transfer *domain.Transfer, kind string) {
	notification := &domain.Notification{
		ID:              uuid.New(),
		TransferID:      transfer.ID,
		Channel:         transfer.ContactType,
		DestinationHash: transfer.ContactHash,
		Provider:        "rabbitmq",
		Status:          "queued",
	}
	if err := s.repo.CreateNotification(ctx, notification); err != nil {
		log.Printf("level=warn component=claims op=notify transfer_id=%s kind=%s err=%v", transfer.ID, kind, err)
	}
	if s.producer == nil {
		return
	}
	event := rabbitmq.NotificationEvent{
		TransferID:      transfer.ID,
		Channel:         transfer.ContactType,
		DestinationHash: transfer.ContactHash,
		Kind:            kind,
		Timestamp:       s.now(),
	}
	if err := s.producer.PublishNotificationEvent(ctx, event); err != nil {
		log.Printf("level=warn component=claims op=publish_notification transfer_id=%s kind=%s err=%v", transfer.ID, kind, err)
	}
}

// generateOtp returns a 6-digit code and its hash.
func generateOtp() (string, string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", "", fmt.Errorf("failed to generate otp: %w", err)
	}
	otp := fmt.Sprintf("%06d", n.Int64())
	return otp, store.HashToken(otp), nil
}

// generateToken returns a 32-byte random hex token.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
