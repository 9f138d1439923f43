package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/claimlink/payout-service/internal/domain"
	"github.com/claimlink/payout-service/internal/provider"
	"github.com/claimlink/payout-service/internal/store"
	"github.com/google/uuid"
)

// claimsRepoStub backs the claim-flow tests with in-memory state.
type claimsRepoStub struct {
	store.Repository

	transfers     map[uuid.UUID]*domain.Transfer
	sessions      map[uuid.UUID]*domain.ClaimSession
	notifications []domain.Notification
	attempts      []domain.PayoutAttempt
	updates       map[uuid.UUID][]store.UpdatePayoutAttemptParams
}

func newClaimsRepoStub() *claimsRepoStub {
	return &claimsRepoStub{
		transfers: make(map[uuid.UUID]*domain.Transfer),
		sessions:  make(map[uuid.UUID]*domain.ClaimSession),
		updates:   make(map[uuid.UUID][]store.UpdatePayoutAttemptParams),
	}
}

func (s *claimsRepoStub) FindTransferByClaimTokenHash(ctx context.Context, claimTokenHash string) (*domain.Transfer, error) {
	for _, t := range s.transfers {
		if t.ClaimTokenHash == claimTokenHash {
			return t, nil
		}
	}
	return nil, store.ErrTransferNotFound
}

func (s *claimsRepoStub) GetTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	t, ok := s.transfers[transferID]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	return t, nil
}

func (s *claimsRepoStub) UpdateTransferStatus(ctx context.Context, transferID uuid.UUID, status string) error {
	s.transfers[transferID].Status = status
	return nil
}

func (s *claimsRepoStub) MarkTransferClaimed(ctx context.Context, transferID uuid.UUID, terminalStatus string) (bool, error) {
	t := s.transfers[transferID]
	if t.Claimed() {
		return false, nil
	}
	t.Status = terminalStatus
	return true, nil
}

func (s *claimsRepoStub) CreateClaimSession(ctx context.Context, session *domain.ClaimSession) error {
	for _, existing := range s.sessions {
		if existing.TransferID == session.TransferID && existing.Active() {
			return store.ErrActiveSessionExists
		}
	}
	session.Status = domain.ClaimSessionStatusOtpSent
	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

func (s *claimsRepoStub) GetClaimSessionByID(ctx context.Context, sessionID uuid.UUID) (*domain.ClaimSession, error) {
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, store.ErrClaimSessionNotFound
	}
	copied := *session
	return &copied, nil
}

func (s *claimsRepoStub) FindActiveClaimSession(ctx context.Context, transferID uuid.UUID) (*domain.ClaimSession, error) {
	for _, session := range s.sessions {
		if session.TransferID == transferID && session.Active() {
			copied := *session
			return &copied, nil
		}
	}
	return nil, store.ErrClaimSessionNotFound
}

func (s *claimsRepoStub) MarkClaimSessionOtpAttempt(ctx context.Context, sessionID uuid.UUID) (*domain.ClaimSession, error) {
	session, ok := s.sessions[sessionID]
	if !ok || session.Status != domain.ClaimSessionStatusOtpSent {
		return nil, store.ErrClaimSessionNotFound
	}
	session.OtpAttempts++
	if session.OtpAttempts >= session.MaxAttempts {
		session.Status = domain.ClaimSessionStatusLocked
	}
	copied := *session
	return &copied, nil
}

func (s *claimsRepoStub) VerifyClaimSession(ctx context.Context, sessionID uuid.UUID, sessionTokenHash string) (bool, error) {
	session, ok := s.sessions[sessionID]
	if !ok || session.Status != domain.ClaimSessionStatusOtpSent {
		return false, nil
	}
	session.Status = domain.ClaimSessionStatusOtpVerified
	session.SessionTokenHash = &sessionTokenHash
	return true, nil
}

func (s *claimsRepoStub) RefreshClaimSessionOtp(ctx context.Context, sessionID uuid.UUID, otpHash string, otpExpiresAt time.Time) error {
	session, ok := s.sessions[sessionID]
	if !ok || session.Status != domain.ClaimSessionStatusOtpSent {
		return store.ErrClaimSessionNotFound
	}
	session.OtpHash = otpHash
	session.OtpExpiresAt = otpExpiresAt
	session.OtpAttempts = 0
	session.ResendCount++
	return nil
}

func (s *claimsRepoStub) MarkClaimSessionCompleted(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	session, ok := s.sessions[sessionID]
	if !ok || session.Status != domain.ClaimSessionStatusOtpVerified {
		return false, nil
	}
	session.Status = domain.ClaimSessionStatusCompleted
	return true, nil
}

func (s *claimsRepoStub) CreateNotification(ctx context.Context, notification *domain.Notification) error {
	s.notifications = append(s.notifications, *notification)
	return nil
}

func (s *claimsRepoStub) CreatePayoutAttempt(ctx context.Context, attempt *domain.PayoutAttempt) error {
	s.attempts = append(s.attempts, *attempt)
	return nil
}

func (s *claimsRepoStub) UpdatePayoutAttempt(ctx context.Context, attemptID uuid.UUID, params store.UpdatePayoutAttemptParams) error {
	s.updates[attemptID] = append(s.updates[attemptID], params)
	return nil
}

func (s *claimsRepoStub) ListPayoutAttemptsByTransfer(ctx context.Context, transferID uuid.UUID) ([]domain.PayoutAttempt, error) {
	return s.attempts, nil
}

func (s *claimsRepoStub) DecryptContact(transfer *domain.Transfer) (string, error) {
	return "recipient@example.com", nil
}

func seedClaimableTransfer(repo *claimsRepoStub, claimToken string) *domain.Transfer {
	transfer := &domain.Transfer{
		ID:             uuid.New(),
		PublicID:       "pub-7",
		SenderWallet:   "0xsender",
		ContactType:    domain.ContactTypeEmail,
		ContactHash:    "contact-hash",
		PrincipalUsdc:  1_000_000,
		Status:         domain.TransferStatusLockConfirmed,
		RegionCode:     "US",
		ChainID:        8453,
		ClaimTokenHash: store.HashToken(claimToken),
		ExpiresAt:      time.Now().Add(time.Hour),
	}
	repo.transfers[transfer.ID] = transfer
	return transfer
}

func newClaimService(repo *claimsRepoStub) *ClaimService {
	engine := NewEngine(repo, &relayerStub{walletHash: "0xrelease"}, nil, nil, nil, defaultEngineConfig())
	return NewClaimService(repo, engine, nil, nil, ClaimServiceConfig{
		OtpTTL:         10 * time.Minute,
		OtpMaxAttempts: 3,
	})
}

func TestStartClaimOpensSessionAndAdvancesTransfer(t *testing.T) {
	repo := newClaimsRepoStub()
	transfer := seedClaimableTransfer(repo, "claim-token")
	svc := newClaimService(repo)

	result, err := svc.StartClaim(context.Background(), "claim-token")
	if err != nil {
		t.Fatalf("StartClaim failed: %v", err)
	}
	if result.Session.Status != domain.ClaimSessionStatusOtpSent {
		t.Errorf("expected otp_sent session, got %q", result.Session.Status)
	}
	if repo.transfers[transfer.ID].Status != domain.TransferStatusClaimStarted {
		t.Errorf("expected claim_started transfer, got %q", repo.transfers[transfer.ID].Status)
	}
	if len(repo.notifications) != 1 {
		t.Errorf("expected one OTP notification record, got %d", len(repo.notifications))
	}
}

func TestStartClaimRejectsUnknownToken(t *testing.T) {
	repo := newClaimsRepoStub()
	seedClaimableTransfer(repo, "claim-token")
	svc := newClaimService(repo)

	if _, err := svc.StartClaim(context.Background(), "wrong-token"); !errors.Is(err, store.ErrTransferNotFound) {
		t.Errorf("expected ErrTransferNotFound, got %v", err)
	}
}

func TestStartClaimRefreshesExistingSession(t *testing.T) {
	repo := newClaimsRepoStub()
	seedClaimableTransfer(repo, "claim-token")
	svc := newClaimService(repo)

	first, err := svc.StartClaim(context.Background(), "claim-token")
	if err != nil {
		t.Fatalf("first StartClaim failed: %v", err)
	}
	second, err := svc.StartClaim(context.Background(), "claim-token")
	if err != nil {
		t.Fatalf("second StartClaim failed: %v", err)
	}
	if first.Session.ID != second.Session.ID {
		t.Error("a second start must reuse the active session, not open another")
	}
	if repo.sessions[first.Session.ID].ResendCount != 1 {
		t.Errorf("expected resend counter bumped, got %d", repo.sessions[first.Session.ID].ResendCount)
	}
}

func TestStartClaimRejectsExpiredTransfer(t *testing.T) {
	repo := newClaimsRepoStub()
	transfer := seedClaimableTransfer(repo, "claim-token")
	transfer.ExpiresAt = time.Now().Add(-time.Minute)
	svc := newClaimService(repo)

	if _, err := svc.StartClaim(context.Background(), "claim-token"); !errors.Is(err, ErrTransferExpired) {
		t.Errorf("expected ErrTransferExpired, got %v", err)
	}
}

func startVerifiedSession(t *testing.T, repo *claimsRepoStub, svc *ClaimService) (uuid.UUID, string) {
	t.Helper()
	result, err := svc.StartClaim(context.Background(), "claim-token")
	if err != nil {
		t.Fatalf("StartClaim failed: %v", err)
	}
	// The raw OTP is not exposed; install a known one.
	repo.sessions[result.Session.ID].OtpHash = store.HashToken("123456")

	token, err := svc.VerifyOtp(context.Background(), result.Session.ID, "123456")
	if err != nil {
		t.Fatalf("VerifyOtp failed: %v", err)
	}
	return result.Session.ID, token
}

func TestVerifyOtpWrongCodeSpendsAttemptsThenLocks(t *testing.T) {
	repo := newClaimsRepoStub()
	seedClaimableTransfer(repo, "claim-token")
	svc := newClaimService(repo)

	result, err := svc.StartClaim(context.Background(), "claim-token")
	if err != nil {
		t.Fatalf("StartClaim failed: %v", err)
	}
	repo.sessions[result.Session.ID].OtpHash = store.HashToken("123456")

	for i := 0; i < 2; i++ {
		if _, err := svc.VerifyOtp(context.Background(), result.Session.ID, "000000"); !errors.Is(err, ErrOtpInvalid) {
			t.Fatalf("attempt %d: expected ErrOtpInvalid, got %v", i+1, err)
		}
	}
	// Third wrong guess exhausts the budget of 3.
	if _, err := svc.VerifyOtp(context.Background(), result.Session.ID, "000000"); !errors.Is(err, ErrSessionLocked) {
		t.Fatalf("expected ErrSessionLocked on budget exhaustion, got %v", err)
	}
	// The right code no longer helps.
	if _, err := svc.VerifyOtp(context.Background(), result.Session.ID, "123456"); !errors.Is(err, ErrSessionLocked) {
		t.Errorf("expected locked session to stay locked, got %v", err)
	}
}

func TestVerifyOtpExpiredCode(t *testing.T) {
	repo := newClaimsRepoStub()
	seedClaimableTransfer(repo, "claim-token")
	svc := newClaimService(repo)

	result, err := svc.StartClaim(context.Background(), "claim-token")
	if err != nil {
		t.Fatalf("StartClaim failed: %v", err)
	}
	repo.sessions[result.Session.ID].OtpHash = store.HashToken("123456")
	repo.sessions[result.Session.ID].OtpExpiresAt = time.Now().Add(-time.Minute)

	if _, err := svc.VerifyOtp(context.Background(), result.Session.ID, "123456"); !errors.Is(err, ErrOtpExpired) {
		t.Errorf("expected ErrOtpExpired, got %v", err)
	}
}

func TestVerifyOtpIssuesBearerToken(t *testing.T) {
	repo := newClaimsRepoStub()
	seedClaimableTransfer(repo, "claim-token")
	svc := newClaimService(repo)

	sessionID, token := startVerifiedSession(t, repo, svc)
	if token == "" {
		t.Fatal("expected a bearer token")
	}
	session := repo.sessions[sessionID]
	if session.Status != domain.ClaimSessionStatusOtpVerified {
		t.Errorf("expected otp_verified, got %q", session.Status)
	}
	if session.SessionTokenHash == nil || *session.SessionTokenHash != store.HashToken(token) {
		t.Error("stored token hash must match the issued token")
	}
}

func TestSelectPayoutRejectsWrongToken(t *testing.T) {
	repo := newClaimsRepoStub()
	seedClaimableTransfer(repo, "claim-token")
	svc := newClaimService(repo)

	sessionID, _ := startVerifiedSession(t, repo, svc)
	if _, err := svc.SelectPayout(context.Background(), sessionID, "forged", domain.PayoutMethodWallet, "0xdest"); !errors.Is(err, ErrInvalidSessionToken) {
		t.Errorf("expected ErrInvalidSessionToken, got %v", err)
	}
}

func TestSelectPayoutWalletCompletesClaim(t *testing.T) {
	repo := newClaimsRepoStub()
	transfer := seedClaimableTransfer(repo, "claim-token")
	svc := newClaimService(repo)

	sessionID, token := startVerifiedSession(t, repo, svc)
	outcome, err := svc.SelectPayout(context.Background(), sessionID, token, domain.PayoutMethodWallet, "0xdest")
	if err != nil {
		t.Fatalf("SelectPayout failed: %v", err)
	}
	if outcome.Status != provider.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s (%s)", outcome.Status, outcome.FailureReason)
	}
	if repo.transfers[transfer.ID].Status != domain.TransferStatusClaimedWallet {
		t.Errorf("expected claimed_wallet, got %q", repo.transfers[transfer.ID].Status)
	}
	if repo.sessions[sessionID].Status != domain.ClaimSessionStatusCompleted {
		t.Errorf("expected completed session, got %q", repo.sessions[sessionID].Status)
	}
	// A replay with the same token finds a completed session and is refused.
	if _, err := svc.SelectPayout(context.Background(), sessionID, token, domain.PayoutMethodWallet, "0xdest"); !errors.Is(err, ErrSessionNotVerified) {
		t.Errorf("expected replay to be refused, got %v", err)
	}
}
