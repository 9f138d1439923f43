package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/claimlink/payout-service/internal/domain"
	"github.com/claimlink/payout-service/internal/store"
	"github.com/google/uuid"
)

// transfersRepoStub backs the transfer-service tests with in-memory state.
type transfersRepoStub struct {
	store.Repository

	transfers map[uuid.UUID]*domain.Transfer
	sessions  map[uuid.UUID]*domain.ClaimSession

	confirmCalls int
}

func newTransfersRepoStub() *transfersRepoStub {
	return &transfersRepoStub{
		transfers: make(map[uuid.UUID]*domain.Transfer),
		sessions:  make(map[uuid.UUID]*domain.ClaimSession),
	}
}

func (s *transfersRepoStub) CreateTransfer(ctx context.Context, input domain.CreateTransferInput) (*domain.Transfer, error) {
	transfer := &domain.Transfer{
		ID:             uuid.New(),
		PublicID:       input.PublicID,
		SenderWallet:   input.SenderWallet,
		ContactType:    input.ContactType,
		PrincipalUsdc:  input.PrincipalUsdc,
		SponsorFeeUsdc: input.SponsorFeeUsdc,
		Status:         domain.TransferStatusPrepared,
		ClaimTokenHash: input.ClaimTokenHash,
		ExpiresAt:      input.ExpiresAt,
	}
	s.transfers[transfer.ID] = transfer
	return transfer, nil
}

func (s *transfersRepoStub) ConfirmLockAndSetClaimToken(ctx context.Context, transferID uuid.UUID, senderWallet, publicID, escrowTxHash, claimTokenHash string) (bool, error) {
	s.confirmCalls++
	transfer, ok := s.transfers[transferID]
	if !ok || transfer.Status != domain.TransferStatusPrepared || transfer.SenderWallet != senderWallet || transfer.PublicID != publicID {
		return false, nil
	}
	transfer.Status = domain.TransferStatusLockConfirmed
	transfer.EscrowTxHash = &escrowTxHash
	transfer.ClaimTokenHash = claimTokenHash
	return true, nil
}

func (s *transfersRepoStub) GetTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	transfer, ok := s.transfers[transferID]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	return transfer, nil
}

func (s *transfersRepoStub) RotateClaimTokenHash(ctx context.Context, transferID uuid.UUID, claimTokenHash string) error {
	transfer, ok := s.transfers[transferID]
	if !ok {
		return store.ErrTransferNotFound
	}
	transfer.ClaimTokenHash = claimTokenHash
	return nil
}

func (s *transfersRepoStub) MarkTransferRefunded(ctx context.Context, transferID uuid.UUID) (bool, error) {
	transfer, ok := s.transfers[transferID]
	if !ok || transfer.Claimed() || transfer.Status == domain.TransferStatusRefunded {
		return false, nil
	}
	transfer.Status = domain.TransferStatusRefunded
	return true, nil
}

func (s *transfersRepoStub) ListExpiredClaimableTransfers(ctx context.Context, asOf time.Time, limit int) ([]domain.Transfer, error) {
	var due []domain.Transfer
	for _, transfer := range s.transfers {
		if transfer.Claimable() && transfer.ExpiresAt.Before(asOf) {
			due = append(due, *transfer)
		}
	}
	return due, nil
}

func (s *transfersRepoStub) FindActiveClaimSession(ctx context.Context, transferID uuid.UUID) (*domain.ClaimSession, error) {
	for _, session := range s.sessions {
		if session.TransferID == transferID && session.Active() {
			return session, nil
		}
	}
	return nil, store.ErrClaimSessionNotFound
}

func (s *transfersRepoStub) ExpireClaimSession(ctx context.Context, sessionID uuid.UUID) error {
	s.sessions[sessionID].Status = domain.ClaimSessionStatusExpired
	return nil
}

func (s *transfersRepoStub) UpdateTransferStatus(ctx context.Context, transferID uuid.UUID, status string) error {
	s.transfers[transferID].Status = status
	return nil
}

func (s *transfersRepoStub) GetSenderPrincipalTotalInWindow(ctx context.Context, senderWallet string, start, end time.Time) (int64, error) {
	var total int64
	for _, transfer := range s.transfers {
		if transfer.SenderWallet == senderWallet && transfer.Status != domain.TransferStatusFailed {
			total += transfer.PrincipalUsdc
		}
	}
	return total, nil
}

func TestCreateTransferFillsDefaults(t *testing.T) {
	repo := newTransfersRepoStub()
	svc := NewTransferService(repo)

	transfer, err := svc.CreateTransfer(context.Background(), domain.CreateTransferInput{
		SenderWallet:  "0xsender",
		ContactType:   domain.ContactTypeEmail,
		Contact:       "pat@example.com",
		PrincipalUsdc: 5_000_000,
	})
	if err != nil {
		t.Fatalf("CreateTransfer failed: %v", err)
	}
	if transfer.PublicID == "" {
		t.Error("expected a generated public id")
	}
	if transfer.ClaimTokenHash == "" {
		t.Error("expected a placeholder claim token hash")
	}
	if !transfer.ExpiresAt.After(time.Now().Add(6 * 24 * time.Hour)) {
		t.Errorf("expected ~7 day default expiry, got %s", transfer.ExpiresAt)
	}
}

func TestConfirmLockIssuesTokenOnce(t *testing.T) {
	repo := newTransfersRepoStub()
	svc := NewTransferService(repo)

	transfer, err := svc.CreateTransfer(context.Background(), domain.CreateTransferInput{
		SenderWallet:  "0xsender",
		ContactType:   domain.ContactTypeEmail,
		Contact:       "pat@example.com",
		PrincipalUsdc: 5_000_000,
	})
	if err != nil {
		t.Fatalf("CreateTransfer failed: %v", err)
	}

	token, err := svc.ConfirmLock(context.Background(), transfer.ID, "0xsender", transfer.PublicID, "0xescrow")
	if err != nil {
		t.Fatalf("ConfirmLock failed: %v", err)
	}
	if token == "" {
		t.Fatal("expected a raw claim token")
	}
	if repo.transfers[transfer.ID].ClaimTokenHash != store.HashToken(token) {
		t.Error("stored hash must match the issued token")
	}
	if repo.transfers[transfer.ID].Status != domain.TransferStatusLockConfirmed {
		t.Errorf("expected lock_confirmed, got %q", repo.transfers[transfer.ID].Status)
	}

	// The same confirmation applied again matches nothing.
	if _, err := svc.ConfirmLock(context.Background(), transfer.ID, "0xsender", transfer.PublicID, "0xescrow"); !errors.Is(err, ErrLockNotConfirmed) {
		t.Errorf("expected ErrLockNotConfirmed on replay, got %v", err)
	}
	if repo.confirmCalls != 2 {
		t.Errorf("expected 2 conditional writes, got %d", repo.confirmCalls)
	}
}

func TestConfirmLockRejectsWrongSender(t *testing.T) {
	repo := newTransfersRepoStub()
	svc := NewTransferService(repo)

	transfer, _ := svc.CreateTransfer(context.Background(), domain.CreateTransferInput{
		SenderWallet:  "0xsender",
		ContactType:   domain.ContactTypeEmail,
		Contact:       "pat@example.com",
		PrincipalUsdc: 5_000_000,
	})

	if _, err := svc.ConfirmLock(context.Background(), transfer.ID, "0xintruder", transfer.PublicID, "0xescrow"); !errors.Is(err, ErrLockNotConfirmed) {
		t.Errorf("expected ErrLockNotConfirmed, got %v", err)
	}
	if repo.transfers[transfer.ID].Status != domain.TransferStatusPrepared {
		t.Errorf("transfer must stay prepared, got %q", repo.transfers[transfer.ID].Status)
	}
}

func TestExpireDueTransfersRetiresOpenSessions(t *testing.T) {
	repo := newTransfersRepoStub()
	svc := NewTransferService(repo)

	due := &domain.Transfer{
		ID:        uuid.New(),
		Status:    domain.TransferStatusClaimStarted,
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	fresh := &domain.Transfer{
		ID:        uuid.New(),
		Status:    domain.TransferStatusLockConfirmed,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	repo.transfers[due.ID] = due
	repo.transfers[fresh.ID] = fresh

	session := &domain.ClaimSession{
		ID:         uuid.New(),
		TransferID: due.ID,
		Status:     domain.ClaimSessionStatusOtpSent,
	}
	repo.sessions[session.ID] = session

	expired, err := svc.ExpireDueTransfers(context.Background(), 100)
	if err != nil {
		t.Fatalf("ExpireDueTransfers failed: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expiry, got %d", expired)
	}
	if due.Status != domain.TransferStatusExpired {
		t.Errorf("expected expired transfer, got %q", due.Status)
	}
	if session.Status != domain.ClaimSessionStatusExpired {
		t.Errorf("expected expired session, got %q", session.Status)
	}
	if fresh.Status != domain.TransferStatusLockConfirmed {
		t.Errorf("fresh transfer must be untouched, got %q", fresh.Status)
	}
}

func TestRotateClaimTokenInvalidatesOldLink(t *testing.T) {
	repo := newTransfersRepoStub()
	svc := NewTransferService(repo)

	transfer := &domain.Transfer{
		ID:             uuid.New(),
		SenderWallet:   "0xsender",
		Status:         domain.TransferStatusLockConfirmed,
		ClaimTokenHash: store.HashToken("old-token"),
		ExpiresAt:      time.Now().Add(time.Hour),
	}
	repo.transfers[transfer.ID] = transfer

	token, err := svc.RotateClaimToken(context.Background(), transfer.ID, "0xsender")
	if err != nil {
		t.Fatalf("RotateClaimToken failed: %v", err)
	}
	if transfer.ClaimTokenHash != store.HashToken(token) {
		t.Error("stored hash must match the new token")
	}
	if transfer.ClaimTokenHash == store.HashToken("old-token") {
		t.Error("old claim link must stop working")
	}

	// Another sender cannot rotate someone else's link.
	if _, err := svc.RotateClaimToken(context.Background(), transfer.ID, "0xintruder"); !errors.Is(err, store.ErrTransferNotFound) {
		t.Errorf("expected ErrTransferNotFound for foreign transfer, got %v", err)
	}
	// A claimed transfer cannot be rotated.
	transfer.Status = domain.TransferStatusClaimedWallet
	if _, err := svc.RotateClaimToken(context.Background(), transfer.ID, "0xsender"); err == nil {
		t.Error("expected rotation of a claimed transfer to fail")
	}
}

func TestMarkRefundedRefusesClaimedTransfer(t *testing.T) {
	repo := newTransfersRepoStub()
	svc := NewTransferService(repo)

	claimed := &domain.Transfer{ID: uuid.New(), Status: domain.TransferStatusClaimedWallet}
	repo.transfers[claimed.ID] = claimed

	if err := svc.MarkRefunded(context.Background(), claimed.ID); err == nil {
		t.Fatal("expected refund of a claimed transfer to fail")
	}
	if claimed.Status != domain.TransferStatusClaimedWallet {
		t.Errorf("claimed transfer must be untouched, got %q", claimed.Status)
	}
}
