/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface
 * for transfers, plus the idempotent schema bootstrap. Cross-cutting invariants
 * (claim-token uniqueness, status transitions) are enforced through conditional
 * writes rather than application-level locks, so independent dispatch calls and
 * webhook callbacks can race safely.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/claimlink/payout-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrTransferNotFound      = errors.New("transfer not found")
	ErrClaimSessionNotFound  = errors.New("claim session not found")
	ErrPayoutAttemptNotFound = errors.New("payout attempt not found")
	ErrAmountMismatch        = errors.New("total locked must equal principal plus sponsor fee")
	ErrActiveSessionExists   = errors.New("an active claim session already exists for this transfer")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db     *pgxpool.Pool
	cipher *ContactCipher
	retry  RetryPolicy

	schemaOnce sync.Once
	schemaErr  error
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool, cipher *ContactCipher, retry RetryPolicy) *PostgresRepository {
	if cipher == nil {
		cipher = &ContactCipher{}
	}
	return &PostgresRepository{db: db, cipher: cipher, retry: retry}
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS transfers (
	id UUID PRIMARY KEY,
	public_id TEXT NOT NULL UNIQUE,
	sender_wallet TEXT NOT NULL,
	contact_type TEXT NOT NULL,
	contact_encrypted TEXT NOT NULL,
	contact_hash TEXT NOT NULL,
	contact_hint_hash TEXT NOT NULL DEFAULT '',
	principal_usdc BIGINT NOT NULL,
	sponsor_fee_usdc BIGINT NOT NULL,
	total_locked_usdc BIGINT NOT NULL,
	funding_source TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	region_code TEXT NOT NULL DEFAULT '',
	chain_id BIGINT NOT NULL,
	escrow_tx_hash TEXT,
	claim_token_hash TEXT NOT NULL UNIQUE,
	memo TEXT,
	expires_at TIMESTAMPTZ NOT NULL,
	claimed_at TIMESTAMPTZ,
	refunded_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_transfers_contact_hash ON transfers (contact_hash);
CREATE INDEX IF NOT EXISTS idx_transfers_sender_wallet ON transfers (sender_wallet, created_at);

CREATE TABLE IF NOT EXISTS claim_sessions (
	id UUID PRIMARY KEY,
	transfer_id UUID NOT NULL REFERENCES transfers(id),
	session_token_hash TEXT,
	otp_hash TEXT NOT NULL,
	otp_expires_at TIMESTAMPTZ NOT NULL,
	otp_attempts INT NOT NULL DEFAULT 0,
	max_attempts INT NOT NULL DEFAULT 5,
	resend_count INT NOT NULL DEFAULT 0,
	last_sent_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	verified_at TIMESTAMPTZ,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_claim_sessions_active
	ON claim_sessions (transfer_id)
	WHERE status IN ('otp_sent', 'otp_verified');

CREATE TABLE IF NOT EXISTS payout_attempts (
	id UUID PRIMARY KEY,
	transfer_id UUID NOT NULL REFERENCES transfers(id),
	claim_session_id UUID,
	method TEXT NOT NULL,
	provider TEXT NOT NULL,
	provider_reference TEXT,
	status TEXT NOT NULL,
	failure_code TEXT,
	failure_reason TEXT,
	wallet_tx_hash TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_payout_attempts_transfer ON payout_attempts (transfer_id, created_at);
CREATE INDEX IF NOT EXISTS idx_payout_attempts_reference ON payout_attempts (provider_reference);

CREATE TABLE IF NOT EXISTS notifications (
	id UUID PRIMARY KEY,
	transfer_id UUID NOT NULL,
	channel TEXT NOT NULL,
	destination_hash TEXT NOT NULL,
	provider TEXT NOT NULL DEFAULT '',
	provider_message_id TEXT,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS card_payees (
	contact_hash TEXT PRIMARY KEY,
	hint_hash TEXT NOT NULL DEFAULT '',
	provider_account_id TEXT NOT NULL,
	status TEXT NOT NULL,
	onboarding_url TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// EnsureSchema creates the service's tables if they do not exist. The result
// is memoized for the process lifetime so every caller can invoke it cheaply.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	r.schemaOnce.Do(func() {
		r.schemaErr = r.retry.withRetry(ctx, "ensure_schema", func(ctx context.Context) error {
			_, err := r.db.Exec(ctx, schemaDDL)
			return err
		})
	})
	return r.schemaErr
}

const transferColumns = `id, public_id, sender_wallet, contact_type, contact_encrypted, contact_hash,
	contact_hint_hash, principal_usdc, sponsor_fee_usdc, total_locked_usdc, funding_source, status,
	region_code, chain_id, escrow_tx_hash, claim_token_hash, memo, expires_at, claimed_at, refunded_at,
	created_at, updated_at`

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var t domain.Transfer
	err := row.Scan(
		&t.ID, &t.PublicID, &t.SenderWallet, &t.ContactType, &t.ContactEncrypted, &t.ContactHash,
		&t.ContactHintHash, &t.PrincipalUsdc, &t.SponsorFeeUsdc, &t.TotalLockedUsdc, &t.FundingSource,
		&t.Status, &t.RegionCode, &t.ChainID, &t.EscrowTxHash, &t.ClaimTokenHash, &t.Memo,
		&t.ExpiresAt, &t.ClaimedAt, &t.RefundedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTransfer persists a new 'prepared' transfer. The raw recipient
// contact is sealed with a key bound to (senderWallet, contactHash); without
// a configured encryption key the write fails with ErrEncryptionUnavailable.
func (r *PostgresRepository) CreateTransfer(ctx context.Context, input domain.CreateTransferInput) (*domain.Transfer, error) {
	if input.PrincipalUsdc <= 0 || input.SponsorFeeUsdc < 0 {
		return nil, fmt.Errorf("invalid amounts: principal=%d sponsor_fee=%d", input.PrincipalUsdc, input.SponsorFeeUsdc)
	}

	contactHash := HashContact(input.Contact)
	sealed, err := r.cipher.Seal(input.Contact, input.SenderWallet, contactHash)
	if err != nil {
		return nil, err
	}

	transfer := &domain.Transfer{
		ID:               uuid.New(),
		PublicID:         input.PublicID,
		SenderWallet:     strings.ToLower(input.SenderWallet),
		ContactType:      input.ContactType,
		ContactEncrypted: sealed,
		ContactHash:      contactHash,
		ContactHintHash:  input.ContactHintHash,
		PrincipalUsdc:    input.PrincipalUsdc,
		SponsorFeeUsdc:   input.SponsorFeeUsdc,
		TotalLockedUsdc:  input.PrincipalUsdc + input.SponsorFeeUsdc,
		FundingSource:    input.FundingSource,
		Status:           domain.TransferStatusPrepared,
		RegionCode:       strings.ToUpper(strings.TrimSpace(input.RegionCode)),
		ChainID:          input.ChainID,
		ClaimTokenHash:   input.ClaimTokenHash,
		Memo:             input.Memo,
		ExpiresAt:        input.ExpiresAt,
	}

	query := `
		INSERT INTO transfers (
			id, public_id, sender_wallet, contact_type, contact_encrypted, contact_hash,
			contact_hint_hash, principal_usdc, sponsor_fee_usdc, total_locked_usdc, funding_source,
			status, region_code, chain_id, claim_token_hash, memo, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING created_at, updated_at
	`
	err = r.retry.withRetry(ctx, "create_transfer", func(ctx context.Context) error {
		return r.db.QueryRow(ctx, query,
			transfer.ID, transfer.PublicID, transfer.SenderWallet, transfer.ContactType,
			transfer.ContactEncrypted, transfer.ContactHash, transfer.ContactHintHash,
			transfer.PrincipalUsdc, transfer.SponsorFeeUsdc, transfer.TotalLockedUsdc,
			transfer.FundingSource, transfer.Status, transfer.RegionCode, transfer.ChainID,
			transfer.ClaimTokenHash, transfer.Memo, transfer.ExpiresAt,
		).Scan(&transfer.CreatedAt, &transfer.UpdatedAt)
	})
	if err != nil {
		return nil, err
	}
	return transfer, nil
}

// GetTransferByID retrieves a transfer by its row id.
func (r *PostgresRepository) GetTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	var transfer *domain.Transfer
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE id = $1`
	err := r.retry.withRetry(ctx, "get_transfer", func(ctx context.Context) error {
		t, err := scanTransfer(r.db.QueryRow(ctx, query, transferID))
		if err != nil {
			return err
		}
		transfer = t
		return nil
	})
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return transfer, nil
}

// FindTransferByClaimTokenHash resolves a claim link to its transfer without
// ever seeing the raw token.
func (r *PostgresRepository) FindTransferByClaimTokenHash(ctx context.Context, claimTokenHash string) (*domain.Transfer, error) {
	var transfer *domain.Transfer
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE claim_token_hash = $1`
	err := r.retry.withRetry(ctx, "find_transfer_by_claim_token", func(ctx context.Context) error {
		t, err := scanTransfer(r.db.QueryRow(ctx, query, claimTokenHash))
		if err != nil {
			return err
		}
		transfer = t
		return nil
	})
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return transfer, nil
}

// FindTransfersByContactHash lists transfers addressed to a contact, newest
// first, without decrypting anything.
func (r *PostgresRepository) FindTransfersByContactHash(ctx context.Context, contactHash string) ([]domain.Transfer, error) {
	var transfers []domain.Transfer
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE contact_hash = $1 ORDER BY created_at DESC`
	err := r.retry.withRetry(ctx, "find_transfers_by_contact", func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, query, contactHash)
		if err != nil {
			return err
		}
		defer rows.Close()

		transfers = transfers[:0]
		for rows.Next() {
			t, err := scanTransfer(rows)
			if err != nil {
				return err
			}
			transfers = append(transfers, *t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return transfers, nil
}

// ConfirmLockAndSetClaimToken transitions a row from 'prepared' to
// 'lock_confirmed', recording the escrow tx hash and the claim token hash.
// Only rows matching all three identifiers and still in 'prepared' are
// touched; a false return means "already confirmed or not found" and the
// caller must treat it as such.
func (r *PostgresRepository) ConfirmLockAndSetClaimToken(ctx context.Context, transferID uuid.UUID, senderWallet, publicID, escrowTxHash, claimTokenHash string) (bool, error) {
	query := `
		UPDATE transfers
		SET status = $5, escrow_tx_hash = $6, claim_token_hash = $7, updated_at = NOW()
		WHERE id = $1
		  AND lower(sender_wallet) = lower($2)
		  AND public_id = $3
		  AND status = $4
	`
	var matched bool
	err := r.retry.withRetry(ctx, "confirm_lock", func(ctx context.Context) error {
		result, err := r.db.Exec(ctx, query,
			transferID, senderWallet, publicID,
			domain.TransferStatusPrepared, domain.TransferStatusLockConfirmed,
			escrowTxHash, claimTokenHash,
		)
		if err != nil {
			return err
		}
		matched = result.RowsAffected() == 1
		return nil
	})
	return matched, err
}

// RotateClaimTokenHash replaces the claim token hash, invalidating any
// previously issued claim link.
func (r *PostgresRepository) RotateClaimTokenHash(ctx context.Context, transferID uuid.UUID, claimTokenHash string) error {
	return r.retry.withRetry(ctx, "rotate_claim_token", func(ctx context.Context) error {
		result, err := r.db.Exec(ctx,
			`UPDATE transfers SET claim_token_hash = $2, updated_at = NOW() WHERE id = $1`,
			transferID, claimTokenHash)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return ErrTransferNotFound
		}
		return nil
	})
}

// UpdateTransferStatus writes a status unconditionally. Used only after the
// caller has established via session state that the transition is legal.
func (r *PostgresRepository) UpdateTransferStatus(ctx context.Context, transferID uuid.UUID, status string) error {
	return r.retry.withRetry(ctx, "update_transfer_status", func(ctx context.Context) error {
		result, err := r.db.Exec(ctx,
			`UPDATE transfers SET status = $2, updated_at = NOW() WHERE id = $1`,
			transferID, status)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return ErrTransferNotFound
		}
		return nil
	})
}

// MarkTransferClaimed records the terminal claimed status and timestamp. The
// guard excludes rows already in a terminal claimed state, so a transfer
// reaches a claimed status at most once.
func (r *PostgresRepository) MarkTransferClaimed(ctx context.Context, transferID uuid.UUID, terminalStatus string) (bool, error) {
	switch terminalStatus {
	case domain.TransferStatusClaimedDebit, domain.TransferStatusClaimedBank, domain.TransferStatusClaimedWallet:
	default:
		return false, fmt.Errorf("status %q is not a terminal claimed status", terminalStatus)
	}

	query := `
		UPDATE transfers
		SET status = $2, claimed_at = NOW(), updated_at = NOW()
		WHERE id = $1
		  AND status NOT IN ($3, $4, $5)
	`
	var matched bool
	err := r.retry.withRetry(ctx, "mark_transfer_claimed", func(ctx context.Context) error {
		result, err := r.db.Exec(ctx, query, transferID, terminalStatus,
			domain.TransferStatusClaimedDebit, domain.TransferStatusClaimedBank, domain.TransferStatusClaimedWallet)
		if err != nil {
			return err
		}
		matched = result.RowsAffected() == 1
		return nil
	})
	return matched, err
}

// MarkTransferRefunded flips a non-terminal transfer to 'refunded'.
func (r *PostgresRepository) MarkTransferRefunded(ctx context.Context, transferID uuid.UUID) (bool, error) {
	query := `
		UPDATE transfers
		SET status = $2, refunded_at = NOW(), updated_at = NOW()
		WHERE id = $1
		  AND status NOT IN ($3, $4, $5, $2)
	`
	var matched bool
	err := r.retry.withRetry(ctx, "mark_transfer_refunded", func(ctx context.Context) error {
		result, err := r.db.Exec(ctx, query, transferID, domain.TransferStatusRefunded,
			domain.TransferStatusClaimedDebit, domain.TransferStatusClaimedBank, domain.TransferStatusClaimedWallet)
		if err != nil {
			return err
		}
		matched = result.RowsAffected() == 1
		return nil
	})
	return matched, err
}

// ListExpiredClaimableTransfers returns claimable transfers whose expiry has
// passed, for the operator-driven expiry sweep.
func (r *PostgresRepository) ListExpiredClaimableTransfers(ctx context.Context, now time.Time, limit int) ([]domain.Transfer, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var transfers []domain.Transfer
	query := `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE expires_at < $1
		  AND status IN ($2, $3, $4)
		ORDER BY expires_at ASC
		LIMIT $5
	`
	err := r.retry.withRetry(ctx, "list_expired_transfers", func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, query, now,
			domain.TransferStatusPrepared, domain.TransferStatusLockConfirmed, domain.TransferStatusClaimStarted, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		transfers = transfers[:0]
		for rows.Next() {
			t, err := scanTransfer(rows)
			if err != nil {
				return err
			}
			transfers = append(transfers, *t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return transfers, nil
}

// GetSenderPrincipalTotalInWindow sums non-failed principal for a sender in
// the given window, for velocity/fraud-limit checks by the caller.
func (r *PostgresRepository) GetSenderPrincipalTotalInWindow(ctx context.Context, senderWallet string, start, end time.Time) (int64, error) {
	var total int64
	query := `
		SELECT COALESCE(SUM(principal_usdc), 0)
		FROM transfers
		WHERE lower(sender_wallet) = lower($1)
		  AND created_at >= $2 AND created_at < $3
		  AND status <> $4
	`
	err := r.retry.withRetry(ctx, "sender_principal_window", func(ctx context.Context) error {
		return r.db.QueryRow(ctx, query, senderWallet, start, end, domain.TransferStatusFailed).Scan(&total)
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// DecryptContact opens a transfer's sealed contact.
func (r *PostgresRepository) DecryptContact(transfer *domain.Transfer) (string, error) {
	return r.cipher.Open(transfer.ContactEncrypted, transfer.SenderWallet, transfer.ContactHash)
}
