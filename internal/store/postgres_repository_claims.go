/**
 * @description
 * PostgreSQL implementation of the claim-session, payout-attempt,
 * notification and card-payee portions of the `Repository` interface.
 * Session transitions are guarded in SQL so racing verification and
 * completion calls resolve to exactly one winner.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver.
 * - internal/domain: Domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/claimlink/payout-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const claimSessionColumns = `id, transfer_id, session_token_hash, otp_hash, otp_expires_at, otp_attempts,
	max_attempts, resend_count, last_sent_at, verified_at, status, created_at, updated_at`

func scanClaimSession(row pgx.Row) (*domain.ClaimSession, error) {
	var s domain.ClaimSession
	err := row.Scan(
		&s.ID, &s.TransferID, &s.SessionTokenHash, &s.OtpHash, &s.OtpExpiresAt, &s.OtpAttempts,
		&s.MaxAttempts, &s.ResendCount, &s.LastSentAt, &s.VerifiedAt, &s.Status, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateClaimSession inserts a new 'otp_sent' session. The partial unique
// index on active sessions rejects a second concurrent session for the same
// transfer; that violation is surfaced as ErrActiveSessionExists.
func (r *PostgresRepository) CreateClaimSession(ctx context.Context, session *domain.ClaimSession) error {
	query := `
		INSERT INTO claim_sessions (id, transfer_id, otp_hash, otp_expires_at, max_attempts, last_sent_at, status)
		VALUES ($1, $2, $3, $4, $5, NOW(), $6)
		RETURNING last_sent_at, created_at, updated_at
	`
	err := r.retry.withRetry(ctx, "create_claim_session", func(ctx context.Context) error {
		return r.db.QueryRow(ctx, query,
			session.ID, session.TransferID, session.OtpHash, session.OtpExpiresAt,
			session.MaxAttempts, domain.ClaimSessionStatusOtpSent,
		).Scan(&session.LastSentAt, &session.CreatedAt, &session.UpdatedAt)
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrActiveSessionExists
		}
		return err
	}
	session.Status = domain.ClaimSessionStatusOtpSent
	return nil
}

// GetClaimSessionByID retrieves a claim session by its id.
func (r *PostgresRepository) GetClaimSessionByID(ctx context.Context, sessionID uuid.UUID) (*domain.ClaimSession, error) {
	var session *domain.ClaimSession
	query := `SELECT ` + claimSessionColumns + ` FROM claim_sessions WHERE id = $1`
	err := r.retry.withRetry(ctx, "get_claim_session", func(ctx context.Context) error {
		s, err := scanClaimSession(r.db.QueryRow(ctx, query, sessionID))
		if err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrClaimSessionNotFound
		}
		return nil, err
	}
	return session, nil
}

// FindActiveClaimSession returns the transfer's open session, if any.
func (r *PostgresRepository) FindActiveClaimSession(ctx context.Context, transferID uuid.UUID) (*domain.ClaimSession, error) {
	var session *domain.ClaimSession
	query := `
		SELECT ` + claimSessionColumns + `
		FROM claim_sessions
		WHERE transfer_id = $1 AND status IN ($2, $3)
	`
	err := r.retry.withRetry(ctx, "find_active_claim_session", func(ctx context.Context) error {
		s, err := scanClaimSession(r.db.QueryRow(ctx, query, transferID,
			domain.ClaimSessionStatusOtpSent, domain.ClaimSessionStatusOtpVerified))
		if err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrClaimSessionNotFound
		}
		return nil, err
	}
	return session, nil
}

// MarkClaimSessionOtpAttempt increments the attempt counter and flips the
// session to 'locked' once the budget is spent. Both happen in one statement
// so concurrent wrong guesses cannot overshoot the budget unlocked.
func (r *PostgresRepository) MarkClaimSessionOtpAttempt(ctx context.Context, sessionID uuid.UUID) (*domain.ClaimSession, error) {
	var session *domain.ClaimSession
	query := `
		UPDATE claim_sessions
		SET otp_attempts = otp_attempts + 1,
		    status = CASE WHEN otp_attempts + 1 >= max_attempts THEN $2 ELSE status END,
		    updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING ` + claimSessionColumns + `
	`
	err := r.retry.withRetry(ctx, "mark_otp_attempt", func(ctx context.Context) error {
		s, err := scanClaimSession(r.db.QueryRow(ctx, query, sessionID,
			domain.ClaimSessionStatusLocked, domain.ClaimSessionStatusOtpSent))
		if err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrClaimSessionNotFound
		}
		return nil, err
	}
	return session, nil
}

// VerifyClaimSession promotes an 'otp_sent' session to 'otp_verified' and
// installs the bearer-token hash. Guarded so a locked or expired session can
// never be verified, and a session verifies at most once.
func (r *PostgresRepository) VerifyClaimSession(ctx context.Context, sessionID uuid.UUID, sessionTokenHash string) (bool, error) {
	query := `
		UPDATE claim_sessions
		SET status = $2, session_token_hash = $3, verified_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4
	`
	var matched bool
	err := r.retry.withRetry(ctx, "verify_claim_session", func(ctx context.Context) error {
		result, err := r.db.Exec(ctx, query, sessionID,
			domain.ClaimSessionStatusOtpVerified, sessionTokenHash, domain.ClaimSessionStatusOtpSent)
		if err != nil {
			return err
		}
		matched = result.RowsAffected() == 1
		return nil
	})
	return matched, err
}

// RefreshClaimSessionOtp installs a new code on an open session, resetting
// the attempt counter and bumping the resend counter.
func (r *PostgresRepository) RefreshClaimSessionOtp(ctx context.Context, sessionID uuid.UUID, otpHash string, otpExpiresAt time.Time) error {
	query := `
		UPDATE claim_sessions
		SET otp_hash = $2, otp_expires_at = $3, otp_attempts = 0,
		    resend_count = resend_count + 1, last_sent_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4
	`
	return r.retry.withRetry(ctx, "refresh_claim_otp", func(ctx context.Context) error {
		result, err := r.db.Exec(ctx, query, sessionID, otpHash, otpExpiresAt, domain.ClaimSessionStatusOtpSent)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return ErrClaimSessionNotFound
		}
		return nil
	})
}

// MarkClaimSessionCompleted moves a verified session to 'completed'.
func (r *PostgresRepository) MarkClaimSessionCompleted(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	query := `
		UPDATE claim_sessions
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`
	var matched bool
	err := r.retry.withRetry(ctx, "complete_claim_session", func(ctx context.Context) error {
		result, err := r.db.Exec(ctx, query, sessionID,
			domain.ClaimSessionStatusCompleted, domain.ClaimSessionStatusOtpVerified)
		if err != nil {
			return err
		}
		matched = result.RowsAffected() == 1
		return nil
	})
	return matched, err
}

// ExpireClaimSession retires an open session. Completed and locked sessions
// are left untouched.
func (r *PostgresRepository) ExpireClaimSession(ctx context.Context, sessionID uuid.UUID) error {
	query := `
		UPDATE claim_sessions
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
	`
	return r.retry.withRetry(ctx, "expire_claim_session", func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, query, sessionID, domain.ClaimSessionStatusExpired,
			domain.ClaimSessionStatusOtpSent, domain.ClaimSessionStatusOtpVerified)
		return err
	})
}

const payoutAttemptColumns = `id, transfer_id, claim_session_id, method, provider, provider_reference,
	status, failure_code, failure_reason, wallet_tx_hash, created_at, updated_at`

func scanPayoutAttempt(row pgx.Row) (*domain.PayoutAttempt, error) {
	var a domain.PayoutAttempt
	err := row.Scan(
		&a.ID, &a.TransferID, &a.ClaimSessionID, &a.Method, &a.Provider, &a.ProviderReference,
		&a.Status, &a.FailureCode, &a.FailureReason, &a.WalletTxHash, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreatePayoutAttempt inserts a new attempt row.
func (r *PostgresRepository) CreatePayoutAttempt(ctx context.Context, attempt *domain.PayoutAttempt) error {
	query := `
		INSERT INTO payout_attempts (id, transfer_id, claim_session_id, method, provider, provider_reference, status, wallet_tx_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`
	return r.retry.withRetry(ctx, "create_payout_attempt", func(ctx context.Context) error {
		return r.db.QueryRow(ctx, query,
			attempt.ID, attempt.TransferID, attempt.ClaimSessionID, attempt.Method,
			attempt.Provider, attempt.ProviderReference, attempt.Status, attempt.WalletTxHash,
		).Scan(&attempt.CreatedAt, &attempt.UpdatedAt)
	})
}

// UpdatePayoutAttempt applies a partial update: nil fields are left
// untouched, and provider_reference / wallet_tx_hash keep their recorded
// value unless a non-nil replacement is given. A late or out-of-order
// provider callback therefore cannot erase settlement evidence.
func (r *PostgresRepository) UpdatePayoutAttempt(ctx context.Context, attemptID uuid.UUID, params UpdatePayoutAttemptParams) error {
	query := `
		UPDATE payout_attempts
		SET status = COALESCE($2, status),
		    provider_reference = COALESCE($3, provider_reference),
		    failure_code = COALESCE($4, failure_code),
		    failure_reason = COALESCE($5, failure_reason),
		    wallet_tx_hash = COALESCE($6, wallet_tx_hash),
		    updated_at = NOW()
		WHERE id = $1
	`
	return r.retry.withRetry(ctx, "update_payout_attempt", func(ctx context.Context) error {
		result, err := r.db.Exec(ctx, query, attemptID,
			params.Status, params.ProviderReference, params.FailureCode, params.FailureReason, params.WalletTxHash)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return ErrPayoutAttemptNotFound
		}
		return nil
	})
}

// ListPayoutAttemptsByTransfer returns a transfer's attempts oldest first,
// so the latest attempt is last.
func (r *PostgresRepository) ListPayoutAttemptsByTransfer(ctx context.Context, transferID uuid.UUID) ([]domain.PayoutAttempt, error) {
	var attempts []domain.PayoutAttempt
	query := `SELECT ` + payoutAttemptColumns + ` FROM payout_attempts WHERE transfer_id = $1 ORDER BY created_at ASC`
	err := r.retry.withRetry(ctx, "list_payout_attempts", func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, query, transferID)
		if err != nil {
			return err
		}
		defer rows.Close()

		attempts = attempts[:0]
		for rows.Next() {
			a, err := scanPayoutAttempt(rows)
			if err != nil {
				return err
			}
			attempts = append(attempts, *a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

// FindPayoutAttemptByProviderReference correlates an inbound webhook event
// with the attempt that produced it.
func (r *PostgresRepository) FindPayoutAttemptByProviderReference(ctx context.Context, providerReference string) (*domain.PayoutAttempt, error) {
	var attempt *domain.PayoutAttempt
	query := `SELECT ` + payoutAttemptColumns + ` FROM payout_attempts WHERE provider_reference = $1`
	err := r.retry.withRetry(ctx, "find_attempt_by_reference", func(ctx context.Context) error {
		a, err := scanPayoutAttempt(r.db.QueryRow(ctx, query, providerReference))
		if err != nil {
			return err
		}
		attempt = a
		return nil
	})
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPayoutAttemptNotFound
		}
		return nil, err
	}
	return attempt, nil
}

// CreateNotification records that an outbound message was handed off.
func (r *PostgresRepository) CreateNotification(ctx context.Context, notification *domain.Notification) error {
	query := `
		INSERT INTO notifications (id, transfer_id, channel, destination_hash, provider, provider_message_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`
	return r.retry.withRetry(ctx, "create_notification", func(ctx context.Context) error {
		return r.db.QueryRow(ctx, query,
			notification.ID, notification.TransferID, notification.Channel, notification.DestinationHash,
			notification.Provider, notification.ProviderMessageID, notification.Status,
		).Scan(&notification.CreatedAt)
	})
}

// FindCardPayeeByContactHash looks up a recipient's card-rail account mapping.
func (r *PostgresRepository) FindCardPayeeByContactHash(ctx context.Context, contactHash string) (*CardPayee, error) {
	var payee CardPayee
	query := `
		SELECT contact_hash, hint_hash, provider_account_id, status, onboarding_url, created_at, updated_at
		FROM card_payees WHERE contact_hash = $1
	`
	err := r.retry.withRetry(ctx, "find_card_payee", func(ctx context.Context) error {
		return r.db.QueryRow(ctx, query, contactHash).Scan(
			&payee.ContactHash, &payee.HintHash, &payee.ProviderAccountID, &payee.Status,
			&payee.OnboardingURL, &payee.CreatedAt, &payee.UpdatedAt)
	})
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &payee, nil
}

// UpsertCardPayee creates or updates the contact-to-account mapping.
func (r *PostgresRepository) UpsertCardPayee(ctx context.Context, payee *CardPayee) error {
	query := `
		INSERT INTO card_payees (contact_hash, hint_hash, provider_account_id, status, onboarding_url)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (contact_hash) DO UPDATE
		SET provider_account_id = EXCLUDED.provider_account_id,
		    status = EXCLUDED.status,
		    onboarding_url = EXCLUDED.onboarding_url,
		    updated_at = NOW()
		RETURNING created_at, updated_at
	`
	return r.retry.withRetry(ctx, "upsert_card_payee", func(ctx context.Context) error {
		return r.db.QueryRow(ctx, query,
			payee.ContactHash, payee.HintHash, payee.ProviderAccountID, payee.Status, payee.OnboardingURL,
		).Scan(&payee.CreatedAt, &payee.UpdatedAt)
	})
}
