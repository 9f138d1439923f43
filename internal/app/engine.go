/**
 * @description
 * The payout dispatch engine: given a claimed transfer and a chosen method,
 * it runs eligibility checks, triggers on-chain settlement to the payout
 * treasury, and dispatches to the appropriate rail, applying fallback rules.
 *
 * The central invariant is the settlement asymmetry: before treasury
 * settlement a fallback is safe and automatic (no funds have moved), after
 * settlement a fallback is never automatic. A rail that asks for a fallback
 * once funds sit in the treasury produces a FAILED result with a
 * *_FALLBACK_AFTER_SETTLEMENT code and requires manual reconciliation.
 *
 * A dispatch call abandoned between settlement and rail dispatch (process
 * restart) is resumable: the recorded treasury tx hash on the unresolved
 * attempt is reused and only the rail leg is retried.
 *
 * @dependencies
 * - internal/store: Conditional writes and payout attempt audit records.
 * - internal/provider: The rail adapter contract.
 * - pkg/relayerclient: On-chain settlement calls (behind the Relayer interface).
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/claimlink/payout-service/internal/domain"
	"github.com/claimlink/payout-service/internal/provider"
	"github.com/claimlink/payout-service/internal/store"
	"github.com/google/uuid"
)

// Relayer is the on-chain collaborator that moves escrowed funds. Both
// operations are atomic and idempotent keyed by the transfer's public id.
type Relayer interface {
	ClaimToPayoutTreasury(ctx context.Context, transferID string, chainID int64) (string, error)
	ClaimToWallet(ctx context.Context, transferID, recipientAddress string, chainID int64) (string, error)
}

// DispatchOutcome is the engine's result for one dispatch call. It carries a
// machine-readable failure code plus a human-readable reason; raw provider
// payloads are never propagated.
type DispatchOutcome struct {
	Status            provider.Status `json:"status"`
	Method            string          `json:"method"`
	AttemptID         uuid.UUID       `json:"attempt_id"`
	ProviderReference string          `json:"provider_reference,omitempty"`
	TreasuryTxHash    string          `json:"treasury_tx_hash,omitempty"`
	FallbackMethod    string          `json:"fallback_method,omitempty"`
	FailureCode       string          `json:"failure_code,omitempty"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	OnboardingURL     string          `json:"onboarding_url,omitempty"`
	SettlementEta     string          `json:"settlement_eta,omitempty"`
}

// EngineConfig carries the engine's behavior switches, loaded once at boot.
type EngineConfig struct {
	EnabledDebitRegions map[string]bool
	DebitMaxAmountUsdc  int64
	ForceDebitFallback  bool
	// RequireSettlementSuccess gates the card leg of a chained topology on
	// the settlement leg reaching a final state.
	RequireSettlementSuccess bool
}

// Engine orchestrates payout dispatch across the configured rails.
type Engine struct {
	repo           store.Repository
	relayer        Relayer
	debitRail      provider.Rail
	bankRail       provider.Rail
	settlementRail provider.Rail // non-nil only in the chained debit topology
	cfg            EngineConfig
	now            func() time.Time
}

// NewEngine creates a dispatch engine. settlementRail may be nil when the
// debit topology has no separate settlement leg.
func NewEngine(repo store.Repository, relayer Relayer, debitRail, bankRail, settlementRail provider.Rail, cfg EngineConfig) *Engine {
	return &Engine{
		repo:           repo,
		relayer:        relayer,
		debitRail:      debitRail,
		bankRail:       bankRail,
		settlementRail: settlementRail,
		cfg:            cfg,
		now:            time.Now,
	}
}

// Dispatch pays out a transfer via the chosen method. recipientAddress is
// required for wallet payouts and ignored otherwise.
func (e *Engine) Dispatch(ctx context.Context, transfer *domain.Transfer, session *domain.ClaimSession, method, recipientAddress string) (*DispatchOutcome, error) {
	if transfer.Claimed() {
		return &DispatchOutcome{
			Status:        provider.StatusFailed,
			Method:        method,
			FailureCode:   payoutErrorCode(method),
			FailureReason: "transfer has already been claimed",
		}, nil
	}

	switch method {
	case domain.PayoutMethodWallet:
		return e.dispatchWallet(ctx, transfer, session, recipientAddress)
	case domain.PayoutMethodDebit, domain.PayoutMethodBank:
		return e.dispatchRail(ctx, transfer, session, method)
	default:
		return nil, fmt.Errorf("unknown payout method %q", method)
	}
}

// dispatchWallet bypasses the eligibility/settlement ceremony: the relayer
// releases escrowed funds straight to the recipient address.
func (e *Engine) dispatchWallet(ctx context.Context, transfer *domain.Transfer, session *domain.ClaimSession, recipientAddress string) (*DispatchOutcome, error) {
	if recipientAddress == "" {
		return &DispatchOutcome{
			Status:        provider.StatusFailed,
			Method:        domain.PayoutMethodWallet,
			FailureCode:   provider.CodeWalletPayoutError,
			FailureReason: "recipient wallet address is required",
		}, nil
	}

	attempt, err := e.newAttempt(ctx, transfer, session, domain.PayoutMethodWallet, "relayer")
	if err != nil {
		return nil, err
	}

	txHash, err := e.relayer.ClaimToWallet(ctx, transfer.PublicID, recipientAddress, transfer.ChainID)
	if err != nil {
		e.failAttempt(ctx, attempt.ID, provider.CodeWalletPayoutError, "relayer wallet release failed")
		log.Printf("level=error component=engine op=wallet_payout transfer_id=%s err=%v", transfer.ID, err)
		return &DispatchOutcome{
			Status:        provider.StatusFailed,
			Method:        domain.PayoutMethodWallet,
			AttemptID:     attempt.ID,
			FailureCode:   provider.CodeWalletPayoutError,
			FailureReason: "on-chain release to wallet failed",
		}, nil
	}

	e.resolveAttempt(ctx, attempt.ID, domain.AttemptStatusSuccess, attempt.Method+":"+txHash, txHash)
	e.finalizeClaim(ctx, transfer, session, domain.TransferStatusClaimedWallet)
	return &DispatchOutcome{
		Status:            provider.StatusSuccess,
		Method:            domain.PayoutMethodWallet,
		AttemptID:         attempt.ID,
		ProviderReference: attempt.Method + ":" + txHash,
		TreasuryTxHash:    txHash,
	}, nil
}

// dispatchRail drives the debit/bank flow: gates, eligibility, settlement,
// then the rail's execute call.
func (e *Engine) dispatchRail(ctx context.Context, transfer *domain.Transfer, session *domain.ClaimSession, method string) (*DispatchOutcome, error) {
	rail := e.railFor(method)
	if rail == nil {
		return &DispatchOutcome{
			Status:        provider.StatusFailed,
			Method:        method,
			FailureCode:   provider.CodeProviderNotConfigured,
			FailureReason: fmt.Sprintf("no rail configured for method %q", method),
		}, nil
	}

	// Pre-settlement gates. These return without contacting any rail and
	// without creating settlement side effects, so falling back is safe.
	if method == domain.PayoutMethodDebit {
		if outcome := e.debitGates(transfer); outcome != nil {
			e.recordGateOutcome(ctx, transfer, session, rail.Name(), outcome)
			return outcome, nil
		}
	}

	recipient, err := e.recipientContext(transfer)
	if err != nil {
		return nil, err
	}

	req := provider.PayoutRequest{
		TransferID:     transfer.ID,
		Method:         method,
		AmountUsdc:     transfer.PrincipalUsdc,
		IdempotencyKey: fmt.Sprintf("%s:%s", transfer.ID, method),
		Recipient:      recipient,
	}

	eligibility := rail.CheckEligibility(ctx, req)
	switch eligibility.Status {
	case provider.StatusSuccess:
	case provider.StatusActionRequired:
		return &DispatchOutcome{
			Status:        provider.StatusActionRequired,
			Method:        method,
			FailureCode:   eligibility.FailureCode,
			FailureReason: eligibility.FailureReason,
			OnboardingURL: eligibility.OnboardingURL,
		}, nil
	default:
		outcome := &DispatchOutcome{
			Status:         eligibility.Status,
			Method:         method,
			FallbackMethod: eligibility.FallbackMethod,
			FailureCode:    eligibility.FailureCode,
			FailureReason:  eligibility.FailureReason,
		}
		e.recordGateOutcome(ctx, transfer, session, rail.Name(), outcome)
		return outcome, nil
	}

	// Chained debit topology: the settlement leg must look healthy before
	// the card leg is attempted against unconfirmed funds.
	if method == domain.PayoutMethodDebit && e.settlementRail != nil {
		precheck := e.settlementRail.Dispatch(ctx, provider.PhasePrecheck, req)
		if precheck.Status != provider.StatusSuccess {
			if e.cfg.RequireSettlementSuccess {
				eta := precheck.SettlementEta
				if eta == "" {
					eta = "pending settlement confirmation"
				}
				return &DispatchOutcome{
					Status:        provider.StatusProcessing,
					Method:        method,
					SettlementEta: eta,
				}, nil
			}
			if precheck.Status == provider.StatusFailed {
				outcome := &DispatchOutcome{
					Status:        provider.StatusFailed,
					Method:        method,
					FailureCode:   payoutErrorCode(method),
					FailureReason: precheck.FailureReason,
				}
				e.recordGateOutcome(ctx, transfer, session, e.settlementRail.Name(), outcome)
				return outcome, nil
			}
		}
	}

	// Resume: an unresolved attempt with a recorded treasury hash means a
	// previous call settled and crashed before the rail leg. Reuse it.
	attempt, treasuryTxHash, err := e.resumeOrCreateAttempt(ctx, transfer, session, method, rail.Name())
	if err != nil {
		return nil, err
	}
	req.AttemptID = attempt.ID
	req.Reference = deterministicReference(method, attempt.ID, e.now())

	if treasuryTxHash == "" {
		// Settlement is attempted at most once per dispatch call and is
		// never retried blindly: moving on-chain funds twice is worse than
		// failing this call.
		treasuryTxHash, err = e.relayer.ClaimToPayoutTreasury(ctx, transfer.PublicID, transfer.ChainID)
		if err != nil {
			e.failAttempt(ctx, attempt.ID, payoutErrorCode(method), "treasury settlement failed")
			log.Printf("level=error component=engine op=treasury_settlement transfer_id=%s method=%s err=%v", transfer.ID, method, err)
			return &DispatchOutcome{
				Status:        provider.StatusFailed,
				Method:        method,
				AttemptID:     attempt.ID,
				FailureCode:   payoutErrorCode(method),
				FailureReason: "on-chain settlement to payout treasury failed",
			}, nil
		}
		// Recorded before the rail leg so a crash here is resumable.
		if err := e.repo.UpdatePayoutAttempt(ctx, attempt.ID, store.UpdatePayoutAttemptParams{
			WalletTxHash: &treasuryTxHash,
		}); err != nil {
			return nil, fmt.Errorf("failed to record treasury tx hash: %w", err)
		}
	}
	req.TreasuryTxHash = treasuryTxHash

	result := rail.Dispatch(ctx, provider.PhaseExecute, req)
	return e.foldRailResult(ctx, transfer, session, method, attempt, req.Reference, treasuryTxHash, result)
}

// foldRailResult applies the rail's execute result to the attempt record and
// transfer state and builds the caller-facing outcome.
func (e *Engine) foldRailResult(ctx context.Context, transfer *domain.Transfer, session *domain.ClaimSession, method string, attempt *domain.PayoutAttempt, defaultReference, treasuryTxHash string, result provider.DispatchResult) (*DispatchOutcome, error) {
	reference := result.ProviderReference
	if reference == "" {
		reference = defaultReference
	}

	switch result.Status {
	case provider.StatusSuccess:
		e.resolveAttempt(ctx, attempt.ID, domain.AttemptStatusSuccess, reference, "")
		e.finalizeClaim(ctx, transfer, session, claimedStatusFor(method))
		return &DispatchOutcome{
			Status:            provider.StatusSuccess,
			Method:            method,
			AttemptID:         attempt.ID,
			ProviderReference: reference,
			TreasuryTxHash:    treasuryTxHash,
		}, nil

	case provider.StatusProcessing:
		e.resolveAttempt(ctx, attempt.ID, domain.AttemptStatusProcessing, reference, "")
		// The transfer stays claim_started until the rail's webhook reports
		// a final state; the session is done, the recipient made a choice.
		e.completeSession(ctx, session)
		return &DispatchOutcome{
			Status:            provider.StatusProcessing,
			Method:            method,
			AttemptID:         attempt.ID,
			ProviderReference: reference,
			TreasuryTxHash:    treasuryTxHash,
			SettlementEta:     result.SettlementEta,
		}, nil

	case provider.StatusFallbackRequired, provider.StatusActionRequired:
		// Funds already sit in the treasury: falling back now is never
		// automatic. Escalate to FAILED for manual reconciliation.
		code := fallbackAfterSettlementCode(method)
		reason := fmt.Sprintf("rail requested %s after treasury settlement; manual intervention required (original: %s)",
			result.Status, result.FailureReason)
		e.resolveAttemptFailure(ctx, attempt.ID, reference, code, reason)
		log.Printf("level=error component=engine op=dispatch transfer_id=%s method=%s code=%s msg=\"post-settlement fallback escalated\"", transfer.ID, method, code)
		return &DispatchOutcome{
			Status:         provider.StatusFailed,
			Method:         method,
			AttemptID:      attempt.ID,
			TreasuryTxHash: treasuryTxHash,
			FailureCode:    code,
			FailureReason:  reason,
		}, nil

	default:
		code := result.FailureCode
		if code == "" {
			code = payoutErrorCode(method)
		}
		e.resolveAttemptFailure(ctx, attempt.ID, reference, code, result.FailureReason)
		return &DispatchOutcome{
			Status:         provider.StatusFailed,
			Method:         method,
			AttemptID:      attempt.ID,
			TreasuryTxHash: treasuryTxHash,
			FailureCode:    code,
			FailureReason:  result.FailureReason,
		}, nil
	}
}

// debitGates runs the built-in region and amount gates plus the forced
// fallback test switch. A nil return means all gates passed.
func (e *Engine) debitGates(transfer *domain.Transfer) *DispatchOutcome {
	if !e.cfg.EnabledDebitRegions[transfer.RegionCode] {
		return &DispatchOutcome{
			Status:         provider.StatusFallbackRequired,
			Method:         domain.PayoutMethodDebit,
			FallbackMethod: domain.PayoutMethodBank,
			FailureCode:    provider.CodeDebitRegionUnsupported,
			FailureReason:  fmt.Sprintf("debit payouts are not available in region %q", transfer.RegionCode),
		}
	}
	if e.cfg.DebitMaxAmountUsdc > 0 && transfer.PrincipalUsdc > e.cfg.DebitMaxAmountUsdc {
		return &DispatchOutcome{
			Status:         provider.StatusFallbackRequired,
			Method:         domain.PayoutMethodDebit,
			FallbackMethod: domain.PayoutMethodBank,
			FailureCode:    provider.CodeDebitIneligible,
			FailureReason:  "amount exceeds the debit payout maximum",
		}
	}
	if e.cfg.ForceDebitFallback {
		return &DispatchOutcome{
			Status:         provider.StatusFallbackRequired,
			Method:         domain.PayoutMethodDebit,
			FallbackMethod: domain.PayoutMethodBank,
			FailureCode:    provider.CodeDebitIneligible,
			FailureReason:  "debit fallback forced by configuration",
		}
	}
	return nil
}

// resumeOrCreateAttempt returns the transfer's unresolved attempt for this
// method together with its recorded treasury hash, or creates a fresh one.
func (e *Engine) resumeOrCreateAttempt(ctx context.Context, transfer *domain.Transfer, session *domain.ClaimSession, method, providerName string) (*domain.PayoutAttempt, string, error) {
	attempts, err := e.repo.ListPayoutAttemptsByTransfer(ctx, transfer.ID)
	if err != nil {
		return nil, "", err
	}
	for i := len(attempts) - 1; i >= 0; i-- {
		a := attempts[i]
		if a.Method == method && a.Status == domain.AttemptStatusProcessing && a.WalletTxHash != nil && *a.WalletTxHash != "" {
			log.Printf("level=info component=engine op=resume transfer_id=%s attempt_id=%s msg=\"resuming settled attempt\"", transfer.ID, a.ID)
			resumed := a
			return &resumed, *a.WalletTxHash, nil
		}
	}

	attempt, err := e.newAttempt(ctx, transfer, session, method, providerName)
	if err != nil {
		return nil, "", err
	}
	return attempt, "", nil
}

func (e *Engine) newAttempt(ctx context.Context, transfer *domain.Transfer, session *domain.ClaimSession, method, providerName string) (*domain.PayoutAttempt, error) {
	attempt := &domain.PayoutAttempt{
		ID:         uuid.New(),
		TransferID: transfer.ID,
		Method:     method,
		Provider:   providerName,
		Status:     domain.AttemptStatusProcessing,
	}
	if session != nil {
		attempt.ClaimSessionID = &session.ID
	}
	if err := e.repo.CreatePayoutAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("failed to create payout attempt: %w", err)
	}
	return attempt, nil
}

// recordGateOutcome writes an audit attempt row for a dispatch that returned
// before any settlement, so fallback decisions are visible in the history.
func (e *Engine) recordGateOutcome(ctx context.Context, transfer *domain.Transfer, session *domain.ClaimSession, providerName string, outcome *DispatchOutcome) {
	attempt := &domain.PayoutAttempt{
		ID:            uuid.New(),
		TransferID:    transfer.ID,
		Method:        outcome.Method,
		Provider:      providerName,
		Status:        attemptStatusFor(outcome.Status),
		FailureCode:   optional(outcome.FailureCode),
		FailureReason: optional(outcome.FailureReason),
	}
	if session != nil {
		attempt.ClaimSessionID = &session.ID
	}
	if err := e.repo.CreatePayoutAttempt(ctx, attempt); err != nil {
		log.Printf("level=warn component=engine op=record_gate transfer_id=%s err=%v", transfer.ID, err)
		return
	}
	outcome.AttemptID = attempt.ID
}

func (e *Engine) resolveAttempt(ctx context.Context, attemptID uuid.UUID, status, reference, walletTxHash string) {
	params := store.UpdatePayoutAttemptParams{Status: &status}
	if reference != "" {
		params.ProviderReference = &reference
	}
	if walletTxHash != "" {
		params.WalletTxHash = &walletTxHash
	}
	if err := e.repo.UpdatePayoutAttempt(ctx, attemptID, params); err != nil {
		log.Printf("level=error component=engine op=resolve_attempt attempt_id=%s err=%v", attemptID, err)
	}
}

func (e *Engine) resolveAttemptFailure(ctx context.Context, attemptID uuid.UUID, reference, code, reason string) {
	status := domain.AttemptStatusFailed
	params := store.UpdatePayoutAttemptParams{
		Status:        &status,
		FailureCode:   &code,
		FailureReason: &reason,
	}
	if reference != "" {
		params.ProviderReference = &reference
	}
	if err := e.repo.UpdatePayoutAttempt(ctx, attemptID, params); err != nil {
		log.Printf("level=error component=engine op=resolve_attempt attempt_id=%s err=%v", attemptID, err)
	}
}

func (e *Engine) failAttempt(ctx context.Context, attemptID uuid.UUID, code, reason string) {
	e.resolveAttemptFailure(ctx, attemptID, "", code, reason)
}

// finalizeClaim marks the transfer claimed and completes the session. Both
// writes are compare-and-swaps: losing the race means another call already
// finalized, which is fine.
func (e *Engine) finalizeClaim(ctx context.Context, transfer *domain.Transfer, session *domain.ClaimSession, terminalStatus string) {
	claimed, err := e.repo.MarkTransferClaimed(ctx, transfer.ID, terminalStatus)
	if err != nil {
		log.Printf("level=error component=engine op=mark_claimed transfer_id=%s err=%v", transfer.ID, err)
	} else if !claimed {
		log.Printf("level=warn component=engine op=mark_claimed transfer_id=%s msg=\"transfer already in a terminal claimed state\"", transfer.ID)
	}
	e.completeSession(ctx, session)
}

func (e *Engine) completeSession(ctx context.Context, session *domain.ClaimSession) {
	if session == nil {
		return
	}
	if _, err := e.repo.MarkClaimSessionCompleted(ctx, session.ID); err != nil {
		log.Printf("level=error component=engine op=complete_session session_id=%s err=%v", session.ID, err)
	}
}

func (e *Engine) railFor(method string) provider.Rail {
	switch method {
	case domain.PayoutMethodDebit:
		return e.debitRail
	case domain.PayoutMethodBank:
		return e.bankRail
	}
	return nil
}

// recipientContext decrypts the transfer's contact for the duration of the
// dispatch call.
func (e *Engine) recipientContext(transfer *domain.Transfer) (provider.RecipientContext, error) {
	contact, err := e.repo.DecryptContact(transfer)
	if err != nil {
		return provider.RecipientContext{}, fmt.Errorf("failed to decrypt recipient contact: %w", err)
	}
	return provider.RecipientContext{
		Contact:     contact,
		ContactHash: transfer.ContactHash,
		HintHash:    transfer.ContactHintHash,
		RegionCode:  transfer.RegionCode,
		ChainID:     transfer.ChainID,
	}, nil
}

// deterministicReference builds the default provider reference so repeated
// calls stay traceable even without provider-side idempotency keys.
func deterministicReference(method string, attemptID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("%s:%s:%d", method, attemptID, at.UnixMilli())
}

func payoutErrorCode(method string) string {
	switch method {
	case domain.PayoutMethodDebit:
		return provider.CodeDebitPayoutError
	case domain.PayoutMethodWallet:
		return provider.CodeWalletPayoutError
	}
	return provider.CodeBankPayoutError
}

func fallbackAfterSettlementCode(method string) string {
	if method == domain.PayoutMethodDebit {
		return provider.CodeDebitFallbackAfterSettlement
	}
	return provider.CodeBankFallbackAfterSettlement
}

func claimedStatusFor(method string) string {
	switch method {
	case domain.PayoutMethodDebit:
		return domain.TransferStatusClaimedDebit
	case domain.PayoutMethodBank:
		return domain.TransferStatusClaimedBank
	}
	return domain.TransferStatusClaimedWallet
}

func attemptStatusFor(status provider.Status) string {
	switch status {
	case provider.StatusSuccess:
		return domain.AttemptStatusSuccess
	case provider.StatusProcessing:
		return domain.AttemptStatusProcessing
	case provider.StatusFallbackRequired:
		return domain.AttemptStatusFallbackRequired
	}
	return domain.AttemptStatusFailed
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
