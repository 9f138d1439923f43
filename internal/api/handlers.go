/**
 * @description
 * This file contains the HTTP handlers for the payout-service's API
 * endpoints. Handlers parse incoming requests, call the appropriate service
 * methods, and write the HTTP response. Business failures surface as tagged
 * results or sentinel errors; handlers translate both into status codes and
 * never leak raw provider payloads or stack traces.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: Service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/claimlink/payout-service/internal/app"
	"github.com/claimlink/payout-service/internal/domain"
	"github.com/claimlink/payout-service/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// PayoutHandlers holds the application services that handlers use.
type PayoutHandlers struct {
	transfers *app.TransferService
	claims    *app.ClaimService
}

// NewPayoutHandlers creates a new instance of PayoutHandlers.
func NewPayoutHandlers(transfers *app.TransferService, claims *app.ClaimService) *PayoutHandlers {
	return &PayoutHandlers{transfers: transfers, claims: claims}
}

type createTransferRequest struct {
	ContactType     string  `json:"contact_type"`
	Contact         string  `json:"contact"`
	ContactHintHash string  `json:"contact_hint_hash"`
	PrincipalUsdc   int64   `json:"principal_usdc"`
	SponsorFeeUsdc  int64   `json:"sponsor_fee_usdc"`
	FundingSource   string  `json:"funding_source"`
	RegionCode      string  `json:"region_code"`
	ChainID         int64   `json:"chain_id"`
	Memo            *string `json:"memo,omitempty"`
	ExpiresAt       string  `json:"expires_at,omitempty"`
}

// CreateTransferHandler persists a new prepared transfer for the
// authenticated sender.
func (h *PayoutHandlers) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	senderWallet, ok := GetSenderWallet(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get sender wallet from context")
		return
	}

	var req createTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ContactType != domain.ContactTypeEmail && req.ContactType != domain.ContactTypePhone {
		h.writeError(w, http.StatusBadRequest, "contact_type must be 'email' or 'phone'")
		return
	}
	if strings.TrimSpace(req.Contact) == "" {
		h.writeError(w, http.StatusBadRequest, "contact is required")
		return
	}
	if req.PrincipalUsdc <= 0 || req.SponsorFeeUsdc < 0 {
		h.writeError(w, http.StatusBadRequest, "Invalid amounts")
		return
	}

	input := domain.CreateTransferInput{
		SenderWallet:    senderWallet,
		ContactType:     req.ContactType,
		Contact:         req.Contact,
		ContactHintHash: req.ContactHintHash,
		PrincipalUsdc:   req.PrincipalUsdc,
		SponsorFeeUsdc:  req.SponsorFeeUsdc,
		FundingSource:   req.FundingSource,
		RegionCode:      req.RegionCode,
		ChainID:         req.ChainID,
		Memo:            req.Memo,
	}
	if req.ExpiresAt != "" {
		expiresAt, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "expires_at must be RFC3339")
			return
		}
		input.ExpiresAt = expiresAt
	}

	transfer, err := h.transfers.CreateTransfer(r.Context(), input)
	if err != nil {
		if errors.Is(err, store.ErrEncryptionUnavailable) {
			h.writeError(w, http.StatusServiceUnavailable, "Contact encryption is not configured")
			return
		}
		log.Printf("level=error component=api op=create_transfer err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Could not create transfer")
		return
	}
	h.writeJSON(w, http.StatusCreated, transfer)
}

type confirmLockRequest struct {
	PublicID     string `json:"public_id"`
	EscrowTxHash string `json:"escrow_tx_hash"`
}

// ConfirmLockHandler records the on-chain escrow lock and returns the raw
// claim token exactly once.
func (h *PayoutHandlers) ConfirmLockHandler(w http.ResponseWriter, r *http.Request) {
	senderWallet, ok := GetSenderWallet(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get sender wallet from context")
		return
	}
	transferID, err := uuid.Parse(chi.URLParam(r, "transferID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transfer id")
		return
	}

	var req confirmLockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.PublicID == "" || req.EscrowTxHash == "" {
		h.writeError(w, http.StatusBadRequest, "public_id and escrow_tx_hash are required")
		return
	}

	claimToken, err := h.transfers.ConfirmLock(r.Context(), transferID, senderWallet, req.PublicID, req.EscrowTxHash)
	if err != nil {
		if errors.Is(err, app.ErrLockNotConfirmed) {
			h.writeError(w, http.StatusConflict, "Transfer was already confirmed or does not match")
			return
		}
		log.Printf("level=error component=api op=confirm_lock transfer_id=%s err=%v", transferID, err)
		h.writeError(w, http.StatusInternalServerError, "Could not confirm lock")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"transfer_id": transferID.String(),
		"claim_token": claimToken,
	})
}

// RotateClaimTokenHandler re-issues the claim link for a sender's transfer.
func (h *PayoutHandlers) RotateClaimTokenHandler(w http.ResponseWriter, r *http.Request) {
	senderWallet, ok := GetSenderWallet(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get sender wallet from context")
		return
	}
	transferID, err := uuid.Parse(chi.URLParam(r, "transferID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transfer id")
		return
	}

	claimToken, err := h.transfers.RotateClaimToken(r.Context(), transferID, senderWallet)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			h.writeError(w, http.StatusNotFound, "Transfer not found")
			return
		}
		h.writeError(w, http.StatusConflict, "Claim link can no longer be rotated")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"transfer_id": transferID.String(),
		"claim_token": claimToken,
	})
}

// SenderWindowTotalHandler reports the authenticated sender's non-failed
// principal over a trailing window (default 24h) for velocity checks.
func (h *PayoutHandlers) SenderWindowTotalHandler(w http.ResponseWriter, r *http.Request) {
	senderWallet, ok := GetSenderWallet(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get sender wallet from context")
		return
	}

	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 24*30 {
			h.writeError(w, http.StatusBadRequest, "hours must be a positive integer up to 720")
			return
		}
		hours = parsed
	}

	total, err := h.transfers.SenderWindowTotal(r.Context(), senderWallet, time.Duration(hours)*time.Hour)
	if err != nil {
		log.Printf("level=error component=api op=window_total sender=%s err=%v", senderWallet, err)
		h.writeError(w, http.StatusInternalServerError, "Could not compute window total")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sender_wallet":  senderWallet,
		"window_hours":   hours,
		"principal_usdc": total,
	})
}

// RefundTransferHandler marks an unclaimed transfer refunded after the
// sender reclaimed escrow on-chain.
func (h *PayoutHandlers) RefundTransferHandler(w http.ResponseWriter, r *http.Request) {
	transferID, err := uuid.Parse(chi.URLParam(r, "transferID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transfer id")
		return
	}
	if err := h.transfers.MarkRefunded(r.Context(), transferID); err != nil {
		h.writeError(w, http.StatusConflict, "Transfer is not refundable")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": domain.TransferStatusRefunded})
}

type startClaimRequest struct {
	ClaimToken string `json:"claim_token"`
}

// StartClaimHandler resolves a claim link and opens (or refreshes) the OTP
// session. The response deliberately excludes the recipient contact.
func (h *PayoutHandlers) StartClaimHandler(w http.ResponseWriter, r *http.Request) {
	var req startClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClaimToken == "" {
		h.writeError(w, http.StatusBadRequest, "claim_token is required")
		return
	}

	result, err := h.claims.StartClaim(r.Context(), req.ClaimToken)
	if err != nil {
		h.writeClaimError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":     result.Session.ID.String(),
		"contact_type":   result.Transfer.ContactType,
		"principal_usdc": result.Transfer.PrincipalUsdc,
		"memo":           result.Transfer.Memo,
		"expires_at":     result.Transfer.ExpiresAt,
	})
}

type verifyOtpRequest struct {
	Otp string `json:"otp"`
}

// VerifyOtpHandler checks the submitted code and issues the bearer token.
func (h *PayoutHandlers) VerifyOtpHandler(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid session id")
		return
	}
	var req verifyOtpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Otp == "" {
		h.writeError(w, http.StatusBadRequest, "otp is required")
		return
	}

	token, err := h.claims.VerifyOtp(r.Context(), sessionID, req.Otp)
	if err != nil {
		h.writeClaimError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"session_token": token})
}

// ResendOtpHandler sends a fresh code on an open session.
func (h *PayoutHandlers) ResendOtpHandler(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid session id")
		return
	}
	if err := h.claims.ResendOtp(r.Context(), sessionID); err != nil {
		h.writeClaimError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

type selectPayoutRequest struct {
	SessionToken     string `json:"session_token"`
	Method           string `json:"method"`
	RecipientAddress string `json:"recipient_address,omitempty"`
}

// SelectPayoutHandler dispatches the payout for a verified session.
func (h *PayoutHandlers) SelectPayoutHandler(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid session id")
		return
	}
	var req selectPayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	switch req.Method {
	case domain.PayoutMethodDebit, domain.PayoutMethodBank, domain.PayoutMethodWallet:
	default:
		h.writeError(w, http.StatusBadRequest, "method must be 'debit', 'bank' or 'wallet'")
		return
	}

	outcome, err := h.claims.SelectPayout(r.Context(), sessionID, req.SessionToken, req.Method, req.RecipientAddress)
	if err != nil {
		h.writeClaimError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, outcome)
}

type expirySweepRequest struct {
	Limit int `json:"limit"`
}

// ExpirySweepHandler runs one bounded pass of the expiry sweep. The caller
// (an operator cron) owns the cadence.
func (h *PayoutHandlers) ExpirySweepHandler(w http.ResponseWriter, r *http.Request) {
	var req expirySweepRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	expired, err := h.transfers.ExpireDueTransfers(r.Context(), req.Limit)
	if err != nil {
		log.Printf("level=error component=api op=expiry_sweep err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Expiry sweep failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"expired": expired})
}

// writeClaimError maps claim-flow sentinel errors onto status codes.
func (h *PayoutHandlers) writeClaimError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrTransferNotFound), errors.Is(err, store.ErrClaimSessionNotFound):
		h.writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, app.ErrTransferNotClaimable):
		h.writeError(w, http.StatusConflict, "Transfer is not claimable")
	case errors.Is(err, app.ErrTransferExpired):
		h.writeError(w, http.StatusGone, "Transfer has expired")
	case errors.Is(err, app.ErrSessionLocked):
		h.writeError(w, http.StatusLocked, "Too many incorrect codes. This claim is locked.")
	case errors.Is(err, app.ErrOtpInvalid):
		h.writeError(w, http.StatusUnauthorized, "Incorrect code")
	case errors.Is(err, app.ErrOtpExpired):
		h.writeError(w, http.StatusGone, "The code has expired. Request a new one.")
	case errors.Is(err, app.ErrSessionNotVerified):
		h.writeError(w, http.StatusConflict, "Session is not in the required state")
	case errors.Is(err, app.ErrInvalidSessionToken):
		h.writeError(w, http.StatusUnauthorized, "Invalid session token")
	case errors.Is(err, app.ErrRateLimited):
		h.writeError(w, http.StatusTooManyRequests, "Too many requests. Please wait and try again.")
	default:
		log.Printf("level=error component=api op=claim err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Something went wrong")
	}
}

func (h *PayoutHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *PayoutHandlers) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
	}
}
