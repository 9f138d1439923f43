/**
 * @description
 * Inbound webhook endpoint for the crypto-settlement rail. Bank payouts
 * settle asynchronously; the provider reports the final state of a transfer
 * over a signed callback, and this handler folds that state into the matching
 * payout attempt and, on terminal success, the transfer itself.
 *
 * Every callback must pass signature verification against the exact raw body
 * bytes before any state mutation is permitted. The handler is idempotent:
 * re-delivered events re-apply the same fold and the store's partial-update
 * semantics keep already-recorded references intact.
 *
 * @dependencies
 * - encoding/json, io, log, net/http: Standard Go libraries.
 * - internal/store, internal/webhook: Persistence and signature verification.
 */

package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/claimlink/payout-service/internal/domain"
	"github.com/claimlink/payout-service/internal/provider"
	"github.com/claimlink/payout-service/internal/store"
	"github.com/claimlink/payout-service/internal/webhook"
)

// SignatureHeader is the header carrying the settlement rail's signature.
const SignatureHeader = "X-Webhook-Signature"

// Bridge transfer states carried in webhook events. Mirrors the adapter's
// state vocabulary.
const (
	eventStatePaymentProcessed = "payment_processed"
	eventStateFundsReceived    = "funds_received"
	eventStatePaymentSubmitted = "payment_submitted"
	eventStateAwaitingFunds    = "awaiting_funds"
	eventStateReturned         = "returned"
	eventStateError            = "error"
)

// WebhookHandlers holds dependencies for the settlement webhook endpoint.
type WebhookHandlers struct {
	repo     store.Repository
	verifier *webhook.Verifier
}

// NewWebhookHandlers creates a new instance of WebhookHandlers.
func NewWebhookHandlers(repo store.Repository, verifier *webhook.Verifier) *WebhookHandlers {
	return &WebhookHandlers{repo: repo, verifier: verifier}
}

type bridgeEvent struct {
	EventID       string `json:"event_id"`
	TransferID    string `json:"transfer_id"` // provider-side reference recorded on the attempt
	State         string `json:"state"`
	DestinationTx string `json:"destination_tx_hash,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// BridgeEventHandler verifies and applies one settlement callback.
func (h *WebhookHandlers) BridgeEventHandler(w http.ResponseWriter, r *http.Request) {
	if h.verifier == nil {
		http.Error(w, "Webhook verification unavailable", http.StatusServiceUnavailable)
		return
	}

	rawBody, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "Could not read request body", http.StatusBadRequest)
		return
	}

	if err := h.verifier.Verify(r.Header.Get(SignatureHeader), rawBody); err != nil {
		switch {
		case errors.Is(err, webhook.ErrMalformedHeader):
			http.Error(w, "Malformed signature header", http.StatusBadRequest)
		case errors.Is(err, webhook.ErrNoKeysConfigured):
			log.Printf("level=error component=webhook msg=\"event received but no verification keys configured\"")
			http.Error(w, "Webhook verification unavailable", http.StatusServiceUnavailable)
		default:
			log.Printf("level=warn component=webhook msg=\"rejected event\" err=%v", err)
			http.Error(w, "Invalid signature", http.StatusUnauthorized)
		}
		return
	}

	var event bridgeEvent
	if err := json.Unmarshal(rawBody, &event); err != nil || event.TransferID == "" {
		http.Error(w, "Invalid event payload", http.StatusBadRequest)
		return
	}

	attempt, err := h.repo.FindPayoutAttemptByProviderReference(r.Context(), event.TransferID)
	if err != nil {
		if errors.Is(err, store.ErrPayoutAttemptNotFound) {
			// Unknown references are acknowledged so the provider stops
			// redelivering; nothing here to update.
			log.Printf("level=warn component=webhook event_id=%s reference=%s msg=\"no matching payout attempt\"", event.EventID, event.TransferID)
			w.WriteHeader(http.StatusOK)
			return
		}
		log.Printf("level=error component=webhook event_id=%s err=%v", event.EventID, err)
		http.Error(w, "Could not process event", http.StatusInternalServerError)
		return
	}

	if err := h.applyEvent(r, attempt, event); err != nil {
		log.Printf("level=error component=webhook event_id=%s attempt_id=%s err=%v", event.EventID, attempt.ID, err)
		http.Error(w, "Could not process event", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandlers) applyEvent(r *http.Request, attempt *domain.PayoutAttempt, event bridgeEvent) error {
	ctx := r.Context()

	switch event.State {
	case eventStatePaymentProcessed, eventStateFundsReceived:
		params := store.UpdatePayoutAttemptParams{Status: optionalString(domain.AttemptStatusSuccess)}
		if event.DestinationTx != "" {
			params.WalletTxHash = optionalString(event.DestinationTx)
		}
		if err := h.repo.UpdatePayoutAttempt(ctx, attempt.ID, params); err != nil {
			return err
		}
		claimed, err := h.repo.MarkTransferClaimed(ctx, attempt.TransferID, claimedStatusForMethod(attempt.Method))
		if err != nil {
			return err
		}
		if !claimed {
			// Already terminal; a redelivered event lands here.
			log.Printf("level=info component=webhook transfer_id=%s msg=\"transfer already terminal, event re-applied\"", attempt.TransferID)
		}
		log.Printf("level=info component=webhook op=settle attempt_id=%s state=%s", attempt.ID, event.State)
		return nil

	case eventStateReturned, eventStateError:
		reason := event.Reason
		if reason == "" {
			reason = "settlement rail reported state " + event.State
		}
		params := store.UpdatePayoutAttemptParams{
			Status:        optionalString(domain.AttemptStatusFailed),
			FailureCode:   optionalString(provider.CodeBankPayoutError),
			FailureReason: optionalString(reason),
		}
		if err := h.repo.UpdatePayoutAttempt(ctx, attempt.ID, params); err != nil {
			return err
		}
		log.Printf("level=warn component=webhook op=settle attempt_id=%s state=%s reason=%q", attempt.ID, event.State, reason)
		return h.repo.UpdateTransferStatus(ctx, attempt.TransferID, domain.TransferStatusFailed)

	case eventStatePaymentSubmitted, eventStateAwaitingFunds:
		// Intermediate states carry no new facts beyond a fresher reference.
		return h.repo.UpdatePayoutAttempt(ctx, attempt.ID, store.UpdatePayoutAttemptParams{
			Status: optionalString(domain.AttemptStatusProcessing),
		})

	default:
		log.Printf("level=warn component=webhook attempt_id=%s state=%q msg=\"ignoring unknown event state\"", attempt.ID, event.State)
		return nil
	}
}

func claimedStatusForMethod(method string) string {
	switch method {
	case domain.PayoutMethodDebit:
		return domain.TransferStatusClaimedDebit
	case domain.PayoutMethodWallet:
		return domain.TransferStatusClaimedWallet
	default:
		return domain.TransferStatusClaimedBank
	}
}

func optionalString(v string) *string {
	return &v
}
