/**
 * @description
 * This file sets up the HTTP router for the payout-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies
 * the right middleware per surface: sender routes need a wallet JWT, claim
 * routes are public (the claim token and OTP are the credential), operator
 * routes need the internal API key, and the settlement webhook is gated by
 * signature verification inside its handler.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// PayoutRoutes creates and returns the router for the payout service.
func PayoutRoutes(h *PayoutHandlers, wh *WebhookHandlers, jwksURL, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Sender-facing routes, authenticated by wallet JWT.
	r.Group(func(r chi.Router) {
		r.Use(WalletAuthMiddleware(jwksURL))

		r.Post("/transfers", h.CreateTransferHandler)
		r.Post("/transfers/{transferID}/confirm-lock", h.ConfirmLockHandler)
		r.Post("/transfers/{transferID}/rotate-claim-token", h.RotateClaimTokenHandler)
		r.Get("/transfers/window-total", h.SenderWindowTotalHandler)
	})

	// Recipient claim routes. No account needed: possession of the claim
	// token plus OTP verification is the credential.
	r.Route("/claims", func(r chi.Router) {
		r.Post("/start", h.StartClaimHandler)
		r.Post("/{sessionID}/verify", h.VerifyOtpHandler)
		r.Post("/{sessionID}/resend", h.ResendOtpHandler)
		r.Post("/{sessionID}/payout", h.SelectPayoutHandler)
	})

	// Operator routes behind the shared internal key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(internalAPIKey))

		r.Post("/internal/expiry-sweep", h.ExpirySweepHandler)
		r.Post("/internal/transfers/{transferID}/refund", h.RefundTransferHandler)
	})

	// Settlement rail callbacks authenticate via detached signature.
	r.Post("/webhooks/bridge", wh.BridgeEventHandler)

	return r
}
