/**
 * @description
 * This package provides a client for the on-chain relayer, the external
 * collaborator that moves escrowed funds. It encapsulates authenticated HTTP
 * requests to the relayer's endpoints, request body construction, and
 * response parsing. Both relayer operations are atomic and idempotent keyed
 * by the transfer's public id, so a repeated call after a crash returns the
 * original transaction hash rather than moving funds twice.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package relayerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Client is a client for the relayer API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new relayer API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// TreasuryClaimRequest asks the relayer to move locked principal from escrow
// to the operator's payout treasury.
type TreasuryClaimRequest struct {
	TransferID string `json:"transferId"`
	ChainID    int64  `json:"chainId"`
}

// WalletClaimRequest asks the relayer to release escrowed funds directly to
// a recipient wallet.
type WalletClaimRequest struct {
	TransferID       string `json:"transferId"`
	RecipientAddress string `json:"recipientAddress"`
	ChainID          int64  `json:"chainId"`
}

// ClaimResponse is the relayer's reply to both claim operations.
type ClaimResponse struct {
	TxHash string `json:"txHash"`
	Status string `json:"status"`
}

// ErrorResponse represents an error from the relayer API.
type ErrorResponse struct {
	Code   string `json:"error"`
	Detail string `json:"detail"`
}

func (e *ErrorResponse) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("relayer api error: %s - %s", e.Code, e.Detail)
	}
	if e.Code != "" {
		return fmt.Sprintf("relayer api error: %s", e.Code)
	}
	return "unknown relayer api error"
}

// ClaimToPayoutTreasury moves the locked principal from escrow to the payout
// treasury and returns the on-chain transaction hash.
func (c *Client) ClaimToPayoutTreasury(ctx context.Context, transferID string, chainID int64) (string, error) {
	return c.doClaim(ctx, "/api/v1/claims/treasury", TreasuryClaimRequest{
		TransferID: transferID,
		ChainID:    chainID,
	})
}

// ClaimToWallet releases escrowed funds directly to the recipient's wallet
// and returns the on-chain transaction hash.
func (c *Client) ClaimToWallet(ctx context.Context, transferID, recipientAddress string, chainID int64) (string, error) {
	return c.doClaim(ctx, "/api/v1/claims/wallet", WalletClaimRequest{
		TransferID:       transferID,
		RecipientAddress: recipientAddress,
		ChainID:          chainID,
	})
}

// doClaim is a generic helper to execute claim requests.
func (c *Client) doClaim(ctx context.Context, path string, payload interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal claim request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create claim request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-relayer-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute claim request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read claim response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=relayer_client op=claim status=%d msg=\"non-2xx response (unparsable error body)\"", resp.StatusCode)
			return "", fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=relayer_client op=claim status=%d err=%q detail=%q", resp.StatusCode, errResp.Code, errResp.Detail)
		return "", &errResp
	}

	var successResp ClaimResponse
	if err := json.Unmarshal(bodyBytes, &successResp); err != nil {
		return "", fmt.Errorf("failed to decode claim response: %w", err)
	}
	if successResp.TxHash == "" {
		return "", fmt.Errorf("relayer returned an empty transaction hash")
	}
	return successResp.TxHash, nil
}
