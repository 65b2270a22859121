/**
 * @description
 * This package provides a client for the external immutable ledger API.
 * It submits attestation payloads (masked hashes only, never raw identities)
 * and polls confirmation counts for previously submitted transactions.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package ledgerclient

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

// Client is a client for the immutable ledger API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new ledger API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SubmitRequest is the attestation payload committed to the ledger. Every
// field is either a hash or a non-identifying fact about the session.
type SubmitRequest struct {
	AttestationID      string `json:"attestation_id"`
	HelperIDHash       string `json:"helper_id_hash"`
	RecipientIDHash    string `json:"recipient_id_hash"`
	StartTime          string `json:"start_time"`
	EndTime            string `json:"end_time"`
	DurationMinutes    int    `json:"duration_minutes"`
	LocationHash       string `json:"location_hash"`
	TaskType           string `json:"task_type"`
	HelperSignature    string `json:"helper_signature"`
	RecipientSignature string `json:"recipient_signature"`
	ContentHash        string `json:"content_hash"`
	CreditAmount       int64  `json:"credit_amount"`
}

// SubmitResponse carries the ledger's transaction reference for a submission.
type SubmitResponse struct {
	Data struct {
		TxRef  string `json:"tx_ref"`
		Status string `json:"status"`
	} `json:"data"`
}

// StatusResponse carries the confirmation state of a submitted transaction.
type StatusResponse struct {
	Data struct {
		TxRef         string `json:"tx_ref"`
		Confirmations int    `json:"confirmations"`
		Status        string `json:"status"`
	} `json:"data"`
}

// ErrorResponse represents an error from the ledger API.
type ErrorResponse struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("ledger api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown ledger api error"
}

// Submit commits one attestation to the ledger and returns the transaction
// reference assigned by the ledger.
func (c *Client) Submit(ctx context.Context, payload SubmitRequest) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal submit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/api/v1/transactions", bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create submit request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-ledger-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute submit request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read submit response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=ledger_client op=submit status=%d msg=\"non-2xx response (unparsable error body)\"", resp.StatusCode)
			return "", fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=ledger_client op=submit attestation_id=%s status=%d detail=%q", payload.AttestationID, resp.StatusCode, firstErrorDetail(errResp))
		return "", &errResp
	}

	var successResp SubmitResponse
	if err := json.Unmarshal(bodyBytes, &successResp); err != nil {
		return "", fmt.Errorf("failed to decode submit response: %w", err)
	}
	if successResp.Data.TxRef == "" {
		return "", fmt.Errorf("ledger returned empty tx_ref")
	}

	return successResp.Data.TxRef, nil
}

// Confirmations fetches the current confirmation count for a submitted
// transaction.
func (c *Client) Confirmations(ctx context.Context, txRef string) (int, error) {
	url := c.BaseURL + "/api/v1/transactions/" + txRef

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create status request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-ledger-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to execute status request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read status response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=ledger_client op=confirmations tx_ref=%s status=%d msg=\"non-2xx response (unparsable error body)\"", txRef, resp.StatusCode)
			return 0, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=ledger_client op=confirmations tx_ref=%s status=%d detail=%q", txRef, resp.StatusCode, firstErrorDetail(errResp))
		return 0, &errResp
	}

	var statusResp StatusResponse
	if err := json.Unmarshal(bodyBytes, &statusResp); err != nil {
		return 0, fmt.Errorf("failed to decode status response: %w", err)
	}

	return statusResp.Data.Confirmations, nil
}

func firstErrorDetail(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Detail
}
