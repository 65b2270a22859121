/**
 * @description
 * This package provides a client for the institution payment API, which moves
 * disbursed funds into a student's tuition, housing, books, or meal-plan
 * accounts. Every transfer carries an idempotency token so a retried call
 * cannot move money twice.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package institutionclient

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

// Client is a client for the institution payment API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new institution payment API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// TransferRequest is the payload for one category transfer.
type TransferRequest struct {
	OwnerID          string `json:"owner_id"`
	Category         string `json:"category"`
	Amount           int64  `json:"amount"`
	IdempotencyToken string `json:"idempotency_token"`
	Reason           string `json:"reason"`
}

// TransferResponse is the institution's acknowledgement of a transfer.
type TransferResponse struct {
	Data struct {
		ExternalRef string `json:"external_ref"`
		Status      string `json:"status"`
	} `json:"data"`
}

// ErrorResponse represents an error from the institution API.
type ErrorResponse struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("institution api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown institution api error"
}

// InitiateTransfer pushes one category transfer to the institution. The
// returned external reference identifies the transfer in later status events.
func (c *Client) InitiateTransfer(ctx context.Context, payload TransferRequest) (*TransferResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/api/v1/transfers", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", payload.IdempotencyToken)
	req.Header.Set("x-institution-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute transfer request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read transfer response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=institution_client op=transfer status=%d msg=\"non-2xx response (unparsable error body)\"", resp.StatusCode)
			return nil, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=institution_client op=transfer category=%s status=%d detail=%q", payload.Category, resp.StatusCode, firstErrorDetail(errResp))
		return nil, &errResp
	}

	var successResp TransferResponse
	if err := json.Unmarshal(bodyBytes, &successResp); err != nil {
		return nil, fmt.Errorf("failed to decode transfer response: %w", err)
	}

	return &successResp, nil
}

func firstErrorDetail(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Detail
}
