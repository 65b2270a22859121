/**
 * @description
 * This package provides a client for the identity service, which holds the
 * registered signing keys of helpers and recipients. Attestation signature
 * verification fetches each party's Ed25519 public key from here.
 */
package identityclient

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client is a client for the identity service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new identity service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// PublicKeyResponse defines the response carrying a party's signing key.
type PublicKeyResponse struct {
	UserID    string `json:"user_id"`
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"public_key"`
}

// GetPublicKey fetches a party's registered Ed25519 public key.
func (c *Client) GetPublicKey(ctx context.Context, userID string) (ed25519.PublicKey, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("identity service base url is empty")
	}

	url := fmt.Sprintf("%s/internal/identities/%s/signing-key", c.baseURL, userID)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to identity service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("identity service returned error status %d", resp.StatusCode)
	}

	var response PublicKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if response.Algorithm != "ed25519" {
		return nil, fmt.Errorf("unsupported signing algorithm %q for user %s", response.Algorithm, userID)
	}

	raw, err := base64.StdEncoding.DecodeString(response.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key for user %s has size %d, expected %d", userID, len(raw), ed25519.PublicKeySize)
	}

	return ed25519.PublicKey(raw), nil
}
