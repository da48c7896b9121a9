package docclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client calls the papers service over HTTP to resolve document
// ownership. Responses are authoritative; there is no local cache.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// APIError represents a papers service error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// NewClient constructs a papers service client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

type ownershipResponse struct {
	DocumentID string `json:"documentId"`
	OwnerID    string `json:"ownerId"`
}

// IsOwner reports whether userID owns documentID. An unknown document
// is simply not owned; transport failures are returned as errors so
// callers never treat an outage as a denial by accident.
func (c *Client) IsOwner(ctx context.Context, documentID, userID string) (bool, error) {
	url := fmt.Sprintf("%s/documents/%s/owner", c.baseURL, documentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("papers service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return false, &APIError{Status: resp.StatusCode, Message: msg}
	}
	var body ownershipResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return body.OwnerID == userID, nil
}
