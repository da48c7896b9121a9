package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"veriscribe/pkg/domain"
)

// HTTPSender delivers batches to the events service.
type HTTPSender struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPSender builds a sender posting to baseURL (the events service
// root). token is the caller's bearer token.
func NewHTTPSender(baseURL, token string) *HTTPSender {
	return &HTTPSender{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type batchRequest struct {
	Events []domain.EditEvent `json:"events"`
}

// Send posts the batch and awaits acknowledgement.
func (s *HTTPSender) Send(ctx context.Context, events []domain.EditEvent) error {
	if len(events) == 0 {
		return nil
	}
	url := fmt.Sprintf("%s/documents/%s/events", s.baseURL, events[0].DocumentID)
	body, err := json.Marshal(batchRequest{Events: events})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver batch: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("deliver batch: status %s", resp.Status)
	}
	return nil
}

// SendBestEffort fires the batch without reading the response. The
// request runs on its own goroutine with a short deadline so teardown
// never blocks on it; arrival is attempted, not guaranteed.
func (s *HTTPSender) SendBestEffort(events []domain.EditEvent) {
	if len(events) == 0 {
		return
	}
	url := fmt.Sprintf("%s/documents/%s/events?beacon=1", s.baseURL, events[0].DocumentID)
	body, err := json.Marshal(batchRequest{Events: events})
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+s.token)
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return
		}
		resp.Body.Close()
	}()
}
