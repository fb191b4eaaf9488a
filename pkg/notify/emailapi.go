package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// EmailAPISender sends mail through a generic HTTP email API: one POST per
// message, bearer-token auth, JSON body.
type EmailAPISender struct {
	url    string
	token  string
	client *http.Client
}

// NewEmailAPISender creates a sender for the given API endpoint.
func NewEmailAPISender(url, token string) *EmailAPISender {
	return &EmailAPISender{
		url:   url,
		token: token,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *EmailAPISender) Name() string { return "emailapi" }

func (s *EmailAPISender) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal email payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "afeguard/1.0")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Keep a short excerpt of the response for the error record.
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &Error{StatusCode: resp.StatusCode, Body: string(excerpt)}
	}
	return nil
}
