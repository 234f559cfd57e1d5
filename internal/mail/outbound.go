package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrMissingAPIKey is returned by Send when the bridge has no API key
// configured. Surfaced as a 500 with a configuration error code.
var ErrMissingAPIKey = errors.New("mail: outbound API key not configured")

// UpstreamError carries the email API's failure response so handlers can
// pass the status and body through verbatim.
type UpstreamError struct {
	Status int
	Body   []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("mail: email API returned %d: %s", e.Status, e.Body)
}

// Outbound is the HTTP bridge to a transactional email API.
type Outbound struct {
	apiURL string
	apiKey string
	from   string
	client *http.Client
	logger *slog.Logger
}

// NewOutbound creates the bridge. An empty apiKey is allowed at construction;
// Send fails with ErrMissingAPIKey at call time.
func NewOutbound(apiURL, apiKey, from string, logger *slog.Logger) *Outbound {
	return &Outbound{
		apiURL: apiURL,
		apiKey: apiKey,
		from:   from,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

type outboundRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

// Send delivers one email through the upstream API. No retry: any failure is
// terminal for the request.
func (o *Outbound) Send(ctx context.Context, to, subject, body string) error {
	if o.apiKey == "" {
		return ErrMissingAPIKey
	}

	payload, err := json.Marshal(outboundRequest{
		From:    o.from,
		To:      []string{to},
		Subject: subject,
		Text:    body,
	})
	if err != nil {
		return fmt.Errorf("mail: marshal email request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("mail: create email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("mail: email API request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return &UpstreamError{Status: resp.StatusCode, Body: respBody}
	}

	o.logger.Info("mail: external email sent", "to", to)
	return nil
}
