// Package webhook delivers alerts to HTTP endpoints: Slack incoming webhooks
// and generic JSON receivers. Both implement notify.Channel.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/couchcryptid/firewatch-service/internal/domain"
	"github.com/couchcryptid/firewatch-service/internal/notify"
	"github.com/couchcryptid/firewatch-service/internal/retry"
)

const (
	headerContentType = "Content-Type"
	contentTypeJSON   = "application/json"
)

// JSON posts the alert as a JSON document to a URL.
type JSON struct {
	url        string
	httpClient *http.Client
}

// NewJSON creates a generic webhook channel. A nil client uses
// http.DefaultClient; per-attempt deadlines come from the dispatcher.
func NewJSON(url string, client *http.Client) *JSON {
	if client == nil {
		client = http.DefaultClient
	}
	return &JSON{url: url, httpClient: client}
}

// Name implements notify.Channel.
func (j *JSON) Name() string { return "webhook" }

// Payload is the generic webhook body.
type Payload struct {
	Subject string       `json:"subject"`
	Text    string       `json:"text"`
	Alert   domain.Alert `json:"alert"`
	Areas   []string     `json:"areas,omitempty"`
}

// Send implements notify.Channel.
func (j *JSON) Send(ctx context.Context, msg notify.Message) error {
	return post(ctx, j.httpClient, j.url, Payload{
		Subject: msg.Subject,
		Text:    msg.Text,
		Alert:   msg.Alert,
		Areas:   msg.Areas,
	})
}

// post sends body as JSON. Client errors other than 429 are permanent so
// the dispatcher does not retry a request that can never succeed.
func post(ctx context.Context, client *http.Client, url string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal payload: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set(headerContentType, contentTypeJSON)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(text)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return retry.Permanent(err)
	}
	return err
}
