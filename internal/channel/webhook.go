package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/propdesk/notifyd/internal/config"
	"github.com/propdesk/notifyd/internal/notification"
)

// SignatureHeader carries "sha256=<hex hmac of body>" when a secret is set.
const SignatureHeader = "X-Notifyd-Signature"

// webhookPayload is the JSON body POSTed to the gateway.
type webhookPayload struct {
	ID        string `json:"id"`
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body"`
	SentAt    int64  `json:"sent_at"`
}

// WebhookSender POSTs notifications to an HTTP gateway (the SMS provider
// bridge). Any 2xx response counts as accepted.
type WebhookSender struct {
	client *http.Client
	url    string
	secret string
}

// NewWebhookSender builds a sender from config.
func NewWebhookSender(cfg config.WebhookConfig) (*WebhookSender, error) {
	if cfg.URL == "" {
		return nil, errors.New("channel: webhook url is not set")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		client: &http.Client{Timeout: timeout},
		url:    cfg.URL,
		secret: cfg.Secret,
	}, nil
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Send implements Sender.
func (s *WebhookSender) Send(ctx context.Context, n *notification.Notification) error {
	body, err := json.Marshal(webhookPayload{
		ID:        n.ID,
		Channel:   n.Channel,
		Recipient: n.Recipient,
		Subject:   n.Subject,
		Body:      n.Body,
		SentAt:    time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("channel: marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("channel: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.secret != "" {
		req.Header.Set(SignatureHeader, Sign(s.secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("channel: POST to %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("channel: gateway returned %d", resp.StatusCode)
	}
	return nil
}
