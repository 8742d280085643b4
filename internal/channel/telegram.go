package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/propdesk/notifyd/internal/config"
	"github.com/propdesk/notifyd/internal/notification"
)

// telegramMaxText is the Bot API sendMessage limit.
const telegramMaxText = 4096

type telegramRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

// TelegramSender posts to the Bot API sendMessage method. The notification's
// recipient is the chat ID.
type TelegramSender struct {
	client  *http.Client
	baseURL string
	token   string
}

// NewTelegramSender builds a sender from config. An empty API URL selects
// the public Bot API.
func NewTelegramSender(cfg config.TelegramConfig) (*TelegramSender, error) {
	parts := strings.Split(cfg.BotToken, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, errors.New("channel: invalid telegram bot token format")
	}
	base := strings.TrimRight(cfg.APIURL, "/")
	if base == "" {
		base = "https://api.telegram.org"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TelegramSender{
		client:  &http.Client{Timeout: timeout},
		baseURL: base,
		token:   cfg.BotToken,
	}, nil
}

// Send implements Sender.
func (s *TelegramSender) Send(ctx context.Context, n *notification.Notification) error {
	if n.Recipient == "" {
		return errors.New("channel: telegram chat id is empty")
	}
	text := n.Body
	if n.Subject != "" {
		text = n.Subject + "\n\n" + n.Body
	}
	if r := []rune(text); len(r) > telegramMaxText {
		text = string(r[:telegramMaxText])
	}

	payload, err := json.Marshal(telegramRequest{
		ChatID:                n.Recipient,
		Text:                  text,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("channel: marshal telegram payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("channel: build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		// The URL carries the bot token; keep it out of error messages.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("channel: telegram send: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("channel: read telegram response: %w", err)
	}
	var apiResp telegramResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return fmt.Errorf("channel: telegram returned %d with unparseable body", resp.StatusCode)
	}
	if !apiResp.OK {
		msg := fmt.Sprintf("channel: telegram error %d: %s", apiResp.ErrorCode, apiResp.Description)
		if apiResp.Parameters != nil && apiResp.Parameters.RetryAfter > 0 {
			msg += fmt.Sprintf(" (retry after %ds)", apiResp.Parameters.RetryAfter)
		}
		return errors.New(msg)
	}
	return nil
}
