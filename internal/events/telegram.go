package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTelegramAPI is the Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

// TelegramConfig configures a TelegramSink.
type TelegramConfig struct {
	Token   string
	ChatID  string
	BaseURL string
	// MinSeverity filters out events below this level. Empty sends everything.
	MinSeverity string
	Client      *http.Client
}

// TelegramSink posts events to a chat through the Bot API.
type TelegramSink struct {
	token       string
	chatID      string
	baseURL     string
	minSeverity int
	client      *http.Client
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// NewTelegramSink creates a TelegramSink. Token and chat ID are required.
func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if cfg.Token == "" || cfg.ChatID == "" {
		return nil, fmt.Errorf("telegram sink requires both token and chat id")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultTelegramAPI
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	return &TelegramSink{
		token:       cfg.Token,
		chatID:      cfg.ChatID,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		minSeverity: severityRank(cfg.MinSeverity),
		client:      cfg.Client,
	}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

// Notify sends the event as a Markdown message.
func (s *TelegramSink) Notify(ctx context.Context, e Event) error {
	if severityRank(e.Severity) < s.minSeverity {
		return nil
	}

	body, err := json.Marshal(telegramMessage{
		ChatID:    s.chatID,
		Text:      FormatAlert(e),
		ParseMode: "Markdown",
	})
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		// The URL embeds the token; keep it out of the error.
		return fmt.Errorf("telegram send: %w", redactURLError(err))
	}
	defer resp.Body.Close()

	var tr telegramResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &tr)

	if resp.StatusCode/100 != 2 || !tr.OK {
		if tr.Description != "" {
			return fmt.Errorf("telegram send: status %d: %s", resp.StatusCode, tr.Description)
		}
		return fmt.Errorf("telegram send: status %d", resp.StatusCode)
	}
	return nil
}

// FormatAlert renders an event as a Markdown alert message.
func FormatAlert(e Event) string {
	var b strings.Builder
	title := "EDGEGUARD"
	if e.Severity == SeverityCritical || e.Severity == SeverityWarning {
		title = "SECURITY ALERT"
	}
	fmt.Fprintf(&b, "*%s*\n\n", title)
	fmt.Fprintf(&b, "• *Action*: `%s`\n", e.Type)
	if e.Subject != "" {
		fmt.Fprintf(&b, "• *Subject*: `%s`\n", e.Subject)
	}
	if ip := e.Data["source_ip"]; ip != "" {
		fmt.Fprintf(&b, "• *IP*: `%s`\n", ip)
	}
	if e.Actor != "" {
		fmt.Fprintf(&b, "• *By*: `%s`\n", e.Actor)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, "• *Detail*: %s\n", e.Message)
	}
	fmt.Fprintf(&b, "• *Date*: %s", e.Timestamp.Format("02/01/2006 15:04:05"))
	return b.String()
}

func severityRank(s string) int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	default:
		return 0
	}
}

func redactURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}
