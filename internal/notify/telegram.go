package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"visionguard/internal/monitoring"
)

const (
	DefaultAPIBaseURL = "https://api.telegram.org"
	DefaultCooldown   = 30 * time.Second
	DefaultTimeout    = 30 * time.Second
)

// Config holds Telegram bot configuration
type Config struct {
	Enabled    bool          `yaml:"enabled"`
	BotToken   string        `yaml:"bot_token"`
	ChatID     string        `yaml:"chat_id"`
	Cooldown   time.Duration `yaml:"cooldown"`
	Timeout    time.Duration `yaml:"timeout"`
	APIBaseURL string        `yaml:"api_base_url"`
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Enabled {
		if c.BotToken == "" {
			return fmt.Errorf("telegram bot token is required when enabled")
		}
		if c.ChatID == "" {
			return fmt.Errorf("telegram chat ID is required when enabled")
		}
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("telegram cooldown cannot be negative")
	}
	return nil
}

// telegramResponse is the envelope of every Bot API reply
type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// TelegramBot delivers monitoring alerts to a Telegram chat. Alerts for the
// same task and source are rate limited by the cooldown.
type TelegramBot struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time

	mu              sync.Mutex
	cooldownTracker map[string]time.Time

	wg sync.WaitGroup
}

var _ monitoring.AlertSink = (*TelegramBot)(nil)

// NewTelegramBot creates a new Telegram bot instance
func NewTelegramBot(cfg Config, logger *zap.Logger) *TelegramBot {
	if cfg.Cooldown == 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")

	return &TelegramBot{
		cfg:             cfg,
		httpClient:      &http.Client{Timeout: cfg.Timeout},
		logger:          logger.Named("telegram"),
		now:             time.Now,
		cooldownTracker: make(map[string]time.Time),
	}
}

// IsEnabled returns whether the bot is enabled
func (tb *TelegramBot) IsEnabled() bool {
	return tb.cfg.Enabled
}

// NotifyAlert sends the alert in the background. It never blocks the caller.
func (tb *TelegramBot) NotifyAlert(ctx context.Context, alert monitoring.Alert) {
	if !tb.cfg.Enabled || alert.Event == nil {
		return
	}
	key := alert.TaskID + "/" + alert.Event.SourceID
	if !tb.claimCooldown(key) {
		tb.logger.Debug("Alert suppressed by cooldown", zap.String("task_id", alert.TaskID),
			zap.String("source_id", alert.Event.SourceID))
		return
	}

	tb.wg.Add(1)
	go func() {
		defer tb.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tb.cfg.Timeout)
		defer cancel()
		if err := tb.SendMonitoringAlert(sendCtx, alert); err != nil {
			tb.logger.Warn("Failed to send alert", zap.String("task_id", alert.TaskID), zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight alerts have been sent
func (tb *TelegramBot) Wait() {
	tb.wg.Wait()
}

// SendMonitoringAlert sends one alert, with the event frame as photo when
// present
func (tb *TelegramBot) SendMonitoringAlert(ctx context.Context, alert monitoring.Alert) error {
	ev := alert.Event
	ts := alert.TriggeredAt
	if ts.IsZero() {
		ts = tb.now()
	}
	zoneName, _ := ts.Zone()

	message := fmt.Sprintf(
		"🚨 <b>Monitoring Alert</b>\n\n"+
			"%s\n\n"+
			"📹 Source: %s\n"+
			"🎯 Detected: %s (%.0f%%)\n"+
			"%s Severity: %s\n"+
			"📝 Rule: %s\n"+
			"🕐 Time: %s %s",
		html.EscapeString(alert.Message),
		html.EscapeString(ev.SourceID),
		ev.Type, ev.Confidence*100,
		severityEmoji(string(ev.Severity)), ev.Severity,
		html.EscapeString(alert.Request),
		ts.Format("2 Jan 2006, 15:04:05"), zoneName,
	)

	if len(ev.Frame) > 0 {
		return tb.sendPhoto(ctx, ev.Frame, message)
	}
	return tb.sendMessage(ctx, message)
}

// SendTestMessage sends a test message to verify the bot configuration
func (tb *TelegramBot) SendTestMessage(ctx context.Context) error {
	if tb.cfg.BotToken == "" || tb.cfg.ChatID == "" {
		return fmt.Errorf("telegram bot token or chat ID not configured")
	}
	now := tb.now()
	zoneName, _ := now.Zone()
	return tb.sendMessage(ctx, fmt.Sprintf(
		"🤖 <b>VisionGuard Test Message</b>\n\n"+
			"✅ Telegram bot is working correctly!\n"+
			"🕐 Test sent at: %s %s",
		now.Format("2 Jan 2006, 15:04:05"), zoneName))
}

func severityEmoji(sev string) string {
	switch sev {
	case "critical", "high":
		return "🔴"
	case "medium":
		return "🟡"
	case "low":
		return "🟢"
	default:
		return "⚪"
	}
}

// claimCooldown reports whether key may send now and, if so, starts a new
// cooldown period for it
func (tb *TelegramBot) claimCooldown(key string) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	if last, ok := tb.cooldownTracker[key]; ok && now.Sub(last) < tb.cfg.Cooldown {
		return false
	}
	tb.cooldownTracker[key] = now

	for k, last := range tb.cooldownTracker {
		if now.Sub(last) > tb.cfg.Cooldown*2 {
			delete(tb.cooldownTracker, k)
		}
	}
	return true
}

func (tb *TelegramBot) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", tb.cfg.APIBaseURL, tb.cfg.BotToken, method)
}

func (tb *TelegramBot) sendMessage(ctx context.Context, text string) error {
	payload := map[string]interface{}{
		"chat_id":    tb.cfg.ChatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tb.methodURL("sendMessage"), bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return tb.do(req)
}

// sendPhoto sends a photo using multipart form data
func (tb *TelegramBot) sendPhoto(ctx context.Context, photoData []byte, caption string) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("chat_id", tb.cfg.ChatID); err != nil {
		return fmt.Errorf("failed to write chat_id field: %w", err)
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return fmt.Errorf("failed to write caption field: %w", err)
		}
		if err := writer.WriteField("parse_mode", "HTML"); err != nil {
			return fmt.Errorf("failed to write parse_mode field: %w", err)
		}
	}

	part, err := writer.CreateFormFile("photo", "event_frame.jpg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(photoData); err != nil {
		return fmt.Errorf("failed to write photo data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tb.methodURL("sendPhoto"), &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return tb.do(req)
}

func (tb *TelegramBot) do(req *http.Request) error {
	resp, err := tb.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	var telegramResp telegramResponse
	if err := json.Unmarshal(body, &telegramResp); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !telegramResp.OK {
		return fmt.Errorf("telegram API error %d: %s", telegramResp.ErrorCode, telegramResp.Description)
	}
	return nil
}
