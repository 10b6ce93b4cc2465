package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Kind names what happened to a position.
type Kind string

const (
	KindAtRisk          Kind = "at_risk"
	KindRescueSucceeded Kind = "rescue_succeeded"
	KindRescueFailed    Kind = "rescue_failed"
)

// Notification carries the context of one alert.
type Notification struct {
	Kind          Kind
	At            time.Time
	PositionID    string
	Owner         string
	HealthFactor  *big.Int
	Status        string
	TxHash        string
	NewCollateral *big.Int
	Error         string
	AdditionalMsg string
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier posts messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    RenderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return errors.New("telegram returned ok=false")
	}

	n.logger.Info().
		Str("kind", string(note.Kind)).
		Str("position_id", note.PositionID).
		Msg("alert sent")
	return nil
}

// LogNotifier writes notifications to the log only.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds a log-only notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(_ context.Context, note Notification) error {
	l.logger.Warn().
		Str("kind", string(note.Kind)).
		Str("position_id", note.PositionID).
		Str("owner", note.Owner).
		Str("health_factor", FormatHealthFactor(note.HealthFactor)).
		Str("tx_hash", note.TxHash).
		Str("error", note.Error).
		Msg("alert")
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FormatHealthFactor renders a 1e18-scaled factor with three decimals.
func FormatHealthFactor(hf *big.Int) string {
	if hf == nil {
		return "n/a"
	}
	return decimal.NewFromBigInt(hf, -18).StringFixed(3)
}

// RenderMessage formats the alert text.
func RenderMessage(note Notification) string {
	builder := strings.Builder{}
	switch note.Kind {
	case KindAtRisk:
		builder.WriteString("[Position At Risk]\n")
	case KindRescueSucceeded:
		builder.WriteString("[Rescue Executed]\n")
	case KindRescueFailed:
		builder.WriteString("[Rescue Failed]\n")
	default:
		builder.WriteString("[Relayer Alert]\n")
	}
	if !note.At.IsZero() {
		builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	}
	builder.WriteString(fmt.Sprintf("Position: %s\n", note.PositionID))
	if note.Owner != "" {
		builder.WriteString(fmt.Sprintf("Owner: %s\n", note.Owner))
	}
	builder.WriteString(fmt.Sprintf("Health factor: %s\n", FormatHealthFactor(note.HealthFactor)))
	if note.Status != "" {
		builder.WriteString(fmt.Sprintf("Status: %s\n", note.Status))
	}
	if note.NewCollateral != nil {
		builder.WriteString(fmt.Sprintf("New collateral: %s\n", decimal.NewFromBigInt(note.NewCollateral, -18).String()))
	}
	if note.TxHash != "" {
		builder.WriteString(fmt.Sprintf("Tx: %s\n", note.TxHash))
	}
	if note.Error != "" {
		builder.WriteString(fmt.Sprintf("Error: %s\n", note.Error))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Multi(nil)
)
