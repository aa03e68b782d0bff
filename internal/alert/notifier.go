// Package alert delivers operator alerts, such as failed settlements, to Telegram.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	telebot "gopkg.in/telebot.v3"

	apperrors "github.com/Proton-105/xo-arena/internal/errors"
	"github.com/Proton-105/xo-arena/pkg/config"
	"github.com/Proton-105/xo-arena/pkg/metrics"
)

// Alert is a single operator notification.
type Alert struct {
	Title  string
	Text   string
	Fields map[string]string
}

// Format renders the alert as plain text with fields in key order.
func (a Alert) Format() string {
	var b strings.Builder
	b.WriteString("⚠ ")
	b.WriteString(a.Title)
	if a.Text != "" {
		b.WriteString("\n")
		b.WriteString(a.Text)
	}

	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, a.Fields[k])
	}

	return b.String()
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Sender is the subset of *telebot.Bot used to post messages.
type Sender interface {
	Send(to telebot.Recipient, what interface{}, opts ...interface{}) (*telebot.Message, error)
}

// TelegramNotifier posts alerts to a chat through a circuit breaker so a
// Telegram outage never slows down the caller.
type TelegramNotifier struct {
	sender  Sender
	chat    telebot.ChatID
	breaker *apperrors.CircuitBreaker
	log     *slog.Logger
}

// NewTelegramNotifier wraps sender.
func NewTelegramNotifier(sender Sender, chatID int64, log *slog.Logger) *TelegramNotifier {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "alert"))

	return &TelegramNotifier{
		sender: sender,
		chat:   telebot.ChatID(chatID),
		breaker: apperrors.NewCircuitBreaker(apperrors.BreakerSettings{
			Name: "telegram",
			OnStateChange: func(name string, from, to apperrors.State) {
				metrics.SetBreakerState(name, int(to))
				log.Warn("alert breaker changed state",
					slog.String("from", from.String()),
					slog.String("to", to.String()),
				)
			},
		}),
		log: log,
	}
}

// NewTelegramBot creates the bot client used by the notifier.
func NewTelegramBot(cfg config.TelegramConfig) (*telebot.Bot, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	bot, err := telebot.NewBot(telebot.Settings{
		Token:  cfg.Token,
		Client: newHTTPClient(timeout),
	})
	if err != nil {
		return nil, apperrors.NewExternalAPIError("telegram", err)
	}

	return bot, nil
}

func (n *TelegramNotifier) Notify(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := n.breaker.Call(func() error {
		_, err := n.sender.Send(n.chat, a.Format(), &telebot.SendOptions{DisableWebPagePreview: true})
		return err
	})
	if err != nil {
		n.log.Warn("alert delivery failed",
			slog.String("title", a.Title),
			slog.String("breaker", n.breaker.State().String()),
			slog.Any("error", err),
		)
		return apperrors.NewExternalAPIError("telegram", err)
	}

	return nil
}

// State reports the circuit breaker state.
func (n *TelegramNotifier) State() apperrors.State {
	return n.breaker.State()
}

// LogNotifier records alerts in the log when Telegram is disabled.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log.With(slog.String("component", "alert"))}
}

func (n *LogNotifier) Notify(_ context.Context, a Alert) error {
	attrs := make([]any, 0, len(a.Fields)+1)
	attrs = append(attrs, slog.String("text", a.Text))
	for k, v := range a.Fields {
		attrs = append(attrs, slog.String(k, v))
	}
	n.log.Error(a.Title, attrs...)
	return nil
}
