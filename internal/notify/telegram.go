package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/router-for-me/keyledger/internal/metrics"
	"github.com/router-for-me/keyledger/internal/settings"
	log "github.com/sirupsen/logrus"
)

// ErrRecipientBlocked is returned when the user blocked the bot or never started it.
var ErrRecipientBlocked = errors.New("notify: recipient blocked the bot")

// maxRetryAfter caps how long a throttled send waits before its single retry.
const maxRetryAfter = 5 * time.Second

// TelegramConfig configures the Bot API sender.
type TelegramConfig struct {
	BotToken string
	BaseURL  string
	Timeout  time.Duration
}

// Telegram sends notifications through the Bot API sendMessage method.
type Telegram struct {
	bot       *bot.Bot
	timeout   time.Duration
	templates Templates
	metrics   *metrics.Metrics
}

// NewTelegram builds a Bot API notifier. It does not contact Telegram.
func NewTelegram(cfg TelegramConfig, templates Templates, m *metrics.Metrics) (*Telegram, error) {
	token := strings.TrimSpace(cfg.BotToken)
	if token == "" {
		return nil, fmt.Errorf("notify: telegram: empty bot token")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = settings.DefaultNotifyTimeout
	}
	opts := []bot.Option{
		bot.WithSkipGetMe(),
		bot.WithHTTPClient(timeout, &http.Client{}),
	}
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		opts = append(opts, bot.WithServerURL(base))
	}
	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("notify: telegram: %w", redactURLError(err))
	}
	return &Telegram{bot: b, timeout: timeout, templates: templates, metrics: m}, nil
}

// Notify sends the rendered message to the user's chat.
func (t *Telegram) Notify(ctx context.Context, userID int64, msg Message) error {
	err := t.send(ctx, userID, msg)
	t.metrics.ObserveNotification(string(msg.Kind), err)
	return err
}

func (t *Telegram) send(ctx context.Context, userID int64, msg Message) error {
	text, err := t.templates.Render(msg)
	if err != nil {
		return err
	}
	params := &bot.SendMessageParams{ChatID: userID, Text: text}

	err = t.sendOnce(ctx, params)
	var throttled *bot.TooManyRequestsError
	if errors.As(err, &throttled) {
		wait := time.Duration(throttled.RetryAfter) * time.Second
		if wait > maxRetryAfter {
			return fmt.Errorf("notify: telegram: throttled for %s: %w", wait, err)
		}
		log.WithFields(log.Fields{"user_id": userID, "retry_after": wait}).Warn("notify: telegram: throttled, retrying once")
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		err = t.sendOnce(ctx, params)
	}
	if errors.Is(err, bot.ErrorForbidden) {
		return fmt.Errorf("%w: user %d: %v", ErrRecipientBlocked, userID, err)
	}
	if err != nil {
		return fmt.Errorf("notify: telegram: send to %d failed: %w", userID, err)
	}
	return nil
}

func (t *Telegram) sendOnce(ctx context.Context, params *bot.SendMessageParams) error {
	requestCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	_, err := t.bot.SendMessage(requestCtx, params)
	// Transport errors carry the request URL, which holds the bot token.
	return redactURLError(err)
}

func redactURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}
