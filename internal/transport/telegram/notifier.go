// Package telegram delivers operator alerts to a Telegram chat. It only
// sends; it never polls for updates.
package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"stackcast/pkg/logx"
)

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// Timeout bounds one API call. Zero means 10s.
	Timeout time.Duration
	// URL overrides the Bot API endpoint (tests, self-hosted API servers).
	URL string
}

// sender is the subset of *tele.Bot the notifier uses.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Notifier implements logx.Sender.
type Notifier struct {
	cfg  Config
	log  logx.Logger
	bot  sender
	chat *tele.Chat
}

func New(cfg Config, log logx.Logger) (*Notifier, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Offline: true,
		Client:  newHTTPClient(cfg.Timeout),
	})
	if err != nil {
		return nil, err
	}
	return newNotifier(cfg, b, log), nil
}

func newNotifier(cfg Config, bot sender, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		cfg:  cfg,
		log:  log.With(logx.String("comp", "telegram")),
		bot:  bot,
		chat: &tele.Chat{ID: cfg.ChatID},
	}
}

// SendAlert sends text, split into chunks Telegram accepts. It stops at the
// first failed chunk or when ctx is done.
func (n *Notifier) SendAlert(ctx context.Context, text string) error {
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := n.bot.Send(n.chat, chunk, &tele.SendOptions{
			ThreadID:              n.cfg.ThreadID,
			DisableWebPagePreview: true,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
