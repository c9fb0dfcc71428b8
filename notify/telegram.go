package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	tele "gopkg.in/telebot.v4"
)

// ErrDestinationGone marks errors where the chat no longer accepts messages
// from the bot. Retrying will not help.
var ErrDestinationGone = errors.New("destination unreachable")

// destination is a Telegram chat id ("-100123") or public username ("@channel").
type destination string

func (d destination) Recipient() string { return string(d) }

// TelegramConfig configures a TelegramSender.
type TelegramConfig struct {
	Token   string
	APIURL  string // defaults to the public Bot API
	Timeout time.Duration
	Client  *http.Client
}

// TelegramSender posts notifications through the Telegram Bot API.
type TelegramSender struct {
	bot *tele.Bot
}

// NewTelegramSender builds an offline bot (no getMe handshake, no polling)
// used only for sending.
func NewTelegramSender(cfg TelegramConfig) (*TelegramSender, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram bot token is required")
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Client:  client,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramSender{bot: b}, nil
}

// Send posts n to destinationID. Clips with a thumbnail go out as a photo with
// the caption; the rest as a text message. Both carry a link button.
func (s *TelegramSender) Send(ctx context.Context, destinationID string, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := &tele.SendOptions{ParseMode: tele.ModeHTML}
	if n.URL != "" {
		rm := &tele.ReplyMarkup{}
		rm.Inline(tele.Row{tele.Btn{Text: n.ButtonText, URL: n.URL}})
		opts.ReplyMarkup = rm
	}

	var what interface{} = n.Caption
	if n.ImageURL != "" {
		what = &tele.Photo{File: tele.FromURL(n.ImageURL), Caption: n.Caption}
	}

	if _, err := s.bot.Send(destination(destinationID), what, opts); err != nil {
		if isGone(err) {
			return fmt.Errorf("%w: %v", ErrDestinationGone, err)
		}
		return err
	}
	return nil
}

func isGone(err error) bool {
	for _, gone := range []error{
		tele.ErrChatNotFound,
		tele.ErrBlockedByUser,
		tele.ErrKickedFromGroup,
		tele.ErrKickedFromSuperGroup,
		tele.ErrKickedFromChannel,
		tele.ErrNotStartedByUser,
		tele.ErrUserIsDeactivated,
	} {
		if errors.Is(err, gone) {
			return true
		}
	}
	return false
}
