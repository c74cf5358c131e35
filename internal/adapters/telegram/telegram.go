// Package telegram provides a telebot-backed Sender so the dispatcher can
// deliver broadcasts to Telegram chats.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"chatflow/internal/config"
	"chatflow/internal/domain"
	logx "chatflow/pkg/logx"
)

type Sender struct {
	bot *tele.Bot
	log logx.Logger
}

func New(cfg config.TelegramConfig, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout, err := cfg.PollTimeoutDuration()
	if err != nil {
		return nil, err
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Sender{bot: b, log: log}, nil
}

// Send delivers one payload to a chat. The recipient is a numeric chat id;
// the returned provider id is the Telegram message id within that chat.
func (s *Sender) Send(ctx context.Context, to domain.Recipient, payload domain.Payload) (string, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(string(to)), 10, 64)
	if err != nil {
		return "", errors.New("recipient is not a numeric chat id: " + string(to))
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	msg, err := s.bot.Send(tele.ChatID(chatID), payload.Body)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(msg.ID), nil
}

// Noop returns a Sender-shaped stub that only logs. Used when no telegram
// section is configured so the daemon still runs end to end.
func Noop(log logx.Logger) domain.Sender {
	return domain.SenderFunc(func(ctx context.Context, to domain.Recipient, payload domain.Payload) (string, error) {
		log.Info("send (noop)", logx.String("to", string(to)), logx.Int("bytes", len(payload.Body)))
		return "noop", nil
	})
}
