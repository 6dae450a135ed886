package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// chatSender is the part of *tele.Bot the gateway needs.
type chatSender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// ChatGateway delivers reminders as Telegram messages. The address is the
// numeric chat id.
type ChatGateway struct {
	bot chatSender
}

func NewChatGateway(token string) (*ChatGateway, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &ChatGateway{bot: b}, nil
}

func (g *ChatGateway) Send(ctx context.Context, address, message string) (string, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(address), 10, 64)
	if err != nil {
		return "", fmt.Errorf("chat %q: %w", address, ErrInvalidAddress)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	msg, err := g.bot.Send(&tele.Chat{ID: chatID}, message, &tele.SendOptions{
		DisableWebPagePreview: true,
	})
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	return strconv.Itoa(msg.ID), nil
}
