// Package telegram runs the admin chat bot: a long-polling loop that feeds
// messages from the administrator into the admin command dispatcher.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// APIAddress is the public Bot API endpoint.
const APIAddress = "https://api.telegram.org"

const (
	pollTimeout = 30 * time.Second
	retryDelay  = 2 * time.Second
)

// Handler executes a command text on behalf of principal.
type Handler interface {
	IsAdmin(principal int64) bool
	Handle(ctx context.Context, principal int64, text string) (string, error)
}

// Bot handles Telegram bot interactions for administrators.
type Bot struct {
	client       *resty.Client
	handler      Handler
	log          *zerolog.Logger
	lastUpdateID int64
}

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      *Chat  `json:"chat"`
	Text      string `json:"text,omitempty"`
}

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type getUpdatesResponse struct {
	OK          bool     `json:"ok"`
	Description string   `json:"description,omitempty"`
	Result      []Update `json:"result"`
}

// NewBot creates a bot against the given API address. The token is part of
// every request path and is never logged.
func NewBot(address, token string, handler Handler, log *zerolog.Logger) (*Bot, error) {
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(address, "/")+"/bot"+token).
		SetTimeout(pollTimeout + 10*time.Second)
	return &Bot{client: client, handler: handler, log: log}, nil
}

// Run polls for updates and dispatches them until ctx is cancelled. Polling and
// handling run in separate goroutines connected by a channel.
func (b *Bot) Run(ctx context.Context) error {
	b.log.Info().Msg("starting telegram admin bot")
	updates := make(chan Update)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(updates)
		b.pollUpdates(gctx, updates)
		return nil
	})
	g.Go(func() error {
		for update := range updates {
			b.handleUpdate(gctx, update)
		}
		return nil
	})
	err := g.Wait()
	b.log.Info().Msg("stopped telegram admin bot")
	return err
}

func (b *Bot) pollUpdates(ctx context.Context, out chan<- Update) {
	for ctx.Err() == nil {
		updates, err := b.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Warn().Msg(fmt.Sprintf("getting updates failed: %s", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			continue
		}
		for _, update := range updates {
			select {
			case <-ctx.Done():
				return
			case out <- update:
			}
			b.lastUpdateID = update.UpdateID
		}
	}
}

func (b *Bot) getUpdates(ctx context.Context) ([]Update, error) {
	var response getUpdatesResponse
	resp, err := b.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"offset":          strconv.FormatInt(b.lastUpdateID+1, 10),
			"timeout":         strconv.Itoa(int(pollTimeout.Seconds())),
			"allowed_updates": `["message"]`,
		}).
		SetResult(&response).
		SetError(&response).
		Get("/getUpdates")
	if err != nil {
		// resty errors carry the request URL, which contains the token
		return nil, errors.New("telegram request failed")
	}
	if resp.IsError() || !response.OK {
		return nil, fmt.Errorf("telegram API returned not OK: %d %s", resp.StatusCode(), response.Description)
	}
	return response.Result, nil
}

func (b *Bot) handleUpdate(ctx context.Context, update Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	// private chat with the administrator only, everyone else is ignored
	if !b.handler.IsAdmin(msg.From.ID) || msg.Chat.ID != msg.From.ID {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if text == "/start" {
		text = "/help"
	}
	reply, err := b.handler.Handle(ctx, msg.From.ID, text)
	if err != nil {
		reply = "error: " + err.Error()
	}
	b.sendMessage(ctx, msg.Chat.ID, reply)
}

func (b *Bot) sendMessage(ctx context.Context, chatID int64, text string) {
	resp, err := b.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"chat_id": strconv.FormatInt(chatID, 10),
			"text":    text,
		}).
		Post("/sendMessage")
	if err != nil {
		b.log.Error().Msg("sending telegram message failed")
		return
	}
	if resp.IsError() {
		b.log.Error().Int("status", resp.StatusCode()).Msg("telegram rejected message")
	}
}
