// internal/telegram/bot.go
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/signalnine/vtbot/internal/protocol"
)

// Handler serves one update
type Handler interface {
	Handle(ctx context.Context, u protocol.Update)
}

// Bot talks to the Telegram Bot API
type Bot struct {
	api    *tgbotapi.BotAPI
	http   *http.Client
	logger *slog.Logger
	chats  chatQueues
}

// New authenticates against Telegram with token
func New(token string, logger *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	api.Debug = false

	return &Bot{
		api:    api,
		http:   &http.Client{Timeout: 5 * time.Minute},
		logger: logger.With(slog.String("component", "telegram")),
	}, nil
}

// Username returns the bot's own username
func (b *Bot) Username() string {
	return b.api.Self.UserName
}

// SendMessage sends text to a chat. An empty parseMode sends plain text.
func (b *Bot) SendMessage(ctx context.Context, chatID int64, text, parseMode string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = parseMode
	_, err := b.api.Send(msg)
	return err
}

// SendDocument sends a file Telegram already holds back to a chat
func (b *Bot) SendDocument(ctx context.Context, chatID int64, fileID string) error {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileID(fileID))
	_, err := b.api.Send(doc)
	return err
}

// Download opens the content of a file sent to the bot
func (b *Bot) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	link, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download file: HTTP %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// Run long-polls Telegram and hands every update to h until ctx is
// cancelled. Updates of one chat are served in arrival order; different
// chats are served concurrently.
func (b *Bot) Run(ctx context.Context, h Handler) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 60
	updates := b.api.GetUpdatesChan(cfg)

	b.logger.Info("polling_started", slog.String("bot", b.api.Self.UserName))

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.logger.Info("polling_stopped")
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			u, ok := ToUpdate(upd)
			if !ok {
				continue
			}
			b.dispatch(ctx, h, u, &wg)
		}
	}
}

// dispatch queues u behind the pending updates of its chat. The first
// update of an idle chat starts the worker that drains the queue.
func (b *Bot) dispatch(ctx context.Context, h Handler, u protocol.Update, wg *sync.WaitGroup) {
	if !b.chats.push(u) {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			next, ok := b.chats.next(u.ChatID)
			if !ok {
				return
			}
			b.serve(ctx, h, next)
		}
	}()
}

func (b *Bot) serve(ctx context.Context, h Handler, u protocol.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("update_panic",
				slog.Int64("chat_id", u.ChatID),
				slog.Any("panic", r),
			)
		}
	}()
	h.Handle(ctx, u)
}

// chatQueues holds the pending updates of every busy chat. A chat is busy
// while its key is present, even with an empty queue: the worker is
// serving the update it popped last.
type chatQueues struct {
	mu      sync.Mutex
	pending map[int64][]protocol.Update
}

// push appends u to its chat's queue and reports whether the chat was idle
func (c *chatQueues) push(u protocol.Update) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		c.pending = make(map[int64][]protocol.Update)
	}
	q, busy := c.pending[u.ChatID]
	c.pending[u.ChatID] = append(q, u)
	return !busy
}

// next pops the oldest update of a chat. An empty queue marks the chat idle.
func (c *chatQueues) next(chatID int64) (protocol.Update, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q := c.pending[chatID]
	if len(q) == 0 {
		delete(c.pending, chatID)
		return protocol.Update{}, false
	}
	u := q[0]
	c.pending[chatID] = q[1:]
	return u, true
}

func (c *chatQueues) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
