// Package channel connects chat platforms to the answer engine.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	lru "github.com/hashicorp/golang-lru/v2"

	"orgbot/internal/domain"
	"orgbot/internal/engine"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	telegramConcurrency    = 4

	// DefaultTelegramMaxChats bounds how many chats keep a last answer for
	// /refine. The least recently answered chats are dropped first.
	DefaultTelegramMaxChats = 1024
)

// Answerer is the part of the engine a chat channel drives.
type Answerer interface {
	Answer(ctx context.Context, sessionID, text string) (engine.Answer, error)
	Feedback(ctx context.Context, sessionID, priorText string, v engine.Verdict) (engine.Answer, error)
	ClearHistory(ctx context.Context, sessionID string) error
}

type botSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram long-polls the Bot API and answers each chat as its own session.
type Telegram struct {
	token     string
	allowFrom []int64 // empty = allow all
	parseMode string

	engine Answerer
	bot    botSender
	self   string
	logger *slog.Logger

	// last answer per chat, for /refine
	last *lru.Cache[int64, string]
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // user IDs as strings
	ParseMode string
	MaxChats  int // chats remembered for /refine (default 1024)
	Engine    Answerer
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxChats <= 0 {
		cfg.MaxChats = DefaultTelegramMaxChats
	}
	last, _ := lru.New[int64, string](cfg.MaxChats)
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		parseMode: cfg.ParseMode,
		engine:    cfg.Engine,
		logger:    cfg.Logger,
		last:      last,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and handles updates until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.self = bot.Self.UserName
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	sem := make(chan struct{}, telegramConcurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer func() { <-sem; wg.Done() }()
				t.handleUpdate(ctx, update)
			}()
		}
	}
}

func sessionFor(chatID int64) string {
	return "telegram:" + strconv.FormatInt(chatID, 10)
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}
	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user", "user_id", userID, "username", update.Message.From.UserName)
		t.sendMessage(ctx, chatID, "Unauthorized. Your user ID is not in the allow list.")
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}
	if update.Message.IsCommand() {
		t.handleCommand(ctx, chatID, update.Message)
		return
	}

	t.logger.Info("telegram message received", "user_id", userID, "chat_id", chatID, "text_len", len(text))
	_, _ = t.bot.Send(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))

	ans, err := t.engine.Answer(ctx, sessionFor(chatID), text)
	if err != nil {
		t.sendMessage(ctx, chatID, userMessage(err))
		return
	}
	t.remember(chatID, ans.Text)
	t.sendMessage(ctx, chatID, ans.Text)
}

func (t *Telegram) handleCommand(ctx context.Context, chatID int64, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start", "help":
		t.sendMessage(ctx, chatID, "Hello! Ask me anything about us.\n\nCommands:\n/refine - Improve my last answer\n/clear - Clear conversation\n/help - Show this message")
	case "clear":
		if err := t.engine.ClearHistory(ctx, sessionFor(chatID)); err != nil {
			t.logger.Error("telegram clear", "chat_id", chatID, "err", err)
			t.sendMessage(ctx, chatID, userMessage(err))
			return
		}
		t.forget(chatID)
		t.sendMessage(ctx, chatID, "Conversation cleared.")
	case "refine":
		prior, ok := t.lastAnswer(chatID)
		if !ok {
			t.sendMessage(ctx, chatID, "There is no answer to refine yet.")
			return
		}
		_, _ = t.bot.Send(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
		ans, err := t.engine.Feedback(ctx, sessionFor(chatID), prior, engine.VerdictNegative)
		if err != nil {
			t.sendMessage(ctx, chatID, userMessage(err))
			return
		}
		t.remember(chatID, ans.Text)
		t.sendMessage(ctx, chatID, ans.Text)
	default:
		t.sendMessage(ctx, chatID, "Unknown command. Type /help for available commands.")
	}
}

// userMessage renders an engine error for a chat user.
func userMessage(err error) string {
	switch domain.Kind(err) {
	case domain.KindInvalidInput:
		return "Sorry, I could not understand that message."
	case domain.KindContentUnavailable:
		return "Sorry, our information pages are unavailable right now. Please try again later."
	case domain.KindCompletionUnavailable:
		if domain.IsTimeout(err) {
			return "Sorry, that took too long. Please try again."
		}
		return "Sorry, I cannot answer right now. Please try again later."
	}
	return "Sorry, something went wrong."
}

func (t *Telegram) remember(chatID int64, text string) { t.last.Add(chatID, text) }

func (t *Telegram) forget(chatID int64) { t.last.Remove(chatID) }

func (t *Telegram) lastAnswer(chatID int64) (string, bool) { return t.last.Get(chatID) }

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

// splitMessage cuts text into chunks of at most maxLen runes, preferring a
// newline in the second half of each chunk.
func splitMessage(text string, maxLen int) []string {
	var chunks []string
	r := []rune(text)
	for len(r) > 0 {
		if len(r) <= maxLen {
			chunks = append(chunks, string(r))
			break
		}
		cut := maxLen
		for i := maxLen - 1; i >= maxLen/2; i-- {
			if r[i] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(r[:cut]))
		r = r[cut:]
	}
	return chunks
}

func (t *Telegram) sendMessage(ctx context.Context, chatID int64, text string) {
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		t.sendChunk(ctx, chatID, chunk)
	}
}

// sendChunk sends one chunk, falling back to plain text on a parse error
// and backing off on rate limits and transient failures.
func (t *Telegram) sendChunk(ctx context.Context, chatID int64, text string) {
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 && t.parseMode != "" {
			msg.ParseMode = t.parseMode
		}
		_, err := t.bot.Send(msg)
		if err == nil {
			return
		}
		errStr := err.Error()

		var backoff time.Duration
		switch {
		case strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429"):
			backoff = time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off", "retry_after", backoff, "attempt", attempt+1)
		case attempt == 0 && msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities"):
			t.logger.Warn("telegram markdown parse error, retrying as plain text", "err", err, "parseMode", t.parseMode)
			continue
		case attempt < telegramMaxSendRetries:
			backoff = time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
		default:
			t.logger.Error("telegram send failed after retries", "err", err, "attempts", telegramMaxSendRetries+1)
			return
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
	}
}
