package channel

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/stellarlinkco/chatpulse/internal/bus"
	"github.com/stellarlinkco/chatpulse/internal/config"
)

const telegramChannelName = "telegram"

// TelegramBot is the subset of the bot API the channel uses, for mocking.
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	GetSelf() tgbotapi.User
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

type TelegramChannel struct {
	BaseChannel
	token      string
	proxy      string
	botFactory BotFactory

	mu     sync.Mutex
	bot    TelegramBot
	self   tgbotapi.User
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	return &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b, cfg.AllowFrom),
		token:       cfg.Token,
		proxy:       cfg.Proxy,
		botFactory:  factory,
	}, nil
}

func (t *TelegramChannel) initBot() error {
	client := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.mu.Lock()
	t.bot = bot
	t.self = bot.GetSelf()
	t.mu.Unlock()
	log.Printf("[telegram] authorized as @%s", t.self.UserName)
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.mu.Lock()
	t.cancel = cancel
	t.done = done
	bot := t.bot
	t.mu.Unlock()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message", "channel_post"}
	updates := bot.GetUpdatesChan(u)

	go func() {
		defer close(done)
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				msg := update.Message
				if msg == nil {
					msg = update.ChannelPost
				}
				if msg == nil {
					continue
				}
				t.handleMessage(ctx, msg)
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("[telegram] polling started")
	return nil
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	ev, ok := t.toEvent(msg)
	if !ok {
		return
	}
	if !t.IsAllowed(strconv.FormatInt(ev.ActorID, 10)) {
		log.Printf("[telegram] rejected message from %d (%s)", ev.ActorID, ev.DisplayName)
		return
	}
	t.publish(ctx, ev)
}

// toEvent maps a Telegram message to a bus event. Messages with no usable
// text and no media are skipped.
func (t *TelegramChannel) toEvent(msg *tgbotapi.Message) (bus.Event, bool) {
	if msg.Chat == nil {
		return bus.Event{}, false
	}

	ev := bus.Event{
		ChannelID:    msg.Chat.ID,
		Seq:          int64(msg.MessageID),
		Timestamp:    msg.Time(),
		Kind:         chatKind(msg.Chat),
		ChannelTitle: chatTitle(msg.Chat),
		Type:         bus.EventText,
		Text:         msg.Text,
	}

	switch {
	case msg.From != nil:
		ev.ActorID = msg.From.ID
		ev.DisplayName = userName(msg.From)
	case msg.SenderChat != nil:
		ev.ActorID = msg.SenderChat.ID
		ev.DisplayName = chatTitle(msg.SenderChat)
	default:
		ev.ActorID = msg.Chat.ID
		ev.DisplayName = ev.ChannelTitle
	}

	switch {
	case msg.IsCommand():
		ev.Type = bus.EventCommand
	case len(msg.NewChatMembers) > 0 || msg.LeftChatMember != nil || msg.NewChatTitle != "" || msg.PinnedMessage != nil:
		ev.Type = bus.EventService
		ev.Text = serviceText(msg)
	case msg.Text == "" && hasMedia(msg):
		ev.Type = bus.EventMedia
		ev.Text = msg.Caption
	}

	if strings.TrimSpace(ev.Text) == "" && ev.Type != bus.EventMedia {
		return bus.Event{}, false
	}

	ev.IsDirectAddress = t.isDirectAddress(msg, ev.Text)
	return ev, true
}

func (t *TelegramChannel) isDirectAddress(msg *tgbotapi.Message, text string) bool {
	if msg.Chat.IsPrivate() {
		return true
	}
	t.mu.Lock()
	self := t.self
	t.mu.Unlock()

	if self.UserName != "" && strings.Contains(strings.ToLower(text), "@"+strings.ToLower(self.UserName)) {
		return true
	}
	if reply := msg.ReplyToMessage; reply != nil && reply.From != nil && self.ID != 0 && reply.From.ID == self.ID {
		return true
	}
	return false
}

func chatKind(c *tgbotapi.Chat) bus.ChannelKind {
	switch {
	case c.IsPrivate():
		return bus.KindPrivate
	case c.IsChannel():
		return bus.KindBroadcast
	default:
		return bus.KindGroup
	}
}

func chatTitle(c *tgbotapi.Chat) string {
	if c.Title != "" {
		return c.Title
	}
	name := strings.TrimSpace(c.FirstName + " " + c.LastName)
	if name != "" {
		return name
	}
	return c.UserName
}

func userName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	return u.UserName
}

func hasMedia(msg *tgbotapi.Message) bool {
	return len(msg.Photo) > 0 || msg.Document != nil || msg.Video != nil || msg.Voice != nil ||
		msg.Audio != nil || msg.Sticker != nil || msg.Animation != nil
}

func serviceText(msg *tgbotapi.Message) string {
	switch {
	case len(msg.NewChatMembers) > 0:
		names := make([]string, 0, len(msg.NewChatMembers))
		for i := range msg.NewChatMembers {
			names = append(names, userName(&msg.NewChatMembers[i]))
		}
		return strings.Join(names, ", ") + " joined"
	case msg.LeftChatMember != nil:
		return userName(msg.LeftChatMember) + " left"
	case msg.NewChatTitle != "":
		return "title changed to " + msg.NewChatTitle
	default:
		return "message pinned"
	}
}

func (t *TelegramChannel) Stop() error {
	t.mu.Lock()
	cancel, bot, done := t.cancel, t.bot, t.done
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if bot != nil {
		bot.StopReceivingUpdates()
	}
	if done != nil && cancel != nil {
		<-done
	}
	log.Printf("[telegram] stopped")
	return nil
}

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.mu.Lock()
	t.bot = bot
	t.self = bot.GetSelf()
	t.mu.Unlock()
}
