// Package telegram runs per-agent Telegram connectors: each agent owns its
// own bot identity, polled over the Bot API.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/fleetd/internal/chat"
	"github.com/nextlevelbuilder/fleetd/internal/config"
)

const maxMessageLen = 4096

// Connector is one agent's Telegram bot, long-polling for updates.
type Connector struct {
	agentName string
	cfg       config.TelegramAgentConfig
	bot       *telego.Bot
	state     *chat.StateMachine
	log       *slog.Logger

	handler  chat.Handler
	commands *chat.Commands

	allowed map[string]bool // chat ids; empty = all

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New builds the connector for one agent.
func New(agentName string, cfg config.TelegramAgentConfig, commands *chat.Commands, handler chat.Handler, log *slog.Logger) (*Connector, error) {
	token := os.Getenv(cfg.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("telegram: env var %s is not set for agent %s", cfg.TokenEnv, agentName)
	}
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot for %s: %w", agentName, err)
	}

	allowed := make(map[string]bool, len(cfg.AllowChats))
	for _, id := range cfg.AllowChats {
		allowed[id] = true
	}

	return &Connector{
		agentName: agentName,
		cfg:       cfg,
		bot:       bot,
		state:     chat.NewStateMachine(),
		log:       log,
		handler:   handler,
		commands:  commands,
		allowed:   allowed,
	}, nil
}

func (c *Connector) Platform() string           { return "telegram" }
func (c *Connector) State() chat.ConnectorState { return c.state.State() }

// Start begins long polling for updates.
func (c *Connector) Start(ctx context.Context) error {
	c.state.To(chat.StateConnecting)

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		c.state.Fail()
		return fmt.Errorf("start telegram polling for %s: %w", c.agentName, err)
	}
	c.state.To(chat.StateConnected)
	c.log.Info("chat.connector_ready", "platform", "telegram", "agent", c.agentName)

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the poll goroutine to release the
// getUpdates lock.
func (c *Connector) Stop(context.Context) error {
	c.state.To(chat.StateDisconnecting)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			c.log.Warn("chat.poll_stop_timeout", "platform", "telegram", "agent", c.agentName)
		}
	}
	c.state.To(chat.StateDisconnected)
	return nil
}

// Post sends text to a chat, chunked under the platform ceiling.
func (c *Connector) Post(ctx context.Context, chatID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", chatID, err)
	}
	for _, chunk := range chat.SplitMessage(text, maxMessageLen) {
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(id), chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// PostNotification implements the hook chat poster.
func (c *Connector) PostNotification(ctx context.Context, chatID, text string) error {
	return c.Post(ctx, chatID, text)
}

// SendFile uploads a document to a chat.
func (c *Connector) SendFile(ctx context.Context, chatID string, file chat.FileRef) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", chatID, err)
	}
	f, err := os.Open(file.Path)
	if err != nil {
		return fmt.Errorf("open file for telegram upload: %w", err)
	}
	defer f.Close()

	params := tu.Document(tu.ID(id), tu.File(f))
	if file.Caption != "" {
		params.Caption = file.Caption
	}
	if _, err := c.bot.SendDocument(ctx, params); err != nil {
		return fmt.Errorf("send telegram document: %w", err)
	}
	return nil
}

func (c *Connector) handleMessage(ctx context.Context, m *telego.Message) {
	if m.From != nil && m.From.IsBot {
		return
	}
	chatID := strconv.FormatInt(m.Chat.ID, 10)

	if len(c.allowed) > 0 && !c.allowed[chatID] {
		c.log.Debug("chat.message_ignored",
			"platform", "telegram",
			"agent", c.agentName,
			"chat_id", chatID,
			"reason", "chat not allowed")
		return
	}

	content := m.Text
	if content == "" && m.Caption != "" {
		content = m.Caption
	}
	if content == "" {
		return
	}

	if c.commands != nil {
		if handled, reply := c.commands.Handle(ctx, c.agentName, chatID, content); handled {
			if reply != "" {
				c.Post(ctx, chatID, reply)
			}
			return
		}
	}

	userID := ""
	if m.From != nil {
		userID = strconv.FormatInt(m.From.ID, 10)
	}

	ev := chat.MessageEvent{
		AgentName: c.agentName,
		Prompt:    content,
		Metadata: chat.MessageMetadata{
			ChannelID:   chatID,
			MessageID:   strconv.Itoa(m.MessageID),
			UserID:      userID,
			TriggerKind: "dm",
		},
		Reply: func(ctx context.Context, text string) error {
			return c.Post(ctx, chatID, text)
		},
		ReplyWithFile: func(ctx context.Context, file chat.FileRef) error {
			return c.SendFile(ctx, chatID, file)
		},
		Indicator: func() func() {
			return c.startTyping(ctx, m.Chat.ID)
		},
	}

	c.log.Debug("chat.message_received",
		"platform", "telegram",
		"agent", c.agentName,
		"chat_id", chatID)

	c.handler(ctx, ev)
}

// startTyping re-fires the typing action every 4s; Telegram expires it after 5.
func (c *Connector) startTyping(ctx context.Context, chatID int64) func() {
	ctrl := chat.StartTyping(chat.TypingOptions{
		MaxDuration:       10 * time.Minute,
		KeepaliveInterval: 4 * time.Second,
		StartFn: func() error {
			return c.bot.SendChatAction(ctx, &telego.SendChatActionParams{
				ChatID: tu.ID(chatID),
				Action: telego.ChatActionTyping,
			})
		},
	})
	return ctrl.Stop
}
