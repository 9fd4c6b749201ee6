// Package discord runs the shared Discord connector: one bot identity routing
// channel messages to many agents via a channel-to-agent map.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/fleetd/internal/chat"
	"github.com/nextlevelbuilder/fleetd/internal/config"
)

const maxMessageLen = 2000

// agentRoute is the per-channel routing entry derived from agent configs.
type agentRoute struct {
	agentName      string
	requireMention bool
}

// Connector is the shared Discord connection.
type Connector struct {
	session *discordgo.Session
	state   *chat.StateMachine
	log     *slog.Logger

	handler  chat.Handler
	commands *chat.Commands

	// channel id → owning agent. Unmapped channels are ignored.
	routes map[string]agentRoute

	botUserID   string
	typingCtrls sync.Map // channel id → *chat.TypingController
}

// New builds the connector from the platform config and the agents claiming
// Discord channels. Exactly one agent may claim a channel; the config loader
// enforces that.
func New(cfg config.DiscordConfig, agents map[string]config.AgentConfig, commands *chat.Commands, handler chat.Handler, log *slog.Logger) (*Connector, error) {
	token := os.Getenv(cfg.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("discord: env var %s is not set", cfg.TokenEnv)
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Connector{
		session:  session,
		state:    chat.NewStateMachine(),
		log:      log,
		handler:  handler,
		commands: commands,
		routes:   buildRoutes(agents),
	}, nil
}

// buildRoutes derives the channel-to-agent map from agent chat configs.
func buildRoutes(agents map[string]config.AgentConfig) map[string]agentRoute {
	routes := make(map[string]agentRoute)
	for name, agent := range agents {
		dc := agent.Chat.Discord
		if dc == nil {
			continue
		}
		requireMention := dc.RequireMention == nil || *dc.RequireMention
		for _, ch := range dc.Channels {
			routes[ch] = agentRoute{agentName: name, requireMention: requireMention}
		}
	}
	return routes
}

func (c *Connector) Platform() string           { return "discord" }
func (c *Connector) State() chat.ConnectorState { return c.state.State() }

// Start opens the gateway connection and begins receiving events.
func (c *Connector) Start(ctx context.Context) error {
	c.state.To(chat.StateConnecting)
	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		c.state.Fail()
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		c.state.Fail()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID
	c.state.To(chat.StateConnected)

	c.log.Info("chat.connector_ready",
		"platform", "discord",
		"username", user.Username,
		"channels", len(c.routes))
	return nil
}

// Stop closes the gateway connection.
func (c *Connector) Stop(context.Context) error {
	c.state.To(chat.StateDisconnecting)
	err := c.session.Close()
	c.state.To(chat.StateDisconnected)
	return err
}

// Post sends text to a channel, chunked under the platform ceiling.
func (c *Connector) Post(_ context.Context, channelID, text string) error {
	for _, chunk := range chat.SplitMessage(text, maxMessageLen) {
		if _, err := c.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// PostNotification implements the hook chat poster.
func (c *Connector) PostNotification(ctx context.Context, channelID, text string) error {
	return c.Post(ctx, channelID, text)
}

// SendFile uploads a file to a channel.
func (c *Connector) SendFile(_ context.Context, channelID string, file chat.FileRef) error {
	f, err := os.Open(file.Path)
	if err != nil {
		return fmt.Errorf("open file for discord upload: %w", err)
	}
	defer f.Close()

	name := file.Filename
	if name == "" {
		name = file.Path
	}
	_, err = c.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: file.Caption,
		Files:   []*discordgo.File{{Name: name, Reader: f}},
	})
	if err != nil {
		return fmt.Errorf("send discord file: %w", err)
	}
	return nil
}

func (c *Connector) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	channelID := m.ChannelID
	route, mapped := c.routes[channelID]
	if !mapped {
		c.log.Debug("chat.message_ignored",
			"platform", "discord",
			"channel_id", channelID,
			"reason", "unmapped channel")
		return
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		return
	}

	mentioned := false
	for _, u := range m.Mentions {
		if u.ID == c.botUserID {
			mentioned = true
			break
		}
	}

	ctx := context.Background()

	// Prefix commands bypass mention gating.
	if c.commands != nil {
		if handled, reply := c.commands.Handle(ctx, route.agentName, channelID, content); handled {
			if reply != "" {
				c.Post(ctx, channelID, reply)
			}
			c.log.Debug("chat.command_executed",
				"platform", "discord",
				"agent", route.agentName,
				"channel_id", channelID)
			return
		}
	}

	if route.requireMention && !mentioned {
		c.log.Debug("chat.message_ignored",
			"platform", "discord",
			"channel_id", channelID,
			"reason", "mention required")
		return
	}

	triggerKind := "dm"
	if m.GuildID != "" {
		triggerKind = "mention"
	}

	ev := chat.MessageEvent{
		AgentName: route.agentName,
		Prompt:    content,
		Metadata: chat.MessageMetadata{
			ChannelID:    channelID,
			MessageID:    m.ID,
			UserID:       m.Author.ID,
			WasMentioned: mentioned,
			TriggerKind:  triggerKind,
		},
		Reply: func(ctx context.Context, text string) error {
			return c.Post(ctx, channelID, text)
		},
		ReplyWithFile: func(ctx context.Context, file chat.FileRef) error {
			return c.SendFile(ctx, channelID, file)
		},
		Indicator: func() func() {
			return c.startTyping(channelID)
		},
	}

	c.log.Debug("chat.message_received",
		"platform", "discord",
		"agent", route.agentName,
		"channel_id", channelID,
		"user_id", m.Author.ID)

	c.handler(ctx, ev)
}

// startTyping fires the indicator with keepalive; Discord typing expires
// after 10s, so re-fire every 9s with a 10 minute safety stop.
func (c *Connector) startTyping(channelID string) func() {
	if prev, ok := c.typingCtrls.LoadAndDelete(channelID); ok {
		prev.(*chat.TypingController).Stop()
	}
	ctrl := chat.StartTyping(chat.TypingOptions{
		MaxDuration:       10 * time.Minute,
		KeepaliveInterval: 9 * time.Second,
		StartFn: func() error {
			return c.session.ChannelTyping(channelID)
		},
	})
	c.typingCtrls.Store(channelID, ctrl)
	return func() {
		if cur, ok := c.typingCtrls.LoadAndDelete(channelID); ok {
			cur.(*chat.TypingController).Stop()
		} else {
			ctrl.Stop()
		}
	}
}
