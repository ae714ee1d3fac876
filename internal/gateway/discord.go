package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/basket/agentswarm/internal/config"
	"github.com/basket/agentswarm/internal/queue"
)

// DiscordGateway adapts a Discord bot connection to Dispatcher.Handle,
// grounded on vanducng-goclaw/internal/channels/discord/discord.go.
type DiscordGateway struct {
	cfg            config.DiscordConfig
	dispatcher     *Dispatcher
	session        *discordgo.Session
	botUserID      string
	requireMention bool
	logger         *slog.Logger
}

// NewDiscordGateway constructs the adapter; the bot token comes from
// cfg.Token or the environment variable cfg.TokenEnv names.
func NewDiscordGateway(cfg config.DiscordConfig, dispatcher *Dispatcher) (*DiscordGateway, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("gateway: create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}

	return &DiscordGateway{
		cfg:            cfg,
		dispatcher:     dispatcher,
		session:        session,
		requireMention: requireMention,
		logger:         slog.Default().With("component", "gateway-discord"),
	}, nil
}

func (g *DiscordGateway) Name() string { return "discord" }

// Start opens the Discord gateway connection and blocks until ctx is canceled.
func (g *DiscordGateway) Start(ctx context.Context) error {
	g.session.AddHandler(g.handleMessage)

	if err := g.session.Open(); err != nil {
		return fmt.Errorf("gateway: open discord session: %w", err)
	}

	user, err := g.session.User("@me")
	if err != nil {
		g.session.Close()
		return fmt.Errorf("gateway: fetch discord bot identity: %w", err)
	}
	g.botUserID = user.ID
	g.logger.Info("discord gateway connected", "username", user.Username, "id", user.ID)

	<-ctx.Done()
	g.Stop()
	return nil
}

func (g *DiscordGateway) Stop() {
	_ = g.session.Close()
}

// Reply implements Replier by posting directly to the channel that
// originated the request.
func (g *DiscordGateway) Reply(ctx context.Context, channelID, text string) error {
	_, err := g.session.ChannelMessageSend(channelID, text)
	return err
}

func (g *DiscordGateway) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == g.botUserID {
		return
	}

	isDM := m.GuildID == ""
	mentioned := false
	for _, u := range m.Mentions {
		if u.ID == g.botUserID {
			mentioned = true
			break
		}
	}
	if g.requireMention && !isDM && !mentioned {
		return
	}

	content := m.Content
	if mentioned {
		content = strings.TrimSpace(strings.ReplaceAll(content, fmt.Sprintf("<@%s>", g.botUserID), ""))
	}

	msg := queue.MessageContext{
		ChannelID:   m.ChannelID,
		ChannelName: m.ChannelID,
		UserID:      m.Author.ID,
		Content:     content,
		IsBot:       m.Author.Bot,
		MessageID:   m.ID,
	}
	g.dispatcher.Handle(context.Background(), "discord", msg)
}
