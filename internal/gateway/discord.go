package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
)

const (
	PlatformDiscord = "discord"
	discordLimit    = 2000
)

// DiscordGateway answers messages in any channel the bot can read. Each
// channel is one session.
type DiscordGateway struct {
	Session    *discordgo.Session
	Supervisor Supervisor
	Logger     *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	remove func()
	wg     sync.WaitGroup
	closed bool
}

func NewDiscordGateway(token string, sup Supervisor, logger *slog.Logger) (*DiscordGateway, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscordGateway{
		Session:    dg,
		Supervisor: sup,
		Logger:     logger.With("component", "discord"),
	}, nil
}

func (d *DiscordGateway) Platform() string { return PlatformDiscord }

// Start opens the websocket and blocks until ctx is done.
func (d *DiscordGateway) Start(ctx context.Context) error {
	d.mu.Lock()
	d.ctx = ctx
	d.remove = d.Session.AddHandler(d.handleMessageCreate)
	d.mu.Unlock()

	if err := d.Session.Open(); err != nil {
		return fmt.Errorf("discord: open: %w", err)
	}
	d.Logger.Info("discord gateway started")

	<-ctx.Done()
	d.wg.Wait()
	return d.Stop()
}

func (d *DiscordGateway) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	d.mu.Lock()
	ctx := d.ctx
	d.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	sessionID := SessionID(PlatformDiscord, m.ChannelID)
	d.Logger.Info("message received", "session_id", sessionID, "user_id", m.Author.ID, "length", len(m.Content))

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := s.ChannelTyping(m.ChannelID); err != nil {
			d.Logger.Debug("typing indicator failed", "error", err)
		}
		response := Handle(ctx, d.Supervisor, sessionID, m.Content)
		if response == "" {
			return
		}
		if err := d.send(m.ChannelID, response); err != nil {
			d.Logger.Error("failed to send reply", "session_id", sessionID, "error", err)
		}
	}()
}

func (d *DiscordGateway) send(channelID, text string) error {
	for _, part := range chunk(text, discordLimit) {
		if _, err := d.Session.ChannelMessageSend(channelID, part); err != nil {
			return err
		}
	}
	return nil
}

// Send delivers text to the channel behind a "discord:<channel id>" session.
func (d *DiscordGateway) Send(sessionID string, text string) error {
	platform, channel, ok := ParseSessionID(sessionID)
	if !ok || platform != PlatformDiscord {
		return fmt.Errorf("invalid discord session: %s", sessionID)
	}
	return d.send(channel, text)
}

func (d *DiscordGateway) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.remove != nil {
		d.remove()
		d.remove = nil
	}
	return d.Session.Close()
}
