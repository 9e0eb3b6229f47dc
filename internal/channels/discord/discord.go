// Package discord is the Discord channel adapter, consuming gateway events
// and normalizing them into the inbound envelope.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/channels"
)

// discordMaxLen is Discord's per-message character limit.
const discordMaxLen = 2000

// Config is the adapter configuration.
type Config struct {
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom,omitempty"`
}

// Adapter connects to Discord via the gateway.
type Adapter struct {
	session   *discordgo.Session
	cfg       Config
	botUserID string
}

// New creates the adapter with the message intents the pipeline needs.
func New(cfg Config) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: token required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	return &Adapter{session: session, cfg: cfg}, nil
}

func (a *Adapter) Name() string { return "discord" }

// inboundGate serializes handler sends against shutdown. discordgo runs
// handlers concurrently, and removing a handler does not stop ones already
// in flight, so closing out needs the stopped flag held under the same lock
// as the send.
type inboundGate struct {
	mu      sync.Mutex
	stopped bool
	out     chan bus.MsgContext
}

func (g *inboundGate) send(ctx context.Context, mc bus.MsgContext) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}
	select {
	case g.out <- mc:
	case <-ctx.Done():
	}
}

func (g *inboundGate) shutdown() {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()
	close(g.out)
}

// Start opens the gateway connection and returns the inbound stream.
func (a *Adapter) Start(ctx context.Context) (<-chan bus.MsgContext, error) {
	gate := &inboundGate{out: make(chan bus.MsgContext, 16)}

	remove := a.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		mc, ok := a.normalize(m)
		if !ok {
			return
		}
		gate.send(ctx, mc)
	})

	if err := a.session.Open(); err != nil {
		return nil, fmt.Errorf("open discord session: %w", err)
	}
	user, err := a.session.User("@me")
	if err != nil {
		a.session.Close()
		return nil, fmt.Errorf("fetch discord bot identity: %w", err)
	}
	a.botUserID = user.ID
	slog.Info("discord.connected", "username", user.Username, "id", user.ID)

	go func() {
		<-ctx.Done()
		remove()
		a.session.Close()
		gate.shutdown()
	}()
	return gate.out, nil
}

// normalize maps one gateway message onto the inbound envelope.
func (a *Adapter) normalize(m *discordgo.MessageCreate) (bus.MsgContext, bool) {
	if m.Author == nil || m.Author.ID == a.botUserID || m.Author.Bot {
		return bus.MsgContext{}, false
	}

	content := m.Content
	var media []string
	for _, att := range m.Attachments {
		media = append(media, att.URL)
	}
	if content == "" && len(media) == 0 {
		return bus.MsgContext{}, false
	}

	chatType := "group"
	if m.GuildID == "" {
		chatType = "direct"
	}

	mentioned := false
	for _, u := range m.Mentions {
		if u.ID == a.botUserID {
			mentioned = true
			break
		}
	}

	mc := bus.MsgContext{
		Body:         stripMention(content, a.botUserID),
		RawBody:      content,
		CommandBody:  stripMention(content, a.botUserID),
		From:         m.Author.ID,
		To:           m.ChannelID,
		SenderID:     m.Author.ID,
		SenderName:   displayName(m),
		ChatType:     chatType,
		Provider:     "discord",
		Surface:      "native",
		MessageSid:   m.ID,
		WasMentioned: mentioned,
		Timestamp:    m.Timestamp.UnixMilli(),
		MediaUrls:    media,
	}
	return mc, true
}

// Send delivers text, chunking at Discord's message limit on newline
// boundaries where possible.
func (a *Adapter) Send(ctx context.Context, to, text string, opts *channels.SendOptions) (channels.SendResult, error) {
	var last channels.SendResult
	for len(text) > 0 {
		chunk := text
		if len(chunk) > discordMaxLen {
			cutAt := discordMaxLen
			if idx := strings.LastIndexByte(text[:discordMaxLen], '\n'); idx > discordMaxLen/2 {
				cutAt = idx + 1
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}

		msg := &discordgo.MessageSend{Content: chunk}
		if opts != nil && opts.ReplyToID != "" && last.MessageID == "" {
			msg.Reference = &discordgo.MessageReference{MessageID: opts.ReplyToID, ChannelID: to}
		}
		sent, err := a.session.ChannelMessageSendComplex(to, msg, discordgo.WithContext(ctx))
		if err != nil {
			return last, fmt.Errorf("send discord message: %w", err)
		}
		last = channels.SendResult{MessageID: sent.ID}
	}
	return last, nil
}

// SendMedia posts media URLs as message content; Discord unfurls them.
func (a *Adapter) SendMedia(ctx context.Context, to string, urls []string, opts *channels.SendOptions) (channels.SendResult, error) {
	return a.Send(ctx, to, strings.Join(urls, "\n"), opts)
}

// ResolveTarget accepts snowflake channel ids.
func (a *Adapter) ResolveTarget(q channels.TargetQuery) channels.TargetResult {
	to := strings.TrimSpace(q.To)
	if to == "" {
		return channels.TargetResult{Error: "empty target"}
	}
	for _, r := range to {
		if r < '0' || r > '9' {
			return channels.TargetResult{Error: "invalid channel id"}
		}
	}
	return channels.TargetResult{OK: true, To: to}
}

// Probe checks gateway identity.
func (a *Adapter) Probe(ctx context.Context) channels.ProbeResult {
	user, err := a.session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return channels.ProbeResult{Error: err.Error()}
	}
	return channels.ProbeResult{OK: true, Bot: user.Username}
}

// stripMention removes the bot's mention token for command parsing.
func stripMention(content, botID string) string {
	if botID == "" {
		return content
	}
	for _, tag := range []string{"<@" + botID + ">", "<@!" + botID + ">"} {
		content = strings.ReplaceAll(content, tag, "")
	}
	return strings.TrimSpace(content)
}

// displayName prefers server nickname, then global name, then username.
func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
