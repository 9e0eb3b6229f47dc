// Package telegram is the Telegram channel adapter, long-polling the Bot
// API and normalizing updates into the inbound envelope.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/channels"
)

// Config is the adapter configuration.
type Config struct {
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom,omitempty"`
	Proxy     string   `json:"proxy,omitempty"`
}

// Adapter talks to the Telegram Bot API via long polling.
type Adapter struct {
	bot     *telego.Bot
	cfg     Config
	botName string
}

// New creates the adapter and validates the token shape.
func New(cfg Config) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: token required")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Adapter{bot: bot, cfg: cfg}, nil
}

func (a *Adapter) Name() string { return "telegram" }

// Start begins long polling and returns the normalized inbound stream. The
// stream closes when ctx is cancelled.
func (a *Adapter) Start(ctx context.Context) (<-chan bus.MsgContext, error) {
	updates, err := a.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return nil, fmt.Errorf("start long polling: %w", err)
	}
	a.botName = a.bot.Username()
	slog.Info("telegram.connected", "username", a.botName)

	out := make(chan bus.MsgContext, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message == nil {
					continue
				}
				mc, ok := a.normalize(update.Message)
				if !ok {
					continue
				}
				select {
				case out <- mc:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// normalize maps one Telegram message onto the inbound envelope.
func (a *Adapter) normalize(msg *telego.Message) (bus.MsgContext, bool) {
	if msg.From == nil {
		return bus.MsgContext{}, false
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" {
		return bus.MsgContext{}, false
	}

	chatType := "direct"
	if msg.Chat.Type == "group" || msg.Chat.Type == "supergroup" {
		chatType = "group"
	} else if msg.Chat.Type == "channel" {
		chatType = "channel"
	}

	mentioned, stripped := a.detectMention(text)

	mc := bus.MsgContext{
		Body:         stripped,
		RawBody:      text,
		CommandBody:  stripped,
		From:         strconv.FormatInt(msg.From.ID, 10),
		To:           strconv.FormatInt(msg.Chat.ID, 10),
		SenderID:     strconv.FormatInt(msg.From.ID, 10),
		SenderName:   strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName),
		ChatType:     chatType,
		Provider:     "telegram",
		Surface:      "native",
		MessageSid:   strconv.Itoa(msg.MessageID),
		WasMentioned: mentioned,
		Timestamp:    int64(msg.Date) * 1000,
	}
	return mc, true
}

// detectMention checks for @botusername anywhere in the text and strips a
// leading mention for command parsing.
func (a *Adapter) detectMention(text string) (bool, string) {
	if a.botName == "" {
		return false, text
	}
	tag := "@" + a.botName
	if !strings.Contains(strings.ToLower(text), strings.ToLower(tag)) {
		return false, text
	}
	stripped := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), tag))
	if stripped == "" {
		stripped = text
	}
	return true, stripped
}

// Send delivers a text message.
func (a *Adapter) Send(ctx context.Context, to, text string, opts *channels.SendOptions) (channels.SendResult, error) {
	chatID, err := parseChatID(to)
	if err != nil {
		return channels.SendResult{}, err
	}
	params := tu.Message(tu.ID(chatID), text)
	if opts != nil && opts.ReplyToID != "" {
		if replyID, err := strconv.Atoi(opts.ReplyToID); err == nil {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: replyID}
		}
	}
	sent, err := a.bot.SendMessage(ctx, params)
	if err != nil {
		return channels.SendResult{}, fmt.Errorf("telegram send: %w", err)
	}
	return channels.SendResult{MessageID: strconv.Itoa(sent.MessageID)}, nil
}

// SendMedia delivers media by URL or local path; images go as photos,
// everything else as documents. Local images are re-encoded before upload so
// oversized or metadata-laden files never leave the host as-is.
func (a *Adapter) SendMedia(ctx context.Context, to string, urls []string, opts *channels.SendOptions) (channels.SendResult, error) {
	chatID, err := parseChatID(to)
	if err != nil {
		return channels.SendResult{}, err
	}
	var last channels.SendResult
	for _, u := range urls {
		if channels.IsImagePath(u) {
			sent, err := a.sendPhoto(ctx, chatID, u)
			if err != nil {
				return last, err
			}
			last = channels.SendResult{MessageID: strconv.Itoa(sent.MessageID)}
			continue
		}
		sent, err := a.bot.SendDocument(ctx, &telego.SendDocumentParams{
			ChatID:   tu.ID(chatID),
			Document: telego.InputFile{URL: u},
		})
		if err != nil {
			return last, fmt.Errorf("telegram send document: %w", err)
		}
		last = channels.SendResult{MessageID: strconv.Itoa(sent.MessageID)}
	}
	return last, nil
}

// sendPhoto uploads one image. Remote URLs pass through to the Bot API;
// local files are sanitized (downscaled, re-encoded) and uploaded.
func (a *Adapter) sendPhoto(ctx context.Context, chatID int64, u string) (*telego.Message, error) {
	if strings.Contains(u, "://") {
		sent, err := a.bot.SendPhoto(ctx, &telego.SendPhotoParams{
			ChatID: tu.ID(chatID),
			Photo:  telego.InputFile{URL: u},
		})
		if err != nil {
			return nil, fmt.Errorf("telegram send photo: %w", err)
		}
		return sent, nil
	}

	sanitized, err := channels.SanitizeImage(u)
	if err != nil {
		return nil, fmt.Errorf("sanitize image: %w", err)
	}
	defer os.Remove(sanitized)

	f, err := os.Open(sanitized)
	if err != nil {
		return nil, fmt.Errorf("open sanitized image: %w", err)
	}
	defer f.Close()

	sent, err := a.bot.SendPhoto(ctx, &telego.SendPhotoParams{
		ChatID: tu.ID(chatID),
		Photo:  tu.File(f),
	})
	if err != nil {
		return nil, fmt.Errorf("telegram send photo: %w", err)
	}
	return sent, nil
}

// ResolveTarget accepts numeric chat ids and @usernames.
func (a *Adapter) ResolveTarget(q channels.TargetQuery) channels.TargetResult {
	to := strings.TrimSpace(q.To)
	if to == "" {
		return channels.TargetResult{Error: "empty target"}
	}
	if strings.HasPrefix(to, "@") {
		return channels.TargetResult{OK: true, To: to}
	}
	if _, err := parseChatID(to); err != nil {
		return channels.TargetResult{Error: "invalid chat id"}
	}
	return channels.TargetResult{OK: true, To: to}
}

// Probe checks API reachability via getMe.
func (a *Adapter) Probe(ctx context.Context) channels.ProbeResult {
	me, err := a.bot.GetMe(ctx)
	if err != nil {
		return channels.ProbeResult{Error: err.Error()}
	}
	return channels.ProbeResult{OK: true, Bot: me.Username}
}

// BotName returns the bot username once Start has resolved it.
func (a *Adapter) BotName() string { return a.botName }

// Typing returns a TypingController that refreshes the chat action.
func (a *Adapter) Typing(to string) *TypingController {
	return &TypingController{adapter: a, to: to}
}

func parseChatID(to string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(to), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram chat id %q: %w", to, err)
	}
	return id, nil
}
