// Package bus defines the normalized message envelopes exchanged between
// channel adapters and the dispatch core, plus the inbound dedupe cache.
package bus

import "time"

// MsgContext is the normalized inbound envelope threaded through the
// pipeline. The orchestrator finalizes it once; afterwards it is treated as
// immutable and only read.
type MsgContext struct {
	Body        string `json:"body"`                   // sanitized message text
	RawBody     string `json:"raw_body,omitempty"`     // original text before mention stripping
	CommandBody string `json:"command_body,omitempty"` // text with the bot mention removed, for command parsing

	From       string `json:"from"`                // normalized sender address
	To         string `json:"to"`                  // normalized destination (chat/channel id)
	SenderID   string `json:"sender_id,omitempty"` // individual sender inside a group
	SenderName string `json:"sender_name,omitempty"`

	SessionKey string `json:"session_key,omitempty"`
	AccountID  string `json:"account_id,omitempty"` // multi-account channel instance
	ChatType   string `json:"chat_type,omitempty"`  // direct | group | channel
	Provider   string `json:"provider"`             // channel that received the message
	Surface    string `json:"surface,omitempty"`    // native | text | webhook | acp

	// Cross-channel reply routing: when a message originated on another
	// channel (e.g. webhook fan-in), replies go back there.
	OriginatingChannel string `json:"originating_channel,omitempty"`
	OriginatingTo      string `json:"originating_to,omitempty"`

	MessageSid        string            `json:"message_sid,omitempty"` // provider message id, dedupe key component
	WasMentioned      bool              `json:"was_mentioned,omitempty"`
	CommandAuthorized bool              `json:"command_authorized,omitempty"`
	Timestamp         int64             `json:"timestamp,omitempty"` // ms epoch of the inbound event
	MediaUrls         []string          `json:"media_urls,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// IsGroup reports whether the context belongs to a multi-party conversation.
func (c *MsgContext) IsGroup() bool {
	return c.ChatType == "group" || c.ChatType == "channel"
}

// ReplyChannel returns the channel replies must be delivered on. Routing
// only happens when the originating channel is known and differs from the
// receiving provider.
func (c *MsgContext) ReplyChannel() string {
	if c.OriginatingChannel != "" && c.OriginatingChannel != c.Provider {
		return c.OriginatingChannel
	}
	return c.Provider
}

// ReplyTo returns the destination address for replies, honoring
// cross-channel routing.
func (c *MsgContext) ReplyTo() string {
	if c.OriginatingChannel != "" && c.OriginatingChannel != c.Provider && c.OriginatingTo != "" {
		return c.OriginatingTo
	}
	return c.To
}

// ReplyPayload is one outbound reply unit. Reasoning payloads are dropped at
// the dispatcher boundary and never reach a channel sender.
type ReplyPayload struct {
	Text        string   `json:"text,omitempty"`
	MediaURLs   []string `json:"media_urls,omitempty"`
	MediaURL    string   `json:"media_url,omitempty"`
	ReplyToID   string   `json:"reply_to_id,omitempty"`
	IsReasoning bool     `json:"is_reasoning,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

// HasMedia reports whether the payload carries any media reference.
func (p *ReplyPayload) HasMedia() bool {
	return p.MediaURL != "" || len(p.MediaURLs) > 0 || len(p.Attachments) > 0
}

// Now returns the current time in ms epoch, the unit used across session
// bookkeeping.
func Now() int64 { return time.Now().UnixMilli() }
