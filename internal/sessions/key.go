// Package sessions — canonical session keys and the durable session store.
//
// Session keys follow the canonical format:
//
//	agent:{agentId}:{scope}:{origin}
//
// Where {scope}:{origin} depends on the conversation type:
//
//	DM:        {channel}:direct:{peerId}
//	Group:     {channel}:group:{groupId}
//	Broadcast: {channel}:channel:{channelId}
//	Subagent:  subagent:{label}           (appended to the parent key)
//	Cron:      cron:{jobId}:run:{runId}
//
// Examples:
//
//	agent:default:telegram:direct:386246614
//	agent:default:telegram:group:-100123456
//	agent:default:telegram:direct:386246614:subagent:research
//	agent:default:cron:reminder:run:abc123
package sessions

import (
	"fmt"
	"strings"
)

// ChatType distinguishes conversation kinds in session keys and entries.
type ChatType string

const (
	ChatDirect   ChatType = "direct"
	ChatGroup    ChatType = "group"
	ChatChannel  ChatType = "channel"
	ChatCron     ChatType = "cron"
	ChatSubagent ChatType = "subagent"
)

// MaxKeyBytes bounds canonical session keys.
const MaxKeyBytes = 256

// BuildKey builds the canonical session key for a channel conversation.
// Keys are lower-cased; components never contain ':' except the origin tail.
func BuildKey(agentID, channel string, chatType ChatType, peerID string) string {
	key := fmt.Sprintf("agent:%s:%s:%s:%s", agentID, channel, chatType, peerID)
	return Canonicalize(key)
}

// BuildSubagentKey derives a child key from its requester's key.
//
//	{parentKey}:subagent:{label}
func BuildSubagentKey(parentKey, label string) string {
	return Canonicalize(parentKey + ":subagent:" + label)
}

// BuildCronKey builds the session key for one cron job run. Guards against
// double-prefixing when jobID is already a canonical key.
func BuildCronKey(agentID, jobID, runID string) string {
	if _, rest := ParseKey(jobID); rest != "" {
		jobID = rest
	}
	return Canonicalize(fmt.Sprintf("agent:%s:cron:%s:run:%s", agentID, jobID, runID))
}

// Canonicalize lower-cases and truncates a key to MaxKeyBytes.
func Canonicalize(key string) string {
	key = strings.ToLower(key)
	if len(key) > MaxKeyBytes {
		key = key[:MaxKeyBytes]
	}
	return key
}

// ParseKey extracts the agentID and rest from a canonical session key.
// Returns ("", "") if the key is not in the expected format.
func ParseKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// AgentID returns the agent component of a key, or "" when malformed.
func AgentID(key string) string {
	id, _ := ParseKey(key)
	return id
}

// IsSubagentKey reports whether key denotes a sub-agent session.
func IsSubagentKey(key string) bool {
	_, rest := ParseKey(key)
	return strings.Contains(rest, "subagent:")
}

// ParentKey returns the requester key of a sub-agent session, or "" when the
// key has no subagent segment. Tree edges are purely prefix-derived:
//
//	agent:a:telegram:direct:1:subagent:x:subagent:y → agent:a:telegram:direct:1:subagent:x
func ParentKey(key string) string {
	idx := strings.LastIndex(key, ":subagent:")
	if idx < 0 {
		return ""
	}
	return key[:idx]
}

// IsDescendantOf reports whether child's key sits under ancestor in the
// subagent tree (strict: a key is not its own descendant).
func IsDescendantOf(child, ancestor string) bool {
	return child != ancestor && strings.HasPrefix(child, ancestor+":subagent:")
}

// ChatTypeFromGroup maps the group flag to a ChatType.
func ChatTypeFromGroup(isGroup bool) ChatType {
	if isGroup {
		return ChatGroup
	}
	return ChatDirect
}
