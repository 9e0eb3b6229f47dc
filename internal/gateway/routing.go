package gateway

import (
	"sync"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/sessions"
)

// RouteRule binds a channel (and optionally one account on it) to an agent.
type RouteRule struct {
	Channel   string `json:"channel"`
	AccountID string `json:"accountId,omitempty"`
	AgentID   string `json:"agentId"`
}

// Route is the resolved destination of one inbound message.
type Route struct {
	AgentID    string
	SessionKey string
	StorePath  string
}

// Router maps inbound messages to agents and session store paths.
// DefaultAgent and Rules may be replaced at runtime through Update; after
// startup they must not be mutated directly.
type Router struct {
	DefaultAgent  string
	Rules         []RouteRule
	BaseDir       string
	StorePathHint string

	mu sync.RWMutex
}

// Update swaps the routing table. Safe against concurrent Resolve calls.
func (r *Router) Update(defaultAgent string, rules []RouteRule) {
	r.mu.Lock()
	r.DefaultAgent = defaultAgent
	r.Rules = rules
	r.mu.Unlock()
}

// Resolve picks the agent for mc and derives its session key and store
// path. Scoped rules (channel+account) win over channel-wide ones.
func (r *Router) Resolve(mc *bus.MsgContext) Route {
	r.mu.RLock()
	agentID := r.DefaultAgent
	rules := r.Rules
	r.mu.RUnlock()
	if agentID == "" {
		agentID = "default"
	}

	var channelWide string
	for _, rule := range rules {
		if rule.Channel != mc.Provider {
			continue
		}
		if rule.AccountID != "" {
			if rule.AccountID == mc.AccountID {
				agentID = rule.AgentID
				channelWide = ""
				break
			}
			continue
		}
		channelWide = rule.AgentID
	}
	if channelWide != "" {
		agentID = channelWide
	}

	chatType := sessions.ChatType(mc.ChatType)
	if chatType == "" {
		chatType = sessions.ChatTypeFromGroup(mc.IsGroup())
	}
	origin := mc.From
	if mc.IsGroup() {
		origin = mc.To
	}

	return Route{
		AgentID:    agentID,
		SessionKey: sessions.BuildKey(agentID, mc.Provider, chatType, origin),
		StorePath:  sessions.ResolveStorePath(r.StorePathHint, r.BaseDir, agentID),
	}
}
