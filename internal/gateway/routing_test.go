package gateway

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/openclaw/openclaw/internal/bus"
)

// TestResolve_RulePrecedence verifies scoped rules beat channel-wide ones,
// which beat the default agent.
func TestResolve_RulePrecedence(t *testing.T) {
	r := &Router{
		DefaultAgent: "main",
		BaseDir:      "/base",
		Rules: []RouteRule{
			{Channel: "telegram", AgentID: "tg"},
			{Channel: "telegram", AccountID: "work", AgentID: "tg-work"},
			{Channel: "discord", AccountID: "ops", AgentID: "ops"},
		},
	}

	tests := []struct {
		name      string
		provider  string
		accountID string
		wantAgent string
	}{
		{"scoped rule wins", "telegram", "work", "tg-work"},
		{"channel-wide fallback", "telegram", "personal", "tg"},
		{"scoped only, no match", "discord", "other", "main"},
		{"no rule at all", "signal", "", "main"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route := r.Resolve(&bus.MsgContext{
				Provider:  tt.provider,
				AccountID: tt.accountID,
				From:      "555",
				ChatType:  "direct",
			})
			if route.AgentID != tt.wantAgent {
				t.Errorf("agent = %q, want %q", route.AgentID, tt.wantAgent)
			}
		})
	}
}

// TestResolve_SessionKeyOrigin verifies DMs key on the sender and groups on
// the chat id.
func TestResolve_SessionKeyOrigin(t *testing.T) {
	r := &Router{DefaultAgent: "main", BaseDir: "/base"}

	route := r.Resolve(&bus.MsgContext{Provider: "telegram", From: "555", To: "555", ChatType: "direct"})
	if route.SessionKey != "agent:main:telegram:direct:555" {
		t.Errorf("dm key = %q", route.SessionKey)
	}

	route = r.Resolve(&bus.MsgContext{Provider: "telegram", From: "555", To: "-100987", ChatType: "group"})
	if route.SessionKey != "agent:main:telegram:group:-100987" {
		t.Errorf("group key = %q", route.SessionKey)
	}

	if route.StorePath != filepath.Join("/base", "main", "sessions.json") {
		t.Errorf("store path = %q", route.StorePath)
	}
}

// TestRouter_UpdateConcurrentWithResolve exercises hot-reload swaps racing
// resolution; run under the race detector. The last swap must win.
func TestRouter_UpdateConcurrentWithResolve(t *testing.T) {
	r := &Router{DefaultAgent: "main", BaseDir: "/base"}
	mc := &bus.MsgContext{Provider: "telegram", From: "555", ChatType: "direct"}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if route := r.Resolve(mc); route.AgentID == "" {
					t.Errorf("Resolve returned an empty agent")
					return
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 200; j++ {
			r.Update(fmt.Sprintf("agent-%d", j), []RouteRule{
				{Channel: "telegram", AgentID: fmt.Sprintf("tg-%d", j)},
			})
		}
	}()
	wg.Wait()

	if route := r.Resolve(mc); route.AgentID != "tg-199" {
		t.Errorf("agent after final swap = %q, want tg-199", route.AgentID)
	}
}

// TestResolve_EmptyDefault falls back to the default agent id.
func TestResolve_EmptyDefault(t *testing.T) {
	r := &Router{BaseDir: "/base"}
	route := r.Resolve(&bus.MsgContext{Provider: "telegram", From: "5", ChatType: "direct"})
	if route.AgentID != "default" {
		t.Errorf("agent = %q, want default", route.AgentID)
	}
}
