package sessions

import (
	"strings"
	"testing"
)

// TestBuildKey_Canonical verifies the agent:{agent}:{scope}:{origin} shape
// and lower-casing.
func TestBuildKey_Canonical(t *testing.T) {
	tests := []struct {
		name     string
		agentID  string
		channel  string
		chatType ChatType
		peerID   string
		want     string
	}{
		{
			name:     "telegram dm",
			agentID:  "default",
			channel:  "telegram",
			chatType: ChatDirect,
			peerID:   "386246614",
			want:     "agent:default:telegram:direct:386246614",
		},
		{
			name:     "telegram group",
			agentID:  "default",
			channel:  "telegram",
			chatType: ChatGroup,
			peerID:   "-100123456",
			want:     "agent:default:telegram:group:-100123456",
		},
		{
			name:     "mixed case is lowered",
			agentID:  "Main",
			channel:  "Discord",
			chatType: ChatDirect,
			peerID:   "ABC",
			want:     "agent:main:discord:direct:abc",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildKey(tt.agentID, tt.channel, tt.chatType, tt.peerID)
			if got != tt.want {
				t.Errorf("BuildKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestCanonicalize_Truncates verifies the 256-byte bound.
func TestCanonicalize_Truncates(t *testing.T) {
	long := "agent:default:telegram:direct:" + strings.Repeat("x", 300)
	got := Canonicalize(long)
	if len(got) != MaxKeyBytes {
		t.Errorf("len = %d, want %d", len(got), MaxKeyBytes)
	}
}

// TestParseKey covers well-formed and malformed keys.
func TestParseKey(t *testing.T) {
	tests := []struct {
		key       string
		wantAgent string
		wantRest  string
	}{
		{"agent:default:telegram:direct:1", "default", "telegram:direct:1"},
		{"agent:main:cron:daily:run:abc", "main", "cron:daily:run:abc"},
		{"session:default:x", "", ""},
		{"agent:only", "", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		agent, rest := ParseKey(tt.key)
		if agent != tt.wantAgent || rest != tt.wantRest {
			t.Errorf("ParseKey(%q) = (%q, %q), want (%q, %q)",
				tt.key, agent, rest, tt.wantAgent, tt.wantRest)
		}
	}
}

// TestSubagentKeys verifies parent derivation and descendant checks over
// nested subagent chains.
func TestSubagentKeys(t *testing.T) {
	root := BuildKey("default", "telegram", ChatDirect, "1")
	child := BuildSubagentKey(root, "research")
	grandchild := BuildSubagentKey(child, "summarize")

	if child != root+":subagent:research" {
		t.Fatalf("child = %q", child)
	}
	if !IsSubagentKey(child) || IsSubagentKey(root) {
		t.Errorf("IsSubagentKey misclassified")
	}
	if got := ParentKey(child); got != root {
		t.Errorf("ParentKey(child) = %q, want %q", got, root)
	}
	if got := ParentKey(grandchild); got != child {
		t.Errorf("ParentKey(grandchild) = %q, want %q", got, child)
	}
	if ParentKey(root) != "" {
		t.Errorf("ParentKey(root) should be empty")
	}

	if !IsDescendantOf(child, root) {
		t.Errorf("child should descend from root")
	}
	if !IsDescendantOf(grandchild, root) {
		t.Errorf("grandchild should descend from root")
	}
	if IsDescendantOf(root, root) {
		t.Errorf("a key is not its own descendant")
	}
	if IsDescendantOf(root, child) {
		t.Errorf("descendant relation is not symmetric")
	}
}

// TestIsDescendantOf_PrefixBoundary guards against bare string-prefix
// matches without the :subagent: edge.
func TestIsDescendantOf_PrefixBoundary(t *testing.T) {
	a := "agent:default:telegram:direct:12"
	b := "agent:default:telegram:direct:123"
	if IsDescendantOf(b, a) {
		t.Errorf("sibling with shared digit prefix is not a descendant")
	}
}

// TestBuildCronKey verifies the run-scoped cron shape and the guard against
// double-prefixed job ids.
func TestBuildCronKey(t *testing.T) {
	got := BuildCronKey("default", "reminder", "run1")
	want := "agent:default:cron:reminder:run:run1"
	if got != want {
		t.Errorf("BuildCronKey = %q, want %q", got, want)
	}

	// A jobID that is already a canonical key must not nest another prefix.
	nested := BuildCronKey("default", got, "run2")
	if strings.Count(nested, "agent:") != 1 {
		t.Errorf("double-prefixed cron key: %q", nested)
	}
}
