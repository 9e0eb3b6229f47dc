package cron

import (
	"context"
	"strings"
	"testing"

	"github.com/openclaw/openclaw/internal/bus"
)

// TestNewScheduler_Validation rejects malformed jobs up front.
func TestNewScheduler_Validation(t *testing.T) {
	tests := []struct {
		name    string
		job     Job
		wantErr string
	}{
		{"valid", Job{ID: "beat", Expr: "* * * * *", Message: "ping"}, ""},
		{"missing id", Job{Expr: "* * * * *", Message: "ping"}, "id and message required"},
		{"missing message", Job{ID: "beat", Expr: "* * * * *"}, "id and message required"},
		{"bad expression", Job{ID: "beat", Expr: "not-cron", Message: "ping"}, "invalid expression"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewScheduler([]Job{tt.job}, nil)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("NewScheduler: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

// TestFire_SyntheticInbound verifies the per-run envelope: isolated session
// key, internal provider, and optional reply routing.
func TestFire_SyntheticInbound(t *testing.T) {
	var got []*bus.MsgContext
	s, err := NewScheduler([]Job{}, func(ctx context.Context, mc *bus.MsgContext) {
		got = append(got, mc)
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	job := Job{ID: "morning", Expr: "0 8 * * *", Message: "daily brief",
		Channel: "telegram", To: "555"}
	s.fire(context.Background(), job)
	s.fire(context.Background(), job)

	if len(got) != 2 {
		t.Fatalf("handler calls = %d, want 2", len(got))
	}
	mc := got[0]
	if mc.Provider != "cron" || mc.Body != "daily brief" {
		t.Errorf("envelope = %+v", mc)
	}
	if !strings.HasPrefix(mc.SessionKey, "agent:default:cron:morning:run:") {
		t.Errorf("session key = %q", mc.SessionKey)
	}
	if mc.SessionKey == got[1].SessionKey {
		t.Errorf("runs share a session key: %q", mc.SessionKey)
	}
	if mc.OriginatingChannel != "telegram" || mc.OriginatingTo != "555" {
		t.Errorf("reply routing = %q %q", mc.OriginatingChannel, mc.OriginatingTo)
	}
	if mc.ReplyChannel() != "telegram" {
		t.Errorf("ReplyChannel = %q", mc.ReplyChannel())
	}
}

// TestFire_InternalOnly verifies a job without a channel stays on the
// internal lane.
func TestFire_InternalOnly(t *testing.T) {
	var mc *bus.MsgContext
	s, err := NewScheduler(nil, func(ctx context.Context, m *bus.MsgContext) { mc = m })
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.fire(context.Background(), Job{ID: "gc", Expr: "@hourly", Message: "tidy up"})

	if mc.OriginatingChannel != "" {
		t.Errorf("internal job routed to %q", mc.OriginatingChannel)
	}
	if mc.ReplyChannel() != "cron" {
		t.Errorf("ReplyChannel = %q", mc.ReplyChannel())
	}
}
