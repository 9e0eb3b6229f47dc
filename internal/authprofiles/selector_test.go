package authprofiles

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/openclaw/openclaw/internal/locks"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auth-profiles.json")
	return NewStore(path, locks.NewManager(), locks.Options{}, CooldownConfig{})
}

func seedProfile(t *testing.T, s *Store, id, provider string) {
	t.Helper()
	err := s.Put(context.Background(), id, Profile{Type: "api_key", Provider: provider})
	if err != nil {
		t.Fatalf("put %s: %v", id, err)
	}
}

// TestSelect_OrderAndFallback verifies configured order wins and cooled
// profiles are skipped.
func TestSelect_OrderAndFallback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProfile(t, s, "primary", "anthropic")
	seedProfile(t, s, "backup", "anthropic")

	sel, unavailable, err := s.Select("anthropic", SelectOptions{})
	if err != nil || unavailable != nil {
		t.Fatalf("select: %v %+v", err, unavailable)
	}
	if sel.ProfileID != "primary" {
		t.Errorf("selected %q, want primary first", sel.ProfileID)
	}

	if err := s.MarkFailure(ctx, "primary", FailureRateLimit); err != nil {
		t.Fatalf("mark failure: %v", err)
	}
	sel, unavailable, err = s.Select("anthropic", SelectOptions{})
	if err != nil || unavailable != nil {
		t.Fatalf("select after cooldown: %v %+v", err, unavailable)
	}
	if sel.ProfileID != "backup" {
		t.Errorf("selected %q, want backup while primary cools down", sel.ProfileID)
	}
}

// TestSelect_NoProfiles verifies the empty-provider shape.
func TestSelect_NoProfiles(t *testing.T) {
	s := newTestStore(t)
	sel, unavailable, err := s.Select("anthropic", SelectOptions{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel != nil {
		t.Errorf("selected %+v from an empty store", sel)
	}
	if unavailable == nil || unavailable.RetryAt != 0 {
		t.Errorf("unavailable = %+v, want zero RetryAt", unavailable)
	}
}

// TestSelect_AllCoolingReportsRetry verifies the soonest window expiry is
// reported when every profile is unusable.
func TestSelect_AllCoolingReportsRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProfile(t, s, "only", "anthropic")

	if err := s.MarkFailure(ctx, "only", FailureRateLimit); err != nil {
		t.Fatalf("mark failure: %v", err)
	}
	sel, unavailable, err := s.Select("anthropic", SelectOptions{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel != nil {
		t.Errorf("cooling profile selected")
	}
	if unavailable == nil || unavailable.RetryAt <= time.Now().UnixMilli() {
		t.Errorf("unavailable = %+v, want a future RetryAt", unavailable)
	}
	if unavailable.Reason != FailureRateLimit {
		t.Errorf("reason = %q, want rate_limit", unavailable.Reason)
	}
}

// TestSelect_Bypass verifies the bypass option and the openrouter provider
// exemption skip window checks.
func TestSelect_Bypass(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProfile(t, s, "cooled", "anthropic")
	seedProfile(t, s, "rotating", "openrouter")
	s.MarkFailure(ctx, "cooled", FailureTimeout)
	s.MarkFailure(ctx, "rotating", FailureTimeout)

	sel, _, err := s.Select("anthropic", SelectOptions{Bypass: true})
	if err != nil || sel == nil {
		t.Fatalf("bypass select = (%+v, %v)", sel, err)
	}
	sel, _, err = s.Select("openrouter", SelectOptions{})
	if err != nil || sel == nil {
		t.Fatalf("openrouter select = (%+v, %v)", sel, err)
	}
}

// TestMarkFailure_CooldownProgression verifies 60s·5^min(n-1,3) capped at
// one hour.
func TestMarkFailure_CooldownProgression(t *testing.T) {
	tests := []struct {
		errorCount int
		wantMs     int64
	}{
		{1, 60_000},
		{2, 300_000},
		{3, 1_500_000},
		{4, 3_600_000}, // 7.5e6 capped at 1h
		{9, 3_600_000},
	}
	for _, tt := range tests {
		if got := cooldownMs(tt.errorCount); got != tt.wantMs {
			t.Errorf("cooldownMs(%d) = %d, want %d", tt.errorCount, got, tt.wantMs)
		}
	}
}

// TestMarkFailure_WindowImmutable verifies a failure inside an open window
// counts but never extends the window.
func TestMarkFailure_WindowImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProfile(t, s, "p", "anthropic")

	now := time.Now().UnixMilli()
	s.nowMs = func() int64 { return now }

	s.MarkFailure(ctx, "p", FailureTimeout)
	f, err := s.read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	firstUntil := f.UsageStats["p"].CooldownUntil

	now += 1000
	s.MarkFailure(ctx, "p", FailureTimeout)
	f, _ = s.read()
	u := f.UsageStats["p"]
	if u.CooldownUntil != firstUntil {
		t.Errorf("open window moved: %d -> %d", firstUntil, u.CooldownUntil)
	}
	if u.ErrorCount != 2 {
		t.Errorf("ErrorCount = %d, want 2", u.ErrorCount)
	}
}

// TestMarkFailure_BillingBackoff verifies the 5h·2^(n-1) disable window
// capped at 24h.
func TestMarkFailure_BillingBackoff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProfile(t, s, "p", "anthropic")

	now := time.Now().UnixMilli()
	s.nowMs = func() int64 { return now }
	hour := time.Hour.Milliseconds()

	// First billing failure: 5h window.
	s.MarkFailure(ctx, "p", FailureBilling)
	f, _ := s.read()
	u := f.UsageStats["p"]
	if got := u.DisabledUntil - now; got != 5*hour {
		t.Errorf("first billing window = %dms, want 5h", got)
	}
	if u.DisabledReason != string(FailureBilling) {
		t.Errorf("DisabledReason = %q", u.DisabledReason)
	}

	// Second failure after the window lapses: 10h.
	now = u.DisabledUntil + 1
	s.MarkFailure(ctx, "p", FailureBilling)
	f, _ = s.read()
	u = f.UsageStats["p"]
	if got := u.DisabledUntil - now; got != 10*hour {
		t.Errorf("second billing window = %dms, want 10h", got)
	}

	// Third: 20h. Fourth would be 40h, capped at 24h.
	now = u.DisabledUntil + 1
	s.MarkFailure(ctx, "p", FailureBilling)
	f, _ = s.read()
	u = f.UsageStats["p"]
	if got := u.DisabledUntil - now; got != 20*hour {
		t.Errorf("third billing window = %dms, want 20h", got)
	}

	now = u.DisabledUntil + 1
	s.MarkFailure(ctx, "p", FailureBilling)
	f, _ = s.read()
	u = f.UsageStats["p"]
	if got := u.DisabledUntil - now; got != 24*hour {
		t.Errorf("fourth billing window = %dms, want the 24h cap", got)
	}
}

// TestMarkUsed_ResetsState verifies success clears counters and windows.
func TestMarkUsed_ResetsState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProfile(t, s, "p", "anthropic")

	s.MarkFailure(ctx, "p", FailureBilling)
	if err := s.MarkUsed(ctx, "p"); err != nil {
		t.Fatalf("mark used: %v", err)
	}

	f, _ := s.read()
	u := f.UsageStats["p"]
	if u.ErrorCount != 0 || u.CooldownUntil != 0 || u.DisabledUntil != 0 || u.FailureCounts != nil {
		t.Errorf("state not reset: %+v", u)
	}
	if u.LastUsed == 0 {
		t.Errorf("LastUsed not stamped")
	}

	sel, unavailable, err := s.Select("anthropic", SelectOptions{})
	if err != nil || unavailable != nil || sel == nil {
		t.Errorf("profile unusable after MarkUsed: %+v %+v %v", sel, unavailable, err)
	}
}

// TestClearExpiredCooldowns verifies expired windows clear and counters
// reset only when no window remains.
func TestClearExpiredCooldowns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProfile(t, s, "p", "anthropic")

	now := time.Now().UnixMilli()
	s.nowMs = func() int64 { return now }
	s.MarkFailure(ctx, "p", FailureTimeout)

	// Before expiry nothing changes.
	if err := s.ClearExpiredCooldowns(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	f, _ := s.read()
	if f.UsageStats["p"].CooldownUntil == 0 {
		t.Errorf("window cleared before its deadline")
	}

	now += 2 * time.Hour.Milliseconds()
	if err := s.ClearExpiredCooldowns(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	f, _ = s.read()
	u := f.UsageStats["p"]
	if u.CooldownUntil != 0 || u.ErrorCount != 0 {
		t.Errorf("expired window not cleared: %+v", u)
	}
	if u.LastFailureAt == 0 {
		t.Errorf("decay bookkeeping lost")
	}
}

// TestMarkFailure_WindowDecay verifies stale history resets before the new
// failure counts.
func TestMarkFailure_WindowDecay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProfile(t, s, "p", "anthropic")

	now := time.Now().UnixMilli()
	s.nowMs = func() int64 { return now }
	s.MarkFailure(ctx, "p", FailureTimeout)
	s.MarkFailure(ctx, "p", FailureTimeout)

	// Past the failure window the counter restarts at 1.
	now += 25 * time.Hour.Milliseconds()
	s.MarkFailure(ctx, "p", FailureTimeout)
	f, _ := s.read()
	u := f.UsageStats["p"]
	if u.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want decayed restart at 1", u.ErrorCount)
	}
	if got := u.CooldownUntil - now; got != 60_000 {
		t.Errorf("cooldown = %dms, want the 60s base", got)
	}
}
