package pairing

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/openclaw/openclaw/internal/locks"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), locks.NewManager(), locks.Options{})
}

var codePattern = regexp.MustCompile("^[ABCDEFGHJKLMNPQRSTUVWXYZ23456789]{8}$")

// TestGenerateCode_Alphabet verifies length and the confusable-free
// alphabet.
func TestGenerateCode_Alphabet(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := generateCode(nil)
		if err != nil {
			t.Fatalf("generateCode: %v", err)
		}
		if !codePattern.MatchString(code) {
			t.Fatalf("code %q violates the alphabet", code)
		}
	}
}

// TestGenerateCode_AvoidsCollisions verifies rejection sampling against the
// taken set.
func TestGenerateCode_AvoidsCollisions(t *testing.T) {
	taken := map[string]bool{}
	for i := 0; i < 20; i++ {
		code, err := generateCode(taken)
		if err != nil {
			t.Fatalf("generateCode: %v", err)
		}
		if taken[code] {
			t.Fatalf("collision with taken set: %q", code)
		}
		taken[code] = true
	}
}

// TestUpsertRequest_NewAndRefresh verifies a repeat request keeps its code
// and reports Created=false.
func TestUpsertRequest_NewAndRefresh(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertRequest(ctx, "telegram", "12345", &RequestMeta{Name: "Alice"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !first.Created || !codePattern.MatchString(first.Code) {
		t.Fatalf("first upsert = %+v", first)
	}

	again, err := s.UpsertRequest(ctx, "telegram", "12345", nil)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if again.Created {
		t.Errorf("repeat request reported Created")
	}
	if again.Code != first.Code {
		t.Errorf("repeat request changed code: %q -> %q", first.Code, again.Code)
	}

	reqs, err := s.ListRequests("telegram", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(reqs) != 1 {
		t.Errorf("pending = %d, want 1", len(reqs))
	}
}

// TestUpsertRequest_CapEvictsLRU verifies the 4th distinct requester evicts
// the least recently seen entry.
func TestUpsertRequest_CapEvictsLRU(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	s.nowMs = func() int64 { return now }

	for i := 1; i <= MaxPendingPerChannel; i++ {
		now += 1000
		if _, err := s.UpsertRequest(ctx, "telegram", fmt.Sprintf("peer%d", i), nil); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	// Refresh peer1 so peer2 becomes the LRU.
	now += 1000
	if _, err := s.UpsertRequest(ctx, "telegram", "peer1", nil); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	now += 1000
	if _, err := s.UpsertRequest(ctx, "telegram", "peer4", nil); err != nil {
		t.Fatalf("overflow upsert: %v", err)
	}

	reqs, err := s.ListRequests("telegram", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(reqs) != MaxPendingPerChannel {
		t.Fatalf("pending = %d, want %d", len(reqs), MaxPendingPerChannel)
	}
	ids := make(map[string]bool)
	for _, r := range reqs {
		ids[r.ID] = true
	}
	if ids["peer2"] {
		t.Errorf("LRU entry survived the cap: %v", ids)
	}
	for _, want := range []string{"peer1", "peer3", "peer4"} {
		if !ids[want] {
			t.Errorf("%s missing from pending set %v", want, ids)
		}
	}
}

// TestUpsertRequest_TTLExpiry verifies stale requests vanish.
func TestUpsertRequest_TTLExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	s.nowMs = func() int64 { return now }

	if _, err := s.UpsertRequest(ctx, "telegram", "peer1", nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	now += RequestTTL.Milliseconds() + 1

	reqs, err := s.ListRequests("telegram", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(reqs) != 0 {
		t.Errorf("expired request still listed: %v", reqs)
	}

	// A fresh upsert after expiry counts as a new request.
	res, err := s.UpsertRequest(ctx, "telegram", "peer1", nil)
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if !res.Created {
		t.Errorf("expired requester not treated as new")
	}
}

// TestApproveCode verifies the approve round-trip: request removed,
// allowlist updated, repeat approval finds nothing.
func TestApproveCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.UpsertRequest(ctx, "telegram", "12345", nil)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	id, err := s.ApproveCode(ctx, "telegram", res.Code, "")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if id != "12345" {
		t.Errorf("approved id = %q, want 12345", id)
	}

	allow, err := s.ReadAllowFrom("telegram", "")
	if err != nil {
		t.Fatalf("read allowFrom: %v", err)
	}
	if len(allow) != 1 || allow[0] != "12345" {
		t.Errorf("allowFrom = %v, want [12345]", allow)
	}

	reqs, _ := s.ListRequests("telegram", "")
	if len(reqs) != 0 {
		t.Errorf("approved request still pending")
	}

	// Same code again matches nothing.
	id, err = s.ApproveCode(ctx, "telegram", res.Code, "")
	if err != nil {
		t.Fatalf("re-approve: %v", err)
	}
	if id != "" {
		t.Errorf("stale code approved %q", id)
	}
}

// TestApproveCode_CaseInsensitive verifies lower-cased operator input.
func TestApproveCode_CaseInsensitive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.UpsertRequest(ctx, "telegram", "777", nil)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	id, err := s.ApproveCode(ctx, "telegram", "  "+strings.ToLower(res.Code)+"  ", "")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if id != "777" {
		t.Errorf("approved id = %q, want 777", id)
	}
}

// TestAllowFrom_ScopedMerge verifies account-scoped reads merge the legacy
// unscoped file with scoped entries first.
func TestAllowFrom_ScopedMerge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddAllowFrom(ctx, "telegram", "", "legacy-peer"); err != nil {
		t.Fatalf("add legacy: %v", err)
	}
	if err := s.AddAllowFrom(ctx, "telegram", "work", "scoped-peer"); err != nil {
		t.Fatalf("add scoped: %v", err)
	}

	got, err := s.ReadAllowFrom("telegram", "work")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[0] != "scoped-peer" || got[1] != "legacy-peer" {
		t.Errorf("merged allowFrom = %v, want scoped first then legacy", got)
	}

	// Unscoped reads never see scoped entries.
	got, err = s.ReadAllowFrom("telegram", "")
	if err != nil {
		t.Fatalf("read unscoped: %v", err)
	}
	if len(got) != 1 || got[0] != "legacy-peer" {
		t.Errorf("unscoped allowFrom = %v", got)
	}
}

// TestAllowFrom_NoDuplicatesNoWildcards verifies idempotent adds and the
// wildcard guard.
func TestAllowFrom_NoDuplicatesNoWildcards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AddAllowFrom(ctx, "telegram", "", "peer")
	s.AddAllowFrom(ctx, "telegram", "", "peer")
	s.AddAllowFrom(ctx, "telegram", "", "*")
	s.AddAllowFrom(ctx, "telegram", "", "")

	got, err := s.ReadAllowFrom("telegram", "")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 1 || got[0] != "peer" {
		t.Errorf("allowFrom = %v, want [peer]", got)
	}
}

// TestRemoveAllowFrom verifies revocation.
func TestRemoveAllowFrom(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AddAllowFrom(ctx, "telegram", "", "a")
	s.AddAllowFrom(ctx, "telegram", "", "b")
	if err := s.RemoveAllowFrom(ctx, "telegram", "", "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got, _ := s.ReadAllowFrom("telegram", "")
	if len(got) != 1 || got[0] != "b" {
		t.Errorf("allowFrom = %v, want [b]", got)
	}
}
