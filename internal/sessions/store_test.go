package sessions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/locks"
)

func newTestSessionStore(t *testing.T) (*Store, string) {
	t.Helper()
	s := NewStore(locks.NewManager(), locks.Options{})
	path := filepath.Join(t.TempDir(), "default", "sessions.json")
	return s, path
}

// TestRecordInbound_CreatesAndTouches verifies entry creation, routing
// snapshot fields, and stable session ids across turns.
func TestRecordInbound_CreatesAndTouches(t *testing.T) {
	s, path := newTestSessionStore(t)
	ctx := context.Background()
	key := "agent:default:telegram:direct:1"
	mc := &bus.MsgContext{Provider: "telegram", From: "1", To: "1", ChatType: "direct"}

	first, err := s.RecordInbound(ctx, path, key, mc, UpdateOptions{})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if first.SessionID == "" {
		t.Fatalf("no session id assigned")
	}
	if first.LastChannel != "telegram" || first.LastTo != "1" || first.ChatType != "direct" {
		t.Errorf("routing snapshot wrong: %+v", first)
	}

	second, err := s.RecordInbound(ctx, path, key, mc, UpdateOptions{})
	if err != nil {
		t.Fatalf("second record: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Errorf("session id changed across turns: %q -> %q", first.SessionID, second.SessionID)
	}
}

// TestRecordInbound_MonotonicUpdatedAt verifies UpdatedAt never goes
// backwards even when the clock does.
func TestRecordInbound_MonotonicUpdatedAt(t *testing.T) {
	s, path := newTestSessionStore(t)
	ctx := context.Background()
	key := "agent:default:telegram:direct:1"

	now := time.Now().UnixMilli()
	s.nowMs = func() int64 { return now }

	first, err := s.RecordInbound(ctx, path, key, nil, UpdateOptions{})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	// Clock steps backwards (NTP correction).
	now -= 10_000
	second, err := s.RecordInbound(ctx, path, key, nil, UpdateOptions{})
	if err != nil {
		t.Fatalf("second record: %v", err)
	}
	if second.UpdatedAt < first.UpdatedAt {
		t.Errorf("UpdatedAt went backwards: %d -> %d", first.UpdatedAt, second.UpdatedAt)
	}
}

// TestUpdate_ReloadInsideLock verifies a concurrent out-of-band write is
// not lost to the in-memory cache.
func TestUpdate_ReloadInsideLock(t *testing.T) {
	s, path := newTestSessionStore(t)
	ctx := context.Background()

	if _, err := s.RecordInbound(ctx, path, "agent:default:telegram:direct:1", nil, UpdateOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// Warm the cache.
	if _, err := s.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}

	// Another process writes a second entry directly.
	other := NewStore(locks.NewManager(), locks.Options{})
	if _, err := other.RecordInbound(ctx, path, "agent:default:telegram:direct:2", nil, UpdateOptions{}); err != nil {
		t.Fatalf("foreign write: %v", err)
	}

	// An update through the first store must preserve both entries.
	err := s.Update(ctx, path, func(entries map[string]*Entry) error {
		entries["agent:default:telegram:direct:3"] = &Entry{SessionID: "x", UpdatedAt: 1}
		return nil
	}, UpdateOptions{})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	entries, err := s.Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("entries = %d, want 3 (foreign write lost?)", len(entries))
	}
}

// TestLoad_ReturnsCopy verifies mutating a loaded map never leaks into the
// store.
func TestLoad_ReturnsCopy(t *testing.T) {
	s, path := newTestSessionStore(t)
	ctx := context.Background()
	key := "agent:default:telegram:direct:1"
	if _, err := s.RecordInbound(ctx, path, key, nil, UpdateOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	m1, _ := s.Load(path)
	m1[key].Model = "tampered"
	delete(m1, key)

	m2, _ := s.Load(path)
	if e, ok := m2[key]; !ok || e.Model == "tampered" {
		t.Errorf("loaded snapshot aliases store state: %+v", m2[key])
	}
}

// TestReset verifies deletion and ReadUpdatedAt's miss shape.
func TestReset(t *testing.T) {
	s, path := newTestSessionStore(t)
	ctx := context.Background()
	key := "agent:default:telegram:direct:1"

	if _, err := s.RecordInbound(ctx, path, key, nil, UpdateOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, ok := s.ReadUpdatedAt(path, key); !ok {
		t.Fatalf("entry missing before reset")
	}
	if err := s.Reset(ctx, path, key); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if at, ok := s.ReadUpdatedAt(path, key); ok || at != 0 {
		t.Errorf("ReadUpdatedAt after reset = (%d, %v), want (0, false)", at, ok)
	}
}

// TestSetModel verifies the model stamp touches only existing entries.
func TestSetModel(t *testing.T) {
	s, path := newTestSessionStore(t)
	ctx := context.Background()
	key := "agent:default:telegram:direct:1"

	if err := s.SetModel(ctx, path, key, "claude-sonnet-4-5"); err != nil {
		t.Fatalf("set model on missing entry: %v", err)
	}
	entries, _ := s.Load(path)
	if len(entries) != 0 {
		t.Errorf("SetModel created an entry")
	}

	s.RecordInbound(ctx, path, key, nil, UpdateOptions{})
	if err := s.SetModel(ctx, path, key, "claude-sonnet-4-5"); err != nil {
		t.Fatalf("set model: %v", err)
	}
	entries, _ = s.Load(path)
	if entries[key].Model != "claude-sonnet-4-5" {
		t.Errorf("Model = %q", entries[key].Model)
	}
}

// TestResolveStorePath covers hint precedence and the per-agent layout.
func TestResolveStorePath(t *testing.T) {
	tests := []struct {
		hint    string
		baseDir string
		agentID string
		want    string
	}{
		{"/explicit/sessions.json", "/base", "a", "/explicit/sessions.json"},
		{"", "/base", "main", filepath.Join("/base", "main", "sessions.json")},
		{"", "/base", "", filepath.Join("/base", "default", "sessions.json")},
	}
	for _, tt := range tests {
		if got := ResolveStorePath(tt.hint, tt.baseDir, tt.agentID); got != tt.want {
			t.Errorf("ResolveStorePath(%q, %q, %q) = %q, want %q",
				tt.hint, tt.baseDir, tt.agentID, got, tt.want)
		}
	}
}

// TestMaintenance_PruneIdle verifies idle pruning spares the active key and
// warn mode counts without mutating.
func TestMaintenance_PruneIdle(t *testing.T) {
	now := time.Now().UnixMilli()
	mkEntries := func() map[string]*Entry {
		return map[string]*Entry{
			"active": {SessionID: "a", UpdatedAt: now - 100_000},
			"stale":  {SessionID: "b", UpdatedAt: now - 100_000},
			"fresh":  {SessionID: "c", UpdatedAt: now - 1000},
		}
	}
	cfg := MaintenanceConfig{Mode: MaintenanceEnforce, PruneAfterMs: 50_000}

	entries := mkEntries()
	report := applyMaintenance(entries, "active", cfg, now)
	if report.Pruned != 1 {
		t.Errorf("Pruned = %d, want 1", report.Pruned)
	}
	if _, ok := entries["stale"]; ok {
		t.Errorf("stale entry survived enforce mode")
	}
	if _, ok := entries["active"]; !ok {
		t.Errorf("active key was pruned")
	}

	// Warn mode reports the same but keeps everything.
	entries = mkEntries()
	cfg.Mode = MaintenanceWarn
	report = applyMaintenance(entries, "active", cfg, now)
	if report.Pruned != 1 || len(entries) != 3 {
		t.Errorf("warn mode: report %+v, entries %d", report, len(entries))
	}
}

// TestMaintenance_MaxEntries verifies oldest-first eviction to the cap.
func TestMaintenance_MaxEntries(t *testing.T) {
	now := time.Now().UnixMilli()
	entries := map[string]*Entry{}
	for i := 0; i < 5; i++ {
		entries[fmt.Sprintf("k%d", i)] = &Entry{UpdatedAt: now - int64(i)*1000}
	}
	cfg := MaintenanceConfig{Mode: MaintenanceEnforce, MaxEntries: 3}
	report := applyMaintenance(entries, "k0", cfg, now)
	if report.Evicted != 2 {
		t.Errorf("Evicted = %d, want 2", report.Evicted)
	}
	// k4 and k3 are the oldest.
	for _, gone := range []string{"k4", "k3"} {
		if _, ok := entries[gone]; ok {
			t.Errorf("%s survived eviction", gone)
		}
	}
	if len(entries) != 3 {
		t.Errorf("entries = %d, want 3", len(entries))
	}
}

// TestMaintenance_DiskBudget verifies transcript deletion keeps the entry
// but drops the file reference.
func TestMaintenance_DiskBudget(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UnixMilli()

	mkFile := func(name string, size int) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, make([]byte, size), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return p
	}
	oldFile := mkFile("old.jsonl", 600)
	newFile := mkFile("new.jsonl", 600)
	entries := map[string]*Entry{
		"old": {UpdatedAt: now - 10_000, SessionFile: oldFile},
		"new": {UpdatedAt: now, SessionFile: newFile},
	}

	cfg := MaintenanceConfig{Mode: MaintenanceEnforce, MaxDiskBytes: 1000}
	report := applyMaintenance(entries, "", cfg, now)
	if report.TranscriptsDeleted != 1 {
		t.Fatalf("TranscriptsDeleted = %d, want 1", report.TranscriptsDeleted)
	}
	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Errorf("oldest transcript still on disk")
	}
	if _, err := os.Stat(newFile); err != nil {
		t.Errorf("newest transcript deleted")
	}
	if entries["old"].SessionFile != "" {
		t.Errorf("deleted transcript still referenced")
	}
	if len(entries) != 2 {
		t.Errorf("entries were removed by the disk budget pass")
	}
}
