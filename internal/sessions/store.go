package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/locks"
)

// Entry is the durable bookkeeping record for one session key. Entries are
// owned exclusively by the Store; other components read snapshots.
type Entry struct {
	SessionID    string `json:"sessionId"`
	UpdatedAt    int64  `json:"updatedAt"` // ms epoch, monotonically non-decreasing
	SessionFile  string `json:"sessionFile,omitempty"`
	LastChannel  string `json:"lastChannel,omitempty"`
	LastTo       string `json:"lastTo,omitempty"`
	LastProvider string `json:"lastProvider,omitempty"`
	Model        string `json:"model,omitempty"`
	ChatType     string `json:"chatType,omitempty"`
	SendPolicy   string `json:"sendPolicy,omitempty"`
}

// UpdateOptions control one Update call.
type UpdateOptions struct {
	// ActiveKey is exempt from maintenance eviction.
	ActiveKey string
	// Maintenance, when set, is applied during the update.
	Maintenance *MaintenanceConfig
}

// Store persists one JSON object per agent mapping session key → Entry.
// Writes go through the file lock; reads are served from an mtime-keyed
// in-memory cache, with concurrent cold loads collapsed by singleflight.
type Store struct {
	locks    *locks.Manager
	lockOpts locks.Options

	mu    sync.Mutex
	cache map[string]*cachedFile // realpath → snapshot
	group singleflight.Group

	nowMs func() int64
}

type cachedFile struct {
	mtimeNs int64
	size    int64
	entries map[string]*Entry
}

// NewStore creates a session store using the given lock manager.
func NewStore(lm *locks.Manager, lockOpts locks.Options) *Store {
	return &Store{
		locks:    lm,
		lockOpts: lockOpts,
		cache:    make(map[string]*cachedFile),
		nowMs:    bus.Now,
	}
}

// ResolveStorePath maps a hint (explicit path or empty) plus agent id to the
// store file for that agent.
func ResolveStorePath(hint, baseDir, agentID string) string {
	if hint != "" {
		return expandHome(hint)
	}
	if agentID == "" {
		agentID = "default"
	}
	return filepath.Join(expandHome(baseDir), agentID, "sessions.json")
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

// Load returns the entry map for path. The result is a deep copy; mutating
// it never affects the store.
func (s *Store) Load(path string) (map[string]*Entry, error) {
	snap, err := s.loadShared(path)
	if err != nil {
		return nil, err
	}
	return copyEntries(snap.entries), nil
}

// loadShared returns the cached snapshot for path, reloading when the file
// mtime changed. Concurrent cold loads share one read.
func (s *Store) loadShared(path string) (*cachedFile, error) {
	key := cacheKey(path)

	fi, statErr := os.Stat(path)
	s.mu.Lock()
	cached, ok := s.cache[key]
	s.mu.Unlock()
	if ok && statErr == nil && cached.mtimeNs == fi.ModTime().UnixNano() && cached.size == fi.Size() {
		return cached, nil
	}
	if os.IsNotExist(statErr) {
		empty := &cachedFile{entries: map[string]*Entry{}}
		return empty, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		entries, mtimeNs, size, err := readStoreFile(path)
		if err != nil {
			return nil, err
		}
		snap := &cachedFile{mtimeNs: mtimeNs, size: size, entries: entries}
		s.mu.Lock()
		s.cache[key] = snap
		s.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*cachedFile), nil
}

func readStoreFile(path string) (map[string]*Entry, int64, int64, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]*Entry{}, 0, 0, nil
	}
	if err != nil {
		return nil, 0, 0, fmt.Errorf("read session store: %w", err)
	}
	entries := map[string]*Entry{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, 0, 0, fmt.Errorf("parse session store %s: %w", path, err)
		}
	}
	var mtimeNs, size int64
	if fi, statErr := os.Stat(path); statErr == nil {
		mtimeNs = fi.ModTime().UnixNano()
		size = fi.Size()
	}
	return entries, mtimeNs, size, nil
}

// Update applies mutator to the entry map under the file lock and persists
// the result atomically. Maintenance (when configured) runs inside the same
// critical section.
func (s *Store) Update(ctx context.Context, path string, mutator func(map[string]*Entry) error, opts UpdateOptions) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	handle, err := s.locks.Acquire(ctx, path, s.lockOpts)
	if err != nil {
		return fmt.Errorf("acquire session lock: %w", err)
	}
	defer handle.Release()

	// Reload inside the critical section; the cache may be behind another
	// process's write.
	entries, _, _, err := readStoreFile(path)
	if err != nil {
		return err
	}

	if err := mutator(entries); err != nil {
		return err
	}

	if opts.Maintenance != nil {
		report := applyMaintenance(entries, opts.ActiveKey, *opts.Maintenance, s.nowMs())
		if report.Any() {
			slog.Info("sessions.maintenance",
				"path", path,
				"mode", opts.Maintenance.Mode,
				"pruned", report.Pruned,
				"evicted", report.Evicted,
				"transcripts_deleted", report.TranscriptsDeleted,
			)
		}
	}

	if err := writeStoreFile(path, entries); err != nil {
		return err
	}

	// Refresh the cache from the file we just wrote.
	var mtimeNs, size int64
	if fi, statErr := os.Stat(path); statErr == nil {
		mtimeNs = fi.ModTime().UnixNano()
		size = fi.Size()
	}
	s.mu.Lock()
	s.cache[cacheKey(path)] = &cachedFile{mtimeNs: mtimeNs, size: size, entries: copyEntries(entries)}
	s.mu.Unlock()
	return nil
}

func writeStoreFile(path string, entries map[string]*Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp store: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write session store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync session store: %w", err)
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace session store: %w", err)
	}
	cleanup = false
	return nil
}

// RecordInbound creates or touches the entry for key from the finalized
// inbound context, returning a snapshot of the resulting entry. UpdatedAt
// never goes backwards.
func (s *Store) RecordInbound(ctx context.Context, path, key string, mc *bus.MsgContext, opts UpdateOptions) (Entry, error) {
	var out Entry
	opts.ActiveKey = key
	err := s.Update(ctx, path, func(entries map[string]*Entry) error {
		e, ok := entries[key]
		if !ok {
			e = &Entry{SessionID: uuid.NewString()}
			entries[key] = e
		}
		now := s.nowMs()
		if now > e.UpdatedAt {
			e.UpdatedAt = now
		}
		if mc != nil {
			e.LastChannel = mc.ReplyChannel()
			e.LastTo = mc.ReplyTo()
			e.LastProvider = mc.Provider
			if mc.ChatType != "" {
				e.ChatType = mc.ChatType
			}
		}
		out = *e
		return nil
	}, opts)
	if err != nil {
		return Entry{}, err
	}
	return out, nil
}

// SetModel records the model used by the session's last run.
func (s *Store) SetModel(ctx context.Context, path, key, model string) error {
	return s.Update(ctx, path, func(entries map[string]*Entry) error {
		if e, ok := entries[key]; ok {
			e.Model = model
			if now := s.nowMs(); now > e.UpdatedAt {
				e.UpdatedAt = now
			}
		}
		return nil
	}, UpdateOptions{ActiveKey: key})
}

// ReadUpdatedAt returns the entry's UpdatedAt, or (0,false) when absent.
func (s *Store) ReadUpdatedAt(path, key string) (int64, bool) {
	snap, err := s.loadShared(path)
	if err != nil {
		slog.Warn("sessions.read_updated_at_failed", "path", path, "error", err)
		return 0, false
	}
	e, ok := snap.entries[key]
	if !ok {
		return 0, false
	}
	return e.UpdatedAt, true
}

// Reset deletes the entry for key, if present.
func (s *Store) Reset(ctx context.Context, path, key string) error {
	return s.Update(ctx, path, func(entries map[string]*Entry) error {
		delete(entries, key)
		return nil
	}, UpdateOptions{})
}

func copyEntries(in map[string]*Entry) map[string]*Entry {
	out := make(map[string]*Entry, len(in))
	for k, v := range in {
		e := *v
		out[k] = &e
	}
	return out
}

func cacheKey(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}
