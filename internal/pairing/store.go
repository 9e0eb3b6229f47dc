package pairing

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/openclaw/openclaw/internal/locks"
)

const (
	// RequestTTL is how long a pending pairing request lives.
	RequestTTL = time.Hour
	// MaxPendingPerChannel caps pending requests; the least recently seen
	// entry is evicted to make room.
	MaxPendingPerChannel = 3
)

// Request is one pending pairing request.
type Request struct {
	ID         string       `json:"id"` // normalized peer identifier
	Code       string       `json:"code"`
	CreatedAt  int64        `json:"createdAt"`  // ms epoch
	LastSeenAt int64        `json:"lastSeenAt"` // ms epoch
	Meta       *RequestMeta `json:"meta,omitempty"`
}

// RequestMeta carries optional display info for operators.
type RequestMeta struct {
	AccountID string `json:"accountId,omitempty"`
	Name      string `json:"name,omitempty"`
}

type requestsFile struct {
	Version  int       `json:"version"`
	Requests []Request `json:"requests"`
}

type allowFromFile struct {
	Version   int      `json:"version"`
	AllowFrom []string `json:"allowFrom"`
}

// UpsertResult reports whether a new request was created and its code.
type UpsertResult struct {
	Code    string
	Created bool
}

// Store persists pairing requests and allowlists, one file set per channel
// under dir. All mutations run under a file lock with reload-inside-lock
// reconciliation.
type Store struct {
	dir      string
	locks    *locks.Manager
	lockOpts locks.Options
	nowMs    func() int64
}

// NewStore creates a pairing store rooted at dir.
func NewStore(dir string, lm *locks.Manager, lockOpts locks.Options) *Store {
	return &Store{
		dir:      dir,
		locks:    lm,
		lockOpts: lockOpts,
		nowMs:    func() int64 { return time.Now().UnixMilli() },
	}
}

func (s *Store) requestsPath(channel string) string {
	return filepath.Join(s.dir, channel+"-pairing.json")
}

func (s *Store) allowFromPath(channel, accountID string) string {
	if accountID != "" {
		return filepath.Join(s.dir, fmt.Sprintf("%s-%s-allowFrom.json", channel, accountID))
	}
	return filepath.Join(s.dir, channel+"-allowFrom.json")
}

// UpsertRequest registers (or refreshes) a pending request for (channel,id).
// An existing pending id keeps its code, refreshes lastSeenAt, and reports
// Created=false. New requests evict the LRU entry past the pending cap.
func (s *Store) UpsertRequest(ctx context.Context, channel, id string, meta *RequestMeta) (UpsertResult, error) {
	var result UpsertResult
	err := s.updateRequests(ctx, channel, func(reqs []Request) ([]Request, error) {
		now := s.nowMs()
		reqs = dropExpired(reqs, now)

		for i := range reqs {
			if reqs[i].ID == id {
				reqs[i].LastSeenAt = now
				if meta != nil {
					reqs[i].Meta = meta
				}
				result = UpsertResult{Code: reqs[i].Code, Created: false}
				return reqs, nil
			}
		}

		taken := make(map[string]bool, len(reqs))
		for _, r := range reqs {
			taken[r.Code] = true
		}
		code, err := generateCode(taken)
		if err != nil {
			return nil, err
		}

		reqs = append(reqs, Request{
			ID:         id,
			Code:       code,
			CreatedAt:  now,
			LastSeenAt: now,
			Meta:       meta,
		})

		// Cap: evict least-recently-seen beyond the limit.
		if len(reqs) > MaxPendingPerChannel {
			sort.Slice(reqs, func(i, j int) bool { return reqs[i].LastSeenAt > reqs[j].LastSeenAt })
			reqs = reqs[:MaxPendingPerChannel]
		}

		result = UpsertResult{Code: code, Created: true}
		return reqs, nil
	})
	if err != nil {
		return UpsertResult{}, err
	}
	return result, nil
}

// ApproveCode atomically resolves a code to its pending request, removes the
// request, and appends the id to the channel allowlist. Returns the approved
// id, or "" when the code matched nothing.
func (s *Store) ApproveCode(ctx context.Context, channel, code, accountID string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	var approved string
	err := s.updateRequests(ctx, channel, func(reqs []Request) ([]Request, error) {
		now := s.nowMs()
		reqs = dropExpired(reqs, now)
		for i := range reqs {
			if reqs[i].Code == code {
				approved = reqs[i].ID
				reqs = append(reqs[:i], reqs[i+1:]...)
				return reqs, nil
			}
		}
		return reqs, nil
	})
	if err != nil {
		return "", err
	}
	if approved == "" {
		return "", nil
	}
	if err := s.AddAllowFrom(ctx, channel, accountID, approved); err != nil {
		return "", err
	}
	return approved, nil
}

// ListRequests returns the live pending requests for a channel, optionally
// filtered by account.
func (s *Store) ListRequests(channel, accountID string) ([]Request, error) {
	reqs, err := s.readRequests(channel)
	if err != nil {
		return nil, err
	}
	live := dropExpired(reqs, s.nowMs())
	if accountID == "" {
		return live, nil
	}
	filtered := live[:0]
	for _, r := range live {
		if r.Meta == nil || r.Meta.AccountID == "" || r.Meta.AccountID == accountID {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

// AddAllowFrom appends a normalized entry to the channel allowlist.
// Wildcards are never stored.
func (s *Store) AddAllowFrom(ctx context.Context, channel, accountID, entry string) error {
	if entry == "" || entry == "*" {
		return nil
	}
	return s.updateAllowFrom(ctx, channel, accountID, func(list []string) []string {
		for _, e := range list {
			if e == entry {
				return list
			}
		}
		return append(list, entry)
	})
}

// RemoveAllowFrom deletes an entry from the channel allowlist.
func (s *Store) RemoveAllowFrom(ctx context.Context, channel, accountID, entry string) error {
	return s.updateAllowFrom(ctx, channel, accountID, func(list []string) []string {
		out := list[:0]
		for _, e := range list {
			if e != entry {
				out = append(out, e)
			}
		}
		return out
	})
}

// ReadAllowFrom returns the persisted allowlist for (channel, accountID).
// Account-scoped reads fall back to merging the legacy unscoped file,
// scoped entries first.
func (s *Store) ReadAllowFrom(channel, accountID string) ([]string, error) {
	scoped, err := s.readAllowFile(s.allowFromPath(channel, accountID))
	if err != nil {
		return nil, err
	}
	if accountID == "" {
		return scoped, nil
	}
	legacy, err := s.readAllowFile(s.allowFromPath(channel, ""))
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(scoped))
	merged := make([]string, 0, len(scoped)+len(legacy))
	for _, e := range scoped {
		if !seen[e] {
			seen[e] = true
			merged = append(merged, e)
		}
	}
	for _, e := range legacy {
		if !seen[e] {
			seen[e] = true
			merged = append(merged, e)
		}
	}
	return merged, nil
}

// --- file plumbing ---

func (s *Store) readRequests(channel string) ([]Request, error) {
	path := s.requestsPath(channel)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pairing store: %w", err)
	}
	var f requestsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse pairing store %s: %w", path, err)
	}
	return f.Requests, nil
}

func (s *Store) updateRequests(ctx context.Context, channel string, mutate func([]Request) ([]Request, error)) error {
	path := s.requestsPath(channel)
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create pairing dir: %w", err)
	}
	handle, err := s.locks.Acquire(ctx, path, s.lockOpts)
	if err != nil {
		return fmt.Errorf("acquire pairing lock: %w", err)
	}
	defer handle.Release()

	reqs, err := s.readRequests(channel)
	if err != nil {
		return err
	}
	reqs, err = mutate(reqs)
	if err != nil {
		return err
	}
	if reqs == nil {
		reqs = []Request{}
	}
	return writeJSONAtomic(path, requestsFile{Version: 1, Requests: reqs})
}

func (s *Store) readAllowFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read allowFrom store: %w", err)
	}
	var f allowFromFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse allowFrom store %s: %w", path, err)
	}
	return f.AllowFrom, nil
}

func (s *Store) updateAllowFrom(ctx context.Context, channel, accountID string, mutate func([]string) []string) error {
	path := s.allowFromPath(channel, accountID)
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create pairing dir: %w", err)
	}
	handle, err := s.locks.Acquire(ctx, path, s.lockOpts)
	if err != nil {
		return fmt.Errorf("acquire allowFrom lock: %w", err)
	}
	defer handle.Release()

	list, err := s.readAllowFile(path)
	if err != nil {
		return err
	}
	list = mutate(list)
	if list == nil {
		list = []string{}
	}
	return writeJSONAtomic(path, allowFromFile{Version: 1, AllowFrom: list})
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".pairing-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
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
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	tmp.Close()
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	cleanup = false
	return nil
}

func dropExpired(reqs []Request, nowMs int64) []Request {
	live := reqs[:0]
	ttlMs := RequestTTL.Milliseconds()
	for _, r := range reqs {
		if nowMs-r.CreatedAt <= ttlMs {
			live = append(live, r)
		}
	}
	return live
}
