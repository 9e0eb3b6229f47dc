// Package authprofiles manages per-provider credential profiles with
// failure-driven cooldown and disable windows, and the selector that picks
// a usable profile per run.
package authprofiles

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/openclaw/openclaw/internal/locks"
)

// FailureReason categorizes provider failures for cooldown accounting.
type FailureReason string

const (
	FailureAuth          FailureReason = "auth"
	FailureBilling       FailureReason = "billing"
	FailureFormat        FailureReason = "format"
	FailureModelNotFound FailureReason = "model_not_found"
	FailureTimeout       FailureReason = "timeout"
	FailureRateLimit     FailureReason = "rate_limit"
	FailureUnknown       FailureReason = "unknown"
)

// failurePriority is the tie-break order for reporting why all profiles are
// unusable.
var failurePriority = []FailureReason{
	FailureAuth, FailureBilling, FailureFormat, FailureModelNotFound,
	FailureTimeout, FailureRateLimit, FailureUnknown,
}

// Profile is one named credential for a provider.
type Profile struct {
	Type        string         `json:"type"` // oauth | api_key
	Provider    string         `json:"provider"`
	Credentials map[string]any `json:"credentials,omitempty"`
}

// UsageStats tracks failure state per profile id.
type UsageStats struct {
	LastUsed       int64                   `json:"lastUsed,omitempty"` // ms epoch
	ErrorCount     int                     `json:"errorCount,omitempty"`
	CooldownUntil  int64                   `json:"cooldownUntil,omitempty"`
	DisabledUntil  int64                   `json:"disabledUntil,omitempty"`
	DisabledReason string                  `json:"disabledReason,omitempty"`
	FailureCounts  map[FailureReason]int   `json:"failureCounts,omitempty"`
	LastFailureAt  int64                   `json:"lastFailureAt,omitempty"`
}

// UnusableUntil returns the ms-epoch instant the profile becomes usable
// again; zero when usable now.
func (u *UsageStats) UnusableUntil() int64 {
	until := u.CooldownUntil
	if u.DisabledUntil > until {
		until = u.DisabledUntil
	}
	return until
}

type storeFile struct {
	Version    int                    `json:"version"`
	Profiles   map[string]*Profile    `json:"profiles"`
	Order      map[string][]string    `json:"order,omitempty"` // provider → profile ids
	UsageStats map[string]*UsageStats `json:"usageStats,omitempty"`
}

// Store persists auth profiles in a single JSON file, mutated under a file
// lock with reload-inside-lock reconciliation.
type Store struct {
	path     string
	locks    *locks.Manager
	lockOpts locks.Options
	cfg      CooldownConfig
	nowMs    func() int64
}

// CooldownConfig tunes failure windows.
type CooldownConfig struct {
	FailureWindowMs  int64            // decay: counters reset when the last failure is older
	BillingBaseMs    int64            // billing backoff base (default 5h)
	BillingMaxMs     int64            // billing backoff cap (default 24h)
	BillingPerProv   map[string]int64 // per-provider base override
}

func (c CooldownConfig) withDefaults() CooldownConfig {
	if c.FailureWindowMs <= 0 {
		c.FailureWindowMs = 24 * time.Hour.Milliseconds()
	}
	if c.BillingBaseMs <= 0 {
		c.BillingBaseMs = 5 * time.Hour.Milliseconds()
	}
	if c.BillingMaxMs <= 0 {
		c.BillingMaxMs = 24 * time.Hour.Milliseconds()
	}
	return c
}

// NewStore creates an auth-profile store backed by path.
func NewStore(path string, lm *locks.Manager, lockOpts locks.Options, cfg CooldownConfig) *Store {
	return &Store{
		path:     path,
		locks:    lm,
		lockOpts: lockOpts,
		cfg:      cfg.withDefaults(),
		nowMs:    func() int64 { return time.Now().UnixMilli() },
	}
}

func (s *Store) read() (*storeFile, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &storeFile{Version: 1, Profiles: map[string]*Profile{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read auth profiles: %w", err)
	}
	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse auth profiles %s: %w", s.path, err)
	}
	if f.Profiles == nil {
		f.Profiles = map[string]*Profile{}
	}
	return &f, nil
}

func (s *Store) update(ctx context.Context, mutate func(*storeFile) error) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create auth profile dir: %w", err)
	}
	handle, err := s.locks.Acquire(ctx, s.path, s.lockOpts)
	if err != nil {
		return fmt.Errorf("acquire auth profile lock: %w", err)
	}
	defer handle.Release()

	f, err := s.read()
	if err != nil {
		return err
	}
	if err := mutate(f); err != nil {
		return err
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode auth profiles: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".authprofiles-*.tmp")
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
		return fmt.Errorf("write auth profiles: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync auth profiles: %w", err)
	}
	tmp.Close()
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace auth profiles: %w", err)
	}
	cleanup = false
	return nil
}

// Put inserts or replaces a profile and appends it to its provider's order
// when new.
func (s *Store) Put(ctx context.Context, id string, p Profile) error {
	return s.update(ctx, func(f *storeFile) error {
		f.Version = 1
		f.Profiles[id] = &p
		if f.Order == nil {
			f.Order = map[string][]string{}
		}
		for _, existing := range f.Order[p.Provider] {
			if existing == id {
				return nil
			}
		}
		f.Order[p.Provider] = append(f.Order[p.Provider], id)
		return nil
	})
}

// profilesFor returns (id, stats) pairs for provider in configured order.
func (f *storeFile) profilesFor(provider string) []profileRef {
	ids := f.Order[provider]
	if len(ids) == 0 {
		for id, p := range f.Profiles {
			if p.Provider == provider {
				ids = append(ids, id)
			}
		}
	}
	refs := make([]profileRef, 0, len(ids))
	for _, id := range ids {
		p, ok := f.Profiles[id]
		if !ok || p.Provider != provider {
			continue
		}
		stats := f.UsageStats[id]
		if stats == nil {
			stats = &UsageStats{}
		}
		refs = append(refs, profileRef{ID: id, Profile: p, Stats: stats})
	}
	return refs
}

type profileRef struct {
	ID      string
	Profile *Profile
	Stats   *UsageStats
}
