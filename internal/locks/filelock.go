// Package locks implements the advisory file locks that guard the session,
// pairing, and auth-profile stores. A lock is a sidecar file `<path>.lock`
// created with O_EXCL whose JSON payload records the holder pid and acquire
// time, so a crashed process never wedges the store: any later acquirer can
// prove staleness and reclaim.
package locks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Payload is the JSON body written into a lock file.
type Payload struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"createdAt"` // ISO-8601
}

// Options tune acquisition and staleness behaviour.
type Options struct {
	// TimeoutMs bounds the total time spent retrying acquisition.
	TimeoutMs int64
	// StaleMs is the age beyond which a held lock is considered abandoned.
	StaleMs int64
	// MaxHoldMs is how long this process may hold the lock before the
	// watchdog forcibly releases it.
	MaxHoldMs int64
}

const (
	defaultTimeoutMs = 30_000
	defaultStaleMs   = 30 * 60 * 1000
	defaultMaxHoldMs = 5 * 60 * 1000
	maxRetryDelay    = time.Second
)

// ErrTimeout is returned when the lock could not be acquired within TimeoutMs.
var ErrTimeout = errors.New("lock acquisition timed out")

func (o Options) withDefaults() Options {
	if o.TimeoutMs <= 0 {
		o.TimeoutMs = defaultTimeoutMs
	}
	if o.StaleMs <= 0 {
		o.StaleMs = defaultStaleMs
	}
	if o.MaxHoldMs <= 0 {
		o.MaxHoldMs = defaultMaxHoldMs
	}
	// Never let the watchdog fire while a legitimate acquirer could still
	// be inside the critical section.
	if grace := o.TimeoutMs + 10_000; o.MaxHoldMs < grace {
		o.MaxHoldMs = grace
	}
	return o
}

// Handle represents a held lock. Release is idempotent.
type Handle struct {
	manager    *Manager
	key        string // realpath of the guarded file
	lockPath   string
	acquiredAt time.Time
	maxHoldMs  int64
	depth      int // reentrancy depth

	mu       sync.Mutex
	released bool
}

// Manager owns every lock held by this process. Locks are reentrant per
// realpath within one Manager; a 60s watchdog force-releases holds that
// exceed their MaxHoldMs, and process exit signals release everything
// synchronously.
type Manager struct {
	mu   sync.Mutex
	held map[string]*Handle

	watchOnce  sync.Once
	signalOnce sync.Once
	nowFn      func() time.Time
	pid        int
}

// NewManager creates a lock manager.
func NewManager() *Manager {
	return &Manager{
		held:  make(map[string]*Handle),
		nowFn: time.Now,
		pid:   os.Getpid(),
	}
}

// Acquire takes the lock guarding path, retrying with exponential backoff
// until Options.TimeoutMs elapses. Re-acquiring a lock this manager already
// holds (keyed by realpath) succeeds immediately and increments the
// reentrancy depth.
func (m *Manager) Acquire(ctx context.Context, path string, opts Options) (*Handle, error) {
	opts = opts.withDefaults()
	key := realpathOrClean(path)
	lockPath := path + ".lock"

	m.mu.Lock()
	if h, ok := m.held[key]; ok {
		h.depth++
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()

	m.startWatchdog()
	m.installExitHandlers()

	deadline := m.nowFn().Add(time.Duration(opts.TimeoutMs) * time.Millisecond)
	delay := 10 * time.Millisecond

	for {
		err := m.tryCreate(lockPath)
		if err == nil {
			h := &Handle{
				manager:    m,
				key:        key,
				lockPath:   lockPath,
				acquiredAt: m.nowFn(),
				maxHoldMs:  opts.MaxHoldMs,
				depth:      1,
			}
			m.mu.Lock()
			m.held[key] = h
			m.mu.Unlock()
			return h, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock %s: %w", lockPath, err)
		}

		// Somebody holds it. Reclaim if provably stale.
		if m.isStale(lockPath, opts.StaleMs) {
			slog.Warn("lock.reclaim_stale", "lock", lockPath)
			if rmErr := os.Remove(lockPath); rmErr != nil && !os.IsNotExist(rmErr) {
				slog.Warn("lock.reclaim_failed", "lock", lockPath, "error", rmErr)
			}
			continue
		}

		if m.nowFn().After(deadline) {
			return nil, fmt.Errorf("lock %s: %w", lockPath, ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}

func (m *Manager) tryCreate(lockPath string) error {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	payload := Payload{PID: m.pid, CreatedAt: m.nowFn().UTC().Format(time.RFC3339Nano)}
	data, _ := json.Marshal(payload)
	if _, werr := f.Write(data); werr != nil {
		f.Close()
		os.Remove(lockPath)
		return fmt.Errorf("write lock payload: %w", werr)
	}
	return f.Close()
}

// isStale reports whether the lock file at lockPath may be reclaimed:
// unparseable payload, dead holder pid, or age beyond staleMs. When the
// payload lacks a usable pid or timestamp, file mtime is the fallback age.
func (m *Manager) isStale(lockPath string, staleMs int64) bool {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		// Racing remove by another acquirer; let the create retry decide.
		return os.IsNotExist(err)
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return true
	}

	pidKnown := p.PID > 0
	if pidKnown && !isPidAlive(p.PID) {
		return true
	}

	if p.CreatedAt != "" {
		if created, err := time.Parse(time.RFC3339Nano, p.CreatedAt); err == nil {
			return m.nowFn().Sub(created) > time.Duration(staleMs)*time.Millisecond
		}
	}

	// Missing pid or unparseable createdAt: fall back to mtime age.
	if fi, err := os.Stat(lockPath); err == nil {
		return m.nowFn().Sub(fi.ModTime()) > time.Duration(staleMs)*time.Millisecond
	}
	return false
}

// Release drops one reentrancy level; the lock file is removed when the
// outermost level releases.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.manager.mu.Lock()
	h.depth--
	if h.depth > 0 {
		h.manager.mu.Unlock()
		h.mu.Unlock()
		return
	}
	delete(h.manager.held, h.key)
	h.manager.mu.Unlock()
	h.released = true
	h.mu.Unlock()

	if err := os.Remove(h.lockPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("lock.release_failed", "lock", h.lockPath, "error", err)
	}
}

// forceRelease is the watchdog path: drop the lock regardless of depth.
func (h *Handle) forceRelease() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()

	h.manager.mu.Lock()
	delete(h.manager.held, h.key)
	h.manager.mu.Unlock()

	if err := os.Remove(h.lockPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("lock.force_release_failed", "lock", h.lockPath, "error", err)
	}
}

// startWatchdog launches the 60s scan that force-releases locks held longer
// than their MaxHoldMs.
func (m *Manager) startWatchdog() {
	m.watchOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(60 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				m.sweepOverheld()
			}
		}()
	})
}

func (m *Manager) sweepOverheld() {
	m.mu.Lock()
	var overheld []*Handle
	now := m.nowFn()
	for _, h := range m.held {
		if now.Sub(h.acquiredAt) > time.Duration(h.maxHoldMs)*time.Millisecond {
			overheld = append(overheld, h)
		}
	}
	m.mu.Unlock()

	for _, h := range overheld {
		slog.Warn("lock.watchdog_force_release",
			"lock", h.lockPath,
			"held_ms", now.Sub(h.acquiredAt).Milliseconds(),
		)
		h.forceRelease()
	}
}

// installExitHandlers releases all held locks synchronously on
// INT/TERM/QUIT/ABRT before re-raising the signal.
func (m *Manager) installExitHandlers() {
	m.signalOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGABRT)
		go func() {
			sig := <-ch
			m.ReleaseAll()
			signal.Stop(ch)
			if s, ok := sig.(syscall.Signal); ok {
				syscall.Kill(os.Getpid(), s)
			}
		}()
	})
}

// ReleaseAll synchronously drops every held lock. Used on shutdown.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.held))
	for _, h := range m.held {
		handles = append(handles, h)
	}
	m.mu.Unlock()
	for _, h := range handles {
		h.forceRelease()
	}
}

// HeldCount reports the number of locks currently held by this manager.
func (m *Manager) HeldCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

// isPidAlive checks process liveness via signal 0, then on Linux rejects
// zombies by reading the State line of /proc/<pid>/status.
func isPidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		// EPERM means the process exists but belongs to another user.
		return errors.Is(err, syscall.EPERM)
	}
	if runtime.GOOS == "linux" {
		if data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid)); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasPrefix(line, "State:") {
					state := strings.TrimSpace(strings.TrimPrefix(line, "State:"))
					if strings.HasPrefix(state, "Z") {
						return false
					}
					break
				}
			}
		}
	}
	return true
}

func realpathOrClean(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}
