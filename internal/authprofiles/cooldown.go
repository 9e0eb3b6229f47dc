package authprofiles

import (
	"context"
	"log/slog"
	"time"
)

// MarkUsed records a successful run on the profile: the error counter and
// every window reset.
func (s *Store) MarkUsed(ctx context.Context, id string) error {
	return s.update(ctx, func(f *storeFile) error {
		if f.UsageStats == nil {
			f.UsageStats = map[string]*UsageStats{}
		}
		u := f.UsageStats[id]
		if u == nil {
			u = &UsageStats{}
			f.UsageStats[id] = u
		}
		u.LastUsed = s.nowMs()
		u.ErrorCount = 0
		u.CooldownUntil = 0
		u.DisabledUntil = 0
		u.DisabledReason = ""
		u.FailureCounts = nil
		return nil
	})
}

// MarkFailure records a categorized failure. Billing failures open an
// exponential disable window; everything else opens a capped cooldown.
// Active windows are immutable: a failure inside an open window increments
// counters but never extends the window.
func (s *Store) MarkFailure(ctx context.Context, id string, reason FailureReason) error {
	return s.update(ctx, func(f *storeFile) error {
		if f.UsageStats == nil {
			f.UsageStats = map[string]*UsageStats{}
		}
		u := f.UsageStats[id]
		if u == nil {
			u = &UsageStats{}
			f.UsageStats[id] = u
		}
		now := s.nowMs()

		// Window decay: stale failure history does not compound.
		if u.LastFailureAt > 0 && now-u.LastFailureAt > s.cfg.FailureWindowMs {
			u.ErrorCount = 0
			u.FailureCounts = nil
		}

		u.ErrorCount++
		if u.FailureCounts == nil {
			u.FailureCounts = map[FailureReason]int{}
		}
		u.FailureCounts[reason]++
		u.LastFailureAt = now

		windowActive := u.UnusableUntil() > now

		if reason == FailureBilling {
			if !windowActive {
				base := s.cfg.BillingBaseMs
				if p, ok := f.Profiles[id]; ok {
					if override, ok := s.cfg.BillingPerProv[p.Provider]; ok && override > 0 {
						base = override
					}
				}
				n := u.FailureCounts[FailureBilling]
				backoff := base
				for i := 1; i < n && backoff < s.cfg.BillingMaxMs; i++ {
					backoff *= 2
				}
				if backoff > s.cfg.BillingMaxMs {
					backoff = s.cfg.BillingMaxMs
				}
				u.DisabledUntil = now + backoff
				u.DisabledReason = string(FailureBilling)
				slog.Warn("authprofiles.disabled",
					"profile", id, "reason", reason, "until_ms", u.DisabledUntil)
			}
			return nil
		}

		if !windowActive {
			u.CooldownUntil = now + cooldownMs(u.ErrorCount)
			slog.Info("authprofiles.cooldown",
				"profile", id, "reason", reason,
				"error_count", u.ErrorCount, "until_ms", u.CooldownUntil)
		}
		return nil
	})
}

// cooldownMs computes the non-billing cooldown: 60s·5^min(n-1,3), capped at
// one hour.
func cooldownMs(errorCount int) int64 {
	exp := errorCount - 1
	if exp > 3 {
		exp = 3
	}
	ms := int64(60_000)
	for i := 0; i < exp; i++ {
		ms *= 5
	}
	if max := time.Hour.Milliseconds(); ms > max {
		ms = max
	}
	return ms
}

// ClearExpiredCooldowns clears windows whose deadline passed; when no window
// remains the failure counters reset too, while lastFailureAt is preserved
// for decay bookkeeping.
func (s *Store) ClearExpiredCooldowns(ctx context.Context) error {
	return s.update(ctx, func(f *storeFile) error {
		now := s.nowMs()
		for id, u := range f.UsageStats {
			changed := false
			if u.CooldownUntil > 0 && u.CooldownUntil <= now {
				u.CooldownUntil = 0
				changed = true
			}
			if u.DisabledUntil > 0 && u.DisabledUntil <= now {
				u.DisabledUntil = 0
				u.DisabledReason = ""
				changed = true
			}
			if changed && u.UnusableUntil() == 0 {
				u.ErrorCount = 0
				u.FailureCounts = nil
				slog.Debug("authprofiles.cooldown_cleared", "profile", id)
			}
		}
		return nil
	})
}
