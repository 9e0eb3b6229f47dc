package authprofiles

// Selection is the result of picking a profile for a provider.
type Selection struct {
	ProfileID string
	Profile   *Profile
}

// Unavailable explains why no profile could be selected.
type Unavailable struct {
	Reason  FailureReason
	RetryAt int64 // ms epoch of the soonest window expiry; 0 when no profiles exist
}

// SelectOptions tune selection.
type SelectOptions struct {
	// Bypass skips the usability check, returning the first profile even
	// inside an active window.
	Bypass bool
}

// bypassProviders skip window checks unconditionally: openrouter rotates
// upstream keys itself, so local cooldowns would only hide capacity.
var bypassProviders = map[string]bool{"openrouter": true}

// Select returns the first usable profile for provider in configured order,
// or an Unavailable describing when and why retry makes sense.
func (s *Store) Select(provider string, opts SelectOptions) (*Selection, *Unavailable, error) {
	f, err := s.read()
	if err != nil {
		return nil, nil, err
	}

	refs := f.profilesFor(provider)
	if len(refs) == 0 {
		return nil, &Unavailable{Reason: FailureUnknown}, nil
	}

	bypass := opts.Bypass || bypassProviders[provider]
	now := s.nowMs()

	for _, ref := range refs {
		if bypass || ref.Stats.UnusableUntil() <= now {
			return &Selection{ProfileID: ref.ID, Profile: ref.Profile}, nil, nil
		}
	}

	return nil, summarizeUnavailable(refs, now), nil
}

// summarizeUnavailable picks the dominant failure reason across all
// candidate profiles and the soonest retry instant.
func summarizeUnavailable(refs []profileRef, now int64) *Unavailable {
	scores := map[FailureReason]int{}
	var retryAt int64

	for _, ref := range refs {
		until := ref.Stats.UnusableUntil()
		if until > now && (retryAt == 0 || until < retryAt) {
			retryAt = until
		}
		// An active disable window dominates any counter.
		if ref.Stats.DisabledUntil > now && ref.Stats.DisabledReason != "" {
			scores[FailureReason(ref.Stats.DisabledReason)] += 1000
		}
		for reason, count := range ref.Stats.FailureCounts {
			scores[reason] += count
		}
	}

	reason := FailureRateLimit
	best := 0
	for _, candidate := range failurePriority {
		if scores[candidate] > best {
			best = scores[candidate]
			reason = candidate
		}
	}

	return &Unavailable{Reason: reason, RetryAt: retryAt}
}
