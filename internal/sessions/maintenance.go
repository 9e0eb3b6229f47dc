package sessions

import (
	"log/slog"
	"os"
	"sort"
)

// MaintenanceMode selects whether maintenance only reports or also mutates.
type MaintenanceMode string

const (
	MaintenanceWarn    MaintenanceMode = "warn"
	MaintenanceEnforce MaintenanceMode = "enforce"
)

// MaintenanceConfig bounds the session store.
type MaintenanceConfig struct {
	Mode         MaintenanceMode `json:"mode,omitempty"`
	PruneAfterMs int64           `json:"pruneAfterMs,omitempty"` // drop entries idle longer than this
	MaxEntries   int             `json:"maxEntries,omitempty"`   // cap, evicting oldest UpdatedAt
	MaxDiskBytes int64           `json:"maxDiskBytes,omitempty"` // transcript disk budget
}

// MaintenanceReport summarizes one maintenance pass.
type MaintenanceReport struct {
	Pruned             int
	Evicted            int
	TranscriptsDeleted int
}

// Any reports whether the pass did (or would do) anything.
func (r MaintenanceReport) Any() bool {
	return r.Pruned > 0 || r.Evicted > 0 || r.TranscriptsDeleted > 0
}

// applyMaintenance enforces prune/cap/disk-budget rules on entries. The
// active key is always exempt. In warn mode nothing is mutated; the report
// counts what enforce mode would have done.
func applyMaintenance(entries map[string]*Entry, activeKey string, cfg MaintenanceConfig, nowMs int64) MaintenanceReport {
	var report MaintenanceReport
	enforce := cfg.Mode == MaintenanceEnforce

	// (a) prune idle entries
	if cfg.PruneAfterMs > 0 {
		for key, e := range entries {
			if key == activeKey {
				continue
			}
			if nowMs-e.UpdatedAt > cfg.PruneAfterMs {
				report.Pruned++
				if enforce {
					removeTranscript(e)
					delete(entries, key)
				}
			}
		}
	}

	// (b) cap entry count, evicting the oldest first
	if cfg.MaxEntries > 0 && len(entries) > cfg.MaxEntries {
		type aged struct {
			key string
			at  int64
		}
		candidates := make([]aged, 0, len(entries))
		for key, e := range entries {
			if key == activeKey {
				continue
			}
			candidates = append(candidates, aged{key, e.UpdatedAt})
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].at < candidates[j].at })

		excess := len(entries) - cfg.MaxEntries
		for i := 0; i < excess && i < len(candidates); i++ {
			report.Evicted++
			if enforce {
				removeTranscript(entries[candidates[i].key])
				delete(entries, candidates[i].key)
			}
		}
	}

	// (c) transcript disk budget: delete oldest transcript files until under
	// budget. Entries stay; only their transcripts go.
	if cfg.MaxDiskBytes > 0 {
		type transcript struct {
			entry *Entry
			key   string
			size  int64
			at    int64
		}
		var files []transcript
		var total int64
		for key, e := range entries {
			if e.SessionFile == "" {
				continue
			}
			fi, err := os.Stat(e.SessionFile)
			if err != nil {
				continue
			}
			files = append(files, transcript{e, key, fi.Size(), e.UpdatedAt})
			total += fi.Size()
		}
		if total > cfg.MaxDiskBytes {
			sort.Slice(files, func(i, j int) bool { return files[i].at < files[j].at })
			for _, f := range files {
				if total <= cfg.MaxDiskBytes {
					break
				}
				if f.key == activeKey {
					continue
				}
				report.TranscriptsDeleted++
				total -= f.size
				if enforce {
					if err := os.Remove(f.entry.SessionFile); err != nil && !os.IsNotExist(err) {
						slog.Warn("sessions.transcript_delete_failed", "file", f.entry.SessionFile, "error", err)
					}
					f.entry.SessionFile = ""
				}
			}
		}
	}

	return report
}

func removeTranscript(e *Entry) {
	if e.SessionFile == "" {
		return
	}
	if err := os.Remove(e.SessionFile); err != nil && !os.IsNotExist(err) {
		slog.Warn("sessions.transcript_delete_failed", "file", e.SessionFile, "error", err)
	}
}
