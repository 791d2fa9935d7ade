package conflict

import (
	"context"

	"loom/internal/fileutil"
	"loom/internal/logging"
)

const recentConflicts = 10

// Stats summarises the audit log.
type Stats struct {
	Total        int            `json:"total_conflicts"`
	Resolved     int            `json:"resolved_conflicts"`
	ByType       map[string]int `json:"by_type"`
	ByResolution map[string]int `json:"by_resolution"`
	Recent       []Conflict     `json:"recent_conflicts"`
}

func (r *Resolver) appendLog(ctx context.Context, entries []Conflict) error {
	if len(entries) == 0 {
		return nil
	}
	return r.locks.WithFileLock(ctx, r.logPath, r.lockTimeout, func() error {
		log, err := r.readLog()
		if err != nil {
			logging.WarnWithContext(r.logger, "conflict log unreadable; starting a new one", "conflict_log_corrupt",
				logging.Error(err),
				logging.String(logging.FieldImpact, "earlier conflict history is discarded"),
			)
			log = nil
		}
		log = append(log, entries...)
		if over := len(log) - r.logLimit; over > 0 {
			log = log[over:]
		}
		return fileutil.WriteJSON(r.logPath, log)
	})
}

func (r *Resolver) readLog() ([]Conflict, error) {
	var log []Conflict
	if _, err := fileutil.ReadJSON(r.logPath, &log); err != nil {
		return nil, err
	}
	return log, nil
}

// Log returns the audit log, oldest first.
func (r *Resolver) Log() ([]Conflict, error) {
	return r.readLog()
}

// Stats counts logged conflicts by type and by resolution and returns the
// most recent entries.
func (r *Resolver) Stats() (Stats, error) {
	stats := Stats{ByType: map[string]int{}, ByResolution: map[string]int{}}
	log, err := r.readLog()
	if err != nil {
		return stats, err
	}
	stats.Total = len(log)
	for _, entry := range log {
		stats.ByType[entry.Type.String()]++
		if entry.Resolved {
			stats.Resolved++
		}
		if entry.Resolution != "" {
			stats.ByResolution[string(entry.Resolution)]++
		}
	}
	start := len(log) - recentConflicts
	if start < 0 {
		start = 0
	}
	stats.Recent = append([]Conflict(nil), log[start:]...)
	return stats, nil
}
