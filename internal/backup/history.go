package backup

import (
	"fmt"
	"time"
)

// ScheduleRun builds the history entry for one schedule firing.
func ScheduleRun(s Schedule, out Outcome) Run {
	r := Run{
		At:         out.StartedAt,
		Kind:       RunSchedule,
		ScheduleID: s.ID,
		Name:       s.Label(),
		Succeeded:  out.Succeeded,
		Total:      out.Total,
		Success:    out.Success,
		TookMS:     out.FinishedAt.Sub(out.StartedAt).Milliseconds(),
	}
	if out.Total == 0 {
		r.Error = ErrNoVolumes.Error()
	}
	return r
}

// ManualRun builds the history entry for an on-demand batch.
func ManualRun(out Outcome) Run {
	return Run{
		At:        out.StartedAt,
		Kind:      RunManual,
		Name:      string(out.BackupType),
		Succeeded: out.Succeeded,
		Total:     out.Total,
		Success:   out.Success,
		TookMS:    out.FinishedAt.Sub(out.StartedAt).Milliseconds(),
	}
}

// CleanupRun builds the history entry for a retention pass. Total counts
// deletion attempts.
func CleanupRun(rep CleanupReport, started time.Time, took time.Duration) Run {
	return Run{
		At:        started,
		Kind:      RunCleanup,
		Name:      fmt.Sprintf("cleanup (%s)", rep.Mode),
		Succeeded: rep.DeletedCount,
		Total:     rep.DeletedCount + len(rep.Failed),
		Success:   rep.Success,
		Error:     rep.Error,
		TookMS:    took.Milliseconds(),
	}
}
