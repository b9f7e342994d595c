package backup

import (
	logx "backupd/pkg/logx"
	"time"
)

// DefaultWindow is the symmetric tolerance around a schedule's target minute.
const DefaultWindow = 5 * time.Minute

// Trigger decides whether a schedule fires at a given moment.
//
// Location is the zone schedule times are interpreted in; nil means the zone
// of the instant being evaluated.
type Trigger struct {
	Window   time.Duration
	Location *time.Location

	log logx.Logger
}

func NewTrigger(window time.Duration, loc *time.Location, log logx.Logger) *Trigger {
	if window <= 0 {
		window = DefaultWindow
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Trigger{Window: window, Location: loc, log: log}
}

// ShouldFire evaluates s with the default window in now's own zone.
func ShouldFire(s Schedule, now time.Time) bool {
	return NewTrigger(DefaultWindow, nil, logx.Nop()).ShouldFire(s, now)
}

// ShouldFire reports whether s is due at now. It does not look at LastRun.
func (t *Trigger) ShouldFire(s Schedule, now time.Time) bool {
	if !s.Enabled {
		return false
	}
	now = t.local(now)
	scheduled, err := t.ScheduledMoment(s, now)
	if err != nil {
		t.log.Error("invalid schedule time", logx.String("schedule", s.ID), logx.String("schedule_time", s.ScheduleTime), logx.Err(err))
		return false
	}

	switch s.ScheduleType {
	case ScheduleDaily:
		return t.within(now, scheduled)
	case ScheduleWeekly:
		if !containsDay(s.Weekdays, ISOWeekday(now)) {
			return false
		}
		return t.within(now, scheduled)
	default:
		return false
	}
}

// AlreadyFired reports whether LastRun falls inside the firing window around
// today's scheduled moment, i.e. the current occurrence has already run.
func (t *Trigger) AlreadyFired(s Schedule, now time.Time) bool {
	if s.LastRun == nil {
		return false
	}
	now = t.local(now)
	scheduled, err := t.ScheduledMoment(s, now)
	if err != nil {
		return false
	}
	return t.within(t.local(*s.LastRun), scheduled)
}

// ScheduledMoment is now with its clock replaced by the schedule's HH:MM:00.0,
// on the same calendar day.
func (t *Trigger) ScheduledMoment(s Schedule, now time.Time) (time.Time, error) {
	h, m, err := ParseTimeOfDay(s.ScheduleTime)
	if err != nil {
		return time.Time{}, err
	}
	now = t.local(now)
	return time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, now.Location()), nil
}

func (t *Trigger) within(now, scheduled time.Time) bool {
	d := now.Sub(scheduled)
	if d < 0 {
		d = -d
	}
	return d <= t.Window
}

func (t *Trigger) local(ts time.Time) time.Time {
	if t.Location != nil {
		return ts.In(t.Location)
	}
	return ts
}

// ISOWeekday maps time.Weekday to ISO numbering (Monday=1 ... Sunday=7).
func ISOWeekday(ts time.Time) int {
	wd := int(ts.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

func containsDay(days []int, d int) bool {
	for _, x := range days {
		if x == d {
			return true
		}
	}
	return false
}
