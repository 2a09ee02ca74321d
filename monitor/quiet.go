package monitor

import "time"

// QuietWindow is a daily local-time blackout range expressed in minutes
// since midnight. Overnight windows (start > end) wrap past midnight.
// Start == End means the window is disabled.
type QuietWindow struct {
	Start int
	End   int
}

// Enabled reports whether the window covers any time at all.
func (w QuietWindow) Enabled() bool {
	return w.Start != w.End
}

// Contains reports whether t (already in the schedule's timezone) falls
// inside the window. The start minute is inclusive, the end minute is not.
func (w QuietWindow) Contains(t time.Time) bool {
	minutes := t.Hour()*60 + t.Minute()
	switch {
	case w.Start < w.End:
		return minutes >= w.Start && minutes < w.End
	case w.Start > w.End:
		return minutes >= w.Start || minutes < w.End
	default:
		return false
	}
}

// UntilEnd returns how long from t until the window ends, or zero when t is
// outside the window.
func (w QuietWindow) UntilEnd(t time.Time) time.Duration {
	if !w.Contains(t) {
		return 0
	}

	end := time.Date(t.Year(), t.Month(), t.Day(), w.End/60, w.End%60, 0, 0, t.Location())
	if w.Start > w.End {
		// Overnight window: before midnight the end is tomorrow.
		minutes := t.Hour()*60 + t.Minute()
		if minutes >= w.Start {
			end = end.AddDate(0, 0, 1)
		}
	}

	d := end.Sub(t)
	if d < 0 {
		return 0
	}
	return d
}
