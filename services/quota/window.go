package quota

import (
	"fmt"
	"strconv"
	"time"
)

// WindowKind selects how a counter window is aligned
type WindowKind string

const (
	WindowDay     WindowKind = "day"
	WindowMonth   WindowKind = "month"
	WindowSeconds WindowKind = "seconds"
)

// Window is an aligned counting period. Boundaries come from the calendar (UTC)
// or from fixed epoch-aligned buckets, never from the time of first use.
type Window struct {
	Kind    WindowKind
	Seconds int64
}

// Daily returns the UTC-day window
func Daily() Window { return Window{Kind: WindowDay} }

// Monthly returns the UTC-month window
func Monthly() Window { return Window{Kind: WindowMonth} }

// Every returns an epoch-aligned window of d
func Every(d time.Duration) Window {
	return Window{Kind: WindowSeconds, Seconds: int64(d / time.Second)}
}

// Validate rejects windows that cannot be bucketed
func (w Window) Validate() error {
	switch w.Kind {
	case WindowDay, WindowMonth:
		return nil
	case WindowSeconds:
		if w.Seconds <= 0 {
			return fmt.Errorf("window seconds must be positive, got %d", w.Seconds)
		}
		return nil
	}
	return fmt.Errorf("unknown window kind %q", w.Kind)
}

// Bounds returns the start and exclusive end of the window containing now
func (w Window) Bounds(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	switch w.Kind {
	case WindowMonth:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	case WindowSeconds:
		size := w.Seconds
		if size <= 0 {
			size = 1
		}
		startUnix := now.Unix() - now.Unix()%size
		start := time.Unix(startUnix, 0).UTC()
		return start, start.Add(time.Duration(size) * time.Second)
	default:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	}
}

// PeriodKey identifies the window containing now
func (w Window) PeriodKey(now time.Time) string {
	now = now.UTC()
	switch w.Kind {
	case WindowMonth:
		return now.Format("2006-01")
	case WindowSeconds:
		start, _ := w.Bounds(now)
		return strconv.FormatInt(start.Unix(), 10)
	default:
		return now.Format("2006-01-02")
	}
}

// String renders the window for logs and storage keys
func (w Window) String() string {
	if w.Kind == WindowSeconds {
		return fmt.Sprintf("%ds", w.Seconds)
	}
	return string(w.Kind)
}
