package clock

import "time"

// Window is a period of local clock time without date information, e.g.
// "4pm to 6pm". It must not cross midnight.
type Window struct {
	StartHour   int
	StartMinute int
	EndHour     int
	EndMinute   int
}

// Contains reports whether t falls inside the window on t's own day,
// evaluated in loc. The window is inclusive of the start and exclusive of
// the end, so t equal to the window end is outside.
func (w Window) Contains(t time.Time, loc *time.Location) bool {
	t = t.In(loc)
	year, month, day := t.Date()
	start := time.Date(year, month, day, w.StartHour, w.StartMinute, 0, 0, loc)
	end := time.Date(year, month, day, w.EndHour, w.EndMinute, 0, 0, loc)
	return !t.Before(start) && t.Before(end)
}
