package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
)

// Clock supplies the current instant and the configured local civil zone.
// All civil-time windows (peak, slot boundaries) are evaluated in the local
// zone; persisted timestamps are always UTC.
type Clock interface {
	// Now returns the current instant in UTC.
	Now() time.Time

	// Location returns the configured local timezone.
	Location() *time.Location
}

// Configured sets up the wall clock from the timezone flag.
func Configured() Clock {
	c := &wallClock{location: time.UTC}
	tz := lflag.String("timezone", "Europe/London", "IANA timezone for civil-time windows")

	lflag.Do(func() {
		loc, err := time.LoadLocation(*tz)
		if err != nil {
			panic(fmt.Errorf("failed to load timezone %q: %w", *tz, err))
		}
		c.location = loc
	})

	return c
}

type wallClock struct {
	location *time.Location
}

func (c *wallClock) Now() time.Time {
	return time.Now().UTC()
}

func (c *wallClock) Location() *time.Location {
	return c.location
}

// Local returns the clock's current instant in its local zone.
func Local(c Clock) time.Time {
	return c.Now().In(c.Location())
}

// Fake is a settable clock. This is primarily used for testing.
type Fake struct {
	mu  sync.Mutex
	now time.Time
	loc *time.Location
}

// NewFake returns a Fake pinned to now in loc.
func NewFake(now time.Time, loc *time.Location) *Fake {
	return &Fake{now: now.UTC(), loc: loc}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Location() *time.Location {
	return f.loc
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// SetNow pins the fake clock to t.
func (f *Fake) SetNow(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}
