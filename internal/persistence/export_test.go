package persistence

import (
	"sync"
	"time"
)

// FakeClock is a settable clock shared by the package's tests.
type FakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewFakeClock() *FakeClock {
	return &FakeClock{t: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// SetFailpoint installs a hook consulted at named steps inside transactions.
func (s *Store) SetFailpoint(f func(name string) error) {
	s.failpoint = f
}
