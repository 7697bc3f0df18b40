package clock

import (
	"sync"
	"time"
)

// Clock is a monotonic time source.  Now is measured from an arbitrary epoch
// so only differences are meaningful.
type Clock interface {
	Now() time.Duration
	Sleep(d time.Duration)
}

type System struct {
	epoch time.Time
}

func NewSystem() *System {
	return &System{epoch: time.Now()}
}

// Now uses the monotonic reading carried by time.Time, so wall clock jumps
// don't disturb step pacing.
func (s *System) Now() time.Duration {
	return time.Since(s.epoch)
}

func (s *System) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Fake only moves when told to.  Sleep advances it immediately.
type Fake struct {
	lock sync.Mutex
	now  time.Duration
}

func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) Now() time.Duration {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.now
}

func (f *Fake) Sleep(d time.Duration) {
	f.Advance(d)
}

func (f *Fake) Advance(d time.Duration) {
	f.lock.Lock()
	f.now += d
	f.lock.Unlock()
}

var (
	_ Clock = (*System)(nil)
	_ Clock = (*Fake)(nil)
)
