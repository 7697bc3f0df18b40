package status

import (
	"sync"
	"time"
)

// Snapshot is what the operator displays show.
type Snapshot struct {
	Mode           string    `json:"mode"`
	PositionMM     float64   `json:"position_mm"`
	TargetMM       float64   `json:"target_mm"`
	SpeedRPM       uint      `json:"speed_rpm"`
	Measurement    float64   `json:"measurement_pct"`
	HasMeasurement bool      `json:"has_measurement"`
	MeasuredAt     time.Time `json:"measured_at,omitempty"`
	Pump           bool      `json:"pump"`
	UVLED          bool      `json:"uv_led"`
	FluorLED       bool      `json:"fluor_led"`
}

// Board holds the latest Snapshot.  Updates never block the writer: a
// subscriber that isn't keeping up just misses intermediate snapshots.
type Board struct {
	lock sync.Mutex
	snap Snapshot
	subs map[chan Snapshot]struct{}
}

func NewBoard() *Board {
	return &Board{
		snap: Snapshot{Mode: "idle"},
		subs: map[chan Snapshot]struct{}{},
	}
}

func (b *Board) Snapshot() Snapshot {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.snap
}

// Update applies f to the current snapshot and notifies subscribers.
func (b *Board) Update(f func(s *Snapshot)) {
	b.lock.Lock()
	defer b.lock.Unlock()
	f(&b.snap)
	for c := range b.subs {
		select {
		case c <- b.snap:
		default:
		}
	}
}

func (b *Board) SetMode(mode string) {
	b.Update(func(s *Snapshot) { s.Mode = mode })
}

func (b *Board) SetPosition(positionMM, targetMM float64) {
	b.Update(func(s *Snapshot) {
		s.PositionMM = positionMM
		s.TargetMM = targetMM
	})
}

func (b *Board) SetMeasurement(pct float64, at time.Time) {
	b.Update(func(s *Snapshot) {
		s.Measurement = pct
		s.HasMeasurement = true
		s.MeasuredAt = at
	})
}

// Subscribe returns a channel that receives the current snapshot straight
// away and then every update.
func (b *Board) Subscribe(buf int) <-chan Snapshot {
	if buf < 1 {
		buf = 1
	}
	c := make(chan Snapshot, buf)
	b.lock.Lock()
	c <- b.snap
	b.subs[c] = struct{}{}
	b.lock.Unlock()
	return c
}

func (b *Board) Unsubscribe(c <-chan Snapshot) {
	b.lock.Lock()
	defer b.lock.Unlock()
	for s := range b.subs {
		if s == c {
			delete(b.subs, s)
			close(s)
			return
		}
	}
}
