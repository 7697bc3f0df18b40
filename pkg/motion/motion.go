package motion

import (
	"fmt"
	"time"

	"periph.io/x/periph/conn/gpio"

	"github.com/tigerbot-team/drmd/pkg/clock"
	"github.com/tigerbot-team/drmd/pkg/pins"
)

const (
	FullStepsPerRev  = 200
	MicrostepDivisor = 32

	MicrostepsPerRev = FullStepsPerRev * MicrostepDivisor

	// MinStepPulse is the shortest time the step line may stay asserted.
	MinStepPulse = 5 * time.Microsecond

	nsPerMinute = uint64(60 * time.Second)
)

// Driver line polarities (DRV8825).
const (
	EnableActive   = gpio.Low
	EnableInactive = gpio.High

	DirForward = gpio.Low
	DirReverse = gpio.High
)

// StepInterval is the time between rising edges of the step line at the given
// speed.  rpm must be non-zero.
func StepInterval(rpm uint, microstepsPerRev uint) time.Duration {
	if rpm == 0 || microstepsPerRev == 0 {
		panic(fmt.Sprintf("motion: invalid step rate rpm=%d microsteps/rev=%d", rpm, microstepsPerRev))
	}
	return time.Duration(nsPerMinute / (uint64(rpm) * uint64(microstepsPerRev)))
}

// Lines names the driver pins the engine drives.
type Lines struct {
	Step   string
	Dir    string
	Enable string
}

// Engine generates step pulses without ever sleeping: each call to Advance
// looks at the clock and does at most one edge's worth of work.
type Engine struct {
	pins  pins.Interface
	clock clock.Clock
	lines Lines

	target   int64
	current  int64
	interval time.Duration

	stepHigh bool
	haveEdge bool
	lastEdge time.Duration
	dir      gpio.Level
}

func New(p pins.Interface, lines Lines, clk clock.Clock) *Engine {
	return &Engine{
		pins:  p,
		clock: clk,
		lines: lines,
		dir:   DirForward,
	}
}

// Start arms a move towards target at the given speed.  It writes DIR
// straight away so the line has settled before the first pulse.
func (e *Engine) Start(target int64, rpm uint) error {
	e.interval = StepInterval(rpm, MicrostepsPerRev)
	e.target = target
	e.haveEdge = false
	if e.stepHigh {
		// Left over from a cancelled move; the driver has been off since.
		if err := e.pins.Write(e.lines.Step, gpio.Low); err != nil {
			return err
		}
		e.stepHigh = false
	}
	return e.setDir(e.directionTo(target))
}

func (e *Engine) Enable() error {
	return e.pins.Write(e.lines.Enable, EnableActive)
}

// Disable only touches the enable line, so it is safe to call from the
// interrupt path while the main loop is mid-tick.
func (e *Engine) Disable() error {
	return e.pins.Write(e.lines.Enable, EnableInactive)
}

// Advance is called once per scheduler tick while moving.
func (e *Engine) Advance() (pulsed, arrived bool, err error) {
	now := e.clock.Now()

	if e.current == e.target {
		if e.stepHigh {
			if !e.pulseComplete(now) {
				// Never disable the driver mid-pulse.
				return false, false, nil
			}
			if err = e.pins.Write(e.lines.Step, gpio.Low); err != nil {
				return
			}
			e.stepHigh = false
		}
		err = e.Disable()
		return false, true, err
	}

	if !e.haveEdge {
		e.lastEdge = now
		e.haveEdge = true
	}
	elapsed := now - e.lastEdge

	switch {
	case elapsed >= e.interval && e.stepHigh:
		// We overslept the de-assert window; drop the line this tick and
		// pulse on the next so the driver sees a clean low.
		err = e.pins.Write(e.lines.Step, gpio.Low)
		e.stepHigh = false
	case elapsed >= e.interval:
		dir := e.directionTo(e.target)
		if dir != e.dir {
			if err = e.setDir(dir); err != nil {
				return
			}
		}
		if err = e.pins.Write(e.lines.Step, gpio.High); err != nil {
			return
		}
		if dir == DirForward {
			e.current++
		} else {
			e.current--
		}
		e.stepHigh = true
		e.lastEdge = now
		pulsed = true
	case e.stepHigh && e.pulseComplete(now):
		err = e.pins.Write(e.lines.Step, gpio.Low)
		e.stepHigh = false
	}
	return
}

func (e *Engine) pulseComplete(now time.Duration) bool {
	elapsed := now - e.lastEdge
	return elapsed >= e.interval/2 && elapsed >= MinStepPulse
}

// Halt abandons the current move.  A step pulse that has not yet met its
// minimum width is held for the remainder (at most half an interval) and
// then dropped, so STEP is always low once Halt returns.
func (e *Engine) Halt() error {
	if e.stepHigh {
		now := e.clock.Now()
		if !e.pulseComplete(now) {
			e.clock.Sleep(e.pulseRemaining(now))
		}
		if err := e.pins.Write(e.lines.Step, gpio.Low); err != nil {
			return err
		}
		e.stepHigh = false
	}
	e.target = e.current
	return e.Disable()
}

func (e *Engine) pulseRemaining(now time.Duration) time.Duration {
	width := e.interval / 2
	if width < MinStepPulse {
		width = MinStepPulse
	}
	return width - (now - e.lastEdge)
}

func (e *Engine) directionTo(target int64) gpio.Level {
	if target < e.current {
		return DirReverse
	}
	return DirForward
}

func (e *Engine) setDir(l gpio.Level) error {
	if err := e.pins.Write(e.lines.Dir, l); err != nil {
		return err
	}
	e.dir = l
	return nil
}

func (e *Engine) Position() int64 {
	return e.current
}

func (e *Engine) Target() int64 {
	return e.target
}

func (e *Engine) Remaining() int64 {
	d := e.target - e.current
	if d < 0 {
		return -d
	}
	return d
}

func (e *Engine) Interval() time.Duration {
	return e.interval
}

func (e *Engine) StepAsserted() bool {
	return e.stepHigh
}
