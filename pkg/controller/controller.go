package controller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/tigerbot-team/drmd/pkg/acquisition"
	"github.com/tigerbot-team/drmd/pkg/clock"
	"github.com/tigerbot-team/drmd/pkg/command"
	"github.com/tigerbot-team/drmd/pkg/config"
	"github.com/tigerbot-team/drmd/pkg/hardware"
	"github.com/tigerbot-team/drmd/pkg/motion"
	"github.com/tigerbot-team/drmd/pkg/status"
)

// StatusInterval limits how often position is published while moving.
const StatusInterval = 100 * time.Millisecond

var (
	ErrSpeedOutOfRange = errors.New("speed out of range")
	ErrBelowResolution = errors.New("distance below resolution")
	ErrOutOfTravel     = errors.New("target outside travel range")
	ErrDriverFault     = errors.New("motor driver reports a fault")
)

type CommandSource interface {
	// NextCommand blocks until the operator has entered something.
	NextCommand() (command.Command, error)
}

type Options struct {
	Clock  clock.Clock
	Board  *status.Board
	Logger *slog.Logger
	// Out receives operator-facing lines.
	Out io.Writer
	// Exit terminates the process; replaced in tests.
	Exit func(code int)
	// Wall timestamps measurements for the displays.  Clock is monotonic
	// and only paces motion, so it can't serve here.
	Wall func() time.Time
}

// Controller is the instrument's cooperative scheduler.  Run owns it; the
// only thing another goroutine may call is Interrupt.
type Controller struct {
	cfg      config.Config
	hw       *hardware.Hardware
	engine   *motion.Engine
	window   acquisition.Window
	commands CommandSource

	clock clock.Clock
	board *status.Board
	log   *slog.Logger
	out   io.Writer
	exit  func(code int)
	wall  func() time.Time

	mode      atomic.Int32
	cancelled atomic.Bool
	done      bool

	speedRPM        uint
	lastStatus      time.Duration
	lastMeasurement float64
	haveMeasurement bool
}

func New(cfg config.Config, hw *hardware.Hardware, commands CommandSource, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if opts.Board == nil {
		opts.Board = status.NewBoard()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	if opts.Wall == nil {
		opts.Wall = time.Now
	}
	c := &Controller{
		cfg:      cfg,
		hw:       hw,
		engine:   motion.New(hw.Pins, hw.MotionLines(), opts.Clock),
		commands: commands,
		clock:    opts.Clock,
		board:    opts.Board,
		log:      opts.Logger,
		out:      opts.Out,
		exit:     opts.Exit,
		wall:     opts.Wall,
		speedRPM: cfg.Motion.DefaultRPM,
	}
	c.board.Update(func(s *status.Snapshot) {
		s.Mode = Idle.String()
		s.SpeedRPM = c.speedRPM
		s.UVLED = cfg.Acquisition.UVLEDAtStart
	})
	return c
}

func (c *Controller) Mode() Mode {
	return Mode(c.mode.Load())
}

// Position is the open-loop carriage position in mm.
func (c *Controller) Position() float64 {
	return c.cfg.MicrostepsToMM(c.engine.Position())
}

// Run ticks until the operator exits, input ends or ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	c.log.Info("Control loop started", "mode", c.Mode())
	for !c.done {
		if ctx.Err() != nil {
			c.log.Info("Context done, shutting down", "mode", c.Mode())
			c.forceIdle()
			c.Shutdown()
			return ctx.Err()
		}
		if err := c.Tick(); err != nil {
			c.Shutdown()
			return err
		}
	}
	return nil
}

// Tick is one scheduler iteration: consume a pending cancellation, then do
// one bounded unit of work for the current mode.
func (c *Controller) Tick() error {
	if c.cancelled.Swap(false) {
		c.forceIdle()
	}
	switch c.Mode() {
	case Idle:
		return c.tickIdle()
	case Acquiring:
		c.tickAcquiring()
	case Moving:
		c.tickMoving()
	}
	return nil
}

// Interrupt is the asynchronous cancellation entry point (Ctrl+C).  At rest
// it quits.  Otherwise it does the minimum that can't wait for the next
// tick and leaves the rest to the control loop.
func (c *Controller) Interrupt() {
	switch c.Mode() {
	case Idle:
		c.log.Info("Interrupt while idle, shutting down")
		fmt.Fprintln(c.out)
		c.Shutdown()
		c.exit(0)
	case Moving:
		if err := c.engine.Disable(); err != nil {
			c.log.Error("Failed to disable motor driver", "err", err)
		}
		c.cancelled.Store(true)
	case Acquiring:
		c.cancelled.Store(true)
	}
}

// Shutdown restores all lines to their safe state.  Safe to call repeatedly.
func (c *Controller) Shutdown() {
	if err := c.hw.Shutdown(); err != nil {
		c.log.Error("Shutdown incomplete", "err", err)
	}
}

func (c *Controller) forceIdle() {
	switch c.Mode() {
	case Moving:
		if err := c.engine.Halt(); err != nil {
			c.log.Error("Failed to halt motion", "err", err)
		}
		c.publishPosition()
		c.printf("move cancelled at %.3f mm", c.Position())
	case Acquiring:
		c.window.Reset()
		c.printf("reading stopped")
	}
	c.transition(EventCancel)
}

func (c *Controller) transition(e Event) {
	from := c.Mode()
	to := Next(from, e)
	if to == from {
		return
	}
	c.mode.Store(int32(to))
	c.board.SetMode(to.String())
	c.log.Debug("Mode change", "from", from, "to", to, "event", e)
}

func (c *Controller) tickAcquiring() {
	raw, err := c.hw.Sensor.ReadSample()
	if err != nil {
		c.log.Debug("Sensor read failed, sample dropped", "err", err)
	}
	pct, ok := c.window.Sample(raw, err)
	if !ok {
		return
	}
	c.lastMeasurement, c.haveMeasurement = pct, true
	c.board.SetMeasurement(pct, c.wall())
	c.printf("%.2f%%", pct)
	if !c.cfg.Acquisition.Continuous {
		c.transition(EventWindowDone)
	}
}

func (c *Controller) tickMoving() {
	pulsed, arrived, err := c.engine.Advance()
	if err != nil {
		c.log.Error("Step generation failed", "err", err)
		if err := c.engine.Halt(); err != nil {
			c.log.Error("Failed to halt motion", "err", err)
		}
		c.publishPosition()
		c.printf("error: move aborted at %.3f mm: %v", c.Position(), err)
		c.transition(EventFault)
		return
	}
	if arrived {
		c.publishPosition()
		c.printf("arrived at %.3f mm", c.Position())
		c.transition(EventArrived)
		return
	}
	if pulsed {
		if now := c.clock.Now(); now-c.lastStatus >= StatusInterval {
			c.lastStatus = now
			c.publishPosition()
		}
	}
}

func (c *Controller) publishPosition() {
	c.board.SetPosition(c.Position(), c.cfg.MicrostepsToMM(c.engine.Target()))
}

func (c *Controller) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.out, format+"\n", args...)
}

// ValidateMove checks a relative move against the configured limits and
// returns it in microsteps.
func (c *Controller) ValidateMove(distanceMM float64, rpm uint) (int64, error) {
	m := c.cfg.Motion
	if err := c.validateSpeed(rpm); err != nil {
		return 0, err
	}
	if math.Abs(distanceMM) < m.MinTravelMM {
		return 0, errors.Wrapf(ErrBelowResolution, "%g mm is less than %g mm", distanceMM, m.MinTravelMM)
	}
	steps := c.cfg.MMToMicrosteps(distanceMM)
	const slack = 1e-9
	target := c.cfg.MicrostepsToMM(c.engine.Position() + steps)
	if target < m.MinPositionMM-slack || target > m.MaxPositionMM+slack {
		return 0, errors.Wrapf(ErrOutOfTravel, "%.3f mm not in [%g, %g]", target, m.MinPositionMM, m.MaxPositionMM)
	}
	return steps, nil
}

func (c *Controller) validateSpeed(rpm uint) error {
	m := c.cfg.Motion
	if rpm < m.MinRPM || rpm > m.MaxRPM {
		return errors.Wrapf(ErrSpeedOutOfRange, "%d rpm not in [%d, %d]", rpm, m.MinRPM, m.MaxRPM)
	}
	return nil
}
