package controller

import (
	"io"

	"github.com/pkg/errors"

	"github.com/tigerbot-team/drmd/pkg/command"
	"github.com/tigerbot-team/drmd/pkg/status"
)

// tickIdle is the only place the loop may block indefinitely: it waits for
// one operator command and dispatches it.
func (c *Controller) tickIdle() error {
	cmd, err := c.commands.NextCommand()
	if errors.Is(err, io.EOF) {
		c.printf("")
		c.log.Info("Operator input closed, shutting down")
		c.Shutdown()
		c.done = true
		return nil
	}
	if err != nil {
		if isParseError(err) {
			c.printf("error: %v", err)
			return nil
		}
		return errors.Wrap(err, "reading operator input")
	}

	switch cmd.Kind {
	case command.KindRead:
		c.window.Reset()
		c.printf("reading absorbance, press Ctrl+C to stop")
		c.transition(EventRead)
	case command.KindMove:
		c.startMove(cmd)
	case command.KindSpeed:
		if err := c.validateSpeed(cmd.RPM); err != nil {
			c.printf("error: %v", err)
			return nil
		}
		c.speedRPM = cmd.RPM
		c.board.Update(func(s *status.Snapshot) { s.SpeedRPM = cmd.RPM })
		c.printf("speed set to %d rpm", cmd.RPM)
	case command.KindPump:
		c.setOutput(c.hw.Lines.Pump, "pump", cmd.On, func(s *status.Snapshot) { s.Pump = cmd.On })
	case command.KindLED:
		name := c.hw.Lines.UVLED
		update := func(s *status.Snapshot) { s.UVLED = cmd.On }
		if cmd.LED == command.LEDFluor {
			name = c.hw.Lines.FluorLED
			update = func(s *status.Snapshot) { s.FluorLED = cmd.On }
		}
		c.setOutput(name, cmd.LED.String(), cmd.On, update)
	case command.KindStatus:
		reading := "no reading yet"
		if c.haveMeasurement {
			reading = "last reading " + formatPercent(c.lastMeasurement)
		}
		c.printf("position %.3f mm, speed %d rpm, %s", c.Position(), c.speedRPM, reading)
	case command.KindHelp:
		c.printf("%s", command.Usage)
	case command.KindExit:
		c.printf("shutting down")
		c.Shutdown()
		c.done = true
	}
	return nil
}

func (c *Controller) startMove(cmd command.Command) {
	rpm := c.speedRPM
	if cmd.RPM != 0 {
		rpm = cmd.RPM
	}
	steps, err := c.ValidateMove(cmd.DistanceMM, rpm)
	if err != nil {
		c.printf("error: %v", err)
		return
	}
	fault, err := c.hw.DriverFault()
	if err != nil {
		c.printf("error: reading driver fault line: %v", err)
		return
	}
	if fault {
		c.printf("error: %v", ErrDriverFault)
		return
	}

	target := c.engine.Position() + steps
	if err := c.engine.Start(target, rpm); err != nil {
		c.printf("error: %v", err)
		return
	}
	// Moving from here on, so an interrupt during the settle delay cancels
	// the move rather than quitting with the driver enabled.
	c.transition(EventMoveAccepted)
	if err := c.engine.Enable(); err != nil {
		c.log.Error("Failed to enable motor driver", "err", err)
		if err := c.engine.Halt(); err != nil {
			c.log.Error("Failed to halt motion", "err", err)
		}
		c.printf("error: enabling motor driver: %v", err)
		c.transition(EventFault)
		return
	}
	// An interrupt that landed before the enable write has already disabled
	// the driver once; the enable must not outlive it.
	if c.disableIfCancelled() {
		return
	}
	c.clock.Sleep(c.cfg.Motion.SettleDelay)
	if c.disableIfCancelled() {
		return
	}
	c.lastStatus = c.clock.Now()
	c.publishPosition()
	c.printf("moving %.3f mm (%d microsteps) at %d rpm, press Ctrl+C to cancel",
		c.cfg.MicrostepsToMM(steps), steps, rpm)
}

// disableIfCancelled leaves the flag set for the next tick to act on.
func (c *Controller) disableIfCancelled() bool {
	if !c.cancelled.Load() {
		return false
	}
	if err := c.engine.Disable(); err != nil {
		c.log.Error("Failed to disable motor driver", "err", err)
	}
	return true
}

func (c *Controller) setOutput(name, what string, on bool, update func(s *status.Snapshot)) {
	if err := c.hw.SetLine(name, on); err != nil {
		c.printf("error: %s: %v", what, err)
		return
	}
	c.board.Update(update)
	state := "off"
	if on {
		state = "on"
	}
	c.printf("%s %s", what, state)
}

func isParseError(err error) bool {
	return errors.Is(err, command.ErrUnknownCommand) ||
		errors.Is(err, command.ErrMissingParameter) ||
		errors.Is(err, command.ErrNotNumeric) ||
		errors.Is(err, command.ErrBadArgument)
}
