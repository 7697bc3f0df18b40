package hardware

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"periph.io/x/periph/conn/gpio"

	"github.com/tigerbot-team/drmd/pkg/config"
	"github.com/tigerbot-team/drmd/pkg/motion"
	"github.com/tigerbot-team/drmd/pkg/pins"
	"github.com/tigerbot-team/drmd/pkg/uvsensor"
)

// MODE2..MODE0 = 101 selects 1/32 microstepping on the DRV8825.
var microstepModeLevels = [3]gpio.Level{gpio.High, gpio.Low, gpio.High}

// Hardware owns every line and bus device of the instrument.
type Hardware struct {
	Pins   pins.Interface
	Sensor uvsensor.Interface
	Lines  config.Pins

	uvLEDAtStart bool

	lock         sync.Mutex
	sensorClosed bool
}

// New claims the real GPIO block and opens the sensor.  Either failing is
// fatal: usually it means we aren't running as root.
func New(cfg config.Config) (*Hardware, error) {
	p, err := pins.NewGPIO()
	if err != nil {
		return nil, errors.Wrap(err, "GPIO unavailable (are you running as root?)")
	}
	s, err := uvsensor.New(cfg.Sensor.Device, cfg.Sensor.Address)
	if err != nil {
		return nil, errors.Wrap(err, "UV sensor unavailable")
	}
	return NewWith(p, s, cfg), nil
}

func NewWith(p pins.Interface, s uvsensor.Interface, cfg config.Config) *Hardware {
	return &Hardware{
		Pins:         p,
		Sensor:       s,
		Lines:        cfg.Pins,
		uvLEDAtStart: cfg.Acquisition.UVLEDAtStart,
	}
}

func (h *Hardware) MotionLines() motion.Lines {
	return motion.Lines{
		Step:   h.Lines.Step,
		Dir:    h.Lines.Dir,
		Enable: h.Lines.Enable,
	}
}

// Configure puts every line in its start-up state: driver awake but with its
// output stage disabled, 1/32 microstepping, pump off.
func (h *Hardware) Configure() error {
	l := h.Lines
	type out struct {
		name  string
		level gpio.Level
	}
	outputs := []out{
		{l.Enable, motion.EnableInactive},
		{l.Step, gpio.Low},
		{l.Dir, motion.DirForward},
		{l.Mode[0], microstepModeLevels[2]},
		{l.Mode[1], microstepModeLevels[1]},
		{l.Mode[2], microstepModeLevels[0]},
		{l.Reset, gpio.High},
		{l.Sleep, gpio.High},
		{l.UVLED, gpio.Level(h.uvLEDAtStart)},
		{l.FluorLED, gpio.Low},
		{l.Pump, gpio.Low},
	}
	for _, o := range outputs {
		if err := h.Pins.ConfigureOutput(o.name, o.level); err != nil {
			return err
		}
	}
	// Decay floats (mixed decay); nHOME and nFAULT are open drain.
	if err := h.Pins.ConfigureInput(l.Decay, gpio.Float); err != nil {
		return err
	}
	for _, name := range []string{l.Home, l.Fault} {
		if err := h.Pins.ConfigureInput(name, gpio.PullUp); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hardware) SetLine(name string, on bool) error {
	return h.Pins.Write(name, gpio.Level(on))
}

// DriverFault reports the DRV8825's over-temperature/over-current flag.
func (h *Hardware) DriverFault() (bool, error) {
	l, err := h.Pins.Read(h.Lines.Fault)
	if err != nil {
		return false, err
	}
	return l == gpio.Low, nil
}

// Shutdown returns every owned line to an undriven input and closes the
// sensor.  Calling it again is harmless.
func (h *Hardware) Shutdown() error {
	h.lock.Lock()
	defer h.lock.Unlock()

	l := h.Lines
	var err error
	// Sleep and disable the driver before anything else lets go.
	pulledDown := []string{
		l.Sleep, l.Enable, l.Step, l.Dir, l.Reset,
		l.Mode[0], l.Mode[1], l.Mode[2],
		l.Pump, l.UVLED, l.FluorLED,
	}
	for _, name := range pulledDown {
		err = multierr.Append(err, h.Pins.ConfigureInput(name, gpio.PullDown))
	}
	for _, name := range []string{l.Decay, l.Home, l.Fault} {
		err = multierr.Append(err, h.Pins.ConfigureInput(name, gpio.Float))
	}
	if !h.sensorClosed {
		h.sensorClosed = true
		err = multierr.Append(err, h.Sensor.Close())
	}
	if err != nil {
		fmt.Println("HW: Shutdown incomplete:", err)
	}
	return err
}
