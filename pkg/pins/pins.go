package pins

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/host"
)

var ErrUnknownPin = errors.New("unknown pin")

// Interface presents each physical line by name.  Levels and pulls are periph's.
type Interface interface {
	ConfigureOutput(name string, level gpio.Level) error
	ConfigureInput(name string, pull gpio.Pull) error
	Write(name string, level gpio.Level) error
	Read(name string) (gpio.Level, error)
}

type GPIO struct {
	lock sync.Mutex
	pins map[string]gpio.PinIO
}

// NewGPIO initialises periph's host drivers.  It fails when the GPIO
// registers can't be claimed, typically because we're not running as root.
func NewGPIO() (*GPIO, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "periph host init failed")
	}
	return &GPIO{
		pins: map[string]gpio.PinIO{},
	}, nil
}

func (g *GPIO) lookup(name string) (gpio.PinIO, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	if p, ok := g.pins[name]; ok {
		return p, nil
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, errors.Wrap(ErrUnknownPin, name)
	}
	g.pins[name] = p
	return p, nil
}

func (g *GPIO) ConfigureOutput(name string, level gpio.Level) error {
	p, err := g.lookup(name)
	if err != nil {
		return err
	}
	return errors.Wrapf(p.Out(level), "configure %s as output", name)
}

func (g *GPIO) ConfigureInput(name string, pull gpio.Pull) error {
	p, err := g.lookup(name)
	if err != nil {
		return err
	}
	return errors.Wrapf(p.In(pull, gpio.NoEdge), "configure %s as input", name)
}

func (g *GPIO) Write(name string, level gpio.Level) error {
	p, err := g.lookup(name)
	if err != nil {
		return err
	}
	return p.Out(level)
}

func (g *GPIO) Read(name string) (gpio.Level, error) {
	p, err := g.lookup(name)
	if err != nil {
		return gpio.Low, err
	}
	return p.Read(), nil
}

var _ Interface = (*GPIO)(nil)

// State is the electrical configuration of one line as seen by the Dummy.
type State struct {
	Configured bool
	Output     bool
	Pull       gpio.Pull
	Level      gpio.Level
}

func (s State) String() string {
	if !s.Configured {
		return "unconfigured"
	}
	if s.Output {
		return fmt.Sprintf("out(%v)", s.Level)
	}
	return fmt.Sprintf("in(%v)", s.Pull)
}

// WriteRecord is one level change made through the Dummy.
type WriteRecord struct {
	Name  string
	Level gpio.Level
}

// DummyPins is an in-memory pin bank.  Inputs read back whatever was last set
// with SetInput, or their pull level otherwise.
type DummyPins struct {
	lock    sync.Mutex
	states  map[string]State
	inputs  map[string]gpio.Level
	history []WriteRecord
	verbose bool
}

func Dummy() *DummyPins {
	return &DummyPins{
		states: map[string]State{},
		inputs: map[string]gpio.Level{},
	}
}

// Verbose makes the dummy print every configuration change, for bench runs.
func (d *DummyPins) Verbose() *DummyPins {
	d.verbose = true
	return d
}

func (d *DummyPins) ConfigureOutput(name string, level gpio.Level) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.states[name] = State{Configured: true, Output: true, Pull: gpio.PullNoChange, Level: level}
	d.history = append(d.history, WriteRecord{Name: name, Level: level})
	if d.verbose {
		fmt.Printf("DPINS: %s -> out(%v)\n", name, level)
	}
	return nil
}

func (d *DummyPins) ConfigureInput(name string, pull gpio.Pull) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.states[name] = State{Configured: true, Pull: pull, Level: pull == gpio.PullUp}
	if d.verbose {
		fmt.Printf("DPINS: %s -> in(%v)\n", name, pull)
	}
	return nil
}

func (d *DummyPins) Write(name string, level gpio.Level) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	s, ok := d.states[name]
	if !ok || !s.Output {
		return errors.Errorf("write to %s which is not an output", name)
	}
	s.Level = level
	d.states[name] = s
	d.history = append(d.history, WriteRecord{Name: name, Level: level})
	return nil
}

func (d *DummyPins) Read(name string) (gpio.Level, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	s, ok := d.states[name]
	if !ok || !s.Configured {
		return gpio.Low, errors.Wrap(ErrUnknownPin, name)
	}
	if s.Output {
		return s.Level, nil
	}
	if l, ok := d.inputs[name]; ok {
		return l, nil
	}
	return s.Level, nil
}

// SetInput simulates an external device driving an input line.
func (d *DummyPins) SetInput(name string, level gpio.Level) {
	d.lock.Lock()
	d.inputs[name] = level
	d.lock.Unlock()
}

func (d *DummyPins) State(name string) State {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.states[name]
}

// History returns the writes made to one line, in order.
func (d *DummyPins) History(name string) []gpio.Level {
	d.lock.Lock()
	defer d.lock.Unlock()
	var levels []gpio.Level
	for _, w := range d.history {
		if w.Name == name {
			levels = append(levels, w.Level)
		}
	}
	return levels
}

var _ Interface = (*DummyPins)(nil)
