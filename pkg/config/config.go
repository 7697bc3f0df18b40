package config

import (
	"io/ioutil"
	"math"
	"time"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/tigerbot-team/drmd/pkg/motion"
	"github.com/tigerbot-team/drmd/pkg/uvsensor"
)

const DefaultPath = "/etc/drmd/drmd.yaml"

type Config struct {
	Pins        Pins        `yaml:"pins"`
	Sensor      Sensor      `yaml:"sensor"`
	Motion      Motion      `yaml:"motion"`
	Acquisition Acquisition `yaml:"acquisition"`
	Display     Display     `yaml:"display"`
	Feed        Feed        `yaml:"feed"`
	Logging     Logging     `yaml:"logging"`
}

// Pins holds periph pin names, BCM numbering.
type Pins struct {
	UVLED    string   `yaml:"uv_led"`
	FluorLED string   `yaml:"fluor_led"`
	Pump     string   `yaml:"pump"`
	Enable   string   `yaml:"enable"`
	Step     string   `yaml:"step"`
	Dir      string   `yaml:"dir"`
	Decay    string   `yaml:"decay"`
	Reset    string   `yaml:"reset"`
	Sleep    string   `yaml:"sleep"`
	Home     string   `yaml:"home"`
	Fault    string   `yaml:"fault"`
	Mode     []string `yaml:"mode"` // MODE0, MODE1, MODE2
}

type Sensor struct {
	Device  string `yaml:"device"`
	Address int    `yaml:"address"`
}

type Motion struct {
	TravelPerRevMM float64       `yaml:"travel_per_rev_mm"`
	MinTravelMM    float64       `yaml:"min_travel_mm"`
	MinPositionMM  float64       `yaml:"min_position_mm"`
	MaxPositionMM  float64       `yaml:"max_position_mm"`
	MinRPM         uint          `yaml:"min_rpm"`
	MaxRPM         uint          `yaml:"max_rpm"`
	DefaultRPM     uint          `yaml:"default_rpm"`
	SettleDelay    time.Duration `yaml:"settle_delay"`
}

type Acquisition struct {
	// Continuous keeps reading until cancelled; otherwise one measurement
	// is taken and the prompt returns.
	Continuous bool `yaml:"continuous"`

	// UVLEDAtStart switches the absorbance LED on during start-up so it has
	// warmed up by the first read.
	UVLEDAtStart bool `yaml:"uv_led_at_start"`
}

type Display struct {
	Framebuffer string `yaml:"framebuffer"`
}

type Feed struct {
	Listen string `yaml:"listen"`
}

type Logging struct {
	Level string `yaml:"level"`
}

func Default() Config {
	return Config{
		Pins: Pins{
			UVLED:    "GPIO4",
			FluorLED: "GPIO17",
			Pump:     "GPIO21",
			Enable:   "GPIO6",
			Step:     "GPIO12",
			Dir:      "GPIO13",
			Decay:    "GPIO16",
			Reset:    "GPIO26",
			Sleep:    "GPIO20",
			Home:     "GPIO11",
			Fault:    "GPIO19",
			Mode:     []string{"GPIO5", "GPIO7", "GPIO8"},
		},
		Sensor: Sensor{
			Device:  uvsensor.DefaultDevice,
			Address: uvsensor.DefaultAddr,
		},
		Motion: Motion{
			TravelPerRevMM: 8,
			MinTravelMM:    0.01,
			MinPositionMM:  -100,
			MaxPositionMM:  100,
			MinRPM:         1,
			MaxRPM:         300,
			DefaultRPM:     100,
			SettleDelay:    2 * time.Millisecond,
		},
		Acquisition: Acquisition{
			Continuous:   true,
			UVLEDAtStart: true,
		},
		Display: Display{
			Framebuffer: "/dev/fb1",
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// Load reads path on top of the defaults.  Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	p := c.Pins
	for name, v := range map[string]string{
		"uv_led": p.UVLED, "fluor_led": p.FluorLED, "pump": p.Pump,
		"enable": p.Enable, "step": p.Step, "dir": p.Dir, "decay": p.Decay,
		"reset": p.Reset, "sleep": p.Sleep, "home": p.Home, "fault": p.Fault,
	} {
		if v == "" {
			return errors.Errorf("pins.%s must be set", name)
		}
	}
	if len(p.Mode) != 3 {
		return errors.Errorf("pins.mode needs 3 lines, got %d", len(p.Mode))
	}
	for i, v := range p.Mode {
		if v == "" {
			return errors.Errorf("pins.mode[%d] must be set", i)
		}
	}

	if c.Sensor.Device == "" {
		return errors.New("sensor.device must be set")
	}
	if c.Sensor.Address <= 0 || c.Sensor.Address > 0x7f {
		return errors.Errorf("sensor.address 0x%x is not a 7-bit address", c.Sensor.Address)
	}

	m := c.Motion
	if m.MinRPM == 0 {
		return errors.New("motion.min_rpm must be positive")
	}
	if m.MinRPM > m.MaxRPM {
		return errors.Errorf("motion.min_rpm %d above max_rpm %d", m.MinRPM, m.MaxRPM)
	}
	if m.DefaultRPM < m.MinRPM || m.DefaultRPM > m.MaxRPM {
		return errors.Errorf("motion.default_rpm %d outside [%d, %d]", m.DefaultRPM, m.MinRPM, m.MaxRPM)
	}
	if half := motion.StepInterval(m.MaxRPM, motion.MicrostepsPerRev) / 2; half < motion.MinStepPulse {
		return errors.Errorf("motion.max_rpm %d gives a %v step pulse, below the %v minimum",
			m.MaxRPM, half, motion.MinStepPulse)
	}
	if !(m.TravelPerRevMM > 0) || math.IsInf(m.TravelPerRevMM, 0) {
		return errors.New("motion.travel_per_rev_mm must be positive")
	}
	if m.MinTravelMM < c.MMPerMicrostep() {
		return errors.Errorf("motion.min_travel_mm %g is finer than one microstep (%g mm)",
			m.MinTravelMM, c.MMPerMicrostep())
	}
	if m.MinPositionMM >= m.MaxPositionMM {
		return errors.New("motion.min_position_mm must be below max_position_mm")
	}
	if m.SettleDelay < 0 || m.SettleDelay > time.Second {
		return errors.Errorf("motion.settle_delay %v out of range", m.SettleDelay)
	}
	return nil
}

func (c *Config) MMPerMicrostep() float64 {
	return c.Motion.TravelPerRevMM / motion.MicrostepsPerRev
}

func (c *Config) MicrostepsToMM(steps int64) float64 {
	return float64(steps) * c.MMPerMicrostep()
}

// MMToMicrosteps rounds to the nearest microstep.
func (c *Config) MMToMicrosteps(mm float64) int64 {
	return int64(math.Round(mm / c.MMPerMicrostep()))
}
