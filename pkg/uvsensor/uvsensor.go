package uvsensor

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/io/i2c"
)

const (
	DefaultDevice = "/dev/i2c-1"
	DefaultAddr   = 0x14 // UV LED ADC

	// CmdContinuousCalibration enables the ADC's background self-calibration.
	CmdContinuousCalibration = 0xa0

	SampleBytes = 2
)

var (
	ErrNack         = errors.New("i2c: address or data not acknowledged")
	ErrClockTimeout = errors.New("i2c: clock stretch timeout")
	ErrData         = errors.New("i2c: data error")
)

type Interface interface {
	// ReadSample performs one bus transaction.  Failures are always one of
	// ErrNack, ErrClockTimeout or ErrData (possibly wrapped).
	ReadSample() (uint16, error)
	Close() error
}

type port interface {
	Read(buf []byte) error
	Write(buf []byte) error
	Close() error
}

type ADC struct {
	dev port
}

func New(deviceFile string, addr int) (Interface, error) {
	dev, err := i2c.Open(&i2c.Devfs{Dev: deviceFile}, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s addr 0x%x", deviceFile, addr)
	}
	adc := &ADC{dev: dev}
	if err := adc.Configure(); err != nil {
		_ = dev.Close()
		return nil, err
	}
	return adc, nil
}

func (a *ADC) Configure() error {
	err := a.dev.Write([]byte{CmdContinuousCalibration})
	return errors.Wrap(err, "enable continuous calibration")
}

func (a *ADC) ReadSample() (uint16, error) {
	var buf [SampleBytes]byte
	if err := a.dev.Read(buf[:]); err != nil {
		return 0, Classify(err)
	}
	return uint16(buf[0])<<8 | uint16(buf[1]), nil
}

func (a *ADC) Close() error {
	return a.dev.Close()
}

// Classify maps a raw transfer error onto one of the three bus fault kinds.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNack) || errors.Is(err, ErrClockTimeout) || errors.Is(err, ErrData) {
		return err
	}
	return errors.Wrap(classifyErrno(err), err.Error())
}

// Dummy simulates a sensor sitting at roughly half scale, NACKing every
// nackEvery reads (0 disables failures).
func Dummy(nackEvery int) Interface {
	return &dummyADC{
		nackEvery: nackEvery,
		rng:       rand.New(rand.NewSource(1)),
	}
}

type dummyADC struct {
	lock      sync.Mutex
	reads     int
	nackEvery int
	rng       *rand.Rand
	closed    bool
}

func (d *dummyADC) ReadSample() (uint16, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.closed {
		return 0, errors.Wrap(ErrData, "dummy sensor closed")
	}
	d.reads++
	if d.nackEvery > 0 && d.reads%d.nackEvery == 0 {
		return 0, errors.Wrap(ErrNack, "dummy")
	}
	return uint16(32768 + d.rng.Intn(2048) - 1024), nil
}

func (d *dummyADC) Close() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if !d.closed {
		fmt.Println("DADC: Close")
	}
	d.closed = true
	return nil
}
