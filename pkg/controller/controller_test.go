package controller

import (
	"bytes"
	"context"
	"io"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/periph/conn/gpio"

	"github.com/tigerbot-team/drmd/pkg/clock"
	"github.com/tigerbot-team/drmd/pkg/command"
	"github.com/tigerbot-team/drmd/pkg/config"
	"github.com/tigerbot-team/drmd/pkg/hardware"
	"github.com/tigerbot-team/drmd/pkg/motion"
	"github.com/tigerbot-team/drmd/pkg/pins"
	"github.com/tigerbot-team/drmd/pkg/status"
	"github.com/tigerbot-team/drmd/pkg/uvsensor"
)

// script feeds operator lines through the real parser.
type script struct {
	lock  sync.Mutex
	lines []string
}

func (s *script) NextCommand() (command.Command, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.lines) == 0 {
		return command.Command{}, io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return command.Parse(line)
}

type fixedSensor struct {
	value     uint16
	failEvery int
	reads     int
	closed    bool
}

func (s *fixedSensor) ReadSample() (uint16, error) {
	s.reads++
	if s.failEvery > 0 && s.reads%s.failEvery == 0 {
		return 0, errors.Wrap(uvsensor.ErrNack, "test")
	}
	return s.value, nil
}

func (s *fixedSensor) Close() error {
	s.closed = true
	return nil
}

type lockedBuffer struct {
	lock sync.Mutex
	buf  bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.String()
}

func (b *lockedBuffer) Lines() []string {
	s := strings.TrimRight(b.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

type rig struct {
	c      *Controller
	hw     *hardware.Hardware
	pins   *pins.DummyPins
	sensor *fixedSensor
	clk    *clock.Fake
	board  *status.Board
	out    *lockedBuffer
	exits  []int
}

func newRig(t *testing.T, cfg config.Config, lines ...string) *rig {
	r := &rig{
		pins:   pins.Dummy(),
		sensor: &fixedSensor{value: 1 << 15},
		clk:    clock.NewFake(),
		board:  status.NewBoard(),
		out:    &lockedBuffer{},
	}
	r.hw = hardware.NewWith(r.pins, r.sensor, cfg)
	if err := r.hw.Configure(); err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	r.c = New(cfg, r.hw, &script{lines: lines}, Options{
		Clock: r.clk,
		Board: r.board,
		Out:   r.out,
		Exit:  func(code int) { r.exits = append(r.exits, code) },
	})
	return r
}

func (r *rig) tick(t *testing.T) {
	r.clk.Advance(5 * time.Microsecond)
	if err := r.c.Tick(); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
}

func (r *rig) countOutput(substr string) int {
	return strings.Count(r.out.String(), substr)
}

func TestNext(t *testing.T) {
	for _, tc := range []struct {
		from Mode
		e    Event
		want Mode
	}{
		{Idle, EventRead, Acquiring},
		{Idle, EventMoveAccepted, Moving},
		{Idle, EventArrived, Idle},
		{Idle, EventCancel, Idle},
		{Acquiring, EventWindowDone, Idle},
		{Acquiring, EventCancel, Idle},
		{Acquiring, EventMoveAccepted, Acquiring},
		{Acquiring, EventRead, Acquiring},
		{Moving, EventArrived, Idle},
		{Moving, EventCancel, Idle},
		{Moving, EventFault, Idle},
		{Moving, EventRead, Moving},
		{Moving, EventWindowDone, Moving},
	} {
		if got := Next(tc.from, tc.e); got != tc.want {
			t.Errorf("%v --%v--> %v, expected %v", tc.from, tc.e, got, tc.want)
		}
	}
}

func TestContinuousReadAndCancel(t *testing.T) {
	r := newRig(t, config.Default(), "read")
	r.tick(t)
	if r.c.Mode() != Acquiring {
		t.Fatalf("read should start acquiring, mode %v", r.c.Mode())
	}
	for i := 0; i < 2*15; i++ {
		r.tick(t)
	}
	if n := r.countOutput("50.00%\n"); n != 2 {
		t.Fatalf("expected two measurements after 30 samples, got %d in %q", n, r.out.String())
	}
	if !r.board.Snapshot().HasMeasurement {
		t.Error("measurement should be published")
	}

	// Part way into the third window.
	for i := 0; i < 7; i++ {
		r.tick(t)
	}
	r.c.Interrupt()
	if r.c.Mode() != Acquiring {
		t.Fatal("interrupt should only raise the flag while acquiring")
	}
	if len(r.exits) != 0 {
		t.Fatal("interrupt while acquiring must not exit")
	}
	r.tick(t)
	if r.c.Mode() != Idle {
		t.Fatalf("cancellation should return to idle, mode %v", r.c.Mode())
	}
	if n := r.countOutput("%\n"); n != 2 {
		t.Errorf("partial window should not be reported, output %q", r.out.String())
	}
	if !strings.Contains(r.out.String(), "reading stopped") {
		t.Errorf("expected cancellation notice, output %q", r.out.String())
	}
}

func TestSingleShotRead(t *testing.T) {
	cfg := config.Default()
	cfg.Acquisition.Continuous = false
	r := newRig(t, cfg, "read")
	r.tick(t)
	for i := 0; i < 15; i++ {
		if r.c.Mode() != Acquiring {
			t.Fatalf("left acquiring after only %d samples", i)
		}
		r.tick(t)
	}
	if r.c.Mode() != Idle {
		t.Fatalf("single-shot read should return to idle, mode %v", r.c.Mode())
	}
	if n := r.countOutput("50.00%\n"); n != 1 {
		t.Errorf("expected one measurement, output %q", r.out.String())
	}
}

func TestFailedSamplesAreDropped(t *testing.T) {
	r := newRig(t, config.Default(), "read")
	r.sensor.failEvery = 2
	r.tick(t)
	for i := 0; i < 28; i++ {
		r.tick(t)
	}
	if n := r.countOutput("%\n"); n != 0 {
		t.Fatalf("14 good samples should not complete a window, output %q", r.out.String())
	}
	r.tick(t)
	if n := r.countOutput("50.00%\n"); n != 1 {
		t.Fatalf("15th good sample should emit, output %q", r.out.String())
	}
}

func TestMoveArrives(t *testing.T) {
	r := newRig(t, config.Default(), "move 0.01")
	r.tick(t)
	if r.c.Mode() != Moving {
		t.Fatalf("move should be accepted, output %q", r.out.String())
	}
	if s := r.pins.State(r.hw.Lines.Enable); s.Level != motion.EnableActive {
		t.Fatalf("driver should be enabled while moving, got %v", s)
	}
	for i := 0; r.c.Mode() == Moving; i++ {
		if i > 100000 {
			t.Fatal("move never arrived")
		}
		r.tick(t)
	}
	if math.Abs(r.c.Position()-0.01) > 1e-9 {
		t.Errorf("expected to arrive at 0.01 mm, at %v", r.c.Position())
	}
	rises := 0
	for _, l := range r.pins.History(r.hw.Lines.Step) {
		if l == gpio.High {
			rises++
		}
	}
	if rises != 8 {
		t.Errorf("0.01 mm should be 8 microsteps, saw %d pulses", rises)
	}
	if s := r.pins.State(r.hw.Lines.Enable); s.Level != motion.EnableInactive {
		t.Errorf("driver should be disabled on arrival, got %v", s)
	}
	if !strings.Contains(r.out.String(), "arrived at 0.010 mm") {
		t.Errorf("expected arrival report, output %q", r.out.String())
	}
	if snap := r.board.Snapshot(); snap.Mode != "idle" || math.Abs(snap.PositionMM-0.01) > 1e-9 {
		t.Errorf("status not updated on arrival: %+v", snap)
	}
}

func TestInterruptWhileMovingDisablesDriverImmediately(t *testing.T) {
	r := newRig(t, config.Default(), "move 10", "status")
	r.tick(t)
	for i := 0; i < 2000; i++ {
		r.tick(t)
	}
	r.c.Interrupt()
	if s := r.pins.State(r.hw.Lines.Enable); s.Level != motion.EnableInactive {
		t.Fatalf("interrupt should disable the driver before the next tick, got %v", s)
	}
	if r.c.Mode() != Moving {
		t.Fatal("mode should only change on the control loop")
	}
	stepsBefore := len(r.pins.History(r.hw.Lines.Step))

	r.tick(t)
	if r.c.Mode() != Idle {
		t.Fatalf("expected idle after cancellation, mode %v", r.c.Mode())
	}
	if n := len(r.pins.History(r.hw.Lines.Step)) - stepsBefore; n > 1 {
		t.Errorf("no pulses should follow a cancellation, saw %d step writes", n)
	}
	pos := r.c.Position()
	if pos <= 0 || pos >= 10 {
		t.Fatalf("cancelled move should stop part way, at %v mm", pos)
	}
	if !strings.Contains(r.out.String(), "move cancelled at") {
		t.Errorf("expected cancellation notice, output %q", r.out.String())
	}
	if len(r.exits) != 0 {
		t.Error("interrupt while moving must not exit")
	}
	if r.board.Snapshot().PositionMM != pos {
		t.Error("cancel should publish the final position")
	}
}

func TestInterruptWhileIdleShutsDownAndExits(t *testing.T) {
	r := newRig(t, config.Default())
	r.c.Interrupt()
	if len(r.exits) != 1 || r.exits[0] != 0 {
		t.Fatalf("expected exit(0), got %v", r.exits)
	}
	if !r.sensor.closed {
		t.Error("sensor should be closed")
	}
	if s := r.pins.State(r.hw.Lines.Enable); s.Output || s.Pull != gpio.PullDown {
		t.Errorf("enable should be released, got %v", s)
	}
}

func TestMoveValidation(t *testing.T) {
	r := newRig(t, config.Default())
	for _, tc := range []struct {
		mm   float64
		rpm  uint
		want error
	}{
		{1, 0, ErrSpeedOutOfRange},
		{1, 301, ErrSpeedOutOfRange},
		{0.001, 100, ErrBelowResolution},
		{-0.005, 100, ErrBelowResolution},
		{100.5, 100, ErrOutOfTravel},
		{-101, 100, ErrOutOfTravel},
	} {
		if _, err := r.c.ValidateMove(tc.mm, tc.rpm); !errors.Is(err, tc.want) {
			t.Errorf("move %v mm at %d rpm: expected %v, got %v", tc.mm, tc.rpm, tc.want, err)
		}
	}
	if steps, err := r.c.ValidateMove(100, 300); err != nil || steps != 80000 {
		t.Errorf("full travel should be allowed: %d %v", steps, err)
	}
}

func TestRejectedMovesStayIdle(t *testing.T) {
	lines := []string{"move 500", "move 0.001", "move 1 1000", "move abc", "move"}
	r := newRig(t, config.Default(), lines...)
	enableWrites := len(r.pins.History(r.hw.Lines.Enable))
	for range lines {
		r.tick(t)
		if r.c.Mode() != Idle {
			t.Fatalf("rejected move changed mode to %v", r.c.Mode())
		}
	}
	if n := r.countOutput("error: "); n != len(lines) {
		t.Errorf("expected %d errors, output %q", len(lines), r.out.String())
	}
	if len(r.pins.History(r.hw.Lines.Enable)) != enableWrites {
		t.Error("rejected moves must not touch the driver")
	}
}

func TestMoveRefusedOnDriverFault(t *testing.T) {
	r := newRig(t, config.Default(), "move 1")
	r.pins.SetInput(r.hw.Lines.Fault, gpio.Low)
	r.tick(t)
	if r.c.Mode() != Idle {
		t.Fatal("move should be refused while the driver reports a fault")
	}
	if !strings.Contains(r.out.String(), ErrDriverFault.Error()) {
		t.Errorf("expected fault report, output %q", r.out.String())
	}
}

func TestEveryIdleCommandGivesOneLine(t *testing.T) {
	lines := []string{"status", "speed 50", "led fluor on", "pump off", "bogus", "speed 900", "help"}
	r := newRig(t, config.Default(), lines...)
	for range lines {
		r.tick(t)
	}
	if got := r.out.Lines(); len(got) != len(lines) {
		t.Fatalf("expected %d lines of feedback, got %q", len(lines), got)
	}
	if r.c.speedRPM != 50 {
		t.Errorf("speed should be 50, is %d", r.c.speedRPM)
	}
	if s := r.pins.State(r.hw.Lines.FluorLED); s.Level != gpio.High {
		t.Errorf("fluorescence LED should be on, got %v", s)
	}
	if !r.board.Snapshot().FluorLED {
		t.Error("fluorescence LED state should be published")
	}
}

func TestExitCommand(t *testing.T) {
	r := newRig(t, config.Default(), "pump on", "exit", "pump off")
	if err := r.c.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	h := r.pins.History(r.hw.Lines.Pump)
	if h[len(h)-1] != gpio.High {
		t.Error("commands after exit should not run")
	}
	if !r.sensor.closed {
		t.Error("exit should shut down the hardware")
	}
	if len(r.exits) != 0 {
		t.Error("exit command returns from Run rather than exiting")
	}
}

func TestEndOfInputShutsDown(t *testing.T) {
	r := newRig(t, config.Default())
	if err := r.c.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !r.sensor.closed {
		t.Error("end of input should shut down the hardware")
	}
}

func TestRunStopsWhenContextDone(t *testing.T) {
	r := newRig(t, config.Default(), "read")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.c.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !r.sensor.closed {
		t.Error("hardware should be shut down")
	}
}

func TestAsyncInterruptDuringRealTimeMove(t *testing.T) {
	cfg := config.Default()
	out := &lockedBuffer{}
	p := pins.Dummy()
	hw := hardware.NewWith(p, &fixedSensor{}, cfg)
	if err := hw.Configure(); err != nil {
		t.Fatal(err)
	}
	var exits atomic.Int32
	c := New(cfg, hw, &script{lines: []string{"move 10 300"}}, Options{
		Out:  out,
		Exit: func(int) { exits.Add(1) },
	})

	done := make(chan error)
	go func() { done <- c.Run(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for c.Mode() != Moving {
		if time.Now().After(deadline) {
			t.Fatal("move never started")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	c.Interrupt()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("control loop did not return")
	}
	if !strings.Contains(out.String(), "move cancelled at") {
		t.Errorf("expected cancellation, output %q", out.String())
	}
	if pos := c.Position(); pos <= 0 || pos >= 10 {
		t.Errorf("expected a partial move, at %v mm", pos)
	}
	if exits.Load() != 0 {
		t.Error("interrupt while moving must not exit")
	}
}

// hookedPins lets a test act on, or fail, individual writes.
type hookedPins struct {
	*pins.DummyPins
	onWrite func(name string, level gpio.Level) error
}

func (h *hookedPins) Write(name string, level gpio.Level) error {
	if h.onWrite != nil {
		if err := h.onWrite(name, level); err != nil {
			return err
		}
	}
	return h.DummyPins.Write(name, level)
}

type watchedClock struct {
	*clock.Fake
	onSleep func(d time.Duration)
}

func (w *watchedClock) Sleep(d time.Duration) {
	if w.onSleep != nil {
		w.onSleep(d)
	}
	w.Fake.Sleep(d)
}

func newHookedController(t *testing.T, cfg config.Config, lines ...string) (*Controller, *hookedPins, *watchedClock, *lockedBuffer) {
	hp := &hookedPins{DummyPins: pins.Dummy()}
	hw := hardware.NewWith(hp, &fixedSensor{}, cfg)
	if err := hw.Configure(); err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	clk := &watchedClock{Fake: clock.NewFake()}
	out := &lockedBuffer{}
	c := New(cfg, hw, &script{lines: lines}, Options{
		Clock: clk,
		Out:   out,
		Exit:  func(code int) { t.Errorf("unexpected exit(%d)", code) },
	})
	return c, hp, clk, out
}

func TestCancelMidPulseLeavesStepLow(t *testing.T) {
	r := newRig(t, config.Default(), "move 10", "status")
	r.tick(t)
	for i := 0; !r.c.engine.StepAsserted(); i++ {
		if i > 100000 {
			t.Fatal("no step pulse seen")
		}
		r.tick(t)
	}
	r.c.Interrupt()
	r.tick(t)
	if r.c.Mode() != Idle {
		t.Fatalf("expected idle after cancellation, mode %v", r.c.Mode())
	}
	if s := r.pins.State(r.hw.Lines.Step); s.Level != gpio.Low {
		t.Errorf("step line should be low while idle, got %v", s)
	}
	if r.c.engine.StepAsserted() {
		t.Error("engine still thinks the step is asserted")
	}
}

func TestInterruptBeforeEnableKeepsDriverOff(t *testing.T) {
	cfg := config.Default()
	cfg.Motion.SettleDelay = 500 * time.Millisecond
	c, hp, clk, out := newHookedController(t, cfg, "move 1")
	enable := c.hw.Lines.Enable

	interrupted := false
	hp.onWrite = func(name string, level gpio.Level) error {
		if name == enable && level == motion.EnableActive && !interrupted {
			interrupted = true
			c.Interrupt()
		}
		return nil
	}
	enabledWhileSettling := false
	clk.onSleep = func(time.Duration) {
		if hp.State(enable).Level == motion.EnableActive {
			enabledWhileSettling = true
		}
	}

	if err := c.Tick(); err != nil {
		t.Fatal(err)
	}
	if !interrupted {
		t.Fatal("the enable write never happened")
	}
	if enabledWhileSettling {
		t.Error("driver was enabled during the settle delay after an interrupt")
	}
	if s := hp.State(enable); s.Level != motion.EnableInactive {
		t.Errorf("driver should be disabled after the accepting tick, got %v", s)
	}

	if err := c.Tick(); err != nil {
		t.Fatal(err)
	}
	if c.Mode() != Idle {
		t.Fatalf("expected idle after cancellation, mode %v", c.Mode())
	}
	if !strings.Contains(out.String(), "move cancelled at 0.000 mm") {
		t.Errorf("expected cancellation notice, output %q", out.String())
	}
}

func TestEnableFailureRefusesMove(t *testing.T) {
	c, hp, _, out := newHookedController(t, config.Default(), "move 1")
	enable := c.hw.Lines.Enable
	hp.onWrite = func(name string, level gpio.Level) error {
		if name == enable && level == motion.EnableActive {
			return errors.New("line stuck")
		}
		return nil
	}
	if err := c.Tick(); err != nil {
		t.Fatal(err)
	}
	if c.Mode() != Idle {
		t.Fatalf("move should not proceed without the driver, mode %v", c.Mode())
	}
	lines := out.Lines()
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "error: enabling motor driver") {
		t.Errorf("expected a single error line, got %q", lines)
	}
	if c.engine.Remaining() != 0 {
		t.Errorf("refused move left %d microsteps pending", c.engine.Remaining())
	}
}

func TestMeasurementTimestampUsesWallClock(t *testing.T) {
	r := newRig(t, config.Default(), "read")
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r.c.wall = func() time.Time { return at }
	for i := 0; i < 16; i++ {
		r.tick(t)
	}
	snap := r.board.Snapshot()
	if !snap.HasMeasurement || !snap.MeasuredAt.Equal(at) {
		t.Errorf("expected a measurement stamped %v, got %+v", at, snap)
	}
}
