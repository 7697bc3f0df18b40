package command

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"github.com/pkg/errors"
)

type Kind int

const (
	KindRead Kind = iota + 1
	KindMove
	KindSpeed
	KindPump
	KindLED
	KindStatus
	KindHelp
	KindExit
)

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindMove:
		return "move"
	case KindSpeed:
		return "speed"
	case KindPump:
		return "pump"
	case KindLED:
		return "led"
	case KindStatus:
		return "status"
	case KindHelp:
		return "help"
	case KindExit:
		return "exit"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

type LED int

const (
	LEDUV LED = iota
	LEDFluor
)

func (l LED) String() string {
	if l == LEDFluor {
		return "fluorescence LED"
	}
	return "UV LED"
}

// Command is one parsed operator request.  Only the fields relevant to Kind
// are set.
type Command struct {
	Kind Kind

	// Move: relative distance in mm.  RPM is 0 when the default applies.
	DistanceMM float64
	RPM        uint

	On  bool
	LED LED
}

var (
	ErrUnknownCommand   = errors.New("unrecognised command")
	ErrMissingParameter = errors.New("missing parameter")
	ErrNotNumeric       = errors.New("not a number")
	ErrBadArgument      = errors.New("bad argument")
)

const Usage = "commands: read | move <mm> [rpm] | speed <rpm> | pump on|off | led [uv|fluor] on|off | status | exit"

// Parse turns one line of operator input into a Command.  Range checks that
// depend on machine state are left to the caller.
func Parse(line string) (Command, error) {
	words, err := shlex.Split(line)
	if err != nil {
		return Command{}, errors.Wrap(ErrBadArgument, err.Error())
	}
	if len(words) == 0 {
		return Command{}, errors.Wrap(ErrMissingParameter, "empty command")
	}
	cmd, err := parseWords(strings.ToLower(words[0]), words[1:])
	if err != nil {
		return Command{}, err
	}
	return cmd, nil
}

func parseWords(verb string, args []string) (Command, error) {
	var err error
	switch verb {
	case "read":
		return Command{Kind: KindRead}, noMoreArgs(verb, args)
	case "move":
		if len(args) == 0 {
			return Command{}, errors.Wrap(ErrMissingParameter, "move needs a distance in mm")
		}
		if len(args) > 2 {
			return Command{}, errors.Wrap(ErrBadArgument, "move takes a distance and an optional rpm")
		}
		d, err := strconv.ParseFloat(args[0], 64)
		if err != nil || math.IsNaN(d) || math.IsInf(d, 0) {
			return Command{}, errors.Wrapf(ErrNotNumeric, "distance %q", args[0])
		}
		cmd := Command{Kind: KindMove, DistanceMM: d}
		if len(args) == 2 {
			cmd.RPM, err = parseRPM(args[1])
			if err != nil {
				return Command{}, err
			}
		}
		return cmd, nil
	case "speed":
		if len(args) == 0 {
			return Command{}, errors.Wrap(ErrMissingParameter, "speed needs an rpm")
		}
		rpm, err := parseRPM(args[0])
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: KindSpeed, RPM: rpm}, noMoreArgs(verb, args[1:])
	case "pump":
		on, err := parseOnOff(verb, args)
		return Command{Kind: KindPump, On: on}, err
	case "led":
		cmd := Command{Kind: KindLED, LED: LEDUV}
		if len(args) > 0 {
			switch strings.ToLower(args[0]) {
			case "uv", "abs":
				args = args[1:]
			case "fluor", "fl":
				cmd.LED = LEDFluor
				args = args[1:]
			}
		}
		cmd.On, err = parseOnOff(verb, args)
		return cmd, err
	case "status", "pos":
		return Command{Kind: KindStatus}, noMoreArgs(verb, args)
	case "help", "?":
		return Command{Kind: KindHelp}, nil
	case "exit", "quit":
		return Command{Kind: KindExit}, noMoreArgs(verb, args)
	}
	return Command{}, errors.Wrapf(ErrUnknownCommand, "%q", verb)
}

func parseRPM(s string) (uint, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(ErrNotNumeric, "rpm %q", s)
	}
	if v == 0 {
		return 0, errors.Wrap(ErrBadArgument, "rpm must be positive")
	}
	return uint(v), nil
}

func parseOnOff(verb string, args []string) (bool, error) {
	if len(args) == 0 {
		return false, errors.Wrapf(ErrMissingParameter, "%s needs on or off", verb)
	}
	if err := noMoreArgs(verb, args[1:]); err != nil {
		return false, err
	}
	switch strings.ToLower(args[0]) {
	case "on", "1":
		return true, nil
	case "off", "0":
		return false, nil
	}
	return false, errors.Wrapf(ErrBadArgument, "%s: expected on or off, got %q", verb, args[0])
}

func noMoreArgs(verb string, args []string) error {
	if len(args) > 0 {
		return errors.Wrapf(ErrBadArgument, "%s: unexpected %q", verb, strings.Join(args, " "))
	}
	return nil
}

// Interpreter reads operator lines and parses them, printing a prompt before
// each read.
type Interpreter struct {
	in     *bufio.Scanner
	out    io.Writer
	Prompt string
}

func NewInterpreter(in io.Reader, out io.Writer) *Interpreter {
	return &Interpreter{
		in:     bufio.NewScanner(in),
		out:    out,
		Prompt: "> ",
	}
}

// NextCommand blocks until the operator enters a non-blank line.  Parse
// errors come back with an empty Command; io.EOF means input has ended.
func (i *Interpreter) NextCommand() (Command, error) {
	for {
		fmt.Fprint(i.out, i.Prompt)
		if !i.in.Scan() {
			if err := i.in.Err(); err != nil {
				return Command{}, err
			}
			return Command{}, io.EOF
		}
		line := strings.TrimSpace(i.in.Text())
		if line == "" {
			continue
		}
		return Parse(line)
	}
}
