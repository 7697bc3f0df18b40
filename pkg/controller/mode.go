package controller

import (
	"fmt"
	"strconv"
)

type Mode int32

const (
	Idle Mode = iota
	Acquiring
	Moving
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case Acquiring:
		return "acquiring"
	case Moving:
		return "moving"
	default:
		return fmt.Sprintf("mode(%d)", int32(m))
	}
}

type Event int

const (
	EventRead Event = iota + 1
	EventMoveAccepted
	EventArrived
	// EventWindowDone is raised after a measurement when reads are
	// single-shot.
	EventWindowDone
	EventCancel
	EventFault
)

func (e Event) String() string {
	switch e {
	case EventRead:
		return "read"
	case EventMoveAccepted:
		return "move-accepted"
	case EventArrived:
		return "arrived"
	case EventWindowDone:
		return "window-done"
	case EventCancel:
		return "cancel"
	case EventFault:
		return "fault"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Next is the mode transition function.  Acquiring and Moving are only ever
// entered from Idle and only ever left for Idle.
func Next(m Mode, e Event) Mode {
	switch e {
	case EventCancel, EventFault:
		return Idle
	}
	switch m {
	case Idle:
		switch e {
		case EventRead:
			return Acquiring
		case EventMoveAccepted:
			return Moving
		}
	case Acquiring:
		if e == EventWindowDone {
			return Idle
		}
	case Moving:
		if e == EventArrived {
			return Idle
		}
	}
	return m
}

func formatPercent(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64) + "%"
}
