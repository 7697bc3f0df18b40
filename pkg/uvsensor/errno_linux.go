package uvsensor

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// The bcm2835 i2c driver reports NACKs as EREMOTEIO, clock stretch timeouts
// as ETIMEDOUT and everything else as EIO.
func classifyErrno(err error) error {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return ErrData
	}
	switch errno {
	case unix.EREMOTEIO, unix.ENXIO:
		return ErrNack
	case unix.ETIMEDOUT:
		return ErrClockTimeout
	default:
		return ErrData
	}
}
