//go:build !linux

package uvsensor

func classifyErrno(err error) error {
	return ErrData
}
