package wire

import (
	"errors"
	"fmt"
)

// ErrFraming matches every *FramingError via errors.Is.
var ErrFraming = errors.New("framing error")

// Framing failure causes.
var (
	ErrTimeout          = errors.New("read timed out")
	ErrTruncated        = errors.New("truncated frame")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrWrongMagic       = errors.New("wrong network magic")
	ErrChecksum         = errors.New("checksum mismatch")
	ErrPayloadTooLarge  = errors.New("payload length exceeds limit")
	ErrMalformedPayload = errors.New("malformed payload")
)

// FramingError reports a frame that could not be read or parsed.  A peer
// producing one is treated as dead or misbehaving; the process carries on.
type FramingError struct {
	Command string
	Err     error
}

func (e *FramingError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("framing: %v", e.Err)
	}
	return fmt.Sprintf("framing %q: %v", e.Command, e.Err)
}

// Unwrap returns the cause.
func (e *FramingError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrFraming) hold for every framing error.
func (e *FramingError) Is(target error) bool { return target == ErrFraming }

func framingErr(cmd string, err error) error {
	return &FramingError{Command: cmd, Err: err}
}

// IsTimeoutClass reports whether err means the peer should be treated as
// unresponsive: a read timeout or an unreadable command field.
func IsTimeoutClass(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnknownCommand)
}
