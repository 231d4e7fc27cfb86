package eip

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectTimeout is returned when dialing or session registration does
	// not finish within the connect timeout.
	ErrConnectTimeout = errors.New("eip: connect timeout")

	// ErrConnectionLost is returned when an exchange on a registered session
	// fails at the transport level. The session is faulted and must be
	// reconnected explicitly.
	ErrConnectionLost = errors.New("eip: connection lost")

	// ErrProtocol marks malformed frames and unexpected replies.
	ErrProtocol = errors.New("eip: protocol error")

	// ErrNotConnected is returned by exchanges attempted outside the
	// Registered state.
	ErrNotConnected = errors.New("eip: session not registered")
)

// Encapsulation status codes.
const (
	StatusSuccess             uint32 = 0x0000
	StatusInvalidCommand      uint32 = 0x0001
	StatusInsufficientMemory  uint32 = 0x0002
	StatusIncorrectData       uint32 = 0x0003
	StatusInvalidSession      uint32 = 0x0064
	StatusInvalidLength       uint32 = 0x0065
	StatusUnsupportedRevision uint32 = 0x0069
)

// RejectedError is a well-formed encapsulation reply carrying a nonzero status.
type RejectedError struct {
	Command uint16
	Status  uint32
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("eip: %s rejected: %s (0x%04X)", CommandName(e.Command), StatusText(e.Status), e.Status)
}

// StatusText names an encapsulation status code.
func StatusText(status uint32) string {
	switch status {
	case StatusSuccess:
		return "success"
	case StatusInvalidCommand:
		return "invalid or unsupported command"
	case StatusInsufficientMemory:
		return "insufficient memory"
	case StatusIncorrectData:
		return "incorrect data"
	case StatusInvalidSession:
		return "invalid session handle"
	case StatusInvalidLength:
		return "invalid length"
	case StatusUnsupportedRevision:
		return "unsupported protocol revision"
	default:
		return "unknown status"
	}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrProtocol}, args...)...)
}
