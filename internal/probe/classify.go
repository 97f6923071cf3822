package probe

import (
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"csdriver/internal/remote"
)

// Class is the classification of a failed connectivity attempt. It decides
// how long to wait before the next one.
type Class int

const (
	ClassNone Class = iota
	ClassRefused
	ClassHostUnreachable
	ClassNetworkUnreachable
	ClassTimedOut
	ClassPermission
	ClassAuth
	ClassDisconnect
	ClassOther
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRefused:
		return "connection-refused"
	case ClassHostUnreachable:
		return "host-unreachable"
	case ClassNetworkUnreachable:
		return "network-unreachable"
	case ClassTimedOut:
		return "timed-out"
	case ClassPermission:
		return "permission-denied"
	case ClassAuth:
		return "authentication-failed"
	case ClassDisconnect:
		return "disconnected"
	default:
		return "other"
	}
}

// Backoff is the wait before retrying after a failure of class c. A network
// that is not routable yet usually needs far longer than a booting sshd.
func (c Class) Backoff() time.Duration {
	switch c {
	case ClassNetworkUnreachable:
		return 30 * time.Second
	case ClassAuth, ClassDisconnect:
		return 15 * time.Second
	case ClassNone:
		return 0
	default:
		return 2 * time.Second
	}
}

// Classify maps a dial or session error to a Class.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	switch {
	case errors.Is(err, remote.ErrAuth):
		return ClassAuth
	case errors.Is(err, remote.ErrHandshake),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return ClassDisconnect
	case errors.Is(err, syscall.ECONNREFUSED):
		return ClassRefused
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.EHOSTDOWN):
		return ClassHostUnreachable
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.ENETDOWN):
		return ClassNetworkUnreachable
	case errors.Is(err, syscall.ETIMEDOUT):
		return ClassTimedOut
	case errors.Is(err, syscall.EPERM), errors.Is(err, syscall.EACCES):
		return ClassPermission
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimedOut
	}
	return ClassOther
}
