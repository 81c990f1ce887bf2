package relay

import (
	"errors"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// isEOF reports errors that just mean the peer went away.
func isEOF(err error) bool {
	switch {
	case errors.Is(err, io.EOF):
	case errors.Is(err, net.ErrClosed):
	case errors.Is(err, unix.ECONNRESET):
	case errors.Is(err, unix.EPIPE):
	default:
		return false
	}
	return true
}

// WouldBlock maps the errno values of a non-blocking socket call that made
// no progress onto ErrWouldBlock.
func WouldBlock(err error) error {
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
		return ErrWouldBlock
	}
	return err
}
