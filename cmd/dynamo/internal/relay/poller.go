package relay

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// NewPoller returns the readiness primitive named by kind: "select" (the
// default) or "poll".
func NewPoller(kind string) (Poller, error) {
	switch kind {
	case "", "select":
		return SelectPoller{}, nil
	case "poll":
		return PollPoller{}, nil
	default:
		return nil, fmt.Errorf("unknown relay poller: %s", kind)
	}
}

// SelectPoller waits with select(2). Descriptors at or above FD_SETSIZE
// cannot be represented and make Wait fail, which the scheduler resolves
// by probing and closing them.
type SelectPoller struct{}

func (SelectPoller) Wait(read, write, except FDs, timeout time.Duration) (Readiness, error) {
	var r, w, e unix.FdSet
	maxfd := -1
	for _, set := range []struct {
		fds  FDs
		bits *unix.FdSet
	}{{read, &r}, {write, &w}, {except, &e}} {
		for fd := range set.fds {
			if fd < 0 || fd >= unix.FD_SETSIZE {
				return Readiness{}, fmt.Errorf("select fd %d: %w", fd, ErrUnsupportedDescriptor)
			}
			set.bits.Set(fd)
			if fd > maxfd {
				maxfd = fd
			}
		}
	}

	var wp *unix.FdSet
	if len(write) > 0 {
		wp = &w
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	ready := newReadiness()
	if _, err := unix.Select(maxfd+1, &r, wp, &e, &tv); err != nil {
		if errors.Is(err, unix.EINTR) {
			return ready, nil
		}
		return Readiness{}, fmt.Errorf("select: %w", err)
	}

	for fd := range read {
		if r.IsSet(fd) {
			ready.Read.Add(fd)
		}
	}
	for fd := range write {
		if w.IsSet(fd) {
			ready.Write.Add(fd)
		}
	}
	for fd := range except {
		if e.IsSet(fd) {
			ready.Except.Add(fd)
		}
	}
	return ready, nil
}

func (SelectPoller) Check(fd int) error {
	if fd < 0 || fd >= unix.FD_SETSIZE {
		return ErrUnsupportedDescriptor
	}
	var r unix.FdSet
	r.Set(fd)
	tv := unix.Timeval{}
	if _, err := unix.Select(fd+1, &r, nil, nil, &tv); err != nil && !errors.Is(err, unix.EINTR) {
		return err
	}
	return nil
}

// PollPoller waits with poll(2) and has no descriptor ceiling. Descriptors
// that are only in the except set are not watched; errors on them surface
// as soon as they are read from or written to again.
type PollPoller struct{}

func (PollPoller) Wait(read, write, except FDs, timeout time.Duration) (Readiness, error) {
	events := make(map[int]int16, len(read)+len(write))
	for fd := range read {
		events[fd] |= unix.POLLIN | unix.POLLPRI
	}
	for fd := range write {
		events[fd] |= unix.POLLOUT
	}
	fds := make([]unix.PollFd, 0, len(events))
	for fd, ev := range events {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: ev})
	}

	ready := newReadiness()
	if _, err := unix.Poll(fds, int(timeout/time.Millisecond)); err != nil {
		if errors.Is(err, unix.EINTR) {
			return ready, nil
		}
		return Readiness{}, fmt.Errorf("poll: %w", err)
	}

	for _, pfd := range fds {
		fd := int(pfd.Fd)
		switch {
		case pfd.Revents&unix.POLLNVAL != 0:
			return Readiness{}, fmt.Errorf("poll fd %d: %w", fd, unix.EBADF)
		case pfd.Revents&(unix.POLLERR|unix.POLLPRI) != 0 && except.Has(fd):
			ready.Except.Add(fd)
		}
		// a hang-up still has to be read to observe EOF
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP) != 0 && read.Has(fd) {
			ready.Read.Add(fd)
		}
		if pfd.Revents&unix.POLLOUT != 0 && write.Has(fd) {
			ready.Write.Add(fd)
		}
	}
	return ready, nil
}

func (PollPoller) Check(fd int) error {
	if fd < 0 {
		return ErrUnsupportedDescriptor
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	if _, err := unix.Poll(fds, 0); err != nil && !errors.Is(err, unix.EINTR) {
		return err
	}
	if fds[0].Revents&unix.POLLNVAL != 0 {
		return unix.EBADF
	}
	return nil
}
