package relay

import (
	"errors"
	"time"
)

var (
	// ErrWouldBlock is returned by an Endpoint when a non-blocking read or
	// write cannot make progress right now. It is never fatal to a pairing.
	ErrWouldBlock = errors.New("relay: operation would block")

	// ErrUnsupportedDescriptor is returned by a Poller for descriptors it
	// cannot watch (negative, or beyond FD_SETSIZE for select).
	ErrUnsupportedDescriptor = errors.New("relay: descriptor cannot be polled")
)

// Endpoint is one side of a relay pairing: a byte stream with an OS
// descriptor that the scheduler can wait on.
type Endpoint interface {
	// Fd returns the descriptor used for readiness polling, or -1.
	Fd() int
	// Receive performs at most one read. (0, ErrWouldBlock) means nothing is
	// available; any other error, or a zero count, ends the pairing.
	Receive(p []byte) (int, error)
	// Forward performs at most one write and may accept fewer than len(p).
	Forward(p []byte) (int, error)
	// HasPending reports bytes that can be received without a new
	// readiness event on Fd (decrypted TLS records, for instance).
	HasPending() bool
	Close() error
}

// Drainer is implemented by endpoints that may already hold bytes read from
// the wire before the pairing was registered. They are queued for the peer.
type Drainer interface {
	Drain() []byte
}

// Labeler receives the direction label the scheduler assigns to an end.
type Labeler interface {
	SetLabel(label string)
}

// FDs is a set of descriptors.
type FDs map[int]struct{}

func (s FDs) Add(fd int) {
	s[fd] = struct{}{}
}

func (s FDs) Has(fd int) bool {
	_, ok := s[fd]
	return ok
}

// Readiness is the result of one Poller.Wait.
type Readiness struct {
	Read   FDs
	Write  FDs
	Except FDs
}

func newReadiness() Readiness {
	return Readiness{Read: FDs{}, Write: FDs{}, Except: FDs{}}
}

// Poller is the readiness-wait primitive the scheduler blocks on.
type Poller interface {
	// Wait blocks until a descriptor in one of the interest sets is ready
	// or the timeout elapses.
	Wait(read, write, except FDs, timeout time.Duration) (Readiness, error)
	// Check tests a single descriptor without blocking. A non-nil error
	// marks the descriptor as the cause of a failed Wait.
	Check(fd int) error
}

// Options tunes the scheduler.
type Options struct {
	// PollInterval bounds how long one Wait may block.
	PollInterval time.Duration
	// ReadAhead caps the undelivered bytes buffered for one direction.
	ReadAhead int
	// PacketSize is the size of the scratch buffer used for each read.
	PacketSize int
	// Metrics is optional.
	Metrics *Metrics
}

// DefaultOptions returns the stock tuning: 100ms polls, 10 MiB read-ahead
// and 2 KiB reads.
func DefaultOptions() Options {
	return Options{
		PollInterval: 100 * time.Millisecond,
		ReadAhead:    10 * 1024 * 1024,
		PacketSize:   2 * 1024,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.ReadAhead <= 0 {
		o.ReadAhead = def.ReadAhead
	}
	if o.PacketSize <= 0 {
		o.PacketSize = def.PacketSize
	}
	return o
}
