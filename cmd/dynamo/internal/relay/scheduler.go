package relay

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/buffer"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/logger"
)

// Scheduler multiplexes any number of paired connections on one goroutine.
// Bytes read from one end of a pairing are buffered for, and written to,
// the other end. The loop goroutine is started by the first Relay call and
// runs for the life of the process; everything except the registration
// queue is owned by that goroutine.
type Scheduler struct {
	opts   Options
	poller Poller
	log    *slog.Logger

	mu    sync.Mutex
	queue []registration
	start sync.Once

	// loop-owned state
	arena   []*pairing
	free    []int
	index   map[int]slot
	writing FDs
	scratch []byte
}

type registration struct {
	label    string
	from, to Endpoint
}

// pairing is one arena record. ends[0] is the "from" side, ends[1] the "to"
// side.
type pairing struct {
	label    string
	ends     [2]end
	draining bool
}

type end struct {
	ep    Endpoint
	fd    int
	label string
	// out holds bytes read from the peer that are still to be written here.
	out buffer.Buffer
	// total counts every byte ever queued into out.
	total int64
}

type slot struct {
	pair int
	side int
}

var directions = [2]string{"upstream", "downstream"}

// New creates a scheduler. The loop does not run until the first Relay.
func New(opts Options, poller Poller) *Scheduler {
	opts = opts.withDefaults()
	return &Scheduler{
		opts:    opts,
		poller:  poller,
		log:     logger.Component("relay"),
		index:   make(map[int]slot),
		writing: FDs{},
		scratch: make([]byte, opts.PacketSize),
	}
}

// Relay hands from and to over to the scheduler. From this call on the
// caller must not touch either endpoint again; both are closed when either
// side reaches EOF or fails.
func (s *Scheduler) Relay(label string, from, to Endpoint) {
	s.enqueue(label, from, to)
	s.start.Do(func() {
		go s.run()
	})
}

func (s *Scheduler) enqueue(label string, from, to Endpoint) {
	s.mu.Lock()
	s.queue = append(s.queue, registration{label: label, from: from, to: to})
	s.mu.Unlock()
}

func (s *Scheduler) run() {
	s.log.Info("Relay scheduler started",
		"poll_interval", s.opts.PollInterval,
		"read_ahead", s.opts.ReadAhead,
		"packet_size", s.opts.PacketSize)
	for {
		s.step()
	}
}

// step runs one iteration of the loop: register queued pairings, wait for
// readiness, then move bytes.
func (s *Scheduler) step() {
	s.register()

	read, write, except := FDs{}, FDs{}, FDs{}
	pending := FDs{}
	for fd, sl := range s.index {
		p := s.arena[sl.pair]
		if s.readable(p, sl.side) {
			read.Add(fd)
			if p.ends[sl.side].ep.HasPending() {
				pending.Add(fd)
			}
		}
		except.Add(fd)
	}
	for fd := range s.writing {
		write.Add(fd)
		except.Add(fd)
	}

	timeout := s.opts.PollInterval
	if len(pending) > 0 {
		timeout = 0
	}

	ready, err := s.poller.Wait(read, write, except, timeout)
	if err != nil {
		s.recover(err)
		return
	}

	for fd := range read {
		if ready.Read.Has(fd) || pending.Has(fd) {
			s.receive(fd)
		}
	}
	for fd := range ready.Write {
		if s.writing.Has(fd) {
			s.forward(fd)
		}
	}
	for fd := range ready.Except {
		if _, ok := s.index[fd]; ok {
			s.log.Warn("Exceptional condition on relay descriptor", "fd", fd)
			s.teardown(fd, "error")
		}
	}
}

// readable reports whether the end on side should be read from: its peer
// still has room under the read-ahead cap and the pairing is not winding
// down.
func (s *Scheduler) readable(p *pairing, side int) bool {
	return !p.draining && p.ends[1-side].out.Len() < s.opts.ReadAhead
}

func (s *Scheduler) register() {
	s.mu.Lock()
	queue := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, reg := range queue {
		p := &pairing{label: reg.label}
		p.ends[0] = end{ep: reg.from, fd: reg.from.Fd(), label: "<- " + reg.label}
		p.ends[1] = end{ep: reg.to, fd: reg.to.Fd(), label: "-> " + reg.label}

		if !s.admissible(p) {
			reg.from.Close()
			reg.to.Close()
			continue
		}

		id := s.allocate(p)
		for side := range p.ends {
			e := &p.ends[side]
			s.index[e.fd] = slot{pair: id, side: side}
			if l, ok := e.ep.(Labeler); ok {
				l.SetLabel(e.label)
			}
		}
		// bytes read ahead of the handoff belong to the peer
		for side := range p.ends {
			if d, ok := p.ends[side].ep.(Drainer); ok {
				if early := d.Drain(); len(early) > 0 {
					s.deliver(p, 1-side, early)
				}
			}
		}
		s.opts.Metrics.opened()
		s.log.Debug("Relay registered", "label", reg.label,
			"from_fd", p.ends[0].fd, "to_fd", p.ends[1].fd, "pairings", len(s.index)/2)
	}
}

func (s *Scheduler) admissible(p *pairing) bool {
	a, b := p.ends[0].fd, p.ends[1].fd
	switch {
	case a < 0 || b < 0:
		s.log.Error("Relay endpoint has no descriptor", "label", p.label, "from_fd", a, "to_fd", b)
		return false
	case a == b:
		s.log.Error("Relay endpoints share a descriptor", "label", p.label, "fd", a)
		return false
	}
	for _, fd := range []int{a, b} {
		if _, dup := s.index[fd]; dup {
			s.log.Error("Relay descriptor already registered", "label", p.label, "fd", fd)
			return false
		}
	}
	return true
}

func (s *Scheduler) allocate(p *pairing) int {
	if n := len(s.free); n > 0 {
		id := s.free[n-1]
		s.free = s.free[:n-1]
		s.arena[id] = p
		return id
	}
	s.arena = append(s.arena, p)
	return len(s.arena) - 1
}

// deliver appends data to the outbound buffer of side and schedules a write.
func (s *Scheduler) deliver(p *pairing, side int, data []byte) {
	e := &p.ends[side]
	e.out.Append(data)
	e.total += int64(len(data))
	s.writing.Add(e.fd)
	s.opts.Metrics.moved(directions[1-side], len(data))
}

func (s *Scheduler) receive(fd int) {
	sl, ok := s.index[fd]
	if !ok {
		return
	}
	p := s.arena[sl.pair]
	src := &p.ends[sl.side]
	dst := &p.ends[1-sl.side]

	n, err := src.ep.Receive(s.scratch)
	if errors.Is(err, ErrWouldBlock) && n <= 0 {
		return
	}
	if logger.Enabled(slog.LevelDebug) {
		s.log.Debug("Relay read", "label", dst.label, "total", dst.total,
			"buffered", dst.out.Len(), "read", n, "fd", fd, "descriptors", len(s.index))
	}
	if n > 0 {
		s.deliver(p, 1-sl.side, s.scratch[:n])
	}
	if n <= 0 || (err != nil && !errors.Is(err, ErrWouldBlock)) {
		s.finish(fd, p, err)
	}
}

// finish winds a pairing down after one side stopped producing. Whatever is
// already buffered is still delivered before both ends close.
func (s *Scheduler) finish(fd int, p *pairing, err error) {
	if err != nil && !isEOF(err) {
		s.log.Debug("Relay read failed", "label", p.label, "fd", fd, "error", err)
	}
	p.draining = true
	if p.ends[0].out.Len() == 0 && p.ends[1].out.Len() == 0 {
		s.teardown(fd, "eof")
	}
}

func (s *Scheduler) forward(fd int) {
	sl, ok := s.index[fd]
	if !ok {
		delete(s.writing, fd)
		return
	}
	p := s.arena[sl.pair]
	e := &p.ends[sl.side]

	n, err := e.ep.Forward(e.out.Bytes())
	if errors.Is(err, ErrWouldBlock) && n <= 0 {
		return
	}
	if n > 0 {
		e.out.Consume(n)
	}
	if n <= 0 || err != nil {
		s.log.Warn("Short write on relay", "label", e.label, "fd", fd, "written", n, "error", err)
		s.teardown(fd, "write")
		return
	}
	if e.out.Len() == 0 {
		delete(s.writing, fd)
		if p.draining && p.ends[1-sl.side].out.Len() == 0 {
			s.teardown(fd, "eof")
		}
	}
}

// recover handles a failed Wait by probing every known descriptor on its
// own and tearing down the ones that fail, so one bad descriptor cannot
// stall unrelated pairings.
func (s *Scheduler) recover(err error) {
	s.log.Error("Relay wait failed", "error", err, "descriptors", len(s.index), "writers", len(s.writing))
	var bad []int
	for fd := range s.index {
		if perr := s.poller.Check(fd); perr != nil {
			bad = append(bad, fd)
		}
	}
	for _, fd := range bad {
		s.log.Warn("Closing relay descriptor that failed a readiness check", "fd", fd)
		s.teardown(fd, "check failed")
	}
	if len(bad) == 0 {
		// nothing to blame, avoid spinning on a persistent failure
		time.Sleep(s.opts.PollInterval)
	}
}

// teardown closes the pairing that owns fd. Descriptors the scheduler does
// not know are left alone.
func (s *Scheduler) teardown(fd int, reason string) {
	sl, ok := s.index[fd]
	if !ok {
		return
	}
	p := s.arena[sl.pair]
	for side := range p.ends {
		e := &p.ends[side]
		delete(s.index, e.fd)
		delete(s.writing, e.fd)
		if err := e.ep.Close(); err != nil {
			s.log.Debug("Relay close failed", "label", e.label, "fd", e.fd, "error", err)
		}
	}
	s.arena[sl.pair] = nil
	s.free = append(s.free, sl.pair)
	s.opts.Metrics.closed(reason)
	s.log.Debug("Relay closed", "label", p.label, "reason", reason,
		"upstream_bytes", p.ends[1].total, "downstream_bytes", p.ends[0].total)
}
