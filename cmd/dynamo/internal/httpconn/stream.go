package httpconn

import (
	"bufio"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/relay"
)

// tlsReadWindow bounds how long a relay read on a TLS connection may wait
// for the rest of a partially received record.
const tlsReadWindow = time.Millisecond

// tlsWriteWindow bounds a relay write on a TLS connection. crypto/tls
// cannot report a partial record, so a peer that stops reading for longer
// than this fails the write and its pairing is torn down.
const tlsWriteWindow = time.Second

// maxTLSRecord is the largest plaintext a single TLS record can carry; the
// read-side buffer holds one whole record so nothing decrypted is left
// hidden inside crypto/tls.
const maxTLSRecord = 16 * 1024

// stream is the transport under a Connection. read and write are the
// blocking primitives used while a worker goroutine owns the connection;
// receive and forward are the single-shot primitives the relay scheduler
// uses once it owns it.
type stream interface {
	read(p []byte) (int, error)
	write(p []byte) (int, error)
	receive(p []byte) (int, error)
	forward(p []byte) (int, error)
	pending() bool
	fd() int
	close() error
}

func descriptor(conn net.Conn) (syscall.RawConn, int) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, -1
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil, -1
	}
	fd := -1
	if err := rc.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return nil, -1
	}
	return rc, fd
}

// plainStream is a TCP socket. Relay I/O goes straight to the descriptor
// so a short write is reported instead of being retried by the runtime.
type plainStream struct {
	conn net.Conn
	raw  syscall.RawConn
	desc int
}

func newPlainStream(conn net.Conn) *plainStream {
	raw, fd := descriptor(conn)
	return &plainStream{conn: conn, raw: raw, desc: fd}
}

func (s *plainStream) read(p []byte) (int, error)  { return s.conn.Read(p) }
func (s *plainStream) write(p []byte) (int, error) { return s.conn.Write(p) }
func (s *plainStream) pending() bool               { return false }
func (s *plainStream) fd() int                     { return s.desc }
func (s *plainStream) close() error                { return s.conn.Close() }

func (s *plainStream) receive(p []byte) (int, error) {
	if s.raw == nil {
		return 0, relay.ErrUnsupportedDescriptor
	}
	var n int
	var serr error
	if err := s.raw.Read(func(fd uintptr) bool {
		n, serr = unix.Read(int(fd), p)
		return true
	}); err != nil {
		return 0, err
	}
	if serr != nil {
		return 0, relay.WouldBlock(serr)
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (s *plainStream) forward(p []byte) (int, error) {
	if s.raw == nil {
		return 0, relay.ErrUnsupportedDescriptor
	}
	var n int
	var serr error
	if err := s.raw.Write(func(fd uintptr) bool {
		n, serr = unix.Write(int(fd), p)
		return true
	}); err != nil {
		return 0, err
	}
	if serr != nil {
		return 0, relay.WouldBlock(serr)
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

// tlsStream is a TLS session over a TCP socket. Decrypted bytes may sit in
// the read buffer with nothing left on the socket, which is what pending
// reports to the scheduler.
type tlsStream struct {
	conn *tls.Conn
	br   *bufio.Reader
	desc int
}

func newTLSStream(conn *tls.Conn, raw net.Conn) *tlsStream {
	_, fd := descriptor(raw)
	return &tlsStream{
		conn: conn,
		br:   bufio.NewReaderSize(conn, maxTLSRecord+512),
		desc: fd,
	}
}

func (s *tlsStream) read(p []byte) (int, error)  { return s.br.Read(p) }
func (s *tlsStream) write(p []byte) (int, error) { return s.conn.Write(p) }
func (s *tlsStream) fd() int                     { return s.desc }
func (s *tlsStream) close() error                { return s.conn.Close() }

func (s *tlsStream) receive(p []byte) (int, error) {
	if s.br.Buffered() > 0 {
		return s.br.Read(p)
	}
	s.conn.SetReadDeadline(time.Now().Add(tlsReadWindow))
	defer s.conn.SetReadDeadline(time.Time{})
	n, err := s.br.Read(p)
	if isTimeout(err) {
		return n, relay.ErrWouldBlock
	}
	return n, err
}

// forward writes at most one record within tlsWriteWindow. A timed out
// write leaves the session unusable, which ends the pairing.
func (s *tlsStream) forward(p []byte) (int, error) {
	if len(p) > maxTLSRecord {
		p = p[:maxTLSRecord]
	}
	s.conn.SetWriteDeadline(time.Now().Add(tlsWriteWindow))
	defer s.conn.SetWriteDeadline(time.Time{})
	return s.conn.Write(p)
}

// pending reports decrypted bytes, decrypting a record that crypto/tls has
// already pulled off the socket if there is one. The expired deadline keeps
// the peek from touching the socket itself.
func (s *tlsStream) pending() bool {
	if s.br.Buffered() > 0 {
		return true
	}
	s.conn.SetReadDeadline(time.Unix(1, 0))
	s.br.Peek(1)
	s.conn.SetReadDeadline(time.Time{})
	return s.br.Buffered() > 0
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
