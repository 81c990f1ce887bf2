package relay

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestPollers_ReadAndWriteReadiness(t *testing.T) {
	for _, kind := range []string{"select", "poll"} {
		t.Run(kind, func(t *testing.T) {
			p, err := NewPoller(kind)
			if err != nil {
				t.Fatalf("NewPoller: %v", err)
			}
			a, b := socketPair(t)

			ready, err := p.Wait(FDs{a: {}}, FDs{b: {}}, FDs{a: {}, b: {}}, 10*time.Millisecond)
			if err != nil {
				t.Fatalf("Wait: %v", err)
			}
			if ready.Read.Has(a) {
				t.Fatal("empty socket reported readable")
			}
			if !ready.Write.Has(b) {
				t.Fatal("fresh socket not writable")
			}

			if _, err := unix.Write(b, []byte("ping")); err != nil {
				t.Fatalf("write: %v", err)
			}
			ready, err = p.Wait(FDs{a: {}}, FDs{}, FDs{a: {}}, 100*time.Millisecond)
			if err != nil {
				t.Fatalf("Wait: %v", err)
			}
			if !ready.Read.Has(a) {
				t.Fatal("socket with data not readable")
			}
		})
	}
}

func TestPollers_CheckClosedDescriptor(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	unix.Close(fds[0])
	unix.Close(fds[1])

	for _, p := range []Poller{SelectPoller{}, PollPoller{}} {
		if err := p.Check(fds[0]); err == nil {
			t.Fatalf("%T: check of closed descriptor succeeded", p)
		}
	}
}

func TestSelectPoller_RejectsLargeDescriptor(t *testing.T) {
	_, err := SelectPoller{}.Wait(FDs{unix.FD_SETSIZE: {}}, FDs{}, FDs{}, time.Millisecond)
	if !errors.Is(err, ErrUnsupportedDescriptor) {
		t.Fatalf("err=%v", err)
	}
}

func TestNewPoller_Unknown(t *testing.T) {
	if _, err := NewPoller("epoll"); err == nil {
		t.Fatal("expected error")
	}
}
