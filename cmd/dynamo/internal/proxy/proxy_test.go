package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/core"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/httpconn"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/relay"
)

type stubResolver map[string]string

func (r stubResolver) Resolve(_ context.Context, host string, port int) (string, error) {
	if addr, ok := r[net.JoinHostPort(host, strconv.Itoa(port))]; ok {
		return addr, nil
	}
	return "", fmt.Errorf("no such host %s", host)
}

type recordingRelay struct {
	mu     sync.Mutex
	labels []string
	next   core.Relayer
}

func (r *recordingRelay) Relay(label string, from, to relay.Endpoint) {
	r.mu.Lock()
	r.labels = append(r.labels, label)
	r.mu.Unlock()
	if r.next != nil {
		r.next.Relay(label, from, to)
		return
	}
	from.Close()
	to.Close()
}

func (r *recordingRelay) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.labels...)
}

func newScheduler() *relay.Scheduler {
	opts := relay.DefaultOptions()
	opts.PollInterval = 5 * time.Millisecond
	return relay.New(opts, relay.SelectPoller{})
}

var localOnly = core.HandlerFunc(func(c *httpconn.Connection) core.Processed {
	c.SendResponse(httpconn.OK("local " + c.Path))
	return core.HandledAndReusable
})

func startProxy(t *testing.T, resolver core.HostResolver, relayer core.Relayer) string {
	t.Helper()
	ln, port, err := core.Listen(0, true)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	s := &core.Server{
		Listener: ln,
		Handlers: []core.Handler{
			NewConnect(resolver, relayer),
			NewForward(resolver, relayer),
			localOnly,
		},
	}
	go s.Serve()
	t.Cleanup(func() { s.Close() })
	return "127.0.0.1:" + strconv.Itoa(port)
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func listenOrigin(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln
}

func parse(t *testing.T, request string) *httpconn.Connection {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	go io.WriteString(client, request)
	c := httpconn.New(server)
	if !c.ReadHeaders() {
		t.Fatalf("could not parse %q", request)
	}
	return c
}

func TestIsProxyRequest(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"GET /local HTTP/1.1", false},
		{"GET http://nohost/x HTTP/1.1", false},
		{"GET http://example.com/ HTTP/1.1", true},
		{"GET http://example.com:8080/a HTTP/1.1", true},
		{"CONNECT example.com:443 HTTP/1.0", false},
	}
	for _, tt := range tests {
		c := parse(t, tt.line+"\r\n\r\n")
		if got := IsProxyRequest(c); got != tt.want {
			t.Errorf("%s: got %v want %v", tt.line, got, tt.want)
		}
	}
}

func TestRemotePath(t *testing.T) {
	tests := []struct {
		target string
		want   string
	}{
		{"http://example.com", "/"},
		{"http://example.com/a/b", "/a/b"},
		{"http://example.com/dir/", "/dir/"},
		{"http://example.com/dir/?q=1", "/dir/?q=1"},
		{"http://example.com/a?x=y", "/a?x=y"},
		{"http://example.com/a%20b", "/a%20b"},
	}
	for _, tt := range tests {
		c := parse(t, "GET "+tt.target+" HTTP/1.1\r\n\r\n")
		if got := RemotePath(c); got != tt.want {
			t.Errorf("%s: got %q want %q", tt.target, got, tt.want)
		}
	}
}

func TestForward_UnresolvableHost(t *testing.T) {
	rec := &recordingRelay{}
	addr := startProxy(t, stubResolver{}, rec)
	conn := dial(t, addr)
	br := bufio.NewReader(conn)

	io.WriteString(conn, "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 200 || string(body) != "Unable to resolve host example.com" {
		t.Fatalf("status=%d body=%q", resp.StatusCode, body)
	}
	if _, err := br.ReadByte(); err != io.EOF {
		t.Fatalf("connection reused after failed proxy: %v", err)
	}
	if calls := rec.calls(); len(calls) != 0 {
		t.Fatalf("relay registered: %v", calls)
	}
}

func TestForward_LocalRequestFallsThrough(t *testing.T) {
	rec := &recordingRelay{}
	addr := startProxy(t, stubResolver{}, rec)
	conn := dial(t, addr)

	io.WriteString(conn, "GET /index.html HTTP/1.1\r\nHost: localhost\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "local /index.html" {
		t.Fatalf("body=%q", body)
	}
	if calls := rec.calls(); len(calls) != 0 {
		t.Fatalf("relay registered: %v", calls)
	}
}

func TestForward_RelaysToOrigin(t *testing.T) {
	origin := listenOrigin(t)
	type seen struct {
		uri, host, body string
	}
	got := make(chan seen, 1)
	go func() {
		conn, err := origin.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			got <- seen{}
			return
		}
		body, _ := io.ReadAll(req.Body)
		got <- seen{uri: req.RequestURI, host: req.Host, body: string(body)}
		io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 6\r\n\r\norigin")
	}()

	rec := &recordingRelay{next: newScheduler()}
	addr := startProxy(t, stubResolver{"origin.test:80": origin.Addr().String()}, rec)
	conn := dial(t, addr)

	io.WriteString(conn, "POST http://origin.test/submit/?a=b HTTP/1.1\r\nHost: origin.test\r\nContent-Length: 5\r\n\r\nhello")
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "origin" {
		t.Fatalf("body=%q", body)
	}

	s := <-got
	if s.uri != "/submit/?a=b" || s.host != "origin.test" || s.body != "hello" {
		t.Fatalf("origin saw %+v", s)
	}
	if calls := rec.calls(); len(calls) != 1 || calls[0] != "origin.test" {
		t.Fatalf("relay calls: %v", calls)
	}
}

func TestConnect_Tunnel(t *testing.T) {
	remote := listenOrigin(t)
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := remote.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	rec := &recordingRelay{next: newScheduler()}
	addr := startProxy(t, stubResolver{"example.com:443": remote.Addr().String()}, rec)
	conn := dial(t, addr)

	io.WriteString(conn, "CONNECT example.com:443 HTTP/1.0\r\n\r\n")
	want := "HTTP/1.0 200 Connection established\r\nProxy-agent: Dynamo/1.0\r\n\r\n"
	head := make([]byte, len(want))
	if _, err := io.ReadFull(conn, head); err != nil {
		t.Fatalf("read established: %v", err)
	}
	if string(head) != want {
		t.Fatalf("got %q", head)
	}

	var server net.Conn
	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel target never connected")
	}
	defer server.Close()
	server.SetDeadline(time.Now().Add(5 * time.Second))

	hello := []byte("\x16\x03\x01\x00\x05hello")
	conn.Write(hello)
	buf := make([]byte, len(hello))
	if _, err := io.ReadFull(server, buf); err != nil {
		t.Fatalf("remote read: %v", err)
	}
	if string(buf) != string(hello) {
		t.Fatalf("remote got %q", buf)
	}

	reply := []byte("server bytes")
	server.Write(reply)
	buf = make([]byte, len(reply))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(buf) != string(reply) {
		t.Fatalf("client got %q", buf)
	}

	conn.Close()
	if _, err := server.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("remote not closed after client EOF: %v", err)
	}
	if calls := rec.calls(); len(calls) != 1 || calls[0] != "example.com:443" {
		t.Fatalf("relay calls: %v", calls)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	rec := &recordingRelay{}
	addr := startProxy(t, stubResolver{}, rec)
	conn := dial(t, addr)

	io.WriteString(conn, "CONNECT nowhere.test:443 HTTP/1.0\r\n\r\n")
	out, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(out) != "HTTP/1.0 502 Bad Gateway\r\nProxy-agent: Dynamo/1.0\r\n\r\n" {
		t.Fatalf("got %q", out)
	}
	if calls := rec.calls(); len(calls) != 0 {
		t.Fatalf("relay registered: %v", calls)
	}
}
