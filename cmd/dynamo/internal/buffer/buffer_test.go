package buffer

import (
	"bytes"
	"testing"
)

func TestBuffer_AppendConsume(t *testing.T) {
	var b Buffer
	b.Append([]byte("hello "))
	b.Append([]byte("world"))
	if b.Len() != 11 {
		t.Fatalf("Len=%d", b.Len())
	}
	b.Consume(6)
	if got := string(b.Bytes()); got != "world" {
		t.Fatalf("Bytes=%q", got)
	}
	b.Consume(100)
	if b.Len() != 0 {
		t.Fatalf("Len after over-consume=%d", b.Len())
	}
}

func TestBuffer_CompactKeepsOrder(t *testing.T) {
	var b Buffer
	var want []byte
	for i := 0; i < 1000; i++ {
		chunk := bytes.Repeat([]byte{byte(i)}, 7)
		b.Append(chunk)
		want = append(want, chunk...)
		b.Consume(5)
		want = want[5:]
		if !bytes.Equal(b.Bytes(), want) {
			t.Fatalf("iteration %d: buffer diverged", i)
		}
	}
}

func TestBuffer_NextAndIndexByte(t *testing.T) {
	var b Buffer
	b.Append([]byte("GET / HTTP/1.1\r\nHost: x\r\n"))
	if i := b.IndexByte('\n'); i != 15 {
		t.Fatalf("IndexByte=%d", i)
	}
	p := make([]byte, 4)
	if n := b.Next(p); n != 4 || string(p) != "GET " {
		t.Fatalf("Next=%d %q", n, p)
	}
	if i := b.IndexByte('\n'); i != 11 {
		t.Fatalf("IndexByte after Next=%d", i)
	}
}
