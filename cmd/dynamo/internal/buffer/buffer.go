package buffer

import "bytes"

// Buffer is a growable byte buffer that is appended at the tail and
// consumed from the head. Consumed bytes are skipped with an offset and the
// live region is moved to the front only once the dead prefix outgrows it,
// so draining a buffer in small steps does not reallocate.
type Buffer struct {
	buf []byte
	off int
}

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int {
	return len(b.buf) - b.off
}

// Bytes returns the unconsumed bytes. The slice is only valid until the
// next mutating call.
func (b *Buffer) Bytes() []byte {
	return b.buf[b.off:]
}

// Append adds p at the tail.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.compact()
	b.buf = append(b.buf, p...)
}

// Consume drops n bytes from the head.
func (b *Buffer) Consume(n int) {
	if n >= b.Len() {
		b.Reset()
		return
	}
	if n > 0 {
		b.off += n
	}
}

// Next copies up to len(p) bytes from the head into p and consumes them.
func (b *Buffer) Next(p []byte) int {
	n := copy(p, b.Bytes())
	b.Consume(n)
	return n
}

// IndexByte reports the offset of c in the unconsumed region, or -1.
func (b *Buffer) IndexByte(c byte) int {
	return bytes.IndexByte(b.Bytes(), c)
}

// Reset empties the buffer, keeping its storage.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.off = 0
}

func (b *Buffer) compact() {
	if b.off == 0 {
		return
	}
	live := b.Len()
	if live == 0 {
		b.Reset()
		return
	}
	// only worth moving once the dead prefix is the larger part
	if b.off < live {
		return
	}
	copy(b.buf, b.buf[b.off:])
	b.buf = b.buf[:live]
	b.off = 0
}
