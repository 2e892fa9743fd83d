// Package bytebuffer implements the growable, three-region byte buffer
// described in spec.md §3 "Byte buffer" and §4.1: a contiguous mutable
// region partitioned by reader/writer offsets, used as both the read
// and write staging area for a TCP connection, with network-endian
// typed helpers and a two-vector scatter read.
//
// Grounded on muduo/net/Buffer.{h,cc} (original_source): the prepend
// headroom, compact-or-grow policy, and readFd scatter-read shape are
// carried over field-for-field; the reuse of the 64 KiB scratch region
// via a sync.Pool follows the teacher's pooling idiom in
// pool/objpool.go instead of muduo's stack allocation, since Go cannot
// cheaply place a 64 KiB array on the stack of every readFd call.
package bytebuffer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rivernet/reactor/pool"
)

const (
	// PrependSize is the reserved head region available for late
	// header insertion (spec.md §3 "reserves a small prepend headroom").
	PrependSize = 8

	// InitialSize is the initial writable capacity of a fresh buffer.
	InitialSize = 1024

	// scratchSize is the size of the pooled auxiliary region used by
	// the scatter read (spec.md §4.1, §9 second Open Question). Fixed
	// at 64 KiB to match muduo/net/Buffer.cc's extrabuf[65536] exactly.
	scratchSize = 65536
)

var scratchPool = pool.NewSyncPool(func() *[scratchSize]byte {
	return new([scratchSize]byte)
})

// ErrUnderflow is the panic value of the typed Peek/Read helpers when
// fewer bytes are readable than requested. Retrieve and RetrieveAsBytes
// panic with a formatted message instead.
var ErrUnderflow = errors.New("bytebuffer: not enough readable bytes")

// Buffer is a growable byte buffer with prepend headroom, a readable
// content region, and a writable tail. Not safe for concurrent use;
// spec.md §5 confines each connection's buffers to its owning reactor.
type Buffer struct {
	buf    []byte
	reader int // start of readable content
	writer int // end of readable content / start of writable tail
}

// New creates a buffer with InitialSize writable capacity and
// PrependSize prepend headroom, matching muduo's default constructor.
func New() *Buffer {
	return NewSize(InitialSize)
}

// NewSize creates a buffer with the requested initial writable capacity.
func NewSize(initialSize int) *Buffer {
	return &Buffer{
		buf:    make([]byte, PrependSize+initialSize),
		reader: PrependSize,
		writer: PrependSize,
	}
}

// ReadableBytes returns the number of unread content bytes.
func (b *Buffer) ReadableBytes() int { return b.writer - b.reader }

// WritableBytes returns the remaining space in the writable tail.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writer }

// PrependableBytes returns the size of the reserved head region still available.
func (b *Buffer) PrependableBytes() int { return b.reader }

// Peek returns a slice view of the readable content without consuming it.
// The slice aliases the buffer's backing array and is invalidated by
// any subsequent mutating call.
func (b *Buffer) Peek() []byte { return b.buf[b.reader:b.writer] }

// Retrieve advances the reader index by n, discarding n bytes of
// content. Panics if n exceeds ReadableBytes, matching muduo's
// assert(len <= readableBytes()).
func (b *Buffer) Retrieve(n int) {
	if n > b.ReadableBytes() {
		panic(fmt.Sprintf("bytebuffer: Retrieve(%d) exceeds readable bytes %d", n, b.ReadableBytes()))
	}
	if n < b.ReadableBytes() {
		b.reader += n
	} else {
		b.RetrieveAll()
	}
}

// RetrieveAll discards all readable content and resets both indices
// to the prepend headroom (spec.md §3 invariant).
func (b *Buffer) RetrieveAll() {
	b.reader = PrependSize
	b.writer = PrependSize
}

// RetrieveAllAsBytes drains the buffer and returns a fresh copy of its content.
func (b *Buffer) RetrieveAllAsBytes() []byte {
	out := make([]byte, b.ReadableBytes())
	copy(out, b.Peek())
	b.RetrieveAll()
	return out
}

// RetrieveAsBytes drains n bytes of content and returns a fresh copy.
func (b *Buffer) RetrieveAsBytes(n int) []byte {
	if n > b.ReadableBytes() {
		panic(fmt.Sprintf("bytebuffer: RetrieveAsBytes(%d) exceeds readable bytes %d", n, b.ReadableBytes()))
	}
	out := make([]byte, n)
	copy(out, b.buf[b.reader:b.reader+n])
	b.Retrieve(n)
	return out
}

// Append writes data to the writable tail, growing or compacting the
// buffer first if there isn't enough room (spec.md §4.1 growth policy).
func (b *Buffer) Append(data []byte) {
	b.ensureWritable(len(data))
	copy(b.buf[b.writer:], data)
	b.writer += len(data)
}

// AppendString is a convenience wrapper around Append for string data.
func (b *Buffer) AppendString(s string) { b.Append([]byte(s)) }

// ensureWritable applies the compact-first, grow-second policy from
// spec.md §4.1: compaction is chosen first to bound memory.
func (b *Buffer) ensureWritable(n int) {
	if b.WritableBytes() >= n {
		return
	}
	if b.WritableBytes()+(b.reader-PrependSize) >= n {
		// Compact: slide readable content down to the headroom boundary.
		readable := b.ReadableBytes()
		copy(b.buf[PrependSize:], b.buf[b.reader:b.writer])
		b.reader = PrependSize
		b.writer = b.reader + readable
		return
	}
	// Grow: allocate a buffer large enough for the write, amortized doubling.
	needed := b.writer + n
	newCap := len(b.buf)
	if newCap == 0 {
		newCap = PrependSize + InitialSize
	}
	for newCap < needed {
		newCap *= 2
	}
	grown := make([]byte, newCap)
	copy(grown, b.buf[:b.writer])
	b.buf = grown
}

// Unwrite retracts the last n written-but-unconsumed bytes, letting an
// encoder retract a speculative placeholder write (SPEC_FULL.md
// Supplemented Features, grounded on muduo's Buffer::unwrite).
func (b *Buffer) Unwrite(n int) {
	if n > b.ReadableBytes() {
		panic(fmt.Sprintf("bytebuffer: Unwrite(%d) exceeds readable bytes %d", n, b.ReadableBytes()))
	}
	b.writer -= n
}

// Shrink reallocates the backing array down to exactly the current
// content plus reserve bytes of slack, reclaiming memory held by a
// long-lived connection's buffer after a burst (SPEC_FULL.md
// Supplemented Features, grounded on muduo's Buffer::shrink).
func (b *Buffer) Shrink(reserve int) {
	readable := b.ReadableBytes()
	fresh := NewSize(readable + reserve)
	fresh.Append(b.Peek())
	*b = *fresh
}

// InternalCapacity returns the size of the backing array.
func (b *Buffer) InternalCapacity() int { return len(b.buf) }

// Prepend copies data into the reserved head region immediately
// before the current readable content, decrementing the reader index.
// Panics if len(data) exceeds PrependableBytes.
func (b *Buffer) Prepend(data []byte) {
	if len(data) > b.PrependableBytes() {
		panic(fmt.Sprintf("bytebuffer: Prepend(%d bytes) exceeds prependable bytes %d", len(data), b.PrependableBytes()))
	}
	b.reader -= len(data)
	copy(b.buf[b.reader:], data)
}

// FindCRLF returns the offset (relative to Peek()) of the first "\r\n"
// in the readable content, or -1 if not found.
func (b *Buffer) FindCRLF() int {
	idx := bytes.Index(b.Peek(), []byte("\r\n"))
	return idx
}

// FindEOL returns the offset (relative to Peek()) of the first '\n' in
// the readable content, or -1 if not found.
func (b *Buffer) FindEOL() int {
	return bytes.IndexByte(b.Peek(), '\n')
}

// --- network-endian typed helpers (spec.md §4.1) ---

// AppendUint64 appends x in network byte order.
func (b *Buffer) AppendUint64(x uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], x)
	b.Append(tmp[:])
}

// AppendUint32 appends x in network byte order.
func (b *Buffer) AppendUint32(x uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], x)
	b.Append(tmp[:])
}

// AppendUint16 appends x in network byte order.
func (b *Buffer) AppendUint16(x uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], x)
	b.Append(tmp[:])
}

// AppendUint8 appends a single byte.
func (b *Buffer) AppendUint8(x uint8) { b.Append([]byte{x}) }

// PeekUint64 reads a network-endian uint64 without consuming it.
func (b *Buffer) PeekUint64() uint64 {
	b.requireReadable(8)
	return binary.BigEndian.Uint64(b.Peek())
}

// PeekUint32 reads a network-endian uint32 without consuming it.
func (b *Buffer) PeekUint32() uint32 {
	b.requireReadable(4)
	return binary.BigEndian.Uint32(b.Peek())
}

// PeekUint16 reads a network-endian uint16 without consuming it.
func (b *Buffer) PeekUint16() uint16 {
	b.requireReadable(2)
	return binary.BigEndian.Uint16(b.Peek())
}

// PeekUint8 reads a single byte without consuming it.
func (b *Buffer) PeekUint8() uint8 {
	b.requireReadable(1)
	return b.Peek()[0]
}

// ReadUint64 reads and consumes a network-endian uint64.
func (b *Buffer) ReadUint64() uint64 {
	v := b.PeekUint64()
	b.Retrieve(8)
	return v
}

// ReadUint32 reads and consumes a network-endian uint32.
func (b *Buffer) ReadUint32() uint32 {
	v := b.PeekUint32()
	b.Retrieve(4)
	return v
}

// ReadUint16 reads and consumes a network-endian uint16.
func (b *Buffer) ReadUint16() uint16 {
	v := b.PeekUint16()
	b.Retrieve(2)
	return v
}

// ReadUint8 reads and consumes a single byte.
func (b *Buffer) ReadUint8() uint8 {
	v := b.PeekUint8()
	b.Retrieve(1)
	return v
}

// PrependUint32 inserts x in network byte order immediately before the readable content.
func (b *Buffer) PrependUint32(x uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], x)
	b.Prepend(tmp[:])
}

func (b *Buffer) requireReadable(n int) {
	if b.ReadableBytes() < n {
		panic(ErrUnderflow)
	}
}

// ReadFrom performs the two-vector scatter read described in spec.md
// §4.1: the first vector targets the buffer's writable tail, the
// second a pooled 64 KiB scratch region, so a single syscall can
// absorb an arrival larger than the current writable space without
// forcing a grow on every read. Returns the number of bytes read.
func (b *Buffer) ReadFrom(r FdReaderv) (int, error) {
	writable := b.WritableBytes()
	scratch := scratchPool.Get()
	defer scratchPool.Put(scratch)

	n, err := r.Readv(b.buf[b.writer:], scratch[:])
	if err != nil {
		return n, err
	}
	if n <= writable {
		b.writer += n
	} else {
		b.writer = len(b.buf)
		b.Append(scratch[:n-writable])
	}
	return n, nil
}

// FdReaderv is the scatter-read contract: Readv fills v1 first, then
// spills into v2 up to their combined capacity, returning the total
// bytes placed across both, mirroring readv(2) semantics.
type FdReaderv interface {
	Readv(v1, v2 []byte) (int, error)
}
