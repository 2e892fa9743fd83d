package bytebuffer_test

import (
	"errors"
	"testing"

	"github.com/rivernet/reactor/bytebuffer"
)

func TestFreshBufferInvariants(t *testing.T) {
	b := bytebuffer.New()
	if got := b.ReadableBytes(); got != 0 {
		t.Fatalf("ReadableBytes() = %d, want 0", got)
	}
	if got := b.WritableBytes(); got != bytebuffer.InitialSize {
		t.Fatalf("WritableBytes() = %d, want %d", got, bytebuffer.InitialSize)
	}
	if got := b.PrependableBytes(); got != bytebuffer.PrependSize {
		t.Fatalf("PrependableBytes() = %d, want %d", got, bytebuffer.PrependSize)
	}
}

func TestAppendRetrieveRoundTrip(t *testing.T) {
	b := bytebuffer.New()
	b.AppendString("hello world")
	if got := b.ReadableBytes(); got != 11 {
		t.Fatalf("ReadableBytes() = %d, want 11", got)
	}
	got := string(b.RetrieveAsBytes(5))
	if got != "hello" {
		t.Fatalf("RetrieveAsBytes(5) = %q, want %q", got, "hello")
	}
	if got := b.ReadableBytes(); got != 6 {
		t.Fatalf("ReadableBytes() after partial retrieve = %d, want 6", got)
	}
	rest := string(b.RetrieveAllAsBytes())
	if rest != " world" {
		t.Fatalf("RetrieveAllAsBytes() = %q, want %q", rest, " world")
	}
	if got := b.ReadableBytes(); got != 0 {
		t.Fatalf("ReadableBytes() after full drain = %d, want 0", got)
	}
	if got := b.PrependableBytes(); got != bytebuffer.PrependSize {
		t.Fatalf("after full drain PrependableBytes() = %d, want %d (reset to headroom)", got, bytebuffer.PrependSize)
	}
}

func TestGrowthByCompaction(t *testing.T) {
	b := bytebuffer.NewSize(16)
	b.AppendString("0123456789") // 10 bytes, 6 writable left
	b.Retrieve(8)                // 2 readable, plenty of prependable
	before := b.InternalCapacity()
	b.AppendString("abcdefgh") // needs 8 more bytes; compaction should suffice
	if got := b.InternalCapacity(); got != before {
		t.Fatalf("InternalCapacity() = %d, want unchanged %d (compaction, not grow)", got, before)
	}
	if got := string(b.Peek()); got != "89abcdefgh" {
		t.Fatalf("Peek() = %q, want %q", got, "89abcdefgh")
	}
}

func TestGrowthByExpansion(t *testing.T) {
	b := bytebuffer.NewSize(4)
	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte(i)
	}
	b.Append(big)
	if got := b.ReadableBytes(); got != len(big) {
		t.Fatalf("ReadableBytes() = %d, want %d", got, len(big))
	}
	if got := b.RetrieveAllAsBytes(); string(got) != string(big) {
		t.Fatalf("content mismatch after growth")
	}
}

func TestPrependRequiresHeadroom(t *testing.T) {
	b := bytebuffer.New()
	b.Prepend([]byte("XX"))
	if got := b.PrependableBytes(); got != bytebuffer.PrependSize-2 {
		t.Fatalf("PrependableBytes() = %d, want %d", got, bytebuffer.PrependSize-2)
	}
	if got := string(b.Peek()); got != "XX" {
		t.Fatalf("Peek() = %q, want %q", got, "XX")
	}
}

func TestPrependPanicsBeyondHeadroom(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic when prepend exceeds headroom")
		}
	}()
	b := bytebuffer.New()
	b.Prepend(make([]byte, bytebuffer.PrependSize+1))
}

func TestIntRoundTripNetworkOrder(t *testing.T) {
	b := bytebuffer.New()
	b.AppendUint64(0x0102030405060708)
	b.AppendUint32(0xAABBCCDD)
	b.AppendUint16(0xBEEF)
	b.AppendUint8(0x42)

	if v := b.ReadUint64(); v != 0x0102030405060708 {
		t.Fatalf("ReadUint64() = %#x, want %#x", v, uint64(0x0102030405060708))
	}
	if v := b.ReadUint32(); v != 0xAABBCCDD {
		t.Fatalf("ReadUint32() = %#x, want %#x", v, uint32(0xAABBCCDD))
	}
	if v := b.ReadUint16(); v != 0xBEEF {
		t.Fatalf("ReadUint16() = %#x, want %#x", v, uint16(0xBEEF))
	}
	if v := b.ReadUint8(); v != 0x42 {
		t.Fatalf("ReadUint8() = %#x, want %#x", v, uint8(0x42))
	}
	if got := b.ReadableBytes(); got != 0 {
		t.Fatalf("ReadableBytes() = %d, want 0 after draining all typed reads", got)
	}
}

func TestFindCRLFAndEOL(t *testing.T) {
	b := bytebuffer.New()
	b.AppendString("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	if idx := b.FindCRLF(); idx != 14 {
		t.Fatalf("FindCRLF() = %d, want 14", idx)
	}
	if idx := b.FindEOL(); idx != 15 {
		t.Fatalf("FindEOL() = %d, want 15", idx)
	}
}

func TestUnwrite(t *testing.T) {
	b := bytebuffer.New()
	b.AppendString("placeholder")
	b.Unwrite(4)
	if got := string(b.Peek()); got != "placeho" {
		t.Fatalf("Peek() after Unwrite = %q, want %q", got, "placeho")
	}
}

func TestShrinkPreservesContent(t *testing.T) {
	b := bytebuffer.NewSize(4096)
	b.AppendString("small payload")
	b.Shrink(0)
	if got := string(b.Peek()); got != "small payload" {
		t.Fatalf("Peek() after Shrink = %q, want %q", got, "small payload")
	}
	if b.InternalCapacity() >= 4096+bytebuffer.PrependSize {
		t.Fatalf("Shrink() did not reduce capacity, got %d", b.InternalCapacity())
	}
}

func TestRetrieveBeyondReadablePanics(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic")
		}
	}()
	b := bytebuffer.New()
	b.Retrieve(1)
}

func TestReadUnderflowPanicsWithSentinel(t *testing.T) {
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, bytebuffer.ErrUnderflow) {
			t.Fatalf("expected ErrUnderflow panic, got %v", r)
		}
	}()
	b := bytebuffer.New()
	b.ReadUint32()
}

type fakeReaderv struct {
	data []byte
}

func (f *fakeReaderv) Readv(v1, v2 []byte) (int, error) {
	n := copy(v1, f.data)
	if n < len(f.data) {
		n += copy(v2, f.data[n:])
	}
	return n, nil
}

func TestReadFromWithinWritable(t *testing.T) {
	b := bytebuffer.New()
	src := &fakeReaderv{data: []byte("short")}
	n, err := b.ReadFrom(src)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if n != 5 {
		t.Fatalf("n = %d, want 5", n)
	}
	if got := string(b.Peek()); got != "short" {
		t.Fatalf("Peek() = %q, want %q", got, "short")
	}
}

func TestReadFromOverflowsIntoScratch(t *testing.T) {
	b := bytebuffer.NewSize(4)
	big := make([]byte, 50000)
	for i := range big {
		big[i] = byte(i % 251)
	}
	src := &fakeReaderv{data: big}
	n, err := b.ReadFrom(src)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if n != len(big) {
		t.Fatalf("n = %d, want %d", n, len(big))
	}
	if got := b.Peek(); string(got) != string(big) {
		t.Fatalf("content mismatch after scatter read overflow")
	}
}
