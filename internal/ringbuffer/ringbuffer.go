// Package ringbuffer implements the fixed-size, power-of-two ring buffer
// with sticky half-close flags described in spec §3 and §4.2.7. It is the
// canonical place the engine's bidirectional pump drains "read from one
// side, write to the other, then propagate EOF as a half-close" without
// encoding that state machine as ad-hoc control flow.
//
// A Buffer is not safe for concurrent use; the engine serializes access to
// each direction's buffer behind its own goroutine.
package ringbuffer

import "io"

// Size is the buffer capacity in bytes. Power of two so that offsets can be
// computed with a mask instead of a modulo.
const Size = 16 * 1024

const mask = Size - 1

// Buffer is one direction of a connection's byte pump.
type Buffer struct {
	data    [Size]byte
	start   uint64
	end     uint64
	eof     bool
	shutRd  bool
	shutWr  bool
}

// New returns an empty Buffer.
func New() *Buffer {
	return &Buffer{}
}

// Occupancy is the number of unread bytes currently buffered.
func (b *Buffer) Occupancy() int {
	return int(b.end - b.start)
}

func (b *Buffer) full() bool {
	return b.Occupancy() == Size
}

func (b *Buffer) empty() bool {
	return b.Occupancy() == 0
}

// SetEOF latches that the source will produce no more bytes. Idempotent.
func (b *Buffer) SetEOF() {
	b.eof = true
}

// EOF reports whether the source has signalled end of stream.
func (b *Buffer) EOF() bool {
	return b.eof
}

// ShutRd reports whether the read half of the source has been shut down.
func (b *Buffer) ShutRd() bool {
	return b.shutRd
}

// SetShutRd latches that the read half has been shut down.
func (b *Buffer) SetShutRd() {
	b.shutRd = true
}

// ShutWr reports whether the write half of the sink has been shut down.
func (b *Buffer) ShutWr() bool {
	return b.shutWr
}

// SetShutWr latches that the write half has been shut down.
func (b *Buffer) SetShutWr() {
	b.shutWr = true
}

// CanRead reports whether the source side may still be polled for data:
// the read half isn't shut down and there is free space to receive into.
func (b *Buffer) CanRead() bool {
	return !b.shutRd && !b.full()
}

// CanWrite reports whether the sink side has something to drain.
func (b *Buffer) CanWrite() bool {
	return !b.shutWr && !b.empty()
}

// NeedsShutRd reports the synthetic "serviced without polling" condition
// from spec §4.2.7 step 3: EOF latched but the read half not yet shut.
func (b *Buffer) NeedsShutRd() bool {
	return b.eof && !b.shutRd
}

// NeedsShutWr reports the drain-then-close condition: EOF latched, buffer
// fully drained, but the write half not yet shut.
func (b *Buffer) NeedsShutWr() bool {
	return b.eof && b.empty() && !b.shutWr
}

// Alive reports whether either half of this direction is still open.
func (b *Buffer) Alive() bool {
	return !b.shutRd || !b.shutWr
}

// FreeSegments returns up to two byte slices into the backing array
// covering the currently-free space, in write order. A second segment is
// only non-empty when the free region wraps around the end of the array —
// this is the "get_iovecs returns either 1 or 2 segments" behaviour of
// spec §8.
func (b *Buffer) FreeSegments() (first, second []byte) {
	free := Size - b.Occupancy()
	if free == 0 {
		return nil, nil
	}

	off := int(b.end & mask)
	toEnd := Size - off

	if free <= toEnd {
		return b.data[off : off+free], nil
	}

	return b.data[off:Size], b.data[0 : free-toEnd]
}

// OccupiedSegments returns up to two byte slices covering the currently
// occupied region, in read order.
func (b *Buffer) OccupiedSegments() (first, second []byte) {
	n := b.Occupancy()
	if n == 0 {
		return nil, nil
	}

	off := int(b.start & mask)
	toEnd := Size - off

	if n <= toEnd {
		return b.data[off : off+n], nil
	}

	return b.data[off:Size], b.data[0 : n-toEnd]
}

// Produce advances the write cursor after n bytes were copied into the
// segments returned by FreeSegments. n must not exceed the free space.
func (b *Buffer) Produce(n int) {
	b.end += uint64(n)
}

// Consume advances the read cursor after n bytes were copied out of the
// segments returned by OccupiedSegments. n must not exceed the occupancy.
func (b *Buffer) Consume(n int) {
	b.start += uint64(n)
}

// Discard drops any buffered, not-yet-forwarded bytes without delivering
// them, per spec §7: a hard read error (anything but EAGAIN/EOF) latches
// EOF *and* discards pending bytes rather than draining them normally.
func (b *Buffer) Discard() {
	b.start = b.end
}

// ReadFrom drains as much of r into the buffer's free space as fits in one
// call, mirroring the single readv(2) call per pump iteration in spec
// §4.2.7. It never blocks past what r.Read does; io.EOF sets the sticky
// EOF flag and is not returned as an error. Any other read error also
// latches EOF (spec §7: treat unexpected read errors as end-of-stream) and
// is returned to the caller for logging.
func (b *Buffer) ReadFrom(r io.Reader) (n int, err error) {
	first, second := b.FreeSegments()
	if len(first) == 0 {
		return 0, nil
	}

	n, err = r.Read(first)
	b.Produce(n)

	if err == nil && n == len(first) && len(second) > 0 {
		var n2 int
		n2, err = r.Read(second)
		b.Produce(n2)
		n += n2
	}

	if err != nil {
		b.SetEOF()
		if err == io.EOF {
			err = nil
		}
	}

	return n, err
}

// WriteTo flushes as much of the occupied region to w as a single
// Write-style call accepts, mirroring the single sendmsg(2) per pump
// iteration. Short writes drain partially; the caller re-polls CanWrite.
func (b *Buffer) WriteTo(w io.Writer) (n int, err error) {
	first, _ := b.OccupiedSegments()
	if len(first) == 0 {
		return 0, nil
	}

	n, err = w.Write(first)
	b.Consume(n)
	return n, err
}

// WriteToVectored flushes the occupied region to w using both segments
// when the occupied region wraps. Used for plaintext sinks, which —
// unlike the TLS record layer — may take both segments in one pump
// iteration. The segments are written with two separate w.Write calls,
// not one scatter/gather syscall; the second is attempted only when the
// first was written in full.
func (b *Buffer) WriteToVectored(w io.Writer) (n int, err error) {
	first, second := b.OccupiedSegments()
	if len(first) == 0 {
		return 0, nil
	}

	n, err = w.Write(first)
	b.Consume(n)

	if err == nil && n == len(first) && len(second) > 0 {
		var n2 int
		n2, err = w.Write(second)
		b.Consume(n2)
		n += n2
	}

	return n, err
}
