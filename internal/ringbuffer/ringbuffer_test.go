package ringbuffer

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPredicates_Fresh(t *testing.T) {
	b := New()
	require.True(t, b.CanRead())
	require.False(t, b.CanWrite())
	require.False(t, b.NeedsShutRd())
	require.False(t, b.NeedsShutWr())
	require.True(t, b.Alive())
}

func TestReadThenWrite_RoundTrip(t *testing.T) {
	b := New()
	src := strings.NewReader("hello world")

	n, err := b.ReadFrom(src)
	require.NoError(t, err)
	require.Equal(t, 11, n)
	require.Equal(t, 11, b.Occupancy())

	var dst bytes.Buffer
	n, err = b.WriteTo(&dst)
	require.NoError(t, err)
	require.Equal(t, 11, n)
	require.Equal(t, "hello world", dst.String())
	require.True(t, b.empty())
}

func TestEOF_DrivesHalfCloseMachine(t *testing.T) {
	b := New()

	n, err := b.ReadFrom(strings.NewReader(""))
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.True(t, b.EOF())

	// empty and eof -> needs shut_wr immediately, since nothing to drain,
	// and eof alone already asks for the read half to be shut.
	require.True(t, b.NeedsShutWr())
	require.True(t, b.NeedsShutRd())

	b.SetShutRd()
	b.SetShutWr()
	require.False(t, b.NeedsShutWr())
	require.False(t, b.Alive())
}

func TestEOF_WithPendingData_DrainsBeforeShutWr(t *testing.T) {
	b := New()
	src := strings.NewReader("x")
	_, err := b.ReadFrom(src)
	require.NoError(t, err)
	// The reader reports end of stream on the next call, as a socket does.
	_, err = b.ReadFrom(src)
	require.NoError(t, err)
	require.True(t, b.EOF())
	require.False(t, b.NeedsShutWr(), "must drain pending byte before shutdown")

	var dst bytes.Buffer
	_, err = b.WriteTo(&dst)
	require.NoError(t, err)
	require.True(t, b.NeedsShutWr())
}

type errReader struct{ err error }

func (e errReader) Read(p []byte) (int, error) { return 0, e.err }

func TestReadError_LatchesEOF(t *testing.T) {
	b := New()
	_, err := b.ReadFrom(errReader{err: io.ErrClosedPipe})
	require.Error(t, err)
	require.True(t, b.EOF())
}

func TestRingWrap_TwoSegments(t *testing.T) {
	b := New()

	// Fill to within a few bytes of the end, drain it all, then write
	// again so the occupied region wraps across the array boundary.
	filler := bytes.Repeat([]byte{'a'}, Size-4)
	n, err := b.ReadFrom(bytes.NewReader(filler))
	require.NoError(t, err)
	require.Equal(t, Size-4, n)

	var sink bytes.Buffer
	for b.Occupancy() > 0 {
		_, err = b.WriteTo(&sink)
		require.NoError(t, err)
	}

	// Now start=end=Size-4 (mod Size). Writing 10 bytes wraps.
	n, err = b.ReadFrom(bytes.NewReader(bytes.Repeat([]byte{'b'}, 10)))
	require.NoError(t, err)
	require.Equal(t, 10, n)

	first, second := b.OccupiedSegments()
	require.Len(t, first, 4)
	require.Len(t, second, 6)

	sink.Reset()
	_, err = b.WriteToVectored(&sink)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{'b'}, 10), sink.Bytes())
}

func TestDiscard_DropsPendingBytesAndKeepsEOF(t *testing.T) {
	b := New()
	_, err := b.ReadFrom(strings.NewReader("partial"))
	require.NoError(t, err)
	require.Equal(t, 7, b.Occupancy())

	_, err = b.ReadFrom(errReader{err: io.ErrUnexpectedEOF})
	require.Error(t, err)
	require.True(t, b.EOF())

	b.Discard()
	require.Equal(t, 0, b.Occupancy())
	require.True(t, b.NeedsShutWr(), "discarding should leave the buffer empty and ready to shut down")
}

func TestFull_StopsCanRead(t *testing.T) {
	b := New()
	_, err := b.ReadFrom(bytes.NewReader(bytes.Repeat([]byte{'z'}, Size)))
	require.NoError(t, err)
	require.False(t, b.CanRead())
	require.True(t, b.CanWrite())
}
