package denseread_test

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/borgthin/thinbackup/pkg/denseread"
	"github.com/borgthin/thinbackup/pkg/segment"
)

const blockSize = 4

// fakeDevice is an in-memory io.ReaderAt standing in for a thin volume's
// backing block device.
type fakeDevice struct {
	data []byte
}

func (d *fakeDevice) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(d.data)) {
		return 0, io.EOF
	}

	n := copy(p, d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

func gen(n int, start byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = start + byte(i)
	}

	return buf
}

func TestReader_ReadsOnlyNewSegments(t *testing.T) {
	// 3 blocks hole, 2 blocks new, 2 blocks old, 1 block new.
	dev := &fakeDevice{data: append(append(
		make([]byte, 3*blockSize),
		gen(2*blockSize, 1)...),
		append(gen(2*blockSize, 100), gen(1*blockSize, 200)...)...,
	)}

	deltas := segment.NewSliceDeltaIterator([]segment.Delta{
		{Kind: segment.DeltaRightOnly, Begin: 3, Length: 2},
		{Kind: segment.DeltaSame, Begin: 5, Length: 2},
		{Kind: segment.DeltaRightOnly, Begin: 7, Length: 1},
	})
	segmap := segment.Build(8, deltas)

	r, err := denseread.New(segmap, blockSize, dev)
	require.NoError(t, err)

	got, err := io.ReadAll(r)
	require.NoError(t, err)

	want := append(gen(2*blockSize, 1), gen(1*blockSize, 200)...)
	assert.Equal(t, want, got)
}

func TestReader_NoNewSegmentsYieldsEOFImmediately(t *testing.T) {
	dev := &fakeDevice{data: make([]byte, 4*blockSize)}

	deltas := segment.NewSliceDeltaIterator([]segment.Delta{
		{Kind: segment.DeltaSame, Begin: 0, Length: 4},
	})
	segmap := segment.Build(4, deltas)

	r, err := denseread.New(segmap, blockSize, dev)
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, err := r.Read(buf)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_SmallReadBufferAcrossMultipleSegments(t *testing.T) {
	dev := &fakeDevice{data: append(gen(2*blockSize, 1), gen(2*blockSize, 50)...)}

	deltas := segment.NewSliceDeltaIterator([]segment.Delta{
		{Kind: segment.DeltaRightOnly, Begin: 0, Length: 2},
		{Kind: segment.DeltaDifferent, Begin: 2, Length: 2},
	})
	segmap := segment.Build(4, deltas)

	r, err := denseread.New(segmap, blockSize, dev)
	require.NoError(t, err)

	var got []byte

	buf := make([]byte, 3)

	for {
		n, err := r.Read(buf)
		got = append(got, buf[:n]...)

		if errors.Is(err, io.EOF) {
			break
		}

		require.NoError(t, err)
	}

	want := append(gen(2*blockSize, 1), gen(2*blockSize, 50)...)
	assert.Equal(t, want, got)
}

type shortReadDevice struct {
	data []byte
}

func (d *shortReadDevice) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(d.data)) {
		return 0, io.EOF
	}

	n := copy(p[:1], d.data[off:])

	return n, nil
}

func TestReader_RetriesShortReadsFromDevice(t *testing.T) {
	dev := &shortReadDevice{data: gen(blockSize, 9)}

	deltas := segment.NewSliceDeltaIterator([]segment.Delta{
		{Kind: segment.DeltaRightOnly, Begin: 0, Length: 1},
	})
	segmap := segment.Build(1, deltas)

	r, err := denseread.New(segmap, blockSize, dev)
	require.NoError(t, err)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, gen(blockSize, 9), got)
}

type failingDevice struct{}

func (failingDevice) ReadAt(p []byte, off int64) (int, error) {
	return 0, errors.New("disk on fire")
}

func TestReader_WrapsUnderlyingDeviceError(t *testing.T) {
	deltas := segment.NewSliceDeltaIterator([]segment.Delta{
		{Kind: segment.DeltaRightOnly, Begin: 0, Length: 1},
	})
	segmap := segment.Build(1, deltas)

	r, err := denseread.New(segmap, blockSize, failingDevice{})
	require.NoError(t, err)

	buf := make([]byte, blockSize)
	_, err = r.Read(buf)
	assert.ErrorIs(t, err, denseread.ErrDeviceIO)
}

func TestReader_ZeroByteReadIsTreatedAsShortRead(t *testing.T) {
	dev := &fakeDevice{data: []byte{}}

	deltas := segment.NewSliceDeltaIterator([]segment.Delta{
		{Kind: segment.DeltaRightOnly, Begin: 0, Length: 1},
	})
	segmap := segment.Build(1, deltas)

	r, err := denseread.New(segmap, blockSize, dev)
	require.NoError(t, err)

	buf := make([]byte, blockSize)
	_, err = r.Read(buf)
	assert.ErrorIs(t, err, denseread.ErrShortDeviceRead)
}

func TestNew_PropagatesSegmentMapError(t *testing.T) {
	_, err := denseread.New(segment.Build(4, erroringDeltaIterator{}), blockSize, &fakeDevice{})
	assert.Error(t, err)
}

type erroringDeltaIterator struct{}

func (erroringDeltaIterator) Next() (segment.Delta, bool, error) {
	return segment.Delta{}, false, errors.New("delta stream broke")
}
