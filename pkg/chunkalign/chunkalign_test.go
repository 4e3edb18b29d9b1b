package chunkalign_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/borgthin/thinbackup/pkg/chunkalign"
	"github.com/borgthin/thinbackup/pkg/segment"
)

const blockSize = 2

func data(n int, b byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}

	return buf
}

func TestAlignNew_ChunksAlreadyOnBoundariesPassThroughUnsplit(t *testing.T) {
	segs := []segment.Segment{
		{Begin: 0, Length: 2, Kind: segment.SegmentNew}, // 4 bytes
		{Begin: 2, Length: 1, Kind: segment.SegmentNew}, // 2 bytes
	}
	c1 := chunkalign.Chunk{Allocation: chunkalign.AllocData, Size: 4, Payload: data(4, 'a')}
	c2 := chunkalign.Chunk{Allocation: chunkalign.AllocData, Size: 2, Payload: data(2, 'b')}

	items, err := chunkalign.AlignNew(segs, blockSize, chunkalign.NewSliceSource([]chunkalign.Chunk{c1, c2}))
	require.NoError(t, err)

	require.Len(t, items, 4)
	assert.Equal(t, &c1, items[0].Chunk)
	assert.True(t, items[1].End)
	assert.Equal(t, &c2, items[2].Chunk)
}

func TestAlignNew_SplitsChunkStraddlingBoundary(t *testing.T) {
	segs := []segment.Segment{
		{Begin: 0, Length: 1, Kind: segment.SegmentNew}, // 2 bytes
		{Begin: 1, Length: 2, Kind: segment.SegmentNew}, // 4 bytes
	}
	// one 6 byte chunk spans both segments.
	chunk := chunkalign.Chunk{Allocation: chunkalign.AllocData, Size: 6, Payload: data(6, 'z')}

	items, err := chunkalign.AlignNew(segs, blockSize, chunkalign.NewSliceSource([]chunkalign.Chunk{chunk}))
	require.NoError(t, err)

	require.Len(t, items, 4)
	require.NotNil(t, items[0].Chunk)
	assert.Equal(t, uint64(2), items[0].Chunk.Size)
	assert.True(t, items[1].End)
	require.NotNil(t, items[2].Chunk)
	assert.Equal(t, uint64(4), items[2].Chunk.Size)
	assert.True(t, items[3].End)

	assert.Equal(t, chunk.Payload[:2], items[0].Chunk.Payload)
	assert.Equal(t, chunk.Payload[2:], items[2].Chunk.Payload)
}

func TestAlignNew_ReturnsAlignmentMismatchWhenStreamRunsOut(t *testing.T) {
	segs := []segment.Segment{
		{Begin: 0, Length: 5, Kind: segment.SegmentNew},
	}
	chunk := chunkalign.Chunk{Allocation: chunkalign.AllocData, Size: 2, Payload: data(2, 'a')}

	_, err := chunkalign.AlignNew(segs, blockSize, chunkalign.NewSliceSource([]chunkalign.Chunk{chunk}))
	assert.ErrorIs(t, err, chunkalign.ErrAlignmentMismatch)
}

func TestAlignNew_IgnoresNonNewSegments(t *testing.T) {
	segs := []segment.Segment{
		{Begin: 0, Length: 3, Kind: segment.SegmentHole},
		{Begin: 3, Length: 1, Kind: segment.SegmentOld},
		{Begin: 4, Length: 1, Kind: segment.SegmentNew},
	}
	chunk := chunkalign.Chunk{Allocation: chunkalign.AllocData, Size: 2, Payload: data(2, 'q')}

	items, err := chunkalign.AlignNew(segs, blockSize, chunkalign.NewSliceSource([]chunkalign.Chunk{chunk}))
	require.NoError(t, err)

	require.Len(t, items, 2)
	assert.Equal(t, &chunk, items[0].Chunk)
	assert.True(t, items[1].End)
}

type fakeFetcher struct {
	store map[string][]byte
	calls int
}

func (f *fakeFetcher) FetchMany(_ context.Context, ids []string) (map[string][]byte, error) {
	f.calls++

	out := make(map[string][]byte, len(ids))

	for _, id := range ids {
		data, ok := f.store[id]
		if !ok {
			return nil, errors.New("no such chunk: " + id)
		}

		out[id] = data
	}

	return out, nil
}

func TestAlignOld_AlignedRefsPassThroughWithoutFetching(t *testing.T) {
	segs := []segment.Segment{
		{Begin: 0, Length: 2, Kind: segment.SegmentOld}, // 4 bytes
		{Begin: 2, Length: 1, Kind: segment.SegmentOld}, // 2 bytes
	}
	refs := []chunkalign.Ref{
		{ID: "a", Size: 4},
		{ID: "b", Size: 2},
	}
	fetcher := &fakeFetcher{store: map[string][]byte{}}

	items, err := chunkalign.AlignOld(context.Background(), fetcher, segs, blockSize, chunkalign.NewSliceRefSource(refs))
	require.NoError(t, err)

	require.Len(t, items, 4)
	assert.Equal(t, &refs[0], items[0].Ref)
	assert.True(t, items[1].End)
	assert.Equal(t, &refs[1], items[2].Ref)
	assert.Equal(t, 0, fetcher.calls)
}

func TestAlignOld_SplitsRefStraddlingBoundaryByFetching(t *testing.T) {
	segs := []segment.Segment{
		{Begin: 0, Length: 1, Kind: segment.SegmentOld}, // 2 bytes
		{Begin: 1, Length: 2, Kind: segment.SegmentOld}, // 4 bytes
	}
	payload := data(6, 'x')
	refs := []chunkalign.Ref{{ID: "big", Size: 6}}
	fetcher := &fakeFetcher{store: map[string][]byte{"big": payload}}

	items, err := chunkalign.AlignOld(context.Background(), fetcher, segs, blockSize, chunkalign.NewSliceRefSource(refs))
	require.NoError(t, err)

	require.Len(t, items, 4)
	require.NotNil(t, items[0].Chunk)
	assert.Equal(t, uint64(2), items[0].Chunk.Size)
	assert.Equal(t, payload[:2], items[0].Chunk.Payload)
	assert.True(t, items[1].End)
	require.NotNil(t, items[2].Chunk)
	assert.Equal(t, uint64(4), items[2].Chunk.Size)
	assert.Equal(t, payload[2:], items[2].Chunk.Payload)
	assert.True(t, items[3].End)
	assert.Equal(t, 1, fetcher.calls)
}

func TestAlignOld_ReturnsAlignmentMismatchWhenStreamRunsOut(t *testing.T) {
	segs := []segment.Segment{
		{Begin: 0, Length: 5, Kind: segment.SegmentOld},
	}
	refs := []chunkalign.Ref{{ID: "a", Size: 2}}
	fetcher := &fakeFetcher{store: map[string][]byte{}}

	_, err := chunkalign.AlignOld(context.Background(), fetcher, segs, blockSize, chunkalign.NewSliceRefSource(refs))
	assert.ErrorIs(t, err, chunkalign.ErrAlignmentMismatch)
}

func TestAlignOld_PropagatesFetchError(t *testing.T) {
	segs := []segment.Segment{
		{Begin: 0, Length: 1, Kind: segment.SegmentOld},
		{Begin: 1, Length: 1, Kind: segment.SegmentOld},
	}
	refs := []chunkalign.Ref{{ID: "missing", Size: 4}}
	fetcher := &fakeFetcher{store: map[string][]byte{}}

	_, err := chunkalign.AlignOld(context.Background(), fetcher, segs, blockSize, chunkalign.NewSliceRefSource(refs))
	assert.Error(t, err)
}

func TestItem_SizeReflectsUnderlyingValue(t *testing.T) {
	chunk := chunkalign.Chunk{Size: 5}
	ref := chunkalign.Ref{Size: 7}

	assert.Equal(t, uint64(5), chunkalign.Item{Chunk: &chunk}.Size())
	assert.Equal(t, uint64(7), chunkalign.Item{Ref: &ref}.Size())
	assert.Equal(t, uint64(0), chunkalign.Item{End: true}.Size())
}
