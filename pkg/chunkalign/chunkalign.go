// Package chunkalign re-splits a chunk stream cut at arbitrary
// content-defined boundaries so that it instead cuts exactly at segment
// boundaries, grouping each segment's chunks together and marking the end
// of each group with an explicit sentinel.
package chunkalign

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/borgthin/thinbackup/pkg/segment"
)

// tracer is named so observability.NewFilteringTracerProvider can suppress
// the per-chunk materialize spans by default; they fire once per OLD chunk
// reference that straddles a segment boundary and has to be fetched, and
// are too fine-grained for always-on tracing.
var tracer = otel.Tracer("thinbackup.chunkalign")

// ErrAlignmentMismatch is returned when the source chunk stream runs out
// before a segment's declared length has been filled.
var ErrAlignmentMismatch = errors.New("chunkalign: chunk stream does not cover segment length")

// Allocation classifies a Chunk's payload.
type Allocation int

const (
	// AllocData means Payload holds real bytes.
	AllocData Allocation = iota
	// AllocHole means the chunk is a run of zero bytes with no payload.
	AllocHole
	// AllocAlloc means the chunk is allocated but its content is not being
	// tracked.
	AllocAlloc
)

// Chunk is a piece of raw, not-yet-stored data produced by a content
// chunker, or a fragment thereof produced by a mid-chunk split.
type Chunk struct {
	Allocation Allocation
	Size       uint64
	Payload    []byte // nil unless Allocation == AllocData
}

func (c Chunk) split(n uint64) (front, back Chunk) {
	front = Chunk{Allocation: c.Allocation, Size: n}
	back = Chunk{Allocation: c.Allocation, Size: c.Size - n}

	if c.Allocation == AllocData {
		front.Payload = c.Payload[:n]
		back.Payload = c.Payload[n:]
	}

	return front, back
}

// Ref is a reference to a chunk already present in the chunk store, as
// recorded in a prior manifest's chunk list.
type Ref struct {
	ID   string
	Size uint64
}

// Item is the unified value yielded by AlignNew and AlignOld: either a
// Chunk (new data, possibly materialized from a split Ref), a Ref (an
// untouched reference to a previously stored chunk), or the End sentinel
// marking the boundary between one segment's items and the next. Go has no
// closed sum types, so End is an explicit field rather than a distinct
// iterator outcome.
type Item struct {
	Chunk *Chunk
	Ref   *Ref
	End   bool
}

// Size returns the byte size of a non-End item.
func (it Item) Size() uint64 {
	switch {
	case it.Chunk != nil:
		return it.Chunk.Size
	case it.Ref != nil:
		return it.Ref.Size
	default:
		return 0
	}
}

// Source is a pull iterator over a flat chunk stream, e.g. the output of a
// content-defined chunker reading a denseread.Reader.
type Source interface {
	Next() (Chunk, bool, error)
}

// RefSource is a pull iterator over a flat stream of stored chunk
// references, e.g. a prior manifest's chunk list restricted to the blocks
// a volume's OLD segments cover.
type RefSource interface {
	Next() (Ref, bool, error)
}

// Fetcher retrieves the raw bytes of previously stored chunks by ID, used
// only when an OLD chunk reference must be split because its boundary does
// not line up with the current segment map.
type Fetcher interface {
	FetchMany(ctx context.Context, ids []string) (map[string][]byte, error)
}

// newSegments filters segs down to SegmentNew ranges, in order.
func newSegments(segs []segment.Segment) []segment.Segment {
	return filterKind(segs, segment.SegmentNew)
}

func oldSegments(segs []segment.Segment) []segment.Segment {
	return filterKind(segs, segment.SegmentOld)
}

func filterKind(segs []segment.Segment, kind segment.SegmentKind) []segment.Segment {
	var out []segment.Segment

	for _, s := range segs {
		if s.Kind == kind {
			out = append(out, s)
		}
	}

	return out
}

// AlignNew re-splits the chunks read from a denseread.Reader (which is
// itself a dense concatenation of blockSize-scaled SegmentNew ranges) so
// that each SegmentNew range in segs ends on a chunk boundary, emitting an
// End item after each range's chunks.
func AlignNew(segs []segment.Segment, blockSize uint64, chunks Source) ([]Item, error) {
	targets := newSegments(segs)

	var (
		items   []Item
		pending *Chunk
	)

	pull := func() (Chunk, bool, error) {
		if pending != nil {
			c := *pending
			pending = nil

			return c, true, nil
		}

		return chunks.Next()
	}

	for _, seg := range targets {
		needed := seg.Length * blockSize

		var consumed uint64

		for consumed < needed {
			chunk, ok, err := pull()
			if err != nil {
				return nil, fmt.Errorf("chunkalign: align new: %w", err)
			}

			if !ok {
				return nil, fmt.Errorf("%w: segment at block %d needs %d more bytes", ErrAlignmentMismatch, seg.Begin, needed-consumed)
			}

			remaining := needed - consumed

			if chunk.Size <= remaining {
				c := chunk
				items = append(items, Item{Chunk: &c})
				consumed += chunk.Size

				continue
			}

			front, back := chunk.split(remaining)
			items = append(items, Item{Chunk: &front})
			pending = &back
			consumed = needed
		}

		items = append(items, Item{End: true})
	}

	return items, nil
}

// AlignOld re-splits a prior manifest's stored chunk references so each
// SegmentOld range in segs ends on a reference boundary. References that
// already land on a boundary pass through untouched (no fetch, no data
// movement — the point of dedup). References that straddle a boundary are
// fetched, split on their byte content, and re-emitted as raw Chunk data:
// a stored chunk cannot be referenced by half, so the split halves become
// new payload the caller must push back through the chunk store.
func AlignOld(ctx context.Context, fetcher Fetcher, segs []segment.Segment, blockSize uint64, refs RefSource) ([]Item, error) {
	targets := oldSegments(segs)

	var (
		items   []Item
		pending *Item
	)

	pull := func() (Item, bool, error) {
		if pending != nil {
			it := *pending
			pending = nil

			return it, true, nil
		}

		ref, ok, err := refs.Next()
		if err != nil || !ok {
			return Item{}, ok, err
		}

		return Item{Ref: &ref}, true, nil
	}

	for _, seg := range targets {
		needed := seg.Length * blockSize

		var consumed uint64

		for consumed < needed {
			item, ok, err := pull()
			if err != nil {
				return nil, fmt.Errorf("chunkalign: align old: %w", err)
			}

			if !ok {
				return nil, fmt.Errorf("%w: segment at block %d needs %d more bytes", ErrAlignmentMismatch, seg.Begin, needed-consumed)
			}

			remaining := needed - consumed
			size := item.Size()

			if size <= remaining {
				items = append(items, item)
				consumed += size

				continue
			}

			data, err := materialize(ctx, fetcher, item)
			if err != nil {
				return nil, err
			}

			front := Chunk{Allocation: AllocData, Size: remaining, Payload: data[:remaining]}
			back := Chunk{Allocation: AllocData, Size: size - remaining, Payload: data[remaining:]}

			items = append(items, Item{Chunk: &front})
			pending = &Item{Chunk: &back}
			consumed = needed
		}

		items = append(items, Item{End: true})
	}

	return items, nil
}

// materialize returns the raw bytes behind item, fetching from the chunk
// store if item is still an unfetched Ref.
func materialize(ctx context.Context, fetcher Fetcher, item Item) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "thinbackup.chunkalign.materialize")
	defer span.End()

	if item.Chunk != nil {
		if item.Chunk.Allocation == AllocHole {
			return make([]byte, item.Chunk.Size), nil
		}

		return item.Chunk.Payload, nil
	}

	fetched, err := fetcher.FetchMany(ctx, []string{item.Ref.ID})
	if err != nil {
		return nil, fmt.Errorf("chunkalign: fetch %s: %w", item.Ref.ID, err)
	}

	data, ok := fetched[item.Ref.ID]
	if !ok {
		return nil, fmt.Errorf("chunkalign: fetcher did not return data for %s", item.Ref.ID)
	}

	return data, nil
}

// SliceSource adapts a []Chunk to Source, for tests.
type SliceSource struct {
	chunks []Chunk
	idx    int
}

// NewSliceSource wraps chunks as a Source.
func NewSliceSource(chunks []Chunk) *SliceSource {
	return &SliceSource{chunks: chunks}
}

// Next implements Source.
func (s *SliceSource) Next() (Chunk, bool, error) {
	if s.idx >= len(s.chunks) {
		return Chunk{}, false, nil
	}

	c := s.chunks[s.idx]
	s.idx++

	return c, true, nil
}

// SliceRefSource adapts a []Ref to RefSource, for tests.
type SliceRefSource struct {
	refs []Ref
	idx  int
}

// NewSliceRefSource wraps refs as a RefSource.
func NewSliceRefSource(refs []Ref) *SliceRefSource {
	return &SliceRefSource{refs: refs}
}

// Next implements RefSource.
func (s *SliceRefSource) Next() (Ref, bool, error) {
	if s.idx >= len(s.refs) {
		return Ref{}, false, nil
	}

	r := s.refs[s.idx]
	s.idx++

	return r, true, nil
}
