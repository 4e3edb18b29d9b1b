// Package segment builds a total segmentation of a thin volume's address
// space from a sparse stream of deltas against a target block count.
package segment

// DeltaKind classifies one record of a thin_delta/thin_dump comparison.
type DeltaKind int

const (
	// DeltaLeftOnly means the block range exists only in the "left" (older)
	// mapping — it was freed in the current mapping and reads as zero now.
	DeltaLeftOnly DeltaKind = iota
	// DeltaRightOnly means the block range exists only in the "right"
	// (current) mapping — newly allocated data.
	DeltaRightOnly
	// DeltaDifferent means the block range is mapped in both but points at
	// different blocks — its content may have changed.
	DeltaDifferent
	// DeltaSame means the block range is mapped identically in both.
	DeltaSame
)

// Delta is one record of a thin_delta/thin_dump comparison, in block units.
type Delta struct {
	Kind   DeltaKind
	Begin  uint64
	Length uint64
}

// DeltaIterator is a pull iterator over a sorted, non-overlapping,
// strictly-increasing-by-Begin stream of Delta records.
type DeltaIterator interface {
	// Next returns the next delta. The second return is false once the
	// stream is exhausted, at which point Delta is a zero value.
	Next() (Delta, bool, error)
}

// SegmentKind classifies a range of the total segmentation.
type SegmentKind int

const (
	// SegmentHole covers blocks that read as zero and need no device I/O.
	SegmentHole SegmentKind = iota
	// SegmentNew covers blocks that must be read from the device and pushed
	// through the chunker as new data.
	SegmentNew
	// SegmentOld covers blocks unchanged from the previous archive; their
	// content can be served from the prior manifest's chunk references.
	SegmentOld
)

// String renders a SegmentKind for logging.
func (k SegmentKind) String() string {
	switch k {
	case SegmentHole:
		return "hole"
	case SegmentNew:
		return "new"
	case SegmentOld:
		return "old"
	default:
		return "unknown"
	}
}

// Segment is one contiguous, non-overlapping range of the total segmentation.
type Segment struct {
	Begin  uint64
	Length uint64
	Kind   SegmentKind
}

func kindFor(d DeltaKind) SegmentKind {
	switch d {
	case DeltaRightOnly, DeltaDifferent:
		return SegmentNew
	case DeltaSame:
		return SegmentOld
	case DeltaLeftOnly:
		return SegmentHole
	default:
		return SegmentHole
	}
}

// Iterator is a lazy pull iterator over a built segment map. It never
// materializes the whole map: Next() computes segments on demand by pulling
// from the underlying DeltaIterator and filling gaps with SegmentHole.
type Iterator struct {
	totalBlocks uint64
	deltas      DeltaIterator
	pos         uint64
	pending     *Delta
	done        bool
}

// Build returns an Iterator covering [0, totalBlocks) derived from
// deltas. deltas must be sorted by Begin and non-overlapping; gaps between
// deltas and any tail beyond the last delta are filled with SegmentHole.
// A delta that starts at or beyond totalBlocks is dropped; one that
// straddles totalBlocks is clipped to fit.
func Build(totalBlocks uint64, deltas DeltaIterator) *Iterator {
	return &Iterator{totalBlocks: totalBlocks, deltas: deltas}
}

// Next returns the next segment in increasing Begin order. The second
// return is false once the segmentation is exhausted.
func (it *Iterator) Next() (Segment, bool, error) {
	for {
		if it.done {
			return Segment{}, false, nil
		}

		if it.pos >= it.totalBlocks {
			it.done = true

			return Segment{}, false, nil
		}

		delta, ok, err := it.nextDelta()
		if err != nil {
			return Segment{}, false, err
		}

		if !ok || delta.Begin >= it.totalBlocks {
			seg := Segment{Begin: it.pos, Length: it.totalBlocks - it.pos, Kind: SegmentHole}
			it.pos = it.totalBlocks
			it.done = true

			return seg, true, nil
		}

		if delta.Begin > it.pos {
			seg := Segment{Begin: it.pos, Length: delta.Begin - it.pos, Kind: SegmentHole}
			it.pos = delta.Begin
			it.pending = &delta

			return seg, true, nil
		}

		end := delta.Begin + delta.Length
		if end > it.totalBlocks {
			end = it.totalBlocks
		}

		length := end - delta.Begin
		it.pos = end
		it.pending = nil

		if length == 0 {
			continue
		}

		return Segment{Begin: delta.Begin, Length: length, Kind: kindFor(delta.Kind)}, true, nil
	}
}

func (it *Iterator) nextDelta() (Delta, bool, error) {
	if it.pending != nil {
		return *it.pending, true, nil
	}

	return it.deltas.Next()
}

// SliceDeltaIterator adapts a pre-built []Delta slice to DeltaIterator, for
// tests and for small delta streams already held in memory.
type SliceDeltaIterator struct {
	deltas []Delta
	idx    int
}

// NewSliceDeltaIterator wraps deltas as a DeltaIterator.
func NewSliceDeltaIterator(deltas []Delta) *SliceDeltaIterator {
	return &SliceDeltaIterator{deltas: deltas}
}

// Next implements DeltaIterator.
func (s *SliceDeltaIterator) Next() (Delta, bool, error) {
	if s.idx >= len(s.deltas) {
		return Delta{}, false, nil
	}

	d := s.deltas[s.idx]
	s.idx++

	return d, true, nil
}

// Collect drains it into a slice, for tests.
func Collect(it *Iterator) ([]Segment, error) {
	var segs []Segment

	for {
		seg, ok, err := it.Next()
		if err != nil {
			return segs, err
		}

		if !ok {
			return segs, nil
		}

		segs = append(segs, seg)
	}
}
