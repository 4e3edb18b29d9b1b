package chunkalign

import (
	"context"
	"fmt"
)

// RefCursor walks a byte-ordered list of stored chunk references,
// supporting skipping bytes without fetching (the caller doesn't want
// them, so no data movement is needed) and taking bytes with a fetch only
// when a reference actually straddles the requested boundary. It is the
// building block a caller uses to restrict a previous archive's full chunk
// list down to the byte ranges a current OLD segment covers, interleaved
// with NEW/HOLE ranges it must skip over.
type RefCursor struct {
	refs []Ref
	idx  int
	used uint64
}

// NewRefCursor wraps refs, a byte-ordered chunk reference list, as a
// RefCursor starting at its first byte.
func NewRefCursor(refs []Ref) *RefCursor {
	return &RefCursor{refs: refs}
}

// Skip advances the cursor by n bytes without producing any Item. No chunk
// is ever fetched to skip it, even one straddling the skip boundary: the
// discarded bytes are never referenced again.
func (c *RefCursor) Skip(n uint64) {
	for n > 0 && c.idx < len(c.refs) {
		avail := c.refs[c.idx].Size - c.used

		if avail > n {
			c.used += n

			return
		}

		n -= avail
		c.idx++
		c.used = 0
	}
}

// Take consumes exactly n bytes from the cursor, returning them as Items.
// A reference entirely inside the requested span and not already
// partially consumed by a prior Skip passes through unchanged. A
// reference straddling either edge of the span is fetched once and
// re-emitted as raw Chunk data, since a partial reference cannot be
// referenced by ID.
func (c *RefCursor) Take(ctx context.Context, fetcher Fetcher, n uint64) ([]Item, error) {
	var items []Item

	for n > 0 {
		if c.idx >= len(c.refs) {
			return items, fmt.Errorf("%w: ref stream exhausted with %d bytes still needed", ErrAlignmentMismatch, n)
		}

		ref := c.refs[c.idx]
		avail := ref.Size - c.used

		if c.used == 0 && avail <= n {
			r := Ref{ID: ref.ID, Size: avail}
			items = append(items, Item{Ref: &r})
			c.idx++
			c.used = 0
			n -= avail

			continue
		}

		data, err := materialize(ctx, fetcher, Item{Ref: &Ref{ID: ref.ID, Size: ref.Size}})
		if err != nil {
			return nil, err
		}

		take := avail
		if take > n {
			take = n
		}

		chunk := Chunk{Allocation: AllocData, Size: take, Payload: data[c.used : c.used+take]}
		items = append(items, Item{Chunk: &chunk})
		c.used += take

		if c.used == ref.Size {
			c.idx++
			c.used = 0
		}

		n -= take
	}

	return items, nil
}
