// Package denseread exposes a sequential io.Reader over the concatenation
// of a thin volume's NEW segments, skipping everything else, so the chunker
// sees a dense byte stream instead of one interrupted by holes and old data.
package denseread

import (
	"errors"
	"fmt"
	"io"

	"github.com/borgthin/thinbackup/pkg/segment"
)

// ErrShortDeviceRead is returned when a positioned read off the device
// returns fewer bytes than requested without an error, and retrying does
// not make up the difference.
var ErrShortDeviceRead = errors.New("denseread: short device read")

// ErrDeviceIO wraps an unexpected error from the underlying ReaderAt.
var ErrDeviceIO = errors.New("denseread: device I/O error")

// maxShortReadRetries bounds the retry loop guarding against a ReaderAt
// that violates its contract by returning a partial read with a nil error.
const maxShortReadRetries = 8

type byteRange struct {
	offset uint64
	length uint64
}

// Reader is a sequential io.Reader over the NEW segments of dev, addressed
// in block units and converted to byte offsets via blockSize.
type Reader struct {
	dev       io.ReaderAt
	blockSize uint64
	ranges    []byteRange
	idx       int
	posInRng  uint64
}

// New builds a Reader by draining segmap (a lazily- or eagerly-built
// segment iterator) and keeping only its SegmentNew ranges. segmap is fully
// consumed by New since the reader must know every NEW range up front to
// present byte offsets monotonically.
func New(segmap *segment.Iterator, blockSize uint64, dev io.ReaderAt) (*Reader, error) {
	segs, err := segment.Collect(segmap)
	if err != nil {
		return nil, fmt.Errorf("denseread: build segment ranges: %w", err)
	}

	return NewFromSegments(segs, blockSize, dev), nil
}

// NewFromSegments builds a Reader directly from an already-materialized
// segment list, for callers (e.g. the archive orchestrator) that need the
// same segmentation for more than one purpose and would otherwise have to
// walk the delta stream twice.
func NewFromSegments(segs []segment.Segment, blockSize uint64, dev io.ReaderAt) *Reader {
	var ranges []byteRange

	for _, seg := range segs {
		if seg.Kind != segment.SegmentNew {
			continue
		}

		ranges = append(ranges, byteRange{
			offset: seg.Begin * blockSize,
			length: seg.Length * blockSize,
		})
	}

	return &Reader{dev: dev, blockSize: blockSize, ranges: ranges}
}

// Read implements io.Reader, returning bytes drawn only from NEW segments.
func (r *Reader) Read(p []byte) (int, error) {
	total := 0

	for total < len(p) {
		if r.idx >= len(r.ranges) {
			if total > 0 {
				return total, nil
			}

			return 0, io.EOF
		}

		cur := r.ranges[r.idx]
		remaining := cur.length - r.posInRng

		if remaining == 0 {
			r.idx++
			r.posInRng = 0

			continue
		}

		want := uint64(len(p) - total)
		if want > remaining {
			want = remaining
		}

		n, err := r.readFullAt(p[total:uint64(total)+want], cur.offset+r.posInRng)
		total += n
		r.posInRng += uint64(n)

		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// readFullAt reads exactly len(buf) bytes at off, retrying a limited number
// of times if the ReaderAt returns a partial read without an error — which
// should not happen per the io.ReaderAt contract, but real block devices
// under load have been observed to do it.
func (r *Reader) readFullAt(buf []byte, off uint64) (int, error) {
	total := 0

	for attempt := 0; total < len(buf); attempt++ {
		n, err := r.dev.ReadAt(buf[total:], int64(off)+int64(total))
		total += n

		if err != nil {
			if total == len(buf) {
				return total, nil
			}

			if errors.Is(err, io.EOF) {
				return total, fmt.Errorf("%w: %v", ErrShortDeviceRead, err)
			}

			return total, fmt.Errorf("%w: %v", ErrDeviceIO, err)
		}

		if n == 0 {
			return total, fmt.Errorf("%w: zero-byte read at offset %d", ErrShortDeviceRead, off+uint64(total))
		}

		if total == len(buf) {
			return total, nil
		}

		if attempt >= maxShortReadRetries {
			return total, fmt.Errorf("%w: exhausted retries at offset %d", ErrShortDeviceRead, off+uint64(total))
		}
	}

	return total, nil
}
