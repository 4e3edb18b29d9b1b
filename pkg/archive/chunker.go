package archive

import (
	"errors"
	"fmt"
	"io"

	"github.com/borgthin/thinbackup/pkg/chunkalign"
)

// FixedSizeChunker splits a byte stream into equal-sized chunks (the last
// one possibly short), for tests and for single-run demo invocations where
// no content-defined chunker is configured. A real deployment is expected
// to supply a rolling-hash chunker instead; this package only needs
// Chunker's narrow interface to drive the alignment pipeline.
type FixedSizeChunker struct {
	Size int
}

// Split implements Chunker.
func (c FixedSizeChunker) Split(r io.Reader) ChunkSource {
	size := c.Size
	if size <= 0 {
		size = 64 * 1024
	}

	return &fixedSizeSource{r: r, buf: make([]byte, size)}
}

type fixedSizeSource struct {
	r    io.Reader
	buf  []byte
	done bool
}

func (s *fixedSizeSource) Next() (chunkalign.Chunk, bool, error) {
	if s.done {
		return chunkalign.Chunk{}, false, nil
	}

	n, err := io.ReadFull(s.r, s.buf)

	switch {
	case err == nil:
		payload := make([]byte, n)
		copy(payload, s.buf[:n])

		return chunkalign.Chunk{Allocation: chunkalign.AllocData, Size: uint64(n), Payload: payload}, true, nil

	case errors.Is(err, io.ErrUnexpectedEOF):
		s.done = true
		payload := make([]byte, n)
		copy(payload, s.buf[:n])

		return chunkalign.Chunk{Allocation: chunkalign.AllocData, Size: uint64(n), Payload: payload}, true, nil

	case errors.Is(err, io.EOF):
		s.done = true

		return chunkalign.Chunk{}, false, nil

	default:
		return chunkalign.Chunk{}, false, fmt.Errorf("archive: read chunk source: %w", err)
	}
}
