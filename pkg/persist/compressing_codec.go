package persist

import (
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// CompressingCodec wraps another Codec and runs its encoded bytes through
// lz4 framing, so checkpoint state written via SaveState costs
// proportionally less disk space the more repetitive the underlying state is.
type CompressingCodec struct {
	inner Codec
}

// NewCompressingCodec wraps inner with lz4 compression.
func NewCompressingCodec(inner Codec) *CompressingCodec {
	return &CompressingCodec{inner: inner}
}

// Encode lz4-compresses the inner codec's output.
func (c *CompressingCodec) Encode(w io.Writer, state any) error {
	zw := lz4.NewWriter(w)

	if err := c.inner.Encode(zw, state); err != nil {
		return fmt.Errorf("encode compressed state: %w", err)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("flush lz4 writer: %w", err)
	}

	return nil
}

// Decode lz4-decompresses before handing bytes to the inner codec.
func (c *CompressingCodec) Decode(r io.Reader, state any) error {
	zr := lz4.NewReader(r)

	if err := c.inner.Decode(zr, state); err != nil {
		return fmt.Errorf("decode compressed state: %w", err)
	}

	return nil
}

// Extension appends ".lz4" to the inner codec's extension.
func (c *CompressingCodec) Extension() string {
	return c.inner.Extension() + ".lz4"
}
