package lvm

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"

	"github.com/borgthin/thinbackup/pkg/segment"
)

// deltaTag maps a thin_delta <diff> child element name to a DeltaKind.
var deltaTag = map[string]segment.DeltaKind{
	"left_only":  segment.DeltaLeftOnly,
	"right_only": segment.DeltaRightOnly,
	"different":  segment.DeltaDifferent,
	"same":       segment.DeltaSame,
}

// xmlDeltaIterator streams Delta records out of a thin_delta/thin_dump XML
// document in document order, without materializing the whole tree. Order
// matters: segment.Build requires its DeltaIterator sorted by Begin, and a
// struct-based xml.Unmarshal would bucket same-named siblings together and
// lose the interleaved order a btree walk produces.
type xmlDeltaIterator struct {
	dec    *xml.Decoder
	known  map[string]segment.DeltaKind
	single string // tag name whose length attribute defaults to 1 (thin_dump's single_mapping)
}

func newXMLDeltaIterator(r io.Reader, known map[string]segment.DeltaKind, single string) *xmlDeltaIterator {
	return &xmlDeltaIterator{dec: xml.NewDecoder(r), known: known, single: single}
}

func (it *xmlDeltaIterator) Next() (segment.Delta, bool, error) {
	for {
		tok, err := it.dec.Token()
		if err == io.EOF {
			return segment.Delta{}, false, nil
		}

		if err != nil {
			return segment.Delta{}, false, fmt.Errorf("%w: decode xml: %v", ErrVolumeInspect, err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		kind, known := it.known[start.Name.Local]
		if !known {
			continue
		}

		delta, err := it.parseDelta(start, kind)
		if err != nil {
			return segment.Delta{}, false, err
		}

		return delta, true, nil
	}
}

func (it *xmlDeltaIterator) parseDelta(start xml.StartElement, kind segment.DeltaKind) (segment.Delta, error) {
	attrs := attrMap(start)

	beginKey := "begin"
	lengthKey := "length"

	if start.Name.Local == "single_mapping" {
		beginKey = "origin_block"
	} else if start.Name.Local == "range_mapping" {
		beginKey = "origin_begin"
	}

	begin, err := parseUintAttr(attrs, beginKey)
	if err != nil {
		return segment.Delta{}, fmt.Errorf("%w: %s: %v", ErrVolumeInspect, start.Name.Local, err)
	}

	length := uint64(1)
	if start.Name.Local != it.single {
		length, err = parseUintAttr(attrs, lengthKey)
		if err != nil {
			return segment.Delta{}, fmt.Errorf("%w: %s: %v", ErrVolumeInspect, start.Name.Local, err)
		}
	}

	return segment.Delta{Kind: kind, Begin: begin, Length: length}, nil
}

func attrMap(start xml.StartElement) map[string]string {
	out := make(map[string]string, len(start.Attr))
	for _, a := range start.Attr {
		out[a.Name.Local] = a.Value
	}

	return out
}

func parseUintAttr(attrs map[string]string, key string) (uint64, error) {
	v, ok := attrs[key]
	if !ok {
		return 0, fmt.Errorf("missing attribute %q", key)
	}

	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("attribute %q: %w", key, err)
	}

	return n, nil
}

// newThinDeltaIterator streams Delta records out of thin_delta's XML output.
func newThinDeltaIterator(r io.Reader) segment.DeltaIterator {
	return newXMLDeltaIterator(r, deltaTag, "")
}

// newThinDumpIterator streams Delta records out of thin_dump's XML output,
// every mapping reported as DeltaRightOnly.
func newThinDumpIterator(r io.Reader) segment.DeltaIterator {
	return newXMLDeltaIterator(r, map[string]segment.DeltaKind{
		"single_mapping": segment.DeltaRightOnly,
		"range_mapping":  segment.DeltaRightOnly,
	}, "single_mapping")
}
