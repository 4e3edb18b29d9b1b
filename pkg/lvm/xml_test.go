package lvm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/borgthin/thinbackup/pkg/segment"
)

func collectDeltas(t *testing.T, it segment.DeltaIterator) []segment.Delta {
	t.Helper()

	var out []segment.Delta

	for {
		d, ok, err := it.Next()
		require.NoError(t, err)

		if !ok {
			return out
		}

		out = append(out, d)
	}
}

func TestThinDeltaIterator_ParsesInDocumentOrder(t *testing.T) {
	xmlDoc := `<superblock>
  <diff left="1" right="2">
    <same begin="0" length="10"/>
    <right_only begin="10" length="5"/>
    <different begin="15" length="2"/>
    <left_only begin="17" length="3"/>
  </diff>
</superblock>`

	it := newThinDeltaIterator(strings.NewReader(xmlDoc))
	got := collectDeltas(t, it)

	assert.Equal(t, []segment.Delta{
		{Kind: segment.DeltaSame, Begin: 0, Length: 10},
		{Kind: segment.DeltaRightOnly, Begin: 10, Length: 5},
		{Kind: segment.DeltaDifferent, Begin: 15, Length: 2},
		{Kind: segment.DeltaLeftOnly, Begin: 17, Length: 3},
	}, got)
}

func TestThinDumpIterator_SingleMappingDefaultsLengthToOne(t *testing.T) {
	xmlDoc := `<superblock>
  <device dev_id="5">
    <single_mapping origin_block="3" data_block="9" time="0"/>
    <range_mapping origin_begin="10" data_begin="20" length="4" time="0"/>
  </device>
</superblock>`

	it := newThinDumpIterator(strings.NewReader(xmlDoc))
	got := collectDeltas(t, it)

	assert.Equal(t, []segment.Delta{
		{Kind: segment.DeltaRightOnly, Begin: 3, Length: 1},
		{Kind: segment.DeltaRightOnly, Begin: 10, Length: 4},
	}, got)
}

func TestThinDeltaIterator_EmptyDiffYieldsNothing(t *testing.T) {
	it := newThinDeltaIterator(strings.NewReader(`<superblock><diff left="1" right="2"></diff></superblock>`))
	got := collectDeltas(t, it)
	assert.Empty(t, got)
}

func TestThinDeltaIterator_MalformedXMLReturnsError(t *testing.T) {
	it := newThinDeltaIterator(strings.NewReader(`<superblock><diff>`))

	_, _, err := drainUntilError(it)
	assert.ErrorIs(t, err, ErrVolumeInspect)
}

func drainUntilError(it segment.DeltaIterator) (segment.Delta, bool, error) {
	for {
		d, ok, err := it.Next()
		if err != nil || !ok {
			return d, ok, err
		}
	}
}

func TestThinDeltaIterator_MissingAttributeReturnsError(t *testing.T) {
	it := newThinDeltaIterator(strings.NewReader(`<superblock><diff left="1" right="2"><same length="4"/></diff></superblock>`))

	_, _, err := drainUntilError(it)
	assert.ErrorIs(t, err, ErrVolumeInspect)
}
