package archive_test

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/borgthin/thinbackup/pkg/archive"
	"github.com/borgthin/thinbackup/pkg/lvm"
	"github.com/borgthin/thinbackup/pkg/segment"
)

const blockSize = 4

type fakeDevice struct{ data []byte }

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

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type fakeHandle struct{ closed bool }

func (h *fakeHandle) Close() error { h.closed = true; return nil }

// fakeInspector implements lvm.Inspector against scripted responses, one
// generation per call to ListVolumes/Delta/FullMapping. It also simulates
// just enough of real lvcreate/lvrename/lvremove bookkeeping (a name ->
// VolumeInfo map, a thin id counter) that a test can assert a snapshot
// lifecycle actually ran instead of the archiver silently diffing a volume
// against itself.
type fakeInspector struct {
	vol        lvm.VolumeInfo
	deltas     []segment.Delta
	full       []segment.Delta
	reserved   int
	handle     *fakeHandle
	snaps      map[string]lvm.VolumeInfo
	nextThinID int

	deltaCalls []deltaCall
}

type deltaCall struct{ prev, curr int }

func (f *fakeInspector) ListVolumes(_ context.Context, spec, _ string) ([]lvm.VolumeInfo, error) {
	_, lv, _ := strings.Cut(spec, "/")
	if lv == f.vol.LV {
		return []lvm.VolumeInfo{f.vol}, nil
	}

	if snap, ok := f.snaps[lv]; ok {
		return []lvm.VolumeInfo{snap}, nil
	}

	return nil, nil
}

func (f *fakeInspector) ReserveMetadataSnapshot(context.Context, string) (lvm.ReservationHandle, error) {
	f.reserved++
	f.handle = &fakeHandle{}

	return f.handle, nil
}

func (f *fakeInspector) Delta(_ context.Context, _ string, thinPrev, thinCurr int) (segment.DeltaIterator, error) {
	f.deltaCalls = append(f.deltaCalls, deltaCall{prev: thinPrev, curr: thinCurr})

	return segment.NewSliceDeltaIterator(f.deltas), nil
}

func (f *fakeInspector) FullMapping(context.Context, string, int) (segment.DeltaIterator, error) {
	return segment.NewSliceDeltaIterator(f.full), nil
}

func (f *fakeInspector) CreateLV(_ context.Context, name string, _ ...string) error {
	if f.snaps == nil {
		f.snaps = map[string]lvm.VolumeInfo{}
	}

	if f.nextThinID == 0 {
		// Start well clear of any live volume's thin id (the tests use
		// small integers), so a test asserting the manifest's
		// SnapshotThinID differs from vol.ThinID can't pass by accident.
		f.nextThinID = 1000
	}

	f.nextThinID++
	f.snaps[name] = lvm.VolumeInfo{
		UUID:   name + "-uuid",
		Path:   "/dev/" + f.vol.VG + "/" + name,
		ThinID: f.nextThinID,
		VG:     f.vol.VG,
		LV:     name,
	}

	return nil
}

func (f *fakeInspector) RenameLV(_ context.Context, _, oldName, newName string) error {
	snap, ok := f.snaps[oldName]
	if !ok {
		return nil
	}

	delete(f.snaps, oldName)
	snap.LV = newName
	snap.Path = "/dev/" + f.vol.VG + "/" + newName
	f.snaps[newName] = snap

	return nil
}

func (f *fakeInspector) RemoveLV(_ context.Context, uuid string) error {
	for name, snap := range f.snaps {
		if snap.UUID == uuid {
			delete(f.snaps, name)

			return nil
		}
	}

	return nil
}

var _ lvm.Inspector = (*fakeInspector)(nil)

func gen(n int, start byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = start + byte(i)
	}

	return buf
}

func TestBackupVolume_FromScratch(t *testing.T) {
	vol := lvm.VolumeInfo{UUID: "vol-1", Path: "/dev/vg/thin1", SizeBytes: 32, ThinID: 1, PoolPath: "/dev/vg/tpool", VG: "vg", LV: "thin1"}
	insp := &fakeInspector{vol: vol, full: []segment.Delta{{Kind: segment.DeltaRightOnly, Begin: 0, Length: 8}}}

	dev := &fakeDevice{data: gen(32, 1)}
	store := archive.NewMemoryChunkStore()
	manifests := archive.NewMemoryManifestStore()

	deps := archive.Deps{
		Inspector: insp,
		Store:     store,
		Chunker:   archive.FixedSizeChunker{Size: 8},
		Manifests: manifests,
		OpenDevice: func(context.Context, string) (io.ReaderAt, io.Closer, error) {
			return dev, nopCloser{}, nil
		},
		BlockSize: blockSize,
	}

	result, err := archive.BackupVolume(context.Background(), deps, "vg/thin1", "myarch")
	require.NoError(t, err)

	assert.True(t, result.FromScratch)
	assert.Equal(t, uint64(32), result.BytesRead)
	assert.Equal(t, uint64(0), result.BytesDeduped)
	assert.Equal(t, 1, insp.reserved)

	saved, err := manifests.Load(context.Background(), "vol-1", "myarch_last")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, uint64(32), saved.ByteLength)

	var total uint64
	for _, ref := range saved.Chunks {
		total += ref.Size
	}

	assert.Equal(t, uint64(32), total)

	// The manifest's SnapshotThinID must come from a freshly cut reference
	// snapshot, never from the live volume's own permanently-stable thin
	// id, or the next run's delta would diff the volume against itself.
	assert.NotEqual(t, vol.ThinID, saved.SnapshotThinID)

	promoted, ok := insp.snaps["thin1_myarch_last"]
	require.True(t, ok, "reference snapshot should be promoted to the _last name")
	assert.Equal(t, saved.SnapshotThinID, promoted.ThinID)

	_, stillWorking := insp.snaps["thin1_myarch_next"]
	assert.False(t, stillWorking, "working snapshot name should not remain after promotion")
}

func TestBackupVolume_DeltaPreservesDedupReferences(t *testing.T) {
	vol := lvm.VolumeInfo{UUID: "vol-2", Path: "/dev/vg/thin2", SizeBytes: 32, ThinID: 2, PoolPath: "/dev/vg/tpool", VG: "vg", LV: "thin2"}

	store := archive.NewMemoryChunkStore()
	manifests := archive.NewMemoryManifestStore()

	unchanged := gen(16, 1)
	ref0, err := store.Put(context.Background(), unchanged[:8])
	require.NoError(t, err)
	ref1, err := store.Put(context.Background(), unchanged[8:16])
	require.NoError(t, err)

	require.NoError(t, manifests.Save(context.Background(), "vol-2", "myarch_last", &archive.Manifest{
		VolumeUUID: "vol-2", SnapshotThinID: 1, ByteLength: 32, BlockSize: blockSize,
		Chunks: []archive.ChunkRef{ref0, ref1},
	}))

	// A prior run's reference snapshot, named the way BackupVolume names
	// one, with the thin id the manifest above claims as its baseline.
	insp := &fakeInspector{
		vol: vol,
		snaps: map[string]lvm.VolumeInfo{
			"thin2_myarch_last": {UUID: "snap-prior-uuid", Path: "/dev/vg/thin2_myarch_last", ThinID: 1, VG: "vg", LV: "thin2_myarch_last"},
		},
		nextThinID: 500,
		deltas: []segment.Delta{
			{Kind: segment.DeltaSame, Begin: 0, Length: 4},
			{Kind: segment.DeltaRightOnly, Begin: 4, Length: 4},
		},
	}

	dev := &fakeDevice{data: append(append([]byte{}, unchanged...), gen(16, 100)...)}

	deps := archive.Deps{
		Inspector: insp,
		Store:     store,
		Chunker:   archive.FixedSizeChunker{Size: 8},
		Manifests: manifests,
		OpenDevice: func(context.Context, string) (io.ReaderAt, io.Closer, error) {
			return dev, nopCloser{}, nil
		},
		BlockSize: blockSize,
	}

	result, err := archive.BackupVolume(context.Background(), deps, "vg/thin2", "myarch")
	require.NoError(t, err)

	assert.False(t, result.FromScratch)
	assert.Equal(t, uint64(16), result.BytesDeduped)
	assert.Equal(t, uint64(32), result.BytesRead)

	saved, err := manifests.Load(context.Background(), "vol-2", "myarch_last")
	require.NoError(t, err)
	require.Len(t, saved.Chunks, 4)
	assert.Equal(t, ref0, saved.Chunks[0])
	assert.Equal(t, ref1, saved.Chunks[1])

	// The delta must run against the prior run's own snapshot thin id, not
	// a copy of the live volume's, and must land on the live volume's
	// current thin id as its other endpoint.
	require.Len(t, insp.deltaCalls, 1)
	assert.Equal(t, 1, insp.deltaCalls[0].prev)
	assert.Equal(t, vol.ThinID, insp.deltaCalls[0].curr)

	promoted, ok := insp.snaps["thin2_myarch_last"]
	require.True(t, ok)
	assert.NotEqual(t, "snap-prior-uuid", promoted.UUID, "the old reference snapshot must be retired, not left in place")
	assert.Equal(t, saved.SnapshotThinID, promoted.ThinID)
}

func TestBackupVolume_NoMatchingVolumeReturnsError(t *testing.T) {
	deps := archive.Deps{
		Inspector: emptyInspector{&fakeInspector{}},
		Store:     archive.NewMemoryChunkStore(),
		Chunker:   archive.FixedSizeChunker{Size: 8},
		Manifests: archive.NewMemoryManifestStore(),
		OpenDevice: func(context.Context, string) (io.ReaderAt, io.Closer, error) {
			return nil, nil, nil
		},
		BlockSize: blockSize,
	}

	_, err := archive.BackupVolume(context.Background(), deps, "vg/nope", "myarch")
	assert.ErrorIs(t, err, lvm.ErrVolumeInspect)
}

// emptyInspector wraps fakeInspector but always reports zero volumes, to
// exercise the "no volume matches" path without complicating fakeInspector.
type emptyInspector struct{ *fakeInspector }

func (emptyInspector) ListVolumes(context.Context, string, string) ([]lvm.VolumeInfo, error) {
	return nil, nil
}

func TestBackupVolume_ReleasesMetadataSnapshotOnSuccess(t *testing.T) {
	vol := lvm.VolumeInfo{UUID: "vol-3", Path: "/dev/vg/thin3", SizeBytes: 16, ThinID: 1, PoolPath: "/dev/vg/tpool", VG: "vg", LV: "thin3"}
	insp := &fakeInspector{vol: vol, full: []segment.Delta{{Kind: segment.DeltaRightOnly, Begin: 0, Length: 4}}}

	dev := &fakeDevice{data: gen(16, 1)}

	deps := archive.Deps{
		Inspector: insp,
		Store:     archive.NewMemoryChunkStore(),
		Chunker:   archive.FixedSizeChunker{Size: 8},
		Manifests: archive.NewMemoryManifestStore(),
		OpenDevice: func(context.Context, string) (io.ReaderAt, io.Closer, error) {
			return dev, nopCloser{}, nil
		},
		BlockSize: blockSize,
	}

	_, err := archive.BackupVolume(context.Background(), deps, "vg/thin3", "myarch")
	require.NoError(t, err)
	assert.Equal(t, 1, insp.reserved)
	require.NotNil(t, insp.handle)
	assert.True(t, insp.handle.closed)
}

func TestBackupVolume_HoleSegmentStoresEmptyChunk(t *testing.T) {
	vol := lvm.VolumeInfo{UUID: "vol-4", Path: "/dev/vg/thin4", SizeBytes: 12, ThinID: 1, PoolPath: "/dev/vg/tpool", VG: "vg", LV: "thin4"}
	insp := &fakeInspector{vol: vol, full: []segment.Delta{{Kind: segment.DeltaRightOnly, Begin: 1, Length: 2}}}

	dev := &fakeDevice{data: append(make([]byte, 4), gen(8, 5)...)}
	store := archive.NewMemoryChunkStore()
	manifests := archive.NewMemoryManifestStore()

	deps := archive.Deps{
		Inspector: insp,
		Store:     store,
		Chunker:   archive.FixedSizeChunker{Size: 8},
		Manifests: manifests,
		OpenDevice: func(context.Context, string) (io.ReaderAt, io.Closer, error) {
			return dev, nopCloser{}, nil
		},
		BlockSize: blockSize,
	}

	result, err := archive.BackupVolume(context.Background(), deps, "vg/thin4", "myarch")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Segments)

	saved, err := manifests.Load(context.Background(), "vol-4", "myarch_last")
	require.NoError(t, err)
	require.Len(t, saved.Chunks, 2)
	assert.Equal(t, uint64(4), saved.Chunks[0].Size)
	assert.Equal(t, uint64(8), saved.Chunks[1].Size)
}
