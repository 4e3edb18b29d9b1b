// Package archive orchestrates a backup of one thin volume: it drives the
// LVM inspector, the segment map builder, the dense device reader, and the
// chunk aligner through an external chunk store, producing a manifest that
// a later run can diff against.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/borgthin/thinbackup/pkg/chunkalign"
	"github.com/borgthin/thinbackup/pkg/denseread"
	"github.com/borgthin/thinbackup/pkg/lvm"
	"github.com/borgthin/thinbackup/pkg/segment"
)

// tracer emits the structural per-volume span plus the hot-path dense-read
// span that observability.NewFilteringTracerProvider suppresses by name
// unless verbose tracing is requested.
var tracer = otel.Tracer("thinbackup.archive")

// ErrCancelled is returned when the run's context is cancelled between
// segment boundaries, before a volume's backup finalizes.
var ErrCancelled = errors.New("archive: backup cancelled")

// ErrRepository wraps any failure surfaced by the ChunkStore or
// ManifestStore collaborators.
var ErrRepository = errors.New("archive: repository error")

// ChunkRef is an opaque pointer to a previously stored chunk, preserving
// dedup identity across runs.
type ChunkRef = chunkalign.Ref

// ChunkItem is the unified value produced while composing a volume's chunk
// list: either a Chunk, a ChunkRef, or the End sentinel closing a segment's
// group. Defined in pkg/chunkalign as Item and aliased here so both
// pkg/chunkalign and pkg/archive can refer to it as their own vocabulary
// without an import cycle (archive depends on chunkalign, not the reverse).
type ChunkItem = chunkalign.Item

// Manifest records everything a later run needs to diff against a prior
// archive of the same volume: its UUID, the thin device id the snapshot
// was taken against, its total byte length, the block size segmentation
// was computed at, and its ordered chunk list.
type Manifest struct {
	VolumeUUID     string     `json:"volume_uuid"`
	SnapshotThinID int        `json:"snapshot_thin_id"`
	ByteLength     uint64     `json:"byte_length"`
	BlockSize      uint64     `json:"block_size"`
	Chunks         []ChunkRef `json:"chunks"`
}

// ChunkStore is the content-addressed backing store a ThinArchiver writes
// new data into and reads old data back out of. Implementations own
// serialization, compression, and encryption of chunk payloads, all
// explicitly out of this package's scope.
type ChunkStore interface {
	Put(ctx context.Context, data []byte) (ChunkRef, error)
	FetchMany(ctx context.Context, ids []string) (map[string][]byte, error)
}

// ChunkSource is a pull iterator over chunks produced by splitting a byte
// stream. Defined in pkg/chunkalign as Source and reused here under the
// orchestration-facing name used by Chunker.
type ChunkSource = chunkalign.Source

// Chunker splits a byte stream into content-defined chunks.
type Chunker interface {
	Split(r io.Reader) ChunkSource
}

// ManifestStore persists and retrieves manifests by volume UUID and named
// slot (the three-slot naming convention: "<name>_next", "<name>_last",
// and whatever the caller chooses for a retained prior). Load returning
// (nil, nil) means no manifest exists in that slot, distinct from an error.
type ManifestStore interface {
	Load(ctx context.Context, volumeUUID, slot string) (*Manifest, error)
	Save(ctx context.Context, volumeUUID, slot string, m *Manifest) error
	Rename(ctx context.Context, volumeUUID, fromSlot, toSlot string) error
	Remove(ctx context.Context, volumeUUID, slot string) error
}

// DeviceOpener opens the block device backing a thin volume for positioned
// reads, returning a closer the caller must invoke once done.
type DeviceOpener func(ctx context.Context, path string) (io.ReaderAt, io.Closer, error)

// Observer receives progress callbacks during a volume backup, letting the
// caller (typically cmd/thinbackup, backed by internal/observability)
// record metrics without this package depending on any specific
// metrics stack.
type Observer interface {
	SegmentProcessed(kind segment.SegmentKind, lengthBlocks uint64)
	BytesRead(n uint64)
	BytesDeduped(n uint64)
}

// NopObserver discards every callback.
type NopObserver struct{}

// SegmentProcessed implements Observer.
func (NopObserver) SegmentProcessed(segment.SegmentKind, uint64) {}

// BytesRead implements Observer.
func (NopObserver) BytesRead(uint64) {}

// BytesDeduped implements Observer.
func (NopObserver) BytesDeduped(uint64) {}

// Deps bundles a ThinArchiver's external collaborators.
type Deps struct {
	Inspector       lvm.Inspector
	Store           ChunkStore
	Chunker         Chunker
	Manifests       ManifestStore
	OpenDevice      DeviceOpener
	BlockSize       uint64
	RetainPriorLast bool
	Observer        Observer
	Log             *slog.Logger
}

func (d Deps) observer() Observer {
	if d.Observer == nil {
		return NopObserver{}
	}

	return d.Observer
}

func (d Deps) logger() *slog.Logger {
	if d.Log == nil {
		return slog.Default()
	}

	return d.Log
}

// Result summarizes one volume's backup outcome.
type Result struct {
	VolumeName   string
	FromScratch  bool
	Segments     int
	BytesRead    uint64
	BytesDeduped uint64
	Manifest     *Manifest
}

// nextSlot, lastSlot, and priorSlot derive the three archive slot names for
// a volume: the working slot being built, the most recently completed
// archive, and (when retention keeps it) the one before that.
func nextSlot(name string) string  { return name + "_next" }
func lastSlot(name string) string  { return name + "_last" }
func priorSlot(name string) string { return name + "_prior" }

// snapNextLV, snapLastLV, and snapPriorLV derive the names of the real LVM
// thin snapshots that stand in for a volume's manifest slots: the snapshot
// just cut as this run's reference point, the one the previous run cut (this
// run's diff baseline), and (when retention keeps it) the one before that.
// Scoped by archiveName, unlike the single volume-global snapshot chain
// plain LVM thin backup tooling uses, since one volume here can belong to
// more than one independently scheduled archive, each needing its own
// uninterrupted baseline.
func snapNextLV(lv, archiveName string) string  { return lv + "_" + archiveName + "_next" }
func snapLastLV(lv, archiveName string) string  { return lv + "_" + archiveName + "_last" }
func snapPriorLV(lv, archiveName string) string { return lv + "_" + archiveName + "_prior" }

// resolveLV looks up the single volume named vg/lv, returning (VolumeInfo{},
// false, nil) if no such volume exists.
func resolveLV(ctx context.Context, insp lvm.Inspector, vg, lv string) (lvm.VolumeInfo, bool, error) {
	vols, err := insp.ListVolumes(ctx, vg+"/"+lv, "")
	if err != nil {
		return lvm.VolumeInfo{}, false, err
	}

	if len(vols) == 0 {
		return lvm.VolumeInfo{}, false, nil
	}

	return vols[0], true, nil
}

// BackupVolume backs up one volume identified by volumeSpec (an lvs "vg/lv"
// specifier) into the archive named archiveName, driving the inspector,
// segment map, dense reader, and chunk aligner through deps.Store and
// deps.Manifests. It implements the orchestration steps: stale working-slot
// cleanup, prior-archive resolution (or from-scratch fallback), scoped
// metadata snapshot acquisition, segment map construction, the read/chunk/
// align pipeline, cutting this run's own reference snapshot LV to replace
// the one the previous run cut, and the two-phase promotion of "_next" to
// "_last" for both the manifest and the reference snapshot.
func BackupVolume(ctx context.Context, deps Deps, volumeSpec, archiveName string) (Result, error) {
	ctx, span := tracer.Start(ctx, "thinbackup.archive.backup_volume")
	defer span.End()

	vols, err := deps.Inspector.ListVolumes(ctx, volumeSpec, "")
	if err != nil {
		return Result{}, fmt.Errorf("%w: inspect %s: %v", lvm.ErrVolumeInspect, volumeSpec, err)
	}

	if len(vols) == 0 {
		return Result{}, fmt.Errorf("%w: no volume matches %s", lvm.ErrVolumeInspect, volumeSpec)
	}

	vol := vols[0]

	if err := deps.Manifests.Remove(ctx, vol.UUID, nextSlot(archiveName)); err != nil {
		return Result{}, fmt.Errorf("%w: clear stale working slot: %v", ErrRepository, err)
	}

	nextSnap := snapNextLV(vol.LV, archiveName)
	lastSnap := snapLastLV(vol.LV, archiveName)
	priorSnap := snapPriorLV(vol.LV, archiveName)

	if stale, found, err := resolveLV(ctx, deps.Inspector, vol.VG, nextSnap); err != nil {
		deps.logger().WarnContext(ctx, "resolve stale working reference snapshot", "volume", vol.LV, "error", err)
	} else if found {
		if err := deps.Inspector.RemoveLV(ctx, stale.UUID); err != nil {
			deps.logger().WarnContext(ctx, "remove stale working reference snapshot", "volume", vol.LV, "error", err)
		}
	}

	prior, err := deps.Manifests.Load(ctx, vol.UUID, lastSlot(archiveName))
	if err != nil {
		return Result{}, fmt.Errorf("%w: load prior manifest: %v", ErrRepository, err)
	}

	fromScratch := prior == nil

	handle, err := deps.Inspector.ReserveMetadataSnapshot(ctx, vol.PoolPath)
	if err != nil {
		return Result{}, err
	}

	defer func() {
		if closeErr := handle.Close(); closeErr != nil {
			deps.logger().ErrorContext(ctx, "release metadata snapshot", "volume", vol.LV, "error", closeErr)
		}
	}()

	var deltas segment.DeltaIterator

	// thin_delta/thin_dump read the pool's metadata device directly; the
	// reservation above guarantees a stable snapshot view is available
	// under the same path lvs reports for the pool.
	metaPath := vol.PoolPath

	if fromScratch {
		deps.logger().InfoContext(ctx, "backing up from scratch, no usable prior archive", "volume", vol.LV)

		deltas, err = deps.Inspector.FullMapping(ctx, metaPath, vol.ThinID)
	} else {
		deltas, err = deps.Inspector.Delta(ctx, metaPath, prior.SnapshotThinID, vol.ThinID)
	}

	if err != nil {
		return Result{}, err
	}

	totalBlocks := vol.SizeBytes / deps.BlockSize

	segs, err := segment.Collect(segment.Build(totalBlocks, deltas))
	if err != nil {
		return Result{}, fmt.Errorf("%w: build segment map: %v", lvm.ErrVolumeInspect, err)
	}

	dev, closer, err := deps.OpenDevice(ctx, vol.Path)
	if err != nil {
		return Result{}, fmt.Errorf("%w: open device %s: %v", lvm.ErrVolumeInspect, vol.Path, err)
	}

	defer closer.Close()

	_, readSpan := tracer.Start(ctx, "thinbackup.denseread.read")

	reader := denseread.NewFromSegments(segs, deps.BlockSize, dev)
	chunks := countingSource{inner: deps.Chunker.Split(reader), observer: deps.observer()}

	newItems, err := chunkalign.AlignNew(segs, deps.BlockSize, chunks)

	readSpan.End()

	if err != nil {
		return Result{}, fmt.Errorf("%w: align new chunks: %v", chunkalign.ErrAlignmentMismatch, err)
	}

	var oldItems []chunkalign.Item

	if !fromScratch {
		oldItems, err = alignOldAcrossSegments(ctx, deps.Store, segs, deps.BlockSize, prior.Chunks)
		if err != nil {
			return Result{}, fmt.Errorf("%w: align old chunks: %v", chunkalign.ErrAlignmentMismatch, err)
		}
	}

	chunkList, bytesRead, bytesDeduped, err := compose(ctx, deps, segs, newItems, oldItems)
	if err != nil {
		return Result{}, err
	}

	if ctx.Err() != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}

	// Cut a real point-in-time snapshot of the live thin volume now, while
	// the metadata snapshot reservation above is still held, so its mapping
	// matches exactly what this run just read. Its own thin id, not the
	// live volume's (which never changes across the volume's lifetime),
	// becomes the next run's diff baseline.
	if err := deps.Inspector.CreateLV(ctx, nextSnap, "-s", vol.VG+"/"+vol.LV); err != nil {
		return Result{}, fmt.Errorf("%w: create reference snapshot: %v", ErrRepository, err)
	}

	snapVol, found, err := resolveLV(ctx, deps.Inspector, vol.VG, nextSnap)
	if err != nil {
		return Result{}, fmt.Errorf("%w: resolve new reference snapshot: %v", ErrRepository, err)
	}

	if !found {
		return Result{}, fmt.Errorf("%w: reference snapshot %s/%s not found after create", ErrRepository, vol.VG, nextSnap)
	}

	manifest := &Manifest{
		VolumeUUID:     vol.UUID,
		SnapshotThinID: snapVol.ThinID,
		ByteLength:     vol.SizeBytes,
		BlockSize:      deps.BlockSize,
		Chunks:         chunkList,
	}

	if err := deps.Manifests.Save(ctx, vol.UUID, nextSlot(archiveName), manifest); err != nil {
		return Result{}, fmt.Errorf("%w: save working manifest: %v", ErrRepository, err)
	}

	// Retiring the previous run's reference snapshot is best-effort, same
	// as manifest retention below: a leaked snapshot LV costs pool space
	// but never risks the next run's diff, which only needs the "_last"
	// name free to receive this run's promotion.
	if !fromScratch {
		if old, found, err := resolveLV(ctx, deps.Inspector, vol.VG, lastSnap); err != nil {
			deps.logger().WarnContext(ctx, "resolve prior reference snapshot", "volume", vol.LV, "error", err)
		} else if found {
			if deps.RetainPriorLast {
				if err := deps.Inspector.RenameLV(ctx, vol.VG, lastSnap, priorSnap); err != nil {
					deps.logger().WarnContext(ctx, "retain prior reference snapshot", "volume", vol.LV, "error", err)
				}
			} else if err := deps.Inspector.RemoveLV(ctx, old.UUID); err != nil {
				deps.logger().WarnContext(ctx, "remove prior reference snapshot", "volume", vol.LV, "error", err)
			}
		}
	}

	if err := deps.Inspector.RenameLV(ctx, vol.VG, nextSnap, lastSnap); err != nil {
		return Result{}, fmt.Errorf("%w: promote reference snapshot: %v", ErrRepository, err)
	}

	// Retention is best-effort and happens before promotion: losing the
	// retained copy never risks the "last" slot being briefly absent,
	// since promotion below is a single rename that atomically replaces
	// it, satisfying "at any crash instant either the old last or the
	// new last is present" on its own.
	if deps.RetainPriorLast && !fromScratch {
		if err := deps.Manifests.Rename(ctx, vol.UUID, lastSlot(archiveName), priorSlot(archiveName)); err != nil {
			deps.logger().WarnContext(ctx, "retain prior archive", "volume", vol.LV, "error", err)
		}
	}

	if err := deps.Manifests.Rename(ctx, vol.UUID, nextSlot(archiveName), lastSlot(archiveName)); err != nil {
		return Result{}, fmt.Errorf("%w: promote working manifest: %v", ErrRepository, err)
	}

	return Result{
		VolumeName:   vol.LV,
		FromScratch:  fromScratch,
		Segments:     len(segs),
		BytesRead:    bytesRead,
		BytesDeduped: bytesDeduped,
		Manifest:     manifest,
	}, nil
}

// countingSource wraps a ChunkSource, reporting every produced chunk's size
// to an Observer as bytes freshly read off the device.
type countingSource struct {
	inner    ChunkSource
	observer Observer
}

func (c countingSource) Next() (chunkalign.Chunk, bool, error) {
	chunk, ok, err := c.inner.Next()
	if err != nil || !ok {
		return chunk, ok, err
	}

	c.observer.BytesRead(chunk.Size)

	return chunk, true, nil
}

// alignOldAcrossSegments restricts priorChunks, the previous manifest's
// full byte-ordered chunk list, to the byte ranges the current segs
// classify OLD, discarding everything else, and End-sentinels the result
// per OLD segment. Unlike chunkalign.AlignOld (which assumes its input is
// already restricted to old-only bytes), this walks the complete segment
// list so it can skip NEW/HOLE ranges interleaved between OLD ones without
// a second pass over the chunk list.
func alignOldAcrossSegments(ctx context.Context, fetcher chunkalign.Fetcher, segs []segment.Segment, blockSize uint64, priorChunks []ChunkRef) ([]chunkalign.Item, error) {
	cursor := chunkalign.NewRefCursor(priorChunks)

	var items []chunkalign.Item

	for _, seg := range segs {
		need := seg.Length * blockSize

		if seg.Kind != segment.SegmentOld {
			cursor.Skip(need)

			continue
		}

		taken, err := cursor.Take(ctx, fetcher, need)
		if err != nil {
			return nil, err
		}

		items = append(items, taken...)
		items = append(items, chunkalign.Item{End: true})
	}

	return items, nil
}

// compose walks segs in order, drains newItems/oldItems one End-delimited
// group per NEW/OLD segment, and for each HOLE segment synthesizes a single
// hole Chunk (an empty stored payload whose ref records the segment's byte
// length), producing a total, gap-free chunk list for the volume and
// storing every new chunk into deps.Store along the way.
func compose(ctx context.Context, deps Deps, segs []segment.Segment, newItems, oldItems []chunkalign.Item) ([]ChunkRef, uint64, uint64, error) {
	var (
		chunkList    []ChunkRef
		bytesDeduped uint64
		holeBytes    uint64
		newIdx       int
		oldIdx       int
	)

	for _, seg := range segs {
		deps.observer().SegmentProcessed(seg.Kind, seg.Length)

		switch seg.Kind {
		case segment.SegmentHole:
			ref, err := deps.Store.Put(ctx, nil)
			if err != nil {
				return nil, 0, 0, fmt.Errorf("%w: store hole chunk: %v", ErrRepository, err)
			}

			ref.Size = seg.Length * deps.BlockSize
			holeBytes += ref.Size
			chunkList = append(chunkList, ref)

		case segment.SegmentNew:
			refs, advanced, err := drainGroup(ctx, deps.Store, newItems[newIdx:])
			if err != nil {
				return nil, 0, 0, err
			}

			newIdx += advanced
			chunkList = append(chunkList, refs...)

		case segment.SegmentOld:
			refs, advanced, err := drainGroup(ctx, deps.Store, oldItems[oldIdx:])
			if err != nil {
				return nil, 0, 0, err
			}

			oldIdx += advanced

			for _, ref := range refs {
				bytesDeduped += ref.Size
				deps.observer().BytesDeduped(ref.Size)
			}

			chunkList = append(chunkList, refs...)
		}

		if err := ctx.Err(); err != nil {
			return nil, 0, 0, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
	}

	var bytesRead uint64

	for _, ref := range chunkList {
		bytesRead += ref.Size
	}

	bytesRead -= holeBytes

	return chunkList, bytesRead, bytesDeduped, nil
}

// drainGroup consumes items up to and including its first End sentinel,
// storing any raw Chunk through store and passing any Ref through
// unchanged, returning the resulting ChunkRefs and how many items were
// consumed (including the terminating End).
func drainGroup(ctx context.Context, store ChunkStore, items []chunkalign.Item) ([]ChunkRef, int, error) {
	var refs []ChunkRef

	for i, item := range items {
		if item.End {
			return refs, i + 1, nil
		}

		if item.Ref != nil {
			refs = append(refs, *item.Ref)

			continue
		}

		payload := item.Chunk.Payload
		if item.Chunk.Allocation == chunkalign.AllocHole {
			payload = make([]byte, item.Chunk.Size)
		}

		ref, err := store.Put(ctx, payload)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: store chunk: %v", ErrRepository, err)
		}

		refs = append(refs, ref)
	}

	return refs, len(items), fmt.Errorf("%w: chunk group missing terminating End sentinel", chunkalign.ErrAlignmentMismatch)
}
