// Package lvm inspects LVM thin volumes and their thin-pool metadata:
// enumerating volumes, reserving a metadata snapshot, and turning
// thin_delta/thin_dump output into a segment.DeltaIterator.
package lvm

import (
	"context"
	"errors"

	"github.com/borgthin/thinbackup/pkg/segment"
)

// ErrVolumeInspect wraps any failure to enumerate or inspect a volume,
// whether from the underlying tool's exit status or from parsing its
// output.
var ErrVolumeInspect = errors.New("lvm: volume inspection failed")

// ErrMetadataSnapshotBusy is returned when a metadata snapshot reservation
// is attempted against a pool that already has one outstanding.
var ErrMetadataSnapshotBusy = errors.New("lvm: metadata snapshot reservation busy")

// VolumeInfo describes one thin logical volume as reported by lvs, plus its
// thin device id within its pool.
type VolumeInfo struct {
	UUID      string
	Path      string
	SizeBytes uint64
	ThinID    int
	PoolPath  string
	VG        string
	LV        string
}

// ReservationHandle releases a metadata snapshot reservation when closed.
// Close is idempotent-safe to call from a defer on every exit path,
// including a panicking one.
type ReservationHandle interface {
	Close() error
}

// Inspector is the capability surface ThinArchiver needs from the LVM/thin
// toolchain. Implementations talk to real tools (ToolInspector) or, in
// tests, fake them entirely.
type Inspector interface {
	// ListVolumes enumerates thin volumes matching spec (an lvs volume
	// specifier, e.g. "vg/lv", or "" for all) further narrowed by
	// selector (an lvs --select expression, or "" for none).
	ListVolumes(ctx context.Context, spec, selector string) ([]VolumeInfo, error)

	// ReserveMetadataSnapshot reserves a point-in-time metadata snapshot
	// on the thin pool at poolPath so subsequent Delta/FullMapping calls
	// read a consistent view. The returned handle must be closed to
	// release the reservation.
	ReserveMetadataSnapshot(ctx context.Context, poolPath string) (ReservationHandle, error)

	// Delta yields the block-range differences between thinPrev and
	// thinCurr's mappings within the metadata snapshot at metaPath.
	Delta(ctx context.Context, metaPath string, thinPrev, thinCurr int) (segment.DeltaIterator, error)

	// FullMapping yields thinCurr's entire mapping as a stream of
	// DeltaRightOnly records, for volumes with no prior archive to diff
	// against.
	FullMapping(ctx context.Context, metaPath string, thinCurr int) (segment.DeltaIterator, error)

	// CreateLV creates a new logical volume named name with the given
	// lvcreate parameters appended verbatim.
	CreateLV(ctx context.Context, name string, params ...string) error

	// RenameLV renames a logical volume within vg.
	RenameLV(ctx context.Context, vg, oldName, newName string) error

	// RemoveLV removes the logical volume identified by uuid.
	RemoveLV(ctx context.Context, uuid string) error
}
