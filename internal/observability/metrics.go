package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricSegmentsTotal    = "thinbackup.segments.total"
	metricBytesRead        = "thinbackup.bytes.read"
	metricBytesDeduped     = "thinbackup.bytes.deduped"
	metricVolumeErrors     = "thinbackup.volumes.errors"
	metricBackupDuration   = "thinbackup.backup.duration.seconds"
	metricVolumesInflight  = "thinbackup.volumes.inflight"

	attrVolume     = "volume"
	attrSegmentKind = "segment_kind"
	attrStatus     = "status"

	statusError = "error"
)

// durationBucketBoundaries covers 1s to 6h for backup runs that range from
// small, mostly-unchanged volumes to multi-terabyte initial backups.
var durationBucketBoundaries = []float64{1, 5, 15, 30, 60, 180, 600, 1800, 3600, 7200, 21600}

// BackupMetrics holds the OTel instruments recorded over the life of a
// thinbackup run: how much of each volume was new versus deduplicated, how
// many segments each volume's delta produced, and how long each volume took.
type BackupMetrics struct {
	segmentsTotal   metric.Int64Counter
	bytesRead       metric.Int64Counter
	bytesDeduped    metric.Int64Counter
	volumeErrors    metric.Int64Counter
	backupDuration  metric.Float64Histogram
	volumesInflight metric.Int64UpDownCounter
}

// NewBackupMetrics creates the backup metric instruments from the given meter.
func NewBackupMetrics(mt metric.Meter) (*BackupMetrics, error) {
	b := newMetricBuilder(mt)

	bm := &BackupMetrics{
		segmentsTotal:   b.counter(metricSegmentsTotal, "Segments produced by segment map construction", "{segment}"),
		bytesRead:       b.counter(metricBytesRead, "Bytes read from thin volumes during backup", "By"),
		bytesDeduped:    b.counter(metricBytesDeduped, "Bytes matched against the chunk store instead of re-read", "By"),
		volumeErrors:    b.counter(metricVolumeErrors, "Volumes that failed to back up", "{volume}"),
		backupDuration:  b.histogram(metricBackupDuration, "Wall-clock duration of a single volume backup", "s", durationBucketBoundaries...),
		volumesInflight: b.upDownCounter(metricVolumesInflight, "Volumes currently being backed up", "{volume}"),
	}

	if b.err != nil {
		return nil, b.err
	}

	return bm, nil
}

// RecordSegment records one segment produced for volume by its kind (new, old, hole).
func (bm *BackupMetrics) RecordSegment(ctx context.Context, volume, kind string) {
	bm.segmentsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrVolume, volume),
		attribute.String(attrSegmentKind, kind),
	))
}

// RecordBytesRead records bytes pulled off the device for volume.
func (bm *BackupMetrics) RecordBytesRead(ctx context.Context, volume string, n int64) {
	bm.bytesRead.Add(ctx, n, metric.WithAttributes(attribute.String(attrVolume, volume)))
}

// RecordBytesDeduped records bytes served from the chunk store without a device read.
func (bm *BackupMetrics) RecordBytesDeduped(ctx context.Context, volume string, n int64) {
	bm.bytesDeduped.Add(ctx, n, metric.WithAttributes(attribute.String(attrVolume, volume)))
}

// RecordVolumeResult records completion of a volume backup, its outcome, and duration.
func (bm *BackupMetrics) RecordVolumeResult(ctx context.Context, volume, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String(attrVolume, volume),
		attribute.String(attrStatus, status),
	)

	bm.backupDuration.Record(ctx, duration.Seconds(), attrs)

	if status == statusError {
		bm.volumeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String(attrVolume, volume)))
	}
}

// TrackInflight increments the in-flight volume gauge and returns a function to decrement it.
func (bm *BackupMetrics) TrackInflight(ctx context.Context, volume string) func() {
	attrs := metric.WithAttributes(attribute.String(attrVolume, volume))
	bm.volumesInflight.Add(ctx, 1, attrs)

	return func() {
		bm.volumesInflight.Add(ctx, -1, attrs)
	}
}
