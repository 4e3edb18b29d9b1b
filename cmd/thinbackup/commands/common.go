// Package commands implements thinbackup's cobra subcommands.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/borgthin/thinbackup/internal/checkpoint"
	"github.com/borgthin/thinbackup/internal/config"
	"github.com/borgthin/thinbackup/internal/observability"
	"github.com/borgthin/thinbackup/pkg/archive"
	"github.com/borgthin/thinbackup/pkg/lvm"
	"github.com/borgthin/thinbackup/pkg/segment"
	"github.com/borgthin/thinbackup/pkg/version"
)

// meterName is the OTel meter name thinbackup's instruments are registered
// under.
const meterName = "thinbackup"

// newLogger builds the process-wide structured logger, text-formatted by
// default and JSON-formatted when requested, wrapped so every record
// carries the active span's trace_id/span_id alongside service metadata
// from cfg.
func newLogger(cfg *config.Config, jsonOutput bool, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var inner slog.Handler
	if jsonOutput {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}

	handler := observability.NewTracingHandler(inner, meterName, cfg.Observability.Environment, observability.ModeCLI)

	return slog.New(handler)
}

// newInspector builds the LVM tool adapter from resolved configuration.
func newInspector(cfg *config.Config, log *slog.Logger) (lvm.Inspector, error) {
	timeout, err := cfg.Tooling.CommandTimeoutDuration()
	if err != nil {
		return nil, fmt.Errorf("tooling command timeout: %w", err)
	}

	paths := lvm.ToolPaths{
		LVS:       cfg.Tooling.LVSPath,
		LVCreate:  cfg.Tooling.LVCreatePath,
		LVRename:  cfg.Tooling.LVRenamePath,
		LVRemove:  cfg.Tooling.LVRemovePath,
		DMSetup:   cfg.Tooling.DMSetupPath,
		ThinDelta: cfg.Tooling.ThinDeltaPath,
		ThinDump:  cfg.Tooling.ThinDumpPath,
	}

	return lvm.NewToolInspector(lvm.ExecRunner{}, paths, timeout, log), nil
}

// newManifestStore builds the file-backed checkpoint manifest store
// rooted at the configured checkpoint directory.
func newManifestStore(cfg *config.Config) *checkpoint.FileManifestStore {
	return checkpoint.NewFileManifestStore(cfg.Checkpoint.Dir)
}

// metricsObserver adapts observability.BackupMetrics to archive.Observer,
// letting BackupVolume report progress without depending on the metrics
// stack directly.
type metricsObserver struct {
	ctx     context.Context //nolint:containedctx // Observer's method set carries no ctx parameter
	volume  string
	metrics *observability.BackupMetrics
}

// SegmentProcessed implements archive.Observer.
func (o metricsObserver) SegmentProcessed(kind segment.SegmentKind, _ uint64) {
	o.metrics.RecordSegment(o.ctx, o.volume, kind.String())
}

// BytesRead implements archive.Observer.
func (o metricsObserver) BytesRead(n uint64) {
	o.metrics.RecordBytesRead(o.ctx, o.volume, int64(n))
}

// BytesDeduped implements archive.Observer.
func (o metricsObserver) BytesDeduped(n uint64) {
	o.metrics.RecordBytesDeduped(o.ctx, o.volume, int64(n))
}

var _ archive.Observer = metricsObserver{}

// newBackupMetrics creates BackupMetrics against the process-wide OTel
// meter provider. With no OTLP endpoint configured this is the SDK's
// no-op provider, so instruments are cheap no-ops in the common CLI case.
func newBackupMetrics() (*observability.BackupMetrics, error) {
	meter := otel.GetMeterProvider().Meter(meterName)

	return observability.NewBackupMetrics(meter)
}

// newSchedulerMetrics registers Go runtime scheduler instruments (goroutine
// and OS thread counts) against the same meter BackupMetrics uses.
func newSchedulerMetrics() (*observability.SchedulerMetrics, error) {
	meter := otel.GetMeterProvider().Meter(meterName)

	return observability.NewSchedulerMetrics(meter)
}

// initTracing builds the observability.Config InitTracing expects from
// resolved CLI configuration and installs the process-wide tracer
// provider, returning its shutdown func.
func initTracing(ctx context.Context, cfg *config.Config) (func(context.Context) error, error) {
	return observability.InitTracing(ctx, observability.Config{
		ServiceName:    meterName,
		ServiceVersion: version.Version,
		Environment:    cfg.Observability.Environment,
		Mode:           observability.ModeCLI,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		OTLPHeaders:    cfg.Observability.OTLPHeaders,
		OTLPInsecure:   cfg.Observability.OTLPInsecure,
		DebugTrace:     cfg.Observability.DebugTrace,
		SampleRatio:    cfg.Observability.SampleRatio,
		TraceVerbose:   cfg.Observability.TraceVerbose,
	})
}

// statusChar renders the single-character per-volume outcome used in
// tcreate's summary line: 'A' archived against a prior archive, 'U' backed up
// from scratch because no usable prior archive existed, 'E' failed.
func statusChar(err error, fromScratch bool) string {
	switch {
	case err != nil:
		return "E"
	case fromScratch:
		return "U"
	default:
		return "A"
	}
}

// recordResult reports a completed (or failed) volume backup to metrics.
func recordResult(ctx context.Context, metrics *observability.BackupMetrics, volume string, err error, start time.Time) {
	status := "ok"
	if err != nil {
		status = "error"
	}

	metrics.RecordVolumeResult(ctx, volume, status, time.Since(start))
}
