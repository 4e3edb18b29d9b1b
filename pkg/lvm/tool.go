package lvm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/borgthin/thinbackup/pkg/segment"
)

// tracer is named so that observability.NewFilteringTracerProvider can
// suppress the per-call lvm spans it produces while leaving structural
// spans elsewhere untouched.
var tracer = otel.Tracer("thinbackup.lvm")

// Runner executes an external command and returns its standard output,
// wrapping os/exec.CommandContext. It exists so ToolInspector can be tested
// against a fake without invoking real LVM/thin-provisioning tools.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands via os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stderr bytes.Buffer

	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w (stderr: %s)", name, strings.Join(args, " "), err, bytes.TrimSpace(stderr.Bytes()))
	}

	return out, nil
}

// ToolPaths names the external binaries ToolInspector shells out to.
type ToolPaths struct {
	LVS       string
	LVCreate  string
	LVRename  string
	LVRemove  string
	DMSetup   string
	ThinDelta string
	ThinDump  string
}

// ToolInspector implements Inspector by shelling out to the LVM and
// device-mapper thin-provisioning command-line tools.
type ToolInspector struct {
	runner  Runner
	paths   ToolPaths
	timeout time.Duration
	log     *slog.Logger
}

// NewToolInspector builds a ToolInspector. A zero timeout disables the
// per-command context deadline.
func NewToolInspector(runner Runner, paths ToolPaths, timeout time.Duration, log *slog.Logger) *ToolInspector {
	if log == nil {
		log = slog.Default()
	}

	return &ToolInspector{runner: runner, paths: paths, timeout: timeout, log: log}
}

func (t *ToolInspector) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.timeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, t.timeout)
}

type lvsReport struct {
	Report []struct {
		LV []lvsRow `json:"lv"`
	} `json:"report"`
}

type lvsRow struct {
	UUID     string `json:"lv_uuid"`
	Path     string `json:"lv_path"`
	FullName string `json:"lv_full_name"`
	Size     string `json:"lv_size"`
	VGName   string `json:"vg_name"`
	LVName   string `json:"lv_name"`
	PoolLV   string `json:"pool_lv"`
}

// ListVolumes implements Inspector.
func (t *ToolInspector) ListVolumes(ctx context.Context, spec, selector string) ([]VolumeInfo, error) {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	args := []string{"-a", "-o", "lv_uuid,lv_path,lv_full_name,lv_size,vg_name,lv_name,pool_lv", "--units=b", "--reportformat", "json_std"}
	if spec != "" {
		args = append(args, spec)
	}

	if selector != "" {
		args = append(args, "--select", selector)
	}

	out, err := t.runner.Run(ctx, t.paths.LVS, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list volumes: %v", ErrVolumeInspect, err)
	}

	var report lvsReport

	if err := json.Unmarshal(out, &report); err != nil {
		return nil, fmt.Errorf("%w: parse lvs output: %v", ErrVolumeInspect, err)
	}

	if len(report.Report) == 0 {
		return nil, nil
	}

	volumes := make([]VolumeInfo, 0, len(report.Report[0].LV))

	for _, row := range report.Report[0].LV {
		size, err := parseByteSize(row.Size)
		if err != nil {
			return nil, fmt.Errorf("%w: volume %s: %v", ErrVolumeInspect, row.FullName, err)
		}

		thinID, err := t.thinDeviceID(ctx, row.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: volume %s: %v", ErrVolumeInspect, row.FullName, err)
		}

		volumes = append(volumes, VolumeInfo{
			UUID:      row.UUID,
			Path:      row.Path,
			SizeBytes: size,
			ThinID:    thinID,
			PoolPath:  row.PoolLV,
			VG:        row.VGName,
			LV:        row.LVName,
		})
	}

	return volumes, nil
}

// thinDeviceID reads the thin device id for the volume at path out of its
// device-mapper table, whose last field for a "thin" target is the device
// id within its pool.
func (t *ToolInspector) thinDeviceID(ctx context.Context, path string) (int, error) {
	out, err := t.runner.Run(ctx, t.paths.DMSetup, "table", path)
	if err != nil {
		return 0, fmt.Errorf("dmsetup table: %w", err)
	}

	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return 0, fmt.Errorf("dmsetup table %s: empty output", path)
	}

	id, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return 0, fmt.Errorf("dmsetup table %s: parse device id: %w", path, err)
	}

	return id, nil
}

// reservationHandle releases a metadata snapshot reservation on Close,
// guarding against being released twice (a panic unwinding through a defer
// after an already-successful explicit Close).
type reservationHandle struct {
	inspector *ToolInspector
	poolPath  string
	released  bool
}

// Close implements ReservationHandle. It recovers from any panic inside the
// release call so the reservation is never leaked even if the caller's
// deferred Close runs during a panicking unwind triggered elsewhere.
func (h *reservationHandle) Close() (err error) {
	if h.released {
		return nil
	}

	h.released = true

	defer func() {
		if r := recover(); r != nil {
			h.inspector.log.Error("panic while releasing metadata snapshot", "pool", h.poolPath, "panic", r)
			err = fmt.Errorf("%w: release metadata snapshot: panic: %v", ErrVolumeInspect, r)
		}
	}()

	ctx, cancel := h.inspector.withTimeout(context.Background())
	defer cancel()

	_, runErr := h.inspector.runner.Run(ctx, h.inspector.paths.DMSetup, "message", h.poolPath, "0", "release_metadata_snap")
	if runErr != nil {
		return fmt.Errorf("%w: release metadata snapshot: %v", ErrVolumeInspect, runErr)
	}

	return nil
}

// ReserveMetadataSnapshot implements Inspector.
func (t *ToolInspector) ReserveMetadataSnapshot(ctx context.Context, poolPath string) (ReservationHandle, error) {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	_, err := t.runner.Run(ctx, t.paths.DMSetup, "message", poolPath, "0", "reserve_metadata_snap")
	if err != nil {
		return nil, fmt.Errorf("%w: reserve metadata snapshot on %s: %v", ErrMetadataSnapshotBusy, poolPath, err)
	}

	return &reservationHandle{inspector: t, poolPath: poolPath}, nil
}

// Delta implements Inspector.
func (t *ToolInspector) Delta(ctx context.Context, metaPath string, thinPrev, thinCurr int) (segment.DeltaIterator, error) {
	ctx, span := tracer.Start(ctx, "thinbackup.lvm.delta")
	defer span.End()

	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	out, err := t.runner.Run(ctx, t.paths.ThinDelta,
		"--metadata-snap",
		"--thin1", strconv.Itoa(thinPrev),
		"--thin2", strconv.Itoa(thinCurr),
		metaPath,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: thin_delta: %v", ErrVolumeInspect, err)
	}

	return newThinDeltaIterator(bytes.NewReader(out)), nil
}

// FullMapping implements Inspector.
func (t *ToolInspector) FullMapping(ctx context.Context, metaPath string, thinCurr int) (segment.DeltaIterator, error) {
	ctx, span := tracer.Start(ctx, "thinbackup.lvm.full_mapping")
	defer span.End()

	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	out, err := t.runner.Run(ctx, t.paths.ThinDump,
		"--metadata-snap",
		"--dev-id", strconv.Itoa(thinCurr),
		metaPath,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: thin_dump: %v", ErrVolumeInspect, err)
	}

	return newThinDumpIterator(bytes.NewReader(out)), nil
}

// CreateLV implements Inspector.
func (t *ToolInspector) CreateLV(ctx context.Context, name string, params ...string) error {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	args := append([]string{"-qq", "-n", name, "--addtag=thinbackup"}, params...)

	_, err := t.runner.Run(ctx, t.paths.LVCreate, args...)
	if err != nil {
		return fmt.Errorf("%w: create lv %s: %v", ErrVolumeInspect, name, err)
	}

	return nil
}

// RenameLV implements Inspector.
func (t *ToolInspector) RenameLV(ctx context.Context, vg, oldName, newName string) error {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	_, err := t.runner.Run(ctx, t.paths.LVRename, "-qq", vg, oldName, newName)
	if err != nil {
		return fmt.Errorf("%w: rename lv %s/%s to %s: %v", ErrVolumeInspect, vg, oldName, newName, err)
	}

	return nil
}

// RemoveLV implements Inspector.
func (t *ToolInspector) RemoveLV(ctx context.Context, uuid string) error {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	_, err := t.runner.Run(ctx, t.paths.LVRemove, "-qq", "-y", "--select", "lv_uuid="+uuid)
	if err != nil {
		return fmt.Errorf("%w: remove lv %s: %v", ErrVolumeInspect, uuid, err)
	}

	return nil
}

var _ Inspector = (*ToolInspector)(nil)
