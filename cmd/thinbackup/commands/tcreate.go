package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/borgthin/thinbackup/internal/checkpoint"
	"github.com/borgthin/thinbackup/internal/config"
	"github.com/borgthin/thinbackup/pkg/archive"
	"github.com/borgthin/thinbackup/pkg/persist"
)

// statusColors maps a tcreate status character to the color it is printed
// in.
var statusColors = map[string]*color.Color{
	"A": color.New(color.FgGreen),
	"U": color.New(color.FgYellow),
	"E": color.New(color.FgRed),
}

// TCreateCommand holds tcreate's flags and state across its Run.
type TCreateCommand struct {
	archiveName     string
	stats           bool
	jsonOutput      bool
	keepPriorLast   bool
	resume          bool
	blockSize       uint64
	checkpointEvery int
}

// NewTCreateCommand creates and configures the tcreate command.
func NewTCreateCommand() *cobra.Command {
	tc := &TCreateCommand{}

	cobraCmd := &cobra.Command{
		Use:   "tcreate <vg/lv>...",
		Short: "Back up one or more thin volumes into a named archive",
		Long: `tcreate backs up one or more LVM thin volumes into the archive
named by --archive, diffing each volume's current thin-pool metadata
against the snapshot recorded by its previous archive (or reading the
full mapping when no previous archive exists).`,
		Args: cobra.MinimumNArgs(1),
		RunE: tc.run,
	}

	cobraCmd.Flags().StringVar(&tc.archiveName, "archive", "", "archive name (required)")
	cobraCmd.Flags().BoolVar(&tc.stats, "stats", false, "print per-volume byte/segment statistics")
	cobraCmd.Flags().BoolVar(&tc.jsonOutput, "json", false, "emit machine-readable JSON log lines instead of text")
	cobraCmd.Flags().BoolVar(&tc.keepPriorLast, "keep-prior-last", false, "retain the archive slot being replaced as '_prior'")
	cobraCmd.Flags().BoolVar(&tc.resume, "resume", true, "skip volumes already completed in the last checkpointed run")
	cobraCmd.Flags().IntVar(&tc.checkpointEvery, "checkpoint-interval", 1, "save the run checkpoint after every N completed volumes")

	_ = cobraCmd.MarkFlagRequired("archive")

	return cobraCmd
}

func (tc *TCreateCommand) run(cobraCmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cobraCmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	configPath, _ := cobraCmd.Flags().GetString("config")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tc.blockSize = cfg.BlockSize

	logLevel := slog.LevelInfo
	if os.Getenv("THINBACKUP_VERBOSE") != "" {
		logLevel = slog.LevelDebug
	}

	log := newLogger(cfg, tc.jsonOutput, logLevel)

	shutdownTracing, err := initTracing(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	defer func() {
		if shutdownErr := shutdownTracing(context.Background()); shutdownErr != nil {
			log.WarnContext(context.Background(), "shutdown tracer provider", "error", shutdownErr)
		}
	}()

	inspector, err := newInspector(cfg, log)
	if err != nil {
		return err
	}

	manifests := newManifestStore(cfg)
	store := archive.NewMemoryChunkStore()

	metrics, err := newBackupMetrics()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	if _, err := newSchedulerMetrics(); err != nil {
		log.WarnContext(ctx, "init scheduler metrics", "error", err)
	}

	checkpointPersister := checkpoint.NewPersister[checkpoint.Metadata]("run_"+tc.archiveName, persist.NewCompressingCodec(checkpoint.NewJSONCodec()))

	runState := tc.loadRunState(checkpointPersister, cfg.Checkpoint.Dir, args)

	deps := archive.Deps{
		Inspector:       inspector,
		Store:           store,
		Chunker:         archive.FixedSizeChunker{Size: 4 * 1024 * 1024},
		Manifests:       manifests,
		OpenDevice:      openDevice,
		BlockSize:       tc.blockSize,
		RetainPriorLast: tc.keepPriorLast || cfg.Retention.KeepPriorLast,
		Log:             log,
	}

	if tc.checkpointEvery < 1 {
		tc.checkpointEvery = 1
	}

	var failures, sinceCheckpoint int

	for i, volumeSpec := range args {
		progress := &runState.Volumes[i]

		if tc.resume && progress.Completed {
			log.InfoContext(ctx, "skipping already-completed volume", "volume", volumeSpec)

			continue
		}

		start := time.Now()
		deps.Observer = metricsObserver{ctx: ctx, volume: volumeSpec, metrics: metrics}

		result, runErr := archive.BackupVolume(ctx, deps, volumeSpec, tc.archiveName)
		recordResult(ctx, metrics, volumeSpec, runErr, start)

		char := statusChar(runErr, result.FromScratch)
		tc.printStatusLine(char, volumeSpec, result, runErr)

		progress.Name = volumeSpec
		progress.LastCheckpoint = time.Now().UTC().Format(time.RFC3339)

		if runErr != nil {
			failures++
			progress.Error = runErr.Error()

			if errors.Is(runErr, archive.ErrCancelled) {
				tc.saveRunState(checkpointPersister, cfg.Checkpoint.Dir, runState, log)

				return fmt.Errorf("tcreate interrupted: %w", runErr)
			}

			log.ErrorContext(ctx, "volume backup failed", "volume", volumeSpec, "error", runErr)

			continue
		}

		progress.Completed = true
		progress.SegmentsWritten = int64(result.Segments)
		progress.BytesRead = int64(result.BytesRead)
		progress.BytesDeduped = int64(result.BytesDeduped)
		progress.Error = ""

		runState.ProcessedVolumes++
		sinceCheckpoint++

		if sinceCheckpoint >= tc.checkpointEvery {
			tc.saveRunState(checkpointPersister, cfg.Checkpoint.Dir, runState, log)
			sinceCheckpoint = 0
		}
	}

	tc.saveRunState(checkpointPersister, cfg.Checkpoint.Dir, runState, log)

	if failures > 0 {
		return fmt.Errorf("%d of %d volumes failed to back up", failures, len(args))
	}

	return nil
}

func (tc *TCreateCommand) printStatusLine(char, volumeSpec string, result archive.Result, runErr error) {
	if tc.jsonOutput {
		line := map[string]any{
			"volume":        volumeSpec,
			"status":        char,
			"from_scratch":  result.FromScratch,
			"segments":      result.Segments,
			"bytes_read":    result.BytesRead,
			"bytes_deduped": result.BytesDeduped,
		}

		if runErr != nil {
			line["error"] = runErr.Error()
		}

		encoded, _ := json.Marshal(line)
		fmt.Println(string(encoded))

		return
	}

	printer := statusColors[char]
	if printer == nil {
		printer = color.New()
	}

	printer.Printf("[%s] %s", char, volumeSpec)

	if tc.stats {
		fmt.Printf(" segments=%d read=%s deduped=%s",
			result.Segments, humanize.Bytes(result.BytesRead), humanize.Bytes(result.BytesDeduped))
	}

	if runErr != nil {
		fmt.Printf(" error=%v", runErr)
	}

	fmt.Println()
}

// loadRunState restores the last checkpointed run for this archive name,
// refusing to resume against a different set of volumes. A missing or
// unreadable checkpoint starts a fresh run rather than failing it.
func (tc *TCreateCommand) loadRunState(p *checkpoint.Persister[checkpoint.Metadata], dir string, volumes []string) *checkpoint.RunState {
	fresh := &checkpoint.RunState{
		TotalVolumes: len(volumes),
		Volumes:      make([]checkpoint.VolumeProgress, len(volumes)),
	}

	for i, v := range volumes {
		fresh.Volumes[i].Name = v
	}

	if !tc.resume {
		return fresh
	}

	var loaded checkpoint.Metadata

	loadErr := p.Load(dir, func(m *checkpoint.Metadata) { loaded = *m })
	if loadErr != nil {
		return fresh
	}

	if len(loaded.RunState.Volumes) != len(volumes) {
		return fresh
	}

	for i, v := range volumes {
		if loaded.RunState.Volumes[i].Name != v {
			return fresh
		}
	}

	return &loaded.RunState
}

func (tc *TCreateCommand) saveRunState(p *checkpoint.Persister[checkpoint.Metadata], dir string, state *checkpoint.RunState, log *slog.Logger) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn("create checkpoint directory", "dir", dir, "error", err)

		return
	}

	err := p.Save(dir, func() *checkpoint.Metadata {
		return &checkpoint.Metadata{
			Version:     checkpoint.MetadataVersion,
			ArchiveName: tc.archiveName,
			CreatedAt:   time.Now().UTC().Format(time.RFC3339),
			RunState:    *state,
		}
	})
	if err != nil {
		log.Warn("save run checkpoint", "dir", dir, "error", err)
	}
}

// openDevice opens the thin volume's block device for positioned reads.
func openDevice(_ context.Context, path string) (io.ReaderAt, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open device %s: %w", path, err)
	}

	return f, f, nil
}
