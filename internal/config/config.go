package config

import (
	"errors"
	"time"
)

// Config is the top-level configuration struct for thinbackup.
// Field tags use mapstructure for viper unmarshalling.
type Config struct {
	BlockSize     uint64              `mapstructure:"block_size"`
	Retention     RetentionConfig     `mapstructure:"retention"`
	Checkpoint    CheckpointConfig    `mapstructure:"checkpoint"`
	Tooling       ToolingConfig       `mapstructure:"tooling"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ObservabilityConfig controls OTLP trace export. Left zero-valued,
// tracing stays on the SDK's no-op provider.
type ObservabilityConfig struct {
	Environment  string            `mapstructure:"environment"`
	OTLPEndpoint string            `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool              `mapstructure:"otlp_insecure"`
	OTLPHeaders  map[string]string `mapstructure:"otlp_headers"`
	TraceVerbose bool              `mapstructure:"trace_verbose"`
	DebugTrace   bool              `mapstructure:"debug_trace"`
	SampleRatio  float64           `mapstructure:"sample_ratio"`
}

// RetentionConfig controls what happens to the previous archive slot once a
// run promotes `_next` to `_last`.
type RetentionConfig struct {
	KeepPriorLast bool `mapstructure:"keep_prior_last"`
}

// CheckpointConfig holds checkpoint settings for resuming an interrupted run.
type CheckpointConfig struct {
	Dir string `mapstructure:"dir"`
}

// ToolingConfig locates the external binaries the volume inspector shells
// out to. Overridable so tests and non-standard installs can point at
// fakes or alternate paths.
type ToolingConfig struct {
	LVSPath        string `mapstructure:"lvs_path"`
	LVCreatePath   string `mapstructure:"lvcreate_path"`
	LVRenamePath   string `mapstructure:"lvrename_path"`
	LVRemovePath   string `mapstructure:"lvremove_path"`
	DMSetupPath    string `mapstructure:"dmsetup_path"`
	ThinDeltaPath  string `mapstructure:"thin_delta_path"`
	ThinDumpPath   string `mapstructure:"thin_dump_path"`
	CommandTimeout string `mapstructure:"command_timeout"`
}

// CommandTimeoutDuration parses ToolingConfig.CommandTimeout, defaulting to
// 30s when the field is empty.
func (t ToolingConfig) CommandTimeoutDuration() (time.Duration, error) {
	if t.CommandTimeout == "" {
		return 30 * time.Second, nil
	}

	return time.ParseDuration(t.CommandTimeout)
}

// Sentinel errors for configuration validation.
var (
	// ErrInvalidBlockSize indicates block_size is not a positive power of two.
	ErrInvalidBlockSize = errors.New("block_size must be a positive power of two")
	// ErrInvalidCheckpointDir indicates checkpoint.dir is empty.
	ErrInvalidCheckpointDir = errors.New("checkpoint.dir must not be empty")
	// ErrInvalidCommandTimeout indicates tooling.command_timeout does not parse as a duration.
	ErrInvalidCommandTimeout = errors.New("tooling.command_timeout must be a valid duration")
)

// Validate checks Config invariants and returns the first error found.
func (c *Config) Validate() error {
	if c.BlockSize == 0 || c.BlockSize&(c.BlockSize-1) != 0 {
		return ErrInvalidBlockSize
	}

	if c.Checkpoint.Dir == "" {
		return ErrInvalidCheckpointDir
	}

	if _, err := c.Tooling.CommandTimeoutDuration(); err != nil {
		return ErrInvalidCommandTimeout
	}

	return nil
}
