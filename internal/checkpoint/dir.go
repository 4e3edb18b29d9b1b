package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
)

// MetadataVersion is the current checkpoint metadata format version.
const MetadataVersion = 1

// DefaultDir returns the default checkpoint directory (~/.thinbackup/checkpoints).
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return filepath.Join(home, ".thinbackup", "checkpoints")
}

// PoolHash computes a short hash of the volume group/pool path for use as a
// checkpoint directory name, so checkpoints from unrelated pools never collide.
func PoolHash(poolPath string) string {
	h := sha256.Sum256([]byte(poolPath))

	return hex.EncodeToString(h[:8])
}
