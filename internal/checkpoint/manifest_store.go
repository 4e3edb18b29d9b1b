package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xeipuuv/gojsonschema"

	"github.com/borgthin/thinbackup/pkg/archive"
	"github.com/borgthin/thinbackup/pkg/persist"
)

// manifestSchema constrains a persisted Manifest's shape before it is
// trusted as a ManifestStore.Load result, catching a truncated or
// hand-edited manifest file early instead of failing deep inside the
// archiver on a malformed chunk list.
const manifestSchema = `{
  "type": "object",
  "required": ["volume_uuid", "byte_length", "block_size", "chunks"],
  "properties": {
    "volume_uuid": {"type": "string", "minLength": 1},
    "snapshot_thin_id": {"type": "integer"},
    "byte_length": {"type": "integer", "minimum": 0},
    "block_size": {"type": "integer", "minimum": 1},
    "chunks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "size"],
        "properties": {
          "id": {"type": "string"},
          "size": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

var manifestSchemaLoader = gojsonschema.NewStringLoader(manifestSchema)

// ErrInvalidManifest is returned when a manifest file on disk fails schema
// validation.
var ErrInvalidManifest = errors.New("checkpoint: invalid manifest")

// FileManifestStore is a file-backed archive.ManifestStore, storing one
// JSON file per volume/slot under baseDir/<volumeUUID>/<slot>.json.
// Manifests are schema-validated on load before being trusted, and writes
// go through a temp-file-then-rename sequence so a reader never observes a
// partially written file.
type FileManifestStore struct {
	baseDir string
	codec   persist.Codec
}

// NewFileManifestStore creates a FileManifestStore rooted at baseDir,
// encoding manifests as indented JSON via persist.JSONCodec.
func NewFileManifestStore(baseDir string) *FileManifestStore {
	return &FileManifestStore{baseDir: baseDir, codec: persist.NewJSONCodec()}
}

func (s *FileManifestStore) volumeDir(volumeUUID string) string {
	return filepath.Join(s.baseDir, volumeUUID)
}

func (s *FileManifestStore) path(volumeUUID, slot string) string {
	return filepath.Join(s.volumeDir(volumeUUID), slot+s.codec.Extension())
}

// Load implements archive.ManifestStore. A missing file returns (nil, nil).
func (s *FileManifestStore) Load(_ context.Context, volumeUUID, slot string) (*archive.Manifest, error) {
	path := s.path(volumeUUID, slot)

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("checkpoint: read manifest %s: %w", path, err)
	}

	if err := validateManifestJSON(raw); err != nil {
		return nil, err
	}

	var manifest archive.Manifest

	if err := s.codec.Decode(bytes.NewReader(raw), &manifest); err != nil {
		return nil, fmt.Errorf("checkpoint: decode manifest %s: %w", path, err)
	}

	return &manifest, nil
}

func validateManifestJSON(raw []byte) error {
	var doc any

	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: not valid JSON: %v", ErrInvalidManifest, err)
	}

	result, err := gojsonschema.Validate(manifestSchemaLoader, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: schema validation error: %v", ErrInvalidManifest, err)
	}

	if !result.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidManifest, result.Errors())
	}

	return nil
}

// Save implements archive.ManifestStore, writing volumeUUID/slot's manifest
// as indented JSON, creating the volume's directory if needed.
func (s *FileManifestStore) Save(_ context.Context, volumeUUID, slot string, m *archive.Manifest) error {
	dir := s.volumeDir(volumeUUID)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: create volume dir %s: %w", dir, err)
	}

	path := s.path(volumeUUID, slot)
	tmp := path + ".tmp"

	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("checkpoint: create manifest %s: %w", tmp, err)
	}

	if err := s.codec.Encode(file, m); err != nil {
		file.Close()
		os.Remove(tmp)

		return fmt.Errorf("checkpoint: encode manifest %s: %w", path, err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("checkpoint: close manifest %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("checkpoint: rename manifest into place %s: %w", path, err)
	}

	return nil
}

// Rename implements archive.ManifestStore, atomically replacing toSlot's
// file with fromSlot's via os.Rename, matching POSIX rename(2) overwrite
// semantics: the promotion invariant relies on this being a single
// filesystem operation with no window where neither file exists.
func (s *FileManifestStore) Rename(_ context.Context, volumeUUID, fromSlot, toSlot string) error {
	from := s.path(volumeUUID, fromSlot)
	to := s.path(volumeUUID, toSlot)

	if _, err := os.Stat(from); err != nil {
		return fmt.Errorf("checkpoint: rename source %s: %w", from, err)
	}

	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("checkpoint: rename manifest %s to %s: %w", from, to, err)
	}

	return nil
}

// Remove implements archive.ManifestStore. Removing a file that does not
// exist is not an error, matching the idempotent cleanup BackupVolume
// relies on for discarding a stale working slot.
func (s *FileManifestStore) Remove(_ context.Context, volumeUUID, slot string) error {
	path := s.path(volumeUUID, slot)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("checkpoint: remove manifest %s: %w", path, err)
	}

	return nil
}

var _ archive.ManifestStore = (*FileManifestStore)(nil)
