package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// MemoryChunkStore is a content-addressed, in-process ChunkStore keyed by
// the SHA-256 of each chunk's payload, useful for tests and for a
// single-run demo where no external repository is configured.
type MemoryChunkStore struct {
	mu     sync.Mutex
	chunks map[string][]byte
}

// NewMemoryChunkStore returns an empty MemoryChunkStore.
func NewMemoryChunkStore() *MemoryChunkStore {
	return &MemoryChunkStore{chunks: map[string][]byte{}}
}

// Put implements ChunkStore.
func (s *MemoryChunkStore) Put(_ context.Context, data []byte) (ChunkRef, error) {
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.chunks[id]; !exists {
		stored := make([]byte, len(data))
		copy(stored, data)
		s.chunks[id] = stored
	}

	return ChunkRef{ID: id, Size: uint64(len(data))}, nil
}

// FetchMany implements ChunkStore and chunkalign.Fetcher.
func (s *MemoryChunkStore) FetchMany(_ context.Context, ids []string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]byte, len(ids))

	for _, id := range ids {
		data, ok := s.chunks[id]
		if !ok {
			return nil, fmt.Errorf("%w: no such chunk %s", ErrRepository, id)
		}

		out[id] = data
	}

	return out, nil
}

// Len reports how many distinct chunks are stored, for tests.
func (s *MemoryChunkStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.chunks)
}

// MemoryManifestStore is an in-process ManifestStore keyed by volume UUID
// and slot name, useful for tests and single-run demo invocations.
type MemoryManifestStore struct {
	mu        sync.Mutex
	manifests map[string]map[string]*Manifest
}

// NewMemoryManifestStore returns an empty MemoryManifestStore.
func NewMemoryManifestStore() *MemoryManifestStore {
	return &MemoryManifestStore{manifests: map[string]map[string]*Manifest{}}
}

// Load implements ManifestStore.
func (s *MemoryManifestStore) Load(_ context.Context, volumeUUID, slot string) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slots, ok := s.manifests[volumeUUID]
	if !ok {
		return nil, nil
	}

	m, ok := slots[slot]
	if !ok {
		return nil, nil
	}

	clone := *m

	return &clone, nil
}

// Save implements ManifestStore.
func (s *MemoryManifestStore) Save(_ context.Context, volumeUUID, slot string, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.manifests[volumeUUID] == nil {
		s.manifests[volumeUUID] = map[string]*Manifest{}
	}

	clone := *m
	s.manifests[volumeUUID][slot] = &clone

	return nil
}

// Rename implements ManifestStore, atomically replacing toSlot's contents
// with fromSlot's, matching POSIX rename(2) overwrite semantics so
// promotion never leaves a crash window with neither the old nor the new
// "last" manifest present.
func (s *MemoryManifestStore) Rename(_ context.Context, volumeUUID, fromSlot, toSlot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slots, ok := s.manifests[volumeUUID]
	if !ok {
		return fmt.Errorf("%w: no manifests for volume %s", ErrRepository, volumeUUID)
	}

	m, ok := slots[fromSlot]
	if !ok {
		return fmt.Errorf("%w: no manifest in slot %s", ErrRepository, fromSlot)
	}

	slots[toSlot] = m
	delete(slots, fromSlot)

	return nil
}

// Remove implements ManifestStore. Removing a slot that does not exist is
// not an error, matching the idempotent cleanup BackupVolume relies on for
// discarding a stale working slot.
func (s *MemoryManifestStore) Remove(_ context.Context, volumeUUID, slot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slots, ok := s.manifests[volumeUUID]
	if !ok {
		return nil
	}

	delete(slots, slot)

	return nil
}
