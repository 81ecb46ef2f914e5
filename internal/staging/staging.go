// Package staging provides temporary local storage for in-flight
// uploads. Bytes stream into a per-upload file; once sealed the content
// is immutable and belongs to whoever hands it downstream.
package staging

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Store manages the staging directory
type Store struct {
	basePath string
	mutex    sync.Mutex
}

// NewStore creates a staging store rooted at basePath
func NewStore(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		log.Error().Err(err).Str("path", basePath).Msg("failed to create staging directory")
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	log.Info().Str("path", basePath).Msg("staging store initialized")
	return &Store{basePath: basePath}, nil
}

// Create opens a new staging upload for the given destination name.
// The name is only recorded; the on-disk file is keyed by a fresh UUID
// so concurrent uploads of the same name never collide.
func (s *Store) Create(name string) (*Upload, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	id := uuid.New()
	path := filepath.Join(s.basePath, id.String()+".partial")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to create staging file")
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}

	return &Upload{
		id:     id,
		name:   name,
		path:   path,
		file:   file,
		hasher: sha256.New(),
	}, nil
}

// Upload is one staged file transfer. Write bytes, then either Seal
// (clean end-of-stream) or Discard (error path). Remove deletes the
// staged content after the downstream hand-off concludes.
type Upload struct {
	id     uuid.UUID
	name   string
	path   string
	file   *os.File
	hasher hash.Hash
	bytes  int64
	sealed bool
	gone   bool
}

// ID returns the upload's correlation ID
func (u *Upload) ID() uuid.UUID { return u.id }

// Name returns the client-declared destination name
func (u *Upload) Name() string { return u.name }

// Path returns the staging file location
func (u *Upload) Path() string { return u.path }

// Bytes returns the number of bytes written so far
func (u *Upload) Bytes() int64 { return u.bytes }

// Checksum returns the SHA256 of the content written so far
func (u *Upload) Checksum() string {
	return hex.EncodeToString(u.hasher.Sum(nil))
}

// Write appends bytes to the staging file
func (u *Upload) Write(p []byte) (int, error) {
	if u.sealed {
		return 0, fmt.Errorf("upload %s is sealed", u.id)
	}
	n, err := u.file.Write(p)
	u.bytes += int64(n)
	u.hasher.Write(p[:n])
	if err != nil {
		return n, fmt.Errorf("failed to write staging content: %w", err)
	}
	return n, nil
}

// Seal flushes and closes the staging file, marking the content
// complete. After Seal the upload is read-only.
func (u *Upload) Seal() error {
	if u.sealed {
		return nil
	}
	if err := u.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync staging file: %w", err)
	}
	if err := u.file.Close(); err != nil {
		return fmt.Errorf("failed to close staging file: %w", err)
	}
	u.sealed = true

	log.Debug().
		Str("upload_id", u.id.String()).
		Str("name", u.name).
		Int64("bytes", u.bytes).
		Str("checksum", u.Checksum()).
		Msg("upload sealed")
	return nil
}

// Discard aborts an unsealed upload, deleting any partial content.
// Safe to call multiple times and after Seal (then equivalent to Remove).
func (u *Upload) Discard() {
	if u.gone {
		return
	}
	if !u.sealed {
		u.file.Close()
	}
	u.remove()
}

// Remove deletes a sealed upload's staged content once the downstream
// hand-off has concluded.
func (u *Upload) Remove() {
	if u.gone {
		return
	}
	u.remove()
}

func (u *Upload) remove() {
	if err := os.Remove(u.path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", u.path).Msg("failed to remove staging file")
		return
	}
	u.gone = true
}
