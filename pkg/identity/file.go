package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// File names inside the identity directory.
const (
	keyFile  = "identity.key"
	metaFile = "identity.json"
)

// Source provides the local identity.
type Source interface {
	Load() (*Local, error)
}

type meta struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// FileSource keeps the identity in a directory: the key as PEM and the UUID
// in a small JSON file. The identity is created on first Load.
type FileSource struct {
	mu  sync.Mutex
	dir string
}

var _ Source = (*FileSource)(nil)

// NewFileSource creates a file source rooted at dir.
func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

// Load returns the stored identity, creating and saving one if the directory
// holds none. A directory with only one of the two files is corrupt.
func (s *FileSource) Load() (*Local, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keyPath := filepath.Join(s.dir, keyFile)
	metaPath := filepath.Join(s.dir, metaFile)

	keyData, keyErr := os.ReadFile(keyPath)
	metaData, metaErr := os.ReadFile(metaPath)
	switch {
	case os.IsNotExist(keyErr) && os.IsNotExist(metaErr):
		return s.create()
	case keyErr != nil:
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, keyErr)
	case metaErr != nil:
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, metaErr)
	}

	key, err := DecodeKeyPEM(keyData)
	if err != nil {
		return nil, err
	}
	var m meta
	if err := json.Unmarshal(metaData, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if m.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing id", ErrCorrupt)
	}
	return &Local{ID: m.ID, Key: key, CreatedAt: m.CreatedAt}, nil
}

func (s *FileSource) create() (*Local, error) {
	l, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return nil, err
	}

	keyData, err := EncodeKeyPEM(l.Key)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(s.dir, keyFile), keyData, 0600); err != nil {
		return nil, err
	}

	metaData, err := json.MarshalIndent(meta{ID: l.ID, CreatedAt: l.CreatedAt}, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(s.dir, metaFile), metaData, 0644); err != nil {
		return nil, err
	}
	return l, nil
}
