package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/d2d-protocol/d2d-go/pkg/device"
	"github.com/d2d-protocol/d2d-go/pkg/pairing"
)

// StateVersion is the current version of the bond file format.
const StateVersion = 1

// BondState is the content of a bond file.
type BondState struct {
	// Version is the file format version.
	Version int `json:"version"`

	// SavedAt is when the state was last saved.
	SavedAt time.Time `json:"saved_at"`

	// Bonds are the bonded devices, ordered by device ID.
	Bonds []Bond `json:"bonds,omitempty"`
}

var _ pairing.BondStore = (*BondFileStore)(nil)

// BondFileStore manages persistence of the bonded list to a JSON file.
type BondFileStore struct {
	mu   sync.Mutex
	path string
}

// NewBondFileStore creates a new bond file store.
func NewBondFileStore(path string) *BondFileStore {
	return &BondFileStore{path: path}
}

// Save writes the whole state to disk.
func (s *BondFileStore) Save(state *BondState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(state)
}

// Load reads the state from disk.
// Returns nil, nil if the file doesn't exist (empty state).
func (s *BondFileStore) Load() (*BondState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Clear removes the bond file.
func (s *BondFileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// SaveBond inserts or replaces the bond for rec.
func (s *BondFileStore) SaveBond(rec device.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return err
	}
	if state == nil {
		state = &BondState{}
	}
	b := BondFromRecord(rec)
	state.Bonds = slices.DeleteFunc(state.Bonds, func(x Bond) bool { return x.DeviceID == b.DeviceID })
	state.Bonds = append(state.Bonds, b)
	slices.SortFunc(state.Bonds, func(a, b Bond) int {
		switch {
		case a.DeviceID < b.DeviceID:
			return -1
		case a.DeviceID > b.DeviceID:
			return 1
		}
		return 0
	})
	state.SavedAt = time.Time{}
	return s.save(state)
}

// DeleteBond removes the bond for id. Unknown ids are ignored.
func (s *BondFileStore) DeleteBond(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil || state == nil {
		return err
	}
	n := len(state.Bonds)
	state.Bonds = slices.DeleteFunc(state.Bonds, func(x Bond) bool { return x.DeviceID == id.String() })
	if len(state.Bonds) == n {
		return nil
	}
	state.SavedAt = time.Time{}
	return s.save(state)
}

// LoadBonds returns the persisted bonds as device records.
func (s *BondFileStore) LoadBonds() ([]device.Record, error) {
	state, err := s.Load()
	if err != nil || state == nil {
		return nil, err
	}
	recs := make([]device.Record, 0, len(state.Bonds))
	for _, b := range state.Bonds {
		rec, err := b.Record()
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *BondFileStore) save(state *BondState) error {
	// Ensure parent directory exists
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	state.Version = StateVersion
	if state.SavedAt.IsZero() {
		state.SavedAt = time.Now()
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	// Bonds include public keys of trusted peers.
	return os.WriteFile(s.path, data, 0600)
}

func (s *BondFileStore) load() (*BondState, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	state := &BondState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, err
	}

	return state, nil
}
