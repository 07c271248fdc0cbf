package device

import (
	"cmp"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PrunePolicy selects what happens to records that become Removable.
type PrunePolicy uint8

const (
	// PruneUnset is the zero value. A store cannot be created with it.
	PruneUnset PrunePolicy = iota

	// PruneManual keeps Removable records until Prune or Remove is called.
	PruneManual

	// PruneAutomatic deletes records as soon as they become Removable.
	PruneAutomatic
)

// String returns the policy name.
func (p PrunePolicy) String() string {
	switch p {
	case PruneUnset:
		return "UNSET"
	case PruneManual:
		return "MANUAL"
	case PruneAutomatic:
		return "AUTOMATIC"
	default:
		return "INVALID"
	}
}

// ParsePrunePolicy parses "manual" or "automatic".
func ParsePrunePolicy(s string) (PrunePolicy, error) {
	switch s {
	case "manual", "MANUAL":
		return PruneManual, nil
	case "automatic", "AUTOMATIC", "auto":
		return PruneAutomatic, nil
	default:
		return PruneUnset, fmt.Errorf("%w: unknown prune policy %q", ErrInvalidConfig, s)
	}
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// PrunePolicy must be set explicitly.
	PrunePolicy PrunePolicy

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger is used for debug output. Nil discards.
	Logger *slog.Logger
}

// Store holds one Record per known device.
//
// Operations on different identities run in parallel; operations on the same
// identity are serialized in call order. Every returned Record is a copy.
type Store struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*entry

	policy PrunePolicy
	now    func() time.Time
	logger *slog.Logger
}

type entry struct {
	mu      sync.Mutex
	rec     Record
	removed bool
}

// NewStore creates an empty store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.PrunePolicy != PruneManual && cfg.PrunePolicy != PruneAutomatic {
		return nil, fmt.Errorf("%w: prune policy %s", ErrInvalidConfig, cfg.PrunePolicy)
	}
	s := &Store{
		entries: make(map[uuid.UUID]*entry),
		policy:  cfg.PrunePolicy,
		now:     cfg.Now,
		logger:  cfg.Logger,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s, nil
}

// PrunePolicy returns the configured policy.
func (s *Store) PrunePolicy() PrunePolicy {
	return s.policy
}

// MergeSighting folds a sighting into the store.
//
// An unknown UUID creates a new Discovered record and isUpdate is false. A known
// UUID must carry the same public key, otherwise ErrIdentitySpoofed is returned
// and the record is left untouched. On a match the descriptive fields are
// replaced, the endpoint for the sighting's transport is inserted or refreshed
// and the record is marked Discovered.
func (s *Store) MergeSighting(sg Sighting) (rec Record, isUpdate bool, err error) {
	if err := sg.Validate(); err != nil {
		return Record{}, false, err
	}
	if sg.SeenAt.IsZero() {
		sg.SeenAt = s.now()
	}
	id := sg.Identity.UUID

	for {
		ent, fresh, created := s.lookupOrCreate(sg)
		if created {
			return fresh, false, nil
		}

		ent.mu.Lock()
		if ent.removed {
			ent.mu.Unlock()
			continue
		}
		if !ent.rec.Identity.SameKey(sg.Identity) {
			ent.mu.Unlock()
			s.logger.Warn("rejected sighting with mismatched key",
				"device_id", id,
				"uri", sg.URI,
				"known_fingerprint", ent.rec.Identity.Fingerprint(),
				"sighted_fingerprint", sg.Identity.Fingerprint())
			return Record{}, false, fmt.Errorf("%w: %s", ErrIdentitySpoofed, id)
		}
		applySighting(&ent.rec, sg)
		ent.rec.Reachability = ReachabilityDiscovered
		out := ent.rec.Clone()
		ent.mu.Unlock()
		return out, true, nil
	}
}

// lookupOrCreate returns the existing entry, or creates the record for a new
// identity and returns a copy of it with created set.
func (s *Store) lookupOrCreate(sg Sighting) (*entry, Record, bool) {
	id := sg.Identity.UUID

	s.mu.RLock()
	ent, ok := s.entries[id]
	s.mu.RUnlock()
	if ok {
		return ent, Record{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ent, ok := s.entries[id]; ok {
		return ent, Record{}, false
	}
	rec := Record{
		Identity:     sg.Identity.clone(),
		Trust:        TrustDiscovered,
		Reachability: ReachabilityDiscovered,
	}
	applySighting(&rec, sg)
	s.entries[id] = &entry{rec: rec}
	s.logger.Debug("new device", "device_id", id, "transport", sg.Transport, "uri", sg.URI)
	return nil, rec.Clone(), true
}

func applySighting(r *Record, sg Sighting) {
	r.Name = sg.Name
	r.ProtocolVersion = sg.ProtocolVersion
	r.OS = sg.OS
	r.Features = sg.Features
	r.upsertEndpoint(Endpoint{
		URI:       sg.URI,
		Transport: sg.Transport,
		LastSeen:  sg.SeenAt,
	})
}

// RemoveEndpoint deletes a single endpoint from a record. An unbonded record
// left without endpoints becomes Removable, and is deleted right away under
// PruneAutomatic. Trust is never changed.
func (s *Store) RemoveEndpoint(id uuid.UUID, uri string) (Record, error) {
	ent, err := s.locked(id)
	if err != nil {
		return Record{}, err
	}
	if !ent.rec.removeEndpoint(uri) {
		ent.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s on %s", ErrEndpointNotFound, uri, id)
	}
	becameRemovable := false
	if len(ent.rec.Endpoints) == 0 && !ent.rec.IsBonded() {
		ent.rec.Reachability = ReachabilityRemovable
		becameRemovable = true
	}
	out := ent.rec.Clone()
	ent.mu.Unlock()

	s.logger.Debug("endpoint removed", "device_id", id, "uri", uri, "removable", becameRemovable)
	if becameRemovable && s.policy == PruneAutomatic {
		s.deleteIfRemovable(id)
	}
	return out, nil
}

// Bond marks a known device as Bonded. Bonded records are always Discovered.
func (s *Store) Bond(id uuid.UUID) (Record, error) {
	ent, err := s.locked(id)
	if err != nil {
		return Record{}, err
	}
	defer ent.mu.Unlock()
	if !ent.rec.IsBonded() {
		ent.rec.Trust = TrustBonded
		ent.rec.BondedAt = s.now()
	}
	ent.rec.Reachability = ReachabilityDiscovered
	return ent.rec.Clone(), nil
}

// Unbond returns a Bonded device to Discovered. If it has no endpoints left it
// becomes Removable.
func (s *Store) Unbond(id uuid.UUID) (Record, error) {
	ent, err := s.locked(id)
	if err != nil {
		return Record{}, err
	}
	ent.rec.Trust = TrustDiscovered
	ent.rec.BondedAt = time.Time{}
	becameRemovable := false
	if len(ent.rec.Endpoints) == 0 {
		ent.rec.Reachability = ReachabilityRemovable
		becameRemovable = true
	}
	out := ent.rec.Clone()
	ent.mu.Unlock()

	if becameRemovable && s.policy == PruneAutomatic {
		s.deleteIfRemovable(id)
	}
	return out, nil
}

// Restore loads a previously bonded record, for example from a bond store at
// startup. An existing record keeps its endpoints and descriptive fields but
// becomes Bonded. A key mismatch fails with ErrIdentitySpoofed.
func (s *Store) Restore(rec Record) error {
	if err := rec.Identity.Validate(); err != nil {
		return err
	}
	id := rec.Identity.UUID
	bondedAt := rec.BondedAt
	if bondedAt.IsZero() {
		bondedAt = s.now()
	}

	for {
		s.mu.Lock()
		ent, ok := s.entries[id]
		if !ok {
			r := rec.Clone()
			r.Trust = TrustBonded
			r.Reachability = ReachabilityDiscovered
			r.BondedAt = bondedAt
			r.sortEndpoints()
			s.entries[id] = &entry{rec: r}
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		ent.mu.Lock()
		if ent.removed {
			ent.mu.Unlock()
			continue
		}
		if !ent.rec.Identity.SameKey(rec.Identity) {
			ent.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrIdentitySpoofed, id)
		}
		ent.rec.Trust = TrustBonded
		ent.rec.Reachability = ReachabilityDiscovered
		ent.rec.BondedAt = bondedAt
		ent.mu.Unlock()
		return nil
	}
}

// EndRound is called when a discovery round finishes. Every unbonded record
// whose UUID is not in sighted becomes Removable. Returns the records that
// changed, as they were when they changed.
func (s *Store) EndRound(sighted map[uuid.UUID]struct{}) []Record {
	var changed []Record
	var prune []uuid.UUID
	for _, ent := range s.snapshot() {
		ent.mu.Lock()
		if ent.removed || ent.rec.IsBonded() || ent.rec.IsRemovable() {
			ent.mu.Unlock()
			continue
		}
		if _, ok := sighted[ent.rec.UUID()]; ok {
			ent.mu.Unlock()
			continue
		}
		ent.rec.Reachability = ReachabilityRemovable
		changed = append(changed, ent.rec.Clone())
		prune = append(prune, ent.rec.UUID())
		ent.mu.Unlock()
	}
	if s.policy == PruneAutomatic {
		for _, id := range prune {
			s.deleteIfRemovable(id)
		}
	}
	return sortRecords(changed)
}

// Remove deletes a record. Bonded records must be unbonded first.
func (s *Store) Remove(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.rec.IsBonded() {
		return fmt.Errorf("%w: %s", ErrBonded, id)
	}
	ent.removed = true
	delete(s.entries, id)
	return nil
}

// Prune deletes every Removable record and returns their UUIDs.
func (s *Store) Prune() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pruned []uuid.UUID
	for id, ent := range s.entries {
		ent.mu.Lock()
		if ent.rec.IsRemovable() && !ent.rec.IsBonded() {
			ent.removed = true
			delete(s.entries, id)
			pruned = append(pruned, id)
		}
		ent.mu.Unlock()
	}
	slices.SortFunc(pruned, func(a, b uuid.UUID) int { return cmp.Compare(a.String(), b.String()) })
	if len(pruned) > 0 {
		s.logger.Debug("pruned removable devices", "count", len(pruned))
	}
	return pruned
}

// Get returns a copy of the record for id.
func (s *Store) Get(id uuid.UUID) (Record, bool) {
	s.mu.RLock()
	ent, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return Record{}, false
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.removed {
		return Record{}, false
	}
	return ent.rec.Clone(), true
}

// IsBonded reports whether id is a known bonded device.
func (s *Store) IsBonded(id uuid.UUID) bool {
	rec, ok := s.Get(id)
	return ok && rec.IsBonded()
}

// List returns copies of all records ordered by UUID.
func (s *Store) List() []Record {
	return s.collect(func(*Record) bool { return true })
}

// Bonded returns copies of all bonded records ordered by UUID.
func (s *Store) Bonded() []Record {
	return s.collect((*Record).IsBonded)
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) collect(keep func(*Record) bool) []Record {
	var out []Record
	for _, ent := range s.snapshot() {
		ent.mu.Lock()
		if !ent.removed && keep(&ent.rec) {
			out = append(out, ent.rec.Clone())
		}
		ent.mu.Unlock()
	}
	return sortRecords(out)
}

func (s *Store) snapshot() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.entries))
	for _, ent := range s.entries {
		out = append(out, ent)
	}
	return out
}

// locked returns the entry for id with its mutex held.
func (s *Store) locked(id uuid.UUID) (*entry, error) {
	for {
		s.mu.RLock()
		ent, ok := s.entries[id]
		s.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		ent.mu.Lock()
		if !ent.removed {
			return ent, nil
		}
		ent.mu.Unlock()
	}
}

func (s *Store) deleteIfRemovable(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.entries[id]
	if !ok {
		return
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.rec.IsRemovable() && !ent.rec.IsBonded() {
		ent.removed = true
		delete(s.entries, id)
		s.logger.Debug("pruned device", "device_id", id)
	}
}

func sortRecords(recs []Record) []Record {
	slices.SortFunc(recs, func(a, b Record) int {
		return cmp.Compare(a.Identity.UUID.String(), b.Identity.UUID.String())
	})
	return recs
}
