package device

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Device errors.
var (
	ErrIdentitySpoofed  = errors.New("identity spoofed: public key mismatch")
	ErrInvalidIdentity  = errors.New("invalid identity")
	ErrInvalidEndpoint  = errors.New("invalid endpoint")
	ErrInvalidFlags     = errors.New("invalid flags")
	ErrInvalidConfig    = errors.New("invalid store configuration")
	ErrNotFound         = errors.New("device not found")
	ErrEndpointNotFound = errors.New("endpoint not found")
	ErrBonded           = errors.New("device is bonded")
)

// TrustState is the pairing state of a device.
type TrustState uint8

const (
	// TrustUnknown - nothing is known about the device's trust.
	TrustUnknown TrustState = iota

	// TrustDiscovered - the device has been seen but is not bonded.
	TrustDiscovered

	// TrustBonded - the device is mutually trusted.
	TrustBonded
)

// String returns the trust state name.
func (s TrustState) String() string {
	switch s {
	case TrustUnknown:
		return "UNKNOWN"
	case TrustDiscovered:
		return "DISCOVERED"
	case TrustBonded:
		return "BONDED"
	default:
		return "INVALID"
	}
}

// Reachability tells whether a device is currently discovered.
type Reachability uint8

const (
	// ReachabilityDiscovered - present in a discovery round, or bonded.
	ReachabilityDiscovered Reachability = iota

	// ReachabilityRemovable - neither bonded nor currently discovered.
	ReachabilityRemovable
)

// String returns the reachability name.
func (r Reachability) String() string {
	switch r {
	case ReachabilityDiscovered:
		return "DISCOVERED"
	case ReachabilityRemovable:
		return "REMOVABLE"
	default:
		return "INVALID"
	}
}

// Record is everything known about one peer device.
// Values returned by the Store are copies and may be kept freely.
type Record struct {
	// Identity never changes for the life of the record.
	Identity Identity

	// Name is the display name. Latest sighting wins.
	Name string

	// ProtocolVersion is the framework version the peer runs.
	ProtocolVersion int

	// OS is a free-form operating system label.
	OS string

	// Features is the declared capability set.
	Features FeatureMask

	// Trust is the pairing state.
	Trust TrustState

	// Reachability is Removable once the record is a deletion candidate.
	Reachability Reachability

	// Endpoints are ordered best-first with at most one entry per transport.
	Endpoints []Endpoint

	// BondedAt is when the device was bonded (zero if not bonded).
	BondedAt time.Time
}

// UUID is a shorthand for r.Identity.UUID.
func (r Record) UUID() uuid.UUID {
	return r.Identity.UUID
}

// IsBonded reports whether the device is bonded.
func (r Record) IsBonded() bool {
	return r.Trust == TrustBonded
}

// IsDiscovered reports whether the device is currently discovered.
func (r Record) IsDiscovered() bool {
	return r.Reachability == ReachabilityDiscovered
}

// IsRemovable reports whether the device is neither bonded nor discovered.
func (r Record) IsRemovable() bool {
	return r.Reachability == ReachabilityRemovable
}

// URIs returns the endpoint URIs, best first.
func (r Record) URIs() []string {
	uris := make([]string, len(r.Endpoints))
	for i, ep := range r.Endpoints {
		uris[i] = ep.URI
	}
	return uris
}

// Endpoint returns the endpoint produced by transport t, if any.
func (r Record) Endpoint(t Transport) (Endpoint, bool) {
	for _, ep := range r.Endpoints {
		if ep.Transport == t {
			return ep, true
		}
	}
	return Endpoint{}, false
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	c := r
	c.Identity = r.Identity.clone()
	c.Endpoints = slices.Clone(r.Endpoints)
	return c
}

// upsertEndpoint inserts ep, replacing any endpoint from the same transport
// and any endpoint with the same URI, then restores preference order.
func (r *Record) upsertEndpoint(ep Endpoint) {
	r.Endpoints = slices.DeleteFunc(r.Endpoints, func(e Endpoint) bool {
		return e.Transport == ep.Transport || e.URI == ep.URI
	})
	r.Endpoints = append(r.Endpoints, ep)
	r.sortEndpoints()
}

// removeEndpoint deletes the endpoint with the given URI.
func (r *Record) removeEndpoint(uri string) bool {
	n := len(r.Endpoints)
	r.Endpoints = slices.DeleteFunc(r.Endpoints, func(e Endpoint) bool {
		return e.URI == uri
	})
	return len(r.Endpoints) != n
}

func (r *Record) sortEndpoints() {
	slices.SortStableFunc(r.Endpoints, func(a, b Endpoint) int {
		switch {
		case a.better(b):
			return -1
		case b.better(a):
			return 1
		default:
			return 0
		}
	})
}

// Sighting is one observation of a device reported by a transport worker.
type Sighting struct {
	// Identity of the sighted device.
	Identity Identity

	// Transport that produced the sighting.
	Transport Transport

	// URI at which the device was seen.
	URI string

	// Name is the declared display name.
	Name string

	// ProtocolVersion is the declared framework version.
	ProtocolVersion int

	// OS is the declared operating system label.
	OS string

	// Features is the declared capability set.
	Features FeatureMask

	// SeenAt is when the sighting was made. Zero means "now".
	SeenAt time.Time
}

// Validate checks the sighting before it is merged.
func (s Sighting) Validate() error {
	if err := s.Identity.Validate(); err != nil {
		return err
	}
	if s.URI == "" {
		return fmt.Errorf("%w: empty uri", ErrInvalidEndpoint)
	}
	if s.Transport == TransportUnknown {
		return fmt.Errorf("%w: unknown transport for %s", ErrInvalidEndpoint, s.URI)
	}
	return nil
}
