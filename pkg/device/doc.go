// Package device holds the per-peer data model and the record store.
//
// A peer is identified by a UUID and a public key. The UUID decides whether two
// sightings refer to the same device; the public key never changes, so a sighting
// that presents a different key for a known UUID is rejected as spoofed.
//
// # Records
//
// A Record aggregates everything known about one peer: display name, protocol
// version, OS label, feature mask, trust state, reachability and an ordered list
// of endpoints. Endpoints are kept best-first:
//
//  1. Static transport priority (network before bluetooth)
//  2. Recency (most recently seen first)
//  3. URI (to keep the order total)
//
// # Store
//
// The Store is the only shared mutable state between discovery and connection
// code. All mutation goes through its methods (MergeSighting, RemoveEndpoint,
// Bond, Unbond, EndRound, Remove, Prune); readers only ever get copies, so a
// partially updated record is never observable.
//
// Merges for different identities run in parallel. Merges for the same identity
// are serialized by a per-record lock and applied in call order.
//
// # Removable records
//
// A record that is neither bonded nor present in a live discovery round is
// Removable. Whether such records are deleted immediately or kept until Prune is
// called is decided by StoreConfig.PrunePolicy, which has no implicit default.
package device
