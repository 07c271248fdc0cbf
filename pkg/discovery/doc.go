// Package discovery finds peer devices and publishes this one.
//
// # Rounds
//
// A Manager runs at most one discovery round at a time. A round starts one
// Worker per allowed and available transport. Workers report sightings in no
// particular order; the manager merges them into the device.Store, sharded by
// device UUID so sightings of one device are merged in arrival order while
// different devices merge in parallel. Listener notifications are delivered
// from a single goroutine per round:
//
//	OnDiscoverStart
//	OnDiscover(record, isUpdate)   zero or more
//	OnDiscoverStop                 exactly once
//
// A round ends when its Duration elapses, when CancelDiscovery is called, or
// when every worker finished. After cancellation no OnDiscover is delivered.
// At the end of a round every unbonded record that was not sighted becomes
// Removable.
//
// # mDNS (_d2d._tcp)
//
// Devices on the local network advertise one instance named after their UUID.
// TXT records carry: id (UUID), pk (public key, base64url), n (name),
// v (protocol version), and optionally os and f (feature mask, hex).
// MDNSWorker browses for these and MDNSAdvertiser publishes them.
package discovery
