package discovery

import (
	"errors"
	"time"
)

// mDNS service parameters.
const (
	// ServiceType is the DNS-SD service type peers advertise.
	ServiceType = "_d2d._tcp"

	// Domain is the mDNS domain.
	Domain = "local"
)

// TXT record keys.
const (
	TXTKeyID        = "id" // Device UUID
	TXTKeyPublicKey = "pk" // Public key, unpadded base64url
	TXTKeyName      = "n"  // Display name
	TXTKeyVersion   = "v"  // Protocol version
	TXTKeyOS        = "os" // OS label (optional)
	TXTKeyFeatures  = "f"  // Feature mask hex (optional)
)

// Timing constants.
const (
	// DefaultBestEffort bounds a BestEffort round.
	DefaultBestEffort = 10 * time.Second

	// DefaultGracePeriod is how long a cancelled worker may take to stop.
	DefaultGracePeriod = 3 * time.Second

	// DefaultTTL is the TTL of advertised records.
	DefaultTTL = 120 * time.Second
)

// Limits.
const (
	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63

	// MaxTXTRecordSize is the maximum total TXT record size.
	MaxTXTRecordSize = 400

	// DefaultShards is the number of merge goroutines per round.
	DefaultShards = 8

	// DefaultQueueSize is the notification queue length per round.
	DefaultQueueSize = 64

	// DefaultCacheSize bounds the per-worker sighting cache.
	DefaultCacheSize = 256
)

// Discovery errors.
var (
	ErrAlreadyDiscovering  = errors.New("discovery already in progress")
	ErrNotDiscovering      = errors.New("no discovery in progress")
	ErrManagerClosed       = errors.New("discovery manager closed")
	ErrInvalidTXTRecord    = errors.New("invalid TXT record format")
	ErrMissingRequired     = errors.New("missing required field")
	ErrInstanceNameTooLong = errors.New("instance name exceeds 63 characters")
	ErrTXTRecordTooLarge   = errors.New("TXT record exceeds 400 bytes")
	ErrNotAdvertising      = errors.New("not advertising")
)

// Duration is how long a discovery round lasts. Positive values are fixed
// durations.
type Duration time.Duration

const (
	// BestEffort ends the round after the manager's best-effort bound.
	BestEffort Duration = 0

	// Infinite keeps the round running until it is cancelled.
	Infinite Duration = -1
)

// String returns the duration, or its mode name for the special values.
func (d Duration) String() string {
	switch {
	case d == BestEffort:
		return "BEST_EFFORT"
	case d < 0:
		return "INFINITE"
	default:
		return time.Duration(d).String()
	}
}

// timeout returns the round timeout, false for Infinite.
func (d Duration) timeout(bestEffort time.Duration) (time.Duration, bool) {
	switch {
	case d == BestEffort:
		return bestEffort, true
	case d < 0:
		return 0, false
	default:
		return time.Duration(d), true
	}
}
