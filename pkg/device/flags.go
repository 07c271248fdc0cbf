package device

import "fmt"

// Flags is the structured replacement for the pairing, anonymity and transport
// exclusion bits accepted by discovery and bind calls. It is validated once per
// call.
type Flags struct {
	// AcceptAnonymous accepts devices that are not bonded. When false, only
	// previously bonded devices are probed and accepted.
	AcceptAnonymous bool

	// ProposePairing asks the caller to offer bonding to discovered devices.
	ProposePairing bool

	// ForcePairing requires bonding before any non-bonded device may be used.
	ForcePairing bool

	// RemovePairing unbonds bonded devices as they are evaluated.
	RemovePairing bool

	// NoBluetooth excludes the bluetooth transport.
	NoBluetooth bool

	// NoNetwork excludes the local-network transport.
	NoNetwork bool
}

// Validate rejects contradictory combinations.
func (f Flags) Validate() error {
	if f.ForcePairing && f.RemovePairing {
		return fmt.Errorf("%w: force and remove pairing are exclusive", ErrInvalidFlags)
	}
	return nil
}

// AllowsTransport reports whether t is not excluded.
func (f Flags) AllowsTransport(t Transport) bool {
	switch t {
	case TransportNetwork:
		return !f.NoNetwork
	case TransportBluetooth:
		return !f.NoBluetooth
	default:
		return true
	}
}

// AnonymousFlags returns flags accepting anonymous devices on all transports.
func AnonymousFlags() Flags {
	return Flags{AcceptAnonymous: true}
}
