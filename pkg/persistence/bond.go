package persistence

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/d2d-protocol/d2d-go/pkg/device"
)

// Bond is the persisted form of a bonded device record.
type Bond struct {
	// DeviceID is the device UUID.
	DeviceID string `json:"device_id"`

	// PublicKey is the device's public key.
	PublicKey []byte `json:"public_key"`

	// Name is the last known display name.
	Name string `json:"name,omitempty"`

	// ProtocolVersion is the last known framework version.
	ProtocolVersion int `json:"protocol_version,omitempty"`

	// OS is the last known operating system label.
	OS string `json:"os,omitempty"`

	// Features is the capability mask as hex.
	Features string `json:"features,omitempty"`

	// Endpoints are the last known endpoint URIs, best first.
	Endpoints []string `json:"endpoints,omitempty"`

	// BondedAt is when the bond was created.
	BondedAt time.Time `json:"bonded_at"`
}

// BondFromRecord converts a device record for storage.
func BondFromRecord(rec device.Record) Bond {
	return Bond{
		DeviceID:        rec.UUID().String(),
		PublicKey:       rec.Identity.PublicKey,
		Name:            rec.Name,
		ProtocolVersion: rec.ProtocolVersion,
		OS:              rec.OS,
		Features:        rec.Features.Hex(),
		Endpoints:       rec.URIs(),
		BondedAt:        rec.BondedAt,
	}
}

// Record converts the bond back into a bonded device record.
// An endpoint with an unknown scheme makes the bond unreadable.
func (b Bond) Record() (device.Record, error) {
	id, err := uuid.Parse(b.DeviceID)
	if err != nil {
		return device.Record{}, fmt.Errorf("bond device id %q: %w", b.DeviceID, err)
	}
	features, err := device.ParseFeatureMask(b.Features)
	if err != nil {
		return device.Record{}, err
	}
	rec := device.Record{
		Identity:        device.NewIdentity(id, b.PublicKey),
		Name:            b.Name,
		ProtocolVersion: b.ProtocolVersion,
		OS:              b.OS,
		Features:        features,
		Trust:           device.TrustBonded,
		Reachability:    device.ReachabilityDiscovered,
		BondedAt:        b.BondedAt,
	}
	for _, uri := range b.Endpoints {
		t, err := device.TransportFromURI(uri)
		if err != nil {
			return device.Record{}, fmt.Errorf("bond %s endpoint: %w", b.DeviceID, err)
		}
		rec.Endpoints = append(rec.Endpoints, device.Endpoint{URI: uri, Transport: t})
	}
	if err := rec.Identity.Validate(); err != nil {
		return device.Record{}, err
	}
	return rec, nil
}
