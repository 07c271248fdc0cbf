package connection

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/d2d-protocol/d2d-go/pkg/device"
)

// Target is what Bind connects to: a known device or a raw endpoint URI.
type Target struct {
	record *device.Record
	uri    string
}

// DeviceTarget targets a device record. Bind re-reads the store so the
// freshest endpoints are used.
func DeviceTarget(rec device.Record) Target {
	c := rec.Clone()
	return Target{record: &c}
}

// URITarget targets a single endpoint of a device not necessarily known yet.
func URITarget(uri string) Target {
	return Target{uri: uri}
}

// DeviceID returns the targeted device, or uuid.Nil for URI targets.
func (t Target) DeviceID() uuid.UUID {
	if t.record == nil {
		return uuid.Nil
	}
	return t.record.UUID()
}

func (t Target) String() string {
	if t.record != nil {
		return t.record.Identity.String()
	}
	return t.uri
}

func (t Target) validate() error {
	switch {
	case t.record != nil:
		return t.record.Identity.Validate()
	case t.uri != "":
		_, err := device.TransportFromURI(t.uri)
		return err
	default:
		return fmt.Errorf("%w: empty target", ErrInvalidTarget)
	}
}
