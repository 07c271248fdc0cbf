package discovery

import (
	"context"

	"github.com/google/uuid"

	"github.com/d2d-protocol/d2d-go/pkg/device"
)

// Query tells a worker what one round is looking for.
type Query struct {
	// RoundID identifies the round in logs.
	RoundID string

	// Flags are the round's validated flags.
	Flags device.Flags

	// Bonded, when non-nil, limits probing to these devices. It is set when
	// the round does not accept anonymous devices.
	Bonded map[uuid.UUID]struct{}
}

// Wants reports whether the query accepts sightings of id.
func (q Query) Wants(id uuid.UUID) bool {
	if q.Bonded == nil {
		return true
	}
	_, ok := q.Bonded[id]
	return ok
}

// Worker discovers devices over one transport.
//
// Start returns a channel of sightings that the worker closes once it has
// stopped, either because ctx ended or Stop was called. Sightings arrive in no
// particular order. A worker does not report the same endpoint twice within a
// round unless something about it changed. Stop must be safe to call at any
// time and more than once.
type Worker interface {
	Transport() device.Transport
	Available() bool
	Start(ctx context.Context, q Query) (<-chan device.Sighting, error)
	Stop()
}
