package discovery

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/d2d-protocol/d2d-go/pkg/device"
)

// fakeWorker replays a fixed list of sightings.
type fakeWorker struct {
	transport device.Transport
	available bool
	sightings []device.Sighting
	startErr  error

	// hold keeps the channel open until the round ends.
	hold bool

	// overrun delays closing the channel after the round ended.
	overrun time.Duration

	mu      sync.Mutex
	queries []Query
	starts  atomic.Int32
	stops   atomic.Int32
}

func newFakeWorker(t device.Transport, sightings ...device.Sighting) *fakeWorker {
	return &fakeWorker{transport: t, available: true, sightings: sightings}
}

func (w *fakeWorker) Transport() device.Transport { return w.transport }
func (w *fakeWorker) Available() bool             { return w.available }

func (w *fakeWorker) Start(ctx context.Context, q Query) (<-chan device.Sighting, error) {
	w.starts.Add(1)
	w.mu.Lock()
	w.queries = append(w.queries, q)
	w.mu.Unlock()
	if w.startErr != nil {
		return nil, w.startErr
	}

	out := make(chan device.Sighting)
	go func() {
		defer close(out)
		for _, sg := range w.sightings {
			select {
			case out <- sg:
			case <-ctx.Done():
				return
			}
		}
		if w.hold {
			<-ctx.Done()
			time.Sleep(w.overrun)
		}
	}()
	return out, nil
}

func (w *fakeWorker) Stop() { w.stops.Add(1) }

func (w *fakeWorker) lastQuery() Query {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queries[len(w.queries)-1]
}

type recorded struct {
	kind     string
	id       uuid.UUID
	isUpdate bool
}

// recorder is a Listener that records every call.
type recorder struct {
	mu      sync.Mutex
	events  []recorded
	stopped chan struct{}
	once    sync.Once
}

func newRecorder() *recorder {
	return &recorder{stopped: make(chan struct{})}
}

func (r *recorder) add(e recorded) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) OnDiscoverStart() { r.add(recorded{kind: "start"}) }

func (r *recorder) OnDiscover(rec device.Record, isUpdate bool) {
	r.add(recorded{kind: "discover", id: rec.UUID(), isUpdate: isUpdate})
}

func (r *recorder) OnDiscoverStop() {
	r.add(recorded{kind: "stop"})
	r.once.Do(func() { close(r.stopped) })
}

func (r *recorder) snapshot() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recorded, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) count(kind string) int {
	n := 0
	for _, e := range r.snapshot() {
		if e.kind == kind {
			n++
		}
	}
	return n
}

// updatesOf returns the isUpdate flags delivered for id, in order.
func (r *recorder) updatesOf(id uuid.UUID) []bool {
	var out []bool
	for _, e := range r.snapshot() {
		if e.kind == "discover" && e.id == id {
			out = append(out, e.isUpdate)
		}
	}
	return out
}

func (r *recorder) waitStop(t *testing.T) {
	t.Helper()
	select {
	case <-r.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for OnDiscoverStop")
	}
}

func newStore(t *testing.T) *device.Store {
	t.Helper()
	s, err := device.NewStore(device.StoreConfig{PrunePolicy: device.PruneManual})
	require.NoError(t, err)
	return s
}

func sighting(id uuid.UUID, key string, t device.Transport, uri string) device.Sighting {
	return device.Sighting{
		Identity:  device.NewIdentity(id, []byte(key)),
		Transport: t,
		URI:       uri,
		Name:      "peer-" + id.String()[:4],
	}
}
