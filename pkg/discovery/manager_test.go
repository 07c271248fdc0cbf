package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/d2d-protocol/d2d-go/pkg/device"
)

var (
	idA = uuid.MustParse("00000000-0000-4000-8000-00000000000a")
	idB = uuid.MustParse("00000000-0000-4000-8000-00000000000b")
	idC = uuid.MustParse("00000000-0000-4000-8000-00000000000c")
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *recorder) {
	t.Helper()
	rec := newRecorder()
	if cfg.Store == nil {
		cfg.Store = newStore(t)
	}
	cfg.Listener = rec
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 100 * time.Millisecond
	}
	if cfg.BestEffort == 0 {
		cfg.BestEffort = 50 * time.Millisecond
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, rec
}

func TestDiscoveryRound(t *testing.T) {
	t.Run("DeliversSightingsInOrder", func(t *testing.T) {
		w := newFakeWorker(device.TransportNetwork,
			sighting(idA, "ka", device.TransportNetwork, "ip://10.0.0.1:19876"),
			sighting(idB, "kb", device.TransportNetwork, "ip://10.0.0.2:19876"),
			sighting(idA, "ka", device.TransportNetwork, "ip://10.0.0.9:19876"),
		)
		m, rec := newTestManager(t, Config{Workers: []Worker{w}})

		r, err := m.StartDiscovery(context.Background(), device.AnonymousFlags(), Duration(100*time.Millisecond))
		require.NoError(t, err)
		rec.waitStop(t)
		<-r.Done()

		events := rec.snapshot()
		require.NotEmpty(t, events)
		assert.Equal(t, "start", events[0].kind)
		assert.Equal(t, "stop", events[len(events)-1].kind)
		assert.Equal(t, 1, rec.count("stop"))
		assert.Equal(t, []bool{false, true}, rec.updatesOf(idA))
		assert.Equal(t, []bool{false}, rec.updatesOf(idB))
		assert.ElementsMatch(t, []uuid.UUID{idA, idB}, r.Sighted())
		assert.False(t, m.IsDiscovering())
	})

	t.Run("MergesAcrossTransports", func(t *testing.T) {
		store := newStore(t)
		net := newFakeWorker(device.TransportNetwork, sighting(idA, "ka", device.TransportNetwork, "ip://10.0.0.1:19876"))
		bt := newFakeWorker(device.TransportBluetooth, sighting(idA, "ka", device.TransportBluetooth, "bt://aa:bb"))
		m, rec := newTestManager(t, Config{Store: store, Workers: []Worker{bt, net}})

		_, err := m.StartDiscovery(context.Background(), device.AnonymousFlags(), BestEffort)
		require.NoError(t, err)
		rec.waitStop(t)

		got, ok := store.Get(idA)
		require.True(t, ok)
		assert.Equal(t, []string{"ip://10.0.0.1:19876", "bt://aa:bb"}, got.URIs())
		assert.Len(t, rec.updatesOf(idA), 2)
	})

	t.Run("AlreadyDiscovering", func(t *testing.T) {
		w := newFakeWorker(device.TransportNetwork)
		w.hold = true
		m, rec := newTestManager(t, Config{Workers: []Worker{w}})

		r, err := m.StartDiscovery(context.Background(), device.AnonymousFlags(), Infinite)
		require.NoError(t, err)
		assert.True(t, m.IsDiscovering())

		_, err = m.StartDiscovery(context.Background(), device.AnonymousFlags(), Infinite)
		assert.ErrorIs(t, err, ErrAlreadyDiscovering)

		require.NoError(t, m.CancelDiscovery(r))
		rec.waitStop(t)
		assert.False(t, m.IsDiscovering())

		_, err = m.StartDiscovery(context.Background(), device.AnonymousFlags(), Duration(10*time.Millisecond))
		assert.NoError(t, err)
	})

	t.Run("FixedDurationEnds", func(t *testing.T) {
		w := newFakeWorker(device.TransportNetwork)
		w.hold = true
		m, rec := newTestManager(t, Config{Workers: []Worker{w}})

		start := time.Now()
		r, err := m.StartDiscovery(context.Background(), device.AnonymousFlags(), Duration(30*time.Millisecond))
		require.NoError(t, err)
		rec.waitStop(t)
		<-r.Done()

		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
		assert.Equal(t, 1, rec.count("stop"))
		assert.GreaterOrEqual(t, w.stops.Load(), int32(1))
		assert.False(t, m.IsDiscovering())
	})

	t.Run("BestEffortUsesConfiguredBound", func(t *testing.T) {
		w := newFakeWorker(device.TransportNetwork)
		w.hold = true
		m, rec := newTestManager(t, Config{Workers: []Worker{w}, BestEffort: 20 * time.Millisecond})

		_, err := m.StartDiscovery(context.Background(), device.AnonymousFlags(), BestEffort)
		require.NoError(t, err)
		rec.waitStop(t)
	})

	t.Run("CallerContextEndsRound", func(t *testing.T) {
		w := newFakeWorker(device.TransportNetwork)
		w.hold = true
		m, rec := newTestManager(t, Config{Workers: []Worker{w}})

		ctx, cancel := context.WithCancel(context.Background())
		_, err := m.StartDiscovery(ctx, device.AnonymousFlags(), Infinite)
		require.NoError(t, err)
		cancel()
		rec.waitStop(t)
		assert.Equal(t, 1, rec.count("stop"))
	})

	t.Run("NoWorkersLastsTheWindow", func(t *testing.T) {
		m, rec := newTestManager(t, Config{BestEffort: 200 * time.Millisecond})

		start := time.Now()
		r, err := m.StartDiscovery(context.Background(), device.AnonymousFlags(), BestEffort)
		require.NoError(t, err)
		assert.True(t, m.IsDiscovering())
		rec.waitStop(t)
		<-r.Done()

		assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
		assert.Equal(t, []recorded{{kind: "start"}, {kind: "stop"}}, rec.snapshot())
	})

	t.Run("FinishedWorkersDoNotEndInfiniteRound", func(t *testing.T) {
		w := newFakeWorker(device.TransportNetwork, sighting(idA, "ka", device.TransportNetwork, "ip://10.0.0.1:19876"))
		m, rec := newTestManager(t, Config{Workers: []Worker{w}})

		r, err := m.StartDiscovery(context.Background(), device.AnonymousFlags(), Infinite)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return rec.count("discover") == 1 }, time.Second, 5*time.Millisecond)

		select {
		case <-r.Done():
			t.Fatal("round ended when its only worker finished")
		case <-time.After(150 * time.Millisecond):
		}
		assert.True(t, m.IsDiscovering())
		assert.Zero(t, rec.count("stop"))

		require.NoError(t, m.CancelDiscovery(r))
		rec.waitStop(t)
		assert.Equal(t, 1, rec.count("stop"))
	})

	t.Run("RestartFromStopCallback", func(t *testing.T) {
		m, rec := newTestManager(t, Config{})

		type restart struct {
			discovering bool
			round       *Round
			err         error
		}
		restarted := make(chan restart, 1)
		var once sync.Once
		m.Subscribe(ListenerFuncs{Stop: func() {
			once.Do(func() {
				res := restart{discovering: m.IsDiscovering()}
				res.round, res.err = m.StartDiscovery(context.Background(), device.AnonymousFlags(), Duration(20*time.Millisecond))
				restarted <- res
			})
		}})

		_, err := m.StartDiscovery(context.Background(), device.AnonymousFlags(), Duration(20*time.Millisecond))
		require.NoError(t, err)

		var res restart
		select {
		case res = <-restarted:
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for OnDiscoverStop")
		}
		assert.False(t, res.discovering, "no round is active once OnDiscoverStop runs")
		require.NoError(t, res.err)
		<-res.round.Done()

		kinds := make([]string, 0, 4)
		for _, e := range rec.snapshot() {
			kinds = append(kinds, e.kind)
		}
		assert.Equal(t, []string{"start", "stop", "start", "stop"}, kinds)
	})

	t.Run("InvalidFlags", func(t *testing.T) {
		m, _ := newTestManager(t, Config{})
		_, err := m.StartDiscovery(context.Background(), device.Flags{ForcePairing: true, RemovePairing: true}, BestEffort)
		assert.ErrorIs(t, err, device.ErrInvalidFlags)
		assert.False(t, m.IsDiscovering())
	})
}

func TestCancelDiscovery(t *testing.T) {
	t.Run("NoDiscoverAfterCancel", func(t *testing.T) {
		w := newFakeWorker(device.TransportNetwork, sighting(idA, "ka", device.TransportNetwork, "ip://10.0.0.1:19876"))
		w.hold = true
		m, rec := newTestManager(t, Config{Workers: []Worker{w}})

		r, err := m.StartDiscovery(context.Background(), device.AnonymousFlags(), Infinite)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return rec.count("discover") == 1 }, time.Second, 5*time.Millisecond)

		require.NoError(t, m.CancelDiscovery(r))
		before := rec.count("discover")
		rec.waitStop(t)

		assert.Equal(t, before, rec.count("discover"))
		assert.Equal(t, 1, rec.count("stop"))
		assert.GreaterOrEqual(t, w.stops.Load(), int32(1))

		require.NoError(t, m.CancelDiscovery(r), "cancelling a finished round is a no-op")
		assert.Equal(t, 1, rec.count("stop"))
	})

	t.Run("GraceOverrunIsNotAnError", func(t *testing.T) {
		w := newFakeWorker(device.TransportNetwork)
		w.hold = true
		w.overrun = 300 * time.Millisecond
		m, rec := newTestManager(t, Config{Workers: []Worker{w}, GracePeriod: 20 * time.Millisecond})

		r, err := m.StartDiscovery(context.Background(), device.AnonymousFlags(), Infinite)
		require.NoError(t, err)

		start := time.Now()
		require.NoError(t, m.CancelDiscovery(r))
		assert.Less(t, time.Since(start), 250*time.Millisecond)

		rec.waitStop(t)
		assert.Equal(t, 1, rec.count("stop"))
	})

	t.Run("NilCancelsActive", func(t *testing.T) {
		m, _ := newTestManager(t, Config{})
		assert.ErrorIs(t, m.CancelDiscovery(nil), ErrNotDiscovering)

		w := newFakeWorker(device.TransportNetwork)
		w.hold = true
		m2, rec := newTestManager(t, Config{Workers: []Worker{w}})
		_, err := m2.StartDiscovery(context.Background(), device.AnonymousFlags(), Infinite)
		require.NoError(t, err)
		require.NoError(t, m2.CancelDiscovery(nil))
		rec.waitStop(t)
	})
}

func TestDiscoveryFiltering(t *testing.T) {
	t.Run("AnonymousDevicesSuppressed", func(t *testing.T) {
		store := newStore(t)
		_, _, err := store.MergeSighting(sighting(idB, "kb", device.TransportNetwork, "ip://10.0.0.2:19876"))
		require.NoError(t, err)
		_, err = store.Bond(idB)
		require.NoError(t, err)

		w := newFakeWorker(device.TransportNetwork,
			sighting(idA, "ka", device.TransportNetwork, "ip://10.0.0.1:19876"),
			sighting(idB, "kb", device.TransportNetwork, "ip://10.0.0.2:19876"),
		)
		m, rec := newTestManager(t, Config{Store: store, Workers: []Worker{w}})

		_, err = m.StartDiscovery(context.Background(), device.Flags{}, BestEffort)
		require.NoError(t, err)
		rec.waitStop(t)

		assert.Empty(t, rec.updatesOf(idA))
		assert.Equal(t, []bool{true}, rec.updatesOf(idB))

		q := w.lastQuery()
		assert.True(t, q.Wants(idB))
		assert.False(t, q.Wants(idA))
	})

	t.Run("AnonymousQueryWantsEverything", func(t *testing.T) {
		w := newFakeWorker(device.TransportNetwork)
		m, rec := newTestManager(t, Config{Workers: []Worker{w}})
		_, err := m.StartDiscovery(context.Background(), device.AnonymousFlags(), BestEffort)
		require.NoError(t, err)
		rec.waitStop(t)
		assert.Nil(t, w.lastQuery().Bonded)
		assert.True(t, w.lastQuery().Wants(idC))
	})

	t.Run("ExcludedAndUnavailableTransports", func(t *testing.T) {
		net := newFakeWorker(device.TransportNetwork)
		bt := newFakeWorker(device.TransportBluetooth)
		off := newFakeWorker(device.TransportNetwork)
		off.available = false
		m, rec := newTestManager(t, Config{Workers: []Worker{net, bt, off}})

		_, err := m.StartDiscovery(context.Background(), device.Flags{AcceptAnonymous: true, NoBluetooth: true}, BestEffort)
		require.NoError(t, err)
		rec.waitStop(t)

		assert.Equal(t, int32(1), net.starts.Load())
		assert.Zero(t, bt.starts.Load())
		assert.Zero(t, off.starts.Load())
	})

	t.Run("SpoofedSightingDropped", func(t *testing.T) {
		store := newStore(t)
		_, _, err := store.MergeSighting(sighting(idA, "genuine", device.TransportNetwork, "ip://10.0.0.1:19876"))
		require.NoError(t, err)

		w := newFakeWorker(device.TransportNetwork, sighting(idA, "forged", device.TransportNetwork, "ip://10.6.6.6:19876"))
		m, rec := newTestManager(t, Config{Store: store, Workers: []Worker{w}})

		_, err = m.StartDiscovery(context.Background(), device.AnonymousFlags(), BestEffort)
		require.NoError(t, err)
		rec.waitStop(t)

		assert.Empty(t, rec.updatesOf(idA))
		got, _ := store.Get(idA)
		assert.Equal(t, []string{"ip://10.0.0.1:19876"}, got.URIs())
	})

	t.Run("FailingWorkerDoesNotStopOthers", func(t *testing.T) {
		bad := newFakeWorker(device.TransportBluetooth)
		bad.startErr = errors.New("radio off")
		good := newFakeWorker(device.TransportNetwork, sighting(idA, "ka", device.TransportNetwork, "ip://10.0.0.1:19876"))
		m, rec := newTestManager(t, Config{Workers: []Worker{bad, good}})

		_, err := m.StartDiscovery(context.Background(), device.AnonymousFlags(), BestEffort)
		require.NoError(t, err)
		rec.waitStop(t)
		assert.Equal(t, []bool{false}, rec.updatesOf(idA))
	})
}

func TestRoundEndMarksUnsightedRemovable(t *testing.T) {
	store := newStore(t)
	_, _, err := store.MergeSighting(sighting(idC, "kc", device.TransportNetwork, "ip://10.0.0.3:19876"))
	require.NoError(t, err)
	_, _, err = store.MergeSighting(sighting(idB, "kb", device.TransportNetwork, "ip://10.0.0.2:19876"))
	require.NoError(t, err)
	_, err = store.Bond(idB)
	require.NoError(t, err)

	w := newFakeWorker(device.TransportNetwork, sighting(idA, "ka", device.TransportNetwork, "ip://10.0.0.1:19876"))
	m, rec := newTestManager(t, Config{Store: store, Workers: []Worker{w}})

	_, err = m.StartDiscovery(context.Background(), device.AnonymousFlags(), BestEffort)
	require.NoError(t, err)
	rec.waitStop(t)

	a, _ := store.Get(idA)
	b, _ := store.Get(idB)
	c, _ := store.Get(idC)
	assert.True(t, a.IsDiscovered())
	assert.True(t, b.IsDiscovered(), "bonded devices never age out")
	assert.True(t, c.IsRemovable())
}

type mockListener struct {
	mock.Mock
}

func (m *mockListener) OnDiscoverStart() { m.Called() }

func (m *mockListener) OnDiscover(rec device.Record, isUpdate bool) { m.Called(rec, isUpdate) }

func (m *mockListener) OnDiscoverStop() { m.Called() }

func TestSubscribe(t *testing.T) {
	w := newFakeWorker(device.TransportNetwork, sighting(idA, "ka", device.TransportNetwork, "ip://10.0.0.1:19876"))
	m, rec := newTestManager(t, Config{Workers: []Worker{w}})

	ml := &mockListener{}
	ml.On("OnDiscoverStart").Once()
	ml.On("OnDiscover", mock.MatchedBy(func(r device.Record) bool { return r.UUID() == idA }), false).Once()
	ml.On("OnDiscoverStop").Once()
	unsubscribe := m.Subscribe(ml)

	r, err := m.StartDiscovery(context.Background(), device.AnonymousFlags(), BestEffort)
	require.NoError(t, err)
	<-r.Done()
	ml.AssertExpectations(t)

	unsubscribe()
	unsubscribe()

	rec2 := newRecorder()
	m.Subscribe(rec2)
	r, err = m.StartDiscovery(context.Background(), device.AnonymousFlags(), BestEffort)
	require.NoError(t, err)
	<-r.Done()
	rec2.waitStop(t)
	ml.AssertNumberOfCalls(t, "OnDiscoverStart", 1)
	assert.Equal(t, 2, rec.count("stop"))
}

func TestManagerClose(t *testing.T) {
	w := newFakeWorker(device.TransportNetwork)
	w.hold = true
	m, rec := newTestManager(t, Config{Workers: []Worker{w}})

	_, err := m.StartDiscovery(context.Background(), device.AnonymousFlags(), Infinite)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	rec.waitStop(t)
	assert.False(t, m.IsDiscovering())

	_, err = m.StartDiscovery(context.Background(), device.AnonymousFlags(), Infinite)
	assert.ErrorIs(t, err, ErrManagerClosed)
	assert.NoError(t, m.Close())
}

func TestNewManagerRequiresStore(t *testing.T) {
	_, err := NewManager(Config{})
	assert.Error(t, err)
}

func TestDurationString(t *testing.T) {
	assert.Equal(t, "BEST_EFFORT", BestEffort.String())
	assert.Equal(t, "INFINITE", Infinite.String())
	assert.Equal(t, "2s", Duration(2*time.Second).String())

	d, ok := Infinite.timeout(time.Second)
	assert.False(t, ok)
	assert.Zero(t, d)
	d, ok = BestEffort.timeout(time.Second)
	assert.True(t, ok)
	assert.Equal(t, time.Second, d)
}
