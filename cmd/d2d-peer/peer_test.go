package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d2d-protocol/d2d-go/internal/node"
	"github.com/d2d-protocol/d2d-go/pkg/config"
	"github.com/d2d-protocol/d2d-go/pkg/connection"
	"github.com/d2d-protocol/d2d-go/pkg/device"
	"github.com/d2d-protocol/d2d-go/pkg/identity"
	"github.com/d2d-protocol/d2d-go/pkg/oob"
	"github.com/d2d-protocol/d2d-go/pkg/pushinstall"
	"github.com/d2d-protocol/d2d-go/pkg/transport"
)

func newTestNode(t *testing.T, name string) *node.Node {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Device.Name = name
	cfg.Device.IdentityDir = filepath.Join(dir, "identity")
	cfg.Pairing.BondPath = filepath.Join(dir, "bonds.json")
	cfg.Install.ArtifactDir = filepath.Join(dir, "artifacts")

	nd, err := node.New(cfg, identity.NewFileSource(cfg.Device.IdentityDir), io.Discard)
	require.NoError(t, err)
	t.Cleanup(func() { nd.Close() })
	return nd
}

func peerInfo(t *testing.T, name string) transport.PeerInfo {
	t.Helper()
	l, err := identity.Generate()
	require.NoError(t, err)
	return transport.PeerInfo{Identity: l.Identity(), Name: name}
}

func TestServices(t *testing.T) {
	nd := newTestNode(t, "Living Room TV")
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s := &services{
		nd:      nd,
		store:   &artifactStore{versions: map[string]int{"demo": 3, "alpha": 1}},
		started: start,
		now:     func() time.Time { return start.Add(90 * time.Second) },
	}
	ctx := context.Background()
	caller := peerInfo(t, "ctl")

	out, err := s.Invoke(ctx, caller, "echo", []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "ping", string(out))

	out, err = s.Invoke(ctx, caller, "info", nil)
	require.NoError(t, err)
	assert.Contains(t, string(out), `name="Living Room TV"`)
	assert.Contains(t, string(out), "uptime=1m30s")

	out, err = s.Invoke(ctx, caller, "time", nil)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02T09:01:30Z", string(out))

	out, err = s.Invoke(ctx, caller, "artifacts", nil)
	require.NoError(t, err)
	assert.Equal(t, "alpha=1 demo=3", string(out))

	_, err = s.Invoke(ctx, caller, "reboot", nil)
	assert.ErrorIs(t, err, transport.ErrUnknownService)
}

func TestAuthorizer(t *testing.T) {
	nd := newTestNode(t, "peer")
	known := peerInfo(t, "known")
	stranger := peerInfo(t, "stranger")

	_, _, err := nd.Store.MergeSighting(device.Sighting{
		Identity:  known.Identity,
		Transport: device.TransportNetwork,
		URI:       "ip://10.0.0.9:19876",
	})
	require.NoError(t, err)

	t.Run("Anonymous", func(t *testing.T) {
		auth := authorizer(PolicyAnonymous, nd.Store)
		assert.NoError(t, auth(known))
		assert.NoError(t, auth(stranger))
	})

	t.Run("BondedOnly", func(t *testing.T) {
		auth := authorizer(PolicyBonded, nd.Store)
		assert.ErrorIs(t, auth(known), errNotBonded)
		assert.ErrorIs(t, auth(stranger), errNotBonded)

		_, err := nd.Pairing.Bond(known.Identity.UUID)
		require.NoError(t, err)
		assert.NoError(t, auth(known))
	})

	t.Run("SpoofedKey", func(t *testing.T) {
		spoof := peerInfo(t, "spoof")
		spoof.Identity = device.NewIdentity(known.Identity.UUID, spoof.Identity.PublicKey)
		auth := authorizer(PolicyAnonymous, nd.Store)
		assert.ErrorIs(t, auth(spoof), device.ErrIdentitySpoofed)
	})
}

func TestArtifactStore(t *testing.T) {
	ctx := context.Background()
	caller := peerInfo(t, "ctl")
	offer := pushinstall.Offer{Name: "demo", Version: 2, Size: 4}

	t.Run("Answers", func(t *testing.T) {
		s, err := openArtifactStore(t.TempDir())
		require.NoError(t, err)

		assert.Equal(t, pushinstall.AnswerRefuseUnknownSource, s.AnswerOffer(ctx, caller, offer))

		s.bonded = func(transport.PeerInfo) bool { return true }
		assert.Equal(t, pushinstall.AnswerRefuse, s.AnswerOffer(ctx, caller, offer))

		s.accept = true
		assert.Equal(t, pushinstall.AnswerAccept, s.AnswerOffer(ctx, caller, offer))

		s.versions["demo"] = 2
		assert.Equal(t, pushinstall.AnswerUpToDate, s.AnswerOffer(ctx, caller, offer))

		replace := offer
		replace.ReplaceExisting = true
		assert.Equal(t, pushinstall.AnswerAccept, s.AnswerOffer(ctx, caller, replace))
	})

	t.Run("InstallPersists", func(t *testing.T) {
		dir := t.TempDir()
		s, err := openArtifactStore(dir)
		require.NoError(t, err)

		status, err := s.Install(ctx, caller, offer, []byte("abcd"))
		require.NoError(t, err)
		assert.Equal(t, pushinstall.StatusInstalled, status)

		data, err := os.ReadFile(filepath.Join(dir, "demo-v2.bin"))
		require.NoError(t, err)
		assert.Equal(t, "abcd", string(data))

		reopened, err := openArtifactStore(dir)
		require.NoError(t, err)
		v, ok := reopened.InstalledVersion("demo")
		assert.True(t, ok)
		assert.Equal(t, 2, v)
	})

	t.Run("InvalidName", func(t *testing.T) {
		s, err := openArtifactStore(t.TempDir())
		require.NoError(t, err)
		bad := offer
		bad.Name = "../escape"
		status, err := s.Install(ctx, caller, bad, []byte("abcd"))
		assert.Error(t, err)
		assert.Equal(t, pushinstall.StatusFailed, status)
		_, ok := s.InstalledVersion("../escape")
		assert.False(t, ok)
	})

	t.Run("CorruptManifest", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, manifestFile), []byte("{"), 0o600))
		_, err := openArtifactStore(dir)
		assert.Error(t, err)
	})
}

func TestImportBond(t *testing.T) {
	peer := newTestNode(t, "peer")
	ctl := newTestNode(t, "controller")

	info := ctl.PeerInfo()
	text, err := oob.FormatText(device.Record{Identity: info.Identity, Name: info.Name})
	require.NoError(t, err)

	require.NoError(t, importBond(peer, text))
	rec, ok := peer.Store.Get(ctl.Local.ID)
	require.True(t, ok)
	assert.True(t, rec.IsBonded())
	assert.Equal(t, "controller", rec.Name)
	assert.NoError(t, authorizer(PolicyBonded, peer.Store)(info))

	assert.ErrorIs(t, importBond(peer, "D2D:1:!!"), oob.ErrParse)
}

type acceptAll struct{}

func (acceptAll) AskIsPushApk(device.Record, pushinstall.Artifact) bool { return true }
func (acceptAll) OnProgress(device.Record, int)                        {}
func (acceptAll) OnFinish(device.Record, pushinstall.Result)           {}

// startPeer serves nd on loopback the way main does.
func startPeer(t *testing.T, nd *node.Node, policy string) (*transport.Server, *artifactStore) {
	t.Helper()
	store, err := openArtifactStore(nd.Config.Install.ArtifactDir)
	require.NoError(t, err)
	store.accept = true
	store.acceptUnknown = true

	srv, err := transport.NewServer(transport.ServerConfig{
		Address:     "127.0.0.1:0",
		Credentials: nd.Credentials,
		Local:       nd.PeerInfo(),
		Handler:     &services{nd: nd, store: store, started: time.Now(), now: time.Now},
		Installer:   store,
		Authorize:   authorizer(policy, nd.Store),
		OnConnect:   func(c *transport.Conn) { logConnect(nd, c) },
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop() })
	return srv, store
}

func newConnections(t *testing.T, nd *node.Node, sw *pushinstall.Artifact) *connection.Manager {
	t.Helper()
	dcfg := transport.DialerConfig{Credentials: nd.Credentials, Local: nd.PeerInfo()}
	if sw != nil {
		dcfg.Software = sw.Name
	}
	dialer, err := transport.NewDialer(dcfg)
	require.NoError(t, err)
	m, err := connection.NewManager(connection.Config{
		Store:     nd.Store,
		Pairing:   nd.Pairing,
		Openers:   map[device.Transport]transport.Opener{device.TransportNetwork: dialer},
		Software:  sw,
		Installer: pushinstall.NewCoordinator(pushinstall.Config{Listener: acceptAll{}}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestPeerEndToEnd(t *testing.T) {
	ctx := context.Background()

	t.Run("BindPushInvoke", func(t *testing.T) {
		peer := newTestNode(t, "Living Room TV")
		srv, store := startPeer(t, peer, PolicyAnonymous)

		ctl := newTestNode(t, "controller")
		payload := []byte("demo build 2")
		sw := &pushinstall.Artifact{
			Name:    "demo",
			Version: 2,
			Size:    int64(len(payload)),
			Open:    func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(payload)), nil },
		}
		conns := newConnections(t, ctl, sw)

		uri := device.NetworkURI("127.0.0.1", srv.Port())
		s, err := conns.Bind(ctx, connection.URITarget(uri), device.AnonymousFlags(), 5*time.Second)
		require.NoError(t, err)
		defer s.Close()

		assert.Equal(t, peer.Local.ID, s.Info().UUID())
		v, ok := store.InstalledVersion("demo")
		require.True(t, ok, "artifact must be pushed before the session opens")
		assert.Equal(t, 2, v)

		out, err := s.Invoke(ctx, "echo", []byte("hello"))
		require.NoError(t, err)
		assert.Equal(t, "hello", string(out))

		out, err = s.Invoke(ctx, "artifacts", nil)
		require.NoError(t, err)
		assert.Equal(t, "demo=2", string(out))

		_, err = s.Invoke(ctx, "reboot", nil)
		assert.ErrorIs(t, err, transport.ErrUnknownService)

		rec, ok := ctl.Store.Get(peer.Local.ID)
		require.True(t, ok, "handshake is a sighting")
		assert.Equal(t, []string{uri}, rec.URIs())
	})

	t.Run("BondedPolicyRefusesStrangers", func(t *testing.T) {
		peer := newTestNode(t, "peer")
		srv, _ := startPeer(t, peer, PolicyBonded)
		ctl := newTestNode(t, "controller")
		conns := newConnections(t, ctl, nil)

		uri := device.NetworkURI("127.0.0.1", srv.Port())
		_, err := conns.Bind(ctx, connection.URITarget(uri), device.AnonymousFlags(), 5*time.Second)
		assert.ErrorIs(t, err, connection.ErrConnectionRefused)

		info := ctl.PeerInfo()
		text, err := oob.FormatText(device.Record{Identity: info.Identity, Name: info.Name})
		require.NoError(t, err)
		require.NoError(t, importBond(peer, text))

		s, err := conns.Bind(ctx, connection.URITarget(uri), device.AnonymousFlags(), 5*time.Second)
		require.NoError(t, err)
		assert.NoError(t, s.Close())
	})
}
