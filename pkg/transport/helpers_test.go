package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/d2d-protocol/d2d-go/pkg/device"
	"github.com/d2d-protocol/d2d-go/pkg/pushinstall"
)

type testDevice struct {
	info  PeerInfo
	creds *Credentials
}

func newTestDevice(t *testing.T, name string) testDevice {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	id := uuid.New()
	creds, err := NewCredentials(id, priv)
	require.NoError(t, err)
	return testDevice{
		info: PeerInfo{
			Identity:        device.NewIdentity(id, pub),
			Name:            name,
			ProtocolVersion: 3,
			OS:              "linux",
			Features:        device.FeatureScreen | device.FeatureWiFi,
		},
		creds: creds,
	}
}

func startTestServer(t *testing.T, dev testDevice, mutate func(*ServerConfig)) *Server {
	t.Helper()
	cfg := ServerConfig{
		Address:     "127.0.0.1:0",
		Credentials: dev.creds,
		Local:       dev.info,
		Handler: HandlerFunc(func(_ context.Context, _ PeerInfo, service string, payload []byte) ([]byte, error) {
			if service != "echo" {
				return nil, ErrUnknownService
			}
			return payload, nil
		}),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func newTestDialer(t *testing.T, dev testDevice, mutate func(*DialerConfig)) *Dialer {
	t.Helper()
	cfg := DialerConfig{Credentials: dev.creds, Local: dev.info, Software: "org.example.remote"}
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := NewDialer(cfg)
	require.NoError(t, err)
	return d
}

// fakeInstallHandler records the artifact it is asked to install.
type fakeInstallHandler struct {
	version   int
	installed bool
	answer    pushinstall.Answer
	block     chan struct{}
	received  chan []byte
}

func (f *fakeInstallHandler) InstalledVersion(string) (int, bool) {
	return f.version, f.installed
}

func (f *fakeInstallHandler) AnswerOffer(ctx context.Context, _ PeerInfo, _ pushinstall.Offer) pushinstall.Answer {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	return f.answer
}

func (f *fakeInstallHandler) Install(_ context.Context, _ PeerInfo, _ pushinstall.Offer, data []byte) (pushinstall.Status, error) {
	if f.received != nil {
		f.received <- append([]byte(nil), data...)
	}
	return pushinstall.StatusInstalled, nil
}
