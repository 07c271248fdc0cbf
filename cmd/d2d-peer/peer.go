package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/d2d-protocol/d2d-go/internal/node"
	"github.com/d2d-protocol/d2d-go/pkg/device"
	"github.com/d2d-protocol/d2d-go/pkg/pushinstall"
	"github.com/d2d-protocol/d2d-go/pkg/transport"
)

// Session policies.
const (
	PolicyAnonymous = "anonymous"
	PolicyBonded    = "bonded"
)

var errNotBonded = errors.New("peer is not bonded")

// services answers the invocations of a controller.
type services struct {
	nd      *node.Node
	store   *artifactStore
	started time.Time
	now     func() time.Time
}

var _ transport.Handler = (*services)(nil)

func (s *services) Invoke(ctx context.Context, peer transport.PeerInfo, service string, payload []byte) ([]byte, error) {
	switch service {
	case "echo":
		return payload, nil
	case "info":
		var b strings.Builder
		fmt.Fprintf(&b, "id=%s name=%q os=%s protocol=%d features=%s uptime=%s",
			s.nd.Local.ID, s.nd.Config.Device.Name, s.nd.Config.Device.OS,
			node.ProtocolVersion, s.nd.Features, s.now().Sub(s.started).Round(time.Second))
		return []byte(b.String()), nil
	case "time":
		return []byte(s.now().UTC().Format(time.RFC3339)), nil
	case "artifacts":
		return []byte(s.store.String()), nil
	default:
		return nil, fmt.Errorf("%w: %s", transport.ErrUnknownService, service)
	}
}

// authorizer decides which controllers may open sessions.
func authorizer(policy string, store *device.Store) func(transport.PeerInfo) error {
	return func(peer transport.PeerInfo) error {
		rec, known := store.Get(peer.Identity.UUID)
		if known && !rec.Identity.SameKey(peer.Identity) {
			return fmt.Errorf("%w: %s", device.ErrIdentitySpoofed, peer.Identity)
		}
		if policy == PolicyBonded && (!known || !rec.IsBonded()) {
			return fmt.Errorf("%w: %s", errNotBonded, peer.Identity)
		}
		return nil
	}
}

// artifactStore keeps pushed artifacts in a directory with a manifest of the
// installed versions.
type artifactStore struct {
	dir           string
	accept        bool
	acceptUnknown bool
	bonded        func(transport.PeerInfo) bool
	logger        *slog.Logger

	mu       sync.Mutex
	versions map[string]int
}

var _ transport.InstallHandler = (*artifactStore)(nil)

const manifestFile = "manifest.json"

func openArtifactStore(dir string) (*artifactStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("artifact dir: %w", err)
	}
	s := &artifactStore{dir: dir, versions: make(map[string]int)}
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &s.versions); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return s, nil
}

func (s *artifactStore) InstalledVersion(name string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[name]
	return v, ok
}

func (s *artifactStore) AnswerOffer(ctx context.Context, peer transport.PeerInfo, offer pushinstall.Offer) pushinstall.Answer {
	if v, ok := s.InstalledVersion(offer.Name); ok && v >= offer.Version && !offer.ReplaceExisting {
		return pushinstall.AnswerUpToDate
	}
	if !s.acceptUnknown && (s.bonded == nil || !s.bonded(peer)) {
		return pushinstall.AnswerRefuseUnknownSource
	}
	if !s.accept {
		return pushinstall.AnswerRefuse
	}
	return pushinstall.AnswerAccept
}

func (s *artifactStore) Install(ctx context.Context, peer transport.PeerInfo, offer pushinstall.Offer, data []byte) (pushinstall.Status, error) {
	if offer.Name == "" || strings.ContainsAny(offer.Name, `/\`) || offer.Name == "." || offer.Name == ".." {
		return pushinstall.StatusFailed, fmt.Errorf("invalid artifact name %q", offer.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, fmt.Sprintf("%s-v%d.bin", offer.Name, offer.Version))
	if err := writeFileAtomic(path, data); err != nil {
		return pushinstall.StatusFailed, err
	}
	prev, had := s.versions[offer.Name]
	s.versions[offer.Name] = offer.Version
	if err := s.saveManifest(); err != nil {
		if had {
			s.versions[offer.Name] = prev
		} else {
			delete(s.versions, offer.Name)
		}
		return pushinstall.StatusFailed, err
	}
	if s.logger != nil {
		s.logger.Info("artifact installed", "artifact", offer.Name, "version", offer.Version,
			"bytes", len(data), "device_id", peer.Identity.UUID)
	}
	return pushinstall.StatusInstalled, nil
}

// String lists the installed artifacts as name=version pairs.
func (s *artifactStore) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.versions))
	for name := range s.versions {
		names = append(names, name)
	}
	slices.Sort(names)
	var b bytes.Buffer
	for i, name := range names {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%d", name, s.versions[name])
	}
	return b.String()
}

func (s *artifactStore) saveManifest() error {
	data, err := json.MarshalIndent(s.versions, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.dir, manifestFile), data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
