package connection

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/d2d-protocol/d2d-go/pkg/pushinstall"
	"github.com/d2d-protocol/d2d-go/pkg/transport"
)

type fakeChannel struct {
	peer      transport.PeerInfo
	invoke    func(ctx context.Context, service string, payload []byte) ([]byte, error)
	installer pushinstall.Installer
	closeErr  error
	closes    atomic.Int32
}

func (f *fakeChannel) Peer() transport.PeerInfo { return f.peer }

func (f *fakeChannel) Invoke(ctx context.Context, service string, payload []byte) ([]byte, error) {
	if f.closes.Load() > 0 {
		return nil, transport.ErrChannelClosed
	}
	if f.invoke == nil {
		return payload, nil
	}
	return f.invoke(ctx, service, payload)
}

func (f *fakeChannel) Installer() pushinstall.Installer { return f.installer }

func (f *fakeChannel) Close() error {
	f.closes.Add(1)
	return f.closeErr
}

type openResult struct {
	ch    *fakeChannel
	err   error
	block bool
}

type openCall struct {
	uri      string
	pin      []byte
	deadline time.Duration
}

type fakeOpener struct {
	mu      sync.Mutex
	results map[string]openResult
	calls   []openCall
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{results: make(map[string]openResult)}
}

func (f *fakeOpener) set(uri string, r openResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[uri] = r
}

func (f *fakeOpener) Open(ctx context.Context, uri string, pin []byte) (transport.Channel, error) {
	var remaining time.Duration
	if dl, ok := ctx.Deadline(); ok {
		remaining = time.Until(dl)
	}
	f.mu.Lock()
	f.calls = append(f.calls, openCall{uri: uri, pin: pin, deadline: remaining})
	r, ok := f.results[uri]
	f.mu.Unlock()

	switch {
	case !ok:
		return nil, errors.New("no route to host")
	case r.block:
		<-ctx.Done()
		return nil, ctx.Err()
	case r.err != nil:
		return nil, r.err
	}
	return r.ch, nil
}

func (f *fakeOpener) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeOpener) uris() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.uri
	}
	return out
}

// fakeInstaller answers like a peer that accepts or refuses every offer.
type fakeInstaller struct {
	answer    pushinstall.Answer
	transfers atomic.Int32
}

func (f *fakeInstaller) InstalledVersion(context.Context, string) (int, bool, error) {
	return 0, false, nil
}

func (f *fakeInstaller) Transfer(_ context.Context, _ pushinstall.Offer, r io.Reader, onProgress func(int64)) (pushinstall.Status, error) {
	f.transfers.Add(1)
	if f.answer != pushinstall.AnswerAccept {
		return f.answer.Status(), nil
	}
	buf := make([]byte, 64)
	var sent int64
	for {
		n, err := r.Read(buf)
		sent += int64(n)
		onProgress(sent)
		if err != nil {
			return pushinstall.StatusInstalled, nil
		}
	}
}
