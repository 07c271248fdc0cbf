package discovery

import "github.com/d2d-protocol/d2d-go/pkg/device"

// Listener receives the notifications of discovery rounds. All calls are made
// from one goroutine per round, so a slow listener delays later notifications
// but never reorders them.
type Listener interface {
	OnDiscoverStart()
	OnDiscover(rec device.Record, isUpdate bool)
	OnDiscoverStop()
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Start    func()
	Discover func(rec device.Record, isUpdate bool)
	Stop     func()
}

func (f ListenerFuncs) OnDiscoverStart() {
	if f.Start != nil {
		f.Start()
	}
}

func (f ListenerFuncs) OnDiscover(rec device.Record, isUpdate bool) {
	if f.Discover != nil {
		f.Discover(rec, isUpdate)
	}
}

func (f ListenerFuncs) OnDiscoverStop() {
	if f.Stop != nil {
		f.Stop()
	}
}

var _ Listener = ListenerFuncs{}
