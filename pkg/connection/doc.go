// Package connection turns a device record or a raw endpoint URI into a live,
// timeout-bounded session.
//
// Bind applies the pairing policy first; a rejected device is refused without
// touching the network. Endpoints are then tried best-first, each with its
// share of the caller's connect timeout, and the first successful handshake
// wins. If the peer lacks the required software, a push-install runs before
// the session is handed out.
//
// Failures distinguish three cases:
//
//	ErrNoEndpoint        no usable endpoint (also matches ErrUnreachable)
//	ErrConnectionRefused the device was found but refused by policy or by the peer
//	ErrUnreachable       the device was found but every endpoint failed
//
// A failed endpoint is dropped from its record only when the transport reports
// it permanently invalid.
package connection
