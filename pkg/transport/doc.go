// Package transport implements the endpoint channel: an authenticated,
// bidirectional session between two devices.
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│   CBOR Messages (integer keys) │
//	├────────────────────────────────┤
//	│   Length-Prefix Framing (4B)   │
//	├────────────────────────────────┤
//	│   TLS 1.3, ALPN "d2d/1"        │
//	├────────────────────────────────┤
//	│           TCP                  │
//	└────────────────────────────────┘
//
// # Identity
//
// Each side presents a self-signed certificate over its ed25519 identity key.
// There is no CA: the dialer pins the key recorded for the target device, and
// both sides check that the key in the Hello matches the certificate.
//
// # Session
//
// After TLS the client sends a Hello describing itself and naming the software
// it needs; the server answers with a HelloAck that accepts or rejects the
// session and reports whether that software is installed. Requests and
// install messages are then correlated by ID, so invocations may overlap.
//
// # Keep-Alive
//
// Dialed channels may ping periodically (30s interval, 5s pong timeout, 3
// missed pongs by default). The serving side always answers pings.
package transport
