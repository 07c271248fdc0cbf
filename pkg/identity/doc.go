// Package identity manages the local device identity: a random UUID and an
// ed25519 key pair. Peers pin the public key; the private key signs the
// self-issued TLS certificate used by the transport.
package identity
