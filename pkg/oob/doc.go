// Package oob encodes a device summary for out-of-band exchange.
//
// The summary is a small CBOR map with integer keys holding the identity,
// descriptive fields and endpoints of one device. It travels either as raw
// bytes (an NFC-style tag payload) or as text suitable for a visual code:
//
//	D2D:<version>:<base64url(summary)>
package oob
