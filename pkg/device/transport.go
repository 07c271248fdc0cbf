package device

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Transport identifies the medium an endpoint was reached over.
type Transport uint8

const (
	// TransportUnknown is an unrecognised transport. It sorts last.
	TransportUnknown Transport = iota

	// TransportNetwork is a local-network (IP) transport. URI scheme "ip".
	TransportNetwork

	// TransportBluetooth is a short-range radio transport. URI scheme "bt".
	TransportBluetooth
)

// URI schemes per transport.
const (
	SchemeNetwork   = "ip"
	SchemeBluetooth = "bt"
)

// DefaultPort is the default network port of the session service.
const DefaultPort = 19876

// String returns the transport name.
func (t Transport) String() string {
	switch t {
	case TransportNetwork:
		return "NETWORK"
	case TransportBluetooth:
		return "BLUETOOTH"
	default:
		return "UNKNOWN"
	}
}

// Scheme returns the URI scheme used by endpoints of this transport.
func (t Transport) Scheme() string {
	switch t {
	case TransportNetwork:
		return SchemeNetwork
	case TransportBluetooth:
		return SchemeBluetooth
	default:
		return ""
	}
}

// Priority returns the static preference of the transport. Higher is better.
func (t Transport) Priority() int {
	switch t {
	case TransportNetwork:
		return 20
	case TransportBluetooth:
		return 10
	default:
		return 0
	}
}

// TransportFromURI derives the transport from an endpoint URI scheme. Only
// the scheme and a non-empty address are checked; the address format belongs
// to the transport ("bt://aa:bb:cc:dd:ee:ff" is not a host:port).
func TransportFromURI(uri string) (Transport, error) {
	scheme, addr, ok := strings.Cut(uri, "://")
	if !ok {
		return TransportUnknown, fmt.Errorf("%w: %q has no scheme", ErrInvalidEndpoint, uri)
	}
	if addr == "" || strings.ContainsAny(addr, " \t\r\n") {
		return TransportUnknown, fmt.Errorf("%w: bad address in %q", ErrInvalidEndpoint, uri)
	}
	switch scheme {
	case SchemeNetwork:
		return TransportNetwork, nil
	case SchemeBluetooth:
		return TransportBluetooth, nil
	default:
		return TransportUnknown, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, scheme)
	}
}

// Endpoint is a transport-specific address at which a device can be reached.
type Endpoint struct {
	// URI is the connection URI, e.g. "ip://10.0.0.5:19876" or "bt://aa:bb".
	URI string

	// Transport is the transport that produced the endpoint.
	Transport Transport

	// LastSeen is when the endpoint was last sighted.
	LastSeen time.Time
}

// better reports whether a sorts before b in endpoint preference order.
func (a Endpoint) better(b Endpoint) bool {
	if pa, pb := a.Transport.Priority(), b.Transport.Priority(); pa != pb {
		return pa > pb
	}
	if !a.LastSeen.Equal(b.LastSeen) {
		return a.LastSeen.After(b.LastSeen)
	}
	return a.URI < b.URI
}

// NetworkURI builds the endpoint URI for a network address.
func NetworkURI(host string, port int) string {
	if port == 0 {
		port = DefaultPort
	}
	return SchemeNetwork + "://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// NetworkAddress returns the dialable host:port of a network endpoint URI.
// A missing port means DefaultPort.
func NetworkAddress(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme != SchemeNetwork {
		return "", fmt.Errorf("%w: %q is not a network uri", ErrInvalidEndpoint, uri)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrInvalidEndpoint, uri)
	}
	port := DefaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return "", fmt.Errorf("%w: bad port in %q", ErrInvalidEndpoint, uri)
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}
