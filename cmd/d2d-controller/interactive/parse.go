package interactive

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/d2d-protocol/d2d-go/pkg/device"
	"github.com/d2d-protocol/d2d-go/pkg/discovery"
)

var errAmbiguous = errors.New("ambiguous device prefix")

// ParseDuration parses a round length: a number of seconds, a Go duration,
// "inf" for an infinite round, or "best" (or empty) for best effort.
func ParseDuration(s string) (discovery.Duration, error) {
	switch strings.ToLower(s) {
	case "", "best":
		return discovery.BestEffort, nil
	case "inf", "infinite":
		return discovery.Infinite, nil
	}
	if secs, err := strconv.Atoi(s); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("duration must be positive: %s", s)
		}
		return discovery.Duration(time.Duration(secs) * time.Second), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive: %s", s)
	}
	return discovery.Duration(d), nil
}

// ParseFlags builds flags from shell tokens. Without "anon" only bonded
// devices are accepted.
func ParseFlags(tokens []string) (device.Flags, error) {
	var f device.Flags
	for _, tok := range tokens {
		switch strings.ToLower(tok) {
		case "anon", "anonymous":
			f.AcceptAnonymous = true
		case "propose":
			f.ProposePairing = true
		case "force":
			f.ForcePairing = true
		case "remove", "unpair":
			f.RemovePairing = true
		case "no-bt":
			f.NoBluetooth = true
		case "no-wifi", "no-net":
			f.NoNetwork = true
		default:
			return f, fmt.Errorf("unknown flag %q", tok)
		}
	}
	return f, f.Validate()
}

// FormatFlags is the inverse of ParseFlags.
func FormatFlags(f device.Flags) string {
	var parts []string
	if f.AcceptAnonymous {
		parts = append(parts, "anon")
	}
	if f.ProposePairing {
		parts = append(parts, "propose")
	}
	if f.ForcePairing {
		parts = append(parts, "force")
	}
	if f.RemovePairing {
		parts = append(parts, "remove")
	}
	if f.NoBluetooth {
		parts = append(parts, "no-bt")
	}
	if f.NoNetwork {
		parts = append(parts, "no-wifi")
	}
	if len(parts) == 0 {
		return "bonded-only"
	}
	return strings.Join(parts, " ")
}

// ResolveDevice finds the record whose UUID starts with prefix, or whose
// name equals it.
func ResolveDevice(recs []device.Record, prefix string) (device.Record, error) {
	prefix = strings.ToLower(prefix)
	var match []device.Record
	for _, r := range recs {
		if strings.HasPrefix(r.UUID().String(), prefix) || strings.EqualFold(r.Name, prefix) {
			match = append(match, r)
		}
	}
	switch len(match) {
	case 0:
		return device.Record{}, fmt.Errorf("%w: %s", device.ErrNotFound, prefix)
	case 1:
		return match[0], nil
	default:
		return device.Record{}, fmt.Errorf("%w: %s matches %d devices", errAmbiguous, prefix, len(match))
	}
}

// isURI reports whether s names an endpoint rather than a device.
func isURI(s string) bool {
	_, err := device.TransportFromURI(s)
	return err == nil && strings.Contains(s, "://")
}
