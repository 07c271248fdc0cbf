package device

import (
	"fmt"
	"strconv"
	"strings"
)

// FeatureMask is a 64-bit set of device capabilities.
type FeatureMask uint64

// Feature bits. Positions are part of the advertised format and must not move.
const (
	FeatureScreen          FeatureMask = 1 << 0
	FeatureSpeaker         FeatureMask = 1 << 1
	FeatureMicrophone      FeatureMask = 1 << 2
	FeatureShortRangeRadio FeatureMask = 1 << 3
	FeatureCamera          FeatureMask = 1 << 4
	FeatureNFC             FeatureMask = 1 << 5
	FeatureTelephony       FeatureMask = 1 << 6
	FeatureWiFi            FeatureMask = 1 << 7
	FeatureWiFiDirect      FeatureMask = 1 << 8
	FeatureNetwork         FeatureMask = 1 << 9
	FeatureLocation        FeatureMask = 1 << 10
	FeatureBluetooth       FeatureMask = 1 << 11
	FeatureAccelerometer   FeatureMask = 1 << 12
)

var featureNames = []struct {
	bit  FeatureMask
	name string
}{
	{FeatureScreen, "screen"},
	{FeatureSpeaker, "speaker"},
	{FeatureMicrophone, "microphone"},
	{FeatureShortRangeRadio, "short-range-radio"},
	{FeatureCamera, "camera"},
	{FeatureNFC, "nfc"},
	{FeatureTelephony, "telephony"},
	{FeatureWiFi, "wifi"},
	{FeatureWiFiDirect, "wifi-direct"},
	{FeatureNetwork, "network"},
	{FeatureLocation, "location"},
	{FeatureBluetooth, "bluetooth"},
	{FeatureAccelerometer, "accelerometer"},
}

// Has reports whether all bits of f are set.
func (m FeatureMask) Has(f FeatureMask) bool {
	return m&f == f
}

// With returns m with the bits of f set.
func (m FeatureMask) With(f FeatureMask) FeatureMask {
	return m | f
}

// String returns the known feature names joined by '|'.
// Unknown bits are appended as a hex remainder.
func (m FeatureMask) String() string {
	if m == 0 {
		return "none"
	}
	var names []string
	rest := m
	for _, fn := range featureNames {
		if m&fn.bit != 0 {
			names = append(names, fn.name)
			rest &^= fn.bit
		}
	}
	if rest != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint64(rest)))
	}
	return strings.Join(names, "|")
}

// Hex returns the mask as a lowercase hex string without prefix.
func (m FeatureMask) Hex() string {
	return strconv.FormatUint(uint64(m), 16)
}

// ParseFeatureMask parses a hex mask as produced by Hex.
func ParseFeatureMask(s string) (FeatureMask, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid feature mask %q: %w", s, err)
	}
	return FeatureMask(v), nil
}

// FeatureByName returns the bit for a feature name.
func FeatureByName(name string) (FeatureMask, bool) {
	for _, fn := range featureNames {
		if fn.name == name {
			return fn.bit, true
		}
	}
	return 0, false
}
