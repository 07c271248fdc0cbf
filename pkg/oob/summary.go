package oob

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/d2d-protocol/d2d-go/pkg/device"
)

// Format constants.
const (
	// TextPrefix starts the text form.
	TextPrefix = "D2D:"

	// Version is the current summary version.
	Version = 1

	// MaxSummarySize bounds an encoded summary.
	MaxSummarySize = 1024
)

// ErrParse is returned for any summary that cannot be decoded.
var ErrParse = errors.New("summary parse error")

// summary is the encoded form. Field keys are part of the format.
type summary struct {
	Version         uint8    `cbor:"1,keyasint"`
	ID              []byte   `cbor:"2,keyasint"`
	PublicKey       []byte   `cbor:"3,keyasint"`
	Name            string   `cbor:"4,keyasint,omitempty"`
	ProtocolVersion int      `cbor:"5,keyasint,omitempty"`
	OS              string   `cbor:"6,keyasint,omitempty"`
	Features        uint64   `cbor:"7,keyasint,omitempty"`
	URIs            []string `cbor:"8,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create summary CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxArrayElements: 16,
		MaxMapPairs:      16,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create summary CBOR decoder mode: %v", err))
	}
}

// EncodeSummary encodes the identity, descriptive fields and endpoints of rec.
// Trust and reachability are local state and are not encoded.
func EncodeSummary(rec device.Record) ([]byte, error) {
	if err := rec.Identity.Validate(); err != nil {
		return nil, err
	}
	id := rec.UUID()
	s := summary{
		Version:         Version,
		ID:              id[:],
		PublicKey:       rec.Identity.PublicKey,
		Name:            rec.Name,
		ProtocolVersion: rec.ProtocolVersion,
		OS:              rec.OS,
		Features:        uint64(rec.Features),
		URIs:            rec.URIs(),
	}
	data, err := encMode.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode summary: %w", err)
	}
	if len(data) > MaxSummarySize {
		return nil, fmt.Errorf("summary is %d bytes, limit %d", len(data), MaxSummarySize)
	}
	return data, nil
}

// DecodeSummary decodes a summary into a record with TrustUnknown. Every
// failure wraps ErrParse.
func DecodeSummary(data []byte) (device.Record, error) {
	if len(data) == 0 {
		return device.Record{}, fmt.Errorf("%w: empty summary", ErrParse)
	}
	if len(data) > MaxSummarySize {
		return device.Record{}, fmt.Errorf("%w: summary is %d bytes", ErrParse, len(data))
	}

	var s summary
	if err := decMode.Unmarshal(data, &s); err != nil {
		return device.Record{}, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if s.Version != Version {
		return device.Record{}, fmt.Errorf("%w: unsupported version %d", ErrParse, s.Version)
	}
	id, err := uuid.FromBytes(s.ID)
	if err != nil {
		return device.Record{}, fmt.Errorf("%w: device id: %w", ErrParse, err)
	}

	rec := device.Record{
		Identity:        device.NewIdentity(id, s.PublicKey),
		Name:            s.Name,
		ProtocolVersion: s.ProtocolVersion,
		OS:              s.OS,
		Features:        device.FeatureMask(s.Features),
		Trust:           device.TrustUnknown,
	}
	if err := rec.Identity.Validate(); err != nil {
		return device.Record{}, fmt.Errorf("%w: %w", ErrParse, err)
	}
	for _, uri := range s.URIs {
		t, err := device.TransportFromURI(uri)
		if err != nil {
			return device.Record{}, fmt.Errorf("%w: %w", ErrParse, err)
		}
		rec.Endpoints = append(rec.Endpoints, device.Endpoint{URI: uri, Transport: t})
	}
	return rec, nil
}

// FormatText returns the text form of rec's summary.
func FormatText(rec device.Record) (string, error) {
	data, err := EncodeSummary(rec)
	if err != nil {
		return "", err
	}
	return TextPrefix + strconv.Itoa(Version) + ":" + base64.RawURLEncoding.EncodeToString(data), nil
}

// ParseText parses the text form.
//
// Format: D2D:<version>:<base64url>
func ParseText(content string) (device.Record, error) {
	if !strings.HasPrefix(content, TextPrefix) {
		return device.Record{}, fmt.Errorf("%w: missing %q prefix", ErrParse, TextPrefix)
	}

	parts := strings.Split(strings.TrimPrefix(content, TextPrefix), ":")
	if len(parts) != 2 {
		return device.Record{}, fmt.Errorf("%w: expected 3 fields, got %d", ErrParse, len(parts)+1)
	}

	version, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil || version != Version {
		return device.Record{}, fmt.Errorf("%w: unsupported version %q", ErrParse, parts[0])
	}

	data, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return device.Record{}, fmt.Errorf("%w: %w", ErrParse, err)
	}
	return DecodeSummary(data)
}

// Sightings returns one sighting per endpoint of a decoded record, ready to
// be merged into a store.
func Sightings(rec device.Record) []device.Sighting {
	out := make([]device.Sighting, 0, len(rec.Endpoints))
	for _, ep := range rec.Endpoints {
		out = append(out, device.Sighting{
			Identity:        rec.Identity,
			Transport:       ep.Transport,
			URI:             ep.URI,
			Name:            rec.Name,
			ProtocolVersion: rec.ProtocolVersion,
			OS:              rec.OS,
			Features:        rec.Features,
		})
	}
	return out
}
