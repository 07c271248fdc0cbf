package discovery

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/d2d-protocol/d2d-go/pkg/device"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// Announcement is what a device publishes about itself over mDNS.
type Announcement struct {
	Identity        device.Identity
	Name            string
	ProtocolVersion int
	OS              string
	Features        device.FeatureMask

	// Port is the session service port. Zero means device.DefaultPort.
	Port int
}

// InstanceName returns the mDNS instance name, which is the device UUID.
func (a *Announcement) InstanceName() string {
	return a.Identity.UUID.String()
}

// Sighting converts the announcement into a sighting of uri.
func (a *Announcement) Sighting(uri string) device.Sighting {
	return device.Sighting{
		Identity:        a.Identity,
		Transport:       device.TransportNetwork,
		URI:             uri,
		Name:            a.Name,
		ProtocolVersion: a.ProtocolVersion,
		OS:              a.OS,
		Features:        a.Features,
	}
}

// EncodeTXT creates the TXT records for an announcement.
func EncodeTXT(a *Announcement) TXTRecordMap {
	txt := make(TXTRecordMap)

	// Required fields
	txt[TXTKeyID] = a.Identity.UUID.String()
	txt[TXTKeyPublicKey] = base64.RawURLEncoding.EncodeToString(a.Identity.PublicKey)
	txt[TXTKeyName] = a.Name
	txt[TXTKeyVersion] = strconv.Itoa(a.ProtocolVersion)

	// Optional fields
	if a.OS != "" {
		txt[TXTKeyOS] = a.OS
	}
	if a.Features != 0 {
		txt[TXTKeyFeatures] = a.Features.Hex()
	}

	return txt
}

// DecodeTXT parses TXT records into an announcement. Port is left zero.
func DecodeTXT(txt TXTRecordMap) (*Announcement, error) {
	a := &Announcement{}

	idStr, ok := txt[TXTKeyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyID)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("%w: device id %q", ErrInvalidTXTRecord, idStr)
	}

	pkStr, ok := txt[TXTKeyPublicKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyPublicKey)
	}
	pk, err := base64.RawURLEncoding.DecodeString(pkStr)
	if err != nil || len(pk) == 0 {
		return nil, fmt.Errorf("%w: public key", ErrInvalidTXTRecord)
	}
	a.Identity = device.NewIdentity(id, pk)

	if a.Name, ok = txt[TXTKeyName]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyName)
	}

	vStr, ok := txt[TXTKeyVersion]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyVersion)
	}
	if a.ProtocolVersion, err = strconv.Atoi(vStr); err != nil || a.ProtocolVersion < 0 {
		return nil, fmt.Errorf("%w: protocol version %q", ErrInvalidTXTRecord, vStr)
	}

	// Optional fields
	a.OS = txt[TXTKeyOS]
	if f, ok := txt[TXTKeyFeatures]; ok {
		if a.Features, err = device.ParseFeatureMask(f); err != nil {
			return nil, fmt.Errorf("%w: features %q", ErrInvalidTXTRecord, f)
		}
	}

	return a, nil
}

// TXTRecordsToStrings converts a TXTRecordMap to a slice of "key=value"
// strings, sorted by key.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}

// StringsToTXTRecords parses a slice of "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		k, v, found := strings.Cut(s, "=")
		if found {
			txt[k] = v
		} else if k != "" {
			// Key without value (boolean flag)
			txt[k] = ""
		}
	}
	return txt
}

// TXTRecordSize returns the wire size of the records: one length byte plus
// the "key=value" string per entry.
func TXTRecordSize(strs []string) int {
	n := 0
	for _, s := range strs {
		n += 1 + len(s)
	}
	return n
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInstanceNameTooLong)
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInstanceNameTooLong
	}
	return nil
}
