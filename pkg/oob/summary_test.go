package oob

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d2d-protocol/d2d-go/pkg/device"
)

func testRecord() device.Record {
	return device.Record{
		Identity:        device.NewIdentity(uuid.MustParse("0f8fad5b-d9cb-469f-a165-70867728950e"), []byte("0123456789abcdef0123456789abcdef")),
		Name:            "kitchen tablet",
		ProtocolVersion: 2,
		OS:              "android-14",
		Features:        device.FeatureScreen | device.FeatureWiFi,
		Trust:           device.TrustBonded,
		Endpoints: []device.Endpoint{
			{URI: "ip://10.0.0.5:19876", Transport: device.TransportNetwork, LastSeen: time.Now()},
			{URI: "bt://aa:bb:cc:dd:ee:ff", Transport: device.TransportBluetooth, LastSeen: time.Now()},
		},
	}
}

func TestSummary(t *testing.T) {
	rec := testRecord()

	data, err := EncodeSummary(rec)
	require.NoError(t, err)

	got, err := DecodeSummary(data)
	require.NoError(t, err)
	assert.Equal(t, rec.Identity, got.Identity)
	assert.Equal(t, rec.Name, got.Name)
	assert.Equal(t, rec.ProtocolVersion, got.ProtocolVersion)
	assert.Equal(t, rec.OS, got.OS)
	assert.Equal(t, rec.Features, got.Features)
	assert.Equal(t, rec.URIs(), got.URIs())
	assert.Equal(t, device.TrustUnknown, got.Trust, "trust is local state")
}

func TestDecodeSummaryErrors(t *testing.T) {
	valid, err := EncodeSummary(testRecord())
	require.NoError(t, err)

	badVersion, err := cbor.Marshal(map[int]any{1: 9, 2: make([]byte, 16), 3: []byte{1}})
	require.NoError(t, err)
	shortID, err := cbor.Marshal(map[int]any{1: Version, 2: []byte{1, 2}, 3: []byte{1}})
	require.NoError(t, err)
	noKey, err := cbor.Marshal(map[int]any{1: Version, 2: make([]byte, 16)})
	require.NoError(t, err)
	badURI, err := cbor.Marshal(map[int]any{1: Version, 2: make([]byte, 16), 3: []byte{1}, 8: []string{"ftp://x"}})
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"Empty", nil},
		{"Garbage", []byte{0xff, 0x00}},
		{"Truncated", valid[:len(valid)/2]},
		{"UnknownVersion", badVersion},
		{"ShortID", shortID},
		{"MissingKey", noKey},
		{"BadEndpoint", badURI},
		{"TooLarge", make([]byte, MaxSummarySize+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeSummary(tt.data)
			assert.ErrorIs(t, err, ErrParse)
		})
	}
}

func TestText(t *testing.T) {
	rec := testRecord()

	text, err := FormatText(rec)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(text, "D2D:1:"))

	got, err := ParseText(text)
	require.NoError(t, err)
	assert.Equal(t, rec.Identity, got.Identity)

	payload := strings.TrimPrefix(text, "D2D:1:")
	tests := []string{
		"",
		"XYZ:1:" + payload,
		"D2D:1",
		"D2D:2:" + payload,
		"D2D:x:" + payload,
		"D2D:1:" + payload + ":extra",
		"D2D:1:!!!",
		"D2D:1:" + base64.RawURLEncoding.EncodeToString([]byte("not cbor")),
	}
	for _, s := range tests {
		_, err := ParseText(s)
		assert.ErrorIs(t, err, ErrParse, s)
	}
}

func TestSightings(t *testing.T) {
	rec := testRecord()
	store, err := device.NewStore(device.StoreConfig{PrunePolicy: device.PruneManual})
	require.NoError(t, err)

	for _, sg := range Sightings(rec) {
		_, _, err := store.MergeSighting(sg)
		require.NoError(t, err)
	}

	got, ok := store.Get(rec.UUID())
	require.True(t, ok)
	assert.Equal(t, rec.URIs(), got.URIs())
	assert.Equal(t, device.TrustDiscovered, got.Trust)
}

func TestEncodeSummaryRejectsInvalidIdentity(t *testing.T) {
	_, err := EncodeSummary(device.Record{})
	assert.ErrorIs(t, err, device.ErrInvalidIdentity)
}
