package transport

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/d2d-protocol/d2d-go/pkg/device"
)

// ErrInvalidMessage indicates a frame that is not a valid channel message.
var ErrInvalidMessage = errors.New("invalid message")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Lenient decoding so newer peers may add fields.
	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// MessageType identifies the body carried by a Message.
type MessageType uint8

const (
	MsgHello MessageType = iota + 1
	MsgHelloAck
	MsgRequest
	MsgResponse
	MsgInstallQuery
	MsgInstallOffer
	MsgInstallAnswer
	MsgInstallChunk
	MsgInstallResult
	MsgPing
	MsgPong
	MsgClose
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "HELLO"
	case MsgHelloAck:
		return "HELLO_ACK"
	case MsgRequest:
		return "REQUEST"
	case MsgResponse:
		return "RESPONSE"
	case MsgInstallQuery:
		return "INSTALL_QUERY"
	case MsgInstallOffer:
		return "INSTALL_OFFER"
	case MsgInstallAnswer:
		return "INSTALL_ANSWER"
	case MsgInstallChunk:
		return "INSTALL_CHUNK"
	case MsgInstallResult:
		return "INSTALL_RESULT"
	case MsgPing:
		return "PING"
	case MsgPong:
		return "PONG"
	case MsgClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// Message is the envelope of every frame after the TLS handshake.
// Exactly one body field matching Type is set.
type Message struct {
	Type MessageType `cbor:"1,keyasint"`

	// ID correlates requests with responses and install messages with one
	// another. Zero for hello, ping, pong and close.
	ID uint32 `cbor:"2,keyasint,omitempty"`

	Hello    *Hello         `cbor:"3,keyasint,omitempty"`
	Ack      *HelloAck      `cbor:"4,keyasint,omitempty"`
	Request  *Request       `cbor:"5,keyasint,omitempty"`
	Response *Response      `cbor:"6,keyasint,omitempty"`
	Install  *InstallMsg    `cbor:"7,keyasint,omitempty"`
	Chunk    *InstallChunk  `cbor:"8,keyasint,omitempty"`
	Result   *InstallResult `cbor:"9,keyasint,omitempty"`

	// Seq is the ping/pong sequence number.
	Seq uint32 `cbor:"10,keyasint,omitempty"`
}

// Hello describes the sending device. The client also names the software it
// needs on the peer.
type Hello struct {
	DeviceID        []byte `cbor:"1,keyasint"`
	PublicKey       []byte `cbor:"2,keyasint"`
	Name            string `cbor:"3,keyasint,omitempty"`
	ProtocolVersion int    `cbor:"4,keyasint,omitempty"`
	OS              string `cbor:"5,keyasint,omitempty"`
	Features        uint64 `cbor:"6,keyasint,omitempty"`
	Software        string `cbor:"7,keyasint,omitempty"`
}

// HelloAck answers a Hello.
type HelloAck struct {
	Hello    Hello  `cbor:"1,keyasint"`
	Accepted bool   `cbor:"2,keyasint"`
	Reason   string `cbor:"3,keyasint,omitempty"`

	// SoftwareInstalled and SoftwareVersion describe the software named in the
	// client Hello.
	SoftwareInstalled bool `cbor:"4,keyasint,omitempty"`
	SoftwareVersion   int  `cbor:"5,keyasint,omitempty"`
}

// Request invokes a remote service.
type Request struct {
	Service string `cbor:"1,keyasint"`
	Payload []byte `cbor:"2,keyasint,omitempty"`
}

// Response status codes.
const (
	StatusOK             = 0
	StatusError          = 1
	StatusUnknownService = 2
)

// Response answers a Request.
type Response struct {
	Status  int    `cbor:"1,keyasint"`
	Error   string `cbor:"2,keyasint,omitempty"`
	Payload []byte `cbor:"3,keyasint,omitempty"`
}

// InstallMsg carries an install query, its reply, an offer or an answer.
type InstallMsg struct {
	Name            string `cbor:"1,keyasint"`
	Version         int    `cbor:"2,keyasint,omitempty"`
	Size            int64  `cbor:"3,keyasint,omitempty"`
	ReplaceExisting bool   `cbor:"4,keyasint,omitempty"`
	Installed       bool   `cbor:"5,keyasint,omitempty"`
	Answer          uint8  `cbor:"6,keyasint,omitempty"`
}

// InstallChunk is one slice of the pushed artifact.
type InstallChunk struct {
	Offset int64  `cbor:"1,keyasint"`
	Data   []byte `cbor:"2,keyasint,omitempty"`
	Last   bool   `cbor:"3,keyasint,omitempty"`
}

// InstallResult ends a transfer.
type InstallResult struct {
	Status int    `cbor:"1,keyasint"`
	Error  string `cbor:"2,keyasint,omitempty"`
}

// EncodeMessage validates and encodes m.
func EncodeMessage(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return encMode.Marshal(m)
}

// DecodeMessage decodes and validates one frame.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := decMode.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks that the body matching Type is present.
func (m *Message) Validate() error {
	var ok bool
	switch m.Type {
	case MsgHello:
		ok = m.Hello != nil
	case MsgHelloAck:
		ok = m.Ack != nil
	case MsgRequest:
		ok = m.Request != nil && m.Request.Service != ""
	case MsgResponse:
		ok = m.Response != nil
	case MsgInstallQuery, MsgInstallOffer, MsgInstallAnswer:
		ok = m.Install != nil
	case MsgInstallChunk:
		ok = m.Chunk != nil
	case MsgInstallResult:
		ok = m.Result != nil
	case MsgPing, MsgPong, MsgClose:
		ok = true
	default:
		return fmt.Errorf("%w: unknown type %d", ErrInvalidMessage, m.Type)
	}
	if !ok {
		return fmt.Errorf("%w: %s without body", ErrInvalidMessage, m.Type)
	}
	return nil
}

// helloFrom builds a Hello describing the local device.
func helloFrom(info PeerInfo) Hello {
	return Hello{
		DeviceID:        info.Identity.UUID[:],
		PublicKey:       info.Identity.PublicKey,
		Name:            info.Name,
		ProtocolVersion: info.ProtocolVersion,
		OS:              info.OS,
		Features:        uint64(info.Features),
	}
}

// peerInfo converts a received Hello, checking it is well formed.
func (h Hello) peerInfo() (PeerInfo, error) {
	id, err := uuid.FromBytes(h.DeviceID)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("%w: %v", device.ErrInvalidIdentity, err)
	}
	ident := device.NewIdentity(id, h.PublicKey)
	if err := ident.Validate(); err != nil {
		return PeerInfo{}, err
	}
	return PeerInfo{
		Identity:        ident,
		Name:            h.Name,
		ProtocolVersion: h.ProtocolVersion,
		OS:              h.OS,
		Features:        device.FeatureMask(h.Features),
	}, nil
}
