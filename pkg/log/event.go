package log

import (
	"time"
)

// Event represents a lifecycle event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID identifies the discovery round or connection session (UUID).
	SessionID string `cbor:"2,keyasint"`

	// Direction indicates message flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// LocalRole indicates whether this side initiated the session.
	LocalRole Role `cbor:"6,keyasint,omitempty"`

	// RemoteURI is the peer endpoint URI.
	RemoteURI string `cbor:"7,keyasint,omitempty"`

	// DeviceID is the peer device UUID.
	DeviceID string `cbor:"8,keyasint,omitempty"`

	// Transport is the transport name (NETWORK, BLUETOOTH).
	Transport string `cbor:"9,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	Sighting    *SightingEvent    `cbor:"13,keyasint,omitempty"`
	Pairing     *PairingEvent     `cbor:"14,keyasint,omitempty"`
	Install     *InstallEvent     `cbor:"15,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"16,keyasint,omitempty"`
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing message.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which component captured the event.
type Layer uint8

const (
	// LayerTransport is the framed channel.
	LayerTransport Layer = 0
	// LayerDiscovery is the discovery manager.
	LayerDiscovery Layer = 1
	// LayerPairing is the pairing controller.
	LayerPairing Layer = 2
	// LayerSession is the connection manager and its sessions.
	LayerSession Layer = 3
	// LayerInstall is the push-install coordinator.
	LayerInstall Layer = 4
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerDiscovery:
		return "DISCOVERY"
	case LayerPairing:
		return "PAIRING"
	case LayerSession:
		return "SESSION"
	case LayerInstall:
		return "INSTALL"
	default:
		return "UNKNOWN"
	}
}

// ParseLayer parses a layer name as returned by String.
func ParseLayer(s string) (Layer, bool) {
	for l := LayerTransport; l <= LayerInstall; l++ {
		if l.String() == s {
			return l, true
		}
	}
	return 0, false
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates a frame or request/response.
	CategoryMessage Category = 0
	// CategoryDiscovery indicates a sighting.
	CategoryDiscovery Category = 1
	// CategoryState indicates a state change.
	CategoryState Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
	// CategoryDecision indicates a pairing decision.
	CategoryDecision Category = 4
	// CategoryProgress indicates install progress or result.
	CategoryProgress Category = 5
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryDiscovery:
		return "DISCOVERY"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	case CategoryDecision:
		return "DECISION"
	case CategoryProgress:
		return "PROGRESS"
	default:
		return "UNKNOWN"
	}
}

// ParseCategory parses a category name as returned by String.
func ParseCategory(s string) (Category, bool) {
	for c := CategoryMessage; c <= CategoryProgress; c++ {
		if c.String() == s {
			return c, true
		}
	}
	return 0, false
}

// Role indicates which side of a session the local device is.
type Role uint8

const (
	// RoleController indicates the side that discovers and binds.
	RoleController Role = 0
	// RolePeer indicates the side that advertises and serves.
	RolePeer Role = 1
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleController:
		return "CONTROLLER"
	case RolePeer:
		return "PEER"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures raw frame data at the transport layer.
type FrameEvent struct {
	// Size is the frame size in bytes (including length prefix).
	Size int `cbor:"1,keyasint"`

	// Data is the raw frame bytes (may be truncated for large frames).
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// MessageEvent captures a decoded session message.
type MessageEvent struct {
	// Type distinguishes request/response/notification.
	Type MessageType `cbor:"1,keyasint"`

	// MessageID correlates request/response pairs (0 for notifications).
	MessageID uint32 `cbor:"2,keyasint"`

	// Method is the invoked service method (requests only).
	Method string `cbor:"3,keyasint,omitempty"`

	// Status is the response status code (responses only).
	Status *int `cbor:"4,keyasint,omitempty"`

	// PayloadSize is the payload length in bytes.
	PayloadSize int `cbor:"5,keyasint,omitempty"`

	// Elapsed is the round-trip time (responses only). Stored as nanoseconds.
	Elapsed *time.Duration `cbor:"6,keyasint,omitempty"`
}

// MessageType distinguishes request/response/notification.
type MessageType uint8

const (
	// MessageTypeRequest indicates a request message.
	MessageTypeRequest MessageType = 0
	// MessageTypeResponse indicates a response message.
	MessageTypeResponse MessageType = 1
	// MessageTypeNotification indicates a notification message.
	MessageTypeNotification MessageType = 2
)

// String returns the message type name.
func (m MessageType) String() string {
	switch m {
	case MessageTypeRequest:
		return "REQUEST"
	case MessageTypeResponse:
		return "RESPONSE"
	case MessageTypeNotification:
		return "NOTIFICATION"
	default:
		return "UNKNOWN"
	}
}

// StateChangeEvent captures discovery round, session and install state changes.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityDiscovery indicates a discovery round state change.
	StateEntityDiscovery StateEntity = 0
	// StateEntitySession indicates a connection session state change.
	StateEntitySession StateEntity = 1
	// StateEntityInstall indicates a push-install state change.
	StateEntityInstall StateEntity = 2
	// StateEntityDevice indicates a device record trust or reachability change.
	StateEntityDevice StateEntity = 3
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityDiscovery:
		return "DISCOVERY"
	case StateEntitySession:
		return "SESSION"
	case StateEntityInstall:
		return "INSTALL"
	case StateEntityDevice:
		return "DEVICE"
	default:
		return "UNKNOWN"
	}
}

// SightingEvent captures a merged sighting.
type SightingEvent struct {
	// Name is the declared display name.
	Name string `cbor:"1,keyasint,omitempty"`

	// Features is the declared capability mask.
	Features uint64 `cbor:"2,keyasint,omitempty"`

	// IsUpdate is false for the first sighting of a device.
	IsUpdate bool `cbor:"3,keyasint,omitempty"`

	// Endpoints is the number of endpoints after the merge.
	Endpoints int `cbor:"4,keyasint,omitempty"`
}

// PairingEvent captures a pairing policy decision.
type PairingEvent struct {
	// Decision is the decision name.
	Decision string `cbor:"1,keyasint"`

	// Trust is the trust state the decision was made on.
	Trust string `cbor:"2,keyasint,omitempty"`

	// Unbonded is set when the decision removed a bond.
	Unbonded bool `cbor:"3,keyasint,omitempty"`
}

// InstallEvent captures push-install progress and the final status.
type InstallEvent struct {
	// State is the coordinator state name.
	State string `cbor:"1,keyasint"`

	// Progress is the transfer progress (0-100).
	Progress int `cbor:"2,keyasint,omitempty"`

	// Status is the terminal status (set once finished).
	Status *int `cbor:"3,keyasint,omitempty"`
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Code is the error code (if applicable).
	Code *int `cbor:"3,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}
