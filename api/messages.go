package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire protocol message types. Every frame is a JSON object carrying a "type"
// discriminator; inbound frames are decoded once at the boundary into the
// typed structs below and validated before any business logic sees them.

// MessageType represents the type of a WebSocket message
type MessageType string

const (
	// Client -> server message types
	MessageTypeAuth         MessageType = "auth"
	MessageTypeDeviceLock   MessageType = "device_lock"
	MessageTypeDeviceUnlock MessageType = "device_unlock"
	MessageTypeDeviceUpdate MessageType = "device_update"
	MessageTypeScanUpdate   MessageType = "scan_update"
	MessageTypePong         MessageType = "pong"
	// Older clients answer probes with "server_pong"; both are accepted.
	MessageTypeServerPong MessageType = "server_pong"

	// Server -> client message types
	MessageTypeSessionData       MessageType = "session_data"
	MessageTypeParticipantJoined MessageType = "participant_joined"
	MessageTypeParticipantLeft   MessageType = "participant_left"
	MessageTypeDeviceLocked      MessageType = "device_locked"
	MessageTypeDeviceUnlocked    MessageType = "device_unlocked"
	MessageTypeDeviceUpdated     MessageType = "device_updated"
	MessageTypeScanUpdated       MessageType = "scan_updated"
	MessageTypeAck               MessageType = "ack"
	MessageTypeError             MessageType = "error"
	MessageTypeServerPing        MessageType = "server_ping"
)

// ClientMessage is the base interface for all inbound WebSocket messages
type ClientMessage interface {
	GetMessageType() MessageType
	Validate() error
}

// AuthMessage authenticates a connection and joins it to a scan session.
// It must be the first frame on every connection.
type AuthMessage struct {
	Type     MessageType `json:"type"`
	UserID   string      `json:"user_id,omitempty"`
	Username string      `json:"username,omitempty"`
	ScanID   string      `json:"scan_id,omitempty"`
	Token    string      `json:"token"`
}

func (m AuthMessage) GetMessageType() MessageType { return m.Type }

func (m AuthMessage) Validate() error {
	if m.Type != MessageTypeAuth {
		return fmt.Errorf("invalid type: expected %s, got %s", MessageTypeAuth, m.Type)
	}
	if m.Token == "" {
		return fmt.Errorf("token is required")
	}
	return nil
}

// DeviceLockMessage requests an exclusive edit claim on one device
type DeviceLockMessage struct {
	Type     MessageType `json:"type"`
	DeviceID string      `json:"device_id"`
}

func (m DeviceLockMessage) GetMessageType() MessageType { return m.Type }

func (m DeviceLockMessage) Validate() error {
	if m.Type != MessageTypeDeviceLock {
		return fmt.Errorf("invalid type: expected %s, got %s", MessageTypeDeviceLock, m.Type)
	}
	if m.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	return nil
}

// DeviceUnlockMessage releases the caller's own lock on a device
type DeviceUnlockMessage struct {
	Type     MessageType `json:"type"`
	DeviceID string      `json:"device_id"`
}

func (m DeviceUnlockMessage) GetMessageType() MessageType { return m.Type }

func (m DeviceUnlockMessage) Validate() error {
	if m.Type != MessageTypeDeviceUnlock {
		return fmt.Errorf("invalid type: expected %s, got %s", MessageTypeDeviceUnlock, m.Type)
	}
	if m.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	return nil
}

// DeviceUpdateMessage applies a field-level change overlay to one device.
// Version is the client's base version for optimistic concurrency: the update
// is rejected if the device has moved past it.
type DeviceUpdateMessage struct {
	Type     MessageType                `json:"type"`
	DeviceID string                     `json:"device_id"`
	Changes  map[string]json.RawMessage `json:"changes"`
	Version  uint64                     `json:"version"`
}

func (m DeviceUpdateMessage) GetMessageType() MessageType { return m.Type }

func (m DeviceUpdateMessage) Validate() error {
	if m.Type != MessageTypeDeviceUpdate {
		return fmt.Errorf("invalid type: expected %s, got %s", MessageTypeDeviceUpdate, m.Type)
	}
	if m.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if len(m.Changes) == 0 {
		return fmt.Errorf("at least one changed field is required")
	}
	return nil
}

// ScanUpdateMessage applies a document-level metadata change (name, tags, ...)
type ScanUpdateMessage struct {
	Type    MessageType                `json:"type"`
	Changes map[string]json.RawMessage `json:"changes"`
}

func (m ScanUpdateMessage) GetMessageType() MessageType { return m.Type }

func (m ScanUpdateMessage) Validate() error {
	if m.Type != MessageTypeScanUpdate {
		return fmt.Errorf("invalid type: expected %s, got %s", MessageTypeScanUpdate, m.Type)
	}
	if len(m.Changes) == 0 {
		return fmt.Errorf("at least one changed field is required")
	}
	return nil
}

// PongMessage answers a liveness probe
type PongMessage struct {
	Type MessageType `json:"type"`
}

func (m PongMessage) GetMessageType() MessageType { return m.Type }

func (m PongMessage) Validate() error {
	if m.Type != MessageTypePong && m.Type != MessageTypeServerPong {
		return fmt.Errorf("invalid type: expected %s, got %s", MessageTypePong, m.Type)
	}
	return nil
}

// ParseClientMessage decodes an inbound frame into its typed message
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var base struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("failed to parse base message: %w", err)
	}

	switch base.Type {
	case MessageTypeAuth:
		var msg AuthMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse auth message: %w", err)
		}
		return msg, msg.Validate()

	case MessageTypeDeviceLock:
		var msg DeviceLockMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse device lock message: %w", err)
		}
		return msg, msg.Validate()

	case MessageTypeDeviceUnlock:
		var msg DeviceUnlockMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse device unlock message: %w", err)
		}
		return msg, msg.Validate()

	case MessageTypeDeviceUpdate:
		var msg DeviceUpdateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse device update message: %w", err)
		}
		return msg, msg.Validate()

	case MessageTypeScanUpdate:
		var msg ScanUpdateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse scan update message: %w", err)
		}
		return msg, msg.Validate()

	case MessageTypePong, MessageTypeServerPong:
		var msg PongMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse pong message: %w", err)
		}
		return msg, msg.Validate()

	default:
		return nil, fmt.Errorf("unsupported message type: %s", base.Type)
	}
}

// Outbound messages. These are constructed server-side only, so they carry
// constructors instead of Validate methods.

// ParticipantInfo describes one joined user in a session snapshot
type ParticipantInfo struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joined_at"`
}

// LockInfo describes one held device lock in a session snapshot
type LockInfo struct {
	DeviceID   string    `json:"device_id"`
	Username   string    `json:"username"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// SessionDataMessage is the full state snapshot sent to a joining connection
type SessionDataMessage struct {
	Type    MessageType       `json:"type"`
	Users   []ParticipantInfo `json:"users"`
	Locks   []LockInfo        `json:"locks"`
	Version uint64            `json:"version"`
}

// ParticipantJoinedMessage notifies other participants of a new joiner
type ParticipantJoinedMessage struct {
	Type      MessageType `json:"type"`
	UserID    string      `json:"user_id"`
	Username  string      `json:"username"`
	Timestamp time.Time   `json:"timestamp"`
}

// ParticipantLeftMessage notifies other participants of a departure
type ParticipantLeftMessage struct {
	Type      MessageType `json:"type"`
	UserID    string      `json:"user_id"`
	Username  string      `json:"username"`
	Timestamp time.Time   `json:"timestamp"`
}

// DeviceLockedMessage notifies other participants of a new device lock
type DeviceLockedMessage struct {
	Type      MessageType `json:"type"`
	DeviceID  string      `json:"device_id"`
	Username  string      `json:"username"`
	Timestamp time.Time   `json:"timestamp"`
}

// DeviceUnlockedMessage notifies other participants of a released lock
type DeviceUnlockedMessage struct {
	Type      MessageType `json:"type"`
	DeviceID  string      `json:"device_id"`
	Timestamp time.Time   `json:"timestamp"`
}

// DeviceUpdatedMessage carries an accepted device change to other participants
type DeviceUpdatedMessage struct {
	Type     MessageType                `json:"type"`
	DeviceID string                     `json:"device_id"`
	Changes  map[string]json.RawMessage `json:"changes"`
	Username string                     `json:"username"`
	Version  uint64                     `json:"version"`
}

// ScanUpdatedMessage carries an accepted document-level change to other participants
type ScanUpdatedMessage struct {
	Type     MessageType                `json:"type"`
	Changes  map[string]json.RawMessage `json:"changes"`
	Username string                     `json:"username"`
	Version  uint64                     `json:"version"`
}

// AckMessage confirms an accepted operation to its originator. The originator
// never sees its own change echoed back through the broadcast path.
type AckMessage struct {
	Type     MessageType `json:"type"`
	Action   MessageType `json:"action"`
	DeviceID string      `json:"device_id,omitempty"`
	Version  uint64      `json:"version,omitempty"`
}

// ErrorMessage reports an operation failure to its originator only. Code is
// machine-readable so clients can decide whether to retry.
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

// ServerPingMessage is an application-level liveness probe
type ServerPingMessage struct {
	Type MessageType `json:"type"`
}

// NewAckMessage builds an operation acknowledgment
func NewAckMessage(action MessageType, deviceID string, version uint64) AckMessage {
	return AckMessage{Type: MessageTypeAck, Action: action, DeviceID: deviceID, Version: version}
}

// NewErrorMessage builds an error response
func NewErrorMessage(code, message string) ErrorMessage {
	return ErrorMessage{Type: MessageTypeError, Code: code, Message: message}
}

// NewServerPingMessage builds a liveness probe frame
func NewServerPingMessage() ServerPingMessage {
	return ServerPingMessage{Type: MessageTypeServerPing}
}
