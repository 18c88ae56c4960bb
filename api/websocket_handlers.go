package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/scanopy/scanopy/internal/slogging"
)

// MessageHandler processes one inbound WebSocket message type. Handlers run
// on the connection's read goroutine, so they must not block on the network.
type MessageHandler interface {
	MessageType() MessageType
	HandleMessage(client *WebSocketClient, data []byte) error
}

func defaultMessageHandlers() map[MessageType]MessageHandler {
	handlers := map[MessageType]MessageHandler{}
	for _, h := range []MessageHandler{
		DeviceLockHandler{},
		DeviceUnlockHandler{},
		DeviceUpdateHandler{},
		ScanUpdateHandler{},
		PongHandler{},
		PongHandler{legacy: true},
		RejectedAuthHandler{},
	} {
		handlers[h.MessageType()] = h
	}
	return handlers
}

// recoverHandler converts a handler panic into an error response so one bad
// frame cannot take the whole connection's read loop down with it.
func recoverHandler(client *WebSocketClient, err *error) {
	if r := recover(); r != nil {
		slogging.Get().Error("Panic in message handler - Connection: %s, Panic: %v", client.ConnectionID, r)
		client.sendMessage(NewErrorMessage("internal_error", "internal server error"))
		*err = fmt.Errorf("handler panic: %v", r)
	}
}

// sendOperationError maps a session operation failure onto a wire error frame
// addressed to the originator only.
func sendOperationError(client *WebSocketClient, err error) {
	var lockDenied *LockDeniedError
	var versionConflict *VersionConflictError
	switch {
	case errors.As(err, &lockDenied):
		lockConflictsTotal.Inc()
		client.sendMessage(NewErrorMessage("lock_denied",
			fmt.Sprintf("device %s is locked by %s", lockDenied.DeviceID, lockDenied.HeldBy)))
	case errors.As(err, &versionConflict):
		versionConflictsTotal.Inc()
		client.sendMessage(NewErrorMessage("version_conflict",
			fmt.Sprintf("device %s is at version %d", versionConflict.DeviceID, versionConflict.CurrentVersion)))
	case errors.Is(err, ErrNotLockOwner):
		client.sendMessage(NewErrorMessage("not_lock_owner", "lock is not held by this connection"))
	case errors.Is(err, ErrUnknownConnection):
		client.sendMessage(NewErrorMessage("not_joined", "connection is not a session participant"))
	default:
		client.sendMessage(NewErrorMessage("operation_failed", err.Error()))
	}
}

// DeviceLockHandler processes device_lock messages
type DeviceLockHandler struct{}

// MessageType returns the message type this handler processes
func (DeviceLockHandler) MessageType() MessageType { return MessageTypeDeviceLock }

// HandleMessage acquires an exclusive edit claim on a device
func (DeviceLockHandler) HandleMessage(client *WebSocketClient, data []byte) (err error) {
	defer recoverHandler(client, &err)

	var msg DeviceLockMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		client.sendMessage(NewErrorMessage("invalid_message", "malformed device_lock message"))
		return err
	}
	if err := msg.Validate(); err != nil {
		client.sendMessage(NewErrorMessage("invalid_message", err.Error()))
		return err
	}

	if err := client.Session.AcquireLock(client.ConnectionID, msg.DeviceID); err != nil {
		sendOperationError(client, err)
		return nil
	}

	client.sendMessage(NewAckMessage(MessageTypeDeviceLock, msg.DeviceID, 0))
	return nil
}

// DeviceUnlockHandler processes device_unlock messages
type DeviceUnlockHandler struct{}

// MessageType returns the message type this handler processes
func (DeviceUnlockHandler) MessageType() MessageType { return MessageTypeDeviceUnlock }

// HandleMessage releases the caller's own lock on a device
func (DeviceUnlockHandler) HandleMessage(client *WebSocketClient, data []byte) (err error) {
	defer recoverHandler(client, &err)

	var msg DeviceUnlockMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		client.sendMessage(NewErrorMessage("invalid_message", "malformed device_unlock message"))
		return err
	}
	if err := msg.Validate(); err != nil {
		client.sendMessage(NewErrorMessage("invalid_message", err.Error()))
		return err
	}

	if err := client.Session.ReleaseLock(client.ConnectionID, msg.DeviceID); err != nil {
		sendOperationError(client, err)
		return nil
	}

	client.sendMessage(NewAckMessage(MessageTypeDeviceUnlock, msg.DeviceID, 0))
	return nil
}

// DeviceUpdateHandler processes device_update messages
type DeviceUpdateHandler struct{}

// MessageType returns the message type this handler processes
func (DeviceUpdateHandler) MessageType() MessageType { return MessageTypeDeviceUpdate }

// HandleMessage applies a field-level device change with optimistic version
// checking. The accepted change is broadcast to everyone else; the originator
// gets an ack carrying the new version instead of an echo.
func (DeviceUpdateHandler) HandleMessage(client *WebSocketClient, data []byte) (err error) {
	defer recoverHandler(client, &err)

	var msg DeviceUpdateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		client.sendMessage(NewErrorMessage("invalid_message", "malformed device_update message"))
		return err
	}
	if err := msg.Validate(); err != nil {
		client.sendMessage(NewErrorMessage("invalid_message", err.Error()))
		return err
	}

	version, err := client.Session.UpdateDevice(client.ConnectionID, msg.DeviceID, msg.Changes, msg.Version)
	if err != nil {
		sendOperationError(client, err)
		return nil
	}

	client.sendMessage(NewAckMessage(MessageTypeDeviceUpdate, msg.DeviceID, version))
	return nil
}

// ScanUpdateHandler processes scan_update messages
type ScanUpdateHandler struct{}

// MessageType returns the message type this handler processes
func (ScanUpdateHandler) MessageType() MessageType { return MessageTypeScanUpdate }

// HandleMessage applies a document-level metadata change. Document-level
// changes carry no base version and always advance the session version.
func (ScanUpdateHandler) HandleMessage(client *WebSocketClient, data []byte) (err error) {
	defer recoverHandler(client, &err)

	var msg ScanUpdateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		client.sendMessage(NewErrorMessage("invalid_message", "malformed scan_update message"))
		return err
	}
	if err := msg.Validate(); err != nil {
		client.sendMessage(NewErrorMessage("invalid_message", err.Error()))
		return err
	}

	version, err := client.Session.UpdateScan(client.ConnectionID, msg.Changes)
	if err != nil {
		sendOperationError(client, err)
		return nil
	}

	client.sendMessage(NewAckMessage(MessageTypeScanUpdate, "", version))
	return nil
}

// PongHandler processes pong answers to liveness probes. The read loop
// already refreshed the liveness clock when the frame arrived; the handler
// only exists so pongs are not rejected as unsupported.
type PongHandler struct {
	legacy bool
}

// MessageType returns the message type this handler processes
func (h PongHandler) MessageType() MessageType {
	if h.legacy {
		return MessageTypeServerPong
	}
	return MessageTypePong
}

// HandleMessage acknowledges a liveness probe answer
func (PongHandler) HandleMessage(client *WebSocketClient, data []byte) error {
	return nil
}

// RejectedAuthHandler rejects auth frames sent after authentication. Repeating
// auth mid-session is a protocol error, not a re-authentication mechanism.
type RejectedAuthHandler struct{}

// MessageType returns the message type this handler processes
func (RejectedAuthHandler) MessageType() MessageType { return MessageTypeAuth }

// HandleMessage rejects a duplicate auth frame
func (RejectedAuthHandler) HandleMessage(client *WebSocketClient, data []byte) error {
	client.sendMessage(NewErrorMessage("already_authenticated", "connection is already authenticated"))
	return nil
}
