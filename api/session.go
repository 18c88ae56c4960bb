package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scanopy/scanopy/internal/slogging"
)

// Typed operation failures. These are reported to the requesting connection
// only; other participants never observe someone else's rejected operation.

// LockDeniedError is returned when a device is already locked by another
// participant, either on a lock request or on an update against it.
type LockDeniedError struct {
	DeviceID string
	HeldBy   string
}

func (e *LockDeniedError) Error() string {
	return fmt.Sprintf("device %s is locked by %s", e.DeviceID, e.HeldBy)
}

// VersionConflictError is returned when an update claims a stale base version
type VersionConflictError struct {
	DeviceID       string
	CurrentVersion uint64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("stale version for device %s: current version is %d", e.DeviceID, e.CurrentVersion)
}

var (
	// ErrNotLockOwner is returned when a connection tries to release a lock
	// it does not hold.
	ErrNotLockOwner = errors.New("lock is not held by this connection")
	// ErrUnknownConnection is returned for operations from a connection that
	// never joined or already left.
	ErrUnknownConnection = errors.New("connection is not a session participant")
	// errSessionClosed signals the registry race where a session was swept
	// between lookup and join; callers retry against a fresh session.
	errSessionClosed = errors.New("session is closed")
)

// Participant is one authenticated user currently joined to a session
type Participant struct {
	UserID       string
	Username     string
	ConnectionID string
	JoinedAt     time.Time
	LastSeenAt   time.Time

	// deliver enqueues a serialized frame for this participant's connection.
	// It must never block; a false return means the outbound queue is full.
	deliver func(data []byte) bool
}

// DeviceLock is an exclusive, session-scoped edit claim on one device
type DeviceLock struct {
	DeviceID          string
	OwnerConnectionID string
	OwnerUsername     string
	AcquiredAt        time.Time
}

// ChangeEvent records one accepted mutation for the persistence collaborator
type ChangeEvent struct {
	Type               MessageType
	ScanID             string
	DeviceID           string
	Changes            map[string]json.RawMessage
	SourceConnectionID string
	ResultingVersion   uint64
	Timestamp          time.Time
}

// ChangeSink receives accepted device/scan changes for eventual persistence.
// Implementations must not block; persistence failure never rolls back
// in-memory session state.
type ChangeSink interface {
	SaveChange(event ChangeEvent)
}

// ScanSession owns the authoritative in-memory collaboration state for one
// scan document: participants, device locks, the monotonic document version,
// and per-device field versions. All mutation runs under one mutex, so
// operations on a session are totally ordered; different sessions are fully
// independent. Outbound fan-out happens inside the mutation point as a
// non-blocking enqueue per connection, which preserves the operation order on
// every receiver without ever waiting on network I/O.
type ScanSession struct {
	ID     string
	ScanID string

	mu            sync.Mutex
	closed        bool
	participants  map[string]*Participant // keyed by connection id
	locks         map[string]*DeviceLock  // keyed by device id
	version       uint64                  // monotonic document version
	fieldVersions map[string]uint64       // device id -> last applied version
	// overlays holds the authoritative per-device field state as a plain
	// key -> value overlay, merged last-writer-wins per accepted update.
	overlays     map[string]map[string]json.RawMessage
	scanMeta     map[string]json.RawMessage
	createdAt    time.Time
	lastActivity time.Time

	sink ChangeSink // may be nil
}

// NewScanSession creates an empty session for a scan id. sink may be nil.
func NewScanSession(scanID string, sink ChangeSink) *ScanSession {
	now := time.Now().UTC()
	return &ScanSession{
		ID:            uuid.New().String(),
		ScanID:        scanID,
		participants:  make(map[string]*Participant),
		locks:         make(map[string]*DeviceLock),
		fieldVersions: make(map[string]uint64),
		overlays:      make(map[string]map[string]json.RawMessage),
		scanMeta:      make(map[string]json.RawMessage),
		createdAt:     now,
		lastActivity:  now,
		sink:          sink,
	}
}

// Seed initializes the session's version counters and device state from a
// persisted document. Called once by the registry before the first join.
func (s *ScanSession) Seed(doc *ScanDocument) {
	if doc == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = doc.Version
	for deviceID, fields := range doc.Devices {
		overlay := make(map[string]json.RawMessage, len(fields))
		for k, v := range fields {
			overlay[k] = v
		}
		s.overlays[deviceID] = overlay
		s.fieldVersions[deviceID] = doc.Version
	}
	for k, v := range doc.Meta {
		s.scanMeta[k] = v
	}
}

// Join adds a participant, delivers the full state snapshot to the joining
// connection, and notifies the others via a participant_joined event. The
// snapshot is enqueued under the mutation point, so it is always the first
// frame the joiner receives and every later event reflects state at or after
// it.
func (s *ScanSession) Join(userID, username, connectionID string, deliver func([]byte) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errSessionClosed
	}

	now := time.Now().UTC()
	s.participants[connectionID] = &Participant{
		UserID:       userID,
		Username:     username,
		ConnectionID: connectionID,
		JoinedAt:     now,
		LastSeenAt:   now,
		deliver:      deliver,
	}
	s.lastActivity = now

	if data, err := json.Marshal(s.snapshotLocked()); err == nil {
		deliver(data)
	} else {
		slogging.Get().Error("Failed to marshal session snapshot - Session: %s, Error: %v", s.ID, err)
	}

	s.emit(connectionID, ParticipantJoinedMessage{
		Type:      MessageTypeParticipantJoined,
		UserID:    userID,
		Username:  username,
		Timestamp: now,
	})

	return nil
}

// snapshotLocked builds the session_data message. Caller holds s.mu.
func (s *ScanSession) snapshotLocked() *SessionDataMessage {
	users := make([]ParticipantInfo, 0, len(s.participants))
	for _, p := range s.participants {
		users = append(users, ParticipantInfo{
			UserID:   p.UserID,
			Username: p.Username,
			JoinedAt: p.JoinedAt,
		})
	}
	locks := make([]LockInfo, 0, len(s.locks))
	for _, l := range s.locks {
		locks = append(locks, LockInfo{
			DeviceID:   l.DeviceID,
			Username:   l.OwnerUsername,
			AcquiredAt: l.AcquiredAt,
		})
	}
	return &SessionDataMessage{
		Type:    MessageTypeSessionData,
		Users:   users,
		Locks:   locks,
		Version: s.version,
	}
}

// Leave removes a participant, releases every lock it owned (broadcasting a
// device_unlocked event for each), and notifies the others. It is idempotent:
// leaving twice is a no-op. Returns true when the session is now empty.
func (s *ScanSession) Leave(connectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaveLocked(connectionID)
}

// LeaveAndMaybeClose is Leave plus an atomic close when the session empties,
// so the registry can deregister it without a new joiner racing in between.
func (s *ScanSession) LeaveAndMaybeClose(connectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	empty := s.leaveLocked(connectionID)
	if empty {
		s.closed = true
	}
	return empty
}

func (s *ScanSession) leaveLocked(connectionID string) bool {
	p, ok := s.participants[connectionID]
	if !ok {
		return len(s.participants) == 0
	}

	now := time.Now().UTC()

	// Release every lock the departing connection held
	for deviceID, lock := range s.locks {
		if lock.OwnerConnectionID != connectionID {
			continue
		}
		delete(s.locks, deviceID)
		s.emit(connectionID, DeviceUnlockedMessage{
			Type:      MessageTypeDeviceUnlocked,
			DeviceID:  deviceID,
			Timestamp: now,
		})
	}

	delete(s.participants, connectionID)
	s.lastActivity = now

	s.emit(connectionID, ParticipantLeftMessage{
		Type:      MessageTypeParticipantLeft,
		UserID:    p.UserID,
		Username:  p.Username,
		Timestamp: now,
	})

	return len(s.participants) == 0
}

// AcquireLock claims exclusive editing of a device. Fails with
// LockDeniedError when another connection holds the lock; re-locking a device
// the caller already holds succeeds without a new broadcast.
func (s *ScanSession) AcquireLock(connectionID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[connectionID]
	if !ok {
		return ErrUnknownConnection
	}

	if existing, held := s.locks[deviceID]; held {
		if existing.OwnerConnectionID == connectionID {
			return nil
		}
		return &LockDeniedError{DeviceID: deviceID, HeldBy: existing.OwnerUsername}
	}

	now := time.Now().UTC()
	s.locks[deviceID] = &DeviceLock{
		DeviceID:          deviceID,
		OwnerConnectionID: connectionID,
		OwnerUsername:     p.Username,
		AcquiredAt:        now,
	}
	s.lastActivity = now

	s.emit(connectionID, DeviceLockedMessage{
		Type:      MessageTypeDeviceLocked,
		DeviceID:  deviceID,
		Username:  p.Username,
		Timestamp: now,
	})
	return nil
}

// ReleaseLock releases the caller's own lock. A lock may only ever be
// released by its owner or by teardown of the owning connection, never by
// another active participant.
func (s *ScanSession) ReleaseLock(connectionID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participants[connectionID]; !ok {
		return ErrUnknownConnection
	}

	lock, held := s.locks[deviceID]
	if !held || lock.OwnerConnectionID != connectionID {
		return ErrNotLockOwner
	}

	now := time.Now().UTC()
	delete(s.locks, deviceID)
	s.lastActivity = now

	s.emit(connectionID, DeviceUnlockedMessage{
		Type:      MessageTypeDeviceUnlocked,
		DeviceID:  deviceID,
		Timestamp: now,
	})
	return nil
}

// UpdateDevice applies a field-level change overlay to one device.
//
// Two independent guards apply: a device locked by another connection rejects
// the update outright with LockDeniedError, and a stale base version rejects
// it with VersionConflictError even when no lock is involved. Locks are the
// contention-avoidance signal; versioning is the correctness backstop. On
// acceptance the document version advances, the device's field version is set
// to it, the overlay is merged last-writer-wins per field, and everyone else
// receives a device_updated event. The new version is returned for the
// originator's ack.
func (s *ScanSession) UpdateDevice(connectionID, deviceID string, changes map[string]json.RawMessage, baseVersion uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[connectionID]
	if !ok {
		return 0, ErrUnknownConnection
	}

	if lock, held := s.locks[deviceID]; held && lock.OwnerConnectionID != connectionID {
		return 0, &LockDeniedError{DeviceID: deviceID, HeldBy: lock.OwnerUsername}
	}

	if current := s.fieldVersions[deviceID]; baseVersion != current {
		return 0, &VersionConflictError{DeviceID: deviceID, CurrentVersion: current}
	}

	now := time.Now().UTC()
	s.version++
	s.fieldVersions[deviceID] = s.version

	overlay, ok := s.overlays[deviceID]
	if !ok {
		overlay = make(map[string]json.RawMessage, len(changes))
		s.overlays[deviceID] = overlay
	}
	for field, value := range changes {
		overlay[field] = value
	}
	s.lastActivity = now

	s.emit(connectionID, DeviceUpdatedMessage{
		Type:     MessageTypeDeviceUpdated,
		DeviceID: deviceID,
		Changes:  changes,
		Username: p.Username,
		Version:  s.version,
	})
	s.notifySink(ChangeEvent{
		Type:               MessageTypeDeviceUpdated,
		ScanID:             s.ScanID,
		DeviceID:           deviceID,
		Changes:            changes,
		SourceConnectionID: connectionID,
		ResultingVersion:   s.version,
		Timestamp:          now,
	})

	return s.version, nil
}

// UpdateScan applies a document-level metadata change. It follows the same
// versioning discipline as device updates but is keyed at document scope.
func (s *ScanSession) UpdateScan(connectionID string, changes map[string]json.RawMessage) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[connectionID]
	if !ok {
		return 0, ErrUnknownConnection
	}

	now := time.Now().UTC()
	s.version++
	for field, value := range changes {
		s.scanMeta[field] = value
	}
	s.lastActivity = now

	s.emit(connectionID, ScanUpdatedMessage{
		Type:     MessageTypeScanUpdated,
		Changes:  changes,
		Username: p.Username,
		Version:  s.version,
	})
	s.notifySink(ChangeEvent{
		Type:               MessageTypeScanUpdated,
		ScanID:             s.ScanID,
		Changes:            changes,
		SourceConnectionID: connectionID,
		ResultingVersion:   s.version,
		Timestamp:          now,
	})

	return s.version, nil
}

// Touch refreshes a participant's liveness timestamp
func (s *ScanSession) Touch(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.participants[connectionID]; ok {
		p.LastSeenAt = time.Now().UTC()
	}
}

// CloseIfEmpty atomically closes the session when it has no participants,
// so the registry sweeper can deregister it without racing a joiner.
func (s *ScanSession) CloseIfEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.participants) > 0 {
		return false
	}
	s.closed = true
	return true
}

// IsEmpty reports whether the session has no participants
func (s *ScanSession) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants) == 0
}

// ParticipantCount returns the number of joined participants
func (s *ScanSession) ParticipantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants)
}

// Version returns the current document version
func (s *ScanSession) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// LockOwner returns the username holding a device lock, if any
func (s *ScanSession) LockOwner(deviceID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, held := s.locks[deviceID]
	if !held {
		return "", false
	}
	return lock.OwnerUsername, true
}

// LastActivity returns the time of the most recent accepted operation
func (s *ScanSession) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// emit serializes an event and enqueues it to every participant except the
// source connection; the originator receives a direct ack from its handler
// instead. Delivery is a non-blocking enqueue per connection: a full queue is
// logged and left to the liveness monitor, and never fails the operation or
// delivery to the others. Caller holds s.mu, which makes the enqueue order
// identical to the operation order for every receiver.
func (s *ScanSession) emit(sourceConnectionID string, message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		slogging.Get().Error("Failed to marshal broadcast event - Session: %s, Error: %v", s.ID, err)
		return
	}

	for connID, p := range s.participants {
		if connID == sourceConnectionID {
			continue
		}
		if p.deliver == nil {
			continue
		}
		if !p.deliver(data) {
			slogging.Get().Warn("Outbound queue full, deferring to liveness check - Session: %s, Connection: %s", s.ID, connID)
		}
	}
	broadcastsTotal.Inc()
}

func (s *ScanSession) notifySink(event ChangeEvent) {
	if s.sink == nil {
		return
	}
	s.sink.SaveChange(event)
}
