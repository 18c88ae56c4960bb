package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/scanopy/scanopy/auth"
	"github.com/scanopy/scanopy/internal/slogging"
)

// Close codes. Auth failures use the standard policy-violation code so
// clients know to re-authenticate; liveness evictions use a private-range
// code so clients know the link died and a plain reconnect is enough.
const (
	CloseLivenessTimeout = 4002
)

// Identity is the verified result of token validation
type Identity struct {
	UserID    string
	Username  string
	ExpiresAt time.Time
}

// TokenValidator verifies a bearer credential for a joining connection
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (Identity, error)
}

// ServiceTokenValidator adapts auth.Service to the TokenValidator interface
type ServiceTokenValidator struct {
	Service *auth.Service
}

// ValidateToken verifies a token via the auth service
func (v ServiceTokenValidator) ValidateToken(ctx context.Context, token string) (Identity, error) {
	claims, err := v.Service.ValidateToken(ctx, token)
	if err != nil {
		return Identity{}, err
	}
	identity := Identity{
		UserID:   claims.Subject,
		Username: claims.Name,
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	if identity.Username == "" {
		identity.Username = identity.UserID
	}
	return identity, nil
}

// WebSocketOptions holds transport and liveness tuning for the hub
type WebSocketOptions struct {
	// AuthGracePeriod bounds how long a connection may stay unauthenticated
	AuthGracePeriod time.Duration
	// HeartbeatInterval is how often idle connections are probed
	HeartbeatInterval time.Duration
	// ProbeTimeout is how long a probed connection has to answer
	ProbeTimeout time.Duration
	// SessionIdleTimeout is how long an empty session survives the sweeper
	SessionIdleTimeout time.Duration
	// ReadLimit is the maximum inbound frame size in bytes
	ReadLimit int64
	// SendBufferSize is the per-connection outbound queue depth
	SendBufferSize int
}

// DefaultWebSocketOptions returns production defaults
func DefaultWebSocketOptions() WebSocketOptions {
	return WebSocketOptions{
		AuthGracePeriod:    10 * time.Second,
		HeartbeatInterval:  15 * time.Second,
		ProbeTimeout:       10 * time.Second,
		SessionIdleTimeout: 15 * time.Minute,
		ReadLimit:          64 * 1024,
		SendBufferSize:     256,
	}
}

// WebSocketHub is the session registry: the single source of truth mapping a
// scan id to its live collaboration session, plus the set of authenticated
// connections for liveness monitoring. It is purely in-memory and
// process-local; clustered deployments need sticky routing by scan id.
type WebSocketHub struct {
	validator TokenValidator
	store     ScanStore  // may be nil; sessions then start empty
	sink      ChangeSink // may be nil; changes then stay in memory only
	options   WebSocketOptions
	wsLogging slogging.WebSocketLoggingConfig
	handlers  map[MessageType]MessageHandler

	mu       sync.RWMutex
	sessions map[string]*ScanSession
	clients  map[*WebSocketClient]bool
}

// WebSocketClient is one physical connection's protocol adapter. It holds
// only a weak reference (its connection id) into the session it joined.
type WebSocketClient struct {
	Hub     *WebSocketHub
	Session *ScanSession
	Conn    *websocket.Conn

	ConnectionID string
	UserID       string
	Username     string
	ScanID       string

	// Buffered channel of serialized outbound frames
	Send chan []byte

	done        chan struct{}
	closeOnce   sync.Once
	closeCode   int
	closeReason string

	lastSeen   atomic.Int64 // unix nanos of last inbound traffic
	probeSent  atomic.Bool
	sendFailed atomic.Bool
}

// Upgrader upgrades HTTP connections to WebSocket
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The endpoint authenticates in-band via the auth message, not cookies,
	// so cross-origin upgrades carry no ambient credentials.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewWebSocketHub creates a hub. store and sink may be nil.
func NewWebSocketHub(validator TokenValidator, store ScanStore, sink ChangeSink, options WebSocketOptions, wsLogging slogging.WebSocketLoggingConfig) *WebSocketHub {
	hub := &WebSocketHub{
		validator: validator,
		store:     store,
		sink:      sink,
		options:   options,
		wsLogging: wsLogging,
		sessions:  make(map[string]*ScanSession),
		clients:   make(map[*WebSocketClient]bool),
	}
	hub.handlers = defaultMessageHandlers()
	return hub
}

// GetSession returns the live session for a scan id, or nil
func (h *WebSocketHub) GetSession(scanID string) *ScanSession {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[scanID]
}

// SessionCount returns the number of live sessions
func (h *WebSocketHub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// getOrCreateSession returns the live session for a scan id, creating and
// seeding a fresh one when none exists. Exactly one session instance ever
// exists per scan id at a time: creation is serialized on the registry lock,
// and a session marked closed is never returned.
func (h *WebSocketHub) getOrCreateSession(scanID string) *ScanSession {
	h.mu.RLock()
	session := h.sessions[scanID]
	h.mu.RUnlock()
	if session != nil {
		return session
	}

	// Load outside the registry lock; the mutation point must never wait on
	// the database. If two creators race, one wins the map entry below.
	doc := h.loadDocument(scanID)

	h.mu.Lock()
	defer h.mu.Unlock()
	if session = h.sessions[scanID]; session != nil {
		return session
	}
	session = NewScanSession(scanID, h.sink)
	session.Seed(doc)
	h.sessions[scanID] = session
	activeSessions.Set(float64(len(h.sessions)))
	slogging.Get().Info("Created collaboration session - Session: %s, Scan: %s", session.ID, scanID)
	return session
}

// loadDocument fetches the persisted document for session seeding, or nil
func (h *WebSocketHub) loadDocument(scanID string) *ScanDocument {
	if h.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	doc, err := h.store.Load(ctx, scanID)
	if errors.Is(err, ErrScanNotFound) {
		return nil
	}
	if err != nil {
		slogging.Get().Error("Failed to load scan document, starting empty - Scan: %s, Error: %v", scanID, err)
		return nil
	}
	return doc
}

// joinSession attaches an authenticated client to its scan's session. The
// retry loop covers the narrow race where the session empties and closes
// between lookup and join; the next iteration creates a fresh one.
func (h *WebSocketHub) joinSession(client *WebSocketClient) *ScanSession {
	for {
		session := h.getOrCreateSession(client.ScanID)
		err := session.Join(client.UserID, client.Username, client.ConnectionID, client.enqueue)
		if errors.Is(err, errSessionClosed) {
			continue
		}

		h.mu.Lock()
		h.clients[client] = true
		connectedClients.Set(float64(len(h.clients)))
		h.mu.Unlock()
		return session
	}
}

// leaveClient detaches a client from its session, releasing its locks and
// deregistering the session when it empties. Idempotent: a client that never
// joined, or already left, is a no-op.
func (h *WebSocketHub) leaveClient(client *WebSocketClient) {
	session := client.Session
	if session == nil {
		return
	}

	h.mu.Lock()
	if h.clients[client] {
		delete(h.clients, client)
		connectedClients.Set(float64(len(h.clients)))
	}
	empty := session.LeaveAndMaybeClose(client.ConnectionID)
	if empty && h.sessions[client.ScanID] == session {
		delete(h.sessions, client.ScanID)
		activeSessions.Set(float64(len(h.sessions)))
		slogging.Get().Info("Removed empty collaboration session - Session: %s, Scan: %s", session.ID, client.ScanID)
	}
	h.mu.Unlock()
}

// StartCleanupTimer sweeps sessions on a fixed interval. Leave already
// deregisters empty sessions; the sweeper is a safety net against leaks.
func (h *WebSocketHub) StartCleanupTimer(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.cleanupIdleSessions()
		case <-ctx.Done():
			return
		}
	}
}

func (h *WebSocketHub) cleanupIdleSessions() {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().Add(-h.options.SessionIdleTimeout)
	for scanID, session := range h.sessions {
		if session.LastActivity().After(cutoff) && !session.IsEmpty() {
			continue
		}
		if session.CloseIfEmpty() {
			delete(h.sessions, scanID)
			slogging.Get().Info("Swept idle collaboration session - Session: %s, Scan: %s", session.ID, scanID)
		}
	}
	activeSessions.Set(float64(len(h.sessions)))
}

// StartLivenessMonitor drives the per-connection heartbeat state machine:
// a connection idle past the heartbeat interval is probed with server_ping;
// a probed connection that stays silent past the probe timeout is evicted
// exactly as if its transport had closed abruptly. Without this, a half-dead
// NAT'd peer could hold a device lock forever.
func (h *WebSocketHub) StartLivenessMonitor(ctx context.Context) {
	ticker := time.NewTicker(h.options.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.checkLiveness()
		case <-ctx.Done():
			return
		}
	}
}

func (h *WebSocketHub) checkLiveness() {
	h.mu.RLock()
	clients := make([]*WebSocketClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	now := time.Now()
	pingFrame, _ := json.Marshal(NewServerPingMessage())

	for _, client := range clients {
		idle := now.Sub(client.lastSeenTime())
		switch {
		case client.sendFailed.Load():
			client.evict("send queue stalled")
		case client.probeSent.Load() && idle > h.options.HeartbeatInterval+h.options.ProbeTimeout:
			client.evict("liveness probe unanswered")
		case idle > h.options.HeartbeatInterval:
			client.probeSent.Store(true)
			client.enqueue(pingFrame)
		}
	}
}

// HandleWS upgrades a connection and runs the collaboration protocol on it.
// Route parameter: scan_id.
func (h *WebSocketHub) HandleWS(c *gin.Context) {
	scanID := c.Param("scan_id")
	if scanID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scan_id is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slogging.Get().Error("Failed to upgrade connection - Scan: %s, Error: %v", scanID, err)
		return
	}

	client := &WebSocketClient{
		Hub:          h,
		Conn:         conn,
		ConnectionID: uuid.New().String(),
		ScanID:       scanID,
		Send:         make(chan []byte, h.options.SendBufferSize),
		done:         make(chan struct{}),
	}
	client.lastSeen.Store(time.Now().UnixNano())

	go client.writePump()
	go client.readPump()
}

// readPump reads and dispatches inbound frames. The first frame must be an
// auth message; everything else before authentication closes the connection
// with a policy-violation code.
func (c *WebSocketClient) readPump() {
	logger := slogging.Get()
	defer func() {
		c.Hub.leaveClient(c)
		c.close(websocket.CloseNormalClosure, "")
		slogging.LogWebSocketConnection("disconnected", c.ScanID, c.ConnectionID, c.UserID, c.Hub.wsLogging)
	}()

	c.Conn.SetReadLimit(c.Hub.options.ReadLimit)
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.Hub.options.AuthGracePeriod)); err != nil {
		return
	}

	if !c.authenticate() {
		return
	}

	c.Session = c.Hub.joinSession(c)
	slogging.LogWebSocketConnection("joined", c.ScanID, c.ConnectionID, c.UserID, c.Hub.wsLogging)

	c.refreshReadDeadline()
	c.Conn.SetPongHandler(func(string) error {
		c.refreshLiveness()
		c.refreshReadDeadline()
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket read error - Connection: %s, Error: %v", c.ConnectionID, err)
			}
			return
		}

		c.refreshLiveness()
		c.refreshReadDeadline()
		c.Session.Touch(c.ConnectionID)

		c.dispatch(data)
	}
}

// authenticate consumes the auth frame and verifies the credential. Returns
// false when the connection must be torn down.
func (c *WebSocketClient) authenticate() bool {
	logger := slogging.Get()

	_, data, err := c.Conn.ReadMessage()
	if err != nil {
		// Grace period expired or transport failed before auth
		authFailuresTotal.Inc()
		c.close(websocket.ClosePolicyViolation, "authentication timeout")
		return false
	}

	msg, err := ParseClientMessage(data)
	if err != nil {
		authFailuresTotal.Inc()
		c.sendMessage(NewErrorMessage("invalid_message", err.Error()))
		c.close(websocket.ClosePolicyViolation, "authentication required")
		return false
	}

	authMsg, ok := msg.(AuthMessage)
	if !ok {
		authFailuresTotal.Inc()
		c.sendMessage(NewErrorMessage("unauthenticated", "first message must be auth"))
		c.close(websocket.ClosePolicyViolation, "authentication required")
		return false
	}

	if authMsg.ScanID != "" && authMsg.ScanID != c.ScanID {
		authFailuresTotal.Inc()
		c.sendMessage(NewErrorMessage("scan_mismatch", "auth scan_id does not match connection"))
		c.close(websocket.ClosePolicyViolation, "scan mismatch")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	identity, err := c.Hub.validator.ValidateToken(ctx, authMsg.Token)
	if err != nil {
		authFailuresTotal.Inc()
		logger.Info("Rejected connection - Scan: %s, Error: %v", c.ScanID, err)
		c.sendMessage(NewErrorMessage("auth_failed", "invalid or expired token"))
		c.close(websocket.ClosePolicyViolation, "authentication failed")
		return false
	}

	// The verified identity wins over whatever the client claimed
	c.UserID = identity.UserID
	c.Username = identity.Username
	c.refreshLiveness()
	return true
}

// dispatch routes one authenticated inbound frame to its message handler
func (c *WebSocketClient) dispatch(data []byte) {
	var base struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		c.sendMessage(NewErrorMessage("invalid_message", "malformed JSON frame"))
		return
	}

	slogging.LogWebSocketMessage(slogging.WSMessageInbound, c.ScanID, c.ConnectionID, string(base.Type), data, c.Hub.wsLogging)

	handler, ok := c.Hub.handlers[base.Type]
	if !ok {
		c.sendMessage(NewErrorMessage("unsupported_type", fmt.Sprintf("unsupported message type: %s", base.Type)))
		return
	}

	// Only known types feed the label, so clients cannot mint label values
	messagesTotal.WithLabelValues(string(base.Type)).Inc()

	if err := handler.HandleMessage(c, data); err != nil {
		slogging.Get().Debug("Handler error - Connection: %s, Type: %s, Error: %v", c.ConnectionID, base.Type, err)
	}
}

// writePump serializes all writes to the transport: queued frames from the
// fan-out path and transport-level pings. It is the only goroutine allowed
// to write to the connection.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(c.Hub.options.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.Send:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				return
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.drainAndClose()
			return
		}
	}
}

// drainAndClose flushes already-queued frames, then sends the close frame.
// Error responses enqueued just before teardown still reach the client.
func (c *WebSocketClient) drainAndClose() {
	for {
		select {
		case message := <-c.Send:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			deadline := time.Now().Add(time.Second)
			_ = c.Conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeCode, c.closeReason), deadline)
			return
		}
	}
}

// enqueue queues a serialized frame for delivery. Never blocks: a full queue
// marks the connection for liveness re-check instead of stalling the caller.
func (c *WebSocketClient) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- data:
		return true
	default:
		c.sendFailed.Store(true)
		return false
	}
}

// sendMessage marshals and queues a frame addressed to this connection only
func (c *WebSocketClient) sendMessage(message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		slogging.Get().Error("Failed to marshal outbound message - Connection: %s, Error: %v", c.ConnectionID, err)
		return
	}
	slogging.LogWebSocketMessage(slogging.WSMessageOutbound, c.ScanID, c.ConnectionID, "", data, c.Hub.wsLogging)
	c.enqueue(data)
}

// refreshLiveness records inbound traffic for the heartbeat state machine
func (c *WebSocketClient) refreshLiveness() {
	c.lastSeen.Store(time.Now().UnixNano())
	c.probeSent.Store(false)
}

func (c *WebSocketClient) lastSeenTime() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *WebSocketClient) refreshReadDeadline() {
	window := c.Hub.options.HeartbeatInterval + c.Hub.options.ProbeTimeout + 5*time.Second
	_ = c.Conn.SetReadDeadline(time.Now().Add(window))
}

// evict tears down a dead connection exactly like an abrupt transport close:
// the read pump unblocks, leaves the session, and releases any locks held.
func (c *WebSocketClient) evict(reason string) {
	livenessEvictionsTotal.Inc()
	slogging.Get().Info("Evicting connection - Connection: %s, Scan: %s, Reason: %s", c.ConnectionID, c.ScanID, reason)
	c.close(CloseLivenessTimeout, reason)
}

// close hands teardown to the write pump, which drains queued frames and
// sends the close frame with the given code before the transport shuts down.
func (c *WebSocketClient) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}
