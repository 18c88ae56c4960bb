package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanopy/scanopy/internal/slogging"
)

// stubValidator accepts tokens of the form "valid-<user>" and rejects the rest
type stubValidator struct{}

func (stubValidator) ValidateToken(_ context.Context, token string) (Identity, error) {
	if !strings.HasPrefix(token, "valid-") {
		return Identity{}, errors.New("invalid token")
	}
	user := strings.TrimPrefix(token, "valid-")
	return Identity{UserID: user, Username: user}, nil
}

type wsTestServer struct {
	hub    *WebSocketHub
	server *httptest.Server
}

func newWSTestServer(t *testing.T, options WebSocketOptions) *wsTestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewWebSocketHub(stubValidator{}, nil, nil, options, slogging.WebSocketLoggingConfig{})

	router := gin.New()
	router.GET("/ws/scans/:scan_id", hub.HandleWS)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &wsTestServer{hub: hub, server: server}
}

// quietOptions uses a heartbeat long enough that no probe interferes with a test
func quietOptions() WebSocketOptions {
	options := DefaultWebSocketOptions()
	options.HeartbeatInterval = time.Minute
	options.ProbeTimeout = time.Minute
	return options
}

func (s *wsTestServer) dial(t *testing.T, scanID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws/scans/" + scanID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// connect dials, authenticates as user, and consumes the session snapshot
func (s *wsTestServer) connect(t *testing.T, scanID, user string) *websocket.Conn {
	t.Helper()
	conn := s.dial(t, scanID)
	sendJSON(t, conn, AuthMessage{Type: MessageTypeAuth, Token: "valid-" + user})

	snapshot := readFrame(t, conn)
	require.Equal(t, string(MessageTypeSessionData), snapshot["type"])
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

// waitForType reads frames until one of the wanted type arrives, skipping
// liveness probes and unrelated events.
func waitForType(t *testing.T, conn *websocket.Conn, want MessageType) map[string]interface{} {
	t.Helper()
	for i := 0; i < 10; i++ {
		frame := readFrame(t, conn)
		if frame["type"] == string(want) {
			return frame
		}
	}
	t.Fatalf("no %s frame received", want)
	return nil
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		assert.Equal(t, code, closeErr.Code)
		return
	}
}

func TestWebSocketAuth(t *testing.T) {
	t.Run("valid token joins and receives the snapshot first", func(t *testing.T) {
		ts := newWSTestServer(t, quietOptions())
		conn := ts.dial(t, "scan-1")
		sendJSON(t, conn, AuthMessage{Type: MessageTypeAuth, Token: "valid-alice"})

		snapshot := readFrame(t, conn)
		assert.Equal(t, string(MessageTypeSessionData), snapshot["type"])
		assert.Equal(t, float64(0), snapshot["version"])
		users, ok := snapshot["users"].([]interface{})
		require.True(t, ok)
		assert.Len(t, users, 1)
	})

	t.Run("invalid token is rejected with a policy violation close", func(t *testing.T) {
		ts := newWSTestServer(t, quietOptions())
		conn := ts.dial(t, "scan-1")
		sendJSON(t, conn, AuthMessage{Type: MessageTypeAuth, Token: "garbage"})

		frame := readFrame(t, conn)
		assert.Equal(t, string(MessageTypeError), frame["type"])
		assert.Equal(t, "auth_failed", frame["code"])
		expectClose(t, conn, websocket.ClosePolicyViolation)
		assert.Equal(t, 0, ts.hub.SessionCount())
	})

	t.Run("first frame must be auth", func(t *testing.T) {
		ts := newWSTestServer(t, quietOptions())
		conn := ts.dial(t, "scan-1")
		sendJSON(t, conn, DeviceLockMessage{Type: MessageTypeDeviceLock, DeviceID: "device-1"})

		frame := readFrame(t, conn)
		assert.Equal(t, string(MessageTypeError), frame["type"])
		expectClose(t, conn, websocket.ClosePolicyViolation)
	})

	t.Run("silent connection is closed after the grace period", func(t *testing.T) {
		options := quietOptions()
		options.AuthGracePeriod = 100 * time.Millisecond
		ts := newWSTestServer(t, options)
		conn := ts.dial(t, "scan-1")

		expectClose(t, conn, websocket.ClosePolicyViolation)
	})

	t.Run("repeated auth after joining is a protocol error", func(t *testing.T) {
		ts := newWSTestServer(t, quietOptions())
		conn := ts.connect(t, "scan-1", "alice")
		sendJSON(t, conn, AuthMessage{Type: MessageTypeAuth, Token: "valid-alice"})

		frame := waitForType(t, conn, MessageTypeError)
		assert.Equal(t, "already_authenticated", frame["code"])
	})
}

func TestWebSocketCollaboration(t *testing.T) {
	t.Run("lock events fan out to others while the originator gets an ack", func(t *testing.T) {
		ts := newWSTestServer(t, quietOptions())
		alice := ts.connect(t, "scan-1", "alice")
		bob := ts.connect(t, "scan-1", "bob")
		waitForType(t, alice, MessageTypeParticipantJoined)

		sendJSON(t, alice, DeviceLockMessage{Type: MessageTypeDeviceLock, DeviceID: "device-1"})

		ack := waitForType(t, alice, MessageTypeAck)
		assert.Equal(t, string(MessageTypeDeviceLock), ack["action"])
		assert.Equal(t, "device-1", ack["device_id"])

		locked := waitForType(t, bob, MessageTypeDeviceLocked)
		assert.Equal(t, "device-1", locked["device_id"])
		assert.Equal(t, "alice", locked["username"])
	})

	t.Run("contended lock is denied to the second requester only", func(t *testing.T) {
		ts := newWSTestServer(t, quietOptions())
		alice := ts.connect(t, "scan-1", "alice")
		bob := ts.connect(t, "scan-1", "bob")
		waitForType(t, alice, MessageTypeParticipantJoined)

		sendJSON(t, alice, DeviceLockMessage{Type: MessageTypeDeviceLock, DeviceID: "device-1"})
		waitForType(t, bob, MessageTypeDeviceLocked)

		sendJSON(t, bob, DeviceLockMessage{Type: MessageTypeDeviceLock, DeviceID: "device-1"})
		frame := waitForType(t, bob, MessageTypeError)
		assert.Equal(t, "lock_denied", frame["code"])
		assert.Contains(t, frame["message"], "alice")
	})

	t.Run("accepted update reaches others but is not echoed to the originator", func(t *testing.T) {
		ts := newWSTestServer(t, quietOptions())
		alice := ts.connect(t, "scan-1", "alice")
		bob := ts.connect(t, "scan-1", "bob")
		waitForType(t, alice, MessageTypeParticipantJoined)

		sendJSON(t, alice, DeviceUpdateMessage{
			Type:     MessageTypeDeviceUpdate,
			DeviceID: "device-1",
			Changes:  rawChanges(map[string]string{"hostname": `"gw01"`}),
			Version:  0,
		})

		// The originator's next frame is the ack with the new version, never
		// a device_updated echo.
		ack := readFrame(t, alice)
		require.Equal(t, string(MessageTypeAck), ack["type"])
		assert.Equal(t, string(MessageTypeDeviceUpdate), ack["action"])
		assert.Equal(t, float64(1), ack["version"])

		updated := waitForType(t, bob, MessageTypeDeviceUpdated)
		assert.Equal(t, "device-1", updated["device_id"])
		assert.Equal(t, "alice", updated["username"])
		assert.Equal(t, float64(1), updated["version"])
	})

	t.Run("stale update yields a version conflict error", func(t *testing.T) {
		ts := newWSTestServer(t, quietOptions())
		alice := ts.connect(t, "scan-1", "alice")
		bob := ts.connect(t, "scan-1", "bob")
		waitForType(t, alice, MessageTypeParticipantJoined)

		sendJSON(t, alice, DeviceUpdateMessage{
			Type:     MessageTypeDeviceUpdate,
			DeviceID: "device-1",
			Changes:  rawChanges(map[string]string{"hostname": `"gw01"`}),
			Version:  0,
		})
		waitForType(t, bob, MessageTypeDeviceUpdated)

		sendJSON(t, bob, DeviceUpdateMessage{
			Type:     MessageTypeDeviceUpdate,
			DeviceID: "device-1",
			Changes:  rawChanges(map[string]string{"hostname": `"gw02"`}),
			Version:  0,
		})
		frame := waitForType(t, bob, MessageTypeError)
		assert.Equal(t, "version_conflict", frame["code"])
	})

	t.Run("disconnect releases locks and departs the session", func(t *testing.T) {
		ts := newWSTestServer(t, quietOptions())
		alice := ts.connect(t, "scan-1", "alice")
		bob := ts.connect(t, "scan-1", "bob")
		waitForType(t, alice, MessageTypeParticipantJoined)

		sendJSON(t, alice, DeviceLockMessage{Type: MessageTypeDeviceLock, DeviceID: "device-1"})
		waitForType(t, bob, MessageTypeDeviceLocked)

		require.NoError(t, alice.Close())

		unlocked := waitForType(t, bob, MessageTypeDeviceUnlocked)
		assert.Equal(t, "device-1", unlocked["device_id"])
		left := waitForType(t, bob, MessageTypeParticipantLeft)
		assert.Equal(t, "alice", left["user_id"])

		// The lock is free for the survivor
		sendJSON(t, bob, DeviceLockMessage{Type: MessageTypeDeviceLock, DeviceID: "device-1"})
		ack := waitForType(t, bob, MessageTypeAck)
		assert.Equal(t, string(MessageTypeDeviceLock), ack["action"])
	})

	t.Run("sessions are isolated per scan", func(t *testing.T) {
		ts := newWSTestServer(t, quietOptions())
		alice := ts.connect(t, "scan-1", "alice")
		bob := ts.connect(t, "scan-2", "bob")

		sendJSON(t, alice, DeviceLockMessage{Type: MessageTypeDeviceLock, DeviceID: "device-1"})
		waitForType(t, alice, MessageTypeAck)

		// Bob, in a different scan, may lock the same device id
		sendJSON(t, bob, DeviceLockMessage{Type: MessageTypeDeviceLock, DeviceID: "device-1"})
		ack := waitForType(t, bob, MessageTypeAck)
		assert.Equal(t, string(MessageTypeDeviceLock), ack["action"])
		assert.Equal(t, 2, ts.hub.SessionCount())
	})
}

func TestWebSocketSessionRegistry(t *testing.T) {
	t.Run("session is removed when the last participant leaves", func(t *testing.T) {
		ts := newWSTestServer(t, quietOptions())
		alice := ts.connect(t, "scan-1", "alice")
		require.Equal(t, 1, ts.hub.SessionCount())

		require.NoError(t, alice.Close())
		require.Eventually(t, func() bool {
			return ts.hub.SessionCount() == 0
		}, 3*time.Second, 10*time.Millisecond)
	})

	t.Run("rejoining after removal creates a fresh session", func(t *testing.T) {
		ts := newWSTestServer(t, quietOptions())
		alice := ts.connect(t, "scan-1", "alice")
		first := ts.hub.GetSession("scan-1")
		require.NotNil(t, first)

		require.NoError(t, alice.Close())
		require.Eventually(t, func() bool {
			return ts.hub.SessionCount() == 0
		}, 3*time.Second, 10*time.Millisecond)

		ts.connect(t, "scan-1", "alice")
		second := ts.hub.GetSession("scan-1")
		require.NotNil(t, second)
		assert.NotEqual(t, first.ID, second.ID)
	})

	t.Run("concurrent joiners land in the same session", func(t *testing.T) {
		ts := newWSTestServer(t, quietOptions())

		const joiners = 8
		conns := make([]*websocket.Conn, joiners)
		done := make(chan int, joiners)
		for i := 0; i < joiners; i++ {
			go func(i int) {
				conns[i] = ts.connect(t, "scan-1", fmt.Sprintf("user-%d", i))
				done <- i
			}(i)
		}
		for i := 0; i < joiners; i++ {
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("joiner timed out")
			}
		}

		require.Equal(t, 1, ts.hub.SessionCount())
		session := ts.hub.GetSession("scan-1")
		require.NotNil(t, session)
		assert.Equal(t, joiners, session.ParticipantCount())
	})
}

func TestWebSocketLiveness(t *testing.T) {
	t.Run("responsive client survives probing", func(t *testing.T) {
		options := quietOptions()
		options.HeartbeatInterval = 100 * time.Millisecond
		options.ProbeTimeout = 100 * time.Millisecond
		ts := newWSTestServer(t, options)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go ts.hub.StartLivenessMonitor(ctx)

		conn := ts.connect(t, "scan-1", "alice")

		// Answer application-level probes; the transport pong is handled by
		// the dialer's default ping handler.
		deadline := time.Now().Add(600 * time.Millisecond)
		for time.Now().Before(deadline) {
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(400*time.Millisecond)))
			_, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var frame struct {
				Type MessageType `json:"type"`
			}
			require.NoError(t, json.Unmarshal(data, &frame))
			if frame.Type == MessageTypeServerPing {
				sendJSON(t, conn, PongMessage{Type: MessageTypePong})
			}
		}

		require.Equal(t, 1, ts.hub.SessionCount())
	})

	t.Run("unresponsive client is evicted and its locks released", func(t *testing.T) {
		options := quietOptions()
		options.HeartbeatInterval = 100 * time.Millisecond
		options.ProbeTimeout = 100 * time.Millisecond
		ts := newWSTestServer(t, options)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go ts.hub.StartLivenessMonitor(ctx)

		alice := ts.connect(t, "scan-1", "alice")
		sendJSON(t, alice, DeviceLockMessage{Type: MessageTypeDeviceLock, DeviceID: "device-1"})
		waitForType(t, alice, MessageTypeAck)

		// Ignore transport pings so the server sees no traffic at all
		alice.SetPingHandler(func(string) error { return nil })

		require.NoError(t, alice.SetReadDeadline(time.Now().Add(5*time.Second)))
		for {
			_, _, err := alice.ReadMessage()
			if err == nil {
				continue
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				assert.Equal(t, CloseLivenessTimeout, closeErr.Code)
			}
			break
		}

		require.Eventually(t, func() bool {
			return ts.hub.SessionCount() == 0
		}, 3*time.Second, 10*time.Millisecond)
	})
}

func TestWebSocketRejectsPlainHTTP(t *testing.T) {
	ts := newWSTestServer(t, quietOptions())

	resp, err := http.Get(ts.server.URL + "/ws/scans/scan-1")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	// A plain GET without an upgrade handshake is refused
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
