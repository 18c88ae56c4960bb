package slogging

import (
	"context"
	"encoding/json"
	"log/slog"
)

// WebSocketLoggingConfig holds configuration for WebSocket message logging
type WebSocketLoggingConfig struct {
	Enabled        bool
	RedactTokens   bool
	MaxMessageSize int64 // Max message size to log (in bytes)
}

// WSMessageDirection indicates the direction of the WebSocket message
type WSMessageDirection string

const (
	WSMessageInbound  WSMessageDirection = "INBOUND"
	WSMessageOutbound WSMessageDirection = "OUTBOUND"
)

// tokenFields lists wire-message fields whose values must never reach the log.
var tokenFields = map[string]bool{
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
}

// LogWebSocketMessage logs a wire message at debug level with token redaction.
func LogWebSocketMessage(direction WSMessageDirection, scanID, connectionID, messageType string, data []byte, config WebSocketLoggingConfig) {
	if !config.Enabled {
		return
	}

	logger := Get()
	if logger.level > LogLevelDebug {
		return
	}

	if config.MaxMessageSize > 0 && int64(len(data)) > config.MaxMessageSize {
		logger.slogger.Debug("WebSocket message truncated due to size",
			slog.String("direction", string(direction)),
			slog.String("scan_id", scanID),
			slog.String("connection_id", connectionID),
			slog.String("message_type", messageType),
			slog.Int("size_bytes", len(data)),
			slog.Bool("truncated", true),
		)
		return
	}

	var payload map[string]interface{}
	if json.Unmarshal(data, &payload) == nil {
		if config.RedactTokens {
			for field := range payload {
				if tokenFields[field] {
					payload[field] = "[REDACTED]"
				}
			}
		}
		logger.slogger.Debug("WebSocket message",
			slog.String("direction", string(direction)),
			slog.String("scan_id", scanID),
			slog.String("connection_id", connectionID),
			slog.String("message_type", messageType),
			slog.Int("size_bytes", len(data)),
			slog.Any("message_data", payload),
		)
		return
	}

	logger.slogger.Debug("WebSocket message",
		slog.String("direction", string(direction)),
		slog.String("scan_id", scanID),
		slog.String("connection_id", connectionID),
		slog.String("message_type", messageType),
		slog.Int("size_bytes", len(data)),
		slog.String("message_content", SanitizeLogMessage(string(data))),
	)
}

// LogWebSocketConnection logs WebSocket connection lifecycle events.
func LogWebSocketConnection(event, scanID, connectionID, userID string, config WebSocketLoggingConfig) {
	if !config.Enabled {
		return
	}

	Get().slogger.LogAttrs(context.TODO(), slog.LevelInfo, "WebSocket connection event",
		slog.String("event", event),
		slog.String("scan_id", scanID),
		slog.String("connection_id", connectionID),
		slog.String("user_id", userID),
	)
}

// LogWebSocketError logs WebSocket-related errors.
func LogWebSocketError(errorType, errorMessage, scanID, connectionID string, config WebSocketLoggingConfig) {
	if !config.Enabled {
		return
	}

	Get().slogger.Error("WebSocket error",
		slog.String("error_type", errorType),
		slog.String("error_message", SanitizeLogMessage(errorMessage)),
		slog.String("scan_id", scanID),
		slog.String("connection_id", connectionID),
	)
}
