package connection

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// Errors
var (
	ErrMissingCredential       = errors.New("no stored access token")
	ErrConnectTimeout          = errors.New("connect timeout")
	ErrTransport               = errors.New("transport error")
	ErrSubscriptionUnavailable = errors.New("session not connected, cannot subscribe")
	ErrNotConnected            = errors.New("not connected")
	ErrSessionClosed           = errors.New("session closed")
	ErrStaleConnection         = errors.New("connection stale (no pong)")
	ErrAlreadyClosed           = errors.New("already closed")
)

// State is the lifecycle state of the shared session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Message is one inbound chat frame delivered to a subscriber.
type Message struct {
	Topic       string          // topic key passed to Subscribe
	Destination string          // e.g. /topic/chat/42
	MessageID   string          // STOMP message-id header
	Body        json.RawMessage // validated JSON payload
	ReceivedAt  time.Time
}

// Decode unmarshals the message body into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Body, v)
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL (e.g., wss://auction.example.com/ws)
	Header           http.Header   // Handshake headers
	HandshakeTimeout time.Duration // Upper bound on the HTTP upgrade
	PingTimeout      time.Duration // Max time without pong before considering connection stale (0 = no keepalive)
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// ManagerConfig configures the session Manager.
type ManagerConfig struct {
	URL            string        // WebSocket URL of the STOMP endpoint
	ConnectTimeout time.Duration // Bound on dial + CONNECTED acknowledgment
	WriteTimeout   time.Duration // Write deadline for frames
	PingTimeout    time.Duration // Keepalive bound (0 disables pings)
	BufferSize     int           // Inbound message buffer per socket
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   5 * time.Second,
		PingTimeout:    60 * time.Second,
		BufferSize:     1000,
	}
}

// withDefaults fills zero fields of cfg from DefaultManagerConfig.
func withDefaults(cfg ManagerConfig) ManagerConfig {
	def := DefaultManagerConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	return cfg
}
