// Package connectiontest provides an in-process STOMP-over-websocket broker
// for tests of code built on the chat session.
package connectiontest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

// Broker is a minimal chat broker. It acknowledges CONNECT, tracks
// subscriptions and records every client frame.
type Broker struct {
	t        testing.TB
	server   *httptest.Server
	received chan *frame.Frame

	mu             sync.Mutex
	silent         bool
	reject         bool
	connectedDelay time.Duration
	sockets        int
	tokens         []string
	conn           *websocket.Conn
	subs           map[string]string // destination → subscription id
	nextMessage    int

	writeMu sync.Mutex
}

// Option configures a Broker before it starts.
type Option func(*Broker)

// Silent makes the broker never acknowledge CONNECT.
func Silent() Option {
	return func(b *Broker) { b.silent = true }
}

// Reject makes the broker answer CONNECT with an ERROR frame.
func Reject() Option {
	return func(b *Broker) { b.reject = true }
}

// ConnectedDelay delays every CONNECTED reply by d.
func ConnectedDelay(d time.Duration) Option {
	return func(b *Broker) { b.connectedDelay = d }
}

// NewBroker starts a broker that is shut down when the test ends.
func NewBroker(t testing.TB, opts ...Option) *Broker {
	t.Helper()
	b := &Broker{
		t:        t,
		received: make(chan *frame.Frame, 256),
		subs:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}

	upgrader := websocket.Upgrader{
		CheckOrigin:  func(r *http.Request) bool { return true },
		Subprotocols: []string{"v12.stomp"},
	}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("broker: upgrade error: %v", err)
			return
		}
		defer conn.Close()

		b.mu.Lock()
		b.sockets++
		b.conn = conn
		b.subs = make(map[string]string)
		b.mu.Unlock()

		b.serve(conn)
	}))
	t.Cleanup(b.server.Close)

	return b
}

// URL returns the broker's websocket URL.
func (b *Broker) URL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

// SetSilent toggles CONNECT acknowledgment for later sockets.
func (b *Broker) SetSilent(silent bool) {
	b.mu.Lock()
	b.silent = silent
	b.mu.Unlock()
}

// Sockets returns how many websocket connections were accepted.
func (b *Broker) Sockets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sockets
}

// Tokens returns the Authorization header of every CONNECT frame received.
func (b *Broker) Tokens() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.tokens...)
}

// Subscribed reports whether destination has an active subscription.
func (b *Broker) Subscribed(destination string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[destination]
	return ok
}

func (b *Broker) serve(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		r := frame.NewReader(bytes.NewReader(data))
		for {
			f, err := r.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				b.t.Logf("broker: bad frame: %v", err)
				break
			}
			if f == nil {
				continue
			}
			b.handle(conn, f)
			b.received <- f
		}
	}
}

func (b *Broker) handle(conn *websocket.Conn, f *frame.Frame) {
	switch f.Command {
	case frame.CONNECT:
		b.mu.Lock()
		b.tokens = append(b.tokens, f.Header.Get("Authorization"))
		silent, reject, delay := b.silent, b.reject, b.connectedDelay
		b.mu.Unlock()

		switch {
		case reject:
			b.write(conn, frame.New(frame.ERROR, frame.Message, "invalid token"))
		case !silent:
			time.Sleep(delay)
			b.write(conn, frame.New(frame.CONNECTED, frame.Version, "1.2"))
		}

	case frame.SUBSCRIBE:
		b.mu.Lock()
		b.subs[f.Header.Get(frame.Destination)] = f.Header.Get(frame.Id)
		b.mu.Unlock()

	case frame.UNSUBSCRIBE:
		b.mu.Lock()
		for dest, id := range b.subs {
			if id == f.Header.Get(frame.Id) {
				delete(b.subs, dest)
			}
		}
		b.mu.Unlock()
	}
}

func (b *Broker) write(conn *websocket.Conn, f *frame.Frame) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		b.t.Logf("broker: encode: %v", err)
		return
	}
	b.writeTo(conn, buf.Bytes())
}

func (b *Broker) writeTo(conn *websocket.Conn, data []byte) {
	if conn == nil {
		b.t.Logf("broker: no client connected")
		return
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		b.t.Logf("broker: write: %v", err)
	}
}

// Publish sends body as a MESSAGE to the current subscriber of destination.
func (b *Broker) Publish(destination, body string) {
	b.mu.Lock()
	conn := b.conn
	id := b.subs[destination]
	b.nextMessage++
	msgID := fmt.Sprintf("m-%d", b.nextMessage)
	b.mu.Unlock()

	f := frame.New(frame.MESSAGE,
		frame.Subscription, id,
		frame.Destination, destination,
		frame.MessageId, msgID,
	)
	f.Body = []byte(body)
	b.write(conn, f)
}

// WriteRaw sends data to the client unmodified.
func (b *Broker) WriteRaw(data []byte) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	b.writeTo(conn, data)
}

// Drop closes the client connection without a close handshake.
func (b *Broker) Drop() {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// ExpectFrame waits for the next client frame with the given command,
// skipping others.
func (b *Broker) ExpectFrame(t testing.TB, command string) *frame.Frame {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f := <-b.received:
			if f.Command == command {
				return f
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s frame", command)
			return nil
		}
	}
}
