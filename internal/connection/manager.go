package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/auction-realtime/internal/auth"
	"github.com/rickgao/auction-realtime/internal/flight"
	"github.com/rickgao/auction-realtime/internal/metrics"
	"github.com/rickgao/auction-realtime/internal/version"
)

// Manager owns the process-wide chat session. It is safe for concurrent use
// by any number of independent widgets.
type Manager struct {
	cfg       ManagerConfig
	store     auth.Store
	logger    *slog.Logger
	metrics   *metrics.Metrics
	listener  func(State, error)
	newClient func(ClientConfig, *slog.Logger) Client

	mu      sync.Mutex
	state   State
	session *Session
	pending flight.Queue[struct{}]
	subs    map[string]*Subscription // topic key → subscription
	byID    map[string]*Subscription // STOMP subscription id → subscription
}

// Session is the handle for one socket lifetime.
type Session struct {
	id     string
	client Client
	timer  *time.Timer
	cancel context.CancelFunc // aborts an in-progress dial
	done   chan struct{}
}

// ID returns the session's unique id.
func (s *Session) ID() string {
	return s.id
}

// Done is closed when the session is torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics records session metrics.
func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithStateListener registers fn to observe state transitions. Errors that
// end an established session reach callers only through this listener,
// since their Connect callbacks have already fired.
func WithStateListener(fn func(State, error)) ManagerOption {
	return func(m *Manager) {
		m.listener = fn
	}
}

// NewManager creates a Manager reading the access token from store.
func NewManager(cfg ManagerConfig, store auth.Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:       withDefaults(cfg),
		store:     store,
		logger:    slog.Default(),
		newClient: NewClient,
		subs:      make(map[string]*Subscription),
		byID:      make(map[string]*Subscription),
	}

	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}

	return m
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect attaches the caller to the shared session, opening it if needed.
//
// Exactly one of onSuccess or onError is invoked, exactly once. If the session
// is already connected, onSuccess runs before Connect returns. If it is being
// opened, the caller is queued and released in call order on the server's
// acknowledgment. Otherwise a new socket is dialed. Connect returns the
// session handle, or nil when no session could be started.
func (m *Manager) Connect(onSuccess func(), onError func(error)) *Session {
	w := flight.NewWaiter(func(_ struct{}, err error) {
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if onSuccess != nil {
			onSuccess()
		}
	})

	m.mu.Lock()
	if s, ok := m.joinLocked(w); ok {
		return s
	}
	m.mu.Unlock()

	token, err := m.accessToken()

	m.mu.Lock()
	// Another caller may have started a session while the store was read.
	if s, ok := m.joinLocked(w); ok {
		return s
	}
	if err != nil {
		m.mu.Unlock()
		m.metrics.ConnectResult(metrics.ResultMissingCredential)
		m.logger.Warn("chat connect refused", "error", err)
		w.Settle(struct{}{}, err)
		return nil
	}

	s, ctx := m.startLocked(token)
	m.pending.Push(w)
	m.mu.Unlock()

	go m.open(ctx, s, token)
	return s
}

// joinLocked attaches w to an existing session. It is called with m.mu held
// and, when it reports ok, releases the lock before settling w.
func (m *Manager) joinLocked(w *flight.Waiter[struct{}]) (*Session, bool) {
	switch m.state {
	case StateConnected:
		s := m.session
		m.mu.Unlock()
		w.Settle(struct{}{}, nil)
		return s, true
	case StateConnecting:
		m.pending.Push(w)
		s := m.session
		m.mu.Unlock()
		return s, true
	}
	return nil, false
}

// ConnectContext is the blocking form of Connect.
func (m *Manager) ConnectContext(ctx context.Context) (*Session, error) {
	result := make(chan error, 1)
	s := m.Connect(
		func() { result <- nil },
		func(err error) { result <- err },
	)

	select {
	case err := <-result:
		if err != nil {
			return nil, err
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) accessToken() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()

	creds, err := m.store.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMissingCredential, err)
	}
	if !creds.HasAccess() {
		return "", ErrMissingCredential
	}
	return creds.AccessToken, nil
}

// startLocked creates a new session in the Connecting state and arms its
// connect timer. Must be called with m.mu held.
func (m *Manager) startLocked(token string) (*Session, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:     uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	header := http.Header{}
	header.Set(headerAuthorization, bearer(token))
	header.Set("User-Agent", version.UserAgent())
	s.client = m.newClient(ClientConfig{
		URL:              m.cfg.URL,
		Header:           header,
		HandshakeTimeout: m.cfg.ConnectTimeout,
		PingTimeout:      m.cfg.PingTimeout,
		WriteTimeout:     m.cfg.WriteTimeout,
		BufferSize:       m.cfg.BufferSize,
	}, m.logger.With("session", s.id))
	s.timer = time.AfterFunc(m.cfg.ConnectTimeout, func() {
		m.connectTimedOut(s)
	})

	m.session = s
	m.state = StateConnecting
	m.metrics.ConnectAttempt()
	m.logger.Debug("opening chat session", "session", s.id, "url", m.cfg.URL)

	return s, ctx
}

// open dials the socket and sends CONNECT. The CONNECTED reply is handled by readLoop.
func (m *Manager) open(ctx context.Context, s *Session, token string) {
	if err := s.client.Connect(ctx); err != nil {
		m.teardown(s, fmt.Errorf("%w: dial: %w", ErrTransport, err))
		return
	}

	go m.readLoop(s)

	data, err := encodeFrame(connectFrame(hostOf(m.cfg.URL), token))
	if err == nil {
		err = s.client.Send(data)
	}
	if err != nil {
		m.teardown(s, fmt.Errorf("%w: send CONNECT: %w", ErrTransport, err))
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// readLoop processes inbound frames for s in arrival order.
func (m *Manager) readLoop(s *Session) {
	for {
		select {
		case <-s.done:
			return

		case err := <-s.client.Errors():
			// Frames that arrived before the failure still belong to the stream.
			m.drainMessages(s)
			m.teardown(s, classifyReadError(err))
			return

		case msg := <-s.client.Messages():
			m.handleData(s, msg)
		}
	}
}

func (m *Manager) drainMessages(s *Session) {
	for {
		select {
		case msg := <-s.client.Messages():
			m.handleData(s, msg)
		default:
			return
		}
	}
}

// classifyReadError maps a socket read failure onto a teardown cause.
// A normal close from the server is a clean disconnect (nil).
func classifyReadError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

func (m *Manager) handleData(s *Session, msg TimestampedMessage) {
	frames, err := decodeFrames(msg.Data)
	for _, f := range frames {
		m.handleFrame(s, f, msg.ReceivedAt)
	}
	if err != nil {
		m.metrics.FrameDropped("malformed")
		m.logger.Warn("dropping malformed frame", "session", s.id, "error", err)
	}
}

func (m *Manager) handleFrame(s *Session, f *frame.Frame, receivedAt time.Time) {
	switch f.Command {
	case frame.CONNECTED:
		m.connected(s, f)

	case frame.MESSAGE:
		m.route(s, f, receivedAt)

	case frame.ERROR:
		m.teardown(s, fmt.Errorf("%w: server error: %s", ErrTransport, f.Header.Get(frame.Message)))

	case frame.RECEIPT:
		m.logger.Debug("receipt", "session", s.id, "receipt_id", f.Header.Get(frame.ReceiptId))

	default:
		m.metrics.FrameDropped("unexpected_command")
		m.logger.Debug("ignoring frame", "session", s.id, "command", f.Command)
	}
}

// connectTimedOut ends s if it is still waiting for CONNECTED. The timer may
// fire after connected has taken the lock, when Stop can no longer cancel it.
func (m *Manager) connectTimedOut(s *Session) {
	m.mu.Lock()
	live := m.session == s && m.state == StateConnecting
	m.mu.Unlock()
	if live {
		m.teardown(s, ErrConnectTimeout)
	}
}

// connected moves s to Connected and releases every queued caller in order.
func (m *Manager) connected(s *Session, f *frame.Frame) {
	m.mu.Lock()
	if m.session != s || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	s.timer.Stop()
	m.state = StateConnected
	batch := m.pending.Drain()
	m.mu.Unlock()

	m.metrics.ConnectResult(metrics.ResultSuccess)
	m.logger.Info("chat session connected",
		"session", s.id,
		"version", f.Header.Get(frame.Version),
		"waiters", len(batch),
	)

	batch.Settle(struct{}{}, nil, m.recovered)
	m.notify(StateConnected, nil)
}

// route hands a MESSAGE frame to the subscription it is addressed to.
func (m *Manager) route(s *Session, f *frame.Frame, receivedAt time.Time) {
	subID := f.Header.Get(frame.Subscription)

	m.mu.Lock()
	sub := m.byID[subID]
	current := m.session == s
	m.mu.Unlock()

	if !current {
		return
	}
	if sub == nil {
		m.metrics.FrameDropped("unknown_subscription")
		m.logger.Debug("message for unknown subscription", "subscription", subID)
		return
	}
	if !json.Valid(f.Body) {
		m.metrics.FrameDropped("malformed")
		m.logger.Warn("dropping malformed message",
			"topic", sub.topic,
			"message_id", f.Header.Get(frame.MessageId),
		)
		return
	}

	sub.deliver(Message{
		Topic:       sub.topic,
		Destination: f.Header.Get(frame.Destination),
		MessageID:   f.Header.Get(frame.MessageId),
		Body:        json.RawMessage(f.Body),
		ReceivedAt:  receivedAt,
	})
}

// teardown ends s. cause is nil for a clean disconnect. Pending callers
// receive cause (or ErrSessionClosed). Calls for a session that is no
// longer current are ignored, so the timer, the dial and the read loop may
// all race to end the same session.
func (m *Manager) teardown(s *Session, cause error) {
	m.mu.Lock()
	if m.session != s {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.resetLocked()
	batch := m.pending.Drain()
	m.mu.Unlock()

	s.client.Close()

	pendingErr := cause
	switch {
	case cause == nil:
		pendingErr = ErrSessionClosed
		m.logger.Info("chat session closed by server", "session", s.id)
	case prev == StateConnecting:
		if errors.Is(cause, ErrConnectTimeout) {
			m.metrics.ConnectResult(metrics.ResultTimeout)
		} else {
			m.metrics.ConnectResult(metrics.ResultError)
		}
		m.logger.Warn("chat connect failed", "session", s.id, "error", cause, "waiters", len(batch))
	default:
		m.logger.Warn("chat session lost", "session", s.id, "error", cause)
	}

	batch.Settle(struct{}{}, pendingErr, m.recovered)
	m.notify(StateDisconnected, cause)
}

// resetLocked drops the session and its subscriptions. Must be called with m.mu held.
func (m *Manager) resetLocked() {
	s := m.session
	s.timer.Stop()
	s.cancel()
	close(s.done)

	for _, sub := range m.subs {
		sub.detach()
	}
	m.subs = make(map[string]*Subscription)
	m.byID = make(map[string]*Subscription)
	m.metrics.SetSubscriptions(0)

	m.session = nil
	m.state = StateDisconnected
}

// Disconnect closes the session. It is safe to call at any time, any number of times.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	s := m.session
	if s == nil {
		m.mu.Unlock()
		return
	}
	wasConnected := m.state == StateConnected
	m.resetLocked()
	batch := m.pending.Drain()
	m.mu.Unlock()

	if wasConnected {
		if data, err := encodeFrame(disconnectFrame()); err == nil {
			s.client.Send(data)
		}
	}
	s.client.Close()

	m.logger.Info("chat session disconnected", "session", s.id)

	batch.Settle(struct{}{}, ErrSessionClosed, m.recovered)
	m.notify(StateDisconnected, nil)
}

// Subscribe registers onMessage for the chat thread topicKey. It fails with
// ErrSubscriptionUnavailable unless the session is connected. Subscribing
// to a key that already has a subscription replaces it.
//
// onMessage runs on the session's read goroutine in frame arrival order and
// must not block.
func (m *Manager) Subscribe(topicKey string, onMessage func(Message)) (*Subscription, error) {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return nil, ErrSubscriptionUnavailable
	}

	s := m.session
	sub := &Subscription{
		m:           m,
		session:     s,
		id:          "sub-" + uuid.NewString(),
		topic:       topicKey,
		destination: TopicDestination(topicKey),
		onMessage:   onMessage,
	}

	old := m.subs[topicKey]
	if old != nil {
		delete(m.byID, old.id)
		old.detach()
	}
	m.subs[topicKey] = sub
	m.byID[sub.id] = sub
	m.metrics.SetSubscriptions(len(m.subs))
	m.mu.Unlock()

	if old != nil {
		m.logger.Debug("replacing subscription", "topic", topicKey, "old", old.id)
		m.sendFrame(s, unsubscribeFrame(old.id))
	}

	if err := m.sendFrame(s, subscribeFrame(sub.id, sub.destination)); err != nil {
		m.forget(sub)
		return nil, fmt.Errorf("%w: subscribe %s: %w", ErrTransport, topicKey, err)
	}

	m.logger.Debug("subscribed", "topic", topicKey, "subscription", sub.id)
	return sub, nil
}

// forget removes sub's registration if it is still the current one for its
// topic, and reports whether it was.
func (m *Manager) forget(sub *Subscription) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subs[sub.topic] != sub {
		return false
	}
	delete(m.subs, sub.topic)
	delete(m.byID, sub.id)
	sub.detach()
	m.metrics.SetSubscriptions(len(m.subs))
	return true
}

// Publish sends payload, JSON-encoded, to the chat thread of destinationKey.
// Delivery is at-most-once: a nil error only means the frame was written.
// It fails without sending when the session is not connected or no access
// token is stored.
func (m *Manager) Publish(destinationKey string, payload any) error {
	m.mu.Lock()
	s := m.session
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}

	token, err := m.accessToken()
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	if err := m.sendFrame(s, sendFrame(SendDestination(destinationKey), token, body)); err != nil {
		return fmt.Errorf("%w: publish %s: %w", ErrTransport, destinationKey, err)
	}
	return nil
}

func (m *Manager) sendFrame(s *Session, f *frame.Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return s.client.Send(data)
}

func (m *Manager) notify(state State, err error) {
	if m.listener == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.recovered(r)
		}
	}()
	m.listener(state, err)
}

func (m *Manager) recovered(r any) {
	m.logger.Error("chat callback panicked", "panic", r)
}

// Subscription is one topic subscription on the shared session.
type Subscription struct {
	m           *Manager
	session     *Session
	id          string
	topic       string
	destination string
	onMessage   func(Message)

	mu       sync.Mutex
	detached bool
}

// ID returns the STOMP subscription id.
func (s *Subscription) ID() string {
	return s.id
}

// Topic returns the topic key the subscription was made with.
func (s *Subscription) Topic() string {
	return s.topic
}

// Active reports whether the subscription still receives messages.
func (s *Subscription) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.detached
}

// Unsubscribe cancels this subscription only. The session and every other
// subscription are unaffected. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() error {
	if !s.m.forget(s) {
		return nil
	}

	s.m.mu.Lock()
	live := s.m.session == s.session && s.m.state == StateConnected
	s.m.mu.Unlock()

	if !live {
		return nil
	}
	if err := s.m.sendFrame(s.session, unsubscribeFrame(s.id)); err != nil {
		return fmt.Errorf("%w: unsubscribe %s: %w", ErrTransport, s.topic, err)
	}
	return nil
}

func (s *Subscription) detach() {
	s.mu.Lock()
	s.detached = true
	s.mu.Unlock()
}

func (s *Subscription) deliver(msg Message) {
	if !s.Active() || s.onMessage == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.m.recovered(r)
		}
	}()
	s.onMessage(msg)
}
