// Package chat implements a per-order chat thread on top of the shared
// realtime session.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rickgao/auction-realtime/internal/buffer"
	"github.com/rickgao/auction-realtime/internal/connection"
)

// ErrClosed is returned by operations on a closed Thread.
var ErrClosed = errors.New("chat thread closed")

// Session is the part of the connection manager a Thread uses.
type Session interface {
	ConnectContext(ctx context.Context) (*connection.Session, error)
	Subscribe(topicKey string, onMessage func(connection.Message)) (*connection.Subscription, error)
	Publish(destinationKey string, payload any) error
}

// Message is one chat line on an order thread.
type Message struct {
	ID       int64     `json:"id,omitempty"`
	OrderID  string    `json:"orderId,omitempty"`
	SenderID string    `json:"senderId,omitempty"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sentAt,omitzero"`
}

// Config configures a Thread.
type Config struct {
	ThreadID           string
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	InboxCapacity      int
}

// Thread is one widget's view of an order's chat: it owns a single topic
// subscription on the shared session and never closes the session itself.
type Thread struct {
	cfg     Config
	session Session
	logger  *slog.Logger
	inbox   *buffer.Growable[Message]

	mu     sync.Mutex
	sub    *connection.Subscription
	closed bool
}

// Open attaches to the shared session and subscribes to the thread's topic.
// Transport failures are retried with exponential backoff until ctx ends.
// A missing credential is returned immediately.
func Open(ctx context.Context, session Session, cfg Config, logger *slog.Logger) (*Thread, error) {
	if cfg.ThreadID == "" {
		return nil, errors.New("chat: thread id is required")
	}
	if cfg.InboxCapacity < 1 {
		cfg.InboxCapacity = 64
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := &Thread{
		cfg:     cfg,
		session: session,
		logger:  logger.With("thread", cfg.ThreadID),
		inbox:   buffer.NewGrowable[Message](cfg.InboxCapacity),
	}

	if err := t.Reconnect(ctx); err != nil {
		t.inbox.Close()
		return nil, err
	}
	return t, nil
}

// ID returns the thread (order) id.
func (t *Thread) ID() string {
	return t.cfg.ThreadID
}

// Active reports whether the thread's subscription is live.
func (t *Thread) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sub != nil && t.sub.Active()
}

// Reconnect re-establishes the session if needed and resubscribes. It is a
// no-op while the subscription is live.
func (t *Thread) Reconnect(ctx context.Context) error {
	if t.Active() {
		return nil
	}

	b := backoff.NewExponentialBackOff()
	if t.cfg.ReconnectBaseDelay > 0 {
		b.InitialInterval = t.cfg.ReconnectBaseDelay
	}
	if t.cfg.ReconnectMaxDelay > 0 {
		b.MaxInterval = t.cfg.ReconnectMaxDelay
	}
	b.MaxElapsedTime = 0

	op := func() error {
		if t.isClosed() {
			return backoff.Permanent(ErrClosed)
		}
		if _, err := t.session.ConnectContext(ctx); err != nil {
			if errors.Is(err, connection.ErrMissingCredential) {
				return backoff.Permanent(err)
			}
			return err
		}
		return t.subscribe()
	}
	notify := func(err error, next time.Duration) {
		t.logger.Warn("chat connect failed, retrying", "error", err, "backoff", next)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("open thread %s: %w", t.cfg.ThreadID, err)
	}
	return nil
}

func (t *Thread) subscribe() error {
	sub, err := t.session.Subscribe(t.cfg.ThreadID, t.deliver)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		sub.Unsubscribe()
		return backoff.Permanent(ErrClosed)
	}
	t.sub = sub
	t.mu.Unlock()

	t.logger.Info("chat thread subscribed", "subscription", sub.ID())
	return nil
}

func (t *Thread) deliver(msg connection.Message) {
	var m Message
	if err := msg.Decode(&m); err != nil {
		t.logger.Warn("dropping undecodable chat message", "message_id", msg.MessageID, "error", err)
		return
	}
	if m.OrderID == "" {
		m.OrderID = t.cfg.ThreadID
	}
	t.inbox.Send(m)
}

// Receive returns the next inbound message in arrival order.
func (t *Thread) Receive(ctx context.Context) (Message, error) {
	m, ok := t.inbox.Receive(ctx)
	if !ok {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		return Message{}, ErrClosed
	}
	return m, nil
}

// Send publishes content to the thread. Nothing is queued: if the session
// is not connected the message is not sent and an error is returned.
func (t *Thread) Send(content string) error {
	if t.isClosed() {
		return ErrClosed
	}
	return t.session.Publish(t.cfg.ThreadID, Message{Content: content})
}

// Close cancels the thread's subscription. The shared session and other
// threads' subscriptions stay open.
func (t *Thread) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()

	t.inbox.Close()

	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

func (t *Thread) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
