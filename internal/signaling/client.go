package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"secureconnect-calls/internal/domain"
	"secureconnect-calls/internal/service/call"
	apperrors "secureconnect-calls/pkg/errors"
	"secureconnect-calls/pkg/logger"
	"secureconnect-calls/pkg/resilience"
)

// ClientConfig configures a connection to the relay hub
type ClientConfig struct {
	URL               string
	Token             string
	ReconnectAttempts int
	PingInterval      time.Duration
	RequestTimeout    time.Duration
}

const writeWait = 10 * time.Second

// ErrNotConnected is returned while the client is between connections
var ErrNotConnected = errors.New("not connected to signaling hub")

// Client is a SignalingChannel backed by a websocket to the relay hub.
// A lost connection is re-dialed with backoff and every joined session is
// re-joined; when reconnecting gives up all subscriptions fail.
type Client struct {
	cfg       ClientConfig
	log       *zap.Logger
	dialer    *websocket.Dialer
	reconnect *resilience.Breaker

	mu        sync.Mutex
	conn      *websocket.Conn
	subs      map[uuid.UUID]*clientSubscription
	listeners map[*mailbox]struct{}
	pending   map[string]chan *Frame
	closed    bool
	err       error

	writeMu sync.Mutex
	done    chan struct{}
}

// Dial connects to the hub and starts the client
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	c := &Client{
		cfg:    cfg,
		log:    logger.With(zap.String("component", "signaling-client")),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		reconnect: resilience.NewBreaker("signaling-reconnect", resilience.Policy{
			MaxAttempts:      cfg.ReconnectAttempts + 1,
			InitialBackoff:   500 * time.Millisecond,
			MaxBackoff:       10 * time.Second,
			FailureThreshold: cfg.ReconnectAttempts + 2,
		}),
		subs:      make(map[uuid.UUID]*clientSubscription),
		listeners: make(map[*mailbox]struct{}),
		pending:   make(map[string]chan *Frame),
		done:      make(chan struct{}),
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, apperrors.SignalingUnreachableError(err)
	}
	c.conn = conn
	go c.run(conn)
	c.log.Info("Connected to signaling hub", zap.String("url", cfg.URL))
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial signaling hub (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial signaling hub: %w", err)
	}
	return conn, nil
}

// run owns the connection lifecycle until Close or reconnect exhaustion
func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)
	for {
		err := c.readLoop(conn)
		c.failPending(err)
		if c.isClosed() {
			return
		}
		c.log.Warn("Signaling connection lost", zap.Error(err))

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		var next *websocket.Conn
		err = c.reconnect.Execute(context.Background(), "dial", func(ctx context.Context) error {
			if c.isClosed() {
				return ErrNotConnected
			}
			var dialErr error
			next, dialErr = c.dial(ctx)
			return dialErr
		})
		if err == nil && c.isClosed() {
			next.Close()
			return
		}
		if err != nil {
			c.shutdown(apperrors.SignalingUnreachableError(err))
			return
		}

		c.mu.Lock()
		c.conn = next
		c.mu.Unlock()
		conn = next
		c.log.Info("Reconnected to signaling hub")
		go c.rejoin()
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go c.keepAlive(conn, stop)

	readWait := 2 * c.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			conn.Close()
			return err
		}
		c.route(&frame)
	}
}

func (c *Client) keepAlive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug("Failed to ping signaling hub", zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) route(frame *Frame) {
	switch frame.Op {
	case OpMessage:
		msg := frame.Message
		if msg == nil {
			return
		}
		c.mu.Lock()
		sub := c.subs[msg.SessionID]
		var listeners []*mailbox
		if sub == nil && msg.Type == domain.SignalCallStarted {
			for box := range c.listeners {
				listeners = append(listeners, box)
			}
		}
		c.mu.Unlock()

		if sub != nil {
			sub.box.put(msg)
			return
		}
		for _, box := range listeners {
			box.put(msg)
		}
	case OpAck, OpError, OpSnapshot:
		c.mu.Lock()
		reply, ok := c.pending[frame.RequestID]
		delete(c.pending, frame.RequestID)
		c.mu.Unlock()
		if ok {
			reply <- frame
		}
	default:
		c.log.Debug("Ignoring unknown hub frame", zap.String("op", string(frame.Op)))
	}
}

// request sends frame and waits for the hub's reply
func (c *Client) request(ctx context.Context, frame *Frame) (*Frame, error) {
	frame.RequestID = uuid.NewString()
	reply := make(chan *Frame, 1)

	c.mu.Lock()
	conn := c.conn
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[frame.RequestID] = reply
	c.mu.Unlock()

	if err := c.write(conn, frame); err != nil {
		c.mu.Lock()
		delete(c.pending, frame.RequestID)
		c.mu.Unlock()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	select {
	case resp := <-reply:
		if resp.Op == OpError {
			return nil, fmt.Errorf("signaling hub rejected %s: %s", frame.Op, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, frame.RequestID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Client) write(conn *websocket.Conn, frame *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame)
}

// failPending answers every in-flight request with err
func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *Frame)
	c.mu.Unlock()
	for id, reply := range pending {
		reply <- &Frame{Op: OpError, RequestID: id, Error: err.Error()}
	}
}

func (c *Client) rejoin() {
	c.mu.Lock()
	sessions := make([]uuid.UUID, 0, len(c.subs))
	for id := range c.subs {
		sessions = append(sessions, id)
	}
	c.mu.Unlock()

	for _, id := range sessions {
		if _, err := c.request(context.Background(), &Frame{Op: OpJoin, SessionID: id}); err != nil {
			c.log.Warn("Failed to rejoin session", logger.SessionID(id), zap.Error(err))
		}
	}
}

// shutdown fails every subscription and listener with err
func (c *Client) shutdown(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	subs := c.subs
	listeners := c.listeners
	c.subs = make(map[uuid.UUID]*clientSubscription)
	c.listeners = make(map[*mailbox]struct{})
	c.closed = true
	c.mu.Unlock()

	for _, sub := range subs {
		sub.fail(err)
	}
	for box := range listeners {
		box.close()
	}
	if err != nil {
		c.log.Error("Signaling client stopped", zap.Error(err))
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close disconnects from the hub
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		conn.Close()
	}
	<-c.done
	c.shutdown(nil)
	return nil
}

func (c *Client) Listen(ctx context.Context, userID uuid.UUID) (<-chan *domain.SignalMessage, error) {
	box := newMailbox()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.listeners[box] = struct{}{}
	c.mu.Unlock()

	context.AfterFunc(ctx, func() {
		c.mu.Lock()
		delete(c.listeners, box)
		c.mu.Unlock()
		box.close()
	})
	c.log.Debug("Listening for invitations", logger.UserID(userID))
	return box.out, nil
}

func (c *Client) Join(ctx context.Context, sessionID, userID uuid.UUID) (call.Subscription, error) {
	sub := &clientSubscription{client: c, sessionID: sessionID, box: newMailbox()}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.subs[sessionID] = sub
	c.mu.Unlock()

	if _, err := c.request(ctx, &Frame{Op: OpJoin, SessionID: sessionID}); err != nil {
		c.mu.Lock()
		if c.subs[sessionID] == sub {
			delete(c.subs, sessionID)
		}
		c.mu.Unlock()
		sub.box.close()
		return nil, err
	}
	return sub, nil
}

func (c *Client) Publish(ctx context.Context, msg *domain.SignalMessage) error {
	_, err := c.request(ctx, &Frame{Op: OpPublish, SessionID: msg.SessionID, Message: msg})
	return err
}

func (c *Client) Invite(ctx context.Context, msg *domain.SignalMessage, invitees []uuid.UUID) error {
	_, err := c.request(ctx, &Frame{Op: OpInvite, SessionID: msg.SessionID, Message: msg, Invitees: invitees})
	return err
}

type clientSubscription struct {
	client    *Client
	sessionID uuid.UUID
	box       *mailbox

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *clientSubscription) Messages() <-chan *domain.SignalMessage {
	return s.box.out
}

func (s *clientSubscription) Snapshot(ctx context.Context) ([]domain.Presence, error) {
	if err := s.Err(); err != nil {
		return nil, err
	}
	reply, err := s.client.request(ctx, &Frame{Op: OpSnapshot, SessionID: s.sessionID})
	if err != nil {
		return nil, err
	}
	return reply.Roster, nil
}

func (s *clientSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *clientSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	c := s.client
	c.mu.Lock()
	if c.subs[s.sessionID] == s {
		delete(c.subs, s.sessionID)
	}
	c.mu.Unlock()
	s.box.close()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	_, err := c.request(ctx, &Frame{Op: OpLeave, SessionID: s.sessionID})
	if errors.Is(err, ErrClosed) || errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (s *clientSubscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.closed = true
	s.mu.Unlock()
	s.box.close()
}
