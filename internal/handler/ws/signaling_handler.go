package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"secureconnect-calls/internal/database"
	"secureconnect-calls/internal/domain"
	"secureconnect-calls/internal/signaling"
	apperrors "secureconnect-calls/pkg/errors"
	"secureconnect-calls/pkg/logger"
	"secureconnect-calls/pkg/metrics"
	"secureconnect-calls/pkg/response"
)

// fanoutChannel carries frames between hub instances
const fanoutChannel = "signaling:fanout"

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

// HubConfig configures a SignalingHub
type HubConfig struct {
	MaxConnections int
	PingInterval   time.Duration
	AllowedOrigins []string
}

// DegradableRoster is a shared roster that can fall back to local state
type DegradableRoster interface {
	signaling.RosterStore
	IsDegraded() bool
}

// SignalingHub relays call signaling between participants. Control events are
// delivered to every member of a session except the sender, payloads to their
// addressee only, invitations to every connection of each invitee.
type SignalingHub struct {
	instanceID uuid.UUID
	cfg        HubConfig

	// Registered clients per call session and per user
	sessions map[uuid.UUID]map[*SignalingClient]bool
	users    map[uuid.UUID]map[*SignalingClient]bool

	redisClient *database.RedisClient
	shared      DegradableRoster
	local       *signaling.Roster
	metrics     *metrics.Metrics

	mu sync.RWMutex

	register   chan *SignalingClient
	unregister chan *SignalingClient
	broadcast  chan *delivery

	// semaphore limits concurrent connections
	semaphore chan struct{}
	upgrader  websocket.Upgrader
}

// SignalingClient is one authenticated websocket connection
type SignalingClient struct {
	hub    *SignalingHub
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID
	// joined sessions, guarded by hub.mu
	joined map[uuid.UUID]bool

	closeOnce sync.Once
}

// delivery is one message routed to local connections
type delivery struct {
	msg      *domain.SignalMessage
	invitees []uuid.UUID
}

// fanoutEnvelope is published on fanoutChannel for the other hub instances
type fanoutEnvelope struct {
	Origin   uuid.UUID             `json:"origin"`
	Message  *domain.SignalMessage `json:"message"`
	Invitees []uuid.UUID           `json:"invitees,omitempty"`
}

// NewSignalingHub creates a hub. redisClient and shared may be nil for a
// single-instance hub with a local roster.
func NewSignalingHub(cfg HubConfig, redisClient *database.RedisClient, shared DegradableRoster, m *metrics.Metrics) *SignalingHub {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1000
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	allowed := lo.SliceToMap(cfg.AllowedOrigins, func(o string) (string, bool) { return o, true })

	return &SignalingHub{
		instanceID:  uuid.New(),
		cfg:         cfg,
		sessions:    make(map[uuid.UUID]map[*SignalingClient]bool),
		users:       make(map[uuid.UUID]map[*SignalingClient]bool),
		redisClient: redisClient,
		shared:      shared,
		local:       signaling.NewRoster(),
		metrics:     m,
		register:    make(chan *SignalingClient),
		unregister:  make(chan *SignalingClient),
		broadcast:   make(chan *delivery, sendBufferSize),
		semaphore:   make(chan struct{}, cfg.MaxConnections),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Native clients send no origin
				return origin == "" || allowed[origin]
			},
		},
	}
}

// Run processes registrations and deliveries until ctx ends
func (h *SignalingHub) Run(ctx context.Context) {
	if h.redisClient != nil {
		go h.subscribeFanout(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.mu.Lock()
			if h.users[client.userID] == nil {
				h.users[client.userID] = make(map[*SignalingClient]bool)
			}
			h.users[client.userID][client] = true
			count := h.connectionCountLocked()
			h.mu.Unlock()
			h.metrics.SetWebSocketConnections(count)

		case client := <-h.unregister:
			h.remove(ctx, client)

		case d := <-h.broadcast:
			h.deliverLocal(d)
		}
	}
}

func (h *SignalingHub) connectionCountLocked() int {
	n := 0
	for _, clients := range h.users {
		n += len(clients)
	}
	return n
}

// remove drops a closed connection. A user whose last connection to a session
// disappeared without leaving is announced as participant-left.
func (h *SignalingHub) remove(ctx context.Context, client *SignalingClient) {
	h.mu.Lock()
	if clients, ok := h.users[client.userID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.users, client.userID)
		}
	}
	var orphaned []uuid.UUID
	for sessionID := range client.joined {
		if h.leaveLocked(client, sessionID) {
			orphaned = append(orphaned, sessionID)
		}
	}
	count := h.connectionCountLocked()
	h.mu.Unlock()

	client.closeSend()
	h.metrics.SetWebSocketConnections(count)

	for _, sessionID := range orphaned {
		h.announceDeparture(ctx, sessionID, client.userID)
	}
}

// announceDeparture drops userID from the session roster and, if it was still
// listed, tells the remaining members with a participant-left event
func (h *SignalingHub) announceDeparture(ctx context.Context, sessionID, userID uuid.UUID) {
	removed, err := h.roster().Remove(ctx, sessionID, userID)
	if err != nil {
		logger.Warn("Failed to update roster on departure", logger.SessionID(sessionID), zap.Error(err))
		return
	}
	if !removed {
		return
	}
	msg := &domain.SignalMessage{
		ID:        uuid.New(),
		Type:      domain.SignalParticipantLeft,
		From:      userID,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}
	logger.Info("Participant departed from session",
		logger.SessionID(sessionID), logger.UserID(userID))
	d := &delivery{msg: msg}
	h.deliverLocal(d)
	h.fanout(ctx, d)
}

// leaveLocked removes client from a session and reports whether the user has
// no other connection left in it. h.mu must be held.
func (h *SignalingHub) leaveLocked(client *SignalingClient, sessionID uuid.UUID) bool {
	delete(client.joined, sessionID)
	clients, ok := h.sessions[sessionID]
	if !ok {
		return true
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.sessions, sessionID)
	}
	for other := range clients {
		if other.userID == client.userID {
			return false
		}
	}
	return true
}

func (h *SignalingHub) deliverLocal(d *delivery) {
	payload, err := json.Marshal(&signaling.Frame{Op: signaling.OpMessage, SessionID: d.msg.SessionID, Message: d.msg})
	if err != nil {
		logger.Error("Failed to encode relayed message", zap.Error(err))
		return
	}

	h.mu.RLock()
	var targets []*SignalingClient
	if d.invitees != nil {
		for _, invitee := range d.invitees {
			for client := range h.users[invitee] {
				targets = append(targets, client)
			}
		}
	} else {
		for client := range h.sessions[d.msg.SessionID] {
			if client.userID != d.msg.From && d.msg.AddressedTo(client.userID) {
				targets = append(targets, client)
			}
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		select {
		case client.send <- payload:
			h.metrics.RecordWebSocketMessage(string(d.msg.Type), "out")
		default:
			logger.Warn("Dropping slow signaling connection", logger.UserID(client.userID))
			h.metrics.RecordWebSocketError("send_buffer_full")
			client.conn.Close()
		}
	}
}

// roster returns the shared roster unless Redis is degraded
func (h *SignalingHub) roster() signaling.RosterStore {
	if h.shared != nil && !h.shared.IsDegraded() {
		return h.shared
	}
	return h.local
}

func (h *SignalingHub) fanout(ctx context.Context, d *delivery) {
	if h.redisClient == nil {
		return
	}
	payload, err := json.Marshal(fanoutEnvelope{Origin: h.instanceID, Message: d.msg, Invitees: d.invitees})
	if err != nil {
		return
	}
	if err := h.redisClient.SafePublish(ctx, fanoutChannel, payload).Err(); err != nil {
		logger.Debug("Signaling fan-out skipped", zap.Error(err))
		h.metrics.RecordRelayedFrame(string(d.msg.Type), "local_only")
		return
	}
	h.metrics.RecordRelayedFrame(string(d.msg.Type), "fanout")
}

// subscribeFanout delivers frames published by other hub instances
func (h *SignalingHub) subscribeFanout(ctx context.Context) {
	for {
		pubsub := h.redisClient.SafeSubscribe(ctx, fanoutChannel)
		if pubsub != nil {
			h.consumeFanout(ctx, pubsub)
			pubsub.Close()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (h *SignalingHub) consumeFanout(ctx context.Context, pubsub *redis.PubSub) {
	for {
		raw, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("Signaling fan-out subscription lost", zap.Error(err))
			}
			return
		}
		var env fanoutEnvelope
		if err := json.Unmarshal([]byte(raw.Payload), &env); err != nil || env.Message == nil {
			logger.Warn("Invalid signaling fan-out frame", zap.Error(err))
			continue
		}
		if env.Origin == h.instanceID {
			continue
		}
		h.metrics.RecordRelayedFrame(string(env.Message.Type), "remote")
		select {
		case h.broadcast <- &delivery{msg: env.Message, invitees: env.Invitees}:
		case <-ctx.Done():
			return
		}
	}
}

// ServeWS upgrades an authenticated request to a signaling connection
func (h *SignalingHub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.cfg.MaxConnections))
		h.metrics.RecordWebSocketError("capacity")
		response.FromError(c, apperrors.ServiceUnavailableError("Server at capacity, please try again later").
			WithDetails(gin.H{"max_connections": h.cfg.MaxConnections}))
		return
	}

	userIDVal, exists := c.Get("user_id")
	userID, ok := userIDVal.(uuid.UUID)
	if !exists || !ok {
		<-h.semaphore
		response.FromError(c, apperrors.UnauthorizedError("unauthorized"))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.Warn("WebSocket upgrade failed", logger.UserID(userID), zap.Error(err))
		h.metrics.RecordWebSocketError("upgrade")
		return
	}

	client := &SignalingClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		userID: userID,
		joined: make(map[uuid.UUID]bool),
	}
	h.register <- client
	logger.Debug("Signaling connection opened", logger.UserID(userID))

	go client.writePump()
	go func() {
		defer func() { <-h.semaphore }()
		client.readPump(c.Request.Context())
	}()
}

func (c *SignalingClient) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// reply queues a frame for this connection only. Called from readPump, before unregister closes send.
func (c *SignalingClient) reply(frame *signaling.Frame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
		c.conn.Close()
	}
}

// readPump processes frames until the connection fails
func (c *SignalingClient) readPump(reqCtx context.Context) {
	ctx := context.WithoutCancel(reqCtx)
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	readWait := 2 * c.hub.cfg.PingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		var frame signaling.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("Signaling connection closed", logger.UserID(c.userID), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
		c.hub.metrics.RecordWebSocketMessage(string(frame.Op), "in")

		if err := c.hub.handleFrame(ctx, c, &frame); err != nil {
			logger.Debug("Rejected signaling frame",
				logger.UserID(c.userID),
				zap.String("op", string(frame.Op)),
				zap.Error(err))
			c.hub.metrics.RecordWebSocketError("rejected_frame")
			c.reply(frame.ErrorReply(err))
		}
	}
}

// writePump writes queued frames and keepalive pings
func (c *SignalingClient) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var (
	errMissingSession = errors.New("session_id required")
	errMissingMessage = errors.New("message required")
)

func (h *SignalingHub) handleFrame(ctx context.Context, c *SignalingClient, frame *signaling.Frame) error {
	if frame.SessionID == uuid.Nil {
		return errMissingSession
	}

	switch frame.Op {
	case signaling.OpJoin:
		h.mu.Lock()
		if h.sessions[frame.SessionID] == nil {
			h.sessions[frame.SessionID] = make(map[*SignalingClient]bool)
		}
		h.sessions[frame.SessionID][c] = true
		c.joined[frame.SessionID] = true
		h.mu.Unlock()
		c.reply(frame.Reply(signaling.OpAck))
		return nil

	case signaling.OpLeave:
		h.mu.Lock()
		last := h.leaveLocked(c, frame.SessionID)
		h.mu.Unlock()
		if last {
			h.announceDeparture(ctx, frame.SessionID, c.userID)
		}
		c.reply(frame.Reply(signaling.OpAck))
		return nil

	case signaling.OpSnapshot:
		roster, err := h.roster().Snapshot(ctx, frame.SessionID)
		if err != nil {
			return err
		}
		reply := frame.Reply(signaling.OpSnapshot)
		reply.Roster = roster
		c.reply(reply)
		return nil

	case signaling.OpPublish, signaling.OpInvite:
		msg, err := h.stamp(c, frame)
		if err != nil {
			return err
		}
		d := &delivery{msg: msg}
		if frame.Op == signaling.OpInvite {
			if msg.Type != domain.SignalCallStarted {
				return fmt.Errorf("only %s can be sent as an invitation", domain.SignalCallStarted)
			}
			d.invitees = lo.Without(lo.Uniq(frame.Invitees), c.userID)
		}
		if msg.Type.Control() {
			if err := h.roster().Apply(ctx, msg.SessionID, signaling.ChangeFor(msg)); err != nil {
				logger.Warn("Failed to update roster", logger.SessionID(msg.SessionID), zap.Error(err))
			}
		}
		h.broadcast <- d
		h.fanout(ctx, d)
		c.reply(frame.Reply(signaling.OpAck))
		return nil
	}
	return fmt.Errorf("unknown op %q", frame.Op)
}

// stamp validates a relayed message against the connection that sent it
func (h *SignalingHub) stamp(c *SignalingClient, frame *signaling.Frame) (*domain.SignalMessage, error) {
	msg := frame.Message
	if msg == nil {
		return nil, errMissingMessage
	}
	if msg.SessionID != frame.SessionID {
		return nil, fmt.Errorf("message session %s does not match frame", msg.SessionID)
	}
	if msg.Type == domain.SignalPayload && msg.To == nil {
		return nil, errors.New("signal payloads need a recipient")
	}
	// Terminal events may come from a member that already left, or from a
	// restarted client settling a session it never rejoined.
	if frame.Op == signaling.OpPublish && !msg.Type.Terminal() {
		h.mu.RLock()
		joined := c.joined[frame.SessionID]
		h.mu.RUnlock()
		if !joined {
			return nil, signaling.ErrNotJoined
		}
	}
	// The authenticated user is the only valid sender
	msg.From = c.userID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return msg, nil
}
