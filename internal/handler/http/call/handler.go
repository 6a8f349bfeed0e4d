package call

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"secureconnect-calls/internal/domain"
	"secureconnect-calls/internal/service/call"
	"secureconnect-calls/pkg/logger"
	"secureconnect-calls/pkg/response"
)

// Controller is the coordinator surface served over HTTP
type Controller interface {
	UserID() uuid.UUID
	StartCall(ctx context.Context, conversationID uuid.UUID, callType domain.CallType) (*domain.CallSession, error)
	AcceptCall(ctx context.Context, sessionID uuid.UUID) error
	DeclineCall(ctx context.Context, sessionID uuid.UUID) error
	EndCall(ctx context.Context, sessionID uuid.UUID) error
	ToggleMute(ctx context.Context) (bool, error)
	ToggleVideo(ctx context.Context) (bool, error)
	ToggleScreenShare(ctx context.Context) (bool, error)
	Session(id uuid.UUID) (*domain.CallSession, bool)
	Sessions() []*domain.CallSession
	Participants(id uuid.UUID) []domain.Participant
	Peers(id uuid.UUID) []call.PeerInfo
	Observe(fn func(call.Event)) func()
}

// Handler handles call control HTTP requests of the agent
type Handler struct {
	calls       Controller
	heartbeat   time.Duration
	eventBuffer int
}

// NewHandler creates a new call handler. heartbeat is the idle interval of the event stream.
func NewHandler(calls Controller, heartbeat time.Duration) *Handler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Handler{
		calls:       calls,
		heartbeat:   heartbeat,
		eventBuffer: 64,
	}
}

// RegisterRoutes mounts the call routes on group
func (h *Handler) RegisterRoutes(group *gin.RouterGroup) {
	calls := group.Group("/calls")
	calls.Use(h.requireOwner())
	{
		calls.POST("", h.StartCall)
		calls.GET("", h.ListCalls)
		calls.GET("/events", h.Events)
		calls.POST("/media/mute", h.ToggleMute)
		calls.POST("/media/video", h.ToggleVideo)
		calls.POST("/media/screen", h.ToggleScreenShare)
		calls.GET("/:id", h.GetCall)
		calls.GET("/:id/peers", h.GetPeers)
		calls.POST("/:id/accept", h.AcceptCall)
		calls.POST("/:id/decline", h.DeclineCall)
		calls.POST("/:id/end", h.EndCall)
	}
}

// requireOwner lets through only the user the agent acts for. Routes mounted
// without the auth middleware have no user_id and are not checked.
func (h *Handler) requireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		userIDVal, exists := c.Get("user_id")
		if !exists {
			c.Next()
			return
		}
		userID, ok := userIDVal.(uuid.UUID)
		if !ok {
			response.InternalError(c, "Invalid user ID")
			c.Abort()
			return
		}
		if userID != h.calls.UserID() {
			response.Forbidden(c, "Agent belongs to another user")
			c.Abort()
			return
		}
		c.Next()
	}
}

// StartCallRequest represents call initiation request
type StartCallRequest struct {
	ConversationID string `json:"conversation_id" binding:"required,uuid"`
	CallType       string `json:"call_type" binding:"required,oneof=audio video"`
}

// CallResponse is a session with its participants
type CallResponse struct {
	Session      *domain.CallSession  `json:"session"`
	Participants []domain.Participant `json:"participants"`
}

// StartCall starts a new call
// POST /v1/calls
func (h *Handler) StartCall(c *gin.Context) {
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	conversationID, err := uuid.Parse(req.ConversationID)
	if err != nil {
		response.ValidationError(c, "Invalid conversation ID")
		return
	}

	session, err := h.calls.StartCall(c.Request.Context(), conversationID, domain.CallType(req.CallType))
	if err != nil {
		logger.FromContext(c.Request.Context()).Warn("Failed to start call",
			logger.ConversationID(conversationID), zap.Error(err))
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, CallResponse{
		Session:      session,
		Participants: h.calls.Participants(session.ID),
	})
}

// ListCalls lists known sessions, newest first
// GET /v1/calls
func (h *Handler) ListCalls(c *gin.Context) {
	response.Success(c, http.StatusOK, h.calls.Sessions())
}

// GetCall returns a session with its participants
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}

	session, found := h.calls.Session(sessionID)
	if !found {
		response.NotFound(c, "Call not found")
		return
	}

	response.Success(c, http.StatusOK, CallResponse{
		Session:      session,
		Participants: h.calls.Participants(sessionID),
	})
}

// GetPeers returns the peer transports of a session
// GET /v1/calls/:id/peers
func (h *Handler) GetPeers(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}

	if _, found := h.calls.Session(sessionID); !found {
		response.NotFound(c, "Call not found")
		return
	}

	peers := h.calls.Peers(sessionID)
	if peers == nil {
		peers = []call.PeerInfo{}
	}
	response.Success(c, http.StatusOK, peers)
}

// AcceptCall answers a ringing call
// POST /v1/calls/:id/accept
func (h *Handler) AcceptCall(c *gin.Context) {
	h.command(c, "accepted", h.calls.AcceptCall)
}

// DeclineCall rejects a ringing call
// POST /v1/calls/:id/decline
func (h *Handler) DeclineCall(c *gin.Context) {
	h.command(c, "declined", h.calls.DeclineCall)
}

// EndCall leaves a call
// POST /v1/calls/:id/end
func (h *Handler) EndCall(c *gin.Context) {
	h.command(c, "ended", h.calls.EndCall)
}

func (h *Handler) command(c *gin.Context, verb string, run func(context.Context, uuid.UUID) error) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}

	if err := run(c.Request.Context(), sessionID); err != nil {
		logger.FromContext(c.Request.Context()).Warn("Call command failed",
			zap.String("command", verb), logger.SessionID(sessionID), zap.Error(err))
		response.FromError(c, err)
		return
	}

	session, _ := h.calls.Session(sessionID)
	response.Success(c, http.StatusOK, gin.H{
		"message": "Call " + verb,
		"call_id": sessionID,
		"session": session,
	})
}

// ToggleMute flips the local microphone
// POST /v1/calls/media/mute
func (h *Handler) ToggleMute(c *gin.Context) {
	muted, err := h.calls.ToggleMute(c.Request.Context())
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"is_muted": muted})
}

// ToggleVideo flips the local camera
// POST /v1/calls/media/video
func (h *Handler) ToggleVideo(c *gin.Context) {
	enabled, err := h.calls.ToggleVideo(c.Request.Context())
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"is_video_enabled": enabled})
}

// ToggleScreenShare starts or stops sharing the local display
// POST /v1/calls/media/screen
func (h *Handler) ToggleScreenShare(c *gin.Context) {
	sharing, err := h.calls.ToggleScreenShare(c.Request.Context())
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"is_screen_sharing": sharing})
}

// Events streams coordinator events as server-sent events. The optional
// session_id query parameter restricts the stream to one session.
// GET /v1/calls/events
func (h *Handler) Events(c *gin.Context) {
	var filter uuid.UUID
	if raw := c.Query("session_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			response.ValidationError(c, "Invalid session ID")
			return
		}
		filter = id
	}

	events := make(chan call.Event, h.eventBuffer)
	unsubscribe := h.calls.Observe(func(e call.Event) {
		if filter != uuid.Nil && e.SessionID != filter {
			return
		}
		select {
		case events <- e:
		default:
			logger.Warn("Event stream consumer too slow, dropping event",
				logger.SessionID(e.SessionID),
				zap.String("event", string(e.Type)))
		}
	})
	defer unsubscribe()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case e := <-events:
			c.SSEvent(string(e.Type), e)
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"timestamp": time.Now().UTC()})
			return true
		}
	})
}

func sessionParam(c *gin.Context) (uuid.UUID, bool) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return uuid.Nil, false
	}
	return sessionID, true
}
