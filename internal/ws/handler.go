package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"teamchat/internal/auth"
	"teamchat/internal/models"
	"teamchat/internal/observability"
	"teamchat/internal/router"
	"teamchat/internal/store"
)

const sessionRoutingKey = "ws_events.sessions"

// ChatService is the store surface used by websocket sessions.
type ChatService interface {
	Append(ctx context.Context, req store.AppendRequest) (models.Message, error)
	Edit(ctx context.Context, messageID, requesterID, newBody, requestID string) (models.Message, error)
	Delete(ctx context.Context, messageID, requesterID, requestID string) error
	React(ctx context.Context, messageID, userID, emoji, requestID string) (models.ReactionDelta, error)
	ListSince(ctx context.Context, channelID, viewerID, cursor string, limit int) ([]models.Message, error)
	ListLatest(ctx context.Context, channelID, viewerID string, limit int) ([]models.Message, error)
	MarkRead(ctx context.Context, channelID, userID, messageID string) (models.ReadState, error)
	GetChannel(ctx context.Context, channelID, viewerID string) (models.Channel, error)
}

// Broadcaster is the router surface used by websocket sessions.
type Broadcaster interface {
	Attach(s router.Session)
	Detach(sessionID string)
	SetTyping(ctx context.Context, channelID, userID string, typing bool)
	ClearTyping(ctx context.Context, userID string)
}

// Subscriptions is the registry surface used by websocket sessions.
type Subscriptions interface {
	Subscribe(sessionID, channelID string)
	Unsubscribe(sessionID, channelID string)
	Focus(sessionID, channelID string)
}

// Options tunes websocket sessions. Zero values fall back to defaults.
type Options struct {
	SendQueueSize int
	StoreTimeout  time.Duration
	RateLimit     rate.Limit
	RateBurst     int
	PingInterval  time.Duration
	PongWait      time.Duration
	WriteWait     time.Duration
	MaxFrameBytes int64
}

func (o Options) withDefaults() Options {
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 256
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 20
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 40
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 64 << 10
	}
	return o
}

// Handler upgrades GET /ws and runs one session per connection.
type Handler struct {
	store    ChatService
	router   Broadcaster
	registry Subscriptions
	auth     auth.Authenticator
	log      *zap.Logger
	validate *validator.Validate
	opts     Options
	upgrader websocket.Upgrader
}

// NewHandler constructs a Handler.
func NewHandler(svc ChatService, broadcaster Broadcaster, subs Subscriptions, authenticator auth.Authenticator, log *zap.Logger, opts Options) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		store:    svc,
		router:   broadcaster,
		registry: subs,
		auth:     authenticator,
		log:      log,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		opts:     opts.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle upgrades the connection and starts the session pumps.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("teamchat/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	userID, err := h.auth.Authenticate(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	who := observability.IdentifyRequest(c.Request)
	info := ConnInfo{
		ConnID:      uuid.NewString(),
		UserID:      userID,
		DeviceID:    who.DeviceID,
		IP:          who.IP,
		RequestID:   who.RequestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	// The session outlives the HTTP request, so it must not inherit its cancellation.
	s := newSession(context.WithoutCancel(ctx), conn, info, h.opts, h.log)
	h.router.Attach(s)

	observability.IncWSActive()
	observability.IncWSEvent("lifecycle", "ws_connect")
	h.publishLifecycle(s, "ws_connect", "")
	s.log.Info("websocket connected")

	go s.writePump()
	go h.readPump(s)
}

func (h *Handler) readPump(s *Session) {
	reason := "client_closed"
	defer func() {
		s.Close(reason)
		h.router.Detach(s.ID())
		h.router.ClearTyping(context.Background(), s.UserID())
		observability.DecWSActive()
		observability.IncWSEvent("lifecycle", "ws_disconnect")
		h.publishLifecycle(s, "ws_disconnect", s.CloseReason())
		s.log.Info("websocket disconnected", zap.String("reason", s.CloseReason()))
	}()

	s.conn.SetReadLimit(h.opts.MaxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			reason = err.Error()
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && (closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway) {
				reason = "client_closed"
			} else if s.CloseReason() == "" {
				observability.IncWSEvent("lifecycle", "ws_error")
				h.publishLifecycle(s, "ws_error", reason)
			}
			return
		}
		h.dispatch(s, frame)
	}
}

func (h *Handler) publishLifecycle(s *Session, event, reason string) {
	envelope := observability.SessionEvent(event, s.ID(), s.info.identity(), s.info.ConnectedAt, reason, s.info.headers())
	if err := observability.PublishEvent(context.Background(), sessionRoutingKey, envelope); err != nil {
		s.log.Debug("publish session event", zap.String("event", event), zap.Error(err))
	}
}
