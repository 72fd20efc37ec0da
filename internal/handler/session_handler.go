package handler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-livechat/internal/dto"
	"github.com/noah-isme/gema-livechat/internal/middleware"
	"github.com/noah-isme/gema-livechat/internal/session"
)

const writeWait = 10 * time.Second

// SessionOpener starts a reconciliation session for a connected tab.
type SessionOpener interface {
	Open(ctx context.Context, self session.Identity) (*session.Session, error)
}

// SessionHandler upgrades a tab's connection and pumps commands and events.
type SessionHandler struct {
	sessions  SessionOpener
	keepalive time.Duration
	logger    zerolog.Logger
}

// NewSessionHandler creates a session handler. keepalive is the ping interval.
func NewSessionHandler(sessions SessionOpener, keepalive time.Duration, logger zerolog.Logger) *SessionHandler {
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	return &SessionHandler{
		sessions:  sessions,
		keepalive: keepalive,
		logger:    logger.With().Str("component", "session_handler").Logger(),
	}
}

// Register binds the websocket route under router.
func (h *SessionHandler) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			ctx := middleware.ContextWithCorrelation(context.Background(), middleware.GetCorrelationID(c))
			c.Locals("request_ctx", ctx)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	router.Get("/ws", websocket.New(h.handleConnection))
}

func (h *SessionHandler) handleConnection(conn *websocket.Conn) {
	userID, _ := conn.Locals(middleware.LocalUserID).(string)
	userName, _ := conn.Locals(middleware.LocalUserName).(string)
	email, _ := conn.Locals(middleware.LocalUserEmail).(string)
	photo, _ := conn.Locals(middleware.LocalUserPhoto).(string)
	if userID == "" {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "user id missing"))
		_ = conn.Close()
		return
	}

	baseCtx, _ := conn.Locals("request_ctx").(context.Context)
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	logger := h.logger.With().
		Str("user_id", userID).
		Str("correlation_id", middleware.CorrelationIDFromContext(baseCtx)).
		Logger()

	sess, err := h.sessions.Open(ctx, session.Identity{
		UserID:   userID,
		UserName: userName,
		Email:    email,
		PhotoURL: photo,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to open session")
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable"))
		_ = conn.Close()
		return
	}
	defer sess.Close()

	logger.Info().Str("session_id", sess.ID()).Msg("session websocket connected")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writeLoop(conn, sess, logger)
		cancel()
		_ = conn.Close()
	}()

	h.readLoop(ctx, conn, sess, logger)

	cancel()
	sess.Close()
	wg.Wait()
	logger.Info().Str("session_id", sess.ID()).Msg("session websocket disconnected")
}

func (h *SessionHandler) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, logger zerolog.Logger) {
	conn.SetReadLimit(8 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(2 * h.keepalive))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * h.keepalive))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("session websocket read ended")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * h.keepalive))

		var cmd dto.SessionCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			// An empty command is rejected by validation and answered with an error event.
			cmd = dto.SessionCommand{}
		}
		if err := sess.Handle(ctx, cmd); errors.Is(err, session.ErrClosed) {
			return
		}
	}
}

func (h *SessionHandler) writeLoop(conn *websocket.Conn, sess *session.Session, logger zerolog.Logger) {
	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-sess.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
			return
		case event := <-sess.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				logger.Debug().Err(err).Str("event", event.Type).Msg("session websocket write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
