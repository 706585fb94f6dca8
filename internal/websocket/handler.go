package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/tallyhq/tally-backend/logger"
	"github.com/tallyhq/tally-backend/types"
)

// PollResolver maps a public or admin token to its poll. Implemented by
// models.PollModel.
type PollResolver interface {
	GetPollByAnyToken(ctx context.Context, token string) (*types.Poll, bool, error)
}

// Handler upgrades viewer connections and streams poll channel events.
type Handler struct {
	log            *zap.SugaredLogger
	hub            *Hub
	resolver       PollResolver
	allowedOrigins []string
	isDevelopment  bool
}

func NewHandler(hub *Hub, resolver PollResolver, allowedOrigins []string, isDevelopment bool) *Handler {
	return &Handler{
		log:            logger.GetLogger().Named("ws_handler"),
		hub:            hub,
		resolver:       resolver,
		allowedOrigins: allowedOrigins,
		isDevelopment:  isDevelopment,
	}
}

func (h *Handler) acceptOptions() *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	}
	if h.isDevelopment {
		opts.InsecureSkipVerify = true
	} else {
		opts.OriginPatterns = h.allowedOrigins
	}
	return opts
}

// ServerMessage is the wire frame sent to viewers.
type ServerMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HandleLiveConnection upgrades GET /polls/:token/ws. The token may be the
// public or the admin token; both reach the same poll channel.
func (h *Handler) HandleLiveConnection(c *gin.Context) {
	token := c.Param("token")

	poll, _, err := h.resolver.GetPollByAnyToken(c.Request.Context(), token)
	if err != nil {
		_ = c.Error(err)
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, h.acceptOptions())
	if err != nil {
		h.log.Warnw("Failed to accept websocket connection",
			"pollId", poll.ID, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub := h.hub.Subscribe(poll.ID)
	defer h.hub.Unsubscribe(sub)

	h.log.Infow("Live viewer connected", "pollId", poll.ID, "subscriber", sub.ID)

	errCh := make(chan error, 3)
	go func() { errCh <- h.readLoop(ctx, conn) }()
	go func() { errCh <- h.writeLoop(ctx, conn, sub) }()
	go func() { errCh <- h.pingLoop(ctx, conn) }()

	err = <-errCh
	if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		h.log.Debugw("Live viewer disconnected", "pollId", poll.ID, "error", err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// readLoop drains client frames. Viewers are read-only; anything they send
// is discarded, but reading is required to notice disconnects.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return err
		}
	}
}

func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, sub *Subscriber) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			writeCtx, cancel := context.WithTimeout(ctx, h.hub.Config().WriteTimeout)
			err := wsjson.Write(writeCtx, conn, ServerMessage{
				Type:    string(event.Type),
				Payload: event.Payload,
			})
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (h *Handler) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(h.hub.Config().PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.hub.Config().WriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
