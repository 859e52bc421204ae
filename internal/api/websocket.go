package api

import (
	"context"
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/desktopai/desktopai/internal/streaming"
	v1 "github.com/desktopai/desktopai/pkg/api/v1"
	"github.com/desktopai/desktopai/pkg/collector/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The collector and frontend run on the same host; origin checks are
	// handled by the CORS middleware on the HTTP side.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	collectorPongWait  = 60 * time.Second
	collectorWriteWait = 10 * time.Second
)

// collectorConn serializes writes to the collector socket. gorilla/websocket
// allows at most one concurrent writer per connection.
type collectorConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *collectorConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(collectorWriteWait))
	return c.conn.WriteJSON(v)
}

// CollectorSocket upgrades the collector connection, attaches it to the
// command bridge, and routes inbound messages until the socket closes.
// GET /ws/collector
func (h *Handler) CollectorSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("collector upgrade failed", zap.Error(err))
		return
	}

	wrapped := &collectorConn{conn: conn}
	h.bridge.Attach(wrapped)
	h.logger.Info("collector connected", zap.String("remote", conn.RemoteAddr().String()))

	defer func() {
		h.bridge.Detach(wrapped)
		conn.Close()
		h.logger.Info("collector disconnected")
	}()

	conn.SetReadLimit(8 * 1024 * 1024)
	conn.SetReadDeadline(time.Now().Add(collectorPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(collectorPongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("collector read error", zap.Error(err))
			}
			return
		}

		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			h.logger.Warn("invalid collector message", zap.Error(err))
			continue
		}

		switch env.Type {
		case protocol.MessageTypeCommandResult:
			res, err := protocol.ParseCommandResult(env.Raw)
			if err != nil || !res.IsValid() {
				h.logger.Warn("invalid command result", zap.Error(err))
				continue
			}
			h.bridge.HandleIncoming(res)

		case protocol.MessageTypeWindowFocus:
			ev, err := protocol.ParseWindowFocusEvent(env.Raw)
			if err != nil {
				h.logger.Warn("invalid window focus event", zap.Error(err))
				continue
			}
			h.handleWindowFocus(ev)

		case protocol.MessageTypeHeartbeat:
			conn.SetReadDeadline(time.Now().Add(collectorPongWait))

		default:
			h.logger.Warn("unknown collector message type", zap.String("type", string(env.Type)))
		}
	}
}

func (h *Handler) handleWindowFocus(ev *protocol.WindowFocusEvent) {
	obs := &v1.Observation{
		WindowTitle: ev.WindowTitle,
		ProcessName: ev.ProcessName,
		PID:         ev.PID,
		Timestamp:   ev.Timestamp,
		AXSummary:   ev.AXSummary,
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now().UTC()
	}
	if ev.ScreenshotB64 != "" {
		raw, err := base64.StdEncoding.DecodeString(ev.ScreenshotB64)
		if err != nil {
			h.logger.Warn("invalid screenshot encoding", zap.Error(err))
		} else {
			obs.Screenshot = raw
		}
	}

	h.state.Record(obs)
	if h.durable != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := h.durable.SaveObservation(ctx, obs); err != nil {
			h.logger.Warn("failed to persist observation", zap.Error(err))
		}
		cancel()
	}
	h.hub.BroadcastJSON(gin.H{"type": "observation", "observation": obs})
}

// UpdatesSocket upgrades a frontend connection and registers it on the
// broadcast hub for task, run, and observation updates.
// GET /ws/updates
func (h *Handler) UpdatesSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("updates upgrade failed", zap.Error(err))
		return
	}

	client := streaming.NewClient(uuid.New().String(), conn, h.hub, h.logger)
	if err := h.hub.Register(client); err != nil {
		h.logger.Warn("rejecting update subscriber", zap.Error(err))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "connection limit reached"),
			time.Now().Add(collectorWriteWait))
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
