package websocket

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aescanero/dago-master/internal/application/coordinator"
	"github.com/aescanero/dago-master/pkg/domain"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// LogWatcher is the part of the coordinator the stream needs
type LogWatcher interface {
	WatchLogs(sessionID string) ([]domain.LogEntry, <-chan domain.LogEntry, func(), error)
}

// Handler handles WebSocket connections
type Handler struct {
	watcher LogWatcher
	logger  *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(watcher LogWatcher, logger *zap.Logger) *Handler {
	return &Handler{
		watcher: watcher,
		logger:  logger,
	}
}

// HandleLogStream streams one session's log entries until the session
// completes or the client goes away
func (h *Handler) HandleLogStream(c *gin.Context) {
	sessionID := c.Param("sessionId")

	replay, entries, cancel, err := h.watcher.WatchLogs(sessionID)
	if err != nil {
		if errors.Is(err, coordinator.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": gin.H{"code": "NOT_FOUND", "message": "session not found"},
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "INTERNAL_ERROR", "message": err.Error()},
		})
		return
	}
	defer cancel()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("WebSocket connection established",
		zap.String("session_id", sessionID),
		zap.String("client", c.ClientIP()))

	// The client never sends anything useful; reading only detects close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for _, entry := range replay {
		if err := h.write(conn, entry); err != nil {
			return
		}
	}

	for {
		select {
		case <-gone:
			h.logger.Debug("WebSocket client disconnected", zap.String("session_id", sessionID))
			return
		case entry, ok := <-entries:
			if !ok {
				deadline := time.Now().Add(writeTimeout)
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session completed")
				_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
				return
			}
			if err := h.write(conn, entry); err != nil {
				return
			}
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, entry domain.LogEntry) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(entry); err != nil {
		h.logger.Warn("failed to write message",
			zap.String("session_id", entry.SessionID),
			zap.Error(err))
		return err
	}
	return nil
}
