package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loykin/scriptd/internal/execution"
	"github.com/loykin/scriptd/internal/metrics"
	"github.com/loykin/scriptd/internal/registry"
	"github.com/loykin/scriptd/internal/store"
)

const (
	ExecutionIDHeader = "X-Execution-Id"

	msgNotFound       = "execution not found"
	msgScriptNotFound = "script not found"
	msgLagged         = "observer fell behind; stream truncated"
)

// wsMessage is the only frame the server sends.
type wsMessage struct {
	Type execution.EventType `json:"type"`
	Data string              `json:"data"`
}

// session is one observer connection. Only the goroutine that called stream
// writes data frames; the reader goroutine only watches for peer close.
type session struct {
	conn *websocket.Conn
	cfg  Config
	log  *slog.Logger
	gone chan struct{}
}

func newSession(conn *websocket.Conn, cfg Config, log *slog.Logger) *session {
	s := &session{conn: conn, cfg: cfg, log: log, gone: make(chan struct{})}
	go s.readLoop()
	return s
}

func (s *session) readLoop() {
	defer close(s.gone)
	wait := 2 * s.cfg.PingInterval
	s.conn.SetReadLimit(4096)
	_ = s.conn.SetReadDeadline(time.Now().Add(wait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		// client frames carry nothing; reading keeps control frames flowing
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *session) send(t execution.EventType, data string) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return s.conn.WriteJSON(wsMessage{Type: t, Data: data})
}

// stream forwards sub until the terminal status, a lag cut-off, a transport
// error or the peer going away.
func (s *session) stream(sub *registry.Subscription) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				if sub.Lagged() {
					_ = s.send(execution.EventError, msgLagged)
				}
				return
			}
			if err := s.send(ev.Type, ev.Data); err != nil {
				s.log.Debug("Live session write failed", "execution_id", sub.ExecutionID(), "error", err)
				return
			}
			if ev.Type == execution.EventStatus {
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				return
			}
		case <-s.gone:
			return
		}
	}
}

func (s *session) close(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
	select {
	case <-s.gone:
	case <-time.After(s.cfg.WriteTimeout):
	}
	_ = s.conn.Close()
}

func (r *Router) watch(s *session, sub *registry.Subscription) {
	metrics.AddSubscribers(1)
	defer metrics.AddSubscribers(-1)
	defer sub.Close()
	s.stream(sub)
}

func (r *Router) handleWatch(c *gin.Context) {
	id := c.Param("id")
	sub, ex, err := r.mgr.Attach(c.Request.Context(), id)
	conn, uerr := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if uerr != nil {
		if sub != nil {
			sub.Close()
		}
		return
	}
	s := newSession(conn, r.cfg, r.log)
	switch {
	case errors.Is(err, store.ErrNotFound):
		_ = s.send(execution.EventError, msgNotFound)
	case err != nil:
		r.log.Warn("Attach failed", "execution_id", id, "error", err)
		_ = s.send(execution.EventError, errorMessage(err))
		s.close(websocket.CloseInternalServerErr, "attach failed")
		return
	case sub == nil:
		_ = s.send(execution.EventStatus, ex.Status.String())
	default:
		r.watch(s, sub)
	}
	s.close(websocket.CloseNormalClosure, "")
}

func (r *Router) handleExecuteStream(c *gin.Context) {
	sub, ex, err := r.mgr.ExecuteAndSubscribe(c.Request.Context(), c.Param("script_id"))
	var hdr http.Header
	if err == nil {
		hdr = http.Header{ExecutionIDHeader: []string{ex.ID}}
	}
	conn, uerr := r.upgrader.Upgrade(c.Writer, c.Request, hdr)
	if uerr != nil {
		if sub != nil {
			sub.Close()
		}
		return
	}
	s := newSession(conn, r.cfg, r.log)
	switch {
	case errors.Is(err, store.ErrNotFound):
		_ = s.send(execution.EventError, msgScriptNotFound)
		s.close(websocket.CloseInternalServerErr, "Script not found")
		return
	case err != nil:
		_ = s.send(execution.EventError, errorMessage(err))
		s.close(websocket.CloseInternalServerErr, "execute failed")
		return
	case sub == nil:
		// the execution exists but could not be watched; report where it stands
		cur, gerr := r.mgr.GetExecution(c.Request.Context(), ex.ID)
		if gerr == nil && cur.Status.IsTerminal() {
			_ = s.send(execution.EventStatus, cur.Status.String())
		}
	default:
		r.watch(s, sub)
	}
	s.close(websocket.CloseNormalClosure, "")
}
