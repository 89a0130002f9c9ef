package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"breedscope.app/internal/core/domain"
	"breedscope.app/internal/core/logger"
	"breedscope.app/internal/core/metrics"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// progressSocket relays one job's events to a websocket peer.
type progressSocket struct {
	conn       *websocket.Conn
	events     <-chan domain.ProgressEvent
	pingPeriod time.Duration
}

// handleLimeSocket is the websocket variant of the progress stream: the same
// JSON events as text frames, a ping every heartbeat period, and a normal
// close frame after the terminal event.
func (s *Server) handleLimeSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	snap, events, err := s.deps.Explain.Watch(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "Job not found")
			return
		}
		logger.ErrorContext(r.Context(), "Failed to watch job", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to open progress stream")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnContext(r.Context(), "Websocket upgrade failed", "error", err)
		return
	}

	metrics.SubscriberOpened()
	defer metrics.SubscriberClosed()

	ps := &progressSocket{conn: conn, events: events, pingPeriod: s.deps.Heartbeat}
	go ps.readPump(cancel)
	ps.writePump(ctx, snap.Event())
}

// readPump discards peer frames and cancels the subscription once the peer is gone.
func (c *progressSocket) readPump(cancel context.CancelFunc) {
	defer cancel()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump sends the snapshot, then every event, until the job ends or the peer leaves.
func (c *progressSocket) writePump(ctx context.Context, first domain.ProgressEvent) {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	if !c.write(first) {
		return
	}
	if first.Terminal() {
		c.closeNormal()
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.events:
			if !ok {
				c.closeNormal()
				return
			}
			if !c.write(ev) {
				return
			}
			if ev.Terminal() {
				c.closeNormal()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *progressSocket) write(ev domain.ProgressEvent) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(ev) == nil
}

func (c *progressSocket) closeNormal() {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
}
