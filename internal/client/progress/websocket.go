package progress

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// WSDialer subscribes through GET /ws/lime-progress/{job_id}.
type WSDialer struct {
	BaseURL     string
	Dialer      *websocket.Dialer
	IdleTimeout time.Duration
}

func (d *WSDialer) Dial(ctx context.Context, jobID string) (Channel, error) {
	u, err := url.Parse(strings.TrimRight(d.BaseURL, "/"))
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws/lime-progress/" + url.PathEscape(jobID)

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, lost("open socket: status %d", resp.StatusCode)
		}
		return nil, lost("open socket: %v", err)
	}

	ch := &wsChannel{jobID: jobID, conn: conn, idle: idleOrDefault(d.IdleTimeout)}
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(ch.idle))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	// Closing the connection unblocks a pending Recv when ctx ends.
	stop := context.AfterFunc(ctx, func() { ch.Close() })
	ch.stop = stop
	return ch, nil
}

type wsChannel struct {
	jobID  string
	conn   *websocket.Conn
	idle   time.Duration
	stop   func() bool
	closed atomic.Bool
	once   sync.Once
}

func (c *wsChannel) JobID() string { return c.jobID }

func (c *wsChannel) Recv() (Event, error) {
	for {
		c.conn.SetReadDeadline(time.Now().Add(c.idle))
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return Event{}, c.readError(err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		return Decode(c.jobID, data)
	}
}

func (c *wsChannel) readError(err error) error {
	if c.closed.Load() {
		return ErrClosed
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return lost("no event for %s", c.idle)
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return lost("socket closed before the job finished")
	}
	return lost("read socket: %v", err)
}

func (c *wsChannel) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		if c.stop != nil {
			c.stop()
		}
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.conn.Close()
	})
	return nil
}

var _ Channel = (*wsChannel)(nil)
