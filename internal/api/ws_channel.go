package api

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errChannelClosed = errors.New("websocket channel closed")

// wsChannel adapts a websocket connection to broadcast.Channel. Sends are
// serialized and bounded by a write deadline; Close sends one close frame.
type wsChannel struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMutex sync.Mutex
	closeOnce  sync.Once
	closeErr   error
	done       chan struct{}
}

func newWSChannel(conn *websocket.Conn, writeTimeout time.Duration) *wsChannel {
	if writeTimeout <= 0 {
		writeTimeout = wsWriteTimeout
	}
	return &wsChannel{
		conn:         conn,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (c *wsChannel) Send(payload []byte) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	select {
	case <-c.done:
		return errChannelClosed
	default:
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Ping writes a ping control frame.
func (c *wsChannel) Ping() error {
	select {
	case <-c.done:
		return errChannelClosed
	default:
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *wsChannel) Close() error {
	return c.closeWith(websocket.CloseNormalClosure, "")
}

// Reject closes the connection with a policy violation. No data frame is
// ever written.
func (c *wsChannel) Reject(err error) error {
	reason := "unauthorized"
	if err != nil {
		reason = err.Error()
	}
	return c.closeWith(websocket.ClosePolicyViolation, reason)
}

func (c *wsChannel) Done() <-chan struct{} {
	return c.done
}

func (c *wsChannel) closeWith(code int, reason string) error {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.writeTimeout)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, truncateCloseReason(reason)), deadline)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// truncateCloseReason keeps a close reason within the 123 bytes a close
// frame allows.
func truncateCloseReason(reason string) string {
	const maxReasonBytes = 123
	if len(reason) <= maxReasonBytes {
		return reason
	}
	return reason[:maxReasonBytes]
}
