package realtime

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	}
	return "UNKNOWN"
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Conn is one accepted websocket. Only writePump writes data frames to ws.
type Conn struct {
	id      string
	subject string
	ws      *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	state     atomic.Int32
}

func newConn(id, subject string, ws *websocket.Conn, buffer int) *Conn {
	c := &Conn{
		id:      id,
		subject: subject,
		ws:      ws,
		send:    make(chan []byte, buffer),
		done:    make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Conn) ID() string { return c.id }

// Subject is the session owner the token resolved to.
func (c *Conn) Subject() string { return c.subject }

func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

func (c *Conn) markConnected() bool {
	return c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected))
}

// enqueue never blocks: a closed connection or a full buffer drops the frame.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		log.Printf("[hub] drop frame conn=%s reason=send_buffer_full", c.id)
		return false
	}
}

func (c *Conn) emit(event string, data any) bool {
	frame, err := encodeFrame(event, data)
	if err != nil {
		log.Printf("[hub] encode %s failed conn=%s err=%v", event, c.id, err)
		return false
	}
	return c.enqueue(frame)
}

// close is idempotent and safe from any goroutine.
func (c *Conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateDisconnected))
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}
