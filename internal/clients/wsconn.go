package clients

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	outboundSize = 256
)

// WSConn serializes writes to a websocket through one writer goroutine.
type WSConn struct {
	conn     *websocket.Conn
	outbound chan any
	done     chan struct{}
	once     sync.Once

	// onWrite runs after each successful write. Optional.
	onWrite func(v any)
}

func NewWSConn(conn *websocket.Conn, onWrite func(v any)) *WSConn {
	c := &WSConn{
		conn:     conn,
		outbound: make(chan any, outboundSize),
		done:     make(chan struct{}),
		onWrite:  onWrite,
	}
	go c.writeLoop()
	return c
}

// Send drops v when the connection is closed or its queue is saturated.
func (c *WSConn) Send(v any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbound <- v:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *WSConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Done is closed once the connection is shut down.
func (c *WSConn) Done() <-chan struct{} {
	return c.done
}

func (c *WSConn) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = c.Close()
				return
			}
		case msg := <-c.outbound:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				_ = c.Close()
				return
			}
			if c.onWrite != nil {
				c.onWrite(msg)
			}
		}
	}
}
