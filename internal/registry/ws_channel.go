package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/delivery-dispatch/internal/models"
)

const (
	DefaultQueueSize = 64

	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// WSChannel is a websocket session with a bounded outbound queue. A single
// writer goroutine owns the connection's write side.
type WSChannel struct {
	id    string
	conn  *websocket.Conn
	queue chan models.Outbound
	done  chan struct{}
	once  sync.Once
	log   zerolog.Logger
}

func NewWSChannel(conn *websocket.Conn, queueSize int, log zerolog.Logger) *WSChannel {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	c := &WSChannel{
		id:    uuid.NewString(),
		conn:  conn,
		queue: make(chan models.Outbound, queueSize),
		done:  make(chan struct{}),
		log:   log,
	}
	go c.writeLoop()
	return c
}

func (c *WSChannel) ID() string { return c.id }

// Send enqueues msg without blocking.
func (c *WSChannel) Send(msg models.Outbound) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	select {
	case c.queue <- msg:
		return nil
	case <-c.done:
		return ErrChannelClosed
	default:
		return ErrQueueFull
	}
}

func (c *WSChannel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// Done is closed once the channel stops accepting messages.
func (c *WSChannel) Done() <-chan struct{} { return c.done }

func (c *WSChannel) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg := <-c.queue:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Warn().Err(err).Str("channel_id", c.id).Str("type", msg.Type).Msg("ws write failed")
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			c.drain()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// drain flushes what is already queued before the close frame.
func (c *WSChannel) drain() {
	for {
		select {
		case msg := <-c.queue:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
