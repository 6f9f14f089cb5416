package feedsim

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// client is one connected session. All writes go through out so the write
// pump is the only goroutine touching the connection for writing.
type client struct {
	conn      *websocket.Conn
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	channel int
	fields  []string
	symbols []string
}

func newClient(conn *websocket.Conn) *client {
	return &client{conn: conn, out: make(chan []byte, 256), done: make(chan struct{})}
}

// send queues v; a slow client loses messages.
func (c *client) send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.out <- b:
	case <-c.done:
	default:
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *client) configure(channel int, fields []string) {
	c.mu.Lock()
	c.channel = channel
	c.fields = fields
	c.mu.Unlock()
}

func (c *client) reset() {
	c.mu.Lock()
	c.symbols = nil
	c.mu.Unlock()
}

func (c *client) subscribe(sym string) {
	if sym == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.symbols {
		if s == sym {
			return
		}
	}
	c.symbols = append(c.symbols, sym)
}

func (c *client) subscription() (symbols, fields []string, channel int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.symbols...), c.fields, c.channel
}
