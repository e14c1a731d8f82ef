package live

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 5 * time.Second

// Client is a websocket subscriber.
type Client struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	logger zerolog.Logger
}

// NewClient wraps conn.
func NewClient(conn *websocket.Conn, logger zerolog.Logger) *Client {
	return &Client{conn: conn, logger: logger}
}

// Send writes one text frame.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.logger.Debug().Err(err).Msg("Websocket send failed")
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close terminates the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.Close()
}
