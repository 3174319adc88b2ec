package ws

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const writeDeadline = 5 * time.Second

// Client represents a websocket client connection subscribed to the
// dashboard push channel.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger
}

// NewClient constructs a client wrapper.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger}
}

// Send writes one JSON frame to the websocket connection, bounded by a
// write deadline so a stalled client can't hold up a broadcast.
func (c *Client) Send(payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close terminates the connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}
