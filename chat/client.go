package chat

import (
	"net"

	"github.com/pkg/errors"
)

// Client is one connection to the chat server.
type Client struct {
	conn net.Conn
	nick string
}

// Dial connects to the server and announces nick.
func Dial(addr, nick string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	if err := WriteFrame(conn, Message{Type: TypeJoin, From: nick}); err != nil {
		conn.Close()
		return nil, err
	}
	return &Client{conn: conn, nick: nick}, nil
}

// Send publishes one chat line.
func (c *Client) Send(text string) error {
	return WriteFrame(c.conn, Message{Type: TypeChat, From: c.nick, Text: text})
}

// Recv blocks for the next frame from the server.
func (c *Client) Recv() (Message, error) {
	return ReadFrame(c.conn)
}

func (c *Client) Close() error { return c.conn.Close() }
