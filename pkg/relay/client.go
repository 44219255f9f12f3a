package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	sendBuffSize = 32 // Buffer size of channel for sending frames to clients

	writeWait   = 5 * time.Second
	controlWait = time.Second
)

// A Client is one live websocket session. The alive flag is owned by
// the server's event loop; nothing else may touch it.
type Client struct {
	ID   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	log  *logrus.Logger

	// alive is reset on every heartbeat tick and restored by a pong.
	// Read and written only on the server's event loop.
	alive bool

	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, log *logrus.Logger) *Client {
	return &Client{
		ID:    uuid.New(),
		conn:  conn,
		send:  make(chan []byte, sendBuffSize),
		done:  make(chan struct{}),
		log:   log,
		alive: true,
	}
}

// deliver queues a frame for the client. Delivery is fire and forget:
// a client too slow to drain its buffer loses the frame and is left to
// the heartbeat path.
func (c *Client) deliver(frame []byte) {
	select {
	case c.send <- frame:
	default:
		c.log.WithFields(logrus.Fields{
			"client": c,
		}).Debug("Send buffer full; dropping frame")
	}
}

// ping sends a transport-level ping control frame with no payload.
func (c *Client) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWait))
}

// close tears the connection down. Idempotent, and best effort if the
// transport is already gone.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// post hands an event to the server loop unless the client was closed.
func (c *Client) post(events chan<- event, e event) {
	select {
	case events <- e:
	case <-c.done:
	}
}

// writePump serializes outbound frames onto the websocket connection,
// preserving the order the relay issued them.
func (c *Client) writePump(events chan<- event) {
	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.post(events, clientClosed{client: c})
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump forwards inbound frames and pongs to the server loop until
// the connection ends.
func (c *Client) readPump(events chan<- event) {
	c.conn.SetPongHandler(func(string) error {
		c.post(events, pongReceived{client: c})
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.post(events, clientClosed{client: c})
			return
		}
		c.post(events, frameReceived{client: c, data: data})
	}
}

func (c *Client) String() string {
	return fmt.Sprintf("Client(%s)", c.ID)
}
