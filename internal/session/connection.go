package session

import (
	"context"
	"log"
	"sync"
	"time"

	"collabsync/internal/middleware"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next message from the peer. Kept above the
	// coordinator's idle timeout so the sweep, not the transport deadline,
	// decides eviction.
	readWait = 120 * time.Second

	// Transport-level ping period; must be less than readWait.
	pingPeriod = 54 * time.Second

	// Outbound queue size per connection. A full queue marks the connection
	// as slow/dead and it is dropped from the registry.
	sendBufferSize = 256
)

// Connection is one live transport-level link from a client, owned
// exclusively by its coordinator for its lifetime. LastActiveAt is guarded by
// the coordinator's lock.
type Connection struct {
	ID            string
	SessionID     string
	ParticipantID string
	ConnectedAt   time.Time
	LastActiveAt  time.Time
	Metadata      map[string]string

	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// trySend queues an outbound message without blocking. Returns false when
// the buffer is full, which the coordinator treats as a dead connection.
func (c *Connection) trySend(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close signals the write pump to send a close frame and tears down the
// transport. Safe to call more than once.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// writePump drains the send queue onto the socket. One goroutine per
// connection; the single writer the websocket package requires.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump feeds inbound messages to the coordinator. Exits on any read
// error, which triggers registry cleanup and the disconnect broadcast.
func (c *Connection) readPump(ctx context.Context, coord *Coordinator) {
	defer func() {
		coord.HandleClose(c, "connection closed")
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(readWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readWait))
		coord.Touch(c)
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("session %s: read error on connection %s: %v", c.SessionID, c.ID, err)
			}
			break
		}
		c.ws.SetReadDeadline(time.Now().Add(readWait))

		msgCtx, span := middleware.StartSpan(ctx, "Session.ProcessMessage",
			attribute.String("session.id", c.SessionID),
			attribute.String("participant.id", c.ParticipantID),
			attribute.String("connection.id", c.ID),
			attribute.Int("message.size", len(message)),
		)
		coord.HandleMessage(msgCtx, c, message)
		span.End()
	}
}
