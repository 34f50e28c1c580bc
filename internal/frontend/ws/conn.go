// Package ws is the websocket frontend: it upgrades HTTP requests, decodes
// inbound JSON envelopes for the gateway, and writes each connection's outbox
// back to the socket.
package ws

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/roomsync/internal/gateway"
	"github.com/cory-johannsen/roomsync/internal/protocol"
)

// Conn is one upgraded websocket bound to a gateway session.
type Conn struct {
	id     string
	ws     *websocket.Conn
	outbox *gateway.Outbox
	gw     *gateway.Gateway
	logger *zap.Logger

	pongWait     time.Duration
	pingPeriod   time.Duration
	writeTimeout time.Duration

	writerDone chan struct{}
}

// ID returns the gateway connection identifier.
func (c *Conn) ID() string { return c.id }

// readPump decodes frames and hands them to the gateway until the socket fails
// or the peer closes it.
func (c *Conn) readPump() {
	if err := c.ws.SetReadDeadline(time.Now().Add(c.pongWait)); err != nil {
		c.logger.Debug("setting read deadline", zap.Error(err))
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		if kind != websocket.TextMessage {
			c.gw.Reject(c.id, protocol.ErrMalformed)
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Debug("rejecting undecodable frame", zap.Error(err))
			c.gw.Reject(c.id, err)
			continue
		}
		if err := c.gw.Handle(c.id, msg); err != nil {
			if errors.Is(err, gateway.ErrUnknownConnection) {
				return
			}
			c.logger.Debug("message rejected", zap.Error(err))
		}
	}
}

// writePump drains the outbox to the socket and keeps the peer alive with
// pings. It returns when the outbox is closed or a write fails.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
	}()

	for {
		select {
		case msg, ok := <-c.outbox.Events():
			if !ok {
				_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.write(msg); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				// Unblocks readPump so the session is torn down.
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}

func (c *Conn) write(msg protocol.Outbound) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Error("encoding outbound message", zap.String("type", msg.Type()), zap.Error(err))
		return nil
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
