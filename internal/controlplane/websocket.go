package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/fentz26/conductor/internal/fanout"
	"github.com/fentz26/conductor/internal/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/websocket"
)

// Inbound WebSocket message types.
const (
	wsSubscribe   = "subscribe"
	wsUnsubscribe = "unsubscribe"
	wsPublish     = "publish"
)

// Outbound WebSocket message types.
const (
	wsAgentEvent         = "agent_event"
	wsSubscribed         = "subscribed"
	wsSubscriptionClosed = "subscription_closed"
	wsPublished          = "published"
	wsError              = "error"
)

// WSRequest is a message from a WebSocket client. Both session_id and
// sessionId are accepted.
type WSRequest struct {
	Type          string          `json:"type"`
	SessionID     string          `json:"session_id,omitempty"`
	SessionIDAlt  string          `json:"sessionId,omitempty"`
	AfterSequence int64           `json:"after_sequence,omitempty"`
	Event         *PublishRequest `json:"event,omitempty"`
}

func (m WSRequest) session() string {
	if m.SessionID != "" {
		return m.SessionID
	}
	return m.SessionIDAlt
}

// WSMessage is a message to a WebSocket client.
type WSMessage struct {
	Type      string             `json:"type"`
	SessionID string             `json:"session_id,omitempty"`
	Event     *models.AgentEvent `json:"event,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// wsConn owns one client connection. Only the writer goroutine sends on the
// socket; forwarders and the read loop queue messages on out.
type wsConn struct {
	ws      *websocket.Conn
	service *Service
	ctx     context.Context
	out     chan WSMessage

	mu   sync.Mutex
	subs map[string]*fanout.Subscription
	wg   sync.WaitGroup
}

func (s *Server) serveWS(ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		ws:      ws,
		service: s.service,
		ctx:     ctx,
		out:     make(chan WSMessage, 64),
		subs:    make(map[string]*fanout.Subscription),
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
		cancel()
	}()

	c.readLoop()
	cancel()
	c.closeAll()
	c.wg.Wait()
	<-writerDone
	ws.Close()
}

func (c *wsConn) readLoop() {
	for {
		var req WSRequest
		if err := websocket.JSON.Receive(c.ws, &req); err != nil {
			if errors.Is(err, io.EOF) || c.ctx.Err() != nil {
				return
			}
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.send(WSMessage{Type: wsError, Error: "malformed message: " + err.Error()})
				continue
			}
			return
		}
		c.handle(req)
	}
}

func (c *wsConn) handle(req WSRequest) {
	sessionID := req.session()
	switch req.Type {
	case wsSubscribe:
		if sessionID == "" {
			c.send(WSMessage{Type: wsError, Error: "session_id is required"})
			return
		}
		c.subscribe(sessionID, req.AfterSequence)
	case wsUnsubscribe:
		c.mu.Lock()
		sub := c.subs[sessionID]
		delete(c.subs, sessionID)
		c.mu.Unlock()
		if sub != nil {
			sub.Close()
		}
	case wsPublish:
		if sessionID == "" || req.Event == nil {
			c.send(WSMessage{Type: wsError, SessionID: sessionID, Error: "session_id and event are required"})
			return
		}
		ev, err := c.service.Publish(c.ctx, sessionID, *req.Event)
		if err != nil {
			c.send(WSMessage{Type: wsError, SessionID: sessionID, Error: err.Error()})
			return
		}
		c.send(WSMessage{Type: wsPublished, SessionID: sessionID, Event: ev})
	default:
		c.send(WSMessage{Type: wsError, Error: "unknown message type " + req.Type})
	}
}

func (c *wsConn) subscribe(sessionID string, after int64) {
	c.mu.Lock()
	if old := c.subs[sessionID]; old != nil {
		old.Close()
		delete(c.subs, sessionID)
	}
	c.mu.Unlock()

	sub, err := c.service.Subscribe(c.ctx, sessionID, after)
	if err != nil {
		c.send(WSMessage{Type: wsError, SessionID: sessionID, Error: err.Error()})
		return
	}
	c.mu.Lock()
	c.subs[sessionID] = sub
	c.mu.Unlock()

	c.send(WSMessage{Type: wsSubscribed, SessionID: sessionID})
	c.wg.Add(1)
	go c.forward(sessionID, sub)
}

// forward relays one subscription. A slow socket backs up into the
// subscription, where the hub's overflow policy applies.
func (c *wsConn) forward(sessionID string, sub *fanout.Subscription) {
	defer c.wg.Done()
	for ev := range sub.C {
		ev := ev
		if !c.send(WSMessage{Type: wsAgentEvent, SessionID: sessionID, Event: &ev}) {
			sub.Close()
			return
		}
	}

	c.mu.Lock()
	if c.subs[sessionID] == sub {
		delete(c.subs, sessionID)
	}
	c.mu.Unlock()

	msg := WSMessage{Type: wsSubscriptionClosed, SessionID: sessionID}
	if err := sub.Err(); err != nil {
		msg.Error = err.Error()
	} else if sub.Disconnected() {
		msg.Error = "subscriber too slow"
	}
	c.send(msg)
}

func (c *wsConn) send(msg WSMessage) bool {
	select {
	case c.out <- msg:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case msg := <-c.out:
			if err := websocket.JSON.Send(c.ws, msg); err != nil {
				log.Debug().Err(err).Msg("websocket write")
				c.ws.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *wsConn) closeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*fanout.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}
