package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// sendBufferBytes is the per-client outbound budget. When exceeded, the
// oldest queued events are dropped (the connection stays up) and a
// stream_lag notice is delivered.
const sendBufferBytes = 1 << 20

// sendQueueSlots bounds the queue length independent of bytes.
const sendQueueSlots = 4096

// Client is one WebSocket connection with its subscription set and outbound
// queue.
type Client struct {
	id  string
	hub *Hub

	conn    *websocket.Conn
	writeMu sync.Mutex

	// subscriptions is mutated only by the read loop goroutine; reads from
	// Publish go through the mutex.
	subMu         sync.RWMutex
	subscriptions map[string]bool
	authenticated bool
	username      string

	queueMu    sync.Mutex
	queue      [][]byte
	queueBytes int
	lagged     bool
	notify     chan struct{}

	closeOnce sync.Once
	closedCh  chan struct{}

	connectedAt time.Time
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:            newClientID(),
		hub:           h,
		conn:          conn,
		subscriptions: make(map[string]bool),
		notify:        make(chan struct{}, 1),
		closedCh:      make(chan struct{}),
		connectedAt:   time.Now().UTC(),
	}
}

func (c *Client) subscribed(channel string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.subscriptions[channel]
}

// enqueue queues one pre-marshaled event, applying the drop-oldest policy
// over the byte budget.
func (c *Client) enqueue(blob []byte) {
	c.queueMu.Lock()
	c.queue = append(c.queue, blob)
	c.queueBytes += len(blob)

	dropped := 0
	for (c.queueBytes > sendBufferBytes || len(c.queue) > sendQueueSlots) && len(c.queue) > 1 {
		c.queueBytes -= len(c.queue[0])
		c.queue = c.queue[1:]
		dropped++
	}
	needLagNotice := dropped > 0 && !c.lagged
	if dropped > 0 {
		c.lagged = true
	}
	c.queueMu.Unlock()

	if dropped > 0 {
		c.hub.metrics.StreamLagDrops.Add(float64(dropped))
	}
	if needLagNotice {
		c.send(Message{Event: "stream_lag", Data: map[string]any{"dropped": dropped}, Timestamp: time.Now().UTC()})
	}

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// send writes a control message directly, bypassing the event queue.
func (c *Client) send(msg Message) {
	blob, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = c.conn.WriteMessage(websocket.TextMessage, blob)
}

// writePump drains the event queue and drives the transport heartbeat.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closedCh:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.close()
				return
			}
		case <-c.notify:
			for {
				c.queueMu.Lock()
				if len(c.queue) == 0 {
					c.lagged = false
					c.queueMu.Unlock()
					break
				}
				blob := c.queue[0]
				c.queue = c.queue[1:]
				c.queueBytes -= len(blob)
				c.queueMu.Unlock()

				c.writeMu.Lock()
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				err := c.conn.WriteMessage(websocket.TextMessage, blob)
				c.writeMu.Unlock()
				if err != nil {
					c.close()
					return
				}
			}
		}
	}
}

// readPump processes client messages until the connection dies. The read
// deadline doubles as the liveness check: pongs (and any traffic) extend it.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(deadAfter))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadAfter))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(deadAfter))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid message")
			continue
		}
		c.handle(ctx, &msg)
	}
}

func (c *Client) handle(ctx context.Context, msg *clientMessage) {
	switch msg.Event {
	case "authenticate":
		username, _, err := c.hub.verifier.VerifyToken(ctx, msg.Token)
		if err != nil {
			c.sendError("authentication failed")
			return
		}
		c.subMu.Lock()
		c.authenticated = true
		c.username = username
		c.subMu.Unlock()
		c.send(Message{Event: "authenticated", Data: map[string]string{"username": username}, Timestamp: time.Now().UTC()})

	case "subscribe":
		c.subMu.Lock()
		if !c.authenticated {
			c.subMu.Unlock()
			c.sendError("authentication required to subscribe")
			return
		}
		var accepted []string
		for _, ch := range msg.Channels {
			if knownChannels[ch] {
				c.subscriptions[ch] = true
				accepted = append(accepted, ch)
			}
		}
		c.subMu.Unlock()
		c.send(Message{Event: "subscribed", Data: map[string]any{"channels": accepted}, Timestamp: time.Now().UTC()})

	case "unsubscribe":
		c.subMu.Lock()
		for _, ch := range msg.Channels {
			delete(c.subscriptions, ch)
		}
		c.subMu.Unlock()
		c.send(Message{Event: "unsubscribed", Data: map[string]any{"channels": msg.Channels}, Timestamp: time.Now().UTC()})

	case "ping":
		c.send(Message{Event: "pong", Timestamp: time.Now().UTC()})

	default:
		c.sendError("unknown event")
	}
}

func (c *Client) sendError(text string) {
	c.send(Message{Event: "error", Data: map[string]string{"message": text}, Timestamp: time.Now().UTC()})
}

// terminate notifies then closes; used by the cap eviction.
func (c *Client) terminate(reason string) {
	c.send(Message{Event: "error", Data: map[string]string{"message": reason}, Timestamp: time.Now().UTC()})
	c.close()
	slog.Info("Stream client terminated", "client_id", c.id, "reason", reason)
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closedCh)
		_ = c.conn.Close()
	})
}
