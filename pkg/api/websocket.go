package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openclob/ledgersync/pkg/broadcast"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

// Client bridges one WebSocket connection onto the broadcast hub. Each
// subscribed channel gets a hub subscription and a forwarder goroutine;
// the hub drops the subscription if the client falls too far behind.
type Client struct {
	hub  *broadcast.Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	id   string

	subsMu sync.Mutex
	subs   map[string]*broadcast.Subscription
}

// Subscribe attaches the client to a hub channel
func (c *Client) Subscribe(channel string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	if _, ok := c.subs[channel]; ok {
		return
	}
	sub := c.hub.Subscribe(channel, 256)
	c.subs[channel] = sub
	go c.forward(sub)
	log.Printf("[ws] client %s subscribed to %s", c.id, channel)
}

// Unsubscribe detaches the client from a hub channel
func (c *Client) Unsubscribe(channel string) {
	c.subsMu.Lock()
	sub, ok := c.subs[channel]
	if ok {
		delete(c.subs, channel)
	}
	c.subsMu.Unlock()

	if ok {
		sub.Close()
		log.Printf("[ws] client %s unsubscribed from %s", c.id, channel)
	}
}

func (c *Client) closeSubs() {
	c.subsMu.Lock()
	for channel, sub := range c.subs {
		delete(c.subs, channel)
		sub.Close()
	}
	c.subsMu.Unlock()
}

// forward relays one subscription's messages into the connection's send
// buffer until the subscription closes.
func (c *Client) forward(sub *broadcast.Subscription) {
	for msg := range sub.C {
		data, err := json.Marshal(msg)
		if err != nil {
			log.Printf("[ws] marshal error: %v", err)
			continue
		}
		select {
		case c.send <- data:
		case <-c.done:
			return
		default:
			// Connection buffer full, skip this message
		}
	}
}

// readPump consumes subscription requests until the connection drops
func (c *Client) readPump() {
	defer func() {
		c.closeSubs()
		close(c.done)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[ws] read error: %v", err)
			}
			break
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			log.Printf("[ws] invalid message: %v", err)
			continue
		}

		switch req.Op {
		case "subscribe":
			for _, channel := range req.Channels {
				c.Subscribe(channel)
			}
		case "unsubscribe":
			for _, channel := range req.Channels {
				c.Unsubscribe(channel)
			}
		default:
			log.Printf("[ws] unknown op: %s", req.Op)
		}
	}
}

// writePump pumps buffered messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to current write
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleWebSocket handles WebSocket upgrade and client lifecycle
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
		id:   conn.RemoteAddr().String(),
		subs: make(map[string]*broadcast.Subscription),
	}
	log.Printf("[ws] client connected: %s", client.id)

	go client.writePump()
	go client.readPump()
}
