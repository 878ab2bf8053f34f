// Package web hosts the websocket event stream that is the driver's only
// consumed interface toward visualization. Visualization itself (canvas
// rendering, graphs, tooltips, color LUTs) is out of scope; this package
// only broadcasts stats/soup-view frames and routes inbound control
// commands to a Controller.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Controller is the control surface a Client routes inbound UI messages
// to. The driver implements this; package web never imports package
// driver, so the dependency runs one way.
type Controller interface {
	Pause()
	Resume()
	Step(ctx context.Context) error
	SetParam(name string, value float64) error
	SetViewStart(index int)
}

// UIMessage is the inbound JSON control-message shape.
type UIMessage struct {
	Type    string  `json:"type"`
	Command string  `json:"command"`
	Name    string  `json:"name"`
	Value   float64 `json:"value"`
}

// StatsFrame is the outbound JSON stats broadcast, sent on the driver's
// observability cadence.
type StatsFrame struct {
	Epoch          float64 `json:"epoch"`
	PairCount      int64   `json:"pairCount"`
	Entropy        float64 `json:"entropy"`
	Kolmogorov     float64 `json:"kolmogorov"`
	Head0EMA       float64 `json:"head0Ema"`
	Head1EMA       float64 `json:"head1Ema"`
	MathEMA        float64 `json:"mathEma"`
	CopyEMA        float64 `json:"copyEma"`
	LoopEMA        float64 `json:"loopEma"`
	StepsPerSecond float64 `json:"stepsPerSecond"`
}

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	hub        *Hub
	controller Controller
	log        *logrus.Logger
	conn       *websocket.Conn
	send       chan []byte
}

// readPump pumps inbound control messages to the Controller. A broken
// connection is detected by a write failure in writePump; there is no read
// deadline because this is a high-throughput stream, not a chat protocol.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("websocket read error")
			}
			break
		}

		var msg UIMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.log.WithError(err).Warn("dropping malformed UI message")
			continue
		}
		c.route(msg)
	}
}

func (c *Client) route(msg UIMessage) {
	switch msg.Type {
	case "command":
		switch msg.Command {
		case "pause":
			c.controller.Pause()
		case "resume":
			c.controller.Resume()
		case "step":
			if err := c.controller.Step(context.Background()); err != nil {
				c.log.WithError(err).Warn("step failed")
			}
		default:
			c.log.WithField("command", msg.Command).Warn("unknown command")
		}
	case "set_param":
		if err := c.controller.SetParam(msg.Name, msg.Value); err != nil {
			c.log.WithError(err).WithField("name", msg.Name).Warn("set_param failed")
		}
	case "set_view_start_index":
		c.controller.SetViewStart(int(msg.Value))
	default:
		c.log.WithField("type", msg.Type).Warn("unknown message type")
	}
}

// writePump pumps messages from the hub to the websocket connection. It is
// the only goroutine that writes to the connection.
func (c *Client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		msgType := websocket.BinaryMessage
		if json.Valid(message) {
			msgType = websocket.TextMessage
		}
		if err := c.conn.WriteMessage(msgType, message); err != nil {
			c.log.WithError(err).Warn("write error, closing connection")
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// Hub maintains the set of active clients and broadcasts messages to them.
type Hub struct {
	clients    map[*Client]bool
	Broadcast  chan []byte
	Register   chan *Client
	Unregister chan *Client
}

// NewHub creates an empty Hub. Call Run in its own goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		Broadcast:  make(chan []byte, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// Run drives the Hub's register/unregister/broadcast loop until ctx is
// done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.Register:
			h.clients[client] = true
		case client := <-h.Unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case message := <-h.Broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow client: drop the frame rather than block the
					// broadcast or disconnect. A genuinely dead
					// connection is caught by writePump's deadline.
				}
			}
		}
	}
}

// ServeWS upgrades an HTTP request to a websocket connection and registers
// a new Client against hub, routing its inbound commands to controller.
func ServeWS(hub *Hub, controller Controller, log *logrus.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	client := &Client{hub: hub, controller: controller, log: log, conn: conn, send: make(chan []byte, 256)}
	client.hub.Register <- client

	go client.writePump()
	go client.readPump()
}
