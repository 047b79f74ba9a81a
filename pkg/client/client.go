package client

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"revita/clinic/dispatch-queue-server/pkg/msg"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 8192

	sendBufferSize = 64

	defaultPingPeriod = 5 * time.Second
)

// Conn is the part of *websocket.Conn the pumps use.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteJSON(v interface{}) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	id   string
	conn Conn
	hub  *Hub

	// Buffered channel of outbound messages. Closed by the hub only.
	send chan *msg.WsMessage

	// Set by the hub once the client is unregistered.
	removed bool

	// Send pings to peer with this period.
	pingPeriod time.Duration

	// Time allowed to read the next pong message from the peer.
	pongWait time.Duration

	now    func() time.Time
	logger *zap.SugaredLogger
}

func NewClient(conn Conn, hub *Hub, pingPeriod time.Duration, logger *zap.SugaredLogger) *Client {
	if pingPeriod <= 0 {
		pingPeriod = defaultPingPeriod
	}
	id := uuid.NewString()
	return &Client{
		id:         id,
		conn:       conn,
		hub:        hub,
		send:       make(chan *msg.WsMessage, sendBufferSize),
		pingPeriod: pingPeriod,
		pongWait:   pingPeriod * 5 / 2,
		now:        time.Now,
		logger:     logger.With("client", id),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) Run() {
	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	// Heartbeat. Close connection if client does not respond to ping for too long.
	c.conn.SetReadDeadline(c.now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(c.now().Add(c.pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warnf("read failed %v", err)
			} else {
				c.logger.Debugf("read closing %v", err)
			}
			return
		}
		c.handle(raw)
	}
}

func (c *Client) handle(raw []byte) {
	message := &msg.ClientMessage{}
	if err := json.Unmarshal(raw, message); err != nil {
		c.reply(msg.ErrorCode, &msg.ErrorEvent{Message: "invalid message"})
		return
	}

	switch message.Action {
	case "", msg.PingAction:
		c.reply(msg.PongCode, &msg.PongEvent{Timestamp: c.now().UnixMilli()})

	case msg.JoinAction, msg.LeaveAction:
		channel, err := ChannelName(Role(message.Role), message.ResourceId)
		if err != nil {
			c.reply(msg.ErrorCode, &msg.ErrorEvent{Message: err.Error()})
			return
		}
		if message.Action == msg.JoinAction {
			c.hub.Join(c, channel)
		} else {
			c.hub.Leave(c, channel)
		}

	default:
		c.logger.Warnf("invalid action[%v]", message.Action)
		c.reply(msg.ErrorCode, &msg.ErrorEvent{Message: "invalid action " + string(message.Action)})
	}
}

// reply is only called from the read pump, before it unregisters.
func (c *Client) reply(code msg.EventCode, data any) {
	message, err := msg.NewWsMessage(code, data)
	if err != nil {
		c.logger.Errorf("cannot marshal %v %v", code, err)
		return
	}
	select {
	case c.send <- message:
	default:
		c.logger.Warnf("send buffer full, dropped %v", code)
	}
}

func (c *Client) writePump() {
	pingTicker := time.NewTicker(c.pingPeriod)

	defer func() {
		pingTicker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(c.now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				c.logger.Warnf("write failed %v", err)
				return
			}

		case <-pingTicker.C:
			c.conn.SetWriteDeadline(c.now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debugf("ping failed %v", err)
				return
			}
		}
	}
}
