package client

import (
	"context"
	"time"

	"github.com/emirpasic/gods/maps/hashmap"
	"github.com/emirpasic/gods/sets/hashset"
	"go.uber.org/zap"

	"revita/clinic/dispatch-queue-server/pkg/infra"
	"revita/clinic/dispatch-queue-server/pkg/msg"
)

type opKind int

const (
	joinOp opKind = iota
	leaveOp
	unregisterOp
)

// op is a membership change. Changes of one client share a channel so
// the hub applies them in the order the client made them.
type op struct {
	kind    opKind
	client  *Client
	channel string
}

type outbound struct {
	channel string
	message *msg.WsMessage
}

type membersQuery struct {
	channel string
	result  chan int
}

// Hub tracks which clients listen on which channel. All state is owned by
// the Run goroutine; everything else talks to it through channels.
type Hub struct {
	// Key value: channel -> set of *Client.
	channels *hashmap.Map

	// Key value: *Client -> set of channel.
	memberships *hashmap.Map

	ops       chan *op
	broadcast chan *outbound
	members   chan *membersQuery

	// Closed once Run returned; calls made after that are dropped.
	done chan struct{}

	logger *zap.SugaredLogger
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		channels:    hashmap.New(),
		memberships: hashmap.New(),

		ops:       make(chan *op, 1024),
		broadcast: make(chan *outbound, 1024),
		members:   make(chan *membersQuery),
		done:      make(chan struct{}),

		logger: logger,
	}
}

func ProvideHub(loggerFactory *infra.LoggerFactory) *Hub {
	return NewHub(loggerFactory.Create("Hub").Sugar())
}

func (h *Hub) Join(client *Client, channel string) {
	h.submit(&op{kind: joinOp, client: client, channel: channel})
}

func (h *Hub) Leave(client *Client, channel string) {
	h.submit(&op{kind: leaveOp, client: client, channel: channel})
}

func (h *Hub) Unregister(client *Client) {
	h.submit(&op{kind: unregisterOp, client: client})
}

func (h *Hub) submit(o *op) {
	select {
	case h.ops <- o:
	case <-h.done:
	}
}

// Broadcast is best effort. It never blocks; when the hub is overloaded
// the message is dropped.
func (h *Hub) Broadcast(channel string, message *msg.WsMessage) {
	select {
	case h.broadcast <- &outbound{channel: channel, message: message}:
	default:
		h.logger.Warnf("hub overloaded, dropped broadcast channel[%v] event[%v]", channel, message.EventCode)
	}
}

// Members returns the number of clients on a channel, or -1 when the hub
// did not answer in time.
func (h *Hub) Members(channel string) int {
	query := &membersQuery{channel: channel, result: make(chan int, 1)}
	select {
	case h.members <- query:
		return <-query.result
	case <-h.done:
		return -1
	case <-time.After(time.Second):
		return -1
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.logger.Infof("hub stopped clients[%v]", h.memberships.Size())
			return

		case o := <-h.ops:
			h.apply(o)

		case out := <-h.broadcast:
			value, ok := h.channels.Get(out.channel)
			if !ok {
				continue
			}
			for _, member := range value.(*hashset.Set).Values() {
				client := member.(*Client)
				select {
				case client.send <- out.message:
				default:
					h.logger.Warnf("client[%v] send buffer full, missed event[%v]", client.id, out.message.EventCode)
				}
			}

		case query := <-h.members:
			size := 0
			if value, ok := h.channels.Get(query.channel); ok {
				size = value.(*hashset.Set).Size()
			}
			query.result <- size
		}
	}
}

func (h *Hub) apply(o *op) {
	if o.client.removed {
		return
	}

	switch o.kind {
	case joinOp:
		h.addMember(o.client, o.channel)
		h.logger.Debugf("joined client[%v] channel[%v]", o.client.id, o.channel)
		h.send(o.client, msg.JoinedCode, &msg.JoinedEvent{Joined: true, Channel: o.channel, Message: "joined " + o.channel})
	case leaveOp:
		h.removeMember(o.client, o.channel)
		h.logger.Debugf("left client[%v] channel[%v]", o.client.id, o.channel)
		h.send(o.client, msg.LeftCode, &msg.JoinedEvent{Joined: false, Channel: o.channel, Message: "left " + o.channel})
	case unregisterOp:
		h.removeClient(o.client)
	}
}

func (h *Hub) addMember(client *Client, channel string) {
	value, ok := h.channels.Get(channel)
	if !ok {
		value = hashset.New()
		h.channels.Put(channel, value)
	}
	value.(*hashset.Set).Add(client)

	joined, ok := h.memberships.Get(client)
	if !ok {
		joined = hashset.New()
		h.memberships.Put(client, joined)
	}
	joined.(*hashset.Set).Add(channel)
}

func (h *Hub) removeMember(client *Client, channel string) {
	if value, ok := h.channels.Get(channel); ok {
		set := value.(*hashset.Set)
		set.Remove(client)
		if set.Empty() {
			h.channels.Remove(channel)
		}
	}
	if joined, ok := h.memberships.Get(client); ok {
		joined.(*hashset.Set).Remove(channel)
	}
}

// removeClient drops every membership and closes the send channel, which
// stops the client's write pump. Only the hub closes send.
func (h *Hub) removeClient(client *Client) {
	if joined, ok := h.memberships.Get(client); ok {
		for _, channel := range joined.(*hashset.Set).Values() {
			h.removeMember(client, channel.(string))
		}
		h.memberships.Remove(client)
	}
	h.logger.Debugf("unregistered client[%v]", client.id)
	client.removed = true
	close(client.send)
}

func (h *Hub) send(client *Client, code msg.EventCode, data any) {
	message, err := msg.NewWsMessage(code, data)
	if err != nil {
		h.logger.Errorf("cannot marshal %v %v", code, err)
		return
	}
	select {
	case client.send <- message:
	default:
		h.logger.Warnf("client[%v] send buffer full, missed %v", client.id, code)
	}
}
