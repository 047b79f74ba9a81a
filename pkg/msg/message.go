package msg

import "encoding/json"

type EventCode string

// Codes sent to websocket clients. Domain events are forwarded with their
// EventType as the code.
const (
	JoinedCode EventCode = "joined"
	LeftCode   EventCode = "left"
	PongCode   EventCode = "pong"
	ErrorCode  EventCode = "error"
)

type WsMessage struct {
	EventCode EventCode       `json:"event"`
	EventData json.RawMessage `json:"data"`
}

func NewWsMessage(code EventCode, data any) (*WsMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &WsMessage{EventCode: code, EventData: raw}, nil
}

// EventMessage forwards a domain event to websocket clients.
func EventMessage(ev Event) (*WsMessage, error) {
	return NewWsMessage(EventCode(ev.EventType()), ev)
}

type Action string

const (
	JoinAction  Action = "join"
	LeaveAction Action = "leave"
	PingAction  Action = "ping"
)

// ClientMessage is anything a terminal sends. An empty object is a ping.
type ClientMessage struct {
	Action     Action `json:"action"`
	Role       string `json:"role"`
	ResourceId string `json:"resourceId"`
}

type JoinedEvent struct {
	Joined  bool   `json:"joined"`
	Channel string `json:"channel"`
	Message string `json:"message"`
}

type PongEvent struct {
	// Unix millis.
	Timestamp int64 `json:"timestamp"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}
