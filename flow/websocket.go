package flow

import "time"

type MessageType uint8

// Values match the RFC 6455 opcodes.
const (
	MessageText   MessageType = 0x1
	MessageBinary MessageType = 0x2
	MessagePing   MessageType = 0x9
	MessagePong   MessageType = 0xa
)

func (t MessageType) String() string {
	switch t {
	case MessageText:
		return "text"
	case MessageBinary:
		return "binary"
	case MessagePing:
		return "ping"
	case MessagePong:
		return "pong"
	default:
		return "unknown"
	}
}

type Message struct {
	FromClient bool        `json:"from_client"`
	Type       MessageType `json:"type"`
	Content    []byte      `json:"content"`
	Timestamp  time.Time   `json:"timestamp"`
	Dropped    bool        `json:"dropped,omitempty"`
}

type WebSocketFlow struct {
	Flow
	Handshake      *HTTPFlow  `json:"handshake"`
	Messages       []*Message `json:"messages"`
	ClosedByClient bool       `json:"closed_by_client"`
	CloseCode      uint16     `json:"close_code,omitempty"`
	CloseReason    string     `json:"close_reason,omitempty"`
	TimestampEnd   time.Time  `json:"timestamp_end,omitempty"`
}

func NewWebSocketFlow(handshake *HTTPFlow) *WebSocketFlow {
	websocketFlow := &WebSocketFlow{
		Flow:      newFlow("websocket", handshake.Connection),
		Handshake: handshake,
	}
	handshake.WebSocket = websocketFlow
	return websocketFlow
}

func (f *WebSocketFlow) Clone() *WebSocketFlow {
	clone := *f
	clone.Connection = f.Connection.Snapshot()
	if f.Handshake != nil {
		clone.Handshake = f.Handshake.Clone()
		clone.Handshake.WebSocket = &clone
	}
	clone.Messages = make([]*Message, 0, len(f.Messages))
	for _, message := range f.Messages {
		messageCopy := *message
		clone.Messages = append(clone.Messages, &messageCopy)
	}
	if f.Error != nil {
		flowError := *f.Error
		clone.Error = &flowError
	}
	return &clone
}
