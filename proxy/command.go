package proxy

import (
	"crypto/tls"

	"github.com/sagernet/sing-mitm/flow"
)

// Command is an effect requested by a layer. The set of implementations is closed.
type Command interface {
	isCommand()
}

type SendData struct {
	Endpoint *flow.Endpoint
	Data     []byte
}

// OpenConnection asks the driver to dial Endpoint.Address.
type OpenConnection struct {
	ID       uint64
	Endpoint *flow.Endpoint
}

type CloseConnection struct {
	Endpoint *flow.Endpoint
	// HalfClose only shuts down the write side.
	HalfClose bool
}

type RequestCertificate struct {
	ID         uint64
	ServerName string
}

type TLSRole uint8

const (
	TLSRoleServer TLSRole = iota
	TLSRoleClient
)

// StartTLS asks the driver to run a TLS handshake on Endpoint. Buffered holds
// raw bytes already received that belong to the handshake.
type StartTLS struct {
	ID          uint64
	Endpoint    *flow.Endpoint
	Role        TLSRole
	Certificate *tls.Certificate
	ServerName  string
	NextProtos  []string
	Insecure    bool
	Buffered    []byte
}

type Hook uint8

const (
	HookRequest Hook = iota
	HookResponse
	HookResponseChunk
	HookWebSocketMessage
)

func (h Hook) String() string {
	switch h {
	case HookRequest:
		return "request"
	case HookResponse:
		return "response"
	case HookResponseChunk:
		return "response_chunk"
	case HookWebSocketMessage:
		return "websocket_message"
	default:
		return "unknown"
	}
}

// InvokeHook carries a snapshot of the flow; the layer keeps the original.
type InvokeHook struct {
	ID        uint64
	Hook      Hook
	HTTP      *flow.HTTPFlow
	WebSocket *flow.WebSocketFlow
	Chunk     []byte
	Message   *flow.Message
}

type EmitFlow struct {
	Flow flow.Record
}

type LogLevel uint8

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

type Log struct {
	Level   LogLevel
	Message string
}

// replaceLayer is consumed by the parent NextLayer, which swaps in Next and
// feeds it Replay.
type replaceLayer struct {
	Next   Layer
	Replay []Event
}

func (SendData) isCommand()           {}
func (OpenConnection) isCommand()     {}
func (CloseConnection) isCommand()    {}
func (RequestCertificate) isCommand() {}
func (StartTLS) isCommand()           {}
func (InvokeHook) isCommand()         {}
func (EmitFlow) isCommand()           {}
func (Log) isCommand()                {}
func (replaceLayer) isCommand()       {}
