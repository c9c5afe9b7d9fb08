package proxy

import (
	"crypto/tls"

	"github.com/sagernet/sing-mitm/flow"
)

// Event is an input to a layer. The set of implementations is closed.
type Event interface {
	isEvent()
}

// Start is delivered once when a layer becomes active.
type Start struct{}

type DataReceived struct {
	Endpoint *flow.Endpoint
	Data     []byte
}

type ConnectionClosed struct {
	Endpoint *flow.Endpoint
}

// OpenConnectionCompleted answers OpenConnection. The endpoint is open when Err is nil.
type OpenConnectionCompleted struct {
	Command uint64
	Err     error
}

type CertificateReady struct {
	Command     uint64
	Certificate *tls.Certificate
	Err         error
}

// TLSHandshakeCompleted answers StartTLS. The layer that issued the command
// records the outcome on the endpoint.
type TLSHandshakeCompleted struct {
	Command     uint64
	ALPN        string
	Version     string
	CipherSuite string
	Err         error
}

type HookCompleted struct {
	Command  uint64
	Decision flow.Decision
	Err      error
}

func (Start) isEvent()                   {}
func (DataReceived) isEvent()            {}
func (ConnectionClosed) isEvent()        {}
func (OpenConnectionCompleted) isEvent() {}
func (CertificateReady) isEvent()        {}
func (TLSHandshakeCompleted) isEvent()   {}
func (HookCompleted) isEvent()           {}

// commandCompletion is implemented by events that answer a command.
type commandCompletion interface {
	Event
	commandID() uint64
}

func (e OpenConnectionCompleted) commandID() uint64 { return e.Command }
func (e CertificateReady) commandID() uint64        { return e.Command }
func (e TLSHandshakeCompleted) commandID() uint64   { return e.Command }
func (e HookCompleted) commandID() uint64           { return e.Command }
