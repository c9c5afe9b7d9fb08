package proxy

import (
	"github.com/sagernet/sing-mitm/flow"
)

// HTTP events are exchanged between the HTTP layer and its per-connection
// protocol handlers. StreamID is the wire stream id of the handler that
// produced or consumes the event.

type RequestHeaders struct {
	StreamID  uint32
	Request   *flow.Request
	EndStream bool
}

type RequestData struct {
	StreamID uint32
	Data     []byte
}

type RequestTrailers struct {
	StreamID uint32
	Trailers flow.Headers
}

type RequestEndOfMessage struct {
	StreamID uint32
}

type RequestProtocolError struct {
	StreamID uint32
	Err      error
}

type ResponseHeaders struct {
	StreamID  uint32
	Response  *flow.Response
	EndStream bool
}

type ResponseData struct {
	StreamID uint32
	Data     []byte
}

type ResponseTrailers struct {
	StreamID uint32
	Trailers flow.Headers
}

type ResponseEndOfMessage struct {
	StreamID uint32
}

// ResponseProtocolError sent to a client handler answers with an error page
// when no response headers went out yet and resets the stream otherwise.
type ResponseProtocolError struct {
	StreamID uint32
	Err      error
	Code     int
}

type httpEvent interface {
	Event
	streamID() uint32
}

func (RequestHeaders) isEvent()        {}
func (RequestData) isEvent()           {}
func (RequestTrailers) isEvent()       {}
func (RequestEndOfMessage) isEvent()   {}
func (RequestProtocolError) isEvent()  {}
func (ResponseHeaders) isEvent()       {}
func (ResponseData) isEvent()          {}
func (ResponseTrailers) isEvent()      {}
func (ResponseEndOfMessage) isEvent()  {}
func (ResponseProtocolError) isEvent() {}

func (e RequestHeaders) streamID() uint32        { return e.StreamID }
func (e RequestData) streamID() uint32           { return e.StreamID }
func (e RequestTrailers) streamID() uint32       { return e.StreamID }
func (e RequestEndOfMessage) streamID() uint32   { return e.StreamID }
func (e RequestProtocolError) streamID() uint32  { return e.StreamID }
func (e ResponseHeaders) streamID() uint32       { return e.StreamID }
func (e ResponseData) streamID() uint32          { return e.StreamID }
func (e ResponseTrailers) streamID() uint32      { return e.StreamID }
func (e ResponseEndOfMessage) streamID() uint32  { return e.StreamID }
func (e ResponseProtocolError) streamID() uint32 { return e.StreamID }

// withStreamID rewrites the stream id when an event crosses from one handler
// to another.
func withStreamID(event httpEvent, id uint32) httpEvent {
	switch e := event.(type) {
	case RequestHeaders:
		e.StreamID = id
		return e
	case RequestData:
		e.StreamID = id
		return e
	case RequestTrailers:
		e.StreamID = id
		return e
	case RequestEndOfMessage:
		e.StreamID = id
		return e
	case RequestProtocolError:
		e.StreamID = id
		return e
	case ResponseHeaders:
		e.StreamID = id
		return e
	case ResponseData:
		e.StreamID = id
		return e
	case ResponseTrailers:
		e.StreamID = id
		return e
	case ResponseEndOfMessage:
		e.StreamID = id
		return e
	case ResponseProtocolError:
		e.StreamID = id
		return e
	}
	return event
}

// httpConnection is a sans-io HTTP protocol handler for one endpoint.
type httpConnection interface {
	// start returns the connection preface, if any.
	start() []Command
	receiveData(data []byte) ([]httpEvent, []Command)
	receiveClose() []httpEvent
	send(event httpEvent) []Command
}

// upstreamConnection is an httpConnection talking to an origin server.
type upstreamConnection interface {
	httpConnection
	newStreamID() uint32
	// available reports whether another request stream can be started.
	available() bool
	idle() bool
}
