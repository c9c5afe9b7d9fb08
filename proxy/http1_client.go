package proxy

import (
	"github.com/sagernet/sing-mitm/flow"
	E "github.com/sagernet/sing/common/exceptions"
)

var _ upstreamConnection = (*http1Client)(nil)

// http1Client writes requests to and reads responses from an origin server,
// one exchange at a time.
type http1Client struct {
	ctx      *Context
	endpoint *flow.Endpoint
	buffer   []byte
	state    http1State
	active   bool
	streamID uint32
	lastID   uint32

	requestMethod  string
	requestChunked bool
	requestClose   bool
	requestDone    bool
	responseDone   bool
	responseClose  bool
	trailers       *flow.Headers
	body           bodyReader
}

func newHTTP1Client(ctx *Context, endpoint *flow.Endpoint) *http1Client {
	return &http1Client{
		ctx:      ctx,
		endpoint: endpoint,
		lastID:   ^uint32(0),
	}
}

func (h *http1Client) start() []Command {
	return nil
}

func (h *http1Client) newStreamID() uint32 {
	h.lastID += 2
	return h.lastID
}

func (h *http1Client) available() bool {
	return h.idle()
}

func (h *http1Client) idle() bool {
	return !h.active && h.state == http1ReadHeaders
}

func (h *http1Client) takeBuffer() []byte {
	buffer := h.buffer
	h.buffer = nil
	return buffer
}

func (h *http1Client) send(event httpEvent) []Command {
	switch e := event.(type) {
	case RequestHeaders:
		if h.active || h.state != http1ReadHeaders {
			return nil
		}
		h.active = true
		h.streamID = e.StreamID
		h.requestDone = false
		h.responseDone = false
		h.trailers = nil
		request := e.Request.Clone()
		if !request.Headers.Has("Host") && request.Authority != "" {
			request.Headers.Insert(0, "Host", request.Authority)
		}
		h.requestMethod = request.Method
		h.requestClose = connectionClose(http1Version(request.Version), &request.Headers)
		h.requestChunked = false
		request.Version = http1Version(request.Version)
		_, hasLength, _ := contentLength(&request.Headers)
		chunked, hasTransferEncoding := isChunked(&request.Headers)
		switch {
		case hasTransferEncoding && chunked:
			request.Headers.Del("Content-Length")
			h.requestChunked = true
		case !hasLength && !e.EndStream:
			request.Headers.Del("Transfer-Encoding")
			request.Headers.Add("Transfer-Encoding", "chunked")
			h.requestChunked = true
		}
		return []Command{SendData{Endpoint: h.endpoint, Data: assembleRequestHead(request)}}
	case RequestData:
		if !h.active || e.StreamID != h.streamID || len(e.Data) == 0 {
			return nil
		}
		data := e.Data
		if h.requestChunked {
			data = assembleChunk(data)
		}
		return []Command{SendData{Endpoint: h.endpoint, Data: data}}
	case RequestTrailers:
		if e.StreamID == h.streamID {
			trailers := e.Trailers
			h.trailers = &trailers
		}
	case RequestEndOfMessage:
		if !h.active || e.StreamID != h.streamID {
			return nil
		}
		var commands []Command
		if h.requestChunked {
			commands = append(commands, SendData{Endpoint: h.endpoint, Data: assembleChunkedEnd(h.trailers)})
		}
		h.requestDone = true
		if h.responseDone {
			commands = append(commands, h.finish()...)
		}
		return commands
	case RequestProtocolError:
		if !h.active || e.StreamID != h.streamID {
			return nil
		}
		h.state = http1Done
		h.active = false
		return closeEndpoint(h.endpoint)
	}
	return nil
}

func (h *http1Client) receiveData(data []byte) ([]httpEvent, []Command) {
	h.buffer = append(h.buffer, data...)
	var events []httpEvent
	for {
		switch h.state {
		case http1ReadHeaders:
			if len(h.buffer) == 0 {
				return events, nil
			}
			if !h.active || h.responseDone {
				h.state = http1Done
				h.buffer = nil
				return events, []Command{
					h.ctx.log(LogLevelDebug, "unexpected data from server ", h.endpoint.Address),
					CloseConnection{Endpoint: h.endpoint},
				}
			}
			response, n, err := readResponseHead(h.buffer, h.ctx.Options.maxHeaderSize())
			if err != nil {
				return append(events, h.protocolError(err)), nil
			}
			if n == 0 {
				return events, nil
			}
			h.buffer = h.buffer[n:]
			if response.StatusCode/100 == 1 && response.StatusCode != 101 {
				// informational responses are not forwarded
				continue
			}
			size, err := expectedResponseBodySize(h.requestMethod, response)
			if err != nil {
				return append(events, h.protocolError(err)), nil
			}
			h.responseClose = connectionClose(response.Version, &response.Headers) || size == bodyUntilClose
			if response.StatusCode == 101 {
				h.state = http1Passthrough
				return append(events,
					ResponseHeaders{StreamID: h.streamID, Response: response, EndStream: true},
					ResponseEndOfMessage{StreamID: h.streamID},
				), nil
			}
			if size == 0 {
				events = append(events,
					ResponseHeaders{StreamID: h.streamID, Response: response, EndStream: true},
					ResponseEndOfMessage{StreamID: h.streamID},
				)
				if h.requestMethod == "CONNECT" && response.StatusCode/100 == 2 {
					h.state = http1Passthrough
					return events, nil
				}
				h.responseDone = true
				commands := h.completeIfDone()
				if h.state != http1ReadHeaders {
					return events, commands
				}
				continue
			}
			h.body = newBodyReader(size)
			h.state = http1ReadBody
			events = append(events, ResponseHeaders{StreamID: h.streamID, Response: response})
		case http1ReadBody:
			chunk, n, done, err := h.body.read(h.buffer)
			h.buffer = h.buffer[n:]
			if len(chunk) > 0 {
				events = append(events, ResponseData{StreamID: h.streamID, Data: chunk})
			}
			if err != nil {
				return append(events, h.protocolError(err)), nil
			}
			if !done {
				return events, nil
			}
			if trailers := h.body.trailers(); trailers != nil {
				events = append(events, ResponseTrailers{StreamID: h.streamID, Trailers: *trailers})
			}
			h.body = nil
			h.state = http1ReadHeaders
			h.responseDone = true
			events = append(events, ResponseEndOfMessage{StreamID: h.streamID})
			commands := h.completeIfDone()
			if h.state != http1ReadHeaders {
				return events, commands
			}
		default:
			return events, nil
		}
	}
}

func (h *http1Client) completeIfDone() []Command {
	h.state = http1ReadHeaders
	if !h.requestDone {
		return nil
	}
	return h.finish()
}

func (h *http1Client) finish() []Command {
	h.active = false
	if h.responseClose || h.requestClose {
		h.state = http1Done
		return closeEndpoint(h.endpoint)
	}
	h.state = http1ReadHeaders
	return nil
}

func (h *http1Client) protocolError(err error) httpEvent {
	h.state = http1Done
	h.active = false
	h.buffer = nil
	return ResponseProtocolError{StreamID: h.streamID, Err: err}
}

func (h *http1Client) receiveClose() []httpEvent {
	state := h.state
	active := h.active
	h.state = http1Done
	h.active = false
	switch {
	case state == http1ReadBody:
		if err := h.body.closed(); err != nil {
			return []httpEvent{ResponseProtocolError{StreamID: h.streamID, Err: E.Extend(ErrUpstream, err)}}
		}
		return []httpEvent{ResponseEndOfMessage{StreamID: h.streamID}}
	case state == http1ReadHeaders && active && !h.responseDone:
		return []httpEvent{ResponseProtocolError{StreamID: h.streamID, Err: errServerDisconnected}}
	}
	return nil
}
