package proxy

import (
	"bytes"
	"html"
	"net/http"
	"strconv"

	"github.com/sagernet/sing-mitm/flow"
	E "github.com/sagernet/sing/common/exceptions"
)

type http1State uint8

const (
	http1ReadHeaders http1State = iota
	http1ReadBody
	http1Wait
	http1Passthrough
	http1Errored
	http1Done
)

var _ httpConnection = (*http1Server)(nil)

// http1Server reads requests from and writes responses to a client. One
// request is handled at a time, pipelined requests stay buffered.
type http1Server struct {
	ctx      *Context
	endpoint *flow.Endpoint
	buffer   []byte
	state    http1State
	streamID uint32
	request  *flow.Request
	body     bodyReader

	responseSent    bool
	responseNoBody  bool
	responseChunked bool
	responseClose   bool
	trailers        *flow.Headers
}

func newHTTP1Server(ctx *Context, endpoint *flow.Endpoint) *http1Server {
	return &http1Server{
		ctx:      ctx,
		endpoint: endpoint,
		streamID: ^uint32(0),
	}
}

func (h *http1Server) start() []Command {
	return nil
}

// takeBuffer returns unparsed bytes after a switch to passthrough.
func (h *http1Server) takeBuffer() []byte {
	buffer := h.buffer
	h.buffer = nil
	return buffer
}

func (h *http1Server) receiveData(data []byte) ([]httpEvent, []Command) {
	h.buffer = append(h.buffer, data...)
	var (
		events   []httpEvent
		commands []Command
	)
	for {
		switch h.state {
		case http1ReadHeaders:
			h.buffer = bytes.TrimLeft(h.buffer, "\r\n")
			if len(h.buffer) == 0 {
				return events, commands
			}
			request, n, err := readRequestHead(h.buffer, h.ctx.Options.maxHeaderSize())
			if err != nil {
				h.streamID += 2
				return append(events, h.protocolError(err)), commands
			}
			if n == 0 {
				return events, commands
			}
			h.buffer = h.buffer[n:]
			h.streamID += 2
			h.request = request
			h.responseSent = false
			size, err := expectedRequestBodySize(request)
			if err != nil {
				return append(events, h.protocolError(err)), commands
			}
			if size != 0 && request.Headers.HasToken("Expect", "100-continue") {
				request.Headers.Del("Expect")
				commands = append(commands, SendData{Endpoint: h.endpoint, Data: []byte("HTTP/1.1 100 Continue\r\n\r\n")})
			}
			if size == 0 {
				h.state = http1Wait
				events = append(events,
					RequestHeaders{StreamID: h.streamID, Request: request, EndStream: true},
					RequestEndOfMessage{StreamID: h.streamID},
				)
				continue
			}
			h.body = newBodyReader(size)
			h.state = http1ReadBody
			events = append(events, RequestHeaders{StreamID: h.streamID, Request: request})
		case http1ReadBody:
			chunk, n, done, err := h.body.read(h.buffer)
			h.buffer = h.buffer[n:]
			if len(chunk) > 0 {
				events = append(events, RequestData{StreamID: h.streamID, Data: chunk})
			}
			if err != nil {
				return append(events, h.protocolError(err)), commands
			}
			if !done {
				return events, commands
			}
			if trailers := h.body.trailers(); trailers != nil {
				events = append(events, RequestTrailers{StreamID: h.streamID, Trailers: *trailers})
			}
			h.body = nil
			h.state = http1Wait
			events = append(events, RequestEndOfMessage{StreamID: h.streamID})
		default:
			return events, commands
		}
	}
}

func (h *http1Server) protocolError(err error) httpEvent {
	h.state = http1Errored
	h.buffer = nil
	return RequestProtocolError{StreamID: h.streamID, Err: err}
}

func (h *http1Server) receiveClose() []httpEvent {
	state := h.state
	h.state = http1Done
	if state == http1ReadBody {
		return []httpEvent{RequestProtocolError{StreamID: h.streamID, Err: h.body.closed()}}
	}
	return nil
}

func (h *http1Server) send(event httpEvent) []Command {
	if event.streamID() != h.streamID || h.state == http1Done {
		return nil
	}
	switch e := event.(type) {
	case ResponseHeaders:
		return h.sendHeaders(e.Response)
	case ResponseData:
		if h.responseNoBody || len(e.Data) == 0 {
			return nil
		}
		data := e.Data
		if h.responseChunked {
			data = assembleChunk(data)
		}
		return []Command{SendData{Endpoint: h.endpoint, Data: data}}
	case ResponseTrailers:
		trailers := e.Trailers
		h.trailers = &trailers
	case ResponseEndOfMessage:
		var commands []Command
		if h.responseChunked {
			commands = append(commands, SendData{Endpoint: h.endpoint, Data: assembleChunkedEnd(h.trailers)})
		}
		h.trailers = nil
		h.request = nil
		if h.state == http1Passthrough {
			return commands
		}
		if h.responseClose {
			h.state = http1Done
			return append(commands, CloseConnection{Endpoint: h.endpoint})
		}
		h.state = http1ReadHeaders
		return commands
	case ResponseProtocolError:
		h.state = http1Done
		var commands []Command
		if !h.responseSent && e.Code != 0 {
			commands = append(commands, SendData{Endpoint: h.endpoint, Data: errorResponseBytes(e.Code, e.Err)})
		}
		return append(commands, CloseConnection{Endpoint: h.endpoint})
	}
	return nil
}

func (h *http1Server) sendHeaders(response *flow.Response) []Command {
	response = response.Clone()
	method := ""
	requestClose := false
	if h.request != nil {
		method = h.request.Method
		requestClose = connectionClose(h.request.Version, &h.request.Headers)
	}
	h.responseSent = true
	h.responseNoBody = responseHasNoBody(method, response.StatusCode)
	h.responseChunked = false
	h.responseClose = requestClose || (validHTTP1Version(response.Version) && connectionClose(response.Version, &response.Headers))
	if !validHTTP1Version(response.Version) {
		response.Version = "HTTP/1.1"
	}
	if !h.responseNoBody {
		_, hasLength, _ := contentLength(&response.Headers)
		chunked, hasTransferEncoding := isChunked(&response.Headers)
		switch {
		case hasTransferEncoding && chunked:
			response.Headers.Del("Content-Length")
			h.responseChunked = true
		case hasTransferEncoding || !hasLength:
			if h.request != nil && h.request.Version == "HTTP/1.1" && !hasTransferEncoding {
				response.Headers.Set("Transfer-Encoding", "chunked")
				h.responseChunked = true
			} else {
				h.responseClose = true
			}
		}
	}
	if response.StatusCode == http.StatusSwitchingProtocols || (method == http.MethodConnect && response.StatusCode/100 == 2) {
		h.state = http1Passthrough
	}
	return []Command{SendData{Endpoint: h.endpoint, Data: assembleResponseHead(response)}}
}

func errorResponseBytes(statusCode int, err error) []byte {
	response := errorResponse(statusCode, err)
	response.Version = "HTTP/1.1"
	response.Headers.Add("Connection", "close")
	return append(assembleResponseHead(response), response.Body...)
}

func errorResponse(statusCode int, err error) *flow.Response {
	status := strconv.Itoa(statusCode) + " " + http.StatusText(statusCode)
	message := ""
	if err != nil {
		message = err.Error()
	}
	body := []byte("<html>\r\n<head>\r\n<title>" + status + "</title>\r\n</head>\r\n<body>\r\n<h1>" +
		status + "</h1>\r\n<p>" + html.EscapeString(message) + "</p>\r\n</body>\r\n</html>\r\n")
	response := &flow.Response{
		Version:    "HTTP/1.1",
		StatusCode: statusCode,
		Reason:     http.StatusText(statusCode),
		Body:       body,
	}
	response.Headers.Add("Server", "sing-mitm")
	response.Headers.Add("Content-Type", "text/html")
	response.Headers.Add("Content-Length", strconv.Itoa(len(body)))
	return response
}

var errRequestTooLarge = E.Extend(ErrResource, "request body exceeds size limit")
