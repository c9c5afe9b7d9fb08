package proxy

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	C "github.com/sagernet/sing-mitm/constant"
	"github.com/sagernet/sing-mitm/flow"
	E "github.com/sagernet/sing/common/exceptions"
	M "github.com/sagernet/sing/common/metadata"
)

var _ Layer = (*HTTPLayer)(nil)

var (
	errConnectOverHTTP2 = E.Extend(ErrProtocol, "CONNECT over HTTP/2 is not supported")
	errResponseTooLarge = E.Extend(ErrResource, "response body exceeds size limit")
)

type streamState uint8

const (
	streamReadRequest streamState = iota
	streamRequestHook
	streamConnecting
	streamReadResponse
	streamResponseHook
	streamDone
)

// httpStream is one request/response exchange on the client connection.
type httpStream struct {
	id         uint32
	flow       *flow.HTTPFlow
	state      streamState
	body       []byte
	upstream   *upstream
	upstreamID uint32
	hookID     uint64
	hook       Hook
	chunk      []byte
	streamed   bool
	upgrade    bool
	// held keeps response events that arrived while a chunk hook was pending.
	held []httpEvent
}

type upstream struct {
	endpoint *flow.Endpoint
	key      string
	secure   bool
	conn     upstreamConnection
	openID   uint64
	tlsID    uint64
	closed   bool
	waiting  []*httpStream
	streams  map[uint32]*httpStream
}

// HTTPLayer terminates HTTP/1.1 or HTTP/2 from the client and forwards each
// request over a pool of upstream connections.
type HTTPLayer struct {
	ctx        *Context
	client     httpConnection
	http2      bool
	streams    map[uint32]*httpStream
	hooks      map[uint64]*httpStream
	upstreams  []*upstream
	serverUsed bool
	closed     bool
}

func NewHTTPLayer(ctx *Context) *HTTPLayer {
	return &HTTPLayer{
		ctx:     ctx,
		streams: make(map[uint32]*httpStream),
		hooks:   make(map[uint64]*httpStream),
	}
}

func (l *HTTPLayer) Name() string {
	return C.LayerHTTP
}

func (l *HTTPLayer) HandleEvent(event Event) []Command {
	switch e := event.(type) {
	case Start:
		return l.start()
	case DataReceived:
		if l.client == nil {
			return nil
		}
		if e.Endpoint == l.ctx.Client() {
			if l.closed {
				return nil
			}
			events, commands := l.client.receiveData(e.Data)
			return l.handleClientEvents(commands, events)
		}
		up := l.upstreamOf(e.Endpoint)
		if up == nil || up.conn == nil {
			return nil
		}
		events, commands := up.conn.receiveData(e.Data)
		for _, upstreamEvent := range events {
			commands = append(commands, l.handleUpstreamEvent(up, upstreamEvent)...)
		}
		return commands
	case ConnectionClosed:
		if e.Endpoint == l.ctx.Client() {
			return l.clientClosed()
		}
		if up := l.upstreamOf(e.Endpoint); up != nil {
			return l.upstreamClosed(up)
		}
	case OpenConnectionCompleted:
		for _, up := range l.upstreams {
			if up.openID != 0 && up.openID == e.Command {
				return l.upstreamOpened(up, e.Err)
			}
		}
	case TLSHandshakeCompleted:
		for _, up := range l.upstreams {
			if up.tlsID != 0 && up.tlsID == e.Command {
				return l.upstreamHandshakeCompleted(up, e)
			}
		}
	case HookCompleted:
		stream := l.hooks[e.Command]
		if stream == nil {
			return nil
		}
		delete(l.hooks, e.Command)
		return l.hookCompleted(stream, e)
	}
	return nil
}

func (l *HTTPLayer) start() []Command {
	if l.client != nil {
		return nil
	}
	client := l.ctx.Client()
	if client.Established() && client.ALPN == C.ALPNHTTP2 {
		l.client = newHTTP2Server(l.ctx, client)
		l.http2 = true
	} else {
		l.client = newHTTP1Server(l.ctx, client)
	}
	return l.client.start()
}

func (l *HTTPLayer) upstreamOf(endpoint *flow.Endpoint) *upstream {
	for _, up := range l.upstreams {
		if up.endpoint == endpoint {
			return up
		}
	}
	return nil
}

func (l *HTTPLayer) handleClientEvents(commands []Command, events []httpEvent) []Command {
	for _, event := range events {
		commands = append(commands, l.handleClientEvent(event)...)
	}
	return commands
}

func (l *HTTPLayer) handleClientEvent(event httpEvent) []Command {
	if headers, isHeaders := event.(RequestHeaders); isHeaders {
		return l.requestHeaders(headers)
	}
	stream := l.streams[event.streamID()]
	switch e := event.(type) {
	case RequestData:
		if stream == nil || stream.state != streamReadRequest {
			return nil
		}
		stream.body = append(stream.body, e.Data...)
		if limit := l.ctx.Options.BodySizeLimit; limit > 0 && int64(len(stream.body)) > limit {
			return l.fail(stream, errRequestTooLarge)
		}
	case RequestTrailers:
		if stream == nil || stream.state != streamReadRequest {
			return nil
		}
		trailers := e.Trailers
		stream.flow.Request.Trailers = &trailers
	case RequestEndOfMessage:
		if stream == nil || stream.state != streamReadRequest {
			return nil
		}
		return l.requestComplete(stream)
	case RequestProtocolError:
		if stream != nil {
			return l.fail(stream, e.Err)
		}
		commands := []Command{l.ctx.log(LogLevelInfo, E.Cause(e.Err, "HTTP protocol error in client request"))}
		return append(commands, l.client.send(ResponseProtocolError{StreamID: e.StreamID, Err: e.Err, Code: statusCodeFromError(e.Err)})...)
	}
	return nil
}

func (l *HTTPLayer) requestHeaders(e RequestHeaders) []Command {
	client := l.ctx.Client()
	request := e.Request
	if request.Scheme == "" && request.Method != http.MethodConnect {
		if client.Established() {
			request.Scheme = "https"
		} else {
			request.Scheme = "http"
		}
	}
	stream := &httpStream{
		id:   e.StreamID,
		flow: flow.NewHTTPFlow(&flow.Connection{Client: client, Server: l.ctx.Server()}, request),
	}
	l.streams[e.StreamID] = stream
	switch {
	case request.Method == http.MethodConnect && l.http2:
		return l.failStatus(stream, errConnectOverHTTP2, http.StatusNotImplemented)
	case request.Method == http.MethodConnect && !l.ctx.Regular:
		return l.fail(stream, E.Extend(ErrProtocol, "unexpected CONNECT request"))
	case request.Method != http.MethodConnect && l.ctx.Regular && request.Authority == "":
		return l.fail(stream, E.Extend(ErrProtocol, "invalid request target for a proxy: ", strconv.Quote(request.Path)))
	}
	return nil
}

func (l *HTTPLayer) requestComplete(stream *httpStream) []Command {
	request := stream.flow.Request
	request.Body = stream.body
	request.TimestampEnd = time.Now()
	stream.body = nil
	if request.Method == http.MethodConnect {
		return l.connect(stream)
	}
	stream.state = streamRequestHook
	return l.invokeHook(stream, InvokeHook{Hook: HookRequest, HTTP: stream.flow.Clone()})
}

func (l *HTTPLayer) invokeHook(stream *httpStream, hook InvokeHook) []Command {
	hook.ID = l.ctx.NextID()
	stream.hookID = hook.ID
	stream.hook = hook.Hook
	l.hooks[hook.ID] = stream
	return []Command{hook}
}

func (l *HTTPLayer) hookCompleted(stream *httpStream, e HookCompleted) []Command {
	stream.hookID = 0
	var commands []Command
	decision := e.Decision
	if e.Err != nil {
		commands = append(commands, l.ctx.log(LogLevelWarn, E.Cause(e.Err, stream.hook, " hook for ", stream.flow.Request.URL())))
		decision = flow.Continue()
	}
	switch stream.hook {
	case HookRequest:
		return append(commands, l.requestDecided(stream, decision)...)
	case HookResponse:
		return append(commands, l.responseDecided(stream, decision)...)
	case HookResponseChunk:
		return append(commands, l.chunkDecided(stream, decision)...)
	}
	return commands
}

func (l *HTTPLayer) requestDecided(stream *httpStream, decision flow.Decision) []Command {
	switch decision.Verdict {
	case flow.VerdictBlock:
		return l.kill(stream)
	case flow.VerdictModify:
		if decision.Response != nil {
			response := decision.Response
			if response.TimestampStart.IsZero() {
				response.TimestampStart = time.Now()
			}
			if response.TimestampEnd.IsZero() {
				response.TimestampEnd = response.TimestampStart
			}
			stream.flow.Response = response
			stream.state = streamResponseHook
			return l.invokeHook(stream, InvokeHook{Hook: HookResponse, HTTP: stream.flow.Clone()})
		}
		if decision.Request != nil {
			stream.flow.Request = decision.Request
		}
	}
	return l.forward(stream)
}

func (l *HTTPLayer) responseDecided(stream *httpStream, decision flow.Decision) []Command {
	if stream.streamed {
		// the response went out already
		return l.finish(stream)
	}
	switch decision.Verdict {
	case flow.VerdictBlock:
		return l.kill(stream)
	case flow.VerdictModify:
		if decision.Response != nil {
			stream.flow.Response = decision.Response
		}
	}
	return l.sendResponse(stream)
}

func (l *HTTPLayer) chunkDecided(stream *httpStream, decision flow.Decision) []Command {
	chunk := stream.chunk
	stream.chunk = nil
	switch decision.Verdict {
	case flow.VerdictBlock:
		return l.kill(stream)
	case flow.VerdictModify:
		chunk = decision.Chunk
	}
	var commands []Command
	if len(chunk) > 0 {
		commands = l.client.send(ResponseData{StreamID: stream.id, Data: chunk})
	}
	held := stream.held
	stream.held = nil
	for i, event := range held {
		commands = append(commands, l.responseEvent(stream, event)...)
		if stream.state == streamDone {
			break
		}
		if stream.hookID != 0 {
			stream.held = append([]httpEvent(nil), held[i+1:]...)
			break
		}
	}
	return commands
}

// destination resolves where a request goes and whether TLS is used.
func (l *HTTPLayer) destination(request *flow.Request) (M.Socksaddr, bool, error) {
	if l.ctx.Regular {
		if request.Host == "" {
			return M.Socksaddr{}, false, E.Extend(ErrProtocol, "missing host in request target")
		}
		port := request.Port
		if port == 0 {
			port = defaultPort(request.Scheme)
		}
		return M.ParseSocksaddrHostPort(request.Host, port), request.Scheme == "https", nil
	}
	secure := l.ctx.Client().Established()
	if server := l.ctx.Server(); server.Address.IsValid() {
		return server.Address, secure, nil
	}
	if request.Host == "" {
		return M.Socksaddr{}, false, E.Extend(ErrProtocol, "unable to determine the destination of ", request.Method, " ", request.Path)
	}
	port := request.Port
	if port == 0 {
		if secure {
			port = 443
		} else {
			port = 80
		}
	}
	return M.ParseSocksaddrHostPort(request.Host, port), secure, nil
}

func (l *HTTPLayer) forward(stream *httpStream) []Command {
	address, secure, err := l.destination(stream.flow.Request)
	if err != nil {
		return l.fail(stream, err)
	}
	key := address.String()
	if secure {
		key = "tls://" + key
	}
	stream.state = streamConnecting
	if up := l.findUpstream(key, secure); up != nil {
		if up.conn != nil {
			return l.sendRequest(up, stream)
		}
		stream.upstream = up
		up.waiting = append(up.waiting, stream)
		return nil
	}
	return l.openUpstream(key, address, secure, stream)
}

// findUpstream returns a connection that can take another request. A
// connection still being set up is shared only when it may negotiate HTTP/2.
func (l *HTTPLayer) findUpstream(key string, secure bool) *upstream {
	for _, up := range l.upstreams {
		if up.closed || up.key != key {
			continue
		}
		if up.conn != nil {
			if up.endpoint.Open && up.conn.available() {
				return up
			}
			continue
		}
		if l.http2 && secure && len(up.waiting) > 0 {
			return up
		}
	}
	return nil
}

func (l *HTTPLayer) openUpstream(key string, address M.Socksaddr, secure bool, stream *httpStream) []Command {
	server := l.ctx.Server()
	var endpoint *flow.Endpoint
	if !l.serverUsed && !server.Open && server.Address == address {
		endpoint = server
	} else {
		endpoint = flow.NewEndpoint(address)
	}
	l.serverUsed = true
	up := &upstream{
		endpoint: endpoint,
		key:      key,
		secure:   secure,
		openID:   l.ctx.NextID(),
		waiting:  []*httpStream{stream},
		streams:  make(map[uint32]*httpStream),
	}
	stream.upstream = up
	l.upstreams = append(l.upstreams, up)
	return []Command{OpenConnection{ID: up.openID, Endpoint: endpoint}}
}

func (l *HTTPLayer) upstreamOpened(up *upstream, err error) []Command {
	up.openID = 0
	if err != nil {
		up.endpoint.Error = err.Error()
		return l.upstreamFailed(up, E.Extend(ErrUpstream, "connect to ", up.endpoint.Address, ": ", err))
	}
	markOpen(up.endpoint)
	if !up.secure {
		up.conn = newHTTP1Client(l.ctx, up.endpoint)
		return l.upstreamReady(up)
	}
	offers := []string{C.ALPNHTTP11}
	if l.http2 {
		offers = []string{C.ALPNHTTP2, C.ALPNHTTP11}
	}
	serverName := l.upstreamServerName(up)
	up.endpoint.SNI = serverName
	up.endpoint.ALPNOffers = offers
	up.endpoint.TLS = flow.TLSHandshaking
	up.tlsID = l.ctx.NextID()
	return []Command{StartTLS{
		ID:         up.tlsID,
		Endpoint:   up.endpoint,
		Role:       TLSRoleClient,
		ServerName: serverName,
		NextProtos: offers,
		Insecure:   l.ctx.Options.Insecure,
	}}
}

func (l *HTTPLayer) upstreamServerName(up *upstream) string {
	if client := l.ctx.Client(); client.Established() && client.SNI != "" {
		return client.SNI
	}
	for _, stream := range up.waiting {
		if host := stream.flow.Request.PrettyHost(); host != "" {
			return host
		}
	}
	if up.endpoint.Address.IsFqdn() {
		return up.endpoint.Address.Fqdn
	}
	return up.endpoint.Address.AddrString()
}

func (l *HTTPLayer) upstreamHandshakeCompleted(up *upstream, e TLSHandshakeCompleted) []Command {
	up.tlsID = 0
	if e.Err != nil {
		up.endpoint.TLS = flow.TLSFailed
		up.endpoint.Error = e.Err.Error()
		return l.upstreamFailed(up, E.Extend(ErrTrust, "TLS handshake with ", up.endpoint.Address, ": ", e.Err))
	}
	up.endpoint.TLS = flow.TLSEstablished
	up.endpoint.ALPN = e.ALPN
	up.endpoint.TLSVersion = e.Version
	up.endpoint.CipherSuite = e.CipherSuite
	if e.ALPN == C.ALPNHTTP2 {
		up.conn = newHTTP2Client(l.ctx, up.endpoint)
	} else {
		up.conn = newHTTP1Client(l.ctx, up.endpoint)
	}
	commands := []Command{l.ctx.log(LogLevelDebug, "server TLS established: ", up.endpoint.SNI, ", ALPN: ", orNone(e.ALPN))}
	commands = append(commands, up.conn.start()...)
	return append(commands, l.upstreamReady(up)...)
}

// upstreamReady sends the requests that waited for the connection. Those
// that do not fit go to other connections.
func (l *HTTPLayer) upstreamReady(up *upstream) []Command {
	waiting := up.waiting
	up.waiting = nil
	var commands []Command
	for _, stream := range waiting {
		if stream.state != streamConnecting {
			continue
		}
		if up.conn.available() {
			commands = append(commands, l.sendRequest(up, stream)...)
			continue
		}
		stream.upstream = nil
		commands = append(commands, l.forward(stream)...)
	}
	return commands
}

func (l *HTTPLayer) upstreamFailed(up *upstream, err error) []Command {
	commands := l.closeUpstream(up)
	waiting := up.waiting
	up.waiting = nil
	for _, stream := range waiting {
		if stream.state == streamConnecting {
			commands = append(commands, l.fail(stream, err)...)
		}
	}
	return commands
}

func (l *HTTPLayer) sendRequest(up *upstream, stream *httpStream) []Command {
	id := up.conn.newStreamID()
	stream.upstream = up
	stream.upstreamID = id
	stream.state = streamReadResponse
	stream.flow.Connection.Server = up.endpoint
	up.streams[id] = stream

	request := stream.flow.Request.Clone()
	body := stream.flow.Request.Body
	switch {
	case request.Trailers != nil:
		request.Headers.Del("Content-Length")
		request.Headers.Del("Transfer-Encoding")
	case len(body) > 0 || request.Headers.Has("Content-Length"):
		request.Headers.Set("Content-Length", strconv.Itoa(len(body)))
		request.Headers.Del("Transfer-Encoding")
	default:
		request.Headers.Del("Transfer-Encoding")
	}
	if !l.ctx.Options.DisableWebSocket && request.IsWebSocketUpgrade() {
		// frames are relayed as parsed, so no extension may alter them
		request.Headers.Del("Sec-WebSocket-Extensions")
	}
	commands := up.conn.send(RequestHeaders{StreamID: id, Request: request, EndStream: len(body) == 0 && request.Trailers == nil})
	if len(body) > 0 {
		commands = append(commands, up.conn.send(RequestData{StreamID: id, Data: body})...)
	}
	if request.Trailers != nil {
		commands = append(commands, up.conn.send(RequestTrailers{StreamID: id, Trailers: *request.Trailers})...)
	}
	return append(commands, up.conn.send(RequestEndOfMessage{StreamID: id})...)
}

func (l *HTTPLayer) handleUpstreamEvent(up *upstream, event httpEvent) []Command {
	stream := up.streams[event.streamID()]
	if stream == nil || stream.state == streamDone {
		return nil
	}
	switch e := event.(type) {
	case ResponseHeaders:
		return l.responseHeaders(stream, e)
	case ResponseProtocolError:
		delete(up.streams, e.StreamID)
		commands := l.fail(stream, e.Err)
		if _, isHTTP1 := up.conn.(*http1Client); isHTTP1 {
			commands = append(commands, l.closeUpstream(up)...)
		}
		return commands
	default:
		if stream.flow.Response == nil {
			return nil
		}
		if stream.hookID != 0 {
			stream.held = append(stream.held, event)
			return nil
		}
		return l.responseEvent(stream, event)
	}
}

func (l *HTTPLayer) responseHeaders(stream *httpStream, e ResponseHeaders) []Command {
	if stream.state != streamReadResponse || stream.flow.Response != nil {
		return nil
	}
	response := e.Response
	stream.flow.Response = response
	if response.StatusCode == http.StatusSwitchingProtocols {
		stream.upgrade = true
		return nil
	}
	if e.EndStream || !l.streamResponse(response) {
		return nil
	}
	stream.streamed = true
	response.Streamed = true
	outgoing := response.Clone()
	outgoing.Headers.Del("Content-Length")
	return l.client.send(ResponseHeaders{StreamID: stream.id, Response: outgoing})
}

// streamResponse reports whether a response is forwarded as it arrives
// instead of being buffered.
func (l *HTTPLayer) streamResponse(response *flow.Response) bool {
	if strings.HasPrefix(strings.ToLower(response.Headers.Get("Content-Type")), "text/event-stream") {
		return true
	}
	limit := l.ctx.Options.StreamLargeBodies
	if limit <= 0 {
		return false
	}
	length, hasLength, err := contentLength(&response.Headers)
	return err == nil && hasLength && length > limit
}

func (l *HTTPLayer) responseEvent(stream *httpStream, event httpEvent) []Command {
	response := stream.flow.Response
	switch e := event.(type) {
	case ResponseData:
		if stream.streamed {
			stream.chunk = e.Data
			return l.invokeHook(stream, InvokeHook{Hook: HookResponseChunk, HTTP: stream.flow.Clone(), Chunk: e.Data})
		}
		if stream.upgrade {
			return nil
		}
		stream.body = append(stream.body, e.Data...)
		if limit := l.ctx.Options.BodySizeLimit; limit > 0 && int64(len(stream.body)) > limit {
			return l.fail(stream, errResponseTooLarge)
		}
	case ResponseTrailers:
		trailers := e.Trailers
		response.Trailers = &trailers
		if stream.streamed {
			return l.client.send(ResponseTrailers{StreamID: stream.id, Trailers: trailers})
		}
	case ResponseEndOfMessage:
		if up := stream.upstream; up != nil {
			delete(up.streams, stream.upstreamID)
		}
		response.TimestampEnd = time.Now()
		if stream.upgrade {
			return l.upgrade(stream)
		}
		stream.state = streamResponseHook
		if stream.streamed {
			commands := l.client.send(ResponseEndOfMessage{StreamID: stream.id})
			commands = append(commands, l.invokeHook(stream, InvokeHook{Hook: HookResponse, HTTP: stream.flow.Clone()})...)
			return append(commands, l.pumpClient()...)
		}
		response.Body = stream.body
		stream.body = nil
		return l.invokeHook(stream, InvokeHook{Hook: HookResponse, HTTP: stream.flow.Clone()})
	}
	return nil
}

func (l *HTTPLayer) sendResponse(stream *httpStream) []Command {
	response := stream.flow.Response.Clone()
	body := stream.flow.Response.Body
	noBody := responseHasNoBody(stream.flow.Request.Method, response.StatusCode)
	if noBody {
		body = nil
	} else if response.Trailers != nil {
		response.Headers.Del("Content-Length")
		response.Headers.Del("Transfer-Encoding")
	} else {
		response.Headers.Set("Content-Length", strconv.Itoa(len(body)))
		response.Headers.Del("Transfer-Encoding")
	}
	commands := l.client.send(ResponseHeaders{StreamID: stream.id, Response: response, EndStream: len(body) == 0 && response.Trailers == nil})
	if len(body) > 0 {
		commands = append(commands, l.client.send(ResponseData{StreamID: stream.id, Data: body})...)
	}
	if response.Trailers != nil {
		commands = append(commands, l.client.send(ResponseTrailers{StreamID: stream.id, Trailers: *response.Trailers})...)
	}
	commands = append(commands, l.client.send(ResponseEndOfMessage{StreamID: stream.id})...)
	commands = append(commands, l.finish(stream)...)
	return append(commands, l.pumpClient()...)
}

// pumpClient parses requests pipelined behind the one just answered.
func (l *HTTPLayer) pumpClient() []Command {
	server, isHTTP1 := l.client.(*http1Server)
	if !isHTTP1 || server.state != http1ReadHeaders || len(server.buffer) == 0 {
		return nil
	}
	events, commands := server.receiveData(nil)
	return l.handleClientEvents(commands, events)
}

// connect answers a CONNECT request of an explicit proxy client and hands the
// tunnel to a fresh layer stack.
func (l *HTTPLayer) connect(stream *httpStream) []Command {
	server := l.client.(*http1Server)
	request := stream.flow.Request
	now := time.Now()
	response := &flow.Response{
		Version:        "HTTP/1.1",
		StatusCode:     http.StatusOK,
		Reason:         "Connection established",
		TimestampStart: now,
		TimestampEnd:   now,
	}
	stream.flow.Response = response
	commands := l.client.send(ResponseHeaders{StreamID: stream.id, Response: response.Clone(), EndStream: true})
	commands = append(commands, l.client.send(ResponseEndOfMessage{StreamID: stream.id})...)
	leftover := server.takeBuffer()
	commands = append(commands, l.finish(stream)...)
	commands = append(commands, l.closeUpstreams(nil)...)
	tunnel := l.ctx.Fork(M.ParseSocksaddrHostPort(request.Host, request.Port))
	replay := []Event{Start{}}
	if len(leftover) > 0 {
		replay = append(replay, DataReceived{Endpoint: l.ctx.Client(), Data: leftover})
	}
	return append(commands, replaceLayer{Next: NewNextLayer(tunnel), Replay: replay})
}

// upgrade completes a 101 exchange and hands both connections to the
// websocket layer, or to a raw relay for other protocols.
func (l *HTTPLayer) upgrade(stream *httpStream) []Command {
	up := stream.upstream
	server, clientHTTP1 := l.client.(*http1Server)
	origin, upstreamHTTP1 := up.conn.(*http1Client)
	if !clientHTTP1 || !upstreamHTTP1 {
		commands := l.fail(stream, E.Extend(ErrProtocol, "protocol upgrade across HTTP versions"))
		return append(commands, l.closeUpstream(up)...)
	}
	response := stream.flow.Response
	commands := l.client.send(ResponseHeaders{StreamID: stream.id, Response: response.Clone(), EndStream: true})
	commands = append(commands, l.client.send(ResponseEndOfMessage{StreamID: stream.id})...)
	clientData := server.takeBuffer()
	serverData := origin.takeBuffer()
	client := l.ctx.Client()
	var next Layer
	if !l.ctx.Options.DisableWebSocket && stream.flow.Request.IsWebSocketUpgrade() && strings.EqualFold(response.Headers.Get("Upgrade"), "websocket") {
		next = NewWebSocketLayer(l.ctx, stream.flow, client, up.endpoint)
	} else {
		next = NewTCPLayer(l.ctx, client, up.endpoint)
	}
	commands = append(commands, l.finish(stream)...)
	commands = append(commands, l.closeUpstreams(up)...)
	replay := []Event{Start{}}
	if len(clientData) > 0 {
		replay = append(replay, DataReceived{Endpoint: client, Data: clientData})
	}
	if len(serverData) > 0 {
		replay = append(replay, DataReceived{Endpoint: up.endpoint, Data: serverData})
	}
	return append(commands, replaceLayer{Next: next, Replay: replay})
}

func (l *HTTPLayer) kill(stream *httpStream) []Command {
	stream.flow.Kill()
	commands := []Command{l.ctx.log(LogLevelInfo, "killed ", stream.flow.Request.URL())}
	commands = append(commands, l.client.send(ResponseProtocolError{StreamID: stream.id, Err: ErrKilled})...)
	commands = append(commands, l.cancelUpstream(stream)...)
	return append(commands, l.finish(stream)...)
}

func (l *HTTPLayer) fail(stream *httpStream, err error) []Command {
	return l.failStatus(stream, err, statusCodeFromError(err))
}

// failStatus records err on the flow and answers the client with an error
// page of the given status when no response went out yet.
func (l *HTTPLayer) failStatus(stream *httpStream, err error, code int) []Command {
	if stream.state == streamDone {
		return nil
	}
	setFlowError(stream.flow, err)
	level := LogLevelInfo
	if err == errClientDisconnected {
		level = LogLevelDebug
	}
	commands := []Command{l.ctx.log(level, E.Cause(err, stream.flow.Request.Method, " ", stream.flow.Request.URL()))}
	commands = append(commands, l.client.send(ResponseProtocolError{StreamID: stream.id, Err: err, Code: code})...)
	commands = append(commands, l.cancelUpstream(stream)...)
	return append(commands, l.finish(stream)...)
}

func (l *HTTPLayer) cancelUpstream(stream *httpStream) []Command {
	up := stream.upstream
	if up == nil || up.conn == nil || up.closed || up.streams[stream.upstreamID] != stream {
		return nil
	}
	delete(up.streams, stream.upstreamID)
	commands := up.conn.send(RequestProtocolError{StreamID: stream.upstreamID, Err: ErrKilled})
	if _, isHTTP1 := up.conn.(*http1Client); isHTTP1 {
		commands = append(commands, l.closeUpstream(up)...)
	}
	return commands
}

func (l *HTTPLayer) finish(stream *httpStream) []Command {
	stream.state = streamDone
	if l.streams[stream.id] == stream {
		delete(l.streams, stream.id)
	}
	if stream.hookID != 0 {
		delete(l.hooks, stream.hookID)
		stream.hookID = 0
	}
	if up := stream.upstream; up != nil {
		if up.streams[stream.upstreamID] == stream {
			delete(up.streams, stream.upstreamID)
		}
		for i, waiting := range up.waiting {
			if waiting == stream {
				up.waiting = append(up.waiting[:i], up.waiting[i+1:]...)
				break
			}
		}
	}
	stream.held = nil
	stream.flow.Finish()
	status := "-"
	if stream.flow.Response != nil {
		status = strconv.Itoa(stream.flow.Response.StatusCode)
	}
	return []Command{
		l.ctx.log(LogLevelDebug, stream.flow.Request.Method, " ", stream.flow.Request.URL(), " ", status),
		EmitFlow{Flow: stream.flow},
	}
}

func (l *HTTPLayer) closeUpstream(up *upstream) []Command {
	if up.closed {
		return nil
	}
	up.closed = true
	for i, it := range l.upstreams {
		if it == up {
			l.upstreams = append(l.upstreams[:i], l.upstreams[i+1:]...)
			break
		}
	}
	return closeEndpoint(up.endpoint)
}

// closeUpstreams closes every upstream connection except keep.
func (l *HTTPLayer) closeUpstreams(keep *upstream) []Command {
	var commands []Command
	for _, up := range append([]*upstream(nil), l.upstreams...) {
		if up != keep {
			commands = append(commands, l.closeUpstream(up)...)
		}
	}
	return commands
}

func (l *HTTPLayer) sortedStreams(streams map[uint32]*httpStream) []*httpStream {
	sorted := make([]*httpStream, 0, len(streams))
	for _, stream := range streams {
		sorted = append(sorted, stream)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].id < sorted[j].id
	})
	return sorted
}

func (l *HTTPLayer) clientClosed() []Command {
	if l.closed || l.client == nil {
		return nil
	}
	commands := l.handleClientEvents(nil, l.client.receiveClose())
	l.closed = true
	for _, stream := range l.sortedStreams(l.streams) {
		commands = append(commands, l.fail(stream, errClientDisconnected)...)
	}
	commands = append(commands, l.closeUpstreams(nil)...)
	return append(commands, closeEndpoint(l.ctx.Client())...)
}

func (l *HTTPLayer) upstreamClosed(up *upstream) []Command {
	var commands []Command
	if up.conn != nil {
		for _, event := range up.conn.receiveClose() {
			commands = append(commands, l.handleUpstreamEvent(up, event)...)
		}
	}
	for _, stream := range l.sortedStreams(up.streams) {
		commands = append(commands, l.fail(stream, errServerDisconnected)...)
	}
	waiting := up.waiting
	up.waiting = nil
	for _, stream := range waiting {
		commands = append(commands, l.fail(stream, errServerDisconnected)...)
	}
	return append(commands, l.closeUpstream(up)...)
}
