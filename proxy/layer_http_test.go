package proxy

import (
	"testing"

	"github.com/sagernet/sing-mitm/flow"

	"github.com/stretchr/testify/require"
)

// exchange drives one request through the request hook and a fresh upstream
// connection, returning the commands of the upstream open completion.
func exchange(t *testing.T, layer *HTTPLayer, request string) []Command {
	t.Helper()
	ctx := layer.ctx
	hook := singleHook(layer.HandleEvent(DataReceived{Endpoint: ctx.Client(), Data: []byte(request)}))
	require.Equal(t, HookRequest, hook.Hook)
	opens := commandsOf[OpenConnection](layer.HandleEvent(HookCompleted{Command: hook.ID}))
	require.Len(t, opens, 1)
	return layer.HandleEvent(OpenConnectionCompleted{Command: opens[0].ID})
}

func TestHTTPLayerKeepAlive(t *testing.T) {
	t.Parallel()
	ctx := newTestContext("192.0.2.1:80", nil)
	client, server := ctx.Client(), ctx.Server()
	layer := NewHTTPLayer(ctx)
	require.Empty(t, layer.HandleEvent(Start{}))

	commands := layer.HandleEvent(DataReceived{Endpoint: client, Data: []byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n")})
	hook := singleHook(commands)
	require.Equal(t, HookRequest, hook.Hook)
	require.Empty(t, hook.HTTP.Request.Body)
	require.False(t, hook.HTTP.Request.Headers.Has("Content-Length"))
	require.Nil(t, hook.HTTP.Response)

	opens := commandsOf[OpenConnection](layer.HandleEvent(HookCompleted{Command: hook.ID}))
	require.Len(t, opens, 1)
	require.Same(t, server, opens[0].Endpoint)

	commands = layer.HandleEvent(OpenConnectionCompleted{Command: opens[0].ID})
	require.True(t, server.Open)
	require.Equal(t, "GET / HTTP/1.1\r\nHost: a\r\n\r\n", string(sentTo(commands, server)))

	hook = singleHook(layer.HandleEvent(DataReceived{Endpoint: server, Data: []byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")}))
	require.Equal(t, HookResponse, hook.Hook)
	require.Equal(t, "hello", string(hook.HTTP.Response.Body))

	commands = layer.HandleEvent(HookCompleted{Command: hook.ID})
	require.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello", string(sentTo(commands, client)))
	require.Empty(t, commandsOf[CloseConnection](commands))
	flows := emittedHTTPFlows(commands)
	require.Len(t, flows, 1)
	require.Nil(t, flows[0].Error)
	require.False(t, flows[0].Live)
	require.Equal(t, server.ID, flows[0].Connection.Server.ID)

	hook = singleHook(layer.HandleEvent(DataReceived{Endpoint: client, Data: []byte("GET /next HTTP/1.1\r\nHost: a\r\n\r\n")}))
	commands = layer.HandleEvent(HookCompleted{Command: hook.ID})
	require.Empty(t, commandsOf[OpenConnection](commands))
	require.Equal(t, "GET /next HTTP/1.1\r\nHost: a\r\n\r\n", string(sentTo(commands, server)))
}

func TestHTTPLayerResponseAbsentUntilRequestEnd(t *testing.T) {
	t.Parallel()
	ctx := newTestContext("192.0.2.1:80", nil)
	layer := NewHTTPLayer(ctx)
	layer.HandleEvent(Start{})
	commands := layer.HandleEvent(DataReceived{Endpoint: ctx.Client(), Data: []byte("POST /upload HTTP/1.1\r\nHost: a\r\nContent-Length: 4\r\n\r\nte")})
	require.Empty(t, commandsOf[InvokeHook](commands))
	require.Empty(t, commandsOf[EmitFlow](commands))
	hook := singleHook(layer.HandleEvent(DataReceived{Endpoint: ctx.Client(), Data: []byte("st")}))
	require.Equal(t, "test", string(hook.HTTP.Request.Body))
	require.Nil(t, hook.HTTP.Response)
}

func TestHTTPLayerChunkedRequest(t *testing.T) {
	t.Parallel()
	ctx := newTestContext("192.0.2.1:80", nil)
	layer := NewHTTPLayer(ctx)
	layer.HandleEvent(Start{})
	commands := exchange(t, layer, "POST / HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n4\r\ntest\r\n0\r\n\r\n")
	require.Equal(t, "POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 4\r\n\r\ntest", string(sentTo(commands, ctx.Server())))
}

func TestHTTPLayerBodySizeLimit(t *testing.T) {
	t.Parallel()
	options := DefaultOptions()
	options.BodySizeLimit = 3
	ctx := newTestContext("192.0.2.1:80", options)
	layer := NewHTTPLayer(ctx)
	layer.HandleEvent(Start{})
	commands := layer.HandleEvent(DataReceived{Endpoint: ctx.Client(), Data: []byte("POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 4\r\n\r\ntest")})
	require.Contains(t, string(sentTo(commands, ctx.Client())), "HTTP/1.1 413 Request Entity Too Large\r\n")
	require.True(t, closes(commands, ctx.Client()))
	flows := emittedHTTPFlows(commands)
	require.Len(t, flows, 1)
	require.Equal(t, flow.ErrorKindResource, flows[0].Error.Kind)
}

func TestHTTPLayerRequestHookShortCircuit(t *testing.T) {
	t.Parallel()
	ctx := newTestContext("192.0.2.1:80", nil)
	layer := NewHTTPLayer(ctx)
	layer.HandleEvent(Start{})
	hook := singleHook(layer.HandleEvent(DataReceived{Endpoint: ctx.Client(), Data: []byte("GET /ad.js HTTP/1.1\r\nHost: a\r\n\r\n")}))
	response := &flow.Response{Version: "HTTP/1.1", StatusCode: 302}
	response.Headers.Add("Location", "https://example.com/")
	commands := layer.HandleEvent(HookCompleted{Command: hook.ID, Decision: flow.ModifyResponse(response)})
	require.Empty(t, commandsOf[OpenConnection](commands))
	hook = singleHook(commands)
	require.Equal(t, HookResponse, hook.Hook)
	require.Equal(t, 302, hook.HTTP.Response.StatusCode)
	commands = layer.HandleEvent(HookCompleted{Command: hook.ID})
	require.Equal(t, "HTTP/1.1 302 Found\r\nLocation: https://example.com/\r\nContent-Length: 0\r\n\r\n", string(sentTo(commands, ctx.Client())))
	require.Len(t, emittedHTTPFlows(commands), 1)
}

func TestHTTPLayerRequestHookBlock(t *testing.T) {
	t.Parallel()
	ctx := newTestContext("192.0.2.1:80", nil)
	layer := NewHTTPLayer(ctx)
	layer.HandleEvent(Start{})
	hook := singleHook(layer.HandleEvent(DataReceived{Endpoint: ctx.Client(), Data: []byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n")}))
	commands := layer.HandleEvent(HookCompleted{Command: hook.ID, Decision: flow.Block()})
	require.Empty(t, sentTo(commands, ctx.Client()))
	require.True(t, closes(commands, ctx.Client()))
	flows := emittedHTTPFlows(commands)
	require.Len(t, flows, 1)
	require.True(t, flows[0].Killed())
}

func TestHTTPLayerHookErrorContinues(t *testing.T) {
	t.Parallel()
	ctx := newTestContext("192.0.2.1:80", nil)
	layer := NewHTTPLayer(ctx)
	layer.HandleEvent(Start{})
	hook := singleHook(layer.HandleEvent(DataReceived{Endpoint: ctx.Client(), Data: []byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n")}))
	commands := layer.HandleEvent(HookCompleted{Command: hook.ID, Err: ErrHook})
	require.Len(t, commandsOf[OpenConnection](commands), 1)
	require.NotEmpty(t, commandsOf[Log](commands))
}

func TestHTTPLayerUpstreamFailure(t *testing.T) {
	t.Parallel()
	ctx := newTestContext("192.0.2.1:80", nil)
	layer := NewHTTPLayer(ctx)
	layer.HandleEvent(Start{})
	hook := singleHook(layer.HandleEvent(DataReceived{Endpoint: ctx.Client(), Data: []byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n")}))
	opens := commandsOf[OpenConnection](layer.HandleEvent(HookCompleted{Command: hook.ID}))
	commands := layer.HandleEvent(OpenConnectionCompleted{Command: opens[0].ID, Err: ErrUpstream})
	require.Contains(t, string(sentTo(commands, ctx.Client())), "HTTP/1.1 502 Bad Gateway\r\n")
	flows := emittedHTTPFlows(commands)
	require.Len(t, flows, 1)
	require.Equal(t, flow.ErrorKindUpstream, flows[0].Error.Kind)
}

func TestHTTPLayerServerDisconnect(t *testing.T) {
	t.Parallel()
	ctx := newTestContext("192.0.2.1:80", nil)
	layer := NewHTTPLayer(ctx)
	layer.HandleEvent(Start{})
	exchange(t, layer, "GET / HTTP/1.1\r\nHost: a\r\n\r\n")
	commands := layer.HandleEvent(ConnectionClosed{Endpoint: ctx.Server()})
	require.Contains(t, string(sentTo(commands, ctx.Client())), "HTTP/1.1 502 Bad Gateway\r\n")
	require.True(t, closes(commands, ctx.Server()))
	flows := emittedHTTPFlows(commands)
	require.Len(t, flows, 1)
	require.Equal(t, flow.ErrorKindUpstream, flows[0].Error.Kind)
}

func TestHTTPLayerClientDisconnect(t *testing.T) {
	t.Parallel()
	ctx := newTestContext("192.0.2.1:80", nil)
	layer := NewHTTPLayer(ctx)
	layer.HandleEvent(Start{})
	exchange(t, layer, "GET / HTTP/1.1\r\nHost: a\r\n\r\n")
	commands := layer.HandleEvent(ConnectionClosed{Endpoint: ctx.Client()})
	require.Empty(t, sentTo(commands, ctx.Client()))
	require.True(t, closes(commands, ctx.Server()))
	require.True(t, closes(commands, ctx.Client()))
	flows := emittedHTTPFlows(commands)
	require.Len(t, flows, 1)
	require.Equal(t, flow.ErrorKindProtocol, flows[0].Error.Kind)
	require.Empty(t, layer.HandleEvent(DataReceived{Endpoint: ctx.Server(), Data: []byte("HTTP/1.1 200 OK\r\n\r\n")}))
}

func TestHTTPLayerPipelining(t *testing.T) {
	t.Parallel()
	ctx := newTestContext("192.0.2.1:80", nil)
	layer := NewHTTPLayer(ctx)
	layer.HandleEvent(Start{})
	commands := exchange(t, layer, "GET /1 HTTP/1.1\r\nHost: a\r\n\r\nGET /2 HTTP/1.1\r\nHost: a\r\n\r\n")
	require.Equal(t, "GET /1 HTTP/1.1\r\nHost: a\r\n\r\n", string(sentTo(commands, ctx.Server())))
	hook := singleHook(layer.HandleEvent(DataReceived{Endpoint: ctx.Server(), Data: []byte("HTTP/1.1 204 No Content\r\n\r\n")}))
	commands = layer.HandleEvent(HookCompleted{Command: hook.ID})
	require.Equal(t, "HTTP/1.1 204 No Content\r\n\r\n", string(sentTo(commands, ctx.Client())))
	hook = singleHook(commands)
	require.Equal(t, HookRequest, hook.Hook)
	require.Equal(t, "/2", hook.HTTP.Request.Path)
}

func TestHTTPLayerStreamedResponse(t *testing.T) {
	t.Parallel()
	ctx := newTestContext("192.0.2.1:80", nil)
	client, server := ctx.Client(), ctx.Server()
	layer := NewHTTPLayer(ctx)
	layer.HandleEvent(Start{})
	exchange(t, layer, "GET /events HTTP/1.1\r\nHost: a\r\n\r\n")

	commands := layer.HandleEvent(DataReceived{Endpoint: server, Data: []byte("HTTP/1.1 200 OK\r\nContent-Type: text/event-stream\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nfirst\r\n")})
	require.Equal(t, "HTTP/1.1 200 OK\r\nContent-Type: text/event-stream\r\nTransfer-Encoding: chunked\r\n\r\n", string(sentTo(commands, client)))
	hook := singleHook(commands)
	require.Equal(t, HookResponseChunk, hook.Hook)
	require.Equal(t, "first", string(hook.Chunk))

	require.Empty(t, layer.HandleEvent(DataReceived{Endpoint: server, Data: []byte("6\r\nsecond\r\n0\r\n\r\n")}))

	commands = layer.HandleEvent(HookCompleted{Command: hook.ID, Decision: flow.ModifyChunk([]byte("FIRST"))})
	require.Equal(t, "5\r\nFIRST\r\n", string(sentTo(commands, client)))
	hook = singleHook(commands)
	require.Equal(t, "second", string(hook.Chunk))

	commands = layer.HandleEvent(HookCompleted{Command: hook.ID})
	require.Equal(t, "6\r\nsecond\r\n0\r\n\r\n", string(sentTo(commands, client)))
	hook = singleHook(commands)
	require.Equal(t, HookResponse, hook.Hook)
	require.True(t, hook.HTTP.Response.Streamed)

	commands = layer.HandleEvent(HookCompleted{Command: hook.ID, Decision: flow.Block()})
	require.Empty(t, sentTo(commands, client))
	require.Len(t, emittedHTTPFlows(commands), 1)
}

func TestHTTPLayerRegularProxy(t *testing.T) {
	t.Parallel()
	ctx := newTestContext("", nil)
	ctx.Regular = true
	layer := NewHTTPLayer(ctx)
	layer.HandleEvent(Start{})
	hook := singleHook(layer.HandleEvent(DataReceived{Endpoint: ctx.Client(), Data: []byte("GET http://example.com:8080/x HTTP/1.1\r\nHost: example.com:8080\r\n\r\n")}))
	opens := commandsOf[OpenConnection](layer.HandleEvent(HookCompleted{Command: hook.ID}))
	require.Len(t, opens, 1)
	require.Equal(t, "example.com:8080", opens[0].Endpoint.Address.String())
	commands := layer.HandleEvent(OpenConnectionCompleted{Command: opens[0].ID})
	require.Equal(t, "GET /x HTTP/1.1\r\nHost: example.com:8080\r\n\r\n", string(sentTo(commands, opens[0].Endpoint)))
}

func TestHTTPLayerRegularProxyRejectsOriginForm(t *testing.T) {
	t.Parallel()
	ctx := newTestContext("", nil)
	ctx.Regular = true
	layer := NewHTTPLayer(ctx)
	layer.HandleEvent(Start{})
	commands := layer.HandleEvent(DataReceived{Endpoint: ctx.Client(), Data: []byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n")})
	require.Contains(t, string(sentTo(commands, ctx.Client())), "HTTP/1.1 400 Bad Request\r\n")
	require.Empty(t, commandsOf[InvokeHook](commands))
}

func TestHTTPLayerConnectTunnel(t *testing.T) {
	t.Parallel()
	ctx := newTestContext("", nil)
	ctx.Regular = true
	next := NewNextLayer(ctx)
	next.HandleEvent(Start{})
	require.IsType(t, (*HTTPLayer)(nil), next.Layer())

	commands := next.HandleEvent(DataReceived{
		Endpoint: ctx.Client(),
		Data:     []byte("CONNECT example.com:8080 HTTP/1.1\r\nHost: example.com:8080\r\n\r\nGET / HTTP/1.1\r\nHost: example.com:8080\r\n\r\n"),
	})
	require.Equal(t, "HTTP/1.1 200 Connection established\r\n\r\n", string(sentTo(commands, ctx.Client())))
	flows := emittedHTTPFlows(commands)
	require.Len(t, flows, 1)
	require.Equal(t, "CONNECT", flows[0].Request.Method)
	require.Equal(t, 200, flows[0].Response.StatusCode)

	tunnel, isNext := next.Layer().(*NextLayer)
	require.True(t, isNext)
	require.IsType(t, (*HTTPLayer)(nil), tunnel.Layer())
	hook := singleHook(commands)
	require.Equal(t, HookRequest, hook.Hook)
	require.Equal(t, "http://example.com:8080/", hook.HTTP.Request.URL())

	opens := commandsOf[OpenConnection](next.HandleEvent(HookCompleted{Command: hook.ID}))
	require.Len(t, opens, 1)
	require.Equal(t, "example.com:8080", opens[0].Endpoint.Address.String())
}

func TestHTTPLayerConnectRejectedInTransparentMode(t *testing.T) {
	t.Parallel()
	ctx := newTestContext("192.0.2.1:80", nil)
	layer := NewHTTPLayer(ctx)
	layer.HandleEvent(Start{})
	commands := layer.HandleEvent(DataReceived{Endpoint: ctx.Client(), Data: []byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n")})
	require.Contains(t, string(sentTo(commands, ctx.Client())), "HTTP/1.1 400 Bad Request\r\n")
}

func TestHTTPLayerWebSocketUpgrade(t *testing.T) {
	t.Parallel()
	ctx := newTestContext("192.0.2.1:80", nil)
	client, server := ctx.Client(), ctx.Server()
	next := NewNextLayer(ctx)
	require.Empty(t, next.HandleEvent(Start{}))

	hook := singleHook(next.HandleEvent(DataReceived{
		Endpoint: client,
		Data:     []byte("GET /ws HTTP/1.1\r\nHost: a\r\nConnection: Upgrade\r\nUpgrade: websocket\r\nSec-WebSocket-Extensions: permessage-deflate\r\n\r\n"),
	}))
	opens := commandsOf[OpenConnection](next.HandleEvent(HookCompleted{Command: hook.ID}))
	require.Len(t, opens, 1)
	commands := next.HandleEvent(OpenConnectionCompleted{Command: opens[0].ID})
	require.Equal(t, "GET /ws HTTP/1.1\r\nHost: a\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n", string(sentTo(commands, server)))

	commands = next.HandleEvent(DataReceived{Endpoint: server, Data: []byte("HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n")})
	require.Empty(t, commandsOf[InvokeHook](commands))
	require.Equal(t, "HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n", string(sentTo(commands, client)))
	require.False(t, closes(commands, server))
	require.Len(t, emittedHTTPFlows(commands), 1)
	layer, isWebSocket := next.Layer().(*WebSocketLayer)
	require.True(t, isWebSocket)
	require.Equal(t, "/ws", layer.Flow().Handshake.Request.Path)
}

func TestHTTPLayerOpaqueUpgrade(t *testing.T) {
	t.Parallel()
	options := DefaultOptions()
	options.DisableWebSocket = true
	ctx := newTestContext("192.0.2.1:80", options)
	next := NewNextLayer(ctx)
	next.HandleEvent(Start{})
	hook := singleHook(next.HandleEvent(DataReceived{Endpoint: ctx.Client(), Data: []byte("GET /ws HTTP/1.1\r\nHost: a\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n")}))
	opens := commandsOf[OpenConnection](next.HandleEvent(HookCompleted{Command: hook.ID}))
	next.HandleEvent(OpenConnectionCompleted{Command: opens[0].ID})
	commands := next.HandleEvent(DataReceived{Endpoint: ctx.Server(), Data: []byte("HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\nraw")})
	require.Equal(t, "HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\nraw", string(sentTo(commands, ctx.Client())))
	require.IsType(t, (*TCPLayer)(nil), next.Layer())
}
