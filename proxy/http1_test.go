package proxy

import (
	"testing"

	"github.com/sagernet/sing-mitm/flow"

	"github.com/stretchr/testify/require"
)

func TestReadRequestHead(t *testing.T) {
	t.Parallel()
	request, n, err := readRequestHead([]byte("GET / HTTP/1.1\r\nHost: a\r\nX-Dup: 1\r\nx-dup: 2\r\n\r\nrest"), 1024)
	require.NoError(t, err)
	require.Equal(t, len("GET / HTTP/1.1\r\nHost: a\r\nX-Dup: 1\r\nx-dup: 2\r\n\r\n"), n)
	require.Equal(t, "GET", request.Method)
	require.Equal(t, "/", request.Path)
	require.Equal(t, "a", request.Host)
	require.Equal(t, []string{"1", "2"}, request.Headers.Values("x-dup"))
	require.Equal(t, "X-Dup", request.Headers.Fields()[1].Name)

	_, n, err = readRequestHead([]byte("GET / HTTP/1.1\r\nHost: a\r\n"), 1024)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestReadRequestHeadLimits(t *testing.T) {
	t.Parallel()
	_, _, err := readRequestHead([]byte("GET / HTTP/1.1\r\nX-Long: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), 32)
	require.ErrorIs(t, err, ErrResource)
	_, _, err = readRequestHead([]byte("GET /\r\n\r\n"), 1024)
	require.ErrorIs(t, err, ErrProtocol)
	_, _, err = readRequestHead([]byte("GET / HTTP/1.1\r\nHost: a\r\n folded\r\n\r\n"), 1024)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestParseRequestTarget(t *testing.T) {
	t.Parallel()
	request := &flow.Request{Method: "GET"}
	require.NoError(t, parseRequestTarget(request, "http://example.com:8080/path?q=1"))
	require.Equal(t, "http", request.Scheme)
	require.Equal(t, "example.com:8080", request.Authority)
	require.Equal(t, "example.com", request.Host)
	require.Equal(t, uint16(8080), request.Port)
	require.Equal(t, "/path?q=1", request.Path)

	request = &flow.Request{Method: "CONNECT"}
	require.NoError(t, parseRequestTarget(request, "example.com:443"))
	require.Equal(t, uint16(443), request.Port)
	require.Error(t, parseRequestTarget(&flow.Request{Method: "CONNECT"}, "example.com"))
}

func TestChunkedBody(t *testing.T) {
	t.Parallel()
	reader := newBodyReader(bodyChunked)
	body, n, done, err := reader.read([]byte("4\r\ntest\r\n0\r\n\r\n"))
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, len("4\r\ntest\r\n0\r\n\r\n"), n)
	require.Equal(t, "test", string(body))
	require.Nil(t, reader.trailers())
}

func TestChunkedBodySplitting(t *testing.T) {
	t.Parallel()
	data := []byte("4\r\ntest\r\n5;name=value\r\nchunk\r\n0\r\nX-Trailer: yes\r\n\r\n")
	for split := 1; split < len(data); split++ {
		reader := newBodyReader(bodyChunked)
		var (
			buffer []byte
			body   []byte
			done   bool
		)
		for _, piece := range [][]byte{data[:split], data[split:]} {
			buffer = append(buffer, piece...)
			chunk, n, finished, err := reader.read(buffer)
			require.NoError(t, err, "split %d", split)
			body = append(body, chunk...)
			buffer = buffer[n:]
			done = finished
		}
		require.True(t, done, "split %d", split)
		require.Empty(t, buffer, "split %d", split)
		require.Equal(t, "testchunk", string(body), "split %d", split)
		require.Equal(t, "yes", reader.trailers().Get("x-trailer"), "split %d", split)
	}
}

func TestChunkedBodyErrors(t *testing.T) {
	t.Parallel()
	_, _, _, err := newBodyReader(bodyChunked).read([]byte("zz\r\n"))
	require.ErrorIs(t, err, ErrProtocol)
	_, _, _, err = newBodyReader(bodyChunked).read([]byte("4\r\ntestXX"))
	require.ErrorIs(t, err, ErrProtocol)
	require.ErrorIs(t, newBodyReader(4).closed(), ErrProtocol)
	for _, size := range []string{"+4", "-4", "0x4", " ", "4 4"} {
		_, _, _, err = newBodyReader(bodyChunked).read([]byte(size + "\r\ntest\r\n0\r\n\r\n"))
		require.ErrorIs(t, err, ErrProtocol, "chunk size %q", size)
	}
	body, _, finished, err := newBodyReader(bodyChunked).read([]byte("A\r\n0123456789\r\n0\r\n\r\n"))
	require.NoError(t, err)
	require.True(t, finished)
	require.Equal(t, "0123456789", string(body))
}

func TestContentLengthRejectsSigns(t *testing.T) {
	t.Parallel()
	for _, value := range []string{"+4", "-1", "0x10", ""} {
		var headers flow.Headers
		headers.Add("Content-Length", value)
		_, _, err := contentLength(&headers)
		require.ErrorIs(t, err, ErrProtocol, "content-length %q", value)
	}
	var headers flow.Headers
	headers.Add("Content-Length", "4, 4")
	length, present, err := contentLength(&headers)
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, int64(4), length)
}

func TestExpectedResponseBodySize(t *testing.T) {
	t.Parallel()
	response := &flow.Response{Version: "HTTP/1.1", StatusCode: 200}
	size, err := expectedResponseBodySize("GET", response)
	require.NoError(t, err)
	require.Equal(t, int64(bodyUntilClose), size)

	size, err = expectedResponseBodySize("HEAD", response)
	require.NoError(t, err)
	require.Zero(t, size)

	response.StatusCode = 204
	size, err = expectedResponseBodySize("GET", response)
	require.NoError(t, err)
	require.Zero(t, size)

	response.StatusCode = 200
	response.Headers.Add("Transfer-Encoding", "chunked")
	size, err = expectedResponseBodySize("GET", response)
	require.NoError(t, err)
	require.Equal(t, int64(bodyChunked), size)
}

func TestHTTP1ServerKeepAlive(t *testing.T) {
	t.Parallel()
	ctx := newTestContext("", nil)
	server := newHTTP1Server(ctx, ctx.Client())
	events, commands := server.receiveData([]byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n"))
	require.Empty(t, commands)
	require.Len(t, events, 2)
	headers := events[0].(RequestHeaders)
	require.True(t, headers.EndStream)
	require.Equal(t, uint32(1), headers.StreamID)
	require.False(t, headers.Request.Headers.Has("Content-Length"))
	require.IsType(t, RequestEndOfMessage{}, events[1])

	response := &flow.Response{Version: "HTTP/1.1", StatusCode: 200}
	response.Headers.Add("Content-Length", "0")
	commands = server.send(ResponseHeaders{StreamID: 1, Response: response, EndStream: true})
	commands = append(commands, server.send(ResponseEndOfMessage{StreamID: 1})...)
	require.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n", string(sentTo(commands, ctx.Client())))
	require.False(t, closes(commands, ctx.Client()))

	events, _ = server.receiveData([]byte("GET /2 HTTP/1.0\r\n\r\n"))
	require.Len(t, events, 2)
	require.Equal(t, uint32(3), events[0].(RequestHeaders).StreamID)
	response = &flow.Response{Version: "HTTP/1.1", StatusCode: 200}
	commands = server.send(ResponseHeaders{StreamID: 3, Response: response})
	commands = append(commands, server.send(ResponseData{StreamID: 3, Data: []byte("x")})...)
	commands = append(commands, server.send(ResponseEndOfMessage{StreamID: 3})...)
	require.Equal(t, "HTTP/1.1 200 OK\r\n\r\nx", string(sentTo(commands, ctx.Client())))
	require.True(t, closes(commands, ctx.Client()))
}

func TestHTTP1ServerChunkedResponse(t *testing.T) {
	t.Parallel()
	ctx := newTestContext("", nil)
	server := newHTTP1Server(ctx, ctx.Client())
	server.receiveData([]byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n"))
	response := &flow.Response{Version: "HTTP/1.1", StatusCode: 200}
	commands := server.send(ResponseHeaders{StreamID: 1, Response: response})
	commands = append(commands, server.send(ResponseData{StreamID: 1, Data: []byte("test")})...)
	commands = append(commands, server.send(ResponseEndOfMessage{StreamID: 1})...)
	require.Equal(t, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n4\r\ntest\r\n0\r\n\r\n", string(sentTo(commands, ctx.Client())))
}

func TestHTTP1ServerErrorPage(t *testing.T) {
	t.Parallel()
	ctx := newTestContext("", nil)
	server := newHTTP1Server(ctx, ctx.Client())
	events, _ := server.receiveData([]byte("BROKEN\r\n\r\n"))
	require.Len(t, events, 1)
	protocolError := events[0].(RequestProtocolError)
	require.ErrorIs(t, protocolError.Err, ErrProtocol)
	commands := server.send(ResponseProtocolError{StreamID: protocolError.StreamID, Err: protocolError.Err, Code: 400})
	require.Contains(t, string(sentTo(commands, ctx.Client())), "HTTP/1.1 400 Bad Request\r\n")
	require.True(t, closes(commands, ctx.Client()))
}

func TestHTTP1ClientResponseUntilClose(t *testing.T) {
	t.Parallel()
	ctx := newTestContext("192.0.2.1:80", nil)
	server := ctx.Server()
	server.Open = true
	client := newHTTP1Client(ctx, server)
	request := &flow.Request{Method: "GET", Path: "/", Authority: "a", Version: "HTTP/2.0"}
	id := client.newStreamID()
	commands := client.send(RequestHeaders{StreamID: id, Request: request, EndStream: true})
	commands = append(commands, client.send(RequestEndOfMessage{StreamID: id})...)
	require.Equal(t, "GET / HTTP/1.1\r\nHost: a\r\n\r\n", string(sentTo(commands, server)))
	require.False(t, client.available())

	events, _ := client.receiveData([]byte("HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 200 OK\r\n\r\nbody"))
	require.Len(t, events, 2)
	require.Equal(t, 200, events[0].(ResponseHeaders).Response.StatusCode)
	require.Equal(t, "body", string(events[1].(ResponseData).Data))
	events = client.receiveClose()
	require.Len(t, events, 1)
	require.IsType(t, ResponseEndOfMessage{}, events[0])
}
