package flow

import (
	"testing"
	"time"

	M "github.com/sagernet/sing/common/metadata"

	"github.com/stretchr/testify/require"
)

func TestRequestURL(t *testing.T) {
	t.Parallel()
	request := &Request{
		Method:  "GET",
		Scheme:  "https",
		Host:    "example.com",
		Port:    8443,
		Path:    "/index.html?q=1",
		Headers: NewHeaders(Field{"Host", "example.com:8443"}),
	}
	require.Equal(t, "example.com", request.PrettyHost())
	require.Equal(t, "https://example.com:8443/index.html?q=1", request.URL())
	request.Port = 443
	require.Equal(t, "https://example.com/index.html?q=1", request.URL())
}

func TestFlowFirstErrorWins(t *testing.T) {
	t.Parallel()
	connection := &Connection{
		Client: NewEndpoint(M.ParseSocksaddr("127.0.0.1:50000")),
		Server: NewEndpoint(M.ParseSocksaddr("example.com:443")),
	}
	httpFlow := NewHTTPFlow(connection, &Request{Method: "GET"})
	httpFlow.SetError(ErrorKindUpstream, "server disconnected")
	httpFlow.Kill()
	require.Equal(t, ErrorKindUpstream, httpFlow.Error.Kind)
	require.False(t, httpFlow.Killed())
	httpFlow.Finish()
	require.False(t, httpFlow.Live)
	require.NotSame(t, connection.Client, httpFlow.Connection.Client)
}

func TestWebSocketFlowLinksHandshake(t *testing.T) {
	t.Parallel()
	handshake := NewHTTPFlow(&Connection{}, &Request{Method: "GET"})
	websocketFlow := NewWebSocketFlow(handshake)
	require.Same(t, websocketFlow, handshake.WebSocket)
	require.Equal(t, "websocket", websocketFlow.Type)
	require.NotEqual(t, handshake.ID, websocketFlow.ID)
}

func TestCloneSnapshotsConnection(t *testing.T) {
	t.Parallel()
	connection := &Connection{
		Client: NewEndpoint(M.ParseSocksaddr("127.0.0.1:50000")),
		Server: NewEndpoint(M.ParseSocksaddr("example.com:443")),
	}
	connection.Server.Open = true
	handshake := NewHTTPFlow(connection, &Request{Method: "GET", Path: "/ws"})
	httpClone := handshake.Clone()
	require.NotSame(t, connection, httpClone.Connection)
	require.NotSame(t, connection.Server, httpClone.Connection.Server)

	websocketFlow := NewWebSocketFlow(handshake)
	websocketFlow.Messages = append(websocketFlow.Messages, &Message{FromClient: true, Type: MessageText, Content: []byte("hi")})
	websocketClone := websocketFlow.Clone()
	require.NotSame(t, handshake, websocketClone.Handshake)
	require.Same(t, websocketClone, websocketClone.Handshake.WebSocket)
	require.NotSame(t, websocketFlow.Messages[0], websocketClone.Messages[0])

	connection.Server.Open = false
	connection.Server.TimestampEnd = time.Now()
	websocketFlow.Messages[0].Dropped = true
	require.True(t, httpClone.Connection.Server.Open)
	require.True(t, httpClone.Connection.Server.TimestampEnd.IsZero())
	require.True(t, websocketClone.Connection.Server.Open)
	require.True(t, websocketClone.Handshake.Connection.Server.Open)
	require.False(t, websocketClone.Messages[0].Dropped)
}
