package proxy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTCPLayerRelay(t *testing.T) {
	t.Parallel()
	ctx := newTestContext("192.0.2.1:5222", nil)
	client, server := ctx.Client(), ctx.Server()
	layer := NewTCPLayer(ctx, client, server)
	opens := commandsOf[OpenConnection](layer.HandleEvent(Start{}))
	require.Len(t, opens, 1)
	require.Same(t, server, opens[0].Endpoint)

	require.Empty(t, layer.HandleEvent(DataReceived{Endpoint: client, Data: []byte("early")}))
	commands := layer.HandleEvent(OpenConnectionCompleted{Command: opens[0].ID})
	require.True(t, server.Open)
	require.Equal(t, "early", string(sentTo(commands, server)))

	commands = layer.HandleEvent(DataReceived{Endpoint: server, Data: []byte("reply")})
	require.Equal(t, "reply", string(sentTo(commands, client)))
	commands = layer.HandleEvent(DataReceived{Endpoint: client, Data: []byte("more")})
	require.Equal(t, "more", string(sentTo(commands, server)))
}

func TestTCPLayerHalfClose(t *testing.T) {
	t.Parallel()
	ctx := newTestContext("192.0.2.1:5222", nil)
	client, server := ctx.Client(), ctx.Server()
	layer := NewTCPLayer(ctx, client, server)
	opens := commandsOf[OpenConnection](layer.HandleEvent(Start{}))
	layer.HandleEvent(OpenConnectionCompleted{Command: opens[0].ID})

	commands := layer.HandleEvent(ConnectionClosed{Endpoint: client})
	closeCommands := commandsOf[CloseConnection](commands)
	require.Len(t, closeCommands, 1)
	require.Same(t, server, closeCommands[0].Endpoint)
	require.True(t, closeCommands[0].HalfClose)

	commands = layer.HandleEvent(DataReceived{Endpoint: server, Data: []byte("tail")})
	require.Equal(t, "tail", string(sentTo(commands, client)))
	commands = layer.HandleEvent(ConnectionClosed{Endpoint: server})
	require.True(t, closes(commands, client))
}

func TestTCPLayerConnectFailure(t *testing.T) {
	t.Parallel()
	ctx := newTestContext("192.0.2.1:5222", nil)
	layer := NewTCPLayer(ctx, ctx.Client(), ctx.Server())
	opens := commandsOf[OpenConnection](layer.HandleEvent(Start{}))
	layer.HandleEvent(DataReceived{Endpoint: ctx.Client(), Data: []byte("lost")})
	commands := layer.HandleEvent(OpenConnectionCompleted{Command: opens[0].ID, Err: ErrUpstream})
	require.True(t, closes(commands, ctx.Client()))
	require.Empty(t, commandsOf[SendData](commands))
}

func TestTCPLayerWithoutDestination(t *testing.T) {
	t.Parallel()
	ctx := newTestContext("", nil)
	layer := NewTCPLayer(ctx, ctx.Client(), ctx.Server())
	commands := layer.HandleEvent(Start{})
	require.Empty(t, commandsOf[OpenConnection](commands))
	require.True(t, closes(commands, ctx.Client()))
}
