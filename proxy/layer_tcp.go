package proxy

import (
	"time"

	C "github.com/sagernet/sing-mitm/constant"
	"github.com/sagernet/sing-mitm/flow"
	E "github.com/sagernet/sing/common/exceptions"
)

var _ Layer = (*TCPLayer)(nil)

// TCPLayer relays bytes between two endpoints without looking at them.
type TCPLayer struct {
	ctx     *Context
	client  *flow.Endpoint
	server  *flow.Endpoint
	openID  uint64
	pending [][]byte
	// closed sides
	clientClosed bool
	serverClosed bool
}

func NewTCPLayer(ctx *Context, client *flow.Endpoint, server *flow.Endpoint) *TCPLayer {
	return &TCPLayer{
		ctx:    ctx,
		client: client,
		server: server,
	}
}

func (l *TCPLayer) Name() string {
	return C.LayerTCP
}

func (l *TCPLayer) HandleEvent(event Event) []Command {
	switch e := event.(type) {
	case Start:
		if l.server.Open || l.openID != 0 {
			return nil
		}
		if !l.server.Address.IsValid() {
			return []Command{
				l.ctx.log(LogLevelWarn, "no destination for opaque connection from ", l.client.Address),
				CloseConnection{Endpoint: l.client},
			}
		}
		l.openID = l.ctx.NextID()
		return []Command{OpenConnection{ID: l.openID, Endpoint: l.server}}
	case OpenConnectionCompleted:
		if e.Command != l.openID {
			return nil
		}
		l.openID = 0
		if e.Err != nil {
			l.pending = nil
			return []Command{
				l.ctx.log(LogLevelWarn, E.Cause(e.Err, "open connection to ", l.server.Address)),
				CloseConnection{Endpoint: l.client},
			}
		}
		markOpen(l.server)
		var commands []Command
		for _, data := range l.pending {
			commands = append(commands, SendData{Endpoint: l.server, Data: data})
		}
		l.pending = nil
		if l.clientClosed {
			commands = append(commands, CloseConnection{Endpoint: l.server, HalfClose: true})
		}
		return commands
	case DataReceived:
		if len(e.Data) == 0 {
			return nil
		}
		switch e.Endpoint {
		case l.client:
			if !l.server.Open {
				l.pending = append(l.pending, e.Data)
				return nil
			}
			return []Command{SendData{Endpoint: l.server, Data: e.Data}}
		case l.server:
			return []Command{SendData{Endpoint: l.client, Data: e.Data}}
		}
	case ConnectionClosed:
		switch e.Endpoint {
		case l.client:
			l.clientClosed = true
			if l.serverClosed || (!l.server.Open && l.openID == 0) {
				return closeEndpoint(l.server)
			}
			if !l.server.Open {
				return nil
			}
			return []Command{CloseConnection{Endpoint: l.server, HalfClose: true}}
		case l.server:
			l.serverClosed = true
			if l.clientClosed {
				return []Command{CloseConnection{Endpoint: l.client}}
			}
			return []Command{CloseConnection{Endpoint: l.client, HalfClose: true}}
		}
	}
	return nil
}

func markOpen(endpoint *flow.Endpoint) {
	endpoint.Open = true
	endpoint.TimestampStart = time.Now()
}
