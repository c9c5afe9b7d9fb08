package proxy

import (
	"bytes"

	"github.com/sagernet/sing-mitm/common/sniff"
	C "github.com/sagernet/sing-mitm/constant"
	"github.com/sagernet/sing-mitm/flow"
)

// Layer is a protocol state machine. HandleEvent must not block.
type Layer interface {
	Name() string
	HandleEvent(event Event) []Command
}

var _ Layer = (*NextLayer)(nil)

// NextLayer decides which layer handles a connection and swaps it in place
// when the active layer asks for it.
type NextLayer struct {
	ctx      *Context
	layer    Layer
	buffered []Event
	data     []byte
}

func NewNextLayer(ctx *Context) *NextLayer {
	return &NextLayer{ctx: ctx.nested()}
}

func (l *NextLayer) Name() string {
	if l.layer != nil {
		return C.LayerNext + "(" + l.layer.Name() + ")"
	}
	return C.LayerNext
}

// Layer returns the active child, nil while undecided.
func (l *NextLayer) Layer() Layer {
	return l.layer
}

func (l *NextLayer) HandleEvent(event Event) []Command {
	var commands []Command
	if l.ctx.Options.ProxyDebug {
		commands = append(commands, l.ctx.trace(">>", l.Name(), event))
	}
	if l.layer != nil {
		commands = append(commands, l.forward(event)...)
	} else {
		commands = append(commands, l.decide(event)...)
	}
	if l.ctx.Options.ProxyDebug {
		for _, command := range commands {
			if _, isLog := command.(Log); !isLog {
				commands = append(commands, l.ctx.trace("<<", l.Name(), command))
			}
		}
	}
	return commands
}

func (l *NextLayer) forward(event Event) []Command {
	return l.process(l.layer.HandleEvent(event))
}

// process applies layer replacements requested by the child.
func (l *NextLayer) process(commands []Command) []Command {
	for i := 0; i < len(commands); i++ {
		replace, isReplace := commands[i].(replaceLayer)
		if !isReplace {
			continue
		}
		remaining := append([]Command(nil), commands[i+1:]...)
		commands = commands[:i]
		l.layer = replace.Next
		commands = append(commands, l.ctx.log(LogLevelDebug, "switch to ", replace.Next.Name()))
		for _, replay := range replace.Replay {
			commands = append(commands, l.layer.HandleEvent(replay)...)
		}
		commands = append(commands, remaining...)
		// the replayed commands may contain further replacements
		return l.process(commands)
	}
	return commands
}

func (l *NextLayer) decide(event Event) []Command {
	client := l.ctx.Client()
	server := l.ctx.Server()
	switch e := event.(type) {
	case Start:
		if l.ctx.Regular {
			return l.swap(NewHTTPLayer(l.ctx), nil)
		}
		if client.Established() {
			if client.ALPN == "" || isHTTPALPN(client.ALPN) {
				return l.swap(NewHTTPLayer(l.ctx), nil)
			}
			return l.swap(NewTCPLayer(l.ctx, client, server), nil)
		}
		if server.Address.IsValid() && (sniff.Skip(server.Address.Port) || l.ctx.ignored("", "")) {
			return l.swap(NewTCPLayer(l.ctx, client, server), nil)
		}
		return nil
	case DataReceived:
		l.buffered = append(l.buffered, event)
		if e.Endpoint == client {
			l.data = append(l.data, e.Data...)
		}
		return l.sniff()
	case ConnectionClosed:
		if e.Endpoint == client {
			if len(l.data) > 0 {
				return l.swap(NewTCPLayer(l.ctx, client, server), append(l.buffered, event))
			}
			return []Command{CloseConnection{Endpoint: client}}
		}
		l.buffered = append(l.buffered, event)
		return nil
	default:
		l.buffered = append(l.buffered, event)
		return nil
	}
}

func (l *NextLayer) sniff() []Command {
	client := l.ctx.Client()
	switch {
	case len(l.data) == 0:
		return nil
	case sniff.IsTLSHandshake(l.data):
		return l.swap(NewClientTLSLayer(l.ctx), l.buffered)
	case len(l.data) < 3 && l.data[0] == sniff.RecordTypeHandshake:
		return nil
	case sniff.LooksLikeHTTP(l.data):
		return l.swap(NewHTTPLayer(l.ctx), l.buffered)
	case bytes.IndexByte(l.data, ' ') == -1 && len(l.data) < 16:
		return nil
	default:
		return l.swap(NewTCPLayer(l.ctx, client, l.ctx.Server()), l.buffered)
	}
}

func (l *NextLayer) swap(layer Layer, buffered []Event) []Command {
	l.buffered = nil
	l.data = nil
	return l.process([]Command{replaceLayer{Next: layer, Replay: append([]Event{Start{}}, buffered...)}})
}

func isHTTPALPN(alpn string) bool {
	if alpn == C.ALPNHTTP2 {
		return true
	}
	for _, http1 := range C.HTTP1ALPNs {
		if alpn == http1 {
			return true
		}
	}
	return false
}

func closeEndpoint(endpoint *flow.Endpoint) []Command {
	if endpoint == nil || !endpoint.Open {
		return nil
	}
	return []Command{CloseConnection{Endpoint: endpoint}}
}
