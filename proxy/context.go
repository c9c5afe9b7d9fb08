package proxy

import (
	"fmt"
	"strings"

	"github.com/sagernet/sing-mitm/adapter"
	C "github.com/sagernet/sing-mitm/constant"
	"github.com/sagernet/sing-mitm/flow"
	M "github.com/sagernet/sing/common/metadata"
)

type HTTP2Options struct {
	InitialWindowSize    uint32
	MaxConcurrentStreams uint32
	HeaderTableSize      uint32
}

type Options struct {
	ALPN              []string
	MaxHeaderSize     int
	BodySizeLimit     int64
	StreamLargeBodies int64
	DisableWebSocket  bool
	Insecure          bool
	ProxyDebug        bool
	HTTP2             HTTP2Options
	Ignore            []adapter.Rule
}

func (o *Options) alpnPreference() []string {
	if len(o.ALPN) > 0 {
		return o.ALPN
	}
	return C.DefaultALPNPreference
}

func (o *Options) maxHeaderSize() int {
	if o.MaxHeaderSize > 0 {
		return o.MaxHeaderSize
	}
	return C.DefaultMaxHeaderSize
}

func (o *Options) initialWindowSize() uint32 {
	if o.HTTP2.InitialWindowSize > C.HTTP2MaxWindowSize {
		return C.HTTP2MaxWindowSize
	}
	return o.HTTP2.InitialWindowSize
}

func (o *Options) maxConcurrentStreams() uint32 {
	if o.HTTP2.MaxConcurrentStreams > 0 {
		return o.HTTP2.MaxConcurrentStreams
	}
	return C.HTTP2DefaultMaxConcurrency
}

func (o *Options) headerTableSize() uint32 {
	if o.HTTP2.HeaderTableSize > 0 {
		return o.HTTP2.HeaderTableSize
	}
	return C.HTTP2DefaultHeaderTable
}

// DefaultOptions mirrors the option defaults applied by the service.
func DefaultOptions() *Options {
	return &Options{
		ALPN: C.DefaultALPNPreference,
		HTTP2: HTTP2Options{
			InitialWindowSize:    C.HTTP2DefaultWindowSize,
			MaxConcurrentStreams: C.HTTP2DefaultMaxConcurrency,
			HeaderTableSize:      C.HTTP2DefaultHeaderTable,
		},
	}
}

// Context is shared by the layers of one client connection. It is only ever
// touched from the goroutine processing that connection's events.
type Context struct {
	Connection *flow.Connection
	Options    *Options
	// Regular is set on the entry stack of an explicit proxy, where the
	// destination comes from the request itself.
	Regular bool
	depth   int
	ids     *uint64
}

func NewContext(client *flow.Endpoint, server *flow.Endpoint, options *Options) *Context {
	if options == nil {
		options = DefaultOptions()
	}
	if server == nil {
		server = flow.NewEndpoint(M.Socksaddr{})
	}
	return &Context{
		Connection: &flow.Connection{Client: client, Server: server},
		Options:    options,
		ids:        new(uint64),
	}
}

// Fork returns a context for a tunnel to destination sharing the client and
// the id space.
func (c *Context) Fork(destination M.Socksaddr) *Context {
	return &Context{
		Connection: &flow.Connection{Client: c.Connection.Client, Server: flow.NewEndpoint(destination)},
		Options:    c.Options,
		depth:      c.depth,
		ids:        c.ids,
	}
}

func (c *Context) nested() *Context {
	nested := *c
	nested.depth++
	return &nested
}

func (c *Context) NextID() uint64 {
	*c.ids++
	return *c.ids
}

func (c *Context) Client() *flow.Endpoint {
	return c.Connection.Client
}

func (c *Context) Server() *flow.Endpoint {
	return c.Connection.Server
}

func (c *Context) ignored(domain string, ja3 string) bool {
	if len(c.Options.Ignore) == 0 {
		return false
	}
	metadata := &adapter.InboundContext{
		Source:         c.Connection.Client.Address,
		Destination:    c.Connection.Server.Address,
		SniffHost:      domain,
		JA3Fingerprint: ja3,
	}
	if domain == "" && c.Connection.Server.Address.IsFqdn() {
		metadata.Domain = c.Connection.Server.Address.Fqdn
	}
	for _, rule := range c.Options.Ignore {
		if rule.Match(metadata) {
			return true
		}
	}
	return false
}

func (c *Context) log(level LogLevel, message ...any) Command {
	return Log{Level: level, Message: fmt.Sprint(message...)}
}

// trace renders an event for proxy debug output, indented by layer depth.
func (c *Context) trace(direction string, layer string, value any) Command {
	text := fmt.Sprintf("%s%s %s %s", strings.Repeat("  ", c.depth), direction, layer, describe(value))
	if len(text) > C.MaxLogStatementSize {
		text = text[:C.MaxLogStatementSize] + "…"
	}
	return Log{Level: LogLevelTrace, Message: text}
}

func describe(value any) string {
	switch v := value.(type) {
	case DataReceived:
		return fmt.Sprintf("DataReceived(%s, %d bytes)", v.Endpoint.Address, len(v.Data))
	case SendData:
		return fmt.Sprintf("SendData(%s, %d bytes)", v.Endpoint.Address, len(v.Data))
	case ConnectionClosed:
		return fmt.Sprintf("ConnectionClosed(%s)", v.Endpoint.Address)
	case CloseConnection:
		return fmt.Sprintf("CloseConnection(%s, half=%v)", v.Endpoint.Address, v.HalfClose)
	case OpenConnection:
		return fmt.Sprintf("OpenConnection(%d, %s)", v.ID, v.Endpoint.Address)
	case StartTLS:
		return fmt.Sprintf("StartTLS(%d, %s, alpn=%v)", v.ID, v.Endpoint.Address, v.NextProtos)
	case InvokeHook:
		return fmt.Sprintf("InvokeHook(%d, %s)", v.ID, v.Hook)
	case EmitFlow:
		return fmt.Sprintf("EmitFlow(%s)", v.Flow.Base().ID)
	case replaceLayer:
		return fmt.Sprintf("ReplaceLayer(%s)", v.Next.Name())
	default:
		return fmt.Sprintf("%T", value)
	}
}
