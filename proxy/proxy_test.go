package proxy

import (
	"bytes"

	"github.com/sagernet/sing-mitm/flow"
	M "github.com/sagernet/sing/common/metadata"
)

func newTestContext(server string, options *Options) *Context {
	client := flow.NewEndpoint(M.ParseSocksaddr("192.0.2.10:50000"))
	client.Open = true
	var serverEndpoint *flow.Endpoint
	if server != "" {
		serverEndpoint = flow.NewEndpoint(M.ParseSocksaddr(server))
	}
	return NewContext(client, serverEndpoint, options)
}

func commandsOf[T Command](commands []Command) []T {
	var result []T
	for _, command := range commands {
		if typed, isType := command.(T); isType {
			result = append(result, typed)
		}
	}
	return result
}

// sentTo concatenates the bytes sent to endpoint.
func sentTo(commands []Command, endpoint *flow.Endpoint) []byte {
	var buffer bytes.Buffer
	for _, command := range commandsOf[SendData](commands) {
		if command.Endpoint == endpoint {
			buffer.Write(command.Data)
		}
	}
	return buffer.Bytes()
}

func closes(commands []Command, endpoint *flow.Endpoint) bool {
	for _, command := range commandsOf[CloseConnection](commands) {
		if command.Endpoint == endpoint && !command.HalfClose {
			return true
		}
	}
	return false
}

func singleHook(commands []Command) InvokeHook {
	hooks := commandsOf[InvokeHook](commands)
	if len(hooks) != 1 {
		panic("expected exactly one hook invocation")
	}
	return hooks[0]
}

func emittedHTTPFlows(commands []Command) []*flow.HTTPFlow {
	var flows []*flow.HTTPFlow
	for _, command := range commandsOf[EmitFlow](commands) {
		if httpFlow, isHTTP := command.Flow.(*flow.HTTPFlow); isHTTP {
			flows = append(flows, httpFlow)
		}
	}
	return flows
}
