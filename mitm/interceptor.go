package mitm

import (
	"context"

	"github.com/sagernet/sing-mitm/adapter"
	"github.com/sagernet/sing-mitm/flow"
)

var _ adapter.Interceptor = BaseInterceptor{}

// BaseInterceptor continues at every hook. Embed it to implement only some.
type BaseInterceptor struct{}

func (BaseInterceptor) OnRequest(ctx context.Context, httpFlow *flow.HTTPFlow) (flow.Decision, error) {
	return flow.Continue(), nil
}

func (BaseInterceptor) OnResponse(ctx context.Context, httpFlow *flow.HTTPFlow) (flow.Decision, error) {
	return flow.Continue(), nil
}

func (BaseInterceptor) OnResponseChunk(ctx context.Context, httpFlow *flow.HTTPFlow, chunk []byte) (flow.Decision, error) {
	return flow.Continue(), nil
}

func (BaseInterceptor) OnWebSocketMessage(ctx context.Context, websocketFlow *flow.WebSocketFlow, message *flow.Message) (flow.Decision, error) {
	return flow.Continue(), nil
}

var _ adapter.Interceptor = Chain(nil)

// Chain consults interceptors in order. Each one sees the modifications of
// those before it; a block or a short-circuit response ends the chain.
type Chain []adapter.Interceptor

func (c Chain) OnRequest(ctx context.Context, httpFlow *flow.HTTPFlow) (flow.Decision, error) {
	var modified bool
	for _, interceptor := range c {
		decision, err := interceptor.OnRequest(ctx, httpFlow)
		if err != nil {
			return flow.Continue(), err
		}
		switch decision.Verdict {
		case flow.VerdictBlock:
			return decision, nil
		case flow.VerdictModify:
			if decision.Response != nil {
				return decision, nil
			}
			if decision.Request != nil {
				httpFlow.Request = decision.Request
				modified = true
			}
		}
	}
	if modified {
		return flow.ModifyRequest(httpFlow.Request), nil
	}
	return flow.Continue(), nil
}

func (c Chain) OnResponse(ctx context.Context, httpFlow *flow.HTTPFlow) (flow.Decision, error) {
	var modified bool
	for _, interceptor := range c {
		decision, err := interceptor.OnResponse(ctx, httpFlow)
		if err != nil {
			return flow.Continue(), err
		}
		switch decision.Verdict {
		case flow.VerdictBlock:
			return decision, nil
		case flow.VerdictModify:
			if decision.Response != nil {
				httpFlow.Response = decision.Response
				modified = true
			}
		}
	}
	if modified {
		return flow.ModifyResponse(httpFlow.Response), nil
	}
	return flow.Continue(), nil
}

func (c Chain) OnResponseChunk(ctx context.Context, httpFlow *flow.HTTPFlow, chunk []byte) (flow.Decision, error) {
	var modified bool
	for _, interceptor := range c {
		decision, err := interceptor.OnResponseChunk(ctx, httpFlow, chunk)
		if err != nil {
			return flow.Continue(), err
		}
		switch decision.Verdict {
		case flow.VerdictBlock:
			return decision, nil
		case flow.VerdictModify:
			chunk = decision.Chunk
			modified = true
		}
	}
	if modified {
		return flow.ModifyChunk(chunk), nil
	}
	return flow.Continue(), nil
}

func (c Chain) OnWebSocketMessage(ctx context.Context, websocketFlow *flow.WebSocketFlow, message *flow.Message) (flow.Decision, error) {
	var modified bool
	for _, interceptor := range c {
		decision, err := interceptor.OnWebSocketMessage(ctx, websocketFlow, message)
		if err != nil {
			return flow.Continue(), err
		}
		switch decision.Verdict {
		case flow.VerdictBlock:
			return decision, nil
		case flow.VerdictModify:
			message.Content = decision.Message
			modified = true
		}
	}
	if modified {
		return flow.ModifyMessage(message.Content), nil
	}
	return flow.Continue(), nil
}
