package adapter

import (
	"context"

	M "github.com/sagernet/sing/common/metadata"
)

type InboundContext struct {
	Inbound     string
	InboundType string
	Source      M.Socksaddr
	Destination M.Socksaddr
	Domain      string
	Protocol    string

	// sniffed

	SniffHost      string
	JA3Fingerprint string
	ALPN           []string
}

type inboundContextKey struct{}

func WithContext(ctx context.Context, inboundContext *InboundContext) context.Context {
	return context.WithValue(ctx, (*inboundContextKey)(nil), inboundContext)
}

func ContextFrom(ctx context.Context) *InboundContext {
	metadata := ctx.Value((*inboundContextKey)(nil))
	if metadata == nil {
		return nil
	}
	return metadata.(*InboundContext)
}

func (c *InboundContext) ServerName() string {
	if c.SniffHost != "" {
		return c.SniffHost
	}
	if c.Domain != "" {
		return c.Domain
	}
	if c.Destination.IsFqdn() {
		return c.Destination.Fqdn
	}
	return ""
}
