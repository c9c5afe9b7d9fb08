package adapter

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/sagernet/sing-mitm/flow"
	N "github.com/sagernet/sing/common/network"
)

type MITMService interface {
	Lifecycle
	ProcessConnection(ctx context.Context, conn net.Conn, dialer N.Dialer, metadata InboundContext) error
}

// Interceptor is consulted at every hook point. A returned error is logged
// and the decision is treated as Continue.
type Interceptor interface {
	OnRequest(ctx context.Context, httpFlow *flow.HTTPFlow) (flow.Decision, error)
	OnResponse(ctx context.Context, httpFlow *flow.HTTPFlow) (flow.Decision, error)
	OnResponseChunk(ctx context.Context, httpFlow *flow.HTTPFlow, chunk []byte) (flow.Decision, error)
	OnWebSocketMessage(ctx context.Context, websocketFlow *flow.WebSocketFlow, message *flow.Message) (flow.Decision, error)
}

type FlowSink interface {
	WriteFlow(ctx context.Context, record flow.Record) error
}

type CertificateProvider interface {
	GetCertificate(serverName string) (*tls.Certificate, error)
	CertificatePEM() []byte
	CertificateDER() []byte
}
