package dialer

import (
	"context"
	"net"
	"time"

	C "github.com/sagernet/sing-mitm/constant"
	E "github.com/sagernet/sing/common/exceptions"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"
)

var _ N.Dialer = (*DefaultDialer)(nil)

// DefaultDialer connects directly to origin servers.
type DefaultDialer struct {
	dialer       net.Dialer
	listenConfig net.ListenConfig
}

func New(timeout time.Duration) *DefaultDialer {
	if timeout == 0 {
		timeout = C.DefaultDialTimeout
	}
	return &DefaultDialer{
		dialer: net.Dialer{
			Timeout:   timeout,
			KeepAlive: C.TCPKeepAliveInterval,
		},
	}
}

func (d *DefaultDialer) DialContext(ctx context.Context, network string, destination M.Socksaddr) (net.Conn, error) {
	switch N.NetworkName(network) {
	case N.NetworkTCP, N.NetworkUDP:
	default:
		return nil, E.New("unsupported network: ", network)
	}
	if !destination.IsValid() {
		return nil, E.New("invalid destination")
	}
	return d.dialer.DialContext(ctx, network, destination.String())
}

func (d *DefaultDialer) ListenPacket(ctx context.Context, destination M.Socksaddr) (net.PacketConn, error) {
	return d.listenConfig.ListenPacket(ctx, N.NetworkUDP, "")
}
