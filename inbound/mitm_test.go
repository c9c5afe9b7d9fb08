package inbound

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sagernet/sing-mitm/adapter"
	C "github.com/sagernet/sing-mitm/constant"
	"github.com/sagernet/sing-mitm/log"
	"github.com/sagernet/sing-mitm/option"
	N "github.com/sagernet/sing/common/network"

	"github.com/stretchr/testify/require"
)

type echoService struct {
	metadata chan adapter.InboundContext
}

func (s *echoService) Start() error { return nil }

func (s *echoService) Close() error { return nil }

func (s *echoService) ProcessConnection(ctx context.Context, conn net.Conn, dialer N.Dialer, metadata adapter.InboundContext) error {
	s.metadata <- metadata
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	buffer := make([]byte, 1024)
	for {
		n, err := conn.Read(buffer)
		if err != nil {
			return err
		}
		_, err = conn.Write(buffer[:n])
		if err != nil {
			return err
		}
	}
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	return uint16(listener.Addr().(*net.TCPAddr).Port)
}

func TestMITMInbound(t *testing.T) {
	t.Parallel()
	service := &echoService{metadata: make(chan adapter.InboundContext, 1)}
	inbound, err := NewMITM(context.Background(), log.NewNOPFactory().Logger(), option.InboundOptions{
		Tag:         "in",
		Listen:      "127.0.0.1",
		ListenPort:  freePort(t),
		Destination: "example.com:443",
	}, service)
	require.NoError(t, err)
	require.Equal(t, C.TypeMITM, inbound.Type())
	require.Equal(t, "in", inbound.Tag())
	require.NoError(t, inbound.Start())

	conn, err := net.Dial("tcp", inbound.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	reply := make([]byte, 4)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	require.Equal(t, "ping", string(reply))

	metadata := <-service.metadata
	require.Equal(t, "in", metadata.Inbound)
	require.Equal(t, C.TypeMITM, metadata.InboundType)
	require.Equal(t, "example.com", metadata.Destination.Fqdn)
	require.Equal(t, uint16(443), metadata.Destination.Port)
	require.Equal(t, conn.LocalAddr().String(), metadata.Source.String())

	require.NoError(t, inbound.Close())
	_, err = net.DialTimeout("tcp", inbound.Addr().String(), time.Second)
	require.Error(t, err)
}

func TestMITMInboundInvalidOptions(t *testing.T) {
	t.Parallel()
	logger := log.NewNOPFactory().Logger()
	_, err := NewMITM(context.Background(), logger, option.InboundOptions{Listen: "not an address"}, nil)
	require.Error(t, err)
	_, err = NewMITM(context.Background(), logger, option.InboundOptions{Destination: "example.com"}, nil)
	require.Error(t, err)
	inbound, err := NewMITM(context.Background(), logger, option.InboundOptions{}, nil)
	require.NoError(t, err)
	require.Equal(t, uint16(C.DefaultListenPort), inbound.listen.Port)
	require.Nil(t, inbound.Addr())
}
