package inbound

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sagernet/sing-mitm/adapter"
	C "github.com/sagernet/sing-mitm/constant"
	"github.com/sagernet/sing-mitm/log"
	"github.com/sagernet/sing-mitm/option"
	E "github.com/sagernet/sing/common/exceptions"
	M "github.com/sagernet/sing/common/metadata"
)

var _ adapter.Service = (*MITM)(nil)

// MITM accepts TCP connections and hands them to the interception service.
type MITM struct {
	ctx         context.Context
	cancel      context.CancelFunc
	logger      log.ContextLogger
	tag         string
	listen      M.Socksaddr
	destination M.Socksaddr
	service     adapter.MITMService
	listener    net.Listener
	inShutdown  atomic.Bool
	connections sync.WaitGroup
}

func NewMITM(ctx context.Context, logger log.ContextLogger, options option.InboundOptions, service adapter.MITMService) (*MITM, error) {
	ctx, cancel := context.WithCancel(ctx)
	inbound := &MITM{
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		tag:     options.Tag,
		service: service,
	}
	listenAddr := netip.IPv4Unspecified()
	if options.Listen != "" {
		addr, err := netip.ParseAddr(options.Listen)
		if err != nil {
			return nil, E.Cause(err, "parse listen address")
		}
		listenAddr = addr
	}
	listenPort := options.ListenPort
	if listenPort == 0 {
		listenPort = C.DefaultListenPort
	}
	inbound.listen = M.SocksaddrFrom(listenAddr, listenPort)
	if options.Destination != "" {
		inbound.destination = M.ParseSocksaddr(options.Destination)
		if !inbound.destination.IsValid() || inbound.destination.Port == 0 {
			return nil, E.New("invalid destination: ", options.Destination)
		}
	}
	return inbound, nil
}

func (h *MITM) Type() string {
	return C.TypeMITM
}

func (h *MITM) Tag() string {
	return h.tag
}

func (h *MITM) Start() error {
	var listenConfig net.ListenConfig
	listenConfig.KeepAlive = C.TCPKeepAliveInterval
	listener, err := listenConfig.Listen(h.ctx, "tcp", h.listen.String())
	if err != nil {
		return E.Cause(err, "listen ", h.listen)
	}
	h.listener = listener
	if h.destination.IsValid() {
		h.logger.Info("tcp server started at ", listener.Addr(), ", forwarding to ", h.destination)
	} else {
		h.logger.Info("http proxy server started at ", listener.Addr())
	}
	go h.loopTCPIn()
	return nil
}

// Addr is nil before Start.
func (h *MITM) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

func (h *MITM) loopTCPIn() {
	var tempDelay time.Duration
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			if h.inShutdown.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			//nolint:staticcheck
			if netError, isNetError := err.(net.Error); isNetError && netError.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				h.logger.Error("accept: ", err, "; retrying in ", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			h.logger.Error("accept: ", err)
			return
		}
		tempDelay = 0
		h.connections.Add(1)
		go h.injectTCP(conn)
	}
}

func (h *MITM) injectTCP(conn net.Conn) {
	defer h.connections.Done()
	ctx := log.ContextWithNewID(h.ctx)
	metadata := adapter.InboundContext{
		Inbound:     h.tag,
		InboundType: C.TypeMITM,
		Source:      M.SocksaddrFromNet(conn.RemoteAddr()).Unwrap(),
		Destination: h.destination,
	}
	ctx = adapter.WithContext(ctx, &metadata)
	h.logger.InfoContext(ctx, "inbound connection from ", metadata.Source)
	err := h.service.ProcessConnection(ctx, conn, nil, metadata)
	if err != nil && !E.IsClosedOrCanceled(err) {
		h.logger.ErrorContext(ctx, E.Cause(err, "process connection from ", metadata.Source))
		return
	}
	h.logger.DebugContext(ctx, "connection from ", metadata.Source, " closed")
}

// Close stops accepting, aborts the connections in progress and waits for
// them to return.
func (h *MITM) Close() error {
	h.inShutdown.Store(true)
	h.cancel()
	var err error
	if h.listener != nil {
		err = h.listener.Close()
	}
	h.connections.Wait()
	return err
}
