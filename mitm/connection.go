package mitm

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/sagernet/sing-mitm/adapter"
	sTLS "github.com/sagernet/sing-mitm/common/tls"
	C "github.com/sagernet/sing-mitm/constant"
	"github.com/sagernet/sing-mitm/flow"
	"github.com/sagernet/sing-mitm/proxy"
	"github.com/sagernet/sing/common/buf"
	"github.com/sagernet/sing/common/bufio"
	E "github.com/sagernet/sing/common/exceptions"
	N "github.com/sagernet/sing/common/network"
)

// loopEvent is delivered to the connection loop. apply runs on the loop
// before event reaches the layers.
type loopEvent struct {
	event  proxy.Event
	socket *socket
	apply  func()
	// force delivers a ConnectionClosed for a socket closed by the loop.
	force bool
	// discard releases resources when the loop is gone.
	discard func()
}

type socket struct {
	endpoint *flow.Endpoint
	conn     net.Conn
	resume   chan struct{}
	// started is set once the reader goroutine runs.
	started bool
	// paused is set while the reader waits for its last read to be processed.
	paused      bool
	handshaking bool
	closed      bool
	eof         bool
}

// connection owns the layer stack of one client connection. Every field is
// confined to the goroutine running loop, except events and ctx.
type connection struct {
	ctx      context.Context
	cancel   context.CancelFunc
	service  *Service
	dialer   N.Dialer
	proxyCtx *proxy.Context
	stack    *proxy.NextLayer
	events   chan loopEvent
	local    []loopEvent
	sockets  map[*flow.Endpoint]*socket
	inflight int
}

func newConnection(ctx context.Context, service *Service, dialer N.Dialer, proxyCtx *proxy.Context, conn net.Conn) *connection {
	ctx, cancel := context.WithCancel(ctx)
	c := &connection{
		ctx:      ctx,
		cancel:   cancel,
		service:  service,
		dialer:   dialer,
		proxyCtx: proxyCtx,
		stack:    proxy.NewNextLayer(proxyCtx),
		events:   make(chan loopEvent, 16),
		sockets:  make(map[*flow.Endpoint]*socket),
	}
	c.register(proxyCtx.Client(), conn)
	return c
}

func (c *connection) register(endpoint *flow.Endpoint, conn net.Conn) *socket {
	s := &socket{
		endpoint: endpoint,
		conn:     conn,
		resume:   make(chan struct{}, 1),
	}
	c.sockets[endpoint] = s
	return s
}

func (c *connection) run() error {
	defer c.shutdown()
	c.handle(loopEvent{event: proxy.Start{}})
	for !c.done() {
		var next loopEvent
		if len(c.local) > 0 {
			next = c.local[0]
			c.local = c.local[1:]
		} else {
			select {
			case next = <-c.events:
			case <-c.ctx.Done():
				return c.ctx.Err()
			}
		}
		c.handle(next)
	}
	return nil
}

// done reports whether nothing can produce another event.
func (c *connection) done() bool {
	if c.inflight > 0 || len(c.local) > 0 {
		return false
	}
	for _, s := range c.sockets {
		if !s.closed && !s.eof {
			return false
		}
	}
	return true
}

func (c *connection) handle(next loopEvent) {
	if next.apply != nil {
		next.apply()
	}
	switch event := next.event.(type) {
	case nil:
		return
	case proxy.DataReceived:
		if next.socket.closed {
			return
		}
		next.socket.paused = true
	case proxy.ConnectionClosed:
		if !next.force && (next.socket.closed || next.socket.eof) {
			return
		}
		next.socket.eof = true
		event.Endpoint.TimestampEnd = c.service.timeFunc()
	}
	for _, command := range c.stack.HandleEvent(next.event) {
		c.execute(command)
	}
	c.resumeReaders()
}

// resumeReaders lets sockets read again unless a TLS handshake is about to
// take over the raw connection.
func (c *connection) resumeReaders() {
	for _, s := range c.sockets {
		if s.closed || s.eof || s.handshaking || s.endpoint.TLS == flow.TLSHandshaking {
			continue
		}
		if !s.started {
			s.started = true
			go c.read(s, s.conn)
		} else if s.paused {
			s.paused = false
			s.resume <- struct{}{}
		}
	}
}

func (c *connection) read(s *socket, conn net.Conn) {
	for {
		buffer := make([]byte, C.ReadBufferSize)
		n, err := conn.Read(buffer)
		if n > 0 {
			if !c.post(loopEvent{event: proxy.DataReceived{Endpoint: s.endpoint, Data: buffer[:n]}, socket: s}) {
				return
			}
			select {
			case <-s.resume:
			case <-c.ctx.Done():
				return
			}
			// a completed handshake replaces the connection
			conn = c.currentConn(s)
		}
		if err != nil {
			c.post(loopEvent{event: proxy.ConnectionClosed{Endpoint: s.endpoint}, socket: s})
			return
		}
	}
}

// currentConn is only called by a reader between resume and its next read,
// when the loop does not touch s.conn.
func (c *connection) currentConn(s *socket) net.Conn {
	return s.conn
}

func (c *connection) post(event loopEvent) bool {
	select {
	case c.events <- event:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// async runs task outside the loop and delivers its result.
func (c *connection) async(task func() loopEvent) {
	c.inflight++
	go func() {
		event := task()
		apply := event.apply
		event.apply = func() {
			c.inflight--
			if apply != nil {
				apply()
			}
		}
		if !c.post(event) && event.discard != nil {
			event.discard()
		}
	}()
}

func (c *connection) execute(command proxy.Command) {
	switch command := command.(type) {
	case proxy.SendData:
		c.send(command)
	case proxy.CloseConnection:
		c.close(command)
	case proxy.OpenConnection:
		c.open(command)
	case proxy.RequestCertificate:
		c.requestCertificate(command)
	case proxy.StartTLS:
		c.startTLS(command)
	case proxy.InvokeHook:
		c.invokeHook(command)
	case proxy.EmitFlow:
		c.emitFlow(command)
	case proxy.Log:
		c.log(command)
	}
}

func (c *connection) send(command proxy.SendData) {
	s := c.sockets[command.Endpoint]
	if s == nil || s.closed {
		return
	}
	_, err := s.conn.Write(command.Data)
	if err != nil {
		c.service.logger.DebugContext(c.ctx, "write to ", command.Endpoint.Address, ": ", err)
		c.closeSocket(s)
		// the layers learn about the broken connection like a remote close
		c.local = append(c.local, loopEvent{event: proxy.ConnectionClosed{Endpoint: s.endpoint}, socket: s, force: true})
	}
}

func (c *connection) close(command proxy.CloseConnection) {
	s := c.sockets[command.Endpoint]
	if s == nil || s.closed {
		return
	}
	if command.HalfClose {
		if closer, isCloser := s.conn.(interface{ CloseWrite() error }); isCloser {
			err := closer.CloseWrite()
			if err == nil {
				return
			}
		}
	}
	c.closeSocket(s)
}

func (c *connection) closeSocket(s *socket) {
	s.closed = true
	s.endpoint.Open = false
	if s.endpoint.TimestampEnd.IsZero() {
		s.endpoint.TimestampEnd = c.service.timeFunc()
	}
	s.conn.Close()
	if s.started && s.paused {
		s.paused = false
		s.resume <- struct{}{}
	}
}

func (c *connection) open(command proxy.OpenConnection) {
	endpoint := command.Endpoint
	c.async(func() loopEvent {
		conn, err := c.dialer.DialContext(c.ctx, N.NetworkTCP, endpoint.Address)
		event := loopEvent{event: proxy.OpenConnectionCompleted{Command: command.ID, Err: err}}
		if err == nil {
			event.apply = func() {
				c.register(endpoint, conn)
			}
			event.discard = func() {
				conn.Close()
			}
		}
		return event
	})
}

func (c *connection) requestCertificate(command proxy.RequestCertificate) {
	c.async(func() loopEvent {
		certificate, err := c.service.authority.GetCertificate(command.ServerName)
		return loopEvent{event: proxy.CertificateReady{Command: command.ID, Certificate: certificate, Err: err}}
	})
}

func (c *connection) startTLS(command proxy.StartTLS) {
	s := c.sockets[command.Endpoint]
	if s == nil || s.closed {
		c.local = append(c.local, loopEvent{event: proxy.TLSHandshakeCompleted{Command: command.ID, Err: E.New("connection closed")}})
		return
	}
	s.handshaking = true
	rawConn := s.conn
	var tlsConn *tls.Conn
	if command.Role == proxy.TLSRoleServer {
		var conn net.Conn = rawConn
		if len(command.Buffered) > 0 {
			conn = bufio.NewCachedConn(rawConn, buf.As(command.Buffered))
		}
		tlsConn = tls.Server(conn, sTLS.ServerConfig(command.Certificate, command.NextProtos, c.service.timeFunc))
	} else {
		tlsConn = tls.Client(rawConn, sTLS.ClientConfig(command.ServerName, command.NextProtos, command.Insecure, c.service.timeFunc))
	}
	c.async(func() loopEvent {
		ctx, cancel := context.WithTimeout(c.ctx, C.TLSHandshakeTimeout)
		defer cancel()
		err := tlsConn.HandshakeContext(ctx)
		completed := proxy.TLSHandshakeCompleted{Command: command.ID, Err: err}
		if err == nil {
			state := tlsConn.ConnectionState()
			completed.ALPN = state.NegotiatedProtocol
			completed.Version = sTLS.VersionName(state.Version)
			completed.CipherSuite = tls.CipherSuiteName(state.CipherSuite)
		}
		return loopEvent{
			event: completed,
			apply: func() {
				s.handshaking = false
				if err == nil && !s.closed {
					s.conn = tlsConn
				}
			},
		}
	})
}

func (c *connection) invokeHook(command proxy.InvokeHook) {
	interceptor := c.service.interceptor
	if interceptor == nil {
		c.local = append(c.local, loopEvent{event: proxy.HookCompleted{Command: command.ID, Decision: flow.Continue()}})
		return
	}
	c.async(func() loopEvent {
		decision, err := c.callHook(interceptor, command)
		if err != nil {
			c.service.metrics.hookFailed(command.Hook.String())
		}
		return loopEvent{event: proxy.HookCompleted{Command: command.ID, Decision: decision, Err: err}}
	})
}

type hookResult struct {
	decision flow.Decision
	err      error
}

func (c *connection) callHook(interceptor adapter.Interceptor, command proxy.InvokeHook) (flow.Decision, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.service.hookTimeout)
	defer cancel()
	done := make(chan hookResult, 1)
	go func() {
		var result hookResult
		defer func() {
			if recovered := recover(); recovered != nil {
				result.err = E.New("panic: ", recovered)
			}
			done <- result
		}()
		switch command.Hook {
		case proxy.HookRequest:
			result.decision, result.err = interceptor.OnRequest(ctx, command.HTTP)
		case proxy.HookResponse:
			result.decision, result.err = interceptor.OnResponse(ctx, command.HTTP)
		case proxy.HookResponseChunk:
			result.decision, result.err = interceptor.OnResponseChunk(ctx, command.HTTP, command.Chunk)
		case proxy.HookWebSocketMessage:
			result.decision, result.err = interceptor.OnWebSocketMessage(ctx, command.WebSocket, command.Message)
		}
	}()
	select {
	case result := <-done:
		if result.err != nil {
			return flow.Continue(), E.Extend(proxy.ErrHook, command.Hook, " hook: ", result.err)
		}
		return result.decision, nil
	case <-ctx.Done():
		return flow.Continue(), E.Extend(proxy.ErrHook, command.Hook, " hook timed out after ", c.service.hookTimeout)
	}
}

func (c *connection) emitFlow(command proxy.EmitFlow) {
	c.service.metrics.flowFinished(command.Flow)
	for _, sink := range c.service.sinks {
		err := sink.WriteFlow(c.ctx, command.Flow)
		if err != nil {
			c.service.logger.WarnContext(c.ctx, E.Cause(err, "write flow ", command.Flow.Base().ID))
		}
	}
}

func (c *connection) log(command proxy.Log) {
	logger := c.service.logger
	switch command.Level {
	case proxy.LogLevelTrace:
		logger.TraceContext(c.ctx, command.Message)
	case proxy.LogLevelDebug:
		logger.DebugContext(c.ctx, command.Message)
	case proxy.LogLevelInfo:
		logger.InfoContext(c.ctx, command.Message)
	case proxy.LogLevelWarn:
		logger.WarnContext(c.ctx, command.Message)
	default:
		logger.ErrorContext(c.ctx, command.Message)
	}
}

func (c *connection) shutdown() {
	c.cancel()
	for _, s := range c.sockets {
		if !s.closed {
			s.closed = true
			s.endpoint.Open = false
			s.conn.Close()
		}
	}
}
