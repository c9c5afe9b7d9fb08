package proxy

import (
	"errors"
	"io"
	"strings"

	"github.com/sagernet/sing-mitm/common/sniff"
	C "github.com/sagernet/sing-mitm/constant"
	"github.com/sagernet/sing-mitm/flow"
	E "github.com/sagernet/sing/common/exceptions"
)

type tlsState uint8

const (
	tlsStateWaitForClientHello tlsState = iota
	tlsStateWaitForCertificate
	tlsStateHandshaking
	tlsStateEstablished
	tlsStateFailed
)

var _ Layer = (*ClientTLSLayer)(nil)

// ClientTLSLayer terminates TLS from the client. The ClientHello is parsed
// here; the handshake itself runs in the driver.
type ClientTLSLayer struct {
	ctx         *Context
	state       tlsState
	buffer      []byte
	hello       *sniff.ClientHello
	negotiated  string
	certID      uint64
	handshakeID uint64
	child       *NextLayer
}

func NewClientTLSLayer(ctx *Context) *ClientTLSLayer {
	return &ClientTLSLayer{ctx: ctx}
}

func (l *ClientTLSLayer) Name() string {
	return C.LayerClientTLS
}

// ClientHello returns the parsed ClientHello once available.
func (l *ClientTLSLayer) ClientHello() *sniff.ClientHello {
	return l.hello
}

func (l *ClientTLSLayer) HandleEvent(event Event) []Command {
	if l.state == tlsStateEstablished {
		return l.child.HandleEvent(event)
	}
	client := l.ctx.Client()
	switch e := event.(type) {
	case DataReceived:
		if e.Endpoint != client {
			return nil
		}
		switch l.state {
		case tlsStateWaitForClientHello:
			l.buffer = append(l.buffer, e.Data...)
			return l.receiveClientHello()
		case tlsStateWaitForCertificate, tlsStateHandshaking:
			l.buffer = append(l.buffer, e.Data...)
		}
	case ConnectionClosed:
		if e.Endpoint != client || l.state == tlsStateFailed {
			return nil
		}
		if l.state == tlsStateWaitForClientHello && len(l.buffer) > 0 {
			return l.fail(E.Extend(ErrProtocol, "client closed connection before sending a complete ClientHello"))
		}
		l.state = tlsStateFailed
		return []Command{
			l.ctx.log(LogLevelDebug, "client closed connection during TLS setup"),
			CloseConnection{Endpoint: client},
		}
	case CertificateReady:
		if e.Command != l.certID {
			return nil
		}
		if e.Err != nil {
			return l.fail(E.Extend(ErrTrust, "issue certificate for ", l.serverName(), ": ", e.Err))
		}
		l.state = tlsStateHandshaking
		l.handshakeID = l.ctx.NextID()
		var nextProtos []string
		if l.negotiated != "" {
			nextProtos = []string{l.negotiated}
		}
		buffered := l.buffer
		l.buffer = nil
		return []Command{StartTLS{
			ID:          l.handshakeID,
			Endpoint:    client,
			Role:        TLSRoleServer,
			Certificate: e.Certificate,
			ServerName:  l.hello.ServerName,
			NextProtos:  nextProtos,
			Buffered:    buffered,
		}}
	case TLSHandshakeCompleted:
		if e.Command != l.handshakeID {
			return nil
		}
		if e.Err != nil {
			return l.fail(E.Extend(ErrTrust, classifyHandshakeError(l.serverName(), e.Err)))
		}
		l.state = tlsStateEstablished
		client.TLS = flow.TLSEstablished
		client.ALPN = e.ALPN
		client.TLSVersion = e.Version
		client.CipherSuite = e.CipherSuite
		l.child = NewNextLayer(l.ctx)
		return append([]Command{
			l.ctx.log(LogLevelDebug, "client TLS established: ", l.serverName(), ", ALPN: ", orNone(e.ALPN)),
		}, l.child.HandleEvent(Start{})...)
	}
	return nil
}

func (l *ClientTLSLayer) receiveClientHello() []Command {
	hello, err := sniff.ParseClientHello(l.buffer)
	if errors.Is(err, sniff.ErrIncomplete) {
		if len(l.buffer) > C.MaxClientHelloSize {
			return l.fail(E.Extend(ErrProtocol, "client hello exceeds ", C.MaxClientHelloSize, " bytes"))
		}
		return nil
	}
	if err != nil {
		return l.fail(E.Extend(ErrProtocol, "parse ClientHello: ", err))
	}
	l.hello = hello
	client := l.ctx.Client()
	client.SNI = hello.ServerName
	client.ALPNOffers = hello.ALPNProtocols
	_, client.JA3 = hello.JA3()
	if l.ctx.ignored(hello.ServerName, client.JA3) {
		buffered := l.buffer
		l.buffer = nil
		return []Command{
			l.ctx.log(LogLevelDebug, "TLS passthrough for ", l.serverName()),
			replaceLayer{
				Next:   NewTCPLayer(l.ctx, client, l.ctx.Server()),
				Replay: []Event{Start{}, DataReceived{Endpoint: client, Data: buffered}},
			},
		}
	}
	negotiated, err := negotiateALPN(hello.ALPNProtocols, l.ctx.Options.alpnPreference())
	if err != nil {
		return l.fail(err)
	}
	l.negotiated = negotiated
	if l.ctx.Server().SNI == "" {
		l.ctx.Server().SNI = hello.ServerName
	}
	l.state = tlsStateWaitForCertificate
	client.TLS = flow.TLSHandshaking
	l.certID = l.ctx.NextID()
	return []Command{RequestCertificate{ID: l.certID, ServerName: l.serverName()}}
}

func (l *ClientTLSLayer) serverName() string {
	if l.hello != nil && l.hello.ServerName != "" {
		return l.hello.ServerName
	}
	return l.ctx.Server().Address.AddrString()
}

func (l *ClientTLSLayer) fail(err error) []Command {
	l.state = tlsStateFailed
	l.buffer = nil
	client := l.ctx.Client()
	client.TLS = flow.TLSFailed
	client.Error = err.Error()
	return []Command{
		l.ctx.log(LogLevelWarn, err),
		CloseConnection{Endpoint: client},
	}
}

// negotiateALPN picks the first protocol in preference order the client
// offers. A client offering none leaves the protocol unset.
func negotiateALPN(offers []string, preference []string) (string, error) {
	if len(offers) == 0 {
		return "", nil
	}
	for _, protocol := range preference {
		for _, offer := range offers {
			if protocol == offer {
				return protocol, nil
			}
		}
	}
	return "", E.Extend(ErrTrust, "no application protocol in common: client offered [", strings.Join(offers, ", "), "]")
}

func classifyHandshakeError(serverName string, err error) string {
	message := err.Error()
	switch {
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || strings.Contains(message, "connection reset"):
		return "client disconnected during the handshake for " + serverName + ". This usually indicates that the client does not trust the proxy's certificate"
	case strings.Contains(message, "unknown certificate") || strings.Contains(message, "bad certificate") || strings.Contains(message, "certificate unknown") || strings.Contains(message, "unknown certificate authority"):
		return "the client does not trust the proxy's certificate for " + serverName + " (" + message + ")"
	case strings.Contains(message, "protocol version") || strings.Contains(message, "unsupported versions"):
		return "client and proxy cannot agree on a TLS version for " + serverName + " (" + message + ")"
	default:
		return "client TLS handshake failed for " + serverName + ": " + message
	}
}

func orNone(value string) string {
	if value == "" {
		return "none"
	}
	return value
}
