package mitm

import (
	"context"
	"net"
	"time"

	"github.com/sagernet/sing-mitm/adapter"
	"github.com/sagernet/sing-mitm/common/dialer"
	C "github.com/sagernet/sing-mitm/constant"
	"github.com/sagernet/sing-mitm/flow"
	"github.com/sagernet/sing-mitm/option"
	"github.com/sagernet/sing-mitm/proxy"
	"github.com/sagernet/sing-mitm/route"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"

	"github.com/prometheus/client_golang/prometheus"
)

var _ adapter.MITMService = (*Service)(nil)

type ServiceOptions struct {
	Logger       logger.ContextLogger
	Options      option.MITMOptions
	Interceptors []adapter.Interceptor
	Sinks        []adapter.FlowSink
	Registry     prometheus.Registerer
	// Authority overrides the one built from Options.
	Authority adapter.CertificateProvider
}

type Service struct {
	logger      logger.ContextLogger
	options     *proxy.Options
	authority   adapter.CertificateProvider
	interceptor adapter.Interceptor
	sinks       []adapter.FlowSink
	metrics     *Metrics
	dialer      N.Dialer
	ruleSet     *route.LocalRuleSet
	hookTimeout time.Duration
	timeFunc    func() time.Time
}

func NewService(options ServiceOptions) (*Service, error) {
	mitmOptions := options.Options
	proxyOptions := proxy.DefaultOptions()
	if len(mitmOptions.ALPN) > 0 {
		proxyOptions.ALPN = mitmOptions.ALPN
	}
	proxyOptions.MaxHeaderSize = mitmOptions.MaxHeaderSize
	proxyOptions.BodySizeLimit = mitmOptions.BodySizeLimit
	proxyOptions.StreamLargeBodies = mitmOptions.StreamLargeBodies
	proxyOptions.DisableWebSocket = mitmOptions.WebSocket != nil && !*mitmOptions.WebSocket
	proxyOptions.Insecure = mitmOptions.Insecure
	proxyOptions.ProxyDebug = mitmOptions.ProxyDebug
	if mitmOptions.HTTP2 != nil {
		if mitmOptions.HTTP2.InitialWindowSize > 0 {
			proxyOptions.HTTP2.InitialWindowSize = mitmOptions.HTTP2.InitialWindowSize
		}
		if mitmOptions.HTTP2.MaxConcurrentStreams > 0 {
			proxyOptions.HTTP2.MaxConcurrentStreams = mitmOptions.HTTP2.MaxConcurrentStreams
		}
		if mitmOptions.HTTP2.HeaderTableSize > 0 {
			proxyOptions.HTTP2.HeaderTableSize = mitmOptions.HTTP2.HeaderTableSize
		}
	}
	rules, err := route.NewRules(mitmOptions.Ignore)
	if err != nil {
		return nil, err
	}
	proxyOptions.Ignore = rules
	service := &Service{
		logger:      options.Logger,
		options:     proxyOptions,
		sinks:       options.Sinks,
		metrics:     NewMetrics(options.Registry),
		dialer:      dialer.New(time.Duration(mitmOptions.DialTimeout)),
		hookTimeout: time.Duration(mitmOptions.HookTimeout),
		timeFunc:    time.Now,
	}
	if service.hookTimeout == 0 {
		service.hookTimeout = C.DefaultHookTimeout
	}
	if mitmOptions.IgnorePath != "" {
		service.ruleSet, err = route.NewLocalRuleSet(options.Logger, C.BasePath(mitmOptions.IgnorePath))
		if err != nil {
			return nil, err
		}
		proxyOptions.Ignore = append(proxyOptions.Ignore, service.ruleSet)
	}
	if options.Authority != nil {
		service.authority = options.Authority
	} else {
		authority, err := NewCertificateAuthority(options.Logger, mitmOptions)
		if err != nil {
			return nil, E.Cause(err, "create certificate authority")
		}
		authority.onIssue = service.metrics.certificateIssued
		service.authority = authority
	}
	interceptors := options.Interceptors
	if len(mitmOptions.URLRewritePath) > 0 {
		rewriter, err := NewURLRewriter(options.Logger, mitmOptions.URLRewritePath)
		if err != nil {
			return nil, err
		}
		interceptors = append([]adapter.Interceptor{rewriter}, interceptors...)
	}
	switch len(interceptors) {
	case 0:
	case 1:
		service.interceptor = interceptors[0]
	default:
		service.interceptor = Chain(interceptors)
	}
	return service, nil
}

func (s *Service) Authority() adapter.CertificateProvider {
	return s.authority
}

// ProcessConnection runs conn through the interception stack until every
// connection it opened is closed. A valid metadata.Destination fixes the
// server; otherwise conn is treated as an explicit proxy client.
func (s *Service) ProcessConnection(ctx context.Context, conn net.Conn, dialer N.Dialer, metadata adapter.InboundContext) error {
	if dialer == nil {
		dialer = s.dialer
	}
	source := metadata.Source
	if !source.IsValid() {
		source = M.SocksaddrFromNet(conn.RemoteAddr())
	}
	client := flow.NewEndpoint(source)
	client.Open = true
	client.TimestampStart = s.timeFunc()
	var server *flow.Endpoint
	if metadata.Destination.IsValid() {
		server = flow.NewEndpoint(metadata.Destination)
	}
	proxyContext := proxy.NewContext(client, server, s.options)
	proxyContext.Regular = server == nil
	s.metrics.connectionOpened()
	defer s.metrics.connectionClosed()
	return newConnection(ctx, s, dialer, proxyContext, conn).run()
}

func (s *Service) Start() error {
	if starter, isStarter := s.authority.(adapter.Lifecycle); isStarter {
		err := starter.Start()
		if err != nil {
			s.logger.Warn("create fsnotify watcher: ", err)
		}
	}
	if s.ruleSet != nil {
		err := s.ruleSet.Start()
		if err != nil {
			s.logger.Warn("watch rule-set: ", err)
		}
	}
	return nil
}

func (s *Service) Close() error {
	return common.Close(s.authority, common.PtrOrNil(s.ruleSet))
}
