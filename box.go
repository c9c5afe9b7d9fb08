package box

import (
	"context"
	"time"

	"github.com/sagernet/sing-mitm/adapter"
	"github.com/sagernet/sing-mitm/experimental/control"
	"github.com/sagernet/sing-mitm/experimental/flowstore"
	"github.com/sagernet/sing-mitm/inbound"
	"github.com/sagernet/sing-mitm/log"
	"github.com/sagernet/sing-mitm/mitm"
	"github.com/sagernet/sing-mitm/option"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
	F "github.com/sagernet/sing/common/format"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Options struct {
	option.Options
	Context      context.Context
	Interceptors []adapter.Interceptor
	Sinks        []adapter.FlowSink
}

// Box owns every long running component built from a configuration.
type Box struct {
	createdAt  time.Time
	logFactory log.Factory
	logger     log.ContextLogger
	registry   *prometheus.Registry
	flowStore  *flowstore.Store
	service    *mitm.Service
	control    *control.Server
	inbounds   []*inbound.MITM
}

func New(options Options) (*Box, error) {
	createdAt := time.Now()
	ctx := options.Context
	if ctx == nil {
		ctx = context.Background()
	}
	logFactory, err := log.New(log.Options{
		Options:  common.PtrValueOrDefault(options.Log),
		BaseTime: createdAt,
	})
	if err != nil {
		return nil, E.Cause(err, "create log factory")
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	box := &Box{
		createdAt:  createdAt,
		logFactory: logFactory,
		logger:     logFactory.Logger(),
		registry:   registry,
	}
	sinks := options.Sinks
	if options.FlowStore != nil && options.FlowStore.Enabled {
		box.flowStore = flowstore.New(logFactory.NewLogger("flow-store"), *options.FlowStore)
		sinks = append(sinks, box.flowStore)
	}
	box.service, err = mitm.NewService(mitm.ServiceOptions{
		Logger:       logFactory.NewLogger("mitm"),
		Options:      options.MITM,
		Interceptors: options.Interceptors,
		Sinks:        sinks,
		Registry:     registry,
	})
	if err != nil {
		logFactory.Close()
		return nil, E.Cause(err, "initialize mitm")
	}
	inboundOptions := options.Inbounds
	if len(inboundOptions) == 0 {
		inboundOptions = []option.InboundOptions{{Listen: "127.0.0.1"}}
	}
	for i, inboundOption := range inboundOptions {
		tag := inboundOption.Tag
		if tag == "" {
			tag = F.ToString(i)
		}
		mitmInbound, err := inbound.NewMITM(ctx, logFactory.NewLogger(F.ToString("inbound/mitm[", tag, "]")), inboundOption, box.service)
		if err != nil {
			logFactory.Close()
			return nil, E.Cause(err, "parse inbound[", i, "]")
		}
		box.inbounds = append(box.inbounds, mitmInbound)
	}
	if options.Control != nil {
		serverOptions := control.ServerOptions{
			Logger:    logFactory.NewLogger("control"),
			Listen:    options.Control.Listen,
			Secret:    options.Control.Secret,
			Authority: box.service.Authority(),
			Gatherer:  registry,
		}
		if box.flowStore != nil {
			serverOptions.Flows = box.flowStore
		}
		box.control, err = control.NewServer(serverOptions)
		if err != nil {
			logFactory.Close()
			return nil, E.Cause(err, "create control server")
		}
	}
	return box, nil
}

func (b *Box) Start() error {
	err := b.start()
	if err != nil {
		b.Close()
		return err
	}
	b.logger.Info("sing-mitm started (", F.Seconds(time.Since(b.createdAt).Seconds()), "s)")
	return nil
}

func (b *Box) start() error {
	if b.flowStore != nil {
		err := b.flowStore.Start()
		if err != nil {
			return E.Cause(err, "start flow store")
		}
	}
	err := b.service.Start()
	if err != nil {
		return E.Cause(err, "start mitm")
	}
	if b.control != nil {
		err = b.control.Start()
		if err != nil {
			return E.Cause(err, "start control server")
		}
	}
	for i, mitmInbound := range b.inbounds {
		err = mitmInbound.Start()
		if err != nil {
			return E.Cause(err, "start inbound/mitm[", i, "]")
		}
	}
	return nil
}

func (b *Box) Service() *mitm.Service {
	return b.service
}

func (b *Box) Inbounds() []*inbound.MITM {
	return b.inbounds
}

func (b *Box) Close() error {
	var errors error
	for i, mitmInbound := range b.inbounds {
		errors = E.Append(errors, mitmInbound.Close(), func(err error) error {
			return E.Cause(err, "close inbound/mitm[", i, "]")
		})
	}
	if b.control != nil {
		errors = E.Append(errors, b.control.Close(), func(err error) error {
			return E.Cause(err, "close control server")
		})
	}
	errors = E.Append(errors, b.service.Close(), func(err error) error {
		return E.Cause(err, "close mitm")
	})
	if b.flowStore != nil {
		errors = E.Append(errors, b.flowStore.Close(), func(err error) error {
			return E.Cause(err, "close flow store")
		})
	}
	errors = E.Append(errors, b.logFactory.Close(), func(err error) error {
		return E.Cause(err, "close log factory")
	})
	return errors
}
