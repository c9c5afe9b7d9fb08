package control

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sagernet/sing-mitm/adapter"
	C "github.com/sagernet/sing-mitm/constant"
	"github.com/sagernet/sing-mitm/experimental/flowstore"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/json"
	"github.com/sagernet/sing/common/logger"
	sHttp "github.com/sagernet/sing/protocol/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultListFlows = 100

// FlowReader is the read side of a flow store.
type FlowReader interface {
	LoadFlow(id string) (json.RawMessage, error)
	ListFlows(limit int) ([]json.RawMessage, error)
	Clear() error
	Count() int
}

type ServerOptions struct {
	Logger    logger.Logger
	Listen    string
	Secret    string
	Authority adapter.CertificateProvider
	Gatherer  prometheus.Gatherer
	Flows     FlowReader
}

// Server serves the root certificate for device setup, metrics and the
// stored flows.
type Server struct {
	logger     logger.Logger
	secret     string
	authority  adapter.CertificateProvider
	flows      FlowReader
	httpServer *http.Server
	listener   net.Listener
	startedAt  time.Time
}

func NewServer(options ServerOptions) (*Server, error) {
	if options.Authority == nil {
		return nil, E.New("missing certificate authority")
	}
	listen := options.Listen
	if listen == "" {
		listen = C.DefaultControlListen
	}
	chiRouter := chi.NewRouter()
	server := &Server{
		logger:    options.Logger,
		secret:    options.Secret,
		authority: options.Authority,
		flows:     options.Flows,
		httpServer: &http.Server{
			Addr:              listen,
			Handler:           chiRouter,
			ReadHeaderTimeout: C.ReadHeaderTimeout,
		},
	}
	chiRouter.Get("/cert.pem", server.handleCertificatePEM)
	chiRouter.Get("/cert.cer", server.handleCertificateDER)
	chiRouter.Group(func(r chi.Router) {
		r.Use(server.authenticate)
		r.Get("/", server.handleStatus)
		r.Get("/status", server.handleStatus)
		if options.Gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(options.Gatherer, promhttp.HandlerOpts{}))
		}
		if options.Flows != nil {
			r.Route("/flows", func(r chi.Router) {
				r.Get("/", server.handleListFlows)
				r.Delete("/", server.handleClearFlows)
				r.Get("/{id}", server.handleGetFlow)
			})
		}
	})
	return server, nil
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return E.Cause(err, "control server listen error")
	}
	s.listener = listener
	s.startedAt = time.Now()
	s.logger.Info("control server listening at ", listener.Addr())
	go func() {
		err := s.httpServer.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control server serve error: ", err)
		}
	}()
	return nil
}

// Addr is nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Close() error {
	return common.Close(common.PtrOrNil(s.httpServer))
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if s.secret == "" {
			next.ServeHTTP(writer, request)
			return
		}
		token, _ := strings.CutPrefix(request.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = request.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) != 1 {
			s.logger.Warn("unauthorized control request from ", sHttp.SourceAddress(request))
			render.Status(request, http.StatusUnauthorized)
			render.JSON(writer, request, render.M{"message": "unauthorized"})
			return
		}
		next.ServeHTTP(writer, request)
	})
}

func (s *Server) handleStatus(writer http.ResponseWriter, request *http.Request) {
	status := render.M{
		"version": C.Version,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.flows != nil {
		status["flows"] = s.flows.Count()
	}
	render.JSON(writer, request, status)
}

func (s *Server) handleCertificatePEM(writer http.ResponseWriter, request *http.Request) {
	s.logger.Debug("serving root certificate to ", sHttp.SourceAddress(request))
	writer.Header().Set("Content-Type", "application/x-pem-file")
	writer.Header().Set("Content-Disposition", `attachment; filename="sing-mitm-ca.pem"`)
	render.Data(writer, request, s.authority.CertificatePEM())
}

func (s *Server) handleCertificateDER(writer http.ResponseWriter, request *http.Request) {
	s.logger.Debug("serving root certificate to ", sHttp.SourceAddress(request))
	writer.Header().Set("Content-Type", "application/x-x509-ca-cert")
	writer.Header().Set("Content-Disposition", `attachment; filename="sing-mitm-ca.cer"`)
	render.Data(writer, request, s.authority.CertificateDER())
}

func (s *Server) handleListFlows(writer http.ResponseWriter, request *http.Request) {
	limit := defaultListFlows
	if limitString := request.URL.Query().Get("limit"); limitString != "" {
		parsed, err := strconv.Atoi(limitString)
		if err != nil || parsed < 0 {
			render.Status(request, http.StatusBadRequest)
			render.JSON(writer, request, render.M{"message": "invalid limit: " + limitString})
			return
		}
		limit = parsed
	}
	records, err := s.flows.ListFlows(limit)
	if err != nil {
		s.renderError(writer, request, err)
		return
	}
	if records == nil {
		records = []json.RawMessage{}
	}
	render.JSON(writer, request, render.M{"flows": records})
}

func (s *Server) handleGetFlow(writer http.ResponseWriter, request *http.Request) {
	record, err := s.flows.LoadFlow(chi.URLParam(request, "id"))
	if err != nil {
		s.renderError(writer, request, err)
		return
	}
	render.JSON(writer, request, record)
}

func (s *Server) handleClearFlows(writer http.ResponseWriter, request *http.Request) {
	err := s.flows.Clear()
	if err != nil {
		s.renderError(writer, request, err)
		return
	}
	render.NoContent(writer, request)
}

func (s *Server) renderError(writer http.ResponseWriter, request *http.Request, err error) {
	if errors.Is(err, flowstore.ErrNotFound) {
		render.Status(request, http.StatusNotFound)
	} else {
		s.logger.Error("control request ", request.URL.Path, ": ", err)
		render.Status(request, http.StatusInternalServerError)
	}
	render.JSON(writer, request, render.M{"message": err.Error()})
}
