package mitm

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/sagernet/sing-mitm/adapter"
	"github.com/sagernet/sing-mitm/flow"
	"github.com/sagernet/sing-mitm/log"
	"github.com/sagernet/sing-mitm/option"
	"github.com/sagernet/sing/common/json/badoption"
	M "github.com/sagernet/sing/common/metadata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	access  sync.Mutex
	records []flow.Record
}

func (s *recordingSink) WriteFlow(ctx context.Context, record flow.Record) error {
	s.access.Lock()
	defer s.access.Unlock()
	s.records = append(s.records, record)
	return nil
}

func (s *recordingSink) httpFlows() []*flow.HTTPFlow {
	s.access.Lock()
	defer s.access.Unlock()
	var flows []*flow.HTTPFlow
	for _, record := range s.records {
		if httpFlow, isHTTP := record.(*flow.HTTPFlow); isHTTP {
			flows = append(flows, httpFlow)
		}
	}
	return flows
}

type headerInterceptor struct {
	BaseInterceptor
	access sync.Mutex
	urls   []string
}

func (i *headerInterceptor) OnRequest(ctx context.Context, httpFlow *flow.HTTPFlow) (flow.Decision, error) {
	i.access.Lock()
	i.urls = append(i.urls, httpFlow.Request.URL())
	i.access.Unlock()
	return flow.Continue(), nil
}

func (i *headerInterceptor) OnResponse(ctx context.Context, httpFlow *flow.HTTPFlow) (flow.Decision, error) {
	response := httpFlow.Response.Clone()
	response.Headers.Add("X-Intercepted", "1")
	return flow.ModifyResponse(response), nil
}

type proxyFixture struct {
	service     *Service
	registry    *prometheus.Registry
	sink        *recordingSink
	interceptor *headerInterceptor
	url         *url.URL
}

func startTestProxy(t *testing.T, options option.MITMOptions) *proxyFixture {
	t.Helper()
	registry := prometheus.NewRegistry()
	sink := &recordingSink{}
	interceptor := &headerInterceptor{}
	service, err := NewService(ServiceOptions{
		Logger:       log.NewNOPFactory().Logger(),
		Options:      options,
		Interceptors: []adapter.Interceptor{interceptor},
		Sinks:        []adapter.FlowSink{sink},
		Registry:     registry,
	})
	require.NoError(t, err)
	require.NoError(t, service.Start())
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		listener.Close()
		service.Close()
	})
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				_ = service.ProcessConnection(context.Background(), conn, nil, adapter.InboundContext{})
			}()
		}
	}()
	return &proxyFixture{
		service:     service,
		registry:    registry,
		sink:        sink,
		interceptor: interceptor,
		url:         &url.URL{Scheme: "http", Host: listener.Addr().String()},
	}
}

func newOrigin(t *testing.T, secure bool) *httptest.Server {
	t.Helper()
	handler := http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(writer, "hello "+request.URL.Path)
	})
	var server *httptest.Server
	if secure {
		server = httptest.NewTLSServer(handler)
	} else {
		server = httptest.NewServer(handler)
	}
	t.Cleanup(server.Close)
	return server
}

func TestServiceProxiesHTTP(t *testing.T) {
	t.Parallel()
	testProxy := startTestProxy(t, option.MITMOptions{})
	origin := newOrigin(t, false)
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(testProxy.url)},
		Timeout:   10 * time.Second,
	}
	defer client.CloseIdleConnections()

	for _, path := range []string{"/first", "/second"} {
		response, err := client.Get(origin.URL + path)
		require.NoError(t, err)
		body, err := io.ReadAll(response.Body)
		response.Body.Close()
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, response.StatusCode)
		require.Equal(t, "hello "+path, string(body))
		require.Equal(t, "1", response.Header.Get("X-Intercepted"))
	}
	require.Eventually(t, func() bool {
		return len(testProxy.sink.httpFlows()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	httpFlow := testProxy.sink.httpFlows()[0]
	require.False(t, httpFlow.Live)
	require.Nil(t, httpFlow.Error)
	require.Equal(t, "/first", httpFlow.Request.Path)
	require.Equal(t, 200, httpFlow.Response.StatusCode)
	require.Equal(t, float64(2), testutil.ToFloat64(testProxy.service.metrics.flowsTotal.WithLabelValues("http", "ok")))
}

func TestServiceInterceptsHTTPS(t *testing.T) {
	t.Parallel()
	testProxy := startTestProxy(t, option.MITMOptions{Insecure: true})
	origin := newOrigin(t, true)
	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(testProxy.service.Authority().CertificatePEM()))
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(testProxy.url),
			TLSClientConfig: &tls.Config{RootCAs: roots},
		},
		Timeout: 10 * time.Second,
	}
	defer client.CloseIdleConnections()

	response, err := client.Get(origin.URL + "/secret")
	require.NoError(t, err)
	body, err := io.ReadAll(response.Body)
	response.Body.Close()
	require.NoError(t, err)
	require.Equal(t, "hello /secret", string(body))
	require.Equal(t, "1", response.Header.Get("X-Intercepted"))
	require.NotNil(t, response.TLS)
	require.Equal(t, "sing-mitm", response.TLS.PeerCertificates[0].Issuer.CommonName)

	testProxy.interceptor.access.Lock()
	urls := append([]string(nil), testProxy.interceptor.urls...)
	testProxy.interceptor.access.Unlock()
	require.Contains(t, urls, origin.URL+"/secret")
	require.Equal(t, float64(1), testutil.ToFloat64(testProxy.service.metrics.certificatesIssued))
}

func TestServiceUpstreamUntrusted(t *testing.T) {
	t.Parallel()
	testProxy := startTestProxy(t, option.MITMOptions{})
	origin := newOrigin(t, true)
	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(testProxy.service.Authority().CertificatePEM()))
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(testProxy.url),
			TLSClientConfig: &tls.Config{RootCAs: roots},
		},
		Timeout: 10 * time.Second,
	}
	defer client.CloseIdleConnections()

	response, err := client.Get(origin.URL + "/")
	require.NoError(t, err)
	response.Body.Close()
	require.Equal(t, http.StatusBadGateway, response.StatusCode)
	require.Eventually(t, func() bool {
		for _, httpFlow := range testProxy.sink.httpFlows() {
			if httpFlow.Request.Method == http.MethodGet && httpFlow.Error != nil {
				return httpFlow.Error.Kind == flow.ErrorKindTrust
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

type blockingInterceptor struct {
	BaseInterceptor
}

func (blockingInterceptor) OnRequest(ctx context.Context, httpFlow *flow.HTTPFlow) (flow.Decision, error) {
	<-ctx.Done()
	return flow.Block(), nil
}

func TestServiceHookTimeout(t *testing.T) {
	t.Parallel()
	registry := prometheus.NewRegistry()
	service, err := NewService(ServiceOptions{
		Logger:       log.NewNOPFactory().Logger(),
		Options:      option.MITMOptions{HookTimeout: badoption.Duration(50 * time.Millisecond)},
		Interceptors: []adapter.Interceptor{blockingInterceptor{}},
		Registry:     registry,
	})
	require.NoError(t, err)
	origin := newOrigin(t, false)

	clientConn, proxyConn := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- service.ProcessConnection(context.Background(), proxyConn, nil, adapter.InboundContext{
			Source: M.ParseSocksaddr("127.0.0.1:50000"),
		})
	}()
	request, err := http.NewRequest(http.MethodGet, origin.URL+"/slow", nil)
	require.NoError(t, err)
	go func() {
		_ = request.WriteProxy(clientConn)
	}()
	response, err := http.ReadResponse(bufio.NewReader(clientConn), request)
	require.NoError(t, err)
	body, err := io.ReadAll(io.LimitReader(response.Body, int64(len("hello /slow"))))
	require.NoError(t, err)
	require.Equal(t, "hello /slow", string(body))
	require.Equal(t, float64(1), testutil.ToFloat64(service.metrics.hookErrors.WithLabelValues("request")))
	clientConn.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("connection loop did not exit")
	}
}
