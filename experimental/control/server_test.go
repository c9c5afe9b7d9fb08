package control

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sagernet/sing-mitm/experimental/flowstore"
	"github.com/sagernet/sing-mitm/flow"
	"github.com/sagernet/sing-mitm/log"
	"github.com/sagernet/sing-mitm/option"
	"github.com/sagernet/sing/common/json"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type staticAuthority struct{}

func (staticAuthority) GetCertificate(serverName string) (*tls.Certificate, error) {
	return nil, nil
}

func (staticAuthority) CertificatePEM() []byte {
	return []byte("-----BEGIN CERTIFICATE-----\n")
}

func (staticAuthority) CertificateDER() []byte {
	return []byte{0x30, 0x82}
}

func newTestServer(t *testing.T, secret string) (*httptest.Server, *flowstore.Store) {
	t.Helper()
	logger := log.NewNOPFactory().Logger()
	store := flowstore.New(logger, option.FlowStoreOptions{Path: filepath.Join(t.TempDir(), "flows.db")})
	require.NoError(t, store.Start())
	t.Cleanup(func() {
		store.Close()
	})
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "test"})
	registry.MustRegister(counter)
	counter.Inc()
	server, err := NewServer(ServerOptions{
		Logger:    logger,
		Secret:    secret,
		Authority: staticAuthority{},
		Gatherer:  registry,
		Flows:     store,
	})
	require.NoError(t, err)
	httpServer := httptest.NewServer(server.httpServer.Handler)
	t.Cleanup(httpServer.Close)
	return httpServer, store
}

func get(t *testing.T, url string, token string) (int, string) {
	t.Helper()
	request, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	return response.StatusCode, string(body)
}

func TestServerCertificate(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t, "secret")
	response, err := http.Get(server.URL + "/cert.pem")
	require.NoError(t, err)
	body, err := io.ReadAll(response.Body)
	response.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Equal(t, "application/x-pem-file", response.Header.Get("Content-Type"))
	require.Equal(t, "-----BEGIN CERTIFICATE-----\n", string(body))

	status, body2 := get(t, server.URL+"/cert.cer", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, string([]byte{0x30, 0x82}), body2)
}

func TestServerAuthentication(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t, "secret")
	status, _ := get(t, server.URL+"/", "")
	require.Equal(t, http.StatusUnauthorized, status)
	status, _ = get(t, server.URL+"/", "wrong")
	require.Equal(t, http.StatusUnauthorized, status)
	status, body := get(t, server.URL+"/", "secret")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, `"version"`)
	status, _ = get(t, server.URL+"/?token=secret", "")
	require.Equal(t, http.StatusOK, status)
}

func TestServerMetrics(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t, "")
	status, body := get(t, server.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, "test_total 1")
}

func TestServerFlows(t *testing.T) {
	t.Parallel()
	server, store := newTestServer(t, "")
	httpFlow := flow.NewHTTPFlow(&flow.Connection{}, &flow.Request{Method: "GET", Scheme: "http", Host: "example.com", Port: 80, Path: "/"})
	require.NoError(t, store.WriteFlow(context.Background(), httpFlow))

	status, body := get(t, server.URL+"/flows", "")
	require.Equal(t, http.StatusOK, status)
	var list struct {
		Flows []struct {
			ID string `json:"id"`
		} `json:"flows"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &list))
	require.Len(t, list.Flows, 1)
	require.Equal(t, httpFlow.ID, list.Flows[0].ID)

	status, body = get(t, server.URL+"/flows/"+httpFlow.ID, "")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, httpFlow.ID)

	status, _ = get(t, server.URL+"/flows/missing", "")
	require.Equal(t, http.StatusNotFound, status)
	status, _ = get(t, server.URL+"/flows?limit=x", "")
	require.Equal(t, http.StatusBadRequest, status)

	request, err := http.NewRequest(http.MethodDelete, server.URL+"/flows", nil)
	require.NoError(t, err)
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	response.Body.Close()
	require.Equal(t, http.StatusNoContent, response.StatusCode)
	require.Equal(t, 0, store.Count())

	status, body = get(t, server.URL+"/flows", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, `{"flows":[]}`, strings.TrimSpace(body))
}

func TestServerRequiresAuthority(t *testing.T) {
	t.Parallel()
	_, err := NewServer(ServerOptions{Logger: log.NewNOPFactory().Logger()})
	require.Error(t, err)
}
