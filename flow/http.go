package flow

import (
	"net"
	"strconv"
	"strings"
	"time"
)

type Request struct {
	Method         string    `json:"method"`
	Scheme         string    `json:"scheme"`
	Authority      string    `json:"authority"`
	Host           string    `json:"host"`
	Port           uint16    `json:"port"`
	Path           string    `json:"path"`
	Version        string    `json:"http_version"`
	Headers        Headers   `json:"-"`
	Body           []byte    `json:"-"`
	Trailers       *Headers  `json:"-"`
	TimestampStart time.Time `json:"timestamp_start"`
	TimestampEnd   time.Time `json:"timestamp_end,omitempty"`
}

// PrettyHost prefers the Host header over the connection level host.
func (r *Request) PrettyHost() string {
	authority := r.Headers.Get("Host")
	if authority == "" {
		authority = r.Authority
	}
	if authority == "" {
		return r.Host
	}
	host, _, err := net.SplitHostPort(authority)
	if err != nil {
		return strings.Trim(authority, "[]")
	}
	return host
}

func (r *Request) URL() string {
	if r.Method == "CONNECT" {
		return r.Authority
	}
	scheme := r.Scheme
	if scheme == "" {
		scheme = "http"
	}
	host := r.PrettyHost()
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	var builder strings.Builder
	builder.WriteString(scheme)
	builder.WriteString("://")
	builder.WriteString(host)
	if r.Port != 0 && !(scheme == "http" && r.Port == 80) && !(scheme == "https" && r.Port == 443) {
		builder.WriteByte(':')
		builder.WriteString(strconv.Itoa(int(r.Port)))
	}
	builder.WriteString(r.Path)
	return builder.String()
}

func (r *Request) IsWebSocketUpgrade() bool {
	return r.Headers.HasToken("Connection", "upgrade") && r.Headers.HasToken("Upgrade", "websocket")
}

func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	request := *r
	request.Headers = r.Headers.Clone()
	if r.Trailers != nil {
		trailers := r.Trailers.Clone()
		request.Trailers = &trailers
	}
	return &request
}

type Response struct {
	Version        string    `json:"http_version"`
	StatusCode     int       `json:"status_code"`
	Reason         string    `json:"reason"`
	Headers        Headers   `json:"-"`
	Body           []byte    `json:"-"`
	Trailers       *Headers  `json:"-"`
	Streamed       bool      `json:"streamed,omitempty"`
	TimestampStart time.Time `json:"timestamp_start"`
	TimestampEnd   time.Time `json:"timestamp_end,omitempty"`
}

func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	response := *r
	response.Headers = r.Headers.Clone()
	if r.Trailers != nil {
		trailers := r.Trailers.Clone()
		response.Trailers = &trailers
	}
	return &response
}

// HTTPFlow is a request and its response. Response stays nil until the
// request has been read completely.
type HTTPFlow struct {
	Flow
	Request   *Request       `json:"request"`
	Response  *Response      `json:"response,omitempty"`
	WebSocket *WebSocketFlow `json:"-"`
}

func NewHTTPFlow(connection *Connection, request *Request) *HTTPFlow {
	return &HTTPFlow{
		Flow:    newFlow("http", connection),
		Request: request,
	}
}

// Clone returns a copy safe to hand to another goroutine. Bodies are shared
// and must not be mutated in place.
func (f *HTTPFlow) Clone() *HTTPFlow {
	clone := *f
	clone.Connection = f.Connection.Snapshot()
	clone.Request = f.Request.Clone()
	clone.Response = f.Response.Clone()
	if f.Error != nil {
		flowError := *f.Error
		clone.Error = &flowError
	}
	return &clone
}
