package proxy

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sagernet/sing-mitm/flow"
	E "github.com/sagernet/sing/common/exceptions"

	"golang.org/x/net/http2/hpack"
)

const http2Version = "HTTP/2.0"

// connection-specific header fields are not allowed in HTTP/2 messages.
var http2ConnectionHeaders = []string{
	"connection",
	"keep-alive",
	"proxy-connection",
	"transfer-encoding",
	"upgrade",
}

func isHTTP2ConnectionHeader(name string) bool {
	for _, header := range http2ConnectionHeaders {
		if strings.EqualFold(name, header) {
			return true
		}
	}
	return false
}

func validHTTP2Field(field hpack.HeaderField) error {
	if field.Name != strings.ToLower(field.Name) {
		return E.Extend(ErrProtocol, "uppercase header field name: ", strconv.Quote(field.Name))
	}
	if isHTTP2ConnectionHeader(field.Name) {
		return E.Extend(ErrProtocol, "connection-specific header field: ", field.Name)
	}
	if field.Name == "te" && field.Value != "trailers" {
		return E.Extend(ErrProtocol, "invalid te header field: ", strconv.Quote(field.Value))
	}
	return nil
}

// splitHTTP2Fields separates pseudo-header fields from regular ones.
func splitHTTP2Fields(fields []hpack.HeaderField, allowed ...string) (map[string]string, flow.Headers, error) {
	pseudo := make(map[string]string)
	var headers flow.Headers
	for _, field := range fields {
		if field.IsPseudo() {
			if headers.Len() > 0 {
				return nil, headers, E.Extend(ErrProtocol, "pseudo-header field after regular field: ", field.Name)
			}
			if !contains(allowed, field.Name) {
				return nil, headers, E.Extend(ErrProtocol, "invalid pseudo-header field: ", field.Name)
			}
			if _, loaded := pseudo[field.Name]; loaded {
				return nil, headers, E.Extend(ErrProtocol, "duplicate pseudo-header field: ", field.Name)
			}
			pseudo[field.Name] = field.Value
			continue
		}
		if err := validHTTP2Field(field); err != nil {
			return nil, headers, err
		}
		headers.Add(field.Name, field.Value)
	}
	return pseudo, combineCookies(headers), nil
}

func contains(values []string, value string) bool {
	for _, it := range values {
		if it == value {
			return true
		}
	}
	return false
}

func parseHTTP2Request(fields []hpack.HeaderField) (*flow.Request, error) {
	pseudo, headers, err := splitHTTP2Fields(fields, ":method", ":scheme", ":authority", ":path", ":protocol")
	if err != nil {
		return nil, err
	}
	method := pseudo[":method"]
	if method == "" {
		return nil, E.Extend(ErrProtocol, "missing :method pseudo-header field")
	}
	if _, hasProtocol := pseudo[":protocol"]; hasProtocol {
		return nil, E.Extend(ErrProtocol, "extended CONNECT is not supported")
	}
	request := &flow.Request{
		Method:         method,
		Scheme:         pseudo[":scheme"],
		Authority:      pseudo[":authority"],
		Path:           pseudo[":path"],
		Version:        http2Version,
		Headers:        headers,
		TimestampStart: time.Now(),
	}
	if method == http.MethodConnect {
		if request.Authority == "" || request.Scheme != "" || request.Path != "" {
			return nil, E.Extend(ErrProtocol, "malformed CONNECT request")
		}
	} else if request.Scheme == "" || request.Path == "" {
		return nil, E.Extend(ErrProtocol, "missing :scheme or :path pseudo-header field")
	}
	authority := request.Authority
	if authority == "" {
		authority = headers.Get("host")
	}
	if authority != "" {
		request.Host, request.Port, err = splitAuthority(authority, defaultPort(request.Scheme))
		if err != nil {
			return nil, E.Extend(ErrProtocol, "bad :authority: ", strconv.Quote(authority))
		}
	}
	return request, nil
}

func parseHTTP2Response(fields []hpack.HeaderField) (*flow.Response, error) {
	pseudo, headers, err := splitHTTP2Fields(fields, ":status")
	if err != nil {
		return nil, err
	}
	status := pseudo[":status"]
	code, err := strconv.Atoi(status)
	if len(status) != 3 || err != nil || code < 100 {
		return nil, E.Extend(ErrProtocol, "bad :status pseudo-header field: ", strconv.Quote(status))
	}
	return &flow.Response{
		Version:        http2Version,
		StatusCode:     code,
		Reason:         http.StatusText(code),
		Headers:        headers,
		TimestampStart: time.Now(),
	}, nil
}

func parseHTTP2Trailers(fields []hpack.HeaderField) (flow.Headers, error) {
	_, headers, err := splitHTTP2Fields(fields)
	return headers, err
}

// http2RequestFields renders a request of any version as an HTTP/2 header list.
func http2RequestFields(request *flow.Request) []hpack.HeaderField {
	authority := request.Authority
	if authority == "" {
		authority = request.Headers.Get("Host")
	}
	fields := []hpack.HeaderField{{Name: ":method", Value: request.Method}}
	if request.Method == http.MethodConnect {
		fields = append(fields, hpack.HeaderField{Name: ":authority", Value: authority})
	} else {
		scheme := request.Scheme
		if scheme == "" {
			scheme = "https"
		}
		path := request.Path
		if path == "" {
			path = "/"
		}
		fields = append(fields,
			hpack.HeaderField{Name: ":scheme", Value: scheme},
			hpack.HeaderField{Name: ":authority", Value: authority},
			hpack.HeaderField{Name: ":path", Value: path},
		)
	}
	return appendHTTP2Headers(fields, &request.Headers, true)
}

func http2ResponseFields(response *flow.Response) []hpack.HeaderField {
	fields := []hpack.HeaderField{{Name: ":status", Value: strconv.Itoa(response.StatusCode)}}
	return appendHTTP2Headers(fields, &response.Headers, false)
}

func http2TrailerFields(trailers *flow.Headers) []hpack.HeaderField {
	return appendHTTP2Headers(nil, trailers, false)
}

func appendHTTP2Headers(fields []hpack.HeaderField, headers *flow.Headers, request bool) []hpack.HeaderField {
	for _, field := range headers.Fields() {
		name := strings.ToLower(field.Name)
		if isHTTP2ConnectionHeader(name) || (request && name == "host") {
			continue
		}
		if name == "te" && !strings.EqualFold(strings.TrimSpace(field.Value), "trailers") {
			continue
		}
		if name == "cookie" {
			for _, cookie := range splitCookies(field.Value) {
				fields = append(fields, hpack.HeaderField{Name: name, Value: cookie, Sensitive: true})
			}
			continue
		}
		fields = append(fields, hpack.HeaderField{Name: name, Value: field.Value})
	}
	return fields
}

// combineCookies joins crumbs split across several cookie fields into one, at
// the position of the first.
func combineCookies(headers flow.Headers) flow.Headers {
	cookies := headers.Values("cookie")
	if len(cookies) < 2 {
		return headers
	}
	headers.Set("cookie", strings.Join(cookies, "; "))
	return headers
}

func splitCookies(value string) []string {
	var cookies []string
	for _, cookie := range strings.Split(value, ";") {
		cookie = strings.TrimSpace(cookie)
		if cookie != "" {
			cookies = append(cookies, cookie)
		}
	}
	return cookies
}
