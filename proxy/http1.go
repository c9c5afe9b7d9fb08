package proxy

import (
	"bytes"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sagernet/sing-mitm/flow"
	E "github.com/sagernet/sing/common/exceptions"
)

const (
	bodyChunked    int64 = -1
	bodyUntilClose int64 = -2
	maxChunkLine         = 4096
)

// headEnd returns the length of the message head including the blank line,
// or -1 if the terminator has not been received yet.
func headEnd(data []byte) int {
	for i := 0; i < len(data); i++ {
		if data[i] != '\n' {
			continue
		}
		if i+1 < len(data) && data[i+1] == '\n' {
			return i + 2
		}
		if i+2 < len(data) && data[i+1] == '\r' && data[i+2] == '\n' {
			return i + 3
		}
	}
	return -1
}

func readHead(data []byte, maxSize int) ([][]byte, int, error) {
	end := headEnd(data)
	if end == -1 {
		if len(data) > maxSize {
			return nil, 0, E.Extend(ErrResource, "header exceeds ", maxSize, " bytes")
		}
		return nil, 0, nil
	}
	if end > maxSize {
		return nil, 0, E.Extend(ErrResource, "header exceeds ", maxSize, " bytes")
	}
	lines := bytes.Split(data[:end], []byte{'\n'})
	for i := range lines {
		lines[i] = bytes.TrimSuffix(lines[i], []byte{'\r'})
	}
	// the terminator produces two trailing empty lines
	return lines[:len(lines)-2], end, nil
}

// readRequestHead parses a request head. A zero length with a nil error
// means more data is needed.
func readRequestHead(data []byte, maxSize int) (*flow.Request, int, error) {
	lines, length, err := readHead(data, maxSize)
	if err != nil || length == 0 {
		return nil, 0, err
	}
	parts := strings.Split(string(lines[0]), " ")
	if len(parts) != 3 {
		return nil, 0, E.Extend(ErrProtocol, "bad HTTP request line: ", strconv.Quote(string(lines[0])))
	}
	method, target, version := parts[0], parts[1], parts[2]
	if !validToken(method) {
		return nil, 0, E.Extend(ErrProtocol, "bad HTTP method: ", strconv.Quote(method))
	}
	if !validHTTP1Version(version) {
		return nil, 0, E.Extend(ErrProtocol, "unsupported HTTP version: ", strconv.Quote(version))
	}
	headers, err := parseHeaderLines(lines[1:])
	if err != nil {
		return nil, 0, err
	}
	request := &flow.Request{
		Method:         method,
		Version:        version,
		Headers:        headers,
		TimestampStart: time.Now(),
	}
	err = parseRequestTarget(request, target)
	if err != nil {
		return nil, 0, err
	}
	return request, length, nil
}

func parseRequestTarget(request *flow.Request, target string) error {
	switch {
	case request.Method == http.MethodConnect:
		host, port, err := splitAuthority(target, 0)
		if err != nil || port == 0 {
			return E.Extend(ErrProtocol, "bad CONNECT authority: ", strconv.Quote(target))
		}
		request.Authority = target
		request.Host = host
		request.Port = port
	case target == "*" || strings.HasPrefix(target, "/"):
		request.Path = target
		if host := request.Headers.Get("Host"); host != "" {
			request.Host, request.Port, _ = splitAuthority(host, 0)
		}
	default:
		parsed, err := url.Parse(target)
		if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return E.Extend(ErrProtocol, "bad HTTP request target: ", strconv.Quote(target))
		}
		request.Scheme = parsed.Scheme
		request.Authority = parsed.Host
		request.Host, request.Port, err = splitAuthority(parsed.Host, defaultPort(parsed.Scheme))
		if err != nil {
			return E.Extend(ErrProtocol, "bad HTTP request target: ", strconv.Quote(target))
		}
		request.Path = parsed.RequestURI()
	}
	return nil
}

func readResponseHead(data []byte, maxSize int) (*flow.Response, int, error) {
	lines, length, err := readHead(data, maxSize)
	if err != nil || length == 0 {
		return nil, 0, err
	}
	parts := strings.SplitN(string(lines[0]), " ", 3)
	if len(parts) < 2 || !validHTTP1Version(parts[0]) {
		return nil, 0, E.Extend(ErrProtocol, "bad HTTP response line: ", strconv.Quote(string(lines[0])))
	}
	statusCode, err := strconv.Atoi(parts[1])
	if err != nil || len(parts[1]) != 3 || statusCode < 100 {
		return nil, 0, E.Extend(ErrProtocol, "bad HTTP status code: ", strconv.Quote(parts[1]))
	}
	headers, err := parseHeaderLines(lines[1:])
	if err != nil {
		return nil, 0, err
	}
	response := &flow.Response{
		Version:        parts[0],
		StatusCode:     statusCode,
		Headers:        headers,
		TimestampStart: time.Now(),
	}
	if len(parts) == 3 {
		response.Reason = parts[2]
	}
	return response, length, nil
}

func parseHeaderLines(lines [][]byte) (flow.Headers, error) {
	var headers flow.Headers
	for _, line := range lines {
		name, value, err := parseHeaderLine(line)
		if err != nil {
			return headers, err
		}
		headers.Add(name, value)
	}
	return headers, nil
}

func parseHeaderLine(line []byte) (string, string, error) {
	if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
		return "", "", E.Extend(ErrProtocol, "obsolete header line folding")
	}
	index := bytes.IndexByte(line, ':')
	if index <= 0 || !validToken(string(line[:index])) {
		return "", "", E.Extend(ErrProtocol, "bad header line: ", strconv.Quote(string(line)))
	}
	return string(line[:index]), string(bytes.Trim(line[index+1:], " \t")), nil
}

func validToken(token string) bool {
	if token == "" {
		return false
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		if c <= ' ' || c >= 0x7f || strings.IndexByte("\"(),/:;<=>?@[\\]{}", c) != -1 {
			return false
		}
	}
	return true
}

func validHTTP1Version(version string) bool {
	return version == "HTTP/1.1" || version == "HTTP/1.0"
}

func defaultPort(scheme string) uint16 {
	if scheme == "https" {
		return 443
	}
	return 80
}

func splitAuthority(authority string, fallbackPort uint16) (string, uint16, error) {
	host, portString, err := net.SplitHostPort(authority)
	if err != nil {
		if strings.HasPrefix(authority, "[") && strings.HasSuffix(authority, "]") {
			return authority[1 : len(authority)-1], fallbackPort, nil
		}
		if strings.Contains(err.Error(), "missing port") {
			return authority, fallbackPort, nil
		}
		return "", 0, err
	}
	port, err := strconv.ParseUint(portString, 10, 16)
	if err != nil {
		return "", 0, err
	}
	return host, uint16(port), nil
}

func connectionClose(version string, headers *flow.Headers) bool {
	if headers.HasToken("Connection", "close") {
		return true
	}
	return version == "HTTP/1.0" && !headers.HasToken("Connection", "keep-alive")
}

// isDigits rejects the signs and prefixes strconv would accept.
func isDigits(value string, hex bool) bool {
	if value == "" {
		return false
	}
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case c >= '0' && c <= '9':
		case hex && (c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'):
		default:
			return false
		}
	}
	return true
}

func contentLength(headers *flow.Headers) (int64, bool, error) {
	values := headers.Values("Content-Length")
	if len(values) == 0 {
		return 0, false, nil
	}
	var length int64 = -1
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if !isDigits(part, false) {
				return 0, false, E.Extend(ErrProtocol, "bad Content-Length: ", strconv.Quote(value))
			}
			parsed, err := strconv.ParseInt(part, 10, 64)
			if err != nil || parsed < 0 || (length != -1 && parsed != length) {
				return 0, false, E.Extend(ErrProtocol, "bad Content-Length: ", strconv.Quote(value))
			}
			length = parsed
		}
	}
	return length, true, nil
}

func isChunked(headers *flow.Headers) (bool, bool) {
	values := headers.Values("Transfer-Encoding")
	if len(values) == 0 {
		return false, false
	}
	codings := strings.Split(values[len(values)-1], ",")
	return strings.EqualFold(strings.TrimSpace(codings[len(codings)-1]), "chunked"), true
}

func expectedRequestBodySize(request *flow.Request) (int64, error) {
	chunked, hasTransferEncoding := isChunked(&request.Headers)
	if hasTransferEncoding {
		if !chunked {
			return 0, E.Extend(ErrProtocol, "unsupported request Transfer-Encoding: ", request.Headers.Get("Transfer-Encoding"))
		}
		return bodyChunked, nil
	}
	length, hasLength, err := contentLength(&request.Headers)
	if err != nil || hasLength {
		return length, err
	}
	return 0, nil
}

func responseHasNoBody(requestMethod string, statusCode int) bool {
	return requestMethod == http.MethodHead ||
		statusCode < 200 || statusCode == 204 || statusCode == 304 ||
		(requestMethod == http.MethodConnect && statusCode < 300)
}

func expectedResponseBodySize(requestMethod string, response *flow.Response) (int64, error) {
	if responseHasNoBody(requestMethod, response.StatusCode) {
		return 0, nil
	}
	chunked, hasTransferEncoding := isChunked(&response.Headers)
	if hasTransferEncoding {
		if chunked {
			return bodyChunked, nil
		}
		return bodyUntilClose, nil
	}
	length, hasLength, err := contentLength(&response.Headers)
	if err != nil || hasLength {
		return length, err
	}
	return bodyUntilClose, nil
}

// bodyReader decodes a message body from the connection buffer.
type bodyReader interface {
	// read returns decoded body bytes and how much of data was consumed.
	read(data []byte) (chunk []byte, consumed int, done bool, err error)
	trailers() *flow.Headers
	// closed is called when the connection ends before done.
	closed() error
}

func newBodyReader(size int64) bodyReader {
	switch size {
	case bodyChunked:
		return &chunkedReader{}
	case bodyUntilClose:
		return &untilCloseReader{}
	default:
		return &contentLengthReader{remaining: size}
	}
}

type contentLengthReader struct {
	remaining int64
}

func (r *contentLengthReader) read(data []byte) ([]byte, int, bool, error) {
	n := int64(len(data))
	if n > r.remaining {
		n = r.remaining
	}
	r.remaining -= n
	return append([]byte(nil), data[:n]...), int(n), r.remaining == 0, nil
}

func (r *contentLengthReader) trailers() *flow.Headers {
	return nil
}

func (r *contentLengthReader) closed() error {
	return E.Extend(ErrProtocol, "connection closed with ", r.remaining, " bytes of body remaining")
}

type untilCloseReader struct{}

func (r *untilCloseReader) read(data []byte) ([]byte, int, bool, error) {
	return append([]byte(nil), data...), len(data), false, nil
}

func (r *untilCloseReader) trailers() *flow.Headers {
	return nil
}

func (r *untilCloseReader) closed() error {
	return nil
}

type chunkedState uint8

const (
	chunkedSize chunkedState = iota
	chunkedData
	chunkedDataEnd
	chunkedTrailer
	chunkedDone
)

type chunkedReader struct {
	state          chunkedState
	remaining      int64
	trailerHeaders *flow.Headers
}

func (r *chunkedReader) read(data []byte) ([]byte, int, bool, error) {
	var (
		body     []byte
		consumed int
	)
	for r.state != chunkedDone {
		available := data[consumed:]
		switch r.state {
		case chunkedSize:
			line, n, err := readChunkLine(available)
			if err != nil || n == 0 {
				return body, consumed, false, err
			}
			consumed += n
			if index := bytes.IndexByte(line, ';'); index != -1 {
				line = line[:index]
			}
			token := string(bytes.TrimSpace(line))
			if !isDigits(token, true) {
				return body, consumed, false, E.Extend(ErrProtocol, "bad chunk size: ", strconv.Quote(string(line)))
			}
			size, err := strconv.ParseInt(token, 16, 64)
			if err != nil || size < 0 {
				return body, consumed, false, E.Extend(ErrProtocol, "bad chunk size: ", strconv.Quote(string(line)))
			}
			if size == 0 {
				r.state = chunkedTrailer
			} else {
				r.remaining = size
				r.state = chunkedData
			}
		case chunkedData:
			if len(available) == 0 {
				return body, consumed, false, nil
			}
			n := int64(len(available))
			if n > r.remaining {
				n = r.remaining
			}
			body = append(body, available[:n]...)
			consumed += int(n)
			r.remaining -= n
			if r.remaining == 0 {
				r.state = chunkedDataEnd
			}
		case chunkedDataEnd:
			switch {
			case len(available) == 0:
				return body, consumed, false, nil
			case available[0] == '\n':
				consumed++
			case available[0] == '\r' && len(available) == 1:
				return body, consumed, false, nil
			case available[0] == '\r' && available[1] == '\n':
				consumed += 2
			default:
				return body, consumed, false, E.Extend(ErrProtocol, "missing chunk terminator")
			}
			r.state = chunkedSize
		case chunkedTrailer:
			line, n, err := readChunkLine(available)
			if err != nil || n == 0 {
				return body, consumed, false, err
			}
			consumed += n
			if len(line) == 0 {
				r.state = chunkedDone
				break
			}
			name, value, err := parseHeaderLine(line)
			if err != nil {
				return body, consumed, false, err
			}
			if r.trailerHeaders == nil {
				r.trailerHeaders = new(flow.Headers)
			}
			r.trailerHeaders.Add(name, value)
		}
	}
	return body, consumed, true, nil
}

func readChunkLine(data []byte) ([]byte, int, error) {
	index := bytes.IndexByte(data, '\n')
	if index == -1 {
		if len(data) > maxChunkLine {
			return nil, 0, E.Extend(ErrProtocol, "chunk line too long")
		}
		return nil, 0, nil
	}
	return bytes.TrimSuffix(data[:index], []byte{'\r'}), index + 1, nil
}

func (r *chunkedReader) trailers() *flow.Headers {
	return r.trailerHeaders
}

func (r *chunkedReader) closed() error {
	return E.Extend(ErrProtocol, "connection closed within chunked body")
}

func assembleRequestHead(request *flow.Request) []byte {
	var buffer bytes.Buffer
	target := request.Path
	if request.Method == http.MethodConnect {
		target = request.Authority
	}
	buffer.WriteString(request.Method)
	buffer.WriteByte(' ')
	buffer.WriteString(target)
	buffer.WriteByte(' ')
	buffer.WriteString(http1Version(request.Version))
	buffer.WriteString("\r\n")
	writeHeaderLines(&buffer, &request.Headers)
	buffer.WriteString("\r\n")
	return buffer.Bytes()
}

func assembleResponseHead(response *flow.Response) []byte {
	var buffer bytes.Buffer
	buffer.WriteString(http1Version(response.Version))
	buffer.WriteByte(' ')
	buffer.WriteString(strconv.Itoa(response.StatusCode))
	buffer.WriteByte(' ')
	reason := response.Reason
	if reason == "" {
		reason = http.StatusText(response.StatusCode)
	}
	buffer.WriteString(reason)
	buffer.WriteString("\r\n")
	writeHeaderLines(&buffer, &response.Headers)
	buffer.WriteString("\r\n")
	return buffer.Bytes()
}

func http1Version(version string) string {
	if validHTTP1Version(version) {
		return version
	}
	return "HTTP/1.1"
}

func writeHeaderLines(buffer *bytes.Buffer, headers *flow.Headers) {
	for _, field := range headers.Fields() {
		buffer.WriteString(field.Name)
		buffer.WriteString(": ")
		buffer.WriteString(field.Value)
		buffer.WriteString("\r\n")
	}
}

func assembleChunk(data []byte) []byte {
	var buffer bytes.Buffer
	buffer.WriteString(strconv.FormatInt(int64(len(data)), 16))
	buffer.WriteString("\r\n")
	buffer.Write(data)
	buffer.WriteString("\r\n")
	return buffer.Bytes()
}

func assembleChunkedEnd(trailers *flow.Headers) []byte {
	var buffer bytes.Buffer
	buffer.WriteString("0\r\n")
	if trailers != nil {
		writeHeaderLines(&buffer, trailers)
	}
	buffer.WriteString("\r\n")
	return buffer.Bytes()
}
