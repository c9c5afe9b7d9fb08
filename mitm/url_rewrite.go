package mitm

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	C "github.com/sagernet/sing-mitm/constant"
	"github.com/sagernet/sing-mitm/flow"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"

	R "github.com/dlclark/regexp2"
)

type urlRewriteAction uint8

const (
	urlRewriteReject urlRewriteAction = iota
	urlRewriteRedirect
	urlRewriteTemporaryRedirect
	urlRewriteHeader
)

type urlRewriteRule struct {
	pattern     *R.Regexp
	replacement string
	action      urlRewriteAction
}

// URLRewriter applies surge style URL rewrite rules at the request hook:
//
//	^https?://ads\.example\.com/ - reject
//	^http://example\.com/(.*) https://example.com/$1 302
//	^https://old\.example\.com/(.*) https://new.example.com/$1 header
//
// reject, 302 and 307 answer the client directly; header rewrites the request
// before it is sent upstream.
type URLRewriter struct {
	BaseInterceptor
	logger logger.ContextLogger
	rules  []urlRewriteRule
}

func NewURLRewriter(logger logger.ContextLogger, paths []string) (*URLRewriter, error) {
	rewriter := &URLRewriter{
		logger: logger,
	}
	for i, path := range paths {
		file, err := os.Open(C.BasePath(path))
		if err != nil {
			return nil, E.Cause(err, "read url rewrite configuration[", i, "]")
		}
		rules, err := readSurgeURLRewriteRules(file)
		file.Close()
		if err != nil {
			return nil, E.Cause(err, "read url rewrite configuration[", i, "] at ", path)
		}
		rewriter.rules = append(rewriter.rules, rules...)
	}
	return rewriter, nil
}

func readSurgeURLRewriteRules(reader io.Reader) ([]urlRewriteRule, error) {
	bufferedReader := bufio.NewReader(reader)
	var rules []urlRewriteRule
	for {
		lineBytes, _, err := bufferedReader.ReadLine()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, err
		}
		ruleLine := strings.TrimSpace(string(lineBytes))
		if ruleLine == "" || ruleLine[0] == '#' {
			continue
		}
		ruleParts := strings.Fields(ruleLine)
		if len(ruleParts) != 3 {
			return nil, E.New("invalid surge url rewrite line: ", ruleLine)
		}
		pattern, err := R.Compile(ruleParts[0], R.None)
		if err != nil {
			return nil, E.Cause(err, "invalid surge url rewrite line (bad regex): ", ruleLine)
		}
		rule := urlRewriteRule{
			pattern:     pattern,
			replacement: ruleParts[1],
		}
		switch ruleParts[2] {
		case "reject":
			rule.action = urlRewriteReject
		case "302":
			rule.action = urlRewriteRedirect
		case "307":
			rule.action = urlRewriteTemporaryRedirect
		case "header":
			rule.action = urlRewriteHeader
		default:
			return nil, E.New("invalid surge url rewrite line (unknown action): ", ruleLine)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (r *URLRewriter) OnRequest(ctx context.Context, httpFlow *flow.HTTPFlow) (flow.Decision, error) {
	request := httpFlow.Request
	if request.Method == http.MethodConnect {
		return flow.Continue(), nil
	}
	urlString := request.URL()
	for _, rule := range r.rules {
		matched, err := rule.pattern.MatchString(urlString)
		if err != nil || !matched {
			continue
		}
		if rule.action == urlRewriteReject {
			r.logger.DebugContext(ctx, "url rewrite: reject ", urlString)
			return flow.ModifyResponse(rewriteResponse(request, http.StatusNotFound, "")), nil
		}
		target, err := rule.pattern.Replace(urlString, rule.replacement, -1, -1)
		if err != nil {
			return flow.Continue(), E.Cause(err, "rewrite ", urlString)
		}
		switch rule.action {
		case urlRewriteRedirect:
			r.logger.DebugContext(ctx, "url rewrite: redirect ", urlString, " to ", target)
			return flow.ModifyResponse(rewriteResponse(request, http.StatusFound, target)), nil
		case urlRewriteTemporaryRedirect:
			r.logger.DebugContext(ctx, "url rewrite: redirect ", urlString, " to ", target)
			return flow.ModifyResponse(rewriteResponse(request, http.StatusTemporaryRedirect, target)), nil
		default:
			rewritten, err := rewriteRequest(request, target)
			if err != nil {
				return flow.Continue(), err
			}
			r.logger.DebugContext(ctx, "url rewrite: ", urlString, " to ", target)
			return flow.ModifyRequest(rewritten), nil
		}
	}
	return flow.Continue(), nil
}

func rewriteResponse(request *flow.Request, statusCode int, location string) *flow.Response {
	response := &flow.Response{
		Version:    request.Version,
		StatusCode: statusCode,
		Reason:     http.StatusText(statusCode),
	}
	if location != "" {
		response.Headers.Add("Location", location)
	}
	response.Headers.Add("Content-Length", "0")
	return response
}

func rewriteRequest(request *flow.Request, target string) (*flow.Request, error) {
	targetURL, err := url.Parse(target)
	if err != nil {
		return nil, E.Cause(err, "parse rewritten url ", target)
	}
	if targetURL.Host == "" {
		return nil, E.New("rewritten url without host: ", target)
	}
	rewritten := request.Clone()
	rewritten.Scheme = targetURL.Scheme
	rewritten.Host = targetURL.Hostname()
	rewritten.Port = 0
	if port := targetURL.Port(); port != "" {
		portNumber, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return nil, E.Cause(err, "parse port of ", target)
		}
		rewritten.Port = uint16(portNumber)
	}
	if rewritten.Port == 0 {
		rewritten.Port = 80
		if rewritten.Scheme == "https" {
			rewritten.Port = 443
		}
	}
	rewritten.Path = targetURL.RequestURI()
	authority := targetURL.Host
	if rewritten.Authority != "" {
		rewritten.Authority = authority
	}
	if rewritten.Headers.Has("Host") {
		rewritten.Headers.Set("Host", authority)
	}
	if rewritten.Authority == "" && !rewritten.Headers.Has("Host") {
		rewritten.Headers.Add("Host", net.JoinHostPort(rewritten.Host, strconv.Itoa(int(rewritten.Port))))
	}
	return rewritten, nil
}
