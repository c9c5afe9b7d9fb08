package proxy

import (
	"errors"

	"github.com/sagernet/sing-mitm/flow"
	E "github.com/sagernet/sing/common/exceptions"

	"golang.org/x/net/http2"
)

var (
	ErrProtocol = E.New("protocol error")
	ErrResource = E.New("resource error")
	ErrTrust    = E.New("trust error")
	ErrUpstream = E.New("upstream error")
	ErrHook     = E.New("hook error")
	ErrKilled   = E.New(flow.KilledMessage)
)

var (
	errClientDisconnected = E.Extend(ErrProtocol, "client disconnected")
	errServerDisconnected = E.Extend(ErrUpstream, "server disconnected")
)

func KindOf(err error) flow.ErrorKind {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrKilled):
		return flow.ErrorKindKilled
	case errors.Is(err, ErrResource):
		return flow.ErrorKindResource
	case errors.Is(err, ErrTrust):
		return flow.ErrorKindTrust
	case errors.Is(err, ErrUpstream):
		return flow.ErrorKindUpstream
	case errors.Is(err, ErrHook):
		return flow.ErrorKindHook
	default:
		return flow.ErrorKindProtocol
	}
}

func setFlowError(record flow.Record, err error) {
	record.Base().SetError(KindOf(err), err.Error())
}

// errorFromHTTP2Code classifies an error code received in RST_STREAM or GOAWAY.
func errorFromHTTP2Code(code http2.ErrCode, message string) error {
	switch code {
	case http2.ErrCodeFlowControl:
		return E.Extend(ErrResource, message, ": ", code)
	case http2.ErrCodeRefusedStream, http2.ErrCodeCancel, http2.ErrCodeConnect, http2.ErrCodeInternal, http2.ErrCodeNo:
		return E.Extend(ErrUpstream, message, ": ", code)
	case http2.ErrCodeInadequateSecurity:
		return E.Extend(ErrTrust, message, ": ", code)
	default:
		return E.Extend(ErrProtocol, message, ": ", code)
	}
}

// http2CodeFromError picks the reset code for a local stream failure.
func http2CodeFromError(err error) http2.ErrCode {
	switch KindOf(err) {
	case flow.ErrorKindResource:
		return http2.ErrCodeFlowControl
	case flow.ErrorKindKilled:
		return http2.ErrCodeCancel
	case flow.ErrorKindProtocol:
		return http2.ErrCodeProtocol
	case flow.ErrorKindTrust:
		return http2.ErrCodeInadequateSecurity
	default:
		return http2.ErrCodeInternal
	}
}

// statusCodeFromError picks the status of the error page sent to the client.
func statusCodeFromError(err error) int {
	switch KindOf(err) {
	case flow.ErrorKindResource:
		if errors.Is(err, errRequestTooLarge) {
			return 413
		}
		return 502
	case flow.ErrorKindProtocol:
		if errors.Is(err, errClientDisconnected) {
			return 0
		}
		return 400
	default:
		return 502
	}
}
