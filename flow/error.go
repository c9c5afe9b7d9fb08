package flow

import "time"

type ErrorKind uint8

const (
	ErrorKindProtocol ErrorKind = iota + 1
	ErrorKindResource
	ErrorKindTrust
	ErrorKindUpstream
	ErrorKindHook
	ErrorKindKilled
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindProtocol:
		return "protocol"
	case ErrorKindResource:
		return "resource"
	case ErrorKindTrust:
		return "trust"
	case ErrorKindUpstream:
		return "upstream"
	case ErrorKindHook:
		return "hook"
	case ErrorKindKilled:
		return "killed"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"msg"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Message
}

const KilledMessage = "Connection killed."
