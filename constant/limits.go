package constant

import "time"

const (
	DefaultMaxHeaderSize        = 64 * 1024
	MaxClientHelloSize          = 64 * 1024
	MaxLogStatementSize         = 2048
	DefaultCertificateCacheSize = 1024
	DefaultHookTimeout          = 30 * time.Second
	DefaultDialTimeout          = 10 * time.Second
	TLSHandshakeTimeout         = 15 * time.Second
	ReadBufferSize              = 32 * 1024
	WebSocketMaxMessageSize     = 16 * 1024 * 1024
)

const (
	HTTP2DefaultWindowSize     = 65535
	HTTP2DefaultMaxFrameSize   = 16384
	HTTP2MaxWindowSize         = 1<<31 - 1
	HTTP2DefaultHeaderTable    = 4096
	HTTP2DefaultMaxConcurrency = 100
)

const (
	TCPKeepAliveInterval = 30 * time.Second
	ReadHeaderTimeout    = 10 * time.Second
)
