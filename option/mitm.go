package option

import "github.com/sagernet/sing/common/json/badoption"

type MITMOptions struct {
	Insecure             bool                       `json:"insecure,omitempty"`
	Certificate          string                     `json:"certificate,omitempty"`
	CertificatePath      string                     `json:"certificate_path,omitempty"`
	Key                  string                     `json:"key,omitempty"`
	KeyPath              string                     `json:"key_path,omitempty"`
	StorePath            string                     `json:"store_path,omitempty"`
	CertificateCacheSize uint32                     `json:"certificate_cache_size,omitempty"`
	Ignore               []IgnoreRule               `json:"ignore,omitempty"`
	IgnorePath           string                     `json:"ignore_path,omitempty"`
	ALPN                 badoption.Listable[string] `json:"alpn,omitempty"`
	MaxHeaderSize        int                        `json:"max_header_size,omitempty"`
	BodySizeLimit        int64                      `json:"body_size_limit,omitempty"`
	StreamLargeBodies    int64                      `json:"stream_large_bodies,omitempty"`
	WebSocket            *bool                      `json:"websocket,omitempty"`
	HTTP2                *HTTP2Options              `json:"http2,omitempty"`
	HookTimeout          badoption.Duration         `json:"hook_timeout,omitempty"`
	DialTimeout          badoption.Duration         `json:"dial_timeout,omitempty"`
	URLRewritePath       badoption.Listable[string] `json:"url_rewrite_path,omitempty"`
	ProxyDebug           bool                       `json:"proxy_debug,omitempty"`
}

type HTTP2Options struct {
	InitialWindowSize    uint32 `json:"initial_window_size,omitempty"`
	MaxConcurrentStreams uint32 `json:"max_concurrent_streams,omitempty"`
	HeaderTableSize      uint32 `json:"header_table_size,omitempty"`
}

// IgnoreRule selects connections relayed without decryption. Items of
// different kinds must all match; values of one kind are alternatives.
type IgnoreRule struct {
	Domain         badoption.Listable[string] `json:"domain,omitempty"`
	DomainSuffix   badoption.Listable[string] `json:"domain_suffix,omitempty"`
	DomainRegex    badoption.Listable[string] `json:"domain_regex,omitempty"`
	JA3Fingerprint badoption.Listable[string] `json:"ja3_fingerprint,omitempty"`
	Invert         bool                       `json:"invert,omitempty"`
}

func (r IgnoreRule) IsValid() bool {
	return len(r.Domain) > 0 || len(r.DomainSuffix) > 0 || len(r.DomainRegex) > 0 || len(r.JA3Fingerprint) > 0
}
