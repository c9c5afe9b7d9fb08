package constant

const (
	ALPNHTTP2  = "h2"
	ALPNHTTP11 = "http/1.1"
	ALPNHTTP10 = "http/1.0"
	ALPNHTTP09 = "http/0.9"
	ALPNHTTP3  = "h3"
)

var HTTP1ALPNs = []string{ALPNHTTP11, ALPNHTTP10, ALPNHTTP09}

var DefaultALPNPreference = []string{ALPNHTTP2, ALPNHTTP11}
