package constant

const (
	LayerNext      = "NextLayer"
	LayerTCP       = "TCPLayer"
	LayerClientTLS = "ClientTLSLayer"
	LayerHTTP      = "HTTPLayer"
	LayerWebSocket = "WebSocketLayer"
)

const (
	FlowTypeHTTP      = "http"
	FlowTypeWebSocket = "websocket"
)
