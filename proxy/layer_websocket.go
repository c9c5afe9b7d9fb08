package proxy

import (
	"bytes"
	"errors"
	"io"
	"time"
	"unicode/utf8"

	C "github.com/sagernet/sing-mitm/constant"
	"github.com/sagernet/sing-mitm/flow"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/ws"
)

var _ Layer = (*WebSocketLayer)(nil)

type websocketState uint8

const (
	websocketOpen websocketState = iota
	websocketClosing
	websocketClosed
)

// websocketSide holds the frames received from one endpoint.
type websocketSide struct {
	endpoint   *flow.Endpoint
	peer       *flow.Endpoint
	fromClient bool
	buffer     []byte
	state      ws.State
	opcode     ws.OpCode
	fragments  []byte
}

// WebSocketLayer relays an upgraded connection message by message. Every
// complete message and every ping is offered to the hook before it is
// forwarded or answered.
type WebSocketLayer struct {
	ctx    *Context
	flow   *flow.WebSocketFlow
	client *websocketSide
	server *websocketSide
	state  websocketState

	hookID      uint64
	hookSide    *websocketSide
	hookMessage *flow.Message
}

func NewWebSocketLayer(ctx *Context, handshake *flow.HTTPFlow, client *flow.Endpoint, server *flow.Endpoint) *WebSocketLayer {
	return &WebSocketLayer{
		ctx:  ctx,
		flow: flow.NewWebSocketFlow(handshake),
		client: &websocketSide{
			endpoint:   client,
			peer:       server,
			fromClient: true,
			state:      ws.StateServerSide,
		},
		server: &websocketSide{
			endpoint: server,
			peer:     client,
			state:    ws.StateClientSide,
		},
	}
}

func (l *WebSocketLayer) Name() string {
	return C.LayerWebSocket
}

// Flow returns the websocket flow recorded by the layer.
func (l *WebSocketLayer) Flow() *flow.WebSocketFlow {
	return l.flow
}

func (l *WebSocketLayer) HandleEvent(event Event) []Command {
	if l.state == websocketClosed {
		return nil
	}
	switch e := event.(type) {
	case DataReceived:
		side := l.side(e.Endpoint)
		if side == nil {
			return nil
		}
		side.buffer = append(side.buffer, e.Data...)
		if l.hookID != 0 {
			return nil
		}
		return l.drain(side)
	case ConnectionClosed:
		side := l.side(e.Endpoint)
		if side == nil {
			return nil
		}
		return l.connectionClosed(side)
	case HookCompleted:
		if e.Command != l.hookID {
			return nil
		}
		return l.hookCompleted(e)
	}
	return nil
}

func (l *WebSocketLayer) side(endpoint *flow.Endpoint) *websocketSide {
	switch endpoint {
	case l.client.endpoint:
		return l.client
	case l.server.endpoint:
		return l.server
	}
	return nil
}

func (l *WebSocketLayer) maxMessageSize() int64 {
	if limit := l.ctx.Options.BodySizeLimit; limit > 0 && limit < C.WebSocketMaxMessageSize {
		return limit
	}
	return C.WebSocketMaxMessageSize
}

// drain parses buffered frames until the buffer runs dry or a hook is pending.
func (l *WebSocketLayer) drain(side *websocketSide) []Command {
	var commands []Command
	for l.hookID == 0 && l.state == websocketOpen && len(side.buffer) > 0 {
		reader := bytes.NewReader(side.buffer)
		header, err := ws.ReadHeader(reader)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return append(commands, l.abort(side, ws.StatusProtocolError, E.Extend(ErrProtocol, "read websocket frame: ", err))...)
		}
		err = ws.CheckHeader(header, side.state)
		if err != nil {
			return append(commands, l.abort(side, ws.StatusProtocolError, E.Extend(ErrProtocol, "invalid websocket frame: ", err))...)
		}
		if header.Length < 0 || int64(len(side.fragments))+header.Length > l.maxMessageSize() {
			return append(commands, l.abort(side, ws.StatusMessageTooBig, E.Extend(ErrResource, "websocket message exceeds ", l.maxMessageSize(), " bytes"))...)
		}
		headerSize := len(side.buffer) - reader.Len()
		frameSize := headerSize + int(header.Length)
		if len(side.buffer) < frameSize {
			break
		}
		payload := append([]byte(nil), side.buffer[headerSize:frameSize]...)
		side.buffer = side.buffer[frameSize:]
		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
		}
		commands = append(commands, l.frame(side, header, payload)...)
	}
	return commands
}

func (l *WebSocketLayer) frame(side *websocketSide, header ws.Header, payload []byte) []Command {
	switch header.OpCode {
	case ws.OpPing:
		return l.offer(side, flow.MessagePing, payload)
	case ws.OpPong:
		return nil
	case ws.OpClose:
		return l.receiveClose(side, payload)
	}
	if header.OpCode != ws.OpContinuation {
		side.opcode = header.OpCode
	}
	side.fragments = append(side.fragments, payload...)
	if !header.Fin {
		side.state = side.state.Set(ws.StateFragmented)
		return nil
	}
	side.state = side.state.Clear(ws.StateFragmented)
	content := side.fragments
	side.fragments = nil
	if side.opcode == ws.OpText && !utf8.Valid(content) {
		return l.abort(side, ws.StatusInvalidFramePayloadData, E.Extend(ErrProtocol, "invalid UTF-8 in websocket text message"))
	}
	return l.offer(side, flow.MessageType(side.opcode), content)
}

func (l *WebSocketLayer) offer(side *websocketSide, messageType flow.MessageType, content []byte) []Command {
	message := &flow.Message{
		FromClient: side.fromClient,
		Type:       messageType,
		Content:    content,
		Timestamp:  time.Now(),
	}
	l.flow.Messages = append(l.flow.Messages, message)
	snapshot := *message
	l.hookID = l.ctx.NextID()
	l.hookSide = side
	l.hookMessage = message
	return []Command{InvokeHook{
		ID:        l.hookID,
		Hook:      HookWebSocketMessage,
		WebSocket: l.flow.Clone(),
		Message:   &snapshot,
	}}
}

func (l *WebSocketLayer) hookCompleted(e HookCompleted) []Command {
	side := l.hookSide
	message := l.hookMessage
	l.hookID = 0
	l.hookSide = nil
	l.hookMessage = nil
	var commands []Command
	decision := e.Decision
	if e.Err != nil {
		commands = append(commands, l.ctx.log(LogLevelWarn, E.Cause(e.Err, "websocket message hook")))
		decision = flow.Continue()
	}
	switch decision.Verdict {
	case flow.VerdictBlock:
		message.Dropped = true
	case flow.VerdictModify:
		message.Content = decision.Message
	}
	if !message.Dropped {
		if message.Type == flow.MessagePing {
			// answered here, never forwarded
			commands = append(commands, l.send(side.endpoint, ws.OpPong, message.Content))
		} else {
			commands = append(commands, l.send(side.peer, ws.OpCode(message.Type), message.Content))
		}
	}
	commands = append(commands, l.drain(l.client)...)
	return append(commands, l.drain(l.server)...)
}

// send frames payload for endpoint. Frames toward the server are masked.
func (l *WebSocketLayer) send(endpoint *flow.Endpoint, opcode ws.OpCode, payload []byte) Command {
	return SendData{Endpoint: endpoint, Data: websocketFrame(opcode, payload, endpoint == l.server.endpoint)}
}

func websocketFrame(opcode ws.OpCode, payload []byte, masked bool) []byte {
	header := ws.Header{
		Fin:    true,
		OpCode: opcode,
		Length: int64(len(payload)),
	}
	if masked {
		header.Masked = true
		header.Mask = ws.NewMask()
		payload = append([]byte(nil), payload...)
		ws.Cipher(payload, header.Mask, 0)
	}
	var buffer bytes.Buffer
	_ = ws.WriteHeader(&buffer, header)
	buffer.Write(payload)
	return buffer.Bytes()
}

func (l *WebSocketLayer) receiveClose(side *websocketSide, payload []byte) []Command {
	code, reason := ws.StatusNoStatusRcvd, ""
	switch {
	case len(payload) == 1:
		code = ws.StatusProtocolError
	case len(payload) >= 2:
		code, reason = ws.ParseCloseFrameData(payload)
		if ws.CheckCloseFrameData(code, reason) != nil {
			code, reason = ws.StatusProtocolError, ""
		}
	}
	l.state = websocketClosing
	l.flow.ClosedByClient = side.fromClient
	l.flow.CloseCode = uint16(code)
	l.flow.CloseReason = reason
	var body []byte
	if code != ws.StatusNoStatusRcvd {
		body = ws.NewCloseFrameBody(code, reason)
	}
	commands := []Command{
		l.send(side.endpoint, ws.OpClose, body),
		l.send(side.peer, ws.OpClose, body),
	}
	return append(commands, l.shutdown()...)
}

// abort closes both sides with code after a violation by side.
func (l *WebSocketLayer) abort(side *websocketSide, code ws.StatusCode, err error) []Command {
	setFlowError(l.flow, err)
	l.state = websocketClosing
	l.flow.ClosedByClient = side.fromClient
	l.flow.CloseCode = uint16(code)
	body := ws.NewCloseFrameBody(code, "")
	commands := []Command{
		l.ctx.log(LogLevelInfo, E.Cause(err, "websocket ", l.flow.Handshake.Request.URL())),
		l.send(side.endpoint, ws.OpClose, body),
		l.send(side.peer, ws.OpClose, body),
	}
	return append(commands, l.shutdown()...)
}

func (l *WebSocketLayer) connectionClosed(side *websocketSide) []Command {
	if l.state == websocketOpen {
		l.flow.ClosedByClient = side.fromClient
		l.flow.CloseCode = uint16(ws.StatusAbnormalClosure)
	}
	return l.shutdown()
}

func (l *WebSocketLayer) shutdown() []Command {
	l.state = websocketClosed
	l.hookID = 0
	l.hookSide = nil
	l.hookMessage = nil
	commands := closeEndpoint(l.client.endpoint)
	commands = append(commands, closeEndpoint(l.server.endpoint)...)
	l.flow.TimestampEnd = time.Now()
	l.flow.Finish()
	return append(commands, EmitFlow{Flow: l.flow})
}
