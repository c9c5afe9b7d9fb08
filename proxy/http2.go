package proxy

import (
	"bytes"
	"errors"
	"math"
	"net/http"
	"sort"
	"strconv"

	C "github.com/sagernet/sing-mitm/constant"
	"github.com/sagernet/sing-mitm/flow"
	E "github.com/sagernet/sing/common/exceptions"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

var _ upstreamConnection = (*http2Connection)(nil)

// closed peer stream ids remembered to tell late frames from reused ids.
const http2ClosedStreamMemory = 256

// http2Connection implements both sides of HTTP/2 on in-memory buffers. With
// server set it reads requests from a client, otherwise it sends requests to
// an origin server.
type http2Connection struct {
	ctx      *Context
	endpoint *flow.Endpoint
	server   bool

	input        bytes.Buffer
	output       bytes.Buffer
	headerBuffer bytes.Buffer
	framer       *http2.Framer
	decoder      *hpack.Decoder
	encoder      *hpack.Encoder

	prefaceReceived bool
	streams         map[uint32]*http2Stream
	lastPeerID      uint32
	lastLocalID     uint32
	closedPeer      map[uint32]struct{}
	closedPeerOrder []uint32

	headerStreamID  uint32
	headerEndStream bool
	headerBlock     []byte

	sendWindow         int64
	recvWindow         int64
	peerInitialWindow  int64
	localInitialWindow int64
	peerMaxFrameSize   uint32
	peerMaxStreams     uint32

	goingAway    bool
	closed       bool
	pendingClose bool
}

type http2Stream struct {
	id              uint32
	sendWindow      int64
	recvWindow      int64
	headersReceived bool
	headersSent     bool
	remoteEnded     bool
	localEnded      bool
	// expectedLength is the declared content-length of the remote body, or
	// -1 when there is none to enforce.
	expectedLength int64
	receivedLength int64
	headRequest    bool
	// abandon resets the stream once the local side ends, for error pages
	// sent before the request finished.
	abandon bool
	pending []http2Outgoing
}

type http2Outgoing struct {
	data     []byte
	trailers *flow.Headers
	end      bool
}

func newHTTP2Connection(ctx *Context, endpoint *flow.Endpoint, server bool) *http2Connection {
	c := &http2Connection{
		ctx:                ctx,
		endpoint:           endpoint,
		server:             server,
		streams:            make(map[uint32]*http2Stream),
		closedPeer:         make(map[uint32]struct{}),
		sendWindow:         C.HTTP2DefaultWindowSize,
		recvWindow:         C.HTTP2DefaultWindowSize,
		peerInitialWindow:  C.HTTP2DefaultWindowSize,
		localInitialWindow: int64(ctx.Options.initialWindowSize()),
		peerMaxFrameSize:   C.HTTP2DefaultMaxFrameSize,
		peerMaxStreams:     math.MaxUint32,
	}
	c.framer = http2.NewFramer(&c.output, &c.input)
	c.framer.SetMaxReadFrameSize(C.HTTP2DefaultMaxFrameSize)
	c.decoder = hpack.NewDecoder(ctx.Options.headerTableSize(), nil)
	c.decoder.SetMaxStringLength(ctx.Options.maxHeaderSize())
	c.encoder = hpack.NewEncoder(&c.headerBuffer)
	return c
}

func newHTTP2Server(ctx *Context, endpoint *flow.Endpoint) *http2Connection {
	return newHTTP2Connection(ctx, endpoint, true)
}

func newHTTP2Client(ctx *Context, endpoint *flow.Endpoint) *http2Connection {
	return newHTTP2Connection(ctx, endpoint, false)
}

func (c *http2Connection) start() []Command {
	settings := []http2.Setting{
		{ID: http2.SettingInitialWindowSize, Val: uint32(c.localInitialWindow)},
		{ID: http2.SettingHeaderTableSize, Val: c.ctx.Options.headerTableSize()},
	}
	if c.server {
		settings = append(settings, http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: c.ctx.Options.maxConcurrentStreams()})
	} else {
		c.output.WriteString(http2.ClientPreface)
		settings = append(settings, http2.Setting{ID: http2.SettingEnablePush, Val: 0})
	}
	_ = c.framer.WriteSettings(settings...)
	return c.flush()
}

func (c *http2Connection) newStreamID() uint32 {
	if c.lastLocalID == 0 {
		return 1
	}
	return c.lastLocalID + 2
}

func (c *http2Connection) available() bool {
	return !c.goingAway && !c.closed && uint32(len(c.streams)) < c.peerMaxStreams
}

func (c *http2Connection) idle() bool {
	return len(c.streams) == 0
}

func (c *http2Connection) flush() []Command {
	var commands []Command
	if c.output.Len() > 0 {
		commands = append(commands, SendData{Endpoint: c.endpoint, Data: append([]byte(nil), c.output.Bytes()...)})
		c.output.Reset()
	}
	if c.pendingClose {
		c.pendingClose = false
		commands = append(commands, closeEndpoint(c.endpoint)...)
	}
	return commands
}

func (c *http2Connection) receiveData(data []byte) ([]httpEvent, []Command) {
	if c.closed {
		return nil, nil
	}
	c.input.Write(data)
	var events []httpEvent
	if c.server && !c.prefaceReceived {
		preface := c.input.Bytes()
		if len(preface) < len(http2.ClientPreface) {
			if !bytes.HasPrefix([]byte(http2.ClientPreface), preface) {
				return c.connectionError(http2.ErrCodeProtocol, "invalid connection preface"), c.flush()
			}
			return nil, nil
		}
		if string(c.input.Next(len(http2.ClientPreface))) != http2.ClientPreface {
			return c.connectionError(http2.ErrCodeProtocol, "invalid connection preface"), c.flush()
		}
		c.prefaceReceived = true
	}
	for !c.closed {
		buffered := c.input.Bytes()
		if len(buffered) < 9 {
			break
		}
		length := int(buffered[0])<<16 | int(buffered[1])<<8 | int(buffered[2])
		if length > C.HTTP2DefaultMaxFrameSize {
			events = append(events, c.connectionError(http2.ErrCodeFrameSize, "frame exceeds maximum size")...)
			break
		}
		if len(buffered) < 9+length {
			break
		}
		frame, err := c.framer.ReadFrame()
		if err != nil {
			var streamError http2.StreamError
			if errors.As(err, &streamError) {
				events = append(events, c.resetStream(streamError.StreamID, streamError.Code, E.Extend(ErrProtocol, streamError.Error()))...)
				continue
			}
			var connectionError http2.ConnectionError
			if errors.As(err, &connectionError) {
				events = append(events, c.connectionError(http2.ErrCode(connectionError), err.Error())...)
				break
			}
			events = append(events, c.connectionError(http2.ErrCodeProtocol, err.Error())...)
			break
		}
		events = append(events, c.handleFrame(frame)...)
	}
	return events, c.flush()
}

func (c *http2Connection) handleFrame(frame http2.Frame) []httpEvent {
	switch f := frame.(type) {
	case *http2.DataFrame:
		return c.handleData(f)
	case *http2.HeadersFrame:
		c.headerStreamID = f.StreamID
		c.headerEndStream = f.StreamEnded()
		c.headerBlock = append(c.headerBlock[:0], f.HeaderBlockFragment()...)
		if f.HeadersEnded() {
			return c.handleHeaderBlock()
		}
	case *http2.ContinuationFrame:
		if f.StreamID != c.headerStreamID {
			return c.connectionError(http2.ErrCodeProtocol, "unexpected CONTINUATION frame")
		}
		c.headerBlock = append(c.headerBlock, f.HeaderBlockFragment()...)
		if len(c.headerBlock) > c.ctx.Options.maxHeaderSize() {
			return c.connectionError(http2.ErrCodeEnhanceYourCalm, "header block too large")
		}
		if f.HeadersEnded() {
			return c.handleHeaderBlock()
		}
	case *http2.SettingsFrame:
		if f.IsAck() {
			return nil
		}
		return c.handleSettings(f)
	case *http2.PingFrame:
		if !f.IsAck() {
			_ = c.framer.WritePing(true, f.Data)
		}
	case *http2.WindowUpdateFrame:
		return c.handleWindowUpdate(f)
	case *http2.RSTStreamFrame:
		stream := c.streams[f.StreamID]
		if stream == nil {
			return nil
		}
		c.removeStream(stream)
		return []httpEvent{c.errorEvent(f.StreamID, errorFromHTTP2Code(f.ErrCode, "stream reset by peer"))}
	case *http2.GoAwayFrame:
		return c.handleGoAway(f)
	case *http2.PushPromiseFrame:
		return c.connectionError(http2.ErrCodeProtocol, "push is disabled")
	}
	return nil
}

func (c *http2Connection) handleData(f *http2.DataFrame) []httpEvent {
	length := int64(f.Length)
	if length > c.recvWindow {
		return c.connectionError(http2.ErrCodeFlowControl, "connection flow-control window exceeded")
	}
	c.recvWindow -= length
	stream := c.streams[f.StreamID]
	if stream == nil || stream.remoteEnded {
		c.replenish(0, length)
		if c.isIdleStream(f.StreamID) {
			return c.connectionError(http2.ErrCodeProtocol, "DATA on idle stream")
		}
		_ = c.framer.WriteRSTStream(f.StreamID, http2.ErrCodeStreamClosed)
		return nil
	}
	if length > stream.recvWindow {
		c.replenish(0, length)
		return c.resetStream(stream.id, http2.ErrCodeFlowControl, E.Extend(ErrResource, "stream flow-control window exceeded on stream ", stream.id))
	}
	stream.recvWindow -= length
	stream.receivedLength += int64(len(f.Data()))
	if stream.expectedLength >= 0 && stream.receivedLength > stream.expectedLength {
		c.replenish(0, length)
		return c.resetStream(stream.id, http2.ErrCodeProtocol, errContentLengthMismatch(stream))
	}
	var events []httpEvent
	if len(f.Data()) > 0 {
		events = append(events, c.dataEvent(stream.id, append([]byte(nil), f.Data()...)))
	}
	c.replenish(0, length)
	if f.StreamEnded() {
		return append(events, c.endRemote(stream)...)
	}
	stream.recvWindow += length
	c.replenish(stream.id, length)
	return events
}

func (c *http2Connection) replenish(streamID uint32, length int64) {
	if length <= 0 {
		return
	}
	if streamID == 0 {
		c.recvWindow += length
	}
	_ = c.framer.WriteWindowUpdate(streamID, uint32(length))
}

func (c *http2Connection) isIdleStream(id uint32) bool {
	if c.server == (id%2 == 1) {
		return id > c.lastPeerID
	}
	return id > c.lastLocalID
}

func (c *http2Connection) handleHeaderBlock() []httpEvent {
	id := c.headerStreamID
	endStream := c.headerEndStream
	c.headerStreamID = 0
	fields, err := c.decoder.DecodeFull(c.headerBlock)
	c.headerBlock = c.headerBlock[:0]
	if err != nil {
		return c.connectionError(http2.ErrCodeCompression, "decode header block: "+err.Error())
	}
	stream := c.streams[id]
	if stream == nil {
		if !c.server {
			if c.isIdleStream(id) || id%2 == 0 {
				return c.connectionError(http2.ErrCodeProtocol, "server sent HEADERS on a stream it may not open")
			}
			_ = c.framer.WriteRSTStream(id, http2.ErrCodeStreamClosed)
			return nil
		}
		return c.openPeerStream(id, fields, endStream)
	}
	if stream.remoteEnded {
		return c.resetStream(id, http2.ErrCodeStreamClosed, E.Extend(ErrProtocol, "HEADERS on half-closed stream ", id))
	}
	var events []httpEvent
	if !stream.headersReceived {
		response, err := parseHTTP2Response(fields)
		if err != nil {
			return c.resetStream(id, http2.ErrCodeProtocol, err)
		}
		if response.StatusCode/100 == 1 {
			return nil
		}
		if stream.headRequest || response.StatusCode == http.StatusNotModified {
			stream.expectedLength = -1
		} else if err = stream.declareLength(response.Headers); err != nil {
			return c.resetStream(id, http2.ErrCodeProtocol, err)
		}
		if endStream && stream.expectedLength > 0 {
			return c.resetStream(id, http2.ErrCodeProtocol, errContentLengthMismatch(stream))
		}
		stream.headersReceived = true
		events = append(events, ResponseHeaders{StreamID: id, Response: response, EndStream: endStream})
	} else {
		if !endStream {
			return c.resetStream(id, http2.ErrCodeProtocol, E.Extend(ErrProtocol, "trailers without END_STREAM"))
		}
		trailers, err := parseHTTP2Trailers(fields)
		if err != nil {
			return c.resetStream(id, http2.ErrCodeProtocol, err)
		}
		if stream.shortBody() {
			return c.resetStream(id, http2.ErrCodeProtocol, errContentLengthMismatch(stream))
		}
		events = append(events, c.trailersEvent(id, trailers))
	}
	if endStream {
		events = append(events, c.endRemote(stream)...)
	}
	return events
}

// openPeerStream accepts a stream opened by the client.
func (c *http2Connection) openPeerStream(id uint32, fields []hpack.HeaderField, endStream bool) []httpEvent {
	if id%2 == 0 {
		return c.connectionError(http2.ErrCodeProtocol, "client opened a stream with an even id")
	}
	if id <= c.lastPeerID {
		if _, closed := c.closedPeer[id]; closed {
			// late frames for a stream we already closed or reset
			_ = c.framer.WriteRSTStream(id, http2.ErrCodeStreamClosed)
			return nil
		}
		return c.connectionError(http2.ErrCodeProtocol, "stream id did not increase")
	}
	c.lastPeerID = id
	if c.goingAway || uint32(len(c.streams)) >= c.ctx.Options.maxConcurrentStreams() {
		_ = c.framer.WriteRSTStream(id, http2.ErrCodeRefusedStream)
		c.rememberClosed(id)
		return nil
	}
	stream := c.newStream(id)
	stream.headersReceived = true
	request, err := parseHTTP2Request(fields)
	if err != nil {
		return c.resetStream(id, http2.ErrCodeProtocol, err)
	}
	err = stream.declareLength(request.Headers)
	if err == nil && endStream && stream.expectedLength > 0 {
		err = errContentLengthMismatch(stream)
	}
	if err != nil {
		return c.resetStream(id, http2.ErrCodeProtocol, err)
	}
	events := []httpEvent{RequestHeaders{StreamID: id, Request: request, EndStream: endStream}}
	if endStream {
		events = append(events, c.endRemote(stream)...)
	}
	return events
}

func (c *http2Connection) newStream(id uint32) *http2Stream {
	stream := &http2Stream{
		id:             id,
		sendWindow:     c.peerInitialWindow,
		recvWindow:     c.localInitialWindow,
		expectedLength: -1,
	}
	c.streams[id] = stream
	return stream
}

func (c *http2Connection) endRemote(stream *http2Stream) []httpEvent {
	if stream.shortBody() {
		return c.resetStream(stream.id, http2.ErrCodeProtocol, errContentLengthMismatch(stream))
	}
	stream.remoteEnded = true
	c.maybeRemove(stream)
	return []httpEvent{c.endEvent(stream.id)}
}

func (c *http2Connection) maybeRemove(stream *http2Stream) {
	if stream.remoteEnded && stream.localEnded {
		c.removeStream(stream)
	}
}

func (c *http2Connection) removeStream(stream *http2Stream) {
	delete(c.streams, stream.id)
	if c.server && stream.id%2 == 1 {
		c.rememberClosed(stream.id)
	}
	if c.goingAway && len(c.streams) == 0 && !c.closed {
		c.closed = true
		c.pendingClose = true
	}
}

func (c *http2Connection) rememberClosed(id uint32) {
	c.closedPeer[id] = struct{}{}
	c.closedPeerOrder = append(c.closedPeerOrder, id)
	if len(c.closedPeerOrder) > http2ClosedStreamMemory {
		delete(c.closedPeer, c.closedPeerOrder[0])
		c.closedPeerOrder = c.closedPeerOrder[1:]
	}
}

// declareLength records the content-length announced for the remote body.
func (s *http2Stream) declareLength(headers flow.Headers) error {
	s.expectedLength = -1
	values := headers.Values("content-length")
	if len(values) == 0 {
		return nil
	}
	for _, value := range values[1:] {
		if value != values[0] {
			return E.Extend(ErrProtocol, "conflicting content-length values")
		}
	}
	length, err := strconv.ParseUint(values[0], 10, 63)
	if err != nil {
		return E.Extend(ErrProtocol, "bad content-length: ", strconv.Quote(values[0]))
	}
	s.expectedLength = int64(length)
	return nil
}

func (s *http2Stream) shortBody() bool {
	return s.expectedLength >= 0 && s.receivedLength != s.expectedLength
}

func errContentLengthMismatch(stream *http2Stream) error {
	return E.Extend(ErrProtocol, "content-length mismatch on stream ", stream.id, ": declared ", stream.expectedLength, ", received ", stream.receivedLength)
}

func (c *http2Connection) handleSettings(f *http2.SettingsFrame) []httpEvent {
	err := f.ForeachSetting(func(setting http2.Setting) error {
		if err := setting.Valid(); err != nil {
			return err
		}
		switch setting.ID {
		case http2.SettingInitialWindowSize:
			delta := int64(setting.Val) - c.peerInitialWindow
			c.peerInitialWindow = int64(setting.Val)
			for _, stream := range c.streams {
				if stream.sendWindow+delta > C.HTTP2MaxWindowSize {
					return http2.ConnectionError(http2.ErrCodeFlowControl)
				}
				stream.sendWindow += delta
			}
		case http2.SettingMaxFrameSize:
			c.peerMaxFrameSize = setting.Val
		case http2.SettingHeaderTableSize:
			c.encoder.SetMaxDynamicTableSizeLimit(setting.Val)
		case http2.SettingMaxConcurrentStreams:
			c.peerMaxStreams = setting.Val
		}
		return nil
	})
	if err != nil {
		var connectionError http2.ConnectionError
		if errors.As(err, &connectionError) {
			return c.connectionError(http2.ErrCode(connectionError), "invalid SETTINGS")
		}
		return c.connectionError(http2.ErrCodeProtocol, "invalid SETTINGS")
	}
	_ = c.framer.WriteSettingsAck()
	for _, stream := range c.sortedStreams() {
		c.flushStream(stream)
	}
	return nil
}

func (c *http2Connection) handleWindowUpdate(f *http2.WindowUpdateFrame) []httpEvent {
	increment := int64(f.Increment)
	if f.StreamID == 0 {
		if c.sendWindow+increment > C.HTTP2MaxWindowSize {
			return c.connectionError(http2.ErrCodeFlowControl, "connection send window overflow")
		}
		c.sendWindow += increment
		for _, stream := range c.sortedStreams() {
			c.flushStream(stream)
		}
		return nil
	}
	stream := c.streams[f.StreamID]
	if stream == nil {
		return nil
	}
	if stream.sendWindow+increment > C.HTTP2MaxWindowSize {
		return c.resetStream(stream.id, http2.ErrCodeFlowControl, E.Extend(ErrResource, "stream send window overflow"))
	}
	stream.sendWindow += increment
	c.flushStream(stream)
	return nil
}

func (c *http2Connection) handleGoAway(f *http2.GoAwayFrame) []httpEvent {
	c.goingAway = true
	err := errorFromHTTP2Code(f.ErrCode, "connection closed by peer")
	var events []httpEvent
	for _, stream := range c.sortedStreams() {
		if f.ErrCode != http2.ErrCodeNo || (!c.server && stream.id > f.LastStreamID) {
			delete(c.streams, stream.id)
			events = append(events, c.errorEvent(stream.id, err))
		}
	}
	if len(c.streams) == 0 {
		c.closed = true
		c.pendingClose = true
	}
	return events
}

// resetStream fails a single stream and keeps the connection.
func (c *http2Connection) resetStream(id uint32, code http2.ErrCode, err error) []httpEvent {
	_ = c.framer.WriteRSTStream(id, code)
	stream := c.streams[id]
	if stream == nil {
		return []httpEvent{c.errorEvent(id, err)}
	}
	c.removeStream(stream)
	return []httpEvent{c.errorEvent(id, err)}
}

// connectionError sends GOAWAY and fails every open stream.
func (c *http2Connection) connectionError(code http2.ErrCode, message string) []httpEvent {
	_ = c.framer.WriteGoAway(c.lastPeerID, code, []byte(message))
	err := errorFromHTTP2Code(code, message)
	var events []httpEvent
	for _, stream := range c.sortedStreams() {
		events = append(events, c.errorEvent(stream.id, err))
	}
	if len(events) == 0 && c.server {
		events = append(events, RequestProtocolError{StreamID: 0, Err: err})
	}
	c.streams = make(map[uint32]*http2Stream)
	c.closed = true
	c.pendingClose = true
	return events
}

func (c *http2Connection) receiveClose() []httpEvent {
	if c.closed && len(c.streams) == 0 {
		return nil
	}
	var err error
	if c.server {
		err = errClientDisconnected
	} else {
		err = errServerDisconnected
	}
	var events []httpEvent
	for _, stream := range c.sortedStreams() {
		events = append(events, c.errorEvent(stream.id, err))
	}
	c.streams = make(map[uint32]*http2Stream)
	c.closed = true
	return events
}

func (c *http2Connection) sortedStreams() []*http2Stream {
	streams := make([]*http2Stream, 0, len(c.streams))
	for _, stream := range c.streams {
		streams = append(streams, stream)
	}
	sort.Slice(streams, func(i, j int) bool {
		return streams[i].id < streams[j].id
	})
	return streams
}

func (c *http2Connection) dataEvent(id uint32, data []byte) httpEvent {
	if c.server {
		return RequestData{StreamID: id, Data: data}
	}
	return ResponseData{StreamID: id, Data: data}
}

func (c *http2Connection) trailersEvent(id uint32, trailers flow.Headers) httpEvent {
	if c.server {
		return RequestTrailers{StreamID: id, Trailers: trailers}
	}
	return ResponseTrailers{StreamID: id, Trailers: trailers}
}

func (c *http2Connection) endEvent(id uint32) httpEvent {
	if c.server {
		return RequestEndOfMessage{StreamID: id}
	}
	return ResponseEndOfMessage{StreamID: id}
}

func (c *http2Connection) errorEvent(id uint32, err error) httpEvent {
	if c.server {
		return RequestProtocolError{StreamID: id, Err: err}
	}
	return ResponseProtocolError{StreamID: id, Err: err}
}
