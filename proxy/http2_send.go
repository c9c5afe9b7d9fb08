package proxy

import (
	"net/http"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

func (c *http2Connection) send(event httpEvent) []Command {
	if c.closed {
		return nil
	}
	if c.server {
		c.sendResponse(event)
	} else {
		c.sendRequest(event)
	}
	return c.flush()
}

func (c *http2Connection) sendResponse(event httpEvent) {
	stream := c.streams[event.streamID()]
	if stream == nil || stream.localEnded {
		return
	}
	switch e := event.(type) {
	case ResponseHeaders:
		if stream.headersSent {
			return
		}
		stream.headersSent = true
		c.writeHeaders(stream.id, http2ResponseFields(e.Response), e.EndStream)
		if e.EndStream {
			c.endLocal(stream)
		}
	case ResponseData:
		c.queue(stream, http2Outgoing{data: e.Data})
	case ResponseTrailers:
		trailers := e.Trailers
		c.queue(stream, http2Outgoing{trailers: &trailers})
	case ResponseEndOfMessage:
		c.queue(stream, http2Outgoing{end: true})
	case ResponseProtocolError:
		if stream.headersSent || e.Code == 0 {
			c.reset(stream, http2CodeFromError(e.Err))
			return
		}
		response := errorResponse(e.Code, e.Err)
		stream.headersSent = true
		stream.abandon = !stream.remoteEnded
		c.writeHeaders(stream.id, http2ResponseFields(response), false)
		c.queue(stream, http2Outgoing{data: response.Body})
		c.queue(stream, http2Outgoing{end: true})
	}
}

func (c *http2Connection) sendRequest(event httpEvent) {
	if e, isHeaders := event.(RequestHeaders); isHeaders {
		if e.StreamID <= c.lastLocalID || e.StreamID%2 == 0 {
			return
		}
		c.lastLocalID = e.StreamID
		stream := c.newStream(e.StreamID)
		stream.headersSent = true
		stream.headRequest = e.Request.Method == http.MethodHead
		c.writeHeaders(stream.id, http2RequestFields(e.Request), e.EndStream)
		if e.EndStream {
			c.endLocal(stream)
		}
		return
	}
	stream := c.streams[event.streamID()]
	if stream == nil || stream.localEnded {
		return
	}
	switch e := event.(type) {
	case RequestData:
		c.queue(stream, http2Outgoing{data: e.Data})
	case RequestTrailers:
		trailers := e.Trailers
		c.queue(stream, http2Outgoing{trailers: &trailers})
	case RequestEndOfMessage:
		c.queue(stream, http2Outgoing{end: true})
	case RequestProtocolError:
		c.reset(stream, http2.ErrCodeCancel)
	}
}

func (c *http2Connection) queue(stream *http2Stream, outgoing http2Outgoing) {
	if outgoing.data != nil && len(outgoing.data) == 0 {
		return
	}
	stream.pending = append(stream.pending, outgoing)
	c.flushStream(stream)
}

// flushStream writes queued frames as far as the flow-control windows allow.
func (c *http2Connection) flushStream(stream *http2Stream) {
	for len(stream.pending) > 0 && !stream.localEnded {
		outgoing := &stream.pending[0]
		switch {
		case outgoing.trailers != nil:
			c.writeHeaders(stream.id, http2TrailerFields(outgoing.trailers), true)
			stream.pending = nil
			c.endLocal(stream)
			return
		case outgoing.end:
			_ = c.framer.WriteData(stream.id, true, nil)
			stream.pending = nil
			c.endLocal(stream)
			return
		}
		size := int64(len(outgoing.data))
		if size > c.sendWindow {
			size = c.sendWindow
		}
		if size > stream.sendWindow {
			size = stream.sendWindow
		}
		if size > int64(c.peerMaxFrameSize) {
			size = int64(c.peerMaxFrameSize)
		}
		if size <= 0 {
			return
		}
		_ = c.framer.WriteData(stream.id, false, outgoing.data[:size])
		c.sendWindow -= size
		stream.sendWindow -= size
		outgoing.data = outgoing.data[size:]
		if len(outgoing.data) == 0 {
			stream.pending = stream.pending[1:]
		}
	}
}

func (c *http2Connection) endLocal(stream *http2Stream) {
	stream.localEnded = true
	if stream.abandon && !stream.remoteEnded {
		_ = c.framer.WriteRSTStream(stream.id, http2.ErrCodeNo)
		c.removeStream(stream)
		return
	}
	c.maybeRemove(stream)
}

func (c *http2Connection) reset(stream *http2Stream, code http2.ErrCode) {
	_ = c.framer.WriteRSTStream(stream.id, code)
	c.removeStream(stream)
}

// writeHeaders encodes a header block and splits it into HEADERS and
// CONTINUATION frames.
func (c *http2Connection) writeHeaders(streamID uint32, fields []hpack.HeaderField, endStream bool) {
	c.headerBuffer.Reset()
	for _, field := range fields {
		_ = c.encoder.WriteField(field)
	}
	block := c.headerBuffer.Bytes()
	maxSize := int(c.peerMaxFrameSize)
	first := block
	if len(first) > maxSize {
		first = first[:maxSize]
	}
	block = block[len(first):]
	_ = c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: first,
		EndStream:     endStream,
		EndHeaders:    len(block) == 0,
	})
	for len(block) > 0 {
		fragment := block
		if len(fragment) > maxSize {
			fragment = fragment[:maxSize]
		}
		block = block[len(fragment):]
		_ = c.framer.WriteContinuation(streamID, len(block) == 0, fragment)
	}
}
