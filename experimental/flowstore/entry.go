package flowstore

import "github.com/sagernet/sing-mitm/flow"

type requestEntry struct {
	*flow.Request
	Headers  [][2]string `json:"headers"`
	Trailers [][2]string `json:"trailers,omitempty"`
	Content  []byte      `json:"content,omitempty"`
}

type responseEntry struct {
	*flow.Response
	Headers  [][2]string `json:"headers"`
	Trailers [][2]string `json:"trailers,omitempty"`
	Content  []byte      `json:"content,omitempty"`
}

type httpEntry struct {
	*flow.HTTPFlow
	Request  *requestEntry  `json:"request"`
	Response *responseEntry `json:"response,omitempty"`
}

type websocketEntry struct {
	*flow.WebSocketFlow
	Handshake *httpEntry     `json:"handshake"`
	Messages  []flow.Message `json:"messages"`
}

// newEntry flattens headers, which flow types keep out of their JSON form,
// and drops bodies unless storeBody is set.
func newEntry(record flow.Record, storeBody bool) any {
	switch typedFlow := record.(type) {
	case *flow.HTTPFlow:
		return newHTTPEntry(typedFlow, storeBody)
	case *flow.WebSocketFlow:
		entry := &websocketEntry{
			WebSocketFlow: typedFlow,
			Handshake:     newHTTPEntry(typedFlow.Handshake, storeBody),
			Messages:      make([]flow.Message, 0, len(typedFlow.Messages)),
		}
		for _, message := range typedFlow.Messages {
			stored := *message
			if !storeBody {
				stored.Content = nil
			}
			entry.Messages = append(entry.Messages, stored)
		}
		return entry
	default:
		return record
	}
}

func newHTTPEntry(httpFlow *flow.HTTPFlow, storeBody bool) *httpEntry {
	if httpFlow == nil {
		return nil
	}
	entry := &httpEntry{HTTPFlow: httpFlow}
	if request := httpFlow.Request; request != nil {
		entry.Request = &requestEntry{
			Request:  request,
			Headers:  headerPairs(&request.Headers),
			Trailers: headerPairs(request.Trailers),
		}
		if storeBody {
			entry.Request.Content = request.Body
		}
	}
	if response := httpFlow.Response; response != nil {
		entry.Response = &responseEntry{
			Response: response,
			Headers:  headerPairs(&response.Headers),
			Trailers: headerPairs(response.Trailers),
		}
		if storeBody {
			entry.Response.Content = response.Body
		}
	}
	return entry
}

func headerPairs(headers *flow.Headers) [][2]string {
	if headers == nil {
		return nil
	}
	fields := headers.Fields()
	pairs := make([][2]string, 0, len(fields))
	for _, field := range fields {
		pairs = append(pairs, [2]string{field.Name, field.Value})
	}
	return pairs
}
