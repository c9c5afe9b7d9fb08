package flow

type Verdict uint8

const (
	VerdictContinue Verdict = iota
	VerdictModify
	VerdictBlock
)

func (v Verdict) String() string {
	switch v {
	case VerdictModify:
		return "modify"
	case VerdictBlock:
		return "block"
	default:
		return "continue"
	}
}

// Decision is the outcome of an interception hook. Which payload field is
// read depends on the hook: Request or Response for the request hook,
// Response for the response hook, Chunk for the response chunk hook and
// Message for the websocket message hook.
type Decision struct {
	Verdict  Verdict
	Request  *Request
	Response *Response
	Chunk    []byte
	Message  []byte
}

func Continue() Decision {
	return Decision{}
}

func Block() Decision {
	return Decision{Verdict: VerdictBlock}
}

func ModifyRequest(request *Request) Decision {
	return Decision{Verdict: VerdictModify, Request: request}
}

func ModifyResponse(response *Response) Decision {
	return Decision{Verdict: VerdictModify, Response: response}
}

func ModifyChunk(chunk []byte) Decision {
	return Decision{Verdict: VerdictModify, Chunk: chunk}
}

func ModifyMessage(content []byte) Decision {
	return Decision{Verdict: VerdictModify, Message: content}
}
