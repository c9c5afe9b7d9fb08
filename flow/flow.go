package flow

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Record is implemented by every flow kind through the embedded Flow.
type Record interface {
	Base() *Flow
}

type Flow struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	Timestamp  time.Time   `json:"timestamp_created"`
	Connection *Connection `json:"connection"`
	Error      *Error      `json:"error,omitempty"`
	Live       bool        `json:"live"`
}

func newFlow(flowType string, connection *Connection) Flow {
	return Flow{
		ID:         uuid.Must(uuid.NewV4()).String(),
		Type:       flowType,
		Timestamp:  time.Now(),
		Connection: connection,
		Live:       true,
	}
}

func (f *Flow) Base() *Flow {
	return f
}

// SetError records the terminal error. The first error wins.
func (f *Flow) SetError(kind ErrorKind, message string) {
	if f.Error != nil {
		return
	}
	f.Error = &Error{
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func (f *Flow) Kill() {
	f.SetError(ErrorKindKilled, KilledMessage)
}

func (f *Flow) Killed() bool {
	return f.Error != nil && f.Error.Kind == ErrorKindKilled
}

// Finish freezes the connection snapshot; only Error may change afterwards.
func (f *Flow) Finish() {
	f.Live = false
	f.Connection = f.Connection.Snapshot()
}
