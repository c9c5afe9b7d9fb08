package flow

import (
	"time"

	M "github.com/sagernet/sing/common/metadata"

	"github.com/gofrs/uuid/v5"
)

type TLSState uint8

const (
	TLSNone TLSState = iota
	TLSHandshaking
	TLSEstablished
	TLSFailed
)

func (s TLSState) String() string {
	switch s {
	case TLSHandshaking:
		return "handshaking"
	case TLSEstablished:
		return "established"
	case TLSFailed:
		return "failed"
	default:
		return "none"
	}
}

// Endpoint is one side of a proxied connection. Layers and the driver compare
// endpoints by pointer.
type Endpoint struct {
	ID             string      `json:"id"`
	Address        M.Socksaddr `json:"address"`
	Open           bool        `json:"open"`
	TLS            TLSState    `json:"tls"`
	SNI            string      `json:"sni,omitempty"`
	ALPN           string      `json:"alpn,omitempty"`
	ALPNOffers     []string    `json:"alpn_offers,omitempty"`
	TLSVersion     string      `json:"tls_version,omitempty"`
	CipherSuite    string      `json:"cipher,omitempty"`
	JA3            string      `json:"ja3,omitempty"`
	Error          string      `json:"error,omitempty"`
	TimestampStart time.Time   `json:"timestamp_start"`
	TimestampEnd   time.Time   `json:"timestamp_end,omitempty"`
}

func NewEndpoint(address M.Socksaddr) *Endpoint {
	return &Endpoint{
		ID:      uuid.Must(uuid.NewV4()).String(),
		Address: address,
	}
}

func (e *Endpoint) Established() bool {
	return e.TLS == TLSEstablished
}

func (e *Endpoint) Snapshot() *Endpoint {
	if e == nil {
		return nil
	}
	snapshot := *e
	snapshot.ALPNOffers = append([]string(nil), e.ALPNOffers...)
	return &snapshot
}

// Connection is the ordered pair of client and server endpoints a flow
// travelled over.
type Connection struct {
	Client *Endpoint `json:"client"`
	Server *Endpoint `json:"server"`
}

func (c *Connection) Snapshot() *Connection {
	if c == nil {
		return nil
	}
	return &Connection{
		Client: c.Client.Snapshot(),
		Server: c.Server.Snapshot(),
	}
}
