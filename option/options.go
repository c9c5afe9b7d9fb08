package option

import "github.com/sagernet/sing/common/json/badoption"

type Options struct {
	Schema    string            `json:"$schema,omitempty"`
	Log       *LogOptions       `json:"log,omitempty"`
	Inbounds  []InboundOptions  `json:"inbounds,omitempty"`
	MITM      MITMOptions       `json:"mitm"`
	FlowStore *FlowStoreOptions `json:"flow_store,omitempty"`
	Control   *ControlOptions   `json:"control,omitempty"`
}

type LogOptions struct {
	Disabled     bool   `json:"disabled,omitempty"`
	Level        string `json:"level,omitempty"`
	Output       string `json:"output,omitempty"`
	Format       string `json:"format,omitempty"`
	Timestamp    bool   `json:"timestamp,omitempty"`
	DisableColor bool   `json:"disable_color,omitempty"`
}

// InboundOptions configures a listener. Without a destination the listener
// is an explicit HTTP proxy; with one every connection goes there.
type InboundOptions struct {
	Tag         string `json:"tag,omitempty"`
	Listen      string `json:"listen,omitempty"`
	ListenPort  uint16 `json:"listen_port,omitempty"`
	Destination string `json:"destination,omitempty"`
}

type FlowStoreOptions struct {
	Enabled     bool               `json:"enabled,omitempty"`
	Path        string             `json:"path,omitempty"`
	MaxFlows    int                `json:"max_flows,omitempty"`
	StoreBody   bool               `json:"store_body,omitempty"`
	OpenTimeout badoption.Duration `json:"open_timeout,omitempty"`
}

type ControlOptions struct {
	Listen string `json:"listen,omitempty"`
	Secret string `json:"secret,omitempty"`
}
