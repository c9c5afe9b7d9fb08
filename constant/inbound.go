package constant

const (
	TypeMITM = "mitm"

	DefaultListenPort = 8080
)

const DefaultControlListen = "127.0.0.1:9090"
