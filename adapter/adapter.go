package adapter

type Lifecycle interface {
	Start() error
	Close() error
}

type Service interface {
	Lifecycle
	Type() string
	Tag() string
}
