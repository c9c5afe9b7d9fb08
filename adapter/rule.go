package adapter

type Rule interface {
	Match(metadata *InboundContext) bool
	String() string
}
