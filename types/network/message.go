package network

// Message is one framed envelope on the wire.
type Message interface {
	Marshaler
	String() string
	Command() string
	Version() string
	// ID correlates a response with the request that caused it.
	ID() string
	Body() []byte
}

type Marshaler interface {
	Marshal() ([]byte, error)
}
