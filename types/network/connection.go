package network

type Connection interface {
	// Connect starts dialing and returns immediately. The outcome arrives as
	// EventConnected or EventDisconnected.
	Connect()
	// Disconnect drops the session. Every pending task fails first.
	Disconnect(cause error)
	// Add queues a task. Tasks are written in the order they were added.
	Add(task *Task) error
	// Send writes a message that expects no response.
	Send(message Message) error
	Events() <-chan Event
	IsConnected() bool
	RemoteAddr() string
	// Close disconnects and stops the connection for good.
	Close()
}

// TaskQueue is the part of a Connection handlers need.
type TaskQueue interface {
	Add(task *Task) error
}
