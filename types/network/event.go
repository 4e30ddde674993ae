package network

type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventTaskPerformed
	EventTaskFailed
	EventInbound
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventTaskPerformed:
		return "task-performed"
	case EventTaskFailed:
		return "task-failed"
	case EventInbound:
		return "inbound"
	default:
		return "unknown"
	}
}

// Event is emitted by a Connection, in the order things happened on it.
//
//	EventConnected      -
//	EventDisconnected   Err is the cause
//	EventTaskPerformed  Task and its response Message
//	EventTaskFailed     Task and Err (timeout, connection lost, ...)
//	EventInbound        unsolicited Message
type Event struct {
	Kind    EventKind
	Task    *Task
	Message Message
	Err     error
}
