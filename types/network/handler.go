package network

// TaskHandler owns one capability. It builds the tasks of that capability and
// interprets their outcomes and any unsolicited messages routed to it.
type TaskHandler interface {
	Capability() Capability
	OnTaskPerformed(task *Task, response Message) error
	OnTaskFailed(task *Task, err error)
	OnMessage(message Message) error
}

// Handler serves requests on the accepting side of a connection.
type Handler interface {
	HandleRequest(request Request) error
}
