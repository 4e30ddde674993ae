package network

type MessageSender interface {
	SendMessage(connection Connection, command string, packet interface{}) error
	Reply(request Request, command string, packet interface{}) error
	BroadcastMessage(connections []Connection, command string, packet interface{}) error
}
