package network

type ConnectionsManager interface {
	AddConnection(Connection)
	RemoveConnection(Connection)
	Connections() []Connection
	Count() int
}
