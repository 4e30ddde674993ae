package network

import "context"

type SocketServer interface {
	Listen(ctx context.Context) error
	Stop()
	Addr() string

	AddOnConnectedCallBack(callBack func(Connection))
	AddOnDisconnectedCallBack(callBack func(Connection))
}
