package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	p_common "github.com/meta-node-blockchain/meta-spv/pkg/common"
	"github.com/meta-node-blockchain/meta-spv/pkg/logger"
	"github.com/meta-node-blockchain/meta-spv/types/network"
)

// SocketServer accepts peer connections and feeds their requests to a fixed
// pool of workers. When the pool is saturated the request is answered with
// ServerBusy instead of queueing without bound.
type SocketServer struct {
	connectionsManager     network.ConnectionsManager
	listener               Listener
	handler                network.Handler
	sender                 *MessageSender
	config                 *Config
	ctx                    context.Context
	cancelFunc             context.CancelFunc
	mu                     sync.Mutex
	onConnectedCallBack    []func(connection network.Connection)
	onDisconnectedCallBack []func(connection network.Connection)
	requestChan            chan network.Request
	wg                     sync.WaitGroup
}

func NewSocketServer(
	cfg *Config,
	listener Listener,
	connectionsManager network.ConnectionsManager,
	handler network.Handler,
) (*SocketServer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if listener == nil {
		return nil, errors.New("NewSocketServer: listener cannot be nil")
	}
	if connectionsManager == nil {
		return nil, errors.New("NewSocketServer: connectionsManager cannot be nil")
	}
	if handler == nil {
		return nil, errors.New("NewSocketServer: handler cannot be nil")
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	return &SocketServer{
		config:             cfg,
		listener:           listener,
		connectionsManager: connectionsManager,
		handler:            handler,
		sender:             NewMessageSender(cfg.Version),
		ctx:                ctx,
		cancelFunc:         cancelFunc,
		requestChan:        make(chan network.Request, cfg.RequestChanSize),
	}, nil
}

func (s *SocketServer) startWorkerPool() {
	workerCount := s.config.HandlerWorkerPoolSize
	logger.Debug("Starting worker pool", "workers", workerCount)

	s.wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go func(workerID int) {
			defer s.wg.Done()
			for {
				select {
				case <-s.ctx.Done():
					return
				case request := <-s.requestChan:
					if err := s.handler.HandleRequest(request); err != nil {
						logger.Warn("Request failed",
							"worker", workerID,
							"peer", request.Connection().RemoteAddr(),
							"command", request.Message().Command(),
							"err", err,
						)
					}
				}
			}
		}(i)
	}
}

// HandleConnection pumps one connection's events until it disconnects or the
// server stops.
func (s *SocketServer) HandleConnection(conn network.Connection) {
	defer s.wg.Done()
	defer s.OnDisconnect(conn)
	defer conn.Close()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-conn.Events():
			switch ev.Kind {
			case network.EventInbound:
				request := NewRequest(conn, ev.Message)
				select {
				case s.requestChan <- request:
				default:
					logger.Warn("Request queue full, answering busy",
						"peer", conn.RemoteAddr(), "command", ev.Message.Command())
					_ = s.sender.Reply(request, p_common.ServerBusy, nil)
				}
			case network.EventDisconnected:
				logger.Info("Peer disconnected", "peer", conn.RemoteAddr(), "cause", ev.Err)
				return
			}
		}
	}
}

// Listen serves until ctx is cancelled, Stop is called or the listener fails.
func (s *SocketServer) Listen(ctx context.Context) error {
	s.startWorkerPool()
	go func() {
		select {
		case <-ctx.Done():
			s.cancelFunc()
		case <-s.ctx.Done():
		}
	}()
	logger.Info("Server listening", "address", s.listener.Addr())

	for {
		stream, remote, err := s.listener.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			logger.Warn("Error accepting connection", "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		conn, err := ConnectionFromStream(stream, remote, s.config)
		if err != nil {
			logger.Error("Error creating connection", "peer", remote, "err", err)
			_ = stream.Close()
			continue
		}
		logger.Info("Accepted connection", "peer", remote)
		s.OnConnect(conn)
		s.wg.Add(1)
		go s.HandleConnection(conn)
	}
}

func (s *SocketServer) Stop() {
	s.cancelFunc()
	_ = s.listener.Close()
	s.wg.Wait()
	logger.Info("Server stopped")
}

func (s *SocketServer) Addr() string { return s.listener.Addr() }

func (s *SocketServer) Sender() *MessageSender { return s.sender }

func (s *SocketServer) OnConnect(conn network.Connection) {
	s.connectionsManager.AddConnection(conn)
	s.mu.Lock()
	callBacks := append([]func(network.Connection){}, s.onConnectedCallBack...)
	s.mu.Unlock()
	for _, callBack := range callBacks {
		callBack(conn)
	}
}

func (s *SocketServer) OnDisconnect(conn network.Connection) {
	s.connectionsManager.RemoveConnection(conn)
	s.mu.Lock()
	callBacks := append([]func(network.Connection){}, s.onDisconnectedCallBack...)
	s.mu.Unlock()
	for _, callBack := range callBacks {
		callBack(conn)
	}
}

func (s *SocketServer) AddOnConnectedCallBack(callBack func(network.Connection)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnectedCallBack = append(s.onConnectedCallBack, callBack)
}

func (s *SocketServer) AddOnDisconnectedCallBack(callBack func(network.Connection)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnectedCallBack = append(s.onDisconnectedCallBack, callBack)
}

var _ network.SocketServer = (*SocketServer)(nil)
