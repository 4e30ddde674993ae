// Package lightclient composes the peer connection, the header and account
// syncers and the transaction sender into one client with a single coherent
// state.
package lightclient

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/meta-node-blockchain/meta-spv/pkg/accountsync"
	"github.com/meta-node-blockchain/meta-spv/pkg/blocksync"
	p_common "github.com/meta-node-blockchain/meta-spv/pkg/common"
	"github.com/meta-node-blockchain/meta-spv/pkg/logger"
	"github.com/meta-node-blockchain/meta-spv/pkg/metrics"
	p_network "github.com/meta-node-blockchain/meta-spv/pkg/network"
	"github.com/meta-node-blockchain/meta-spv/pkg/protocol"
	"github.com/meta-node-blockchain/meta-spv/pkg/txsender"
	spvtypes "github.com/meta-node-blockchain/meta-spv/types"
	"github.com/meta-node-blockchain/meta-spv/types/network"
)

var (
	ErrStopped  = errors.New("lightclient: stopped")
	ErrNoSigner = errors.New("lightclient: no signer configured")
)

// component event buffers; the loop drains them after every step.
const eventBuffer = 1024

// BalanceUpdate is published whenever a proved account state is stored.
type BalanceUpdate struct {
	Address     common.Address
	Balance     *uint256.Int
	Nonce       uint64
	BlockNumber uint64
}

type (
	cmdStart   struct{}
	cmdStop    struct{ done chan struct{} }
	cmdRefresh struct{}
)

// Client is a light client bound to one peer at a time. Every mutation
// driven by the peer happens on the loop goroutine; exported methods are safe
// for concurrent use.
type Client struct {
	opts    Options
	storage spvtypes.Storage
	rpc     Fallback
	metrics *metrics.Metrics
	log     log.Logger

	dispatcher *p_network.Dispatcher
	handshake  *handshake
	headers    *blocksync.Syncer
	accounts   *accountsync.Syncer
	sender     *txsender.Sender

	headerEvents  chan blocksync.Event
	accountEvents chan accountsync.Event

	heightFeed  event.FeedOf[uint64]
	balanceFeed event.FeedOf[BalanceUpdate]
	stateFeed   event.FeedOf[spvtypes.SyncState]

	cmds   chan interface{}
	quit   chan struct{}
	closed chan struct{}
	once   sync.Once

	connMu sync.RWMutex
	conn   *p_network.Connection

	stateMu sync.RWMutex
	state   spvtypes.SyncState

	// loop goroutine only
	running    bool
	handshaken bool
	peerErr    error
	provedHash common.Hash
	backoff    time.Duration
	retry      *time.Timer
	stopping   []chan struct{}
}

// New builds a client from opts and starts its event loop. Nothing is
// dialed until Start.
func New(opts Options) (*Client, error) {
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}
	headers, err := blocksync.NewSyncer(blocksync.Config{
		BatchSize:  opts.BatchSize,
		Checkpoint: opts.Checkpoint,
	}, opts.Storage, opts.Validator)
	if err != nil {
		return nil, err
	}

	c := &Client{
		opts:          opts,
		storage:       opts.Storage,
		rpc:           opts.RPC,
		metrics:       opts.Metrics,
		log:           logger.New("module", "lightclient"),
		dispatcher:    p_network.NewDispatcher(),
		headers:       headers,
		accounts:      accountsync.NewSyncer(opts.Storage, opts.Addresses...),
		headerEvents:  make(chan blocksync.Event, eventBuffer),
		accountEvents: make(chan accountsync.Event, eventBuffer),
		cmds:          make(chan interface{}, 16),
		quit:          make(chan struct{}),
		closed:        make(chan struct{}),
		state:         spvtypes.NotSyncedState(nil),
		backoff:       opts.Network.ReconnectBackoff,
	}
	c.handshake = &handshake{
		networkID: opts.NetworkID,
		genesis:   opts.Genesis,
		onAccept:  c.onHandshake,
		onReject:  c.onHandshakeRejected,
	}
	if opts.Signer != nil {
		c.accounts.Track(opts.Signer.Address())
		c.sender = txsender.NewSender(opts.Storage, opts.Builder, opts.Signer)
	}

	if err := errors.Join(
		c.dispatcher.Register(c.handshake),
		c.dispatcher.Register(c.headers, p_common.NewBlock),
		c.dispatcher.Register(c.accounts),
	); err != nil {
		return nil, err
	}
	if c.sender != nil {
		if err := c.dispatcher.Register(c.sender); err != nil {
			return nil, err
		}
	}
	c.headers.Subscribe(c.headerEvents)
	c.accounts.Subscribe(c.accountEvents)

	go c.loop()
	return c, nil
}

// Start connects to the next peer and keeps reconnecting until Stop.
func (c *Client) Start() { c.post(cmdStart{}) }

// Stop drops the peer and waits until every in-flight task has failed.
func (c *Client) Stop() {
	done := make(chan struct{})
	if c.post(cmdStop{done: done}) {
		select {
		case <-done:
		case <-c.closed:
		}
	}
}

// Refresh retries a failed header sync, re-proves the tracked accounts and,
// while disconnected, reconnects without waiting for the backoff.
func (c *Client) Refresh() { c.post(cmdRefresh{}) }

// Close stops the client and its event loop. Storage is left open.
func (c *Client) Close() {
	c.Stop()
	c.once.Do(func() { close(c.quit) })
	<-c.closed
}

func (c *Client) post(cmd interface{}) bool {
	select {
	case c.cmds <- cmd:
		return true
	case <-c.closed:
		return false
	}
}

// Send signs raw with the configured signer and submits it to the peer.
// The returned channel yields exactly one Result and is then closed.
func (c *Client) Send(raw *txsender.RawTransaction) <-chan txsender.Result {
	if c.sender == nil {
		ch := make(chan txsender.Result, 1)
		ch <- txsender.Result{Err: ErrNoSigner}
		close(ch)
		return ch
	}
	in := c.sender.Send(c.sender.NextID(), liveQueue{c}, raw)
	c.metrics.PendingSends.Set(float64(c.sender.Pending()))

	out := make(chan txsender.Result, 1)
	go func() {
		result := <-in
		if result.Err != nil {
			c.metrics.Sends.WithLabelValues("failed").Inc()
		} else {
			c.metrics.Sends.WithLabelValues("accepted").Inc()
		}
		c.metrics.PendingSends.Set(float64(c.sender.Pending()))
		out <- result
		close(out)
	}()
	return out
}

// liveQueue adds tasks to whichever connection is current.
type liveQueue struct{ c *Client }

func (q liveQueue) Add(task *network.Task) error {
	conn := q.c.connection()
	if conn == nil {
		return p_network.ErrDisconnected
	}
	return conn.Add(task)
}

func (c *Client) connection() *p_network.Connection {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

func (c *Client) setConnection(conn *p_network.Connection) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

// Balance returns the last proved balance of address.
func (c *Client) Balance(address common.Address) (*uint256.Int, error) {
	state, err := c.storage.AccountState(address)
	if err != nil {
		return nil, err
	}
	return state.Balance, nil
}

// AccountState returns the last proved state of address.
func (c *Client) AccountState(address common.Address) (*spvtypes.AccountState, error) {
	return c.storage.AccountState(address)
}

// LastBlockHeight returns the number of the last confirmed header.
func (c *Client) LastBlockHeight() (uint64, error) {
	header, err := c.storage.LastHeader()
	if err != nil {
		return 0, err
	}
	return header.Number.Uint64(), nil
}

func (c *Client) SyncState() spvtypes.SyncState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// The subscriptions below are fed from the event loop, which waits for
// every subscriber to take the value. Subscribers must keep reading.

func (c *Client) SubscribeLastBlockHeight(ch chan<- uint64) event.Subscription {
	return c.heightFeed.Subscribe(ch)
}

func (c *Client) SubscribeBalance(ch chan<- BalanceUpdate) event.Subscription {
	return c.balanceFeed.Subscribe(ch)
}

func (c *Client) SubscribeSyncState(ch chan<- spvtypes.SyncState) event.Subscription {
	return c.stateFeed.Subscribe(ch)
}

func (c *Client) loop() {
	defer close(c.closed)
	for {
		var (
			events <-chan network.Event
			retry  <-chan time.Time
		)
		if c.conn != nil {
			events = c.conn.Events()
		}
		if c.retry != nil {
			retry = c.retry.C
		}

		select {
		case ev := <-events:
			c.handleEvent(ev)
		case <-retry:
			c.retry = nil
			c.connect()
		case cmd := <-c.cmds:
			c.handleCommand(cmd)
		case <-c.quit:
			c.cancelRetry()
			if c.conn != nil {
				c.conn.Close()
				c.setConnection(nil)
			}
			return
		}
		c.drain()
		c.updateState()
		c.finishStop()
	}
}

func (c *Client) handleCommand(cmd interface{}) {
	switch v := cmd.(type) {
	case cmdStart:
		if c.running {
			return
		}
		c.running = true
		c.backoff = c.opts.Network.ReconnectBackoff
		c.connect()

	case cmdStop:
		c.running = false
		c.cancelRetry()
		c.stopping = append(c.stopping, v.done)
		if c.conn != nil {
			c.conn.Disconnect(ErrStopped)
		}

	case cmdRefresh:
		switch {
		case c.handshaken:
			c.headers.Resume()
			if tip := c.headers.Tip(); tip != nil {
				c.provedHash = common.Hash{}
				c.syncAccounts(tip)
			}
		case c.running && c.conn == nil:
			c.cancelRetry()
			c.connect()
		}
	}
}

func (c *Client) connect() {
	addr, err := c.opts.Peers.Next()
	if err != nil {
		c.log.Error("No peer to connect to", "err", err)
		c.peerErr = err
		c.scheduleRetry()
		return
	}
	conn := p_network.NewConnection(addr, c.opts.Transport, c.opts.Network)
	c.setConnection(conn)
	c.log.Info("Connecting to peer", "peer", addr)
	conn.Connect()
}

func (c *Client) scheduleRetry() {
	if !c.running || c.retry != nil {
		return
	}
	delay := c.backoff
	c.backoff *= 2
	if limit := c.opts.Network.MaxReconnectBackoff; c.backoff > limit {
		c.backoff = limit
	}
	c.log.Debug("Reconnecting later", "delay", delay)
	c.retry = time.NewTimer(delay)
}

func (c *Client) cancelRetry() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *Client) handleEvent(ev network.Event) {
	switch ev.Kind {
	case network.EventConnected:
		c.peerErr = nil
		tip, err := c.headers.LoadTip()
		if err == nil {
			err = c.handshake.start(c.conn, tip)
		}
		if err != nil {
			c.log.Error("Handshake not sent", "err", err)
			c.conn.Disconnect(err)
		}

	case network.EventDisconnected:
		c.onDisconnected(ev.Err)

	default:
		if ev.Kind == network.EventTaskFailed && errors.Is(ev.Err, p_network.ErrTimeout) {
			c.metrics.TaskTimeouts.Inc()
		}
		if err := c.dispatcher.Dispatch(ev); err != nil {
			c.log.Debug("Dispatch failed", "event", ev.Kind, "err", err)
		}
	}
}

func (c *Client) onHandshake(packet *protocol.HandshakePacket) {
	c.handshaken = true
	c.backoff = c.opts.Network.ReconnectBackoff
	c.metrics.PeerHeight.Set(float64(packet.HeadNumber))
	c.log.Info("Handshake complete", "peer", c.conn.RemoteAddr(), "head", packet.HeadNumber, "hash", packet.HeadHash)

	c.accounts.Start(c.conn)
	if err := c.headers.Start(c.conn, packet.HeadNumber); err != nil {
		return
	}
	c.provedHash = common.Hash{}
	c.syncAccounts(c.headers.Tip())
}

func (c *Client) onHandshakeRejected(err error) {
	c.log.Warn("Handshake rejected", "peer", c.conn.RemoteAddr(), "err", err)
	c.conn.Disconnect(err)
}

func (c *Client) onDisconnected(cause error) {
	c.log.Info("Peer disconnected", "peer", c.conn.RemoteAddr(), "cause", cause)
	c.conn.Close()
	c.setConnection(nil)

	c.handshaken = false
	c.peerErr = cause
	c.handshake.reset()
	c.headers.Reset()
	c.accounts.Reset(cause)

	c.scheduleRetry()
}

// finishStop releases Stop callers once the peer is gone and the state
// reflects it.
func (c *Client) finishStop() {
	if c.conn != nil || len(c.stopping) == 0 {
		return
	}
	if c.sender != nil {
		c.sender.FailAll(ErrStopped)
	}
	for _, done := range c.stopping {
		close(done)
	}
	c.stopping = nil
}

// syncAccounts proves the tracked accounts against header unless that was
// already requested.
func (c *Client) syncAccounts(header *types.Header) {
	if header == nil || header.Hash() == c.provedHash {
		return
	}
	c.provedHash = header.Hash()
	c.accounts.Sync(header)
}

// drain handles component events until none are left. Handling one may
// produce more.
func (c *Client) drain() {
	for {
		select {
		case ev := <-c.headerEvents:
			c.handleHeaderEvent(ev)
		case ev := <-c.accountEvents:
			c.handleAccountEvent(ev)
		default:
			return
		}
	}
}

func (c *Client) handleHeaderEvent(ev blocksync.Event) {
	switch ev.Kind {
	case blocksync.EventUpdate:
		number := ev.Header.Number.Uint64()
		c.metrics.HeaderHeight.Set(float64(number))
		c.metrics.HeaderBatches.Inc()
		c.heightFeed.Send(number)
		c.syncAccounts(ev.Header)
	case blocksync.EventSuccess:
		c.syncAccounts(ev.Header)
	case blocksync.EventFailure:
		if errors.Is(ev.Err, blocksync.ErrValidation) {
			c.metrics.ValidationFailures.Inc()
		}
	}
}

func (c *Client) handleAccountEvent(ev accountsync.Event) {
	switch ev.Kind {
	case accountsync.EventUpdate:
		c.metrics.ProofsVerified.Inc()
		c.balanceFeed.Send(BalanceUpdate{
			Address:     ev.Address,
			Balance:     ev.State.Balance.Clone(),
			Nonce:       ev.State.Nonce,
			BlockNumber: ev.State.BlockNumber,
		})
	case accountsync.EventFailure:
		if errors.Is(ev.Err, accountsync.ErrProofVerification) {
			c.metrics.ProofFailures.Inc()
		}
	}
}

// aggregate folds the component states into the client state. Precedence:
// header failure, account failure, no usable peer, syncing, synced.
func (c *Client) aggregate() spvtypes.SyncState {
	if c.headers.State() == blocksync.Failed {
		return spvtypes.NotSyncedState(c.headers.Err())
	}
	accounts := c.accounts.AggregateState()
	if accounts.Failed() {
		return accounts
	}
	if !c.handshaken {
		return spvtypes.NotSyncedState(c.peerErr)
	}
	switch {
	case c.headers.State() != blocksync.Synced:
		return spvtypes.SyncingState()
	case accounts.Kind != spvtypes.Synced:
		return spvtypes.SyncingState()
	}
	return spvtypes.SyncedState()
}

func (c *Client) updateState() {
	next := c.aggregate()
	c.stateMu.Lock()
	prev := c.state
	changed := prev.Kind != next.Kind || prev.Err != next.Err
	c.state = next
	c.stateMu.Unlock()
	if !changed {
		return
	}
	c.log.Info("Sync state changed", "from", prev, "to", next)
	c.stateFeed.Send(next)
}

func (c *Client) String() string {
	return fmt.Sprintf("Client[State: %v]", c.SyncState())
}
