package accountsync

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"

	p_common "github.com/meta-node-blockchain/meta-spv/pkg/common"
	"github.com/meta-node-blockchain/meta-spv/pkg/logger"
	p_network "github.com/meta-node-blockchain/meta-spv/pkg/network"
	"github.com/meta-node-blockchain/meta-spv/pkg/protocol"
	spvtypes "github.com/meta-node-blockchain/meta-spv/types"
	"github.com/meta-node-blockchain/meta-spv/types/network"
)

type EventKind int

const (
	EventUpdate EventKind = iota
	EventFailure
)

type Event struct {
	Kind    EventKind
	Address common.Address
	State   *spvtypes.AccountState
	Err     error
}

type proofRequest struct {
	address common.Address
	header  *types.Header
}

// Syncer keeps the proved state of a set of accounts current with the last
// confirmed header. At most one proof request per address is in flight;
// headers confirmed meanwhile collapse into the latest one.
type Syncer struct {
	storage spvtypes.Storage
	feed    event.FeedOf[Event]
	log     log.Logger

	queue     network.TaskQueue
	addresses []common.Address
	states    map[common.Address]spvtypes.SyncState
	inflight  map[common.Address]*network.Task
	queued    map[common.Address]*types.Header
}

func NewSyncer(storage spvtypes.Storage, addresses ...common.Address) *Syncer {
	s := &Syncer{
		storage:  storage,
		log:      logger.New("module", "accountsync"),
		states:   make(map[common.Address]spvtypes.SyncState),
		inflight: make(map[common.Address]*network.Task),
		queued:   make(map[common.Address]*types.Header),
	}
	for _, addr := range addresses {
		s.Track(addr)
	}
	return s
}

func (s *Syncer) Capability() network.Capability { return network.CapabilityAccountProof }

func (s *Syncer) Subscribe(ch chan<- Event) event.Subscription {
	return s.feed.Subscribe(ch)
}

// Track adds address to the synchronized set.
func (s *Syncer) Track(address common.Address) {
	if _, ok := s.states[address]; ok {
		return
	}
	s.addresses = append(s.addresses, address)
	s.states[address] = spvtypes.NotSyncedState(nil)
}

func (s *Syncer) Addresses() []common.Address {
	return append([]common.Address(nil), s.addresses...)
}

func (s *Syncer) Start(queue network.TaskQueue) {
	s.queue = queue
}

// Reset forgets in-flight and coalesced requests and marks every address
// NotSynced with cause.
func (s *Syncer) Reset(cause error) {
	s.queue = nil
	clear(s.inflight)
	clear(s.queued)
	for _, addr := range s.addresses {
		s.states[addr] = spvtypes.NotSyncedState(cause)
	}
}

func (s *Syncer) State(address common.Address) spvtypes.SyncState {
	return s.states[address]
}

// AggregateState is the first failure in tracking order, else Syncing while
// any request is outstanding, else Synced once every address is.
func (s *Syncer) AggregateState() spvtypes.SyncState {
	syncing, synced := false, true
	for _, addr := range s.addresses {
		st := s.states[addr]
		if st.Failed() {
			return st
		}
		syncing = syncing || st.Kind == spvtypes.Syncing
		synced = synced && st.Kind == spvtypes.Synced
	}
	switch {
	case syncing:
		return spvtypes.SyncingState()
	case synced:
		return spvtypes.SyncedState()
	default:
		return spvtypes.NotSyncedState(nil)
	}
}

// Sync requests proofs of every tracked account against header.
func (s *Syncer) Sync(header *types.Header) {
	for _, addr := range s.addresses {
		if s.inflight[addr] != nil {
			s.queued[addr] = header
			continue
		}
		s.request(addr, header)
	}
}

func (s *Syncer) request(address common.Address, header *types.Header) {
	if s.queue == nil {
		return
	}
	body, err := protocol.Encode(&protocol.GetAccountProofPacket{
		Address:     address,
		BlockHash:   header.Hash(),
		BlockNumber: header.Number.Uint64(),
	})
	if err != nil {
		s.fail(address, err)
		return
	}
	task := network.NewTask(network.CapabilityAccountProof, p_common.GetAccountProof, body,
		proofRequest{address: address, header: header})
	if err := s.queue.Add(task); err != nil {
		s.fail(address, fmt.Errorf("accountsync: queue proof request: %w", err))
		return
	}
	s.inflight[address] = task
	s.states[address] = spvtypes.SyncingState()
	s.log.Debug("Requesting account proof", "address", address, "number", header.Number)
}

func (s *Syncer) OnTaskPerformed(task *network.Task, response network.Message) error {
	req := task.Context.(proofRequest)
	if s.inflight[req.address] != task {
		return nil
	}
	delete(s.inflight, req.address)
	defer s.next(req.address)

	packet, err := protocol.DecodeAccountProof(response.Body())
	if err != nil {
		s.fail(req.address, err)
		return err
	}
	account, err := VerifyAccountProof(req.header.Root, req.address, packet.Proof, packet.Leaf)
	if err != nil {
		s.fail(req.address, err)
		return err
	}

	if stored, err := s.storage.AccountState(req.address); err == nil && stored.BlockNumber > req.header.Number.Uint64() {
		// A newer proof already landed.
		s.states[req.address] = spvtypes.SyncedState()
		return nil
	}
	state := &spvtypes.AccountState{
		Address:     req.address,
		Balance:     account.Balance,
		Nonce:       account.Nonce,
		StorageRoot: account.Root,
		CodeHash:    common.BytesToHash(account.CodeHash),
		BlockNumber: req.header.Number.Uint64(),
		BlockHash:   req.header.Hash(),
		StateRoot:   req.header.Root,
	}
	if err := s.storage.SetAccountState(state); err != nil {
		err = fmt.Errorf("accountsync: persist account: %w", err)
		s.fail(req.address, err)
		return err
	}
	s.states[req.address] = spvtypes.SyncedState()
	s.log.Debug("Account proved", "address", req.address, "number", state.BlockNumber, "balance", state.Balance)
	s.feed.Send(Event{Kind: EventUpdate, Address: req.address, State: state})
	return nil
}

func (s *Syncer) OnTaskFailed(task *network.Task, err error) {
	req := task.Context.(proofRequest)
	if s.inflight[req.address] != task {
		return
	}
	delete(s.inflight, req.address)
	s.fail(req.address, fmt.Errorf("accountsync: proof request: %w", err))
	if !errors.Is(err, p_network.ErrConnectionLost) {
		s.next(req.address)
	}
}

func (s *Syncer) OnMessage(message network.Message) error {
	return fmt.Errorf("%w: %s", p_network.ErrUnhandledMessage, message.Command())
}

func (s *Syncer) next(address common.Address) {
	header, ok := s.queued[address]
	if !ok {
		return
	}
	delete(s.queued, address)
	s.request(address, header)
}

func (s *Syncer) fail(address common.Address, err error) {
	s.log.Warn("Account sync failed", "address", address, "err", err)
	s.states[address] = spvtypes.NotSyncedState(err)
	s.feed.Send(Event{Kind: EventFailure, Address: address, Err: err})
}

var _ network.TaskHandler = (*Syncer)(nil)
