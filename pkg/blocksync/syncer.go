package blocksync

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"

	p_common "github.com/meta-node-blockchain/meta-spv/pkg/common"
	"github.com/meta-node-blockchain/meta-spv/pkg/logger"
	"github.com/meta-node-blockchain/meta-spv/pkg/protocol"
	spvtypes "github.com/meta-node-blockchain/meta-spv/types"
	"github.com/meta-node-blockchain/meta-spv/types/network"
)

type State int

const (
	NotStarted State = iota
	RequestingHeaders
	Validating
	Synced
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case RequestingHeaders:
		return "requesting-headers"
	case Validating:
		return "validating"
	case Synced:
		return "synced"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type EventKind int

const (
	// EventUpdate carries the new tip after each persisted batch.
	EventUpdate EventKind = iota
	// EventSuccess carries the tip once the target height is reached.
	EventSuccess
	// EventFailure is sent once per failure episode.
	EventFailure
	EventStateChanged
)

type Event struct {
	Kind   EventKind
	Header *types.Header
	State  State
	Err    error
}

type Config struct {
	BatchSize uint64
	// Checkpoint is the trusted header synchronization starts from when the
	// store is empty.
	Checkpoint *types.Header
}

type request struct {
	origin uint64
	amount uint64
}

// Syncer drives header synchronization from the local tip to the best height
// the peer announced. It is driven by a single event loop and is not safe
// for concurrent use.
type Syncer struct {
	config    Config
	storage   spvtypes.Storage
	validator *Validator
	feed      event.FeedOf[Event]
	log       log.Logger

	queue    network.TaskQueue
	state    State
	err      error
	tip      *types.Header
	target   uint64
	inflight *network.Task
}

func NewSyncer(config Config, storage spvtypes.Storage, validator *Validator) (*Syncer, error) {
	if config.Checkpoint == nil || config.Checkpoint.Number == nil {
		return nil, errors.New("blocksync: checkpoint header is required")
	}
	if config.BatchSize == 0 || config.BatchSize > protocol.MaxHeadersServe {
		config.BatchSize = protocol.MaxHeadersServe
	}
	if validator == nil {
		validator = NewValidator(nil, 0)
	}
	return &Syncer{
		config:    config,
		storage:   storage,
		validator: validator,
		log:       logger.New("module", "blocksync"),
	}, nil
}

func (s *Syncer) Capability() network.Capability { return network.CapabilityHeaders }

func (s *Syncer) Subscribe(ch chan<- Event) event.Subscription {
	return s.feed.Subscribe(ch)
}

func (s *Syncer) State() State { return s.state }
func (s *Syncer) Err() error { return s.err }
func (s *Syncer) Target() uint64 { return s.target }
func (s *Syncer) Tip() *types.Header { return s.tip }
func (s *Syncer) Busy() bool { return s.inflight != nil }

// LoadTip returns the stored tip, persisting the checkpoint first when the
// store is empty.
func (s *Syncer) LoadTip() (*types.Header, error) {
	tip, err := s.storage.LastHeader()
	if errors.Is(err, spvtypes.ErrNotFound) {
		if err := s.storage.SaveHeaders([]*types.Header{s.config.Checkpoint}); err != nil {
			return nil, fmt.Errorf("blocksync: store checkpoint: %w", err)
		}
		s.log.Info("Initialized from checkpoint", "number", s.config.Checkpoint.Number, "hash", s.config.Checkpoint.Hash())
		return types.CopyHeader(s.config.Checkpoint), nil
	}
	if err != nil {
		return nil, err
	}
	return tip, nil
}

// Start begins synchronizing towards peerHeight over queue. It is called
// after every successful handshake.
func (s *Syncer) Start(queue network.TaskQueue, peerHeight uint64) error {
	tip, err := s.LoadTip()
	if err != nil {
		s.fail(err)
		return err
	}
	s.queue = queue
	s.tip = tip
	s.target = peerHeight
	s.err = nil
	s.inflight = nil
	s.log.Info("Header sync started", "tip", tip.Number, "target", peerHeight)
	s.advance()
	return nil
}

// Reset drops the in-flight request and returns to NotStarted. Accepted
// headers stay persisted.
func (s *Syncer) Reset() {
	s.queue = nil
	s.inflight = nil
	s.err = nil
	s.setState(NotStarted)
}

// Resume retries after a failure or looks for new headers after success.
func (s *Syncer) Resume() {
	if s.queue == nil || s.inflight != nil {
		return
	}
	if s.state != Failed && s.state != Synced {
		return
	}
	s.err = nil
	s.advance()
}

func (s *Syncer) advance() {
	if s.tip.Number.Uint64() >= s.target {
		s.setState(Synced)
		s.feed.Send(Event{Kind: EventSuccess, Header: s.tip, State: Synced})
		return
	}
	s.setState(RequestingHeaders)
	s.request()
}

func (s *Syncer) request() {
	origin := s.tip.Number.Uint64() + 1
	amount := s.target - s.tip.Number.Uint64()
	if amount > s.config.BatchSize {
		amount = s.config.BatchSize
	}
	body, err := protocol.Encode(&protocol.GetBlockHeadersPacket{Origin: origin, Amount: amount})
	if err != nil {
		s.fail(err)
		return
	}
	task := network.NewTask(network.CapabilityHeaders, p_common.GetBlockHeaders, body, request{origin: origin, amount: amount})
	if err := s.queue.Add(task); err != nil {
		s.fail(fmt.Errorf("blocksync: queue header request: %w", err))
		return
	}
	s.inflight = task
	s.log.Debug("Requesting headers", "origin", origin, "amount", amount)
}

func (s *Syncer) OnTaskPerformed(task *network.Task, response network.Message) error {
	if task != s.inflight {
		s.log.Debug("Ignoring stale header response", "id", task.ID)
		return nil
	}
	s.inflight = nil
	req := task.Context.(request)

	packet, err := protocol.DecodeBlockHeaders(response.Body())
	if err != nil {
		s.fail(err)
		return err
	}
	headers := packet.Headers
	if uint64(len(headers)) > req.amount {
		err := fmt.Errorf("%w: %d headers for a request of %d", ErrValidation, len(headers), req.amount)
		s.fail(err)
		return err
	}

	s.setState(Validating)
	if err := s.validator.ValidateBatch(s.tip, headers); err != nil {
		s.fail(err)
		return err
	}
	if err := s.storage.SaveHeaders(headers); err != nil {
		err = fmt.Errorf("blocksync: persist headers: %w", err)
		s.fail(err)
		return err
	}
	s.tip = headers[len(headers)-1]
	s.log.Info("Imported headers", "count", len(headers), "number", s.tip.Number, "hash", s.tip.Hash(), "target", s.target)
	s.feed.Send(Event{Kind: EventUpdate, Header: s.tip, State: Validating})
	s.advance()
	return nil
}

func (s *Syncer) OnTaskFailed(task *network.Task, err error) {
	if task != s.inflight {
		return
	}
	s.inflight = nil
	s.fail(fmt.Errorf("blocksync: header request: %w", err))
}

// OnMessage handles block announcements. A higher announced number raises
// the target and restarts requesting when the syncer is idle at its target.
func (s *Syncer) OnMessage(message network.Message) error {
	if message.Command() != p_common.NewBlock {
		return fmt.Errorf("%w: %s", protocol.ErrMalformedMessage, message.Command())
	}
	packet, err := protocol.DecodeNewBlock(message.Body())
	if err != nil {
		return err
	}
	if packet.Number <= s.target {
		return nil
	}
	s.log.Debug("New block announced", "number", packet.Number, "hash", packet.Hash)
	s.target = packet.Number
	if s.state == Synced && s.queue != nil && s.inflight == nil {
		s.advance()
	}
	return nil
}

func (s *Syncer) fail(err error) {
	if s.state == Failed {
		return
	}
	s.err = err
	s.log.Warn("Header sync failed", "tip", s.tipNumber(), "err", err)
	s.setState(Failed)
	s.feed.Send(Event{Kind: EventFailure, State: Failed, Err: err})
}

func (s *Syncer) setState(state State) {
	if s.state == state {
		return
	}
	s.state = state
	s.feed.Send(Event{Kind: EventStateChanged, State: state, Err: s.err})
}

func (s *Syncer) tipNumber() uint64 {
	if s.tip == nil {
		return 0
	}
	return s.tip.Number.Uint64()
}

var _ network.TaskHandler = (*Syncer)(nil)
