package txsender

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	p_common "github.com/meta-node-blockchain/meta-spv/pkg/common"
	"github.com/meta-node-blockchain/meta-spv/pkg/logger"
	"github.com/meta-node-blockchain/meta-spv/pkg/protocol"
	spvtypes "github.com/meta-node-blockchain/meta-spv/types"
	"github.com/meta-node-blockchain/meta-spv/types/network"
)

var (
	ErrNoAccountState = errors.New("txsender: account state not synchronized yet")
	ErrSendRejected   = errors.New("txsender: transaction rejected by peer")
	ErrDuplicateSend  = errors.New("txsender: send id already pending")
)

// RawTransaction is what a caller wants to send. Nonce and signature are
// filled in by the sender.
type RawTransaction struct {
	To       *common.Address
	Value    *big.Int
	Data     []byte
	Gas      uint64
	GasPrice *big.Int
}

// Result resolves one send. Exactly one Result is delivered per send id.
type Result struct {
	SendID uint64
	Tx     *types.Transaction
	Err    error
}

type sendContext struct {
	sendID uint64
	tx     *types.Transaction
}

// Sender submits transactions and matches acknowledgments to the caller.
// Send is safe for concurrent use; task outcomes arrive from the event loop.
type Sender struct {
	storage spvtypes.Storage
	builder Builder
	signer  Signer
	log     log.Logger

	lastID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Result
	// nonces holds the next nonce to use per account, ahead of the proved
	// state while sends are unconfirmed.
	nonces map[common.Address]uint64
}

func NewSender(storage spvtypes.Storage, builder Builder, signer Signer) *Sender {
	return &Sender{
		storage: storage,
		builder: builder,
		signer:  signer,
		log:     logger.New("module", "txsender"),
		pending: make(map[uint64]chan Result),
		nonces:  make(map[common.Address]uint64),
	}
}

func (s *Sender) Capability() network.Capability { return network.CapabilityTransaction }

// NextID returns a send id unique for the lifetime of the sender.
func (s *Sender) NextID() uint64 {
	return s.lastID.Add(1)
}

// Pending returns the number of unresolved sends.
func (s *Sender) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Send builds and signs raw, queues it on queue and returns the channel its
// Result will arrive on. Failures before the transaction reaches the queue
// resolve the channel immediately. The channel is closed after the Result.
func (s *Sender) Send(sendID uint64, queue network.TaskQueue, raw *RawTransaction) <-chan Result {
	ch := make(chan Result, 1)

	s.mu.Lock()
	if _, dup := s.pending[sendID]; dup {
		s.mu.Unlock()
		ch <- Result{SendID: sendID, Err: fmt.Errorf("%w: %d", ErrDuplicateSend, sendID)}
		close(ch)
		return ch
	}
	s.pending[sendID] = ch
	s.mu.Unlock()

	tx, err := s.prepare(raw)
	if err != nil {
		s.OnSendFailure(sendID, err)
		return ch
	}
	body, err := protocol.Encode(&protocol.SendTransactionPacket{Tx: mustMarshal(tx)})
	if err != nil {
		s.release(tx)
		s.OnSendFailure(sendID, err)
		return ch
	}
	task := network.NewTask(network.CapabilityTransaction, p_common.SendTransaction, body, sendContext{sendID: sendID, tx: tx})
	if err := queue.Add(task); err != nil {
		s.release(tx)
		s.OnSendFailure(sendID, fmt.Errorf("txsender: queue transaction: %w", err))
		return ch
	}
	s.log.Debug("Transaction queued", "send", sendID, "hash", tx.Hash(), "nonce", tx.Nonce())
	return ch
}

func (s *Sender) prepare(raw *RawTransaction) (*types.Transaction, error) {
	if raw == nil {
		return nil, errors.New("txsender: nil transaction")
	}
	from := s.signer.Address()
	state, err := s.storage.AccountState(from)
	if errors.Is(err, spvtypes.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoAccountState, from.Hex())
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	nonce := state.Nonce
	if next := s.nonces[from]; next > nonce {
		nonce = next
	}
	s.nonces[from] = nonce + 1
	s.mu.Unlock()

	tx, err := s.builder.Build(raw, nonce)
	if err != nil {
		s.releaseNonce(from, nonce)
		return nil, fmt.Errorf("txsender: build: %w", err)
	}
	signed, err := s.signer.Sign(tx)
	if err != nil {
		s.releaseNonce(from, nonce)
		return nil, fmt.Errorf("txsender: sign: %w", err)
	}
	return signed, nil
}

func mustMarshal(tx *types.Transaction) []byte {
	b, err := tx.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}

// release hands back the nonce of a transaction that never left, if no
// later send took the next one meanwhile.
func (s *Sender) release(tx *types.Transaction) {
	s.releaseNonce(s.signer.Address(), tx.Nonce())
}

func (s *Sender) releaseNonce(from common.Address, nonce uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nonces[from] == nonce+1 {
		s.nonces[from] = nonce
	}
}

func (s *Sender) OnTaskPerformed(task *network.Task, response network.Message) error {
	ctx := task.Context.(sendContext)
	result, err := protocol.DecodeSendTransactionResult(response.Body())
	if err != nil {
		s.OnSendFailure(ctx.sendID, err)
		return err
	}
	switch {
	case !result.Accepted:
		s.release(ctx.tx)
		s.OnSendFailure(ctx.sendID, fmt.Errorf("%w: %s", ErrSendRejected, result.Reason))
	case result.Hash != ctx.tx.Hash():
		s.OnSendFailure(ctx.sendID, fmt.Errorf("%w: acknowledged %x, sent %x", protocol.ErrMalformedMessage, result.Hash, ctx.tx.Hash()))
	default:
		s.OnSendSuccess(ctx.sendID, ctx.tx)
	}
	return nil
}

func (s *Sender) OnTaskFailed(task *network.Task, err error) {
	ctx := task.Context.(sendContext)
	s.OnSendFailure(ctx.sendID, err)
}

func (s *Sender) OnMessage(message network.Message) error {
	return fmt.Errorf("txsender: unexpected message %s", message.Command())
}

// OnSendSuccess resolves sendID with tx. It reports false if sendID was not
// pending, in which case nothing is delivered.
func (s *Sender) OnSendSuccess(sendID uint64, tx *types.Transaction) bool {
	s.log.Info("Transaction accepted", "send", sendID, "hash", tx.Hash())
	return s.resolve(Result{SendID: sendID, Tx: tx})
}

// OnSendFailure resolves sendID with err under the same rule as OnSendSuccess.
func (s *Sender) OnSendFailure(sendID uint64, err error) bool {
	s.log.Warn("Transaction failed", "send", sendID, "err", err)
	return s.resolve(Result{SendID: sendID, Err: err})
}

func (s *Sender) resolve(result Result) bool {
	s.mu.Lock()
	ch, ok := s.pending[result.SendID]
	delete(s.pending, result.SendID)
	s.mu.Unlock()
	if !ok {
		return false
	}
	ch <- result
	close(ch)
	return true
}

// FailAll resolves every pending send with err.
func (s *Sender) FailAll(err error) {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.OnSendFailure(id, err)
	}
}

var _ network.TaskHandler = (*Sender)(nil)
