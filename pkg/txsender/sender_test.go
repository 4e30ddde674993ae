package txsender

import (
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	p_common "github.com/meta-node-blockchain/meta-spv/pkg/common"
	p_network "github.com/meta-node-blockchain/meta-spv/pkg/network"
	"github.com/meta-node-blockchain/meta-spv/pkg/protocol"
	"github.com/meta-node-blockchain/meta-spv/pkg/storage"
	spvtypes "github.com/meta-node-blockchain/meta-spv/types"
	"github.com/meta-node-blockchain/meta-spv/types/network"
)

var (
	chainID   = big.NewInt(1337)
	recipient = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type taskQueue struct {
	mu    sync.Mutex
	tasks []*network.Task
	err   error
}

func (q *taskQueue) Add(task *network.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *taskQueue) pop(t *testing.T) *network.Task {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	require.NotEmpty(t, q.tasks)
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	return task
}

func newSender(t *testing.T, nonce uint64) (*Sender, *KeySigner) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewKeySigner(key, chainID)

	store := storage.NewMemoryStore()
	require.NoError(t, store.SetAccountState(&spvtypes.AccountState{
		Address: signer.Address(),
		Balance: uint256.NewInt(1_000_000),
		Nonce:   nonce,
	}))
	return NewSender(store, LegacyBuilder{GasPrice: big.NewInt(1), GasLimit: 21_000}, signer), signer
}

func transfer(value int64) *RawTransaction {
	return &RawTransaction{To: &recipient, Value: big.NewInt(value)}
}

func sentTx(t *testing.T, task *network.Task) *types.Transaction {
	t.Helper()
	req, err := protocol.DecodeSendTransaction(task.Body)
	require.NoError(t, err)
	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(req.Tx))
	return tx
}

func acknowledge(t *testing.T, s *Sender, task *network.Task, result *protocol.SendTransactionResultPacket) {
	t.Helper()
	body, err := protocol.Encode(result)
	require.NoError(t, err)
	require.NoError(t, s.OnTaskPerformed(task, p_network.NewMessage(p_common.SendTransactionResult, "1", task.ID, body)))
}

func TestSendAccepted(t *testing.T) {
	s, signer := newSender(t, 5)
	queue := &taskQueue{}

	results := s.Send(s.NextID(), queue, transfer(10))
	task := queue.pop(t)
	assert.Equal(t, network.CapabilityTransaction, task.Capability)
	assert.Equal(t, p_common.SendTransaction, task.Command)

	tx := sentTx(t, task)
	assert.Equal(t, uint64(5), tx.Nonce())
	assert.Equal(t, uint64(21_000), tx.Gas())
	from, err := types.Sender(signer.ChainSigner(), tx)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), from)
	assert.Equal(t, 1, s.Pending())

	acknowledge(t, s, task, &protocol.SendTransactionResultPacket{Hash: tx.Hash(), Accepted: true})
	result, ok := <-results
	require.True(t, ok)
	require.NoError(t, result.Err)
	assert.Equal(t, tx.Hash(), result.Tx.Hash())
	_, ok = <-results
	assert.False(t, ok, "channel closes after the result")
	assert.Zero(t, s.Pending())
}

func TestSendRejected(t *testing.T) {
	s, _ := newSender(t, 0)
	queue := &taskQueue{}

	results := s.Send(s.NextID(), queue, transfer(10))
	task := queue.pop(t)
	acknowledge(t, s, task, &protocol.SendTransactionResultPacket{Hash: sentTx(t, task).Hash(), Reason: "insufficient funds"})

	result := <-results
	assert.ErrorIs(t, result.Err, ErrSendRejected)
	assert.Contains(t, result.Err.Error(), "insufficient funds")
	assert.Nil(t, result.Tx)

	// The rejected nonce is handed out again.
	s.Send(s.NextID(), queue, transfer(10))
	assert.Equal(t, uint64(0), sentTx(t, queue.pop(t)).Nonce())
}

func TestSendHashMismatch(t *testing.T) {
	s, _ := newSender(t, 0)
	queue := &taskQueue{}

	results := s.Send(s.NextID(), queue, transfer(10))
	acknowledge(t, s, queue.pop(t), &protocol.SendTransactionResultPacket{Hash: common.Hash{1}, Accepted: true})
	assert.ErrorIs(t, (<-results).Err, protocol.ErrMalformedMessage)
}

func TestSendWithoutAccountState(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s := NewSender(storage.NewMemoryStore(), LegacyBuilder{GasLimit: 21_000}, NewKeySigner(key, chainID))
	queue := &taskQueue{}

	result := <-s.Send(s.NextID(), queue, transfer(1))
	assert.ErrorIs(t, result.Err, ErrNoAccountState)
	assert.Empty(t, queue.tasks)
	assert.Zero(t, s.Pending())
}

func TestSendQueueError(t *testing.T) {
	s, _ := newSender(t, 2)
	queue := &taskQueue{err: p_network.ErrDisconnected}

	result := <-s.Send(s.NextID(), queue, transfer(1))
	assert.ErrorIs(t, result.Err, p_network.ErrDisconnected)

	queue.err = nil
	s.Send(s.NextID(), queue, transfer(1))
	assert.Equal(t, uint64(2), sentTx(t, queue.pop(t)).Nonce())
}

func TestSendTaskFailed(t *testing.T) {
	s, _ := newSender(t, 0)
	queue := &taskQueue{}

	results := s.Send(s.NextID(), queue, transfer(1))
	task := queue.pop(t)
	s.OnTaskFailed(task, p_network.ErrTimeout)
	assert.ErrorIs(t, (<-results).Err, p_network.ErrTimeout)

	// A late acknowledgment finds nothing to resolve.
	acknowledge(t, s, task, &protocol.SendTransactionResultPacket{Hash: sentTx(t, task).Hash(), Accepted: true})
	_, ok := <-results
	assert.False(t, ok)
}

func TestResolveExactlyOnce(t *testing.T) {
	s, _ := newSender(t, 0)
	queue := &taskQueue{}

	id := s.NextID()
	results := s.Send(id, queue, transfer(1))
	tx := sentTx(t, queue.pop(t))

	assert.True(t, s.OnSendSuccess(id, tx))
	assert.False(t, s.OnSendSuccess(id, tx))
	assert.False(t, s.OnSendFailure(id, errors.New("late")))
	assert.False(t, s.OnSendFailure(12345, errors.New("unknown")))

	result := <-results
	require.NoError(t, result.Err)
	_, ok := <-results
	assert.False(t, ok)
}

func TestSendDuplicateID(t *testing.T) {
	s, _ := newSender(t, 0)
	queue := &taskQueue{}

	s.Send(7, queue, transfer(1))
	result := <-s.Send(7, queue, transfer(1))
	assert.ErrorIs(t, result.Err, ErrDuplicateSend)
	assert.Equal(t, 1, s.Pending())
}

func TestConcurrentSends(t *testing.T) {
	s, _ := newSender(t, 10)
	queue := &taskQueue{}

	const n = 32
	channels := make([]<-chan Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			channels[i] = s.Send(s.NextID(), queue, transfer(int64(i)))
		}(i)
	}
	wg.Wait()
	require.Len(t, queue.tasks, n)
	assert.Equal(t, n, s.Pending())

	nonces := make(map[uint64]bool)
	var resolvers sync.WaitGroup
	for _, task := range queue.tasks {
		tx := sentTx(t, task)
		nonces[tx.Nonce()] = true
		body, err := protocol.Encode(&protocol.SendTransactionResultPacket{Hash: tx.Hash(), Accepted: true})
		require.NoError(t, err)
		response := p_network.NewMessage(p_common.SendTransactionResult, "1", task.ID, body)
		resolvers.Add(1)
		go func(task *network.Task) {
			defer resolvers.Done()
			assert.NoError(t, s.OnTaskPerformed(task, response))
			s.OnTaskFailed(task, p_network.ErrTimeout)
		}(task)
	}
	resolvers.Wait()

	assert.Len(t, nonces, n)
	for i := uint64(10); i < 10+n; i++ {
		assert.True(t, nonces[i], "nonce %d", i)
	}
	for _, ch := range channels {
		result := <-ch
		assert.NoError(t, result.Err)
	}
	assert.Zero(t, s.Pending())
}

func TestFailAll(t *testing.T) {
	s, _ := newSender(t, 0)
	queue := &taskQueue{}

	a := s.Send(s.NextID(), queue, transfer(1))
	b := s.Send(s.NextID(), queue, transfer(2))
	s.FailAll(p_network.ErrClosed)
	assert.ErrorIs(t, (<-a).Err, p_network.ErrClosed)
	assert.ErrorIs(t, (<-b).Err, p_network.ErrClosed)
	assert.Zero(t, s.Pending())
}

func TestLegacyBuilderNeedsGas(t *testing.T) {
	_, err := LegacyBuilder{}.Build(transfer(1), 0)
	assert.Error(t, err)

	tx, err := LegacyBuilder{GasLimit: 50_000}.Build(&RawTransaction{Gas: 60_000, Data: []byte{1}}, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(60_000), tx.Gas())
	assert.Nil(t, tx.To())
	assert.Equal(t, uint64(3), tx.Nonce())
}
