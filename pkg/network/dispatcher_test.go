package network

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	p_common "github.com/meta-node-blockchain/meta-spv/pkg/common"
	"github.com/meta-node-blockchain/meta-spv/types/network"
)

type recordingHandler struct {
	capability network.Capability
	performed  []*network.Task
	failed     []error
	messages   []string
	err        error
}

func (h *recordingHandler) Capability() network.Capability { return h.capability }

func (h *recordingHandler) OnTaskPerformed(task *network.Task, response network.Message) error {
	h.performed = append(h.performed, task)
	return h.err
}

func (h *recordingHandler) OnTaskFailed(task *network.Task, err error) {
	h.failed = append(h.failed, err)
}

func (h *recordingHandler) OnMessage(message network.Message) error {
	h.messages = append(h.messages, message.Command())
	return nil
}

func TestDispatcherRejectsDuplicateCapability(t *testing.T) {
	d := NewDispatcher()
	require.NoError(t, d.Register(&recordingHandler{capability: network.CapabilityHeaders}, p_common.NewBlock))

	err := d.Register(&recordingHandler{capability: network.CapabilityHeaders})
	assert.ErrorIs(t, err, ErrDuplicateCapability)

	err = d.Register(&recordingHandler{capability: network.CapabilityAccountProof}, p_common.NewBlock)
	assert.ErrorIs(t, err, ErrDuplicateCapability)
	assert.Nil(t, d.Handler(network.CapabilityAccountProof), "failed registration must not leave a handler behind")
}

func TestDispatcherRoutesByCapability(t *testing.T) {
	d := NewDispatcher()
	headers := &recordingHandler{capability: network.CapabilityHeaders}
	proofs := &recordingHandler{capability: network.CapabilityAccountProof}
	require.NoError(t, d.Register(headers, p_common.NewBlock))
	require.NoError(t, d.Register(proofs))

	headerTask := network.NewTask(network.CapabilityHeaders, p_common.GetBlockHeaders, nil, nil)
	proofTask := network.NewTask(network.CapabilityAccountProof, p_common.GetAccountProof, nil, nil)

	require.NoError(t, d.Dispatch(network.Event{Kind: network.EventTaskPerformed, Task: proofTask,
		Message: NewMessage(p_common.AccountProof, "1", proofTask.ID, nil)}))
	require.NoError(t, d.Dispatch(network.Event{Kind: network.EventTaskFailed, Task: headerTask, Err: ErrTimeout}))
	require.NoError(t, d.Dispatch(network.Event{Kind: network.EventInbound,
		Message: NewMessage(p_common.NewBlock, "1", "a", nil)}))

	assert.Equal(t, []*network.Task{proofTask}, proofs.performed)
	assert.Empty(t, headers.performed)
	assert.Equal(t, []error{ErrTimeout}, headers.failed)
	assert.Equal(t, []string{p_common.NewBlock}, headers.messages)
}

func TestDispatcherUnhandled(t *testing.T) {
	d := NewDispatcher()
	task := network.NewTask(network.CapabilityTransaction, p_common.SendTransaction, nil, nil)

	err := d.Dispatch(network.Event{Kind: network.EventTaskPerformed, Task: task,
		Message: NewMessage(p_common.SendTransactionResult, "1", task.ID, nil)})
	assert.ErrorIs(t, err, ErrUnhandledMessage)

	err = d.Dispatch(network.Event{Kind: network.EventInbound, Message: NewMessage("Gossip", "1", "b", nil)})
	assert.ErrorIs(t, err, ErrUnhandledMessage)

	assert.NoError(t, d.Dispatch(network.Event{Kind: network.EventConnected}))
}

func TestDispatcherServerBusyFailsTask(t *testing.T) {
	d := NewDispatcher()
	h := &recordingHandler{capability: network.CapabilityHeaders}
	require.NoError(t, d.Register(h))
	task := network.NewTask(network.CapabilityHeaders, p_common.GetBlockHeaders, nil, nil)

	require.NoError(t, d.Dispatch(network.Event{Kind: network.EventTaskPerformed, Task: task,
		Message: NewMessage(p_common.ServerBusy, "1", task.ID, nil)}))
	require.Len(t, h.failed, 1)
	assert.ErrorIs(t, h.failed[0], ErrServerBusy)
	assert.Empty(t, h.performed)
}

func TestDispatcherWrapsHandlerError(t *testing.T) {
	d := NewDispatcher()
	boom := errors.New("bad batch")
	require.NoError(t, d.Register(&recordingHandler{capability: network.CapabilityHeaders, err: boom}))
	task := network.NewTask(network.CapabilityHeaders, p_common.GetBlockHeaders, nil, nil)

	err := d.Dispatch(network.Event{Kind: network.EventTaskPerformed, Task: task,
		Message: NewMessage(p_common.BlockHeaders, "1", task.ID, nil)})
	assert.ErrorIs(t, err, boom)
}
