package ecat

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-ecat/logger"
)

// GroupState is the lifecycle state of a Group.
type GroupState uint32

// Group states in their strict forward order. Faulted is terminal.
const (
	// InitState indicates that the SubDevices were enumerated but not configured.
	InitState GroupState = iota
	// PreOpState indicates that mailbox communication is available.
	PreOpState
	// SafeOpState indicates that inputs are valid and outputs are held at zero.
	SafeOpState
	// OpState indicates that cyclic exchange is active.
	OpState
	// FaultedState indicates that cyclic communication was lost. Only a new scan recovers.
	FaultedState
)

// String returns string representation of the group state.
func (s GroupState) String() string {
	switch s {
	case InitState:
		return "init"
	case PreOpState:
		return "pre-op"
	case SafeOpState:
		return "safe-op"
	case OpState:
		return "op"
	case FaultedState:
		return "faulted"
	default:
		return "unknown"
	}
}

// StateChangeHandler is invoked on every group state change.
//
// Note: the handler is invoked in blocking mode while the state is locked.
// It must not call back into the group transitions.
type StateChangeHandler func(g *Group, prevState GroupState, newState GroupState)

// stateMgr tracks the state of a group and notifies handlers and waiters.
type stateMgr struct {
	mu       sync.Mutex
	cond     *sync.Cond
	state    atomic.Uint32
	group    *Group
	logger   logger.Logger
	handlers []StateChangeHandler
	faultErr error
}

func newStateMgr(g *Group, l logger.Logger) *stateMgr {
	sm := &stateMgr{group: g, logger: l}
	sm.state.Store(uint32(InitState))
	sm.cond = sync.NewCond(&sm.mu)

	return sm
}

func (sm *stateMgr) State() GroupState {
	return GroupState(sm.state.Load())
}

func (sm *stateMgr) AddHandler(handlers ...StateChangeHandler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.handlers = append(sm.handlers, handlers...)
}

// WaitState waits until the group reaches state or ctx is done.
func (sm *stateMgr) WaitState(ctx context.Context, state GroupState) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.State() == state {
		return nil
	}

	stopFunc := context.AfterFunc(ctx, func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		sm.cond.Broadcast()
	})
	defer stopFunc()

	for sm.State() != state {
		if sm.State() == FaultedState {
			return ErrGroupFaulted
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		sm.cond.Wait()
	}

	return nil
}

// advance moves one step forward from cur to next.
// It fails with ErrInvalidTransition unless next directly follows the current state.
func (sm *stateMgr) advance(next GroupState) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	cur := sm.State()
	if cur == FaultedState {
		return ErrGroupFaulted
	}
	if next != cur+1 || next == FaultedState {
		return ErrInvalidTransition
	}

	sm.setState(next)
	sm.invokeHandlers(cur, next)

	return nil
}

// fault moves the group to FaultedState, recording err. It is a no-op when
// the group already faulted.
func (sm *stateMgr) fault(err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	cur := sm.State()
	if cur == FaultedState {
		return
	}

	sm.faultErr = err
	sm.setState(FaultedState)
	sm.logger.Error("group faulted", "prev_state", cur, "error", err)
	sm.invokeHandlers(cur, FaultedState)
}

func (sm *stateMgr) err() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return sm.faultErr
}

// setState stores newState and wakes up waiters.
func (sm *stateMgr) setState(newState GroupState) {
	sm.state.Store(uint32(newState))
	sm.cond.Broadcast()
}

func (sm *stateMgr) invokeHandlers(prevState GroupState, newState GroupState) {
	for _, handler := range sm.handlers {
		if handler != nil {
			handler(sm.group, prevState, newState)
		}
	}
}
