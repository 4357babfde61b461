package groupstatemachine

import (
	"fmt"
	"sync"
	"time"

	"github.com/core-tools/hsu-workerdeploy/pkg/errors"
	"github.com/core-tools/hsu-workerdeploy/pkg/logging"
)

// GroupState represents where a supervisor group is within an orchestration
type GroupState string

const (
	// GroupStateUnknown is the state before any operation touched the group
	GroupStateUnknown GroupState = "unknown"

	// GroupStateRendering means worker configuration is being written
	GroupStateRendering GroupState = "rendering"

	// GroupStateStopping means the group stop command is in progress
	GroupStateStopping GroupState = "stopping"

	// GroupStateLinking means the descriptor link is being replaced and the descriptor rendered
	GroupStateLinking GroupState = "linking"

	// GroupStateReloading means the supervisor is re-reading its configuration
	GroupStateReloading GroupState = "reloading"

	// GroupStateStarting means the group start or restart command is in progress
	GroupStateStarting GroupState = "starting"

	// GroupStateActive means the group runs the linked release
	GroupStateActive GroupState = "active"

	// GroupStateRemoving means the descriptor link is being removed
	GroupStateRemoving GroupState = "removing"

	// GroupStateRemoved means the group is no longer known to the supervisor
	GroupStateRemoved GroupState = "removed"

	// GroupStateFailed means the last operation aborted
	GroupStateFailed GroupState = "failed"
)

// GroupStateTransition represents a state transition with metadata
type GroupStateTransition struct {
	From      GroupState
	To        GroupState
	Operation string
	Timestamp time.Time
	Error     error
}

// GroupStateMachine enforces the stop, link, reload, start ordering for one group during one operation.
// Active, Removed and Failed end the operation and have no outgoing transitions.
type GroupStateMachine struct {
	group            string
	currentState     GroupState
	transitions      []GroupStateTransition
	validTransitions map[GroupState][]GroupState
	mutex            sync.RWMutex
	logger           logging.Logger
}

func NewGroupStateMachine(group string, logger logging.Logger) *GroupStateMachine {
	gsm := &GroupStateMachine{
		group:        group,
		currentState: GroupStateUnknown,
		transitions:  make([]GroupStateTransition, 0),
		logger:       logger,
	}

	// Failure is reachable from every in-progress state
	gsm.validTransitions = map[GroupState][]GroupState{
		GroupStateUnknown: {
			GroupStateRendering, // Deploy
			GroupStateStopping,  // Rollback
			GroupStateStarting,  // Restart
			GroupStateRemoving,  // Undeploy
		},
		GroupStateRendering: {
			GroupStateStopping,
			GroupStateFailed,
		},
		GroupStateStopping: {
			GroupStateLinking,
			GroupStateFailed,
		},
		GroupStateLinking: {
			GroupStateReloading,
			GroupStateFailed,
		},
		GroupStateReloading: {
			GroupStateStarting, // Rollback, or deploy with start
			GroupStateActive,   // Deploy, supervisor starts the group itself
			GroupStateRemoved,  // Undeploy
			GroupStateFailed,
		},
		GroupStateStarting: {
			GroupStateActive,
			GroupStateFailed,
		},
		GroupStateRemoving: {
			GroupStateReloading,
			GroupStateRemoved, // Nothing to remove
			GroupStateFailed,
		},
	}

	return gsm
}

// CurrentState returns the current state (thread-safe)
func (gsm *GroupStateMachine) CurrentState() GroupState {
	gsm.mutex.RLock()
	defer gsm.mutex.RUnlock()
	return gsm.currentState
}

// Transition changes the group state with validation (thread-safe)
func (gsm *GroupStateMachine) Transition(to GroupState, operation string, err error) error {
	gsm.mutex.Lock()
	defer gsm.mutex.Unlock()

	if !gsm.canTransitionUnsafe(to) {
		return errors.NewValidationError(
			fmt.Sprintf("invalid state transition from '%s' to '%s'", gsm.currentState, to),
			nil,
		).WithContext("group", gsm.group).
			WithContext("from_state", string(gsm.currentState)).
			WithContext("to_state", string(to)).
			WithContext("operation", operation)
	}

	from := gsm.currentState
	gsm.transitions = append(gsm.transitions, GroupStateTransition{
		From:      from,
		To:        to,
		Operation: operation,
		Timestamp: time.Now(),
		Error:     err,
	})
	gsm.currentState = to

	if err != nil {
		gsm.logger.Warnf("Group state transition failed, group: %s, %s->%s, operation: %s, error: %v",
			gsm.group, from, to, operation, err)
	} else {
		gsm.logger.Debugf("Group state transition, group: %s, %s->%s, operation: %s",
			gsm.group, from, to, operation)
	}

	return nil
}

// Fail moves the group to the failed state, recording err
func (gsm *GroupStateMachine) Fail(operation string, err error) {
	if transitionErr := gsm.Transition(GroupStateFailed, operation, err); transitionErr != nil {
		gsm.logger.Errorf("Cannot mark group failed, group: %s, error: %v", gsm.group, transitionErr)
	}
}

func (gsm *GroupStateMachine) canTransitionUnsafe(to GroupState) bool {
	for _, validState := range gsm.validTransitions[gsm.currentState] {
		if validState == to {
			return true
		}
	}
	return false
}

// States returns the sequence of states entered so far
func (gsm *GroupStateMachine) States() []GroupState {
	gsm.mutex.RLock()
	defer gsm.mutex.RUnlock()

	states := make([]GroupState, 0, len(gsm.transitions))
	for _, transition := range gsm.transitions {
		states = append(states, transition.To)
	}
	return states
}
