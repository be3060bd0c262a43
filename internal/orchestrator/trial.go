// Package orchestrator drives each test case as a trial: it spawns a
// server agent and a client agent, relays control instructions between
// them and reconciles their exit codes against the prediction.
package orchestrator

import (
	"errors"
	"fmt"

	"github.com/misterdjules/tlscompat/pkg/matrix"
)

// State represents the progress of a trial.
type State int

const (
	// StateIdle is the initial state before the server is spawned.
	StateIdle State = iota
	// StateServerSpawned waits for the server to report its listener.
	StateServerSpawned
	// StateClientSpawned waits for both agents to exit.
	StateClientSpawned
	// StateReconciled is terminal: exit codes have been checked.
	StateReconciled
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateServerSpawned:
		return "ServerSpawned"
	case StateClientSpawned:
		return "ClientSpawned"
	case StateReconciled:
		return "Reconciled"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// EventKind identifies what happened to a trial.
type EventKind int

const (
	// EventListening reports the server agent's listener is bound.
	EventListening EventKind = iota
	// EventHandshakeComplete reports the client agent's handshake succeeded.
	EventHandshakeComplete
	// EventServerExit reports the server agent process exited.
	EventServerExit
	// EventClientExit reports the client agent process exited.
	EventClientExit
)

// String returns a human-readable name for the event kind.
func (k EventKind) String() string {
	switch k {
	case EventListening:
		return "Listening"
	case EventHandshakeComplete:
		return "HandshakeComplete"
	case EventServerExit:
		return "ServerExit"
	case EventClientExit:
		return "ClientExit"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// Event is one input to a trial. Code is set for exit events.
type Event struct {
	Kind EventKind
	Code int
}

// Action is what the driver must do after an event.
type Action int

const (
	// ActionNone requires nothing.
	ActionNone Action = iota
	// ActionSpawnClient starts the client agent.
	ActionSpawnClient
	// ActionCloseServer tells the server agent, if attached, to shut down.
	ActionCloseServer
	// ActionReconcile checks the record; the trial is over.
	ActionReconcile
)

// String returns a human-readable name for the action.
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "None"
	case ActionSpawnClient:
		return "SpawnClient"
	case ActionCloseServer:
		return "CloseServer"
	case ActionReconcile:
		return "Reconcile"
	default:
		return fmt.Sprintf("Unknown(%d)", a)
	}
}

// Transition errors.
var (
	ErrInvalidTransition = errors.New("invalid trial transition")
	ErrTerminalState     = errors.New("trial already reconciled")
)

// Trial is the state machine of one test case. It is not safe for
// concurrent use; a single goroutine feeds it every event.
type Trial struct {
	Case   matrix.TestCase
	state  State
	record Record
}

// NewTrial returns an idle trial for tc.
func NewTrial(tc matrix.TestCase) *Trial {
	return &Trial{Case: tc}
}

// State returns the current state.
func (t *Trial) State() State {
	return t.state
}

// Record returns what has been observed so far.
func (t *Trial) Record() Record {
	return t.record
}

// ServerSpawned records that the server agent was started.
func (t *Trial) ServerSpawned() error {
	if t.state != StateIdle {
		return fmt.Errorf("%w: server spawned in %s", ErrInvalidTransition, t.state)
	}
	t.state = StateServerSpawned
	return nil
}

// Handle applies ev and returns the action the driver must take. Exit
// events may arrive in either order; exactly one of them yields
// ActionReconcile.
func (t *Trial) Handle(ev Event) (Action, error) {
	if t.state == StateReconciled {
		return ActionNone, ErrTerminalState
	}

	switch ev.Kind {
	case EventListening:
		if t.state != StateServerSpawned {
			return ActionNone, t.invalid(ev)
		}
		t.state = StateClientSpawned
		t.record.ClientStarted = true
		return ActionSpawnClient, nil

	case EventHandshakeComplete:
		if t.state != StateClientSpawned {
			return ActionNone, t.invalid(ev)
		}
		return ActionCloseServer, nil

	case EventClientExit:
		if t.state != StateClientSpawned || t.record.ClientExit != nil {
			return ActionNone, t.invalid(ev)
		}
		code := ev.Code
		t.record.ClientExit = &code
		if t.record.ServerExit != nil {
			t.state = StateReconciled
			return ActionReconcile, nil
		}
		return ActionCloseServer, nil

	case EventServerExit:
		if (t.state != StateServerSpawned && t.state != StateClientSpawned) || t.record.ServerExit != nil {
			return ActionNone, t.invalid(ev)
		}
		code := ev.Code
		t.record.ServerExit = &code
		if t.record.ClientExit != nil || !t.record.ClientStarted {
			t.state = StateReconciled
			return ActionReconcile, nil
		}
		return ActionNone, nil

	default:
		return ActionNone, t.invalid(ev)
	}
}

func (t *Trial) invalid(ev Event) error {
	return fmt.Errorf("%w: %s in %s", ErrInvalidTransition, ev.Kind, t.state)
}
