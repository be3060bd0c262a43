package orchestrator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/misterdjules/tlscompat/pkg/matrix"
)

func intPtr(v int) *int { return &v }

func testCase(expected bool) matrix.TestCase {
	cases := matrix.BuildDefault()
	for _, tc := range cases {
		if tc.ExpectedSuccess == expected {
			return tc
		}
	}
	panic("no case with the requested prediction")
}

func startedTrial(t *testing.T, expected bool) *Trial {
	t.Helper()
	tr := NewTrial(testCase(expected))
	require.NoError(t, tr.ServerSpawned())
	action, err := tr.Handle(Event{Kind: EventListening})
	require.NoError(t, err)
	require.Equal(t, ActionSpawnClient, action)
	return tr
}

func TestTrial_HappyPath(t *testing.T) {
	tr := NewTrial(testCase(true))
	assert.Equal(t, StateIdle, tr.State())

	require.NoError(t, tr.ServerSpawned())
	assert.Equal(t, StateServerSpawned, tr.State())

	action, err := tr.Handle(Event{Kind: EventListening})
	require.NoError(t, err)
	assert.Equal(t, ActionSpawnClient, action)
	assert.Equal(t, StateClientSpawned, tr.State())
	assert.True(t, tr.Record().ClientStarted)

	action, err = tr.Handle(Event{Kind: EventHandshakeComplete})
	require.NoError(t, err)
	assert.Equal(t, ActionCloseServer, action)

	action, err = tr.Handle(Event{Kind: EventClientExit, Code: 0})
	require.NoError(t, err)
	assert.Equal(t, ActionCloseServer, action)

	action, err = tr.Handle(Event{Kind: EventServerExit, Code: 0})
	require.NoError(t, err)
	assert.Equal(t, ActionReconcile, action)
	assert.Equal(t, StateReconciled, tr.State())

	assert.NoError(t, Reconcile(tr.Case, tr.Record()))
}

func TestTrial_ExitOrderIsCommutative(t *testing.T) {
	orders := map[string][]Event{
		"client first": {{Kind: EventClientExit, Code: 1}, {Kind: EventServerExit, Code: 0}},
		"server first": {{Kind: EventServerExit, Code: 0}, {Kind: EventClientExit, Code: 1}},
	}

	for name, events := range orders {
		t.Run(name, func(t *testing.T) {
			tr := startedTrial(t, false)

			reconciles := 0
			for _, ev := range events {
				action, err := tr.Handle(ev)
				require.NoError(t, err)
				if action == ActionReconcile {
					reconciles++
				}
			}

			assert.Equal(t, 1, reconciles, "exactly one reconciliation")
			assert.Equal(t, StateReconciled, tr.State())
			rec := tr.Record()
			assert.Equal(t, intPtr(0), rec.ServerExit)
			assert.Equal(t, intPtr(1), rec.ClientExit)
			assert.NoError(t, Reconcile(tr.Case, rec))
		})
	}
}

func TestTrial_ServerExitWithoutClient(t *testing.T) {
	tr := NewTrial(testCase(false))
	require.NoError(t, tr.ServerSpawned())

	action, err := tr.Handle(Event{Kind: EventServerExit, Code: 1})
	require.NoError(t, err)
	assert.Equal(t, ActionReconcile, action)

	rec := tr.Record()
	assert.False(t, rec.ClientStarted)
	assert.Nil(t, rec.ClientExit)
	assert.NoError(t, Reconcile(tr.Case, rec))
}

func TestTrial_ServerExitWithoutClientMismatchesSuccess(t *testing.T) {
	tr := NewTrial(testCase(true))
	require.NoError(t, tr.ServerSpawned())

	// Even a zero server exit cannot satisfy a predicted success when the
	// client never ran.
	action, err := tr.Handle(Event{Kind: EventServerExit, Code: 0})
	require.NoError(t, err)
	require.Equal(t, ActionReconcile, action)

	err = Reconcile(tr.Case, tr.Record())
	var mismatch *MismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Contains(t, mismatch.Error(), "client exit none")
}

func TestTrial_ServerExitWaitsForStartedClient(t *testing.T) {
	tr := startedTrial(t, false)

	action, err := tr.Handle(Event{Kind: EventServerExit, Code: 1})
	require.NoError(t, err)
	assert.Equal(t, ActionNone, action)
	assert.Equal(t, StateClientSpawned, tr.State())

	action, err = tr.Handle(Event{Kind: EventClientExit, Code: 1})
	require.NoError(t, err)
	assert.Equal(t, ActionReconcile, action)
}

func TestTrial_InvalidTransitions(t *testing.T) {
	t.Run("listening before spawn", func(t *testing.T) {
		tr := NewTrial(testCase(true))
		_, err := tr.Handle(Event{Kind: EventListening})
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("listening twice", func(t *testing.T) {
		tr := startedTrial(t, true)
		_, err := tr.Handle(Event{Kind: EventListening})
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("client exit before client spawn", func(t *testing.T) {
		tr := NewTrial(testCase(true))
		require.NoError(t, tr.ServerSpawned())
		_, err := tr.Handle(Event{Kind: EventClientExit})
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("duplicate server exit", func(t *testing.T) {
		tr := startedTrial(t, true)
		_, err := tr.Handle(Event{Kind: EventServerExit})
		require.NoError(t, err)
		_, err = tr.Handle(Event{Kind: EventServerExit})
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("spawned twice", func(t *testing.T) {
		tr := NewTrial(testCase(true))
		require.NoError(t, tr.ServerSpawned())
		assert.ErrorIs(t, tr.ServerSpawned(), ErrInvalidTransition)
	})

	t.Run("after reconcile", func(t *testing.T) {
		tr := NewTrial(testCase(false))
		require.NoError(t, tr.ServerSpawned())
		_, err := tr.Handle(Event{Kind: EventServerExit, Code: 1})
		require.NoError(t, err)
		_, err = tr.Handle(Event{Kind: EventListening})
		assert.ErrorIs(t, err, ErrTerminalState)
	})
}

func TestReconcile(t *testing.T) {
	success := testCase(true)
	failure := testCase(false)

	tests := []struct {
		name     string
		tc       matrix.TestCase
		rec      Record
		mismatch bool
	}{
		{"success observed", success, Record{ServerExit: intPtr(0), ClientExit: intPtr(0), ClientStarted: true}, false},
		{"success expected, client failed", success, Record{ServerExit: intPtr(0), ClientExit: intPtr(1), ClientStarted: true}, true},
		{"success expected, server failed", success, Record{ServerExit: intPtr(1), ClientExit: intPtr(0), ClientStarted: true}, true},
		{"failure observed on client", failure, Record{ServerExit: intPtr(0), ClientExit: intPtr(1), ClientStarted: true}, false},
		{"failure observed on both", failure, Record{ServerExit: intPtr(1), ClientExit: intPtr(1), ClientStarted: true}, false},
		{"failure expected, client never started", failure, Record{ServerExit: intPtr(0)}, false},
		{"failure expected, both zero", failure, Record{ServerExit: intPtr(0), ClientExit: intPtr(0), ClientStarted: true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Reconcile(tt.tc, tt.rec)
			if !tt.mismatch {
				assert.NoError(t, err)
				return
			}
			var mismatch *MismatchError
			require.True(t, errors.As(err, &mismatch), "expected *MismatchError, got %v", err)
			assert.Equal(t, tt.tc.ID, mismatch.Case.ID)
			assert.Contains(t, err.Error(), tt.tc.Name())
		})
	}
}

func TestStateAndEventStrings(t *testing.T) {
	assert.Equal(t, "ServerSpawned", StateServerSpawned.String())
	assert.Equal(t, "Unknown(9)", State(9).String())
	assert.Equal(t, "HandshakeComplete", EventHandshakeComplete.String())
	assert.Equal(t, "Reconcile", ActionReconcile.String())
}
