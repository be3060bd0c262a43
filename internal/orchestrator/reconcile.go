package orchestrator

import (
	"fmt"
	"strconv"

	"github.com/misterdjules/tlscompat/pkg/matrix"
)

// Record holds the exit codes observed for a trial. A nil exit code means
// the process never exited or never started.
type Record struct {
	ServerExit    *int
	ClientExit    *int
	ClientStarted bool
}

// Succeeded reports whether both agents exited zero. A client that never
// ran counts as a non-zero exit.
func (r Record) Succeeded() bool {
	return r.ServerExit != nil && *r.ServerExit == 0 &&
		r.ClientExit != nil && *r.ClientExit == 0
}

func exitText(code *int) string {
	if code == nil {
		return "none"
	}
	return strconv.Itoa(*code)
}

// MismatchError reports a trial whose outcome contradicts the prediction.
type MismatchError struct {
	Case   matrix.TestCase
	Record Record
}

func (e *MismatchError) Error() string {
	want := "failure"
	if e.Case.ExpectedSuccess {
		want = "success"
	}
	return fmt.Sprintf("case %d %s: expected %s (%s), got server exit %s, client exit %s",
		e.Case.Index, e.Case.Name(), want, e.Case.Verdict,
		exitText(e.Record.ServerExit), exitText(e.Record.ClientExit))
}

// Reconcile compares the observed record with the case's prediction.
func Reconcile(tc matrix.TestCase, rec Record) error {
	if rec.Succeeded() != tc.ExpectedSuccess {
		return &MismatchError{Case: tc, Record: rec}
	}
	return nil
}
