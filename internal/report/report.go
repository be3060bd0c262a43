// Package report writes suite results in Chromium's JSON test results
// format, version 3.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// Outcome strings of the format.
const (
	Pass = "PASS"
	Fail = "FAIL"
	Skip = "SKIP"
)

// Results is the top-level document. It is safe for concurrent use.
type Results struct {
	Version           int               `json:"version"`
	Interrupted       bool              `json:"interrupted"`
	PathDelimiter     string            `json:"path_delimiter"`
	SecondsSinceEpoch float64           `json:"seconds_since_epoch"`
	NumFailuresByType map[string]int    `json:"num_failures_by_type"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Tests             map[string]Result `json:"tests"`

	mu sync.Mutex
}

// Result is one test's entry.
type Result struct {
	Actual       string `json:"actual"`
	Expected     string `json:"expected"`
	IsUnexpected bool   `json:"is_unexpected"`
	// Error carries the mismatch description; it is an extension of the
	// format.
	Error string `json:"error,omitempty"`
	// ID is the stable case identifier, also an extension.
	ID string `json:"id,omitempty"`
}

// New returns an empty document stamped with now.
func New(now time.Time) *Results {
	return &Results{
		Version:           3,
		PathDelimiter:     ".",
		SecondsSinceEpoch: float64(now.UnixNano()) / float64(time.Second),
		NumFailuresByType: make(map[string]int),
		Metadata:          make(map[string]string),
		Tests:             make(map[string]Result),
	}
}

// ErrDuplicate is returned when a test name is recorded twice.
var ErrDuplicate = errors.New("report: duplicate test name")

func (r *Results) add(name, id, actual, expected string, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, found := r.Tests[name]; found {
		return fmt.Errorf("%w: %q", ErrDuplicate, name)
	}
	res := Result{
		Actual:       actual,
		Expected:     expected,
		IsUnexpected: actual != expected,
		ID:           id,
	}
	if err != nil {
		res.Error = err.Error()
	}
	r.Tests[name] = res
	r.NumFailuresByType[actual]++
	return nil
}

// AddResult records a run test. It passes when err is nil.
func (r *Results) AddResult(name, id string, err error) error {
	actual := Pass
	if err != nil {
		actual = Fail
	}
	return r.add(name, id, actual, Pass, err)
}

// AddSkip records a test that was selected out. It is not a failure.
func (r *Results) AddSkip(name, id string) error {
	return r.add(name, id, Skip, Skip, nil)
}

// SetInterrupted marks the run as stopped before every test ran.
func (r *Results) SetInterrupted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Interrupted = true
}

// SetMetadata attaches a run-level key/value pair.
func (r *Results) SetMetadata(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Metadata[key] = value
}

// HasUnexpectedResults reports whether any test did not meet its
// expectation.
func (r *Results) HasUnexpectedResults() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.Tests {
		if res.IsUnexpected {
			return true
		}
	}
	return false
}

// WriteToFile writes the document as indented JSON.
func (r *Results) WriteToFile(name string) error {
	r.mu.Lock()
	out, err := json.MarshalIndent(r, "", "  ")
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return os.WriteFile(name, out, 0644)
}
