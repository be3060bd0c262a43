package agent

import "errors"

// Process exit codes.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// Failure classifies why an agent gave up. Agents report it only through
// their exit code and logs.
type Failure string

const (
	// FailureUsage indicates a bad invocation: missing or unknown flags or
	// positional arguments.
	FailureUsage Failure = "usage"

	// FailureConfig indicates a config token that could not be decoded or
	// does not fit the invocation role.
	FailureConfig Failure = "malformed_config"

	// FailureFixtures indicates the server certificate or key could not be
	// loaded.
	FailureFixtures Failure = "fixtures_unavailable"

	// FailureBind indicates the server could not listen on its port.
	FailureBind Failure = "bind_failed"

	// FailureConnect indicates the client could not reach the server.
	FailureConnect Failure = "connect_failed"

	// FailureHandshake indicates the TLS handshake itself failed.
	FailureHandshake Failure = "handshake_failed"

	// FailureControl indicates the control channel to the coordinator
	// could not be used or was lost.
	FailureControl Failure = "control_channel_lost"
)

// Error implements the error interface for Failure.
func (f Failure) Error() string {
	return string(f)
}

// ExitCode maps the failure class to a process exit code.
func (f Failure) ExitCode() int {
	switch f {
	case FailureUsage, FailureConfig:
		return ExitUsage
	default:
		return ExitFailure
	}
}

// ExitCode maps an error returned by Run to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var f Failure
	if errors.As(err, &f) {
		return f.ExitCode()
	}
	return ExitFailure
}
