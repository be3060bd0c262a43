package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/misterdjules/tlscompat/internal/agent"
	"github.com/misterdjules/tlscompat/internal/codec"
)

// ErrSpawn is returned when an agent process cannot be started.
var ErrSpawn = errors.New("failed to spawn agent")

// Process is a running agent.
type Process interface {
	// Wait blocks until the agent exits and returns its exit code. An agent
	// killed by a signal reports a negative code.
	Wait() int
	// Kill terminates the agent. It is safe to call after exit.
	Kill()
}

// Spawner starts agents.
type Spawner interface {
	Spawn(ctx context.Context, opts agent.Options) (Process, error)
}

// AgentSubcommand is the argument that switches the binary into agent mode.
const AgentSubcommand = "agent"

// ExecSpawner runs each agent as a separate OS process of Path.
type ExecSpawner struct {
	// Path is the executable; it must accept AgentSubcommand.
	Path string
	// Env is appended to the coordinator's environment.
	Env []string
	// Logger receives each agent's captured stderr at debug level.
	Logger *slog.Logger
}

// NewExecSpawner returns a spawner for path, or for the running
// executable when path is empty.
func NewExecSpawner(path string, logger *slog.Logger) (*ExecSpawner, error) {
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate agent executable: %w", err)
		}
		path = self
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecSpawner{Path: path, Logger: logger}, nil
}

// Spawn implements Spawner. The agent is killed if ctx is done before it
// exits.
func (s *ExecSpawner) Spawn(ctx context.Context, opts agent.Options) (Process, error) {
	token, err := codec.Encode(opts.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	args := append([]string{AgentSubcommand}, agent.Args(opts, token)...)
	p := &execProcess{
		cmd:    exec.CommandContext(ctx, s.Path, args...),
		logger: s.Logger.With("trial", opts.Trial, "role", opts.Config.Role.String()),
	}
	p.cmd.Stdout = &p.output
	p.cmd.Stderr = &p.output
	if len(s.Env) > 0 {
		p.cmd.Env = append(os.Environ(), s.Env...)
	}

	if err := p.cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	output bytes.Buffer
	logger *slog.Logger
}

func (p *execProcess) Wait() int {
	err := p.cmd.Wait()

	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}

	p.logger.Debug("agent exited",
		"pid", p.cmd.Process.Pid,
		"exit", code,
		"output", p.output.String(),
	)
	return code
}

func (p *execProcess) Kill() {
	p.cmd.Process.Kill()
}
