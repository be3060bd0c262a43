package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/misterdjules/tlscompat/internal/agent"
	"github.com/misterdjules/tlscompat/internal/ipc"
	"github.com/misterdjules/tlscompat/pkg/matrix"
	"github.com/misterdjules/tlscompat/pkg/vocab"
)

// ErrTrialTimeout is returned when a trial does not reconcile in time.
var ErrTrialTimeout = errors.New("trial timed out")

// Options configures a Runner.
type Options struct {
	// RunID prefixes every trial ID.
	RunID string
	// Port is the server port of lane 0; lane n uses Port+n.
	Port int
	// Ports, when set, gives lane n the port Ports[n] instead. It must have
	// an entry per worker.
	Ports []int
	// Workers is the number of lanes. Trials within a lane are sequential.
	Workers int
	// TrialTimeout bounds one trial, both agents included.
	TrialTimeout time.Duration
	// FixturesDir is passed to server agents.
	FixturesDir string
	// AgentLogLevel is passed to every agent.
	AgentLogLevel slog.Level
}

// LanePort returns the server port used by lane.
func (o Options) LanePort(lane int) int {
	if lane < len(o.Ports) {
		return o.Ports[lane]
	}
	return o.Port + lane
}

// Result is the outcome of one reconciled trial.
type Result struct {
	Case     matrix.TestCase
	Record   Record
	Lane     int
	Duration time.Duration
	// Err is nil when the outcome matched the prediction, otherwise a
	// *MismatchError.
	Err error
}

// Passed reports whether the outcome matched the prediction.
func (r Result) Passed() bool {
	return r.Err == nil
}

// Runner executes test cases as trials.
type Runner struct {
	spawner Spawner
	control *ipc.Server
	opts    Options
	logger  *slog.Logger
}

// NewRunner creates a runner whose agents attach to control.
func NewRunner(spawner Spawner, control *ipc.Server, opts Options, logger *slog.Logger) *Runner {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if len(opts.Ports) > 0 && opts.Workers > len(opts.Ports) {
		opts.Workers = len(opts.Ports)
	}
	if opts.TrialTimeout <= 0 {
		opts.TrialTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{spawner: spawner, control: control, opts: opts, logger: logger}
}

// Run executes cases and calls report for each reconciled trial, in the
// order of cases. The first spawn failure, timeout or mismatch stops the
// run and is returned; results already reconciled are still reported.
func (r *Runner) Run(ctx context.Context, cases []matrix.TestCase, report func(Result)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan int)
	results := make([]*Result, len(cases))
	next := 0
	var mu sync.Mutex

	// emit reports every contiguous result from next on.
	emit := func(i int, res Result) {
		mu.Lock()
		defer mu.Unlock()
		results[i] = &res
		for next < len(results) && results[next] != nil {
			if report != nil {
				report(*results[next])
			}
			next++
		}
	}

	var (
		firstErr error
		errOnce  sync.Once
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	var wg sync.WaitGroup
	for lane := 0; lane < r.opts.Workers; lane++ {
		wg.Add(1)
		go func(lane int) {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					continue
				}
				res, err := r.runTrial(ctx, lane, cases[i])
				if err != nil {
					fail(err)
					continue
				}
				emit(i, res)
				if res.Err != nil {
					fail(res.Err)
				}
			}
		}(lane)
	}

feed:
	for i := range cases {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	// A failed run leaves gaps; report what reconciled.
	mu.Lock()
	for ; next < len(results); next++ {
		if results[next] != nil && report != nil {
			report(*results[next])
		}
	}
	mu.Unlock()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// exitEvent carries a process exit to the trial goroutine.
type exitEvent struct {
	role vocab.Role
	code int
}

// runTrial drives one case to reconciliation. Control messages and exit
// notifications are consumed by this goroutine alone, so every transition
// of the trial is serialized.
func (r *Runner) runTrial(ctx context.Context, lane int, tc matrix.TestCase) (Result, error) {
	start := time.Now()
	trialID := fmt.Sprintf("%s-%d", r.opts.RunID, tc.Index)
	port := r.opts.LanePort(lane)
	hub := r.control.Hub()

	logger := r.logger.With(
		"trial", trialID,
		"case_id", tc.ID,
		"lane", lane,
	)
	logger.Debug("trial starting",
		"server", tc.Server.Key(),
		"client", tc.Client.Key(),
		"expected", tc.ExpectedSuccess,
		"reason", tc.Verdict.String(),
	)

	msgs := make(chan ipc.Message, 4)
	unregister := hub.Register(trialID, msgs)
	defer unregister()

	exits := make(chan exitEvent, 2)
	running := make(map[vocab.Role]Process)

	spawn := func(cfg vocab.EndpointConfig) error {
		p, err := r.spawner.Spawn(ctx, agent.Options{
			Capability:    cfg.Capability,
			ControlSocket: r.control.Path(),
			Trial:         trialID,
			Port:          port,
			FixturesDir:   r.opts.FixturesDir,
			LogLevel:      r.opts.AgentLogLevel,
			Config:        cfg,
		})
		if err != nil {
			return fmt.Errorf("%s agent for case %d: %w", cfg.Role, tc.Index, err)
		}
		running[cfg.Role] = p
		go func() {
			exits <- exitEvent{role: cfg.Role, code: p.Wait()}
		}()
		return nil
	}

	// abort kills whatever is still running and waits for it to exit so
	// the lane's port is free for the next trial.
	abort := func() {
		for _, p := range running {
			p.Kill()
		}
		for len(running) > 0 {
			ev := <-exits
			delete(running, ev.role)
		}
	}

	trialCtx, cancel := context.WithTimeout(ctx, r.opts.TrialTimeout)
	defer cancel()

	trial := NewTrial(tc)
	if err := spawn(tc.Server); err != nil {
		return Result{}, err
	}
	if err := trial.ServerSpawned(); err != nil {
		abort()
		return Result{}, err
	}

	for {
		var ev Event
		select {
		case msg := <-msgs:
			var ok bool
			if ev, ok = messageEvent(msg); !ok {
				logger.Warn("unexpected control message", "kind", msg.Kind.String(), "role", msg.Role.String())
				continue
			}
		case x := <-exits:
			delete(running, x.role)
			ev = Event{Kind: EventServerExit, Code: x.code}
			if x.role == vocab.RoleClient {
				ev.Kind = EventClientExit
			}
		case <-trialCtx.Done():
			state := trial.State()
			abort()
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			return Result{}, fmt.Errorf("%w: case %d %s in state %s after %s",
				ErrTrialTimeout, tc.Index, tc.ID, state, r.opts.TrialTimeout)
		}

		action, err := trial.Handle(ev)
		if err != nil {
			logger.Warn("ignoring event", "event", ev.Kind.String(), "state", trial.State().String(), "error", err)
			continue
		}
		logger.Debug("trial event",
			"event", ev.Kind.String(),
			"state", trial.State().String(),
			"action", action.String(),
		)

		switch action {
		case ActionSpawnClient:
			if err := spawn(tc.Client); err != nil {
				abort()
				return Result{}, err
			}
		case ActionCloseServer:
			// A server that already exited is not attached; nothing to close.
			hub.Send(trialID, vocab.RoleServer, ipc.KindClose)
		case ActionReconcile:
			rec := trial.Record()
			res := Result{
				Case:     tc,
				Record:   rec,
				Lane:     lane,
				Duration: time.Since(start),
				Err:      Reconcile(tc, rec),
			}
			logger.Debug("trial reconciled",
				"expected", tc.ExpectedSuccess,
				"server_exit", exitText(rec.ServerExit),
				"client_exit", exitText(rec.ClientExit),
				"passed", res.Passed(),
			)
			return res, nil
		}
	}
}

// messageEvent maps a control message to a trial event. Only the server
// may report listening and only the client may report a handshake.
func messageEvent(msg ipc.Message) (Event, bool) {
	switch {
	case msg.Kind == ipc.KindListening && msg.Role == vocab.RoleServer:
		return Event{Kind: EventListening}, true
	case msg.Kind == ipc.KindHandshakeComplete && msg.Role == vocab.RoleClient:
		return Event{Kind: EventHandshakeComplete}, true
	default:
		return Event{}, false
	}
}
