package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/misterdjules/tlscompat/internal/config"
	"github.com/misterdjules/tlscompat/internal/fixtures"
	"github.com/misterdjules/tlscompat/internal/ipc"
	"github.com/misterdjules/tlscompat/internal/orchestrator"
	"github.com/misterdjules/tlscompat/internal/report"
	"github.com/misterdjules/tlscompat/internal/watch"
	"github.com/misterdjules/tlscompat/pkg/matrix"
	"github.com/misterdjules/tlscompat/pkg/predict"
	"github.com/misterdjules/tlscompat/pkg/vocab"
)

// doneBanner is printed only when every selected trial reconciled.
const doneBanner = "All tests done!"

// defaultQuiet is how long watch waits after the last fixture change.
const defaultQuiet = 500 * time.Millisecond

// ErrBadArguments is returned for unexpected positional arguments.
var ErrBadArguments = errors.New("unexpected arguments")

// CLI implements the tlscompat commands.
type CLI struct {
	output    io.Writer
	logOutput io.Writer
}

// NewCLI creates a CLI printing results to output and JSON logs to
// logOutput.
func NewCLI(output, logOutput io.Writer) *CLI {
	return &CLI{output: output, logOutput: logOutput}
}

func (c *CLI) newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(c.logOutput, &slog.HandlerOptions{
		Level: level,
	}))
}

// listFlag collects a repeatable flag; each value may also be a
// comma-separated list.
type listFlag []string

func (l *listFlag) String() string {
	return strings.Join(*l, ",")
}

func (l *listFlag) Set(value string) error {
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*l = append(*l, part)
		}
	}
	return nil
}

// runFlags are shared by run and watch.
type runFlags struct {
	fs *flag.FlagSet

	configPath    string
	logLevel      string
	port          int
	workers       int
	trialTimeout  int
	limit         int
	filter        listFlag
	skip          listFlag
	jsonOutput    string
	fixturesDir   string
	agentPath     string
	agentLogLevel string
}

func newRunFlags(name string, output io.Writer) *runFlags {
	f := &runFlags{fs: flag.NewFlagSet(name, flag.ContinueOnError)}
	f.fs.SetOutput(output)

	f.fs.StringVar(&f.configPath, "config", "", "Path to TOML suite configuration file (default: ~/.config/tlscompat/suite.toml if present)")
	f.fs.StringVar(&f.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	f.fs.IntVar(&f.port, "port", config.DefaultPort, "TCP port of the first worker lane")
	f.fs.IntVar(&f.workers, "workers", 1, "Number of parallel worker lanes")
	f.fs.IntVar(&f.trialTimeout, "trial-timeout", 30, "Per-trial timeout in seconds")
	f.fs.IntVar(&f.limit, "limit", 0, "Run at most this many cases (0 for all)")
	f.fs.Var(&f.filter, "filter", "Glob of case names to run (repeatable, comma-separated)")
	f.fs.Var(&f.skip, "skip", "Glob of case names to skip (repeatable, comma-separated)")
	f.fs.StringVar(&f.jsonOutput, "json-output", "", "Write JSON test results to this file")
	f.fs.StringVar(&f.fixturesDir, "fixtures", "", "Directory holding agent.crt and agent.key")
	f.fs.StringVar(&f.agentPath, "agent-path", "", "Agent executable (default: this binary)")
	f.fs.StringVar(&f.agentLogLevel, "agent-log-level", "info", "Log level passed to agents")
	return f
}

func (f *runFlags) parse(args []string) error {
	if err := f.fs.Parse(args); err != nil {
		return err
	}
	if f.fs.NArg() > 0 {
		return fmt.Errorf("%w: %s", ErrBadArguments, strings.Join(f.fs.Args(), " "))
	}
	return nil
}

// suiteConfig builds the effective configuration. Flags set on the
// command line override file settings. Without -config the default suite
// file is read when it exists.
func (f *runFlags) suiteConfig() (config.SuiteConfig, error) {
	cfg := config.DefaultSuiteConfig()
	path := f.configPath
	if path == "" {
		if def := config.DefaultPaths().ConfigFile; fileExists(def) {
			path = def
		}
	}
	if path != "" {
		fileCfg, err := config.LoadSuiteConfig(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to load config file: %w", err)
		}
		cfg = *fileCfg
	}

	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "port":
			cfg.Run.Port = f.port
		case "workers":
			cfg.Run.Workers = f.workers
		case "trial-timeout":
			cfg.Run.TrialTimeoutSeconds = f.trialTimeout
		case "limit":
			cfg.Run.Limit = f.limit
		case "filter":
			cfg.Run.Filter = f.filter
		case "skip":
			cfg.Run.Skip = f.skip
		case "json-output":
			cfg.Run.JSONOutput = config.ExpandPath(f.jsonOutput)
		case "fixtures":
			cfg.Fixtures.Dir = config.ExpandPath(f.fixturesDir)
		case "agent-path":
			cfg.Agent.Path = config.ExpandPath(f.agentPath)
		case "agent-log-level":
			cfg.Agent.LogLevel = f.agentLogLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (f *runFlags) logger(c *CLI) (*slog.Logger, error) {
	level, ok := config.ParseLogLevel(f.logLevel)
	if !ok {
		return nil, fmt.Errorf("unknown log level %q", f.logLevel)
	}
	return c.newLogger(level), nil
}

// Run executes the selected matrix once.
func (c *CLI) Run(ctx context.Context, args []string) error {
	f := newRunFlags("run", c.output)
	if err := f.parse(args); err != nil {
		return err
	}
	cfg, err := f.suiteConfig()
	if err != nil {
		return err
	}
	logger, err := f.logger(c)
	if err != nil {
		return err
	}
	return c.runSuite(ctx, cfg, logger)
}

// runSuite runs one pass of the matrix under cfg and writes the results
// file when one is configured.
func (c *CLI) runSuite(ctx context.Context, cfg config.SuiteConfig, logger *slog.Logger) error {
	generated, err := fixtures.Ensure(cfg.Fixtures.Dir)
	if err != nil {
		return fmt.Errorf("failed to prepare fixtures: %w", err)
	}
	if generated {
		logger.Info("generated fixtures", "dir", cfg.Fixtures.Dir)
	}

	all := matrix.BuildDefault()
	selected := matrix.Selection{
		Include: cfg.Run.Filter,
		Exclude: cfg.Run.Skip,
		Limit:   cfg.Run.Limit,
	}.Apply(all)

	runID := uuid.NewString()
	sockPath := filepath.Join(os.TempDir(), "tlscompat-"+runID[:8]+".sock")
	control, err := ipc.NewServer(sockPath, ipc.NewHub(logger))
	if err != nil {
		return fmt.Errorf("failed to open control socket: %w", err)
	}
	go control.Start()
	defer control.Stop()

	spawner, err := orchestrator.NewExecSpawner(cfg.Agent.Path, logger)
	if err != nil {
		return err
	}
	agentLevel, _ := config.ParseLogLevel(cfg.Agent.LogLevel)
	runner := orchestrator.NewRunner(spawner, control, orchestrator.Options{
		RunID:         runID,
		Port:          cfg.Run.Port,
		Workers:       cfg.Run.Workers,
		TrialTimeout:  cfg.Run.TrialTimeout(),
		FixturesDir:   cfg.Fixtures.Dir,
		AgentLogLevel: agentLevel,
	}, logger)

	results := report.New(time.Now())
	results.SetMetadata("run_id", runID)
	chosen := make(map[int]bool, len(selected))
	for _, tc := range selected {
		chosen[tc.Index] = true
	}
	for _, tc := range all {
		if !chosen[tc.Index] {
			results.AddSkip(tc.Name(), tc.ID)
		}
	}

	logger.Info("starting suite",
		"run_id", runID,
		"cases", len(all),
		"selected", len(selected),
		"workers", cfg.Run.Workers,
		"port", cfg.Run.Port,
	)

	passed := 0
	runErr := runner.Run(ctx, selected, func(res orchestrator.Result) {
		if err := results.AddResult(res.Case.Name(), res.Case.ID, res.Err); err != nil {
			logger.Warn("failed to record result", "error", err)
		}
		if res.Passed() {
			passed++
		}
		logger.Info("trial finished",
			"case_id", res.Case.ID,
			"server", res.Case.Server.Key(),
			"client", res.Case.Client.Key(),
			"expected", res.Case.ExpectedSuccess,
			"passed", res.Passed(),
			"lane", res.Lane,
			"duration", res.Duration.String(),
		)
	})
	if runErr != nil {
		results.SetInterrupted()
	}

	if cfg.Run.JSONOutput != "" {
		if err := results.WriteToFile(cfg.Run.JSONOutput); err != nil {
			return errors.Join(runErr, fmt.Errorf("failed to write results: %w", err))
		}
	}

	logger.Info("suite finished", "run_id", runID, "passed", passed, "selected", len(selected))
	if runErr != nil {
		return runErr
	}

	fmt.Fprintln(c.output, doneBanner)
	return nil
}

// Watch runs the suite, then runs it again whenever the fixture files
// change, until ctx is canceled. Failed passes are logged, not returned.
func (c *CLI) Watch(ctx context.Context, args []string) error {
	f := newRunFlags("watch", c.output)
	var quiet time.Duration
	f.fs.DurationVar(&quiet, "quiet", defaultQuiet, "Wait this long after the last change before re-running")
	if err := f.parse(args); err != nil {
		return err
	}
	cfg, err := f.suiteConfig()
	if err != nil {
		return err
	}
	logger, err := f.logger(c)
	if err != nil {
		return err
	}

	pass := func(reason string) {
		logger.Info("running suite", "reason", reason)
		if err := c.runSuite(ctx, cfg, logger); err != nil && ctx.Err() == nil {
			logger.Error("suite failed", "error", err)
		}
	}
	pass("start")
	if ctx.Err() != nil {
		return nil
	}

	if err := os.MkdirAll(cfg.Fixtures.Dir, 0700); err != nil {
		return err
	}
	events := make(chan watch.Event, 16)
	w, err := watch.NewWatcher(cfg.Fixtures.Dir, events, fixtures.CertFile, fixtures.KeyFile)
	if err != nil {
		return err
	}
	defer w.Close()
	w.SetErrorCallback(func(err error) {
		logger.Warn("watcher error", "error", err)
	})
	go w.Start(ctx)

	logger.Info("watching fixtures", "dir", cfg.Fixtures.Dir)
	watch.Debounce(ctx, events, quiet, func(batch []watch.Event) {
		for _, ev := range batch {
			logger.Debug("fixture changed", "path", ev.Path, "op", ev.Op.String())
		}
		pass("fixtures changed")
	})
	return nil
}

// List prints the selected matrix with predicted outcomes.
func (c *CLI) List(args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(c.output)
	var filter, skip listFlag
	fs.Var(&filter, "filter", "Glob of case names to list (repeatable, comma-separated)")
	fs.Var(&skip, "skip", "Glob of case names to omit (repeatable, comma-separated)")
	limit := fs.Int("limit", 0, "List at most this many cases (0 for all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: %s", ErrBadArguments, strings.Join(fs.Args(), " "))
	}

	cases := matrix.Selection{Include: filter, Exclude: skip, Limit: *limit}.Apply(matrix.BuildDefault())

	tw := tabwriter.NewWriter(c.output, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tID\tEXPECT\tNAME\tREASON")
	for _, tc := range cases {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			tc.Index, tc.ID, expectation(tc.ExpectedSuccess), tc.Name(), tc.Verdict)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.output, "\n%d cases\n", len(cases))
	return nil
}

func expectation(success bool) string {
	if success {
		return report.Pass
	}
	return report.Fail
}

// endpointFlags binds the flags describing one endpoint.
type endpointFlags struct {
	proto, opts, capability, ciphers string
}

func (e *endpointFlags) bind(fs *flag.FlagSet, role vocab.Role) {
	prefix := role.String() + "-"
	fs.StringVar(&e.proto, prefix+"proto", "", "Protocol selector, e.g. modern-v1 or legacy-v2/"+role.String()+" (empty: unspecified)")
	fs.StringVar(&e.opts, prefix+"opts", "", "Option mask: empty, 0, or no-legacy-v2|no-legacy-v3")
	fs.StringVar(&e.capability, prefix+"cap", "none", "Capability: none, enable-legacy-v2 or enable-legacy-v3")
	fs.StringVar(&e.ciphers, prefix+"ciphers", "", "Cipher list joined with ':' (empty: default)")
}

func (e *endpointFlags) config(role vocab.Role) (vocab.EndpointConfig, error) {
	sel, err := vocab.ParseSelector(e.proto)
	if err != nil {
		return vocab.EndpointConfig{}, fmt.Errorf("%s: %w", role, err)
	}
	mask, err := vocab.ParseOptionMask(e.opts)
	if err != nil {
		return vocab.EndpointConfig{}, fmt.Errorf("%s: %w", role, err)
	}
	capability, err := vocab.ParseCapability(e.capability)
	if err != nil {
		return vocab.EndpointConfig{}, fmt.Errorf("%s: %w", role, err)
	}
	return vocab.EndpointConfig{
		Role:       role,
		Selector:   sel,
		Mask:       mask,
		Capability: capability,
		Cipher:     vocab.CipherRestriction(e.ciphers),
	}, nil
}

// Predict prints the predicted outcome of a single pairing.
func (c *CLI) Predict(args []string) error {
	fs := flag.NewFlagSet("predict", flag.ContinueOnError)
	fs.SetOutput(c.output)
	var server, client endpointFlags
	server.bind(fs, vocab.RoleServer)
	client.bind(fs, vocab.RoleClient)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: %s", ErrBadArguments, strings.Join(fs.Args(), " "))
	}

	s, err := server.config(vocab.RoleServer)
	if err != nil {
		return err
	}
	cl, err := client.config(vocab.RoleClient)
	if err != nil {
		return err
	}

	verdict := predict.Explain(s, cl)
	fmt.Fprintf(c.output, "Server: %s\n", s)
	fmt.Fprintf(c.output, "Client: %s\n", cl)
	fmt.Fprintf(c.output, "Case ID: %s\n", matrix.CaseID(s, cl))
	fmt.Fprintf(c.output, "Expect: %s\n", expectation(verdict.Success))
	fmt.Fprintf(c.output, "Reason: %s\n", verdict)
	for _, cfg := range []vocab.EndpointConfig{s, cl} {
		if !cfg.Sensible() {
			fmt.Fprintf(c.output, "Note: %s config is not one the generator produces\n", cfg.Role)
		}
	}
	return nil
}

// Fixtures generates the agent certificate and key.
func (c *CLI) Fixtures(args []string) error {
	fs := flag.NewFlagSet("fixtures", flag.ContinueOnError)
	fs.SetOutput(c.output)
	dir := fs.String("dir", "", "Directory to write agent.crt and agent.key (default: data dir)")
	force := fs.Bool("force", false, "Replace existing fixtures")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: %s", ErrBadArguments, strings.Join(fs.Args(), " "))
	}

	target := config.ExpandPath(*dir)
	if target == "" {
		paths := config.DefaultPaths()
		if err := paths.EnsureDirectories(); err != nil {
			return fmt.Errorf("failed to create directories: %w", err)
		}
		target = paths.FixturesDir
	}

	if fixtures.Exists(target) && !*force {
		fmt.Fprintf(c.output, "Fixtures already present in %s (use -force to replace)\n", target)
		return nil
	}
	if err := fixtures.Generate(target); err != nil {
		return fmt.Errorf("failed to generate fixtures: %w", err)
	}
	fmt.Fprintf(c.output, "Wrote %s and %s\n", fixtures.CertPath(target), fixtures.KeyPath(target))
	return nil
}

// printUsage prints the CLI usage information to stdout.
func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo prints the CLI usage information to the given writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, "Usage: tlscompat <command> [arguments]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run        Run the handshake matrix")
	fmt.Fprintln(w, "  watch      Run the matrix and re-run it when fixtures change")
	fmt.Fprintln(w, "  list       Print the matrix with predicted outcomes")
	fmt.Fprintln(w, "  predict    Predict the outcome of one server/client pair")
	fmt.Fprintln(w, "  fixtures   Generate the agent certificate and key")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  tlscompat run -workers 4 -json-output results.json")
	fmt.Fprintln(w, "  tlscompat run -filter 'server[proto=legacy-v2*' -limit 10")
	fmt.Fprintln(w, "  tlscompat list -filter '*enable-legacy-v3*'")
	fmt.Fprintln(w, "  tlscompat predict -server-proto legacy-v3 -server-cap enable-legacy-v3 -client-cap enable-legacy-v3")
	fmt.Fprintln(w, "  tlscompat fixtures -dir ./fixtures")
}
