// Package agent is the runtime of a spawned handshake endpoint. An agent
// plays exactly one role for one trial, reports progress to the
// coordinator over the control socket, and communicates its outcome
// through its exit code.
package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/misterdjules/tlscompat/internal/codec"
	"github.com/misterdjules/tlscompat/internal/config"
	"github.com/misterdjules/tlscompat/internal/fixtures"
	"github.com/misterdjules/tlscompat/internal/ipc"
	"github.com/misterdjules/tlscompat/pkg/vocab"
)

// Host is the loopback address agents listen on and dial.
const Host = "127.0.0.1"

// HandshakeTimeout bounds a single handshake attempt.
const HandshakeTimeout = 10 * time.Second

// Options is a parsed agent invocation.
type Options struct {
	Capability    vocab.Capability
	ControlSocket string
	Trial         string
	Port          int
	FixturesDir   string
	LogLevel      slog.Level
	Config        vocab.EndpointConfig
}

// Addr returns the TCP address of the trial's server.
func (o Options) Addr() string {
	return net.JoinHostPort(Host, strconv.Itoa(o.Port))
}

// Args renders the launch flags and positional arguments that ParseArgs
// reads back into opts. The config token is passed separately since it is
// produced by the codec.
func Args(opts Options, token string) []string {
	var args []string
	if capFlag := opts.Capability.Flag(); capFlag != "" {
		args = append(args, capFlag)
	}
	args = append(args,
		"-control", opts.ControlSocket,
		"-trial", opts.Trial,
		"-port", strconv.Itoa(opts.Port),
		"-fixtures", opts.FixturesDir,
		"-log-level", levelName(opts.LogLevel),
		opts.Config.Role.String(),
		token,
	)
	return args
}

func levelName(l slog.Level) string {
	switch {
	case l <= slog.LevelDebug:
		return "debug"
	case l <= slog.LevelInfo:
		return "info"
	case l <= slog.LevelWarn:
		return "warn"
	default:
		return "error"
	}
}

// ParseArgs parses an agent command line (without the program name or
// subcommand). Usage problems wrap FailureUsage, token problems wrap
// FailureConfig.
func ParseArgs(args []string, output io.Writer) (Options, error) {
	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: tlscompat agent [flags] <server|client> <config-token>")
		fs.PrintDefaults()
	}

	enableV2 := fs.Bool("enable-legacy-v2", false, "Enable the legacy-v2 protocol family")
	enableV3 := fs.Bool("enable-legacy-v3", false, "Enable the legacy-v3 protocol family")
	control := fs.String("control", "", "Coordinator control socket path")
	trial := fs.String("trial", "", "Trial identifier assigned by the coordinator")
	port := fs.Int("port", config.DefaultPort, "TCP port of the trial's server")
	fixturesDir := fs.String("fixtures", "", "Directory holding agent.crt and agent.key")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return Options{}, fmt.Errorf("%w: %w", FailureUsage, err)
	}

	var opts Options
	opts.LogLevel, _ = config.ParseLogLevel(*logLevel)

	switch {
	case *enableV2 && *enableV3:
		return opts, fmt.Errorf("%w: at most one capability flag may be given", FailureUsage)
	case *enableV2:
		opts.Capability = vocab.CapEnableLegacyV2
	case *enableV3:
		opts.Capability = vocab.CapEnableLegacyV3
	}

	if fs.NArg() != 2 {
		fs.Usage()
		return opts, fmt.Errorf("%w: expected <role> <config-token>, got %d arguments", FailureUsage, fs.NArg())
	}
	role, err := vocab.ParseRole(fs.Arg(0))
	if err != nil {
		return opts, fmt.Errorf("%w: %w", FailureUsage, err)
	}

	if *control == "" {
		return opts, fmt.Errorf("%w: -control is required", FailureUsage)
	}
	if *trial == "" {
		return opts, fmt.Errorf("%w: -trial is required", FailureUsage)
	}
	if *port < 1 || *port > 65535 {
		return opts, fmt.Errorf("%w: port %d out of range", FailureUsage, *port)
	}
	if role == vocab.RoleServer && *fixturesDir == "" {
		return opts, fmt.Errorf("%w: -fixtures is required for the server role", FailureUsage)
	}

	cfg, err := codec.DecodeFor(role, fs.Arg(1))
	if err != nil {
		return opts, fmt.Errorf("%w: %w", FailureConfig, err)
	}
	cfg.Capability = opts.Capability

	opts.ControlSocket = *control
	opts.Trial = *trial
	opts.Port = *port
	opts.FixturesDir = *fixturesDir
	opts.Config = cfg
	return opts, nil
}

// Main runs an agent to completion and returns its exit code. Logs are
// written as JSON to stderr.
func Main(args []string, stderr io.Writer) int {
	opts, err := ParseArgs(args, stderr)

	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{
		Level: opts.LogLevel,
	})).With("trial", opts.Trial)

	if err != nil {
		logger.Error("invalid agent invocation", "error", err)
		return ExitCode(err)
	}
	logger = logger.With("role", opts.Config.Role.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx, opts, logger); err != nil {
		logger.Error("agent failed", "error", err)
		return ExitCode(err)
	}
	logger.Debug("agent finished")
	return ExitSuccess
}

// Run performs the role described by opts.
func Run(ctx context.Context, opts Options, logger *slog.Logger) error {
	logger.Debug("agent starting",
		"config", opts.Config.Key(),
		"port", opts.Port,
	)
	if opts.Config.Role == vocab.RoleServer {
		return RunServer(ctx, opts, logger)
	}
	return RunClient(ctx, opts, logger)
}

// RunServer listens, announces itself to the coordinator and accepts
// handshakes until told to close. Any failed handshake ends the agent.
func RunServer(ctx context.Context, opts Options, logger *slog.Logger) error {
	cert, err := fixtures.Load(opts.FixturesDir)
	if err != nil {
		return fmt.Errorf("%w: %w", FailureFixtures, err)
	}
	tlsCfg, err := ServerTLSConfig(opts.Config, cert)
	if err != nil {
		return fmt.Errorf("%w: %w", FailureConfig, err)
	}

	ln, err := net.Listen("tcp", opts.Addr())
	if err != nil {
		return fmt.Errorf("%w: %w", FailureBind, err)
	}
	defer ln.Close()

	session, err := ipc.Dial(ctx, opts.ControlSocket, opts.Trial, vocab.RoleServer)
	if err != nil {
		return fmt.Errorf("%w: %w", FailureControl, err)
	}
	defer session.Close()

	if err := session.NotifyListening(); err != nil {
		return fmt.Errorf("%w: %w", FailureControl, err)
	}
	logger.Debug("server listening", "addr", ln.Addr().String())

	done := make(chan error, 2)
	go func() {
		done <- serve(ctx, ln, tlsCfg, logger)
	}()
	go func() {
		if err := session.WaitClose(); err != nil {
			done <- fmt.Errorf("%w: %w", FailureControl, err)
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", FailureControl, ctx.Err())
	}
}

// serve handshakes every accepted connection. It returns on the first
// failed handshake or when the listener closes.
func serve(ctx context.Context, ln net.Listener, tlsCfg *tls.Config, logger *slog.Logger) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("%w: %w", FailureBind, err)
		}

		state, err := handshake(ctx, tls.Server(conn, tlsCfg))
		if err != nil {
			return fmt.Errorf("%w: %w", FailureHandshake, err)
		}
		logNegotiated(logger, "server handshake complete", state)
	}
}

// RunClient connects to the trial's server, completes one handshake and
// reports it to the coordinator.
func RunClient(ctx context.Context, opts Options, logger *slog.Logger) error {
	tlsCfg, err := ClientTLSConfig(opts.Config)
	if err != nil {
		return fmt.Errorf("%w: %w", FailureConfig, err)
	}

	session, err := ipc.Dial(ctx, opts.ControlSocket, opts.Trial, vocab.RoleClient)
	if err != nil {
		return fmt.Errorf("%w: %w", FailureControl, err)
	}
	defer session.Close()

	dialer := net.Dialer{Timeout: HandshakeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", opts.Addr())
	if err != nil {
		return fmt.Errorf("%w: %w", FailureConnect, err)
	}

	state, err := handshake(ctx, tls.Client(conn, tlsCfg))
	if err != nil {
		return fmt.Errorf("%w: %w", FailureHandshake, err)
	}
	logNegotiated(logger, "client handshake complete", state)

	notifyCtx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()
	if err := session.NotifyHandshakeComplete(notifyCtx); err != nil {
		return fmt.Errorf("%w: %w", FailureControl, err)
	}
	return nil
}

// handshake runs a bounded handshake on conn and closes it.
func handshake(ctx context.Context, conn *tls.Conn) (tls.ConnectionState, error) {
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(ctx); err != nil {
		return tls.ConnectionState{}, err
	}
	return conn.ConnectionState(), nil
}

func logNegotiated(logger *slog.Logger, msg string, state tls.ConnectionState) {
	logger.Info(msg,
		"version", tls.VersionName(state.Version),
		"family", VersionFamily(state.Version).String(),
		"cipher_suite", tls.CipherSuiteName(state.CipherSuite),
	)
}
