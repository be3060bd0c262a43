package agent

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/misterdjules/tlscompat/internal/codec"
	"github.com/misterdjules/tlscompat/internal/fixtures"
	"github.com/misterdjules/tlscompat/internal/ipc"
	"github.com/misterdjules/tlscompat/pkg/vocab"
)

func mustToken(t *testing.T, cfg vocab.EndpointConfig) string {
	t.Helper()
	token, err := codec.Encode(cfg)
	require.NoError(t, err)
	return token
}

func TestParseArgs(t *testing.T) {
	server := vocab.EndpointConfig{
		Role:     vocab.RoleServer,
		Selector: vocab.Select(vocab.FamilyLegacyV3, vocab.SuffixServer),
		Mask:     vocab.Mask(vocab.NoLegacyV2),
	}
	token := mustToken(t, server)

	opts, err := ParseArgs([]string{
		"-enable-legacy-v3",
		"-control", "/tmp/c.sock",
		"-trial", "t-7",
		"-port", "20001",
		"-fixtures", "/tmp/fx",
		"-log-level", "debug",
		"server", token,
	}, io.Discard)
	require.NoError(t, err)

	want := server
	want.Capability = vocab.CapEnableLegacyV3
	assert.Equal(t, want, opts.Config)
	assert.Equal(t, vocab.CapEnableLegacyV3, opts.Capability)
	assert.Equal(t, "/tmp/c.sock", opts.ControlSocket)
	assert.Equal(t, "t-7", opts.Trial)
	assert.Equal(t, 20001, opts.Port)
	assert.Equal(t, "/tmp/fx", opts.FixturesDir)
	assert.Equal(t, slog.LevelDebug, opts.LogLevel)
	assert.Equal(t, "127.0.0.1:20001", opts.Addr())
}

func TestParseArgs_Errors(t *testing.T) {
	serverToken := mustToken(t, vocab.EndpointConfig{Role: vocab.RoleServer})
	base := []string{"-control", "/tmp/c.sock", "-trial", "t", "-fixtures", "/tmp/fx"}

	tests := []struct {
		name string
		args []string
		want Failure
	}{
		{"unknown flag", append([]string{"-bogus"}, base...), FailureUsage},
		{"both capabilities", append([]string{"-enable-legacy-v2", "-enable-legacy-v3"}, append(base, "server", serverToken)...), FailureUsage},
		{"missing token", append(base, "server"), FailureUsage},
		{"extra argument", append(base, "server", serverToken, "more"), FailureUsage},
		{"unknown role", append(base, "proxy", serverToken), FailureUsage},
		{"missing control", []string{"-trial", "t", "-fixtures", "/tmp/fx", "server", serverToken}, FailureUsage},
		{"missing trial", []string{"-control", "/tmp/c.sock", "-fixtures", "/tmp/fx", "server", serverToken}, FailureUsage},
		{"server without fixtures", []string{"-control", "/tmp/c.sock", "-trial", "t", "server", serverToken}, FailureUsage},
		{"port out of range", append([]string{"-port", "0"}, append(base, "server", serverToken)...), FailureUsage},
		{"garbage token", append(base, "server", "0OIl"), FailureConfig},
		{"token for other role", append(base, "client", serverToken), FailureConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseArgs(tt.args, io.Discard)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, ExitUsage, ExitCode(err))
		})
	}
}

func TestParseArgs_ClientNeedsNoFixtures(t *testing.T) {
	token := mustToken(t, vocab.EndpointConfig{Role: vocab.RoleClient})
	opts, err := ParseArgs([]string{"-control", "/tmp/c.sock", "-trial", "t", "client", token}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, vocab.RoleClient, opts.Config.Role)
	assert.Equal(t, vocab.CapNone, opts.Capability)
}

func TestArgsRoundTrip(t *testing.T) {
	cfg := vocab.EndpointConfig{
		Role:       vocab.RoleClient,
		Selector:   vocab.Select(vocab.FamilyLegacyV2, vocab.SuffixClient),
		Mask:       vocab.Mask(),
		Capability: vocab.CapEnableLegacyV2,
		Cipher:     vocab.LegacyV2Ciphers,
	}
	opts := Options{
		Capability:    cfg.Capability,
		ControlSocket: "/tmp/c.sock",
		Trial:         "t-1",
		Port:          12350,
		FixturesDir:   "/tmp/fx",
		LogLevel:      slog.LevelWarn,
		Config:        cfg,
	}

	parsed, err := ParseArgs(Args(opts, mustToken(t, cfg)), io.Discard)
	require.NoError(t, err)
	assert.Equal(t, opts, parsed)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, ExitCode(nil))
	assert.Equal(t, ExitFailure, ExitCode(errors.New("boom")))
	assert.Equal(t, ExitFailure, ExitCode(FailureHandshake))
	assert.Equal(t, ExitFailure, ExitCode(FailureBind))
	assert.Equal(t, ExitUsage, ExitCode(FailureUsage))
	assert.Equal(t, "malformed_config", FailureConfig.Error())
}

func TestMain_UsageExitCode(t *testing.T) {
	var stderr bytes.Buffer
	code := Main([]string{"server"}, &stderr)
	assert.Equal(t, ExitUsage, code)
	assert.Contains(t, stderr.String(), "invalid agent invocation")
}

// trialHarness runs agents in-process against a real control server.
type trialHarness struct {
	server   *ipc.Server
	events   chan ipc.Message
	fixtures string
	port     int
}

func newTrialHarness(t *testing.T) *trialHarness {
	t.Helper()

	dir := t.TempDir()
	server, err := ipc.NewServer(filepath.Join(dir, "control.sock"), ipc.NewHub(nil))
	require.NoError(t, err)
	go server.Start()
	t.Cleanup(server.Stop)

	fixturesDir := filepath.Join(dir, "fixtures")
	require.NoError(t, fixtures.Generate(fixturesDir))

	events := make(chan ipc.Message, 8)
	unregister := server.Hub().Register("trial", events)
	t.Cleanup(unregister)

	return &trialHarness{server: server, events: events, fixtures: fixturesDir, port: freePort(t)}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func (h *trialHarness) options(cfg vocab.EndpointConfig) Options {
	return Options{
		Capability:    cfg.Capability,
		ControlSocket: h.server.Path(),
		Trial:         "trial",
		Port:          h.port,
		FixturesDir:   h.fixtures,
		Config:        cfg,
	}
}

func (h *trialHarness) expect(t *testing.T, kind ipc.Kind) ipc.Message {
	t.Helper()
	select {
	case msg := <-h.events:
		require.Equal(t, kind, msg.Kind)
		return msg
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s", kind)
		return ipc.Message{}
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestRunServerAndClient_Success(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping loopback integration test in short mode")
	}
	h := newTrialHarness(t)
	ctx := context.Background()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- RunServer(ctx, h.options(vocab.EndpointConfig{Role: vocab.RoleServer}), discardLogger())
	}()
	h.expect(t, ipc.KindListening)

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	require.NoError(t, RunClient(ctx, h.options(vocab.EndpointConfig{Role: vocab.RoleClient}), logger))
	h.expect(t, ipc.KindHandshakeComplete)

	assert.Contains(t, logs.String(), `"version":"TLS 1.3"`)
	assert.Contains(t, logs.String(), `"family":"modern-v1"`)

	require.True(t, h.server.Hub().Send("trial", vocab.RoleServer, ipc.KindClose))
	select {
	case err := <-serverDone:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not close")
	}
}

func TestRunServerAndClient_FamilyMismatch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping loopback integration test in short mode")
	}
	h := newTrialHarness(t)
	ctx := context.Background()

	server := vocab.EndpointConfig{
		Role:     vocab.RoleServer,
		Selector: vocab.Select(vocab.FamilyModernV1, vocab.SuffixServer),
	}
	client := vocab.EndpointConfig{
		Role:       vocab.RoleClient,
		Selector:   vocab.Select(vocab.FamilyLegacyV3, vocab.SuffixClient),
		Capability: vocab.CapEnableLegacyV3,
	}

	serverDone := make(chan error, 1)
	go func() { serverDone <- RunServer(ctx, h.options(server), discardLogger()) }()
	h.expect(t, ipc.KindListening)

	err := RunClient(ctx, h.options(client), discardLogger())
	assert.ErrorIs(t, err, FailureHandshake)

	select {
	case err := <-serverDone:
		assert.ErrorIs(t, err, FailureHandshake)
		assert.Equal(t, ExitFailure, ExitCode(err))
	case <-time.After(10 * time.Second):
		t.Fatal("server did not exit after failed handshake")
	}
}

func TestRunServer_MissingFixtures(t *testing.T) {
	opts := Options{
		ControlSocket: "/nonexistent.sock",
		Trial:         "t",
		Port:          freePort(t),
		FixturesDir:   t.TempDir(),
		Config:        vocab.EndpointConfig{Role: vocab.RoleServer},
	}
	err := RunServer(context.Background(), opts, discardLogger())
	assert.ErrorIs(t, err, FailureFixtures)
}

func TestRunServer_PortInUse(t *testing.T) {
	h := newTrialHarness(t)

	ln, err := net.Listen("tcp", net.JoinHostPort(Host, "0"))
	require.NoError(t, err)
	defer ln.Close()

	opts := h.options(vocab.EndpointConfig{Role: vocab.RoleServer})
	opts.Port = ln.Addr().(*net.TCPAddr).Port

	err = RunServer(context.Background(), opts, discardLogger())
	assert.ErrorIs(t, err, FailureBind)
}

func TestRunClient_NoServer(t *testing.T) {
	h := newTrialHarness(t)

	err := RunClient(context.Background(), h.options(vocab.EndpointConfig{Role: vocab.RoleClient}), discardLogger())
	assert.ErrorIs(t, err, FailureConnect)
}
