package ipc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/misterdjules/tlscompat/pkg/vocab"
)

// waitForSocket waits for the socket file to exist with retries.
func waitForSocket(t *testing.T, sockPath string, maxRetries int) {
	t.Helper()

	for i := 0; i < maxRetries; i++ {
		if _, err := os.Stat(sockPath); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("Socket file %s did not appear after %d retries", sockPath, maxRetries)
}

func startServer(t *testing.T) *Server {
	t.Helper()

	sockPath := filepath.Join(t.TempDir(), "control.sock")
	server, err := NewServer(sockPath, NewHub(nil))
	require.NoError(t, err)

	go server.Start()
	waitForSocket(t, sockPath, 20)
	t.Cleanup(server.Stop)
	return server
}

func TestServerStartStop(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "control.sock")

	server, err := NewServer(sockPath, NewHub(nil))
	require.NoError(t, err)
	assert.Equal(t, sockPath, server.Path())

	go server.Start()
	waitForSocket(t, sockPath, 20)

	server.Stop()

	_, err = os.Stat(sockPath)
	assert.True(t, os.IsNotExist(err), "socket should be removed on stop")
}

func TestServerRemovesStaleSocket(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "control.sock")
	require.NoError(t, os.WriteFile(sockPath, nil, 0600))

	server, err := NewServer(sockPath, NewHub(nil))
	require.NoError(t, err)
	server.Stop()
}

func TestDialEmptySocketPath(t *testing.T) {
	_, err := Dial(context.Background(), "", "t1", vocab.RoleServer)
	assert.ErrorIs(t, err, ErrEmptySocketPath)
}

func TestSessionServerLifecycle(t *testing.T) {
	server := startServer(t)
	hub := server.Hub()

	events := make(chan Message, 4)
	unregister := hub.Register("t1", events)
	defer unregister()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := Dial(ctx, server.Path(), "t1", vocab.RoleServer)
	require.NoError(t, err)
	defer session.Close()

	require.NoError(t, session.NotifyListening())

	select {
	case msg := <-events:
		assert.Equal(t, KindListening, msg.Kind)
		assert.Equal(t, vocab.RoleServer, msg.Role)
	case <-ctx.Done():
		t.Fatal("listening not delivered")
	}

	// Listening is forwarded only after the hello registered the stream.
	require.True(t, hub.Attached("t1", vocab.RoleServer))

	waited := make(chan error, 1)
	go func() { waited <- session.WaitClose() }()

	require.True(t, hub.Send("t1", vocab.RoleServer, KindClose))
	select {
	case err := <-waited:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("close not received")
	}
}

func TestSessionHandshakeCompleteIsConsumed(t *testing.T) {
	server := startServer(t)

	events := make(chan Message)
	unregister := server.Hub().Register("t1", events)
	defer unregister()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := Dial(ctx, server.Path(), "t1", vocab.RoleClient)
	require.NoError(t, err)
	defer session.Close()

	notified := make(chan error, 1)
	go func() { notified <- session.NotifyHandshakeComplete(ctx) }()

	// The unbuffered channel holds the notification back until read.
	select {
	case <-notified:
		t.Fatal("notification returned before the coordinator consumed it")
	case <-time.After(50 * time.Millisecond):
	}

	msg := <-events
	assert.Equal(t, KindHandshakeComplete, msg.Kind)
	assert.Equal(t, vocab.RoleClient, msg.Role)
	require.NoError(t, <-notified)
}

func TestSessionWaitCloseFailsWhenServerStops(t *testing.T) {
	server := startServer(t)

	unregister := server.Hub().Register("t1", make(chan Message, 1))
	defer unregister()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := Dial(ctx, server.Path(), "t1", vocab.RoleServer)
	require.NoError(t, err)
	defer session.Close()

	require.Eventually(t, func() bool { return server.Hub().Attached("t1", vocab.RoleServer) }, 2*time.Second, 5*time.Millisecond)

	server.Stop()
	assert.Error(t, session.WaitClose())
}

func TestSessionUnknownTrial(t *testing.T) {
	server := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := Dial(ctx, server.Path(), "nobody", vocab.RoleServer)
	require.NoError(t, err)
	defer session.Close()

	assert.Error(t, session.WaitClose())
}
