package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/misterdjules/tlscompat/pkg/vocab"
)

// ErrEmptySocketPath is returned when an empty socket path is provided.
var ErrEmptySocketPath = errors.New("socket path cannot be empty")

// ErrUnexpectedInstruction is returned when the coordinator sends a
// message an agent cannot act on.
var ErrUnexpectedInstruction = errors.New("ipc: unexpected instruction")

// Session is an agent's attachment to the coordinator.
type Session struct {
	conn   *grpc.ClientConn
	stream Control_AttachClient
	cancel context.CancelFunc
	trial  string
	role   vocab.Role

	sendMu sync.Mutex
}

// Dial connects to the coordinator's socket and identifies the agent. The
// returned session is attached once Dial returns.
func Dial(ctx context.Context, sockPath, trial string, role vocab.Role) (*Session, error) {
	if sockPath == "" {
		return nil, ErrEmptySocketPath
	}

	conn, err := grpc.NewClient(
		"unix://"+sockPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to control socket: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	stream, err := NewControlClient(conn).Attach(streamCtx, grpc.WaitForReady(true))
	stop()
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("Attach stream failed: %w", err)
	}

	s := &Session{conn: conn, stream: stream, cancel: cancel, trial: trial, role: role}
	if err := s.send(KindHello); err != nil {
		s.Close()
		return nil, fmt.Errorf("hello failed: %w", err)
	}
	return s, nil
}

func (s *Session) send(kind Kind) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.stream.Send(Message{Kind: kind, Trial: s.trial, Role: s.role}.toStruct())
}

// NotifyListening tells the coordinator the server listener is bound.
func (s *Session) NotifyListening() error {
	return s.send(KindListening)
}

// NotifyHandshakeComplete tells the coordinator the client handshake
// succeeded, then waits until the coordinator has consumed the message.
func (s *Session) NotifyHandshakeComplete(ctx context.Context) error {
	if err := s.send(KindHandshakeComplete); err != nil {
		return err
	}
	return s.Drain(ctx)
}

// Drain half-closes the stream and waits for the coordinator to finish
// reading it.
func (s *Session) Drain(ctx context.Context) error {
	if err := s.stream.CloseSend(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		for {
			if _, err := s.stream.Recv(); err != nil {
				if errors.Is(err, io.EOF) {
					err = nil
				}
				done <- err
				return
			}
		}
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitClose blocks until the coordinator sends a close instruction. It
// returns an error if the stream fails first.
func (s *Session) WaitClose() error {
	for {
		in, err := s.stream.Recv()
		if err != nil {
			return fmt.Errorf("control stream lost: %w", err)
		}
		msg, err := messageFromStruct(in)
		if err != nil {
			return err
		}
		if msg.Kind == KindClose {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnexpectedInstruction, msg.Kind)
	}
}

// Close releases the stream and connection.
func (s *Session) Close() error {
	s.cancel()
	return s.conn.Close()
}
