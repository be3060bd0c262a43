package ipc

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/misterdjules/tlscompat/pkg/vocab"
)

type attachKey struct {
	trial string
	role  vocab.Role
}

type registration struct {
	events chan<- Message
	done   chan struct{}
}

// attachment is one live agent stream. Sends are serialized; gRPC forbids
// concurrent SendMsg on a stream.
type attachment struct {
	mu     sync.Mutex
	stream Control_AttachServer
}

func (a *attachment) send(m Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stream.Send(m.toStruct())
}

// Hub routes agent messages to the trial that spawned the agent and
// delivers coordinator instructions to attached agents. It implements
// ControlServer.
type Hub struct {
	UnimplementedControlServer

	logger *slog.Logger

	mu       sync.Mutex
	trials   map[string]*registration
	attached map[attachKey]*attachment
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:   logger,
		trials:   make(map[string]*registration),
		attached: make(map[attachKey]*attachment),
	}
}

// Register routes messages from agents of trial to events until the
// returned function is called. Messages arriving after that are dropped.
func (h *Hub) Register(trial string, events chan<- Message) (unregister func()) {
	reg := &registration{events: events, done: make(chan struct{})}

	h.mu.Lock()
	h.trials[trial] = reg
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			if h.trials[trial] == reg {
				delete(h.trials, trial)
			}
			h.mu.Unlock()
			close(reg.done)
		})
	}
}

// Attached reports whether the agent playing role in trial has a live
// stream.
func (h *Hub) Attached(trial string, role vocab.Role) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.attached[attachKey{trial, role}]
	return ok
}

// Send delivers an instruction to an attached agent. It reports false,
// without error, when the agent is not attached.
func (h *Hub) Send(trial string, role vocab.Role, kind Kind) bool {
	h.mu.Lock()
	a, ok := h.attached[attachKey{trial, role}]
	h.mu.Unlock()
	if !ok {
		return false
	}

	if err := a.send(Message{Kind: kind, Trial: trial, Role: role}); err != nil {
		h.logger.Debug("control send failed", "trial", trial, "role", role.String(), "kind", kind.String(), "error", err)
		return false
	}
	return true
}

// Attach implements ControlServer.
func (h *Hub) Attach(stream Control_AttachServer) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	hello, err := messageFromStruct(first)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if hello.Kind != KindHello {
		return status.Error(codes.InvalidArgument, ErrMissingHello.Error())
	}

	key := attachKey{hello.Trial, hello.Role}

	h.mu.Lock()
	reg, ok := h.trials[hello.Trial]
	if !ok {
		h.mu.Unlock()
		return status.Error(codes.NotFound, ErrUnknownTrial.Error())
	}
	if _, dup := h.attached[key]; dup {
		h.mu.Unlock()
		return status.Error(codes.AlreadyExists, ErrDuplicateRole.Error())
	}
	h.attached[key] = &attachment{stream: stream}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.attached, key)
		h.mu.Unlock()
	}()

	h.logger.Debug("agent attached", "trial", hello.Trial, "role", hello.Role.String())

	for {
		in, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		msg, err := messageFromStruct(in)
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		// The hello fixes the sender's identity for the whole stream.
		msg.Trial, msg.Role = hello.Trial, hello.Role

		select {
		case reg.events <- msg:
		case <-reg.done:
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}
