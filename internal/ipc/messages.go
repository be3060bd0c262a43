// Package ipc carries the control messages exchanged between the
// coordinator and its agent processes over a gRPC stream on a unix socket.
package ipc

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/misterdjules/tlscompat/pkg/vocab"
)

// Kind tags a control message.
type Kind int

const (
	// KindHello identifies the agent; it must be the first message on a stream.
	KindHello Kind = iota
	// KindListening is sent by a server agent once its listener is bound.
	KindListening
	// KindHandshakeComplete is sent by a client agent after a successful handshake.
	KindHandshakeComplete
	// KindClose instructs a server agent to shut down gracefully.
	KindClose
)

var kindNames = map[Kind]string{
	KindHello:             "hello",
	KindListening:         "server_listening",
	KindHandshakeComplete: "client_done",
	KindClose:             "close",
}

// String returns the wire tag of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", k)
}

func parseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// Message errors.
var (
	ErrUnknownKind   = errors.New("ipc: unknown message kind")
	ErrMissingHello  = errors.New("ipc: first message must be hello")
	ErrUnknownTrial  = errors.New("ipc: trial is not registered")
	ErrDuplicateRole = errors.New("ipc: role already attached for trial")
)

// Message is one control message. Trial and Role identify the sending
// agent and are set on every agent message.
type Message struct {
	Kind  Kind
	Trial string
	Role  vocab.Role
}

// Hello returns the identifying message for an agent.
func Hello(trial string, role vocab.Role) Message {
	return Message{Kind: KindHello, Trial: trial, Role: role}
}

func (m Message) toStruct() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"kind":  structpb.NewStringValue(m.Kind.String()),
		"trial": structpb.NewStringValue(m.Trial),
		"role":  structpb.NewStringValue(m.Role.String()),
	}}
}

func messageFromStruct(s *structpb.Struct) (Message, error) {
	fields := s.GetFields()

	kind, ok := parseKind(fields["kind"].GetStringValue())
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, fields["kind"].GetStringValue())
	}
	role, err := vocab.ParseRole(fields["role"].GetStringValue())
	if err != nil {
		return Message{}, err
	}

	return Message{
		Kind:  kind,
		Trial: fields["trial"].GetStringValue(),
		Role:  role,
	}, nil
}
