// Package codec serializes an EndpointConfig into a single argv-safe token
// and validates tokens on receipt.
//
// Format: base58(proto.Marshal(structpb.Struct)) where the struct carries
// the fields version, role, selector, mask and cipher. The capability flag
// is deliberately absent: it travels as an agent launch flag.
package codec

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mr-tron/base58"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/misterdjules/tlscompat/pkg/vocab"
)

const (
	// Version is the token format version.
	Version = 1

	// MaxTokenSize bounds the decoded payload.
	MaxTokenSize = 4 << 10
)

var (
	// ErrMalformedToken is returned when a token is not valid base58 or protobuf.
	ErrMalformedToken = errors.New("codec: malformed config token")

	// ErrTokenTooLarge is returned when the decoded token exceeds MaxTokenSize.
	ErrTokenTooLarge = errors.New("codec: config token exceeds maximum size")

	// ErrUnsupportedVersion is returned for a token format this build does not read.
	ErrUnsupportedVersion = errors.New("codec: unsupported token version")

	// ErrInvalidField is returned when a field is missing, mistyped or unknown.
	ErrInvalidField = errors.New("codec: invalid config field")

	// ErrRoleMismatch is returned when the token was encoded for the other role.
	ErrRoleMismatch = errors.New("codec: config role does not match invocation role")
)

var knownFields = map[string]bool{
	"version":  true,
	"role":     true,
	"selector": true,
	"mask":     true,
	"cipher":   true,
}

// Encode renders cfg as a token.
func Encode(cfg vocab.EndpointConfig) (string, error) {
	s, err := structpb.NewStruct(map[string]any{
		"version":  Version,
		"role":     cfg.Role.String(),
		"selector": cfg.Selector.String(),
		"mask":     maskText(cfg.Mask),
		"cipher":   string(cfg.Cipher),
	})
	if err != nil {
		return "", err
	}

	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(s)
	if err != nil {
		return "", err
	}
	return base58.Encode(data), nil
}

// Decode parses and validates a token. The returned config's Capability is
// always CapNone; callers fill it from launch flags.
func Decode(token string) (vocab.EndpointConfig, error) {
	var cfg vocab.EndpointConfig

	data, err := base58.Decode(token)
	if err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if len(data) == 0 {
		return cfg, ErrMalformedToken
	}
	if len(data) > MaxTokenSize {
		return cfg, ErrTokenTooLarge
	}

	s := &structpb.Struct{}
	if err := proto.Unmarshal(data, s); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	fields := s.GetFields()

	var unknown []string
	for name := range fields {
		if !knownFields[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return cfg, fmt.Errorf("%w: unknown fields %v", ErrInvalidField, unknown)
	}

	version, ok := fields["version"].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return cfg, fmt.Errorf("%w: version", ErrInvalidField)
	}
	if version.NumberValue != Version {
		return cfg, fmt.Errorf("%w: %v", ErrUnsupportedVersion, version.NumberValue)
	}

	text := func(name string) (string, error) {
		v, ok := fields[name].GetKind().(*structpb.Value_StringValue)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrInvalidField, name)
		}
		return v.StringValue, nil
	}

	roleText, err := text("role")
	if err != nil {
		return cfg, err
	}
	if cfg.Role, err = vocab.ParseRole(roleText); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidField, err)
	}

	selText, err := text("selector")
	if err != nil {
		return cfg, err
	}
	if cfg.Selector, err = vocab.ParseSelector(selText); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidField, err)
	}

	maskValue, err := text("mask")
	if err != nil {
		return cfg, err
	}
	if cfg.Mask, err = parseMask(maskValue); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidField, err)
	}

	cipher, err := text("cipher")
	if err != nil {
		return cfg, err
	}
	cfg.Cipher = vocab.CipherRestriction(cipher)

	return cfg, nil
}

// DecodeFor decodes a token and checks it was encoded for role.
func DecodeFor(role vocab.Role, token string) (vocab.EndpointConfig, error) {
	cfg, err := Decode(token)
	if err != nil {
		return cfg, err
	}
	if cfg.Role != role {
		return cfg, fmt.Errorf("%w: token is for %s, invoked as %s", ErrRoleMismatch, cfg.Role, role)
	}
	return cfg, nil
}

// The unspecified mask must survive the round trip distinctly from "0",
// so it gets its own marker instead of the empty string.
const unsetMask = "unset"

func maskText(m vocab.OptionMask) string {
	if !m.Specified() {
		return unsetMask
	}
	return m.String()
}

func parseMask(text string) (vocab.OptionMask, error) {
	if text == unsetMask {
		return vocab.UnspecifiedMask, nil
	}
	if text == "" {
		return vocab.UnspecifiedMask, fmt.Errorf("empty mask")
	}
	return vocab.ParseOptionMask(text)
}
