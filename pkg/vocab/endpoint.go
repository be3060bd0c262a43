package vocab

import (
	"fmt"
	"strings"
)

// EndpointConfig is the full configuration of one side of a handshake.
// It is a value type; copies never alias.
type EndpointConfig struct {
	Role       Role
	Selector   Selector
	Mask       OptionMask
	Capability Capability
	Cipher     CipherRestriction
}

// Sensible reports whether the config does not contradict itself: a legacy
// selector needs its own capability flag and must not be disabled by its
// own mask.
func (c EndpointConfig) Sensible() bool {
	for _, f := range []Family{FamilyLegacyV2, FamilyLegacyV3} {
		if !c.Selector.Names(f) {
			continue
		}
		if c.Mask.Forbids(f) || !c.Capability.Permits(f) {
			return false
		}
	}
	return true
}

// PermitsPeer reports whether a peer pinning sel is allowed by this
// endpoint's enablement policy. Under an unspecified mask the capability
// flag decides; under a concrete mask only the disable bits do.
func (c EndpointConfig) PermitsPeer(sel Selector) bool {
	if !sel.Family.IsLegacy() {
		return true
	}
	if !c.Mask.Specified() {
		return c.Capability.Permits(sel.Family)
	}
	return !c.Mask.Forbids(sel.Family)
}

// Enables reports whether this endpoint, negotiating automatically, would
// accept family f.
func (c EndpointConfig) Enables(f Family) bool {
	return c.PermitsPeer(Selector{Family: f})
}

// Key is a compact, unambiguous rendering of every field. It is stable
// across releases and is used to derive case identifiers.
func (c EndpointConfig) Key() string {
	fields := []string{
		"proto=" + c.Selector.String(),
		"opts=" + maskKey(c.Mask),
		"cap=" + c.Capability.String(),
		"ciphers=" + string(c.Cipher),
	}
	return strings.Join(fields, ",")
}

// String is Key prefixed with the role.
func (c EndpointConfig) String() string {
	return fmt.Sprintf("%s[%s]", c.Role, c.Key())
}

func maskKey(m OptionMask) string {
	if !m.Specified() {
		return "unset"
	}
	return m.String()
}
