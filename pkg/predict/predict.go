// Package predict decides, without touching the network, whether a
// handshake between a server and a client configuration should succeed.
package predict

import (
	"fmt"

	"github.com/misterdjules/tlscompat/pkg/vocab"
)

// Rule identifies one step of the decision sequence.
type Rule int

const (
	// RuleNone means every rule passed.
	RuleNone Rule = iota
	// RuleFamily fails when both sides pin different families.
	RuleFamily
	// RuleServerPolicy fails when the server's selector is not enabled by
	// the client's mask or capability.
	RuleServerPolicy
	// RuleClientPolicy fails when the client's selector is not enabled by
	// the server's mask or capability.
	RuleClientPolicy
	// RuleLegacyV2Cipher fails when legacy-v2 is pinned without the
	// compatible cipher list on both sides.
	RuleLegacyV2Cipher
)

// String returns a human-readable name for the rule.
func (r Rule) String() string {
	switch r {
	case RuleNone:
		return "None"
	case RuleFamily:
		return "Family"
	case RuleServerPolicy:
		return "ServerPolicy"
	case RuleClientPolicy:
		return "ClientPolicy"
	case RuleLegacyV2Cipher:
		return "LegacyV2Cipher"
	default:
		return fmt.Sprintf("Unknown(%d)", r)
	}
}

// Verdict is the outcome of Explain.
type Verdict struct {
	Success bool
	// Failed is the first rule that failed, RuleNone on success.
	Failed Rule
	Detail string
}

// String renders the verdict for logs.
func (v Verdict) String() string {
	if v.Success {
		return "compatible"
	}
	return fmt.Sprintf("incompatible (%s): %s", v.Failed, v.Detail)
}

// Predict reports whether server and client should complete a handshake.
// It is pure and total.
func Predict(server, client vocab.EndpointConfig) bool {
	return Explain(server, client).Success
}

// Explain runs the decision sequence and reports the first failing rule.
func Explain(server, client vocab.EndpointConfig) Verdict {
	if !familiesCompatible(server.Selector, client.Selector) {
		return fail(RuleFamily, "server pins %s, client pins %s",
			server.Selector.Family, client.Selector.Family)
	}

	if !client.PermitsPeer(server.Selector) {
		return fail(RuleServerPolicy, "client (opts=%q cap=%s) does not enable %s",
			client.Mask, client.Capability, server.Selector.Family)
	}
	if !server.PermitsPeer(client.Selector) {
		return fail(RuleClientPolicy, "server (opts=%q cap=%s) does not enable %s",
			server.Mask, server.Capability, client.Selector.Family)
	}

	if server.Selector.Names(vocab.FamilyLegacyV2) || client.Selector.Names(vocab.FamilyLegacyV2) {
		if server.Cipher != vocab.LegacyV2Ciphers || client.Cipher != vocab.LegacyV2Ciphers {
			return fail(RuleLegacyV2Cipher, "legacy-v2 needs %q on both sides (server=%q client=%q)",
				vocab.LegacyV2Ciphers, server.Cipher, client.Cipher)
		}
	}

	return Verdict{Success: true}
}

// familiesCompatible ignores role suffixes: only the family is compared.
func familiesCompatible(server, client vocab.Selector) bool {
	if server.AutoNegotiates() || client.AutoNegotiates() {
		return true
	}
	return server.Family == client.Family
}

func fail(rule Rule, format string, args ...any) Verdict {
	return Verdict{Failed: rule, Detail: fmt.Sprintf(format, args...)}
}
