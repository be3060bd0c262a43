// Package vocab defines the fixed vocabulary a handshake endpoint can be
// configured from: protocol selectors, option masks, capability flags and
// cipher restrictions.
package vocab

import (
	"errors"
	"fmt"
	"strings"
)

// Parse errors.
var (
	ErrUnknownFamily     = errors.New("vocab: unknown protocol family")
	ErrUnknownSuffix     = errors.New("vocab: unknown role suffix")
	ErrUnknownOption     = errors.New("vocab: unknown option bit")
	ErrUnknownCapability = errors.New("vocab: unknown capability flag")
	ErrUnknownRole       = errors.New("vocab: unknown role")
)

// Role is the side of the handshake an endpoint plays.
type Role int

const (
	// RoleServer listens and accepts the handshake.
	RoleServer Role = iota
	// RoleClient connects and initiates the handshake.
	RoleClient
)

// String returns the invocation token for the role.
func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return fmt.Sprintf("Unknown(%d)", r)
	}
}

// ParseRole parses "server" or "client".
func ParseRole(s string) (Role, error) {
	switch s {
	case "server":
		return RoleServer, nil
	case "client":
		return RoleClient, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
}

// Family is a major protocol version grouping.
type Family int

const (
	// FamilyNone is the family of the unspecified selector.
	FamilyNone Family = iota
	// FamilyLegacyV2 is the oldest legacy family. It needs a dedicated
	// cipher list to negotiate at all.
	FamilyLegacyV2
	// FamilyLegacyV3 is the second legacy family.
	FamilyLegacyV3
	// FamilyModernV1 is the modern family. It cannot be disabled.
	FamilyModernV1
	// FamilyAuto lets the library pick the highest mutually enabled version.
	FamilyAuto
)

var familyNames = map[Family]string{
	FamilyLegacyV2: "legacy-v2",
	FamilyLegacyV3: "legacy-v3",
	FamilyModernV1: "modern-v1",
	FamilyAuto:     "auto",
}

// String returns the family token.
func (f Family) String() string {
	if f == FamilyNone {
		return ""
	}
	if name, ok := familyNames[f]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", f)
}

// IsLegacy reports whether the family is gated by a capability flag and a
// disable bit.
func (f Family) IsLegacy() bool {
	return f == FamilyLegacyV2 || f == FamilyLegacyV3
}

// Suffix qualifies a selector as usable by any role or by one role only.
type Suffix int

const (
	// SuffixGeneric selects a method usable by both roles.
	SuffixGeneric Suffix = iota
	// SuffixServer selects a server-only method.
	SuffixServer
	// SuffixClient selects a client-only method.
	SuffixClient
)

// String returns the suffix token; the generic suffix has none.
func (s Suffix) String() string {
	switch s {
	case SuffixGeneric:
		return ""
	case SuffixServer:
		return "server"
	case SuffixClient:
		return "client"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Selector pins (or not) the protocol family an endpoint uses. The zero
// value is the unspecified selector.
type Selector struct {
	Family Family
	Suffix Suffix
}

// Unspecified is the selector that leaves version choice to the library.
var Unspecified = Selector{}

// Select returns a selector for family with the given role suffix.
func Select(family Family, suffix Suffix) Selector {
	return Selector{Family: family, Suffix: suffix}
}

// Specified reports whether the selector names a family.
func (s Selector) Specified() bool {
	return s.Family != FamilyNone
}

// AutoNegotiates reports whether the selector defers version choice to the
// library, either by being unspecified or by naming the auto family.
func (s Selector) AutoNegotiates() bool {
	return s.Family == FamilyNone || s.Family == FamilyAuto
}

// Names reports whether the selector pins family f.
func (s Selector) Names(f Family) bool {
	return s.Family == f
}

// String renders the selector as "family" or "family/suffix"; the
// unspecified selector renders as "".
func (s Selector) String() string {
	if !s.Specified() {
		return ""
	}
	if s.Suffix == SuffixGeneric {
		return s.Family.String()
	}
	return s.Family.String() + "/" + s.Suffix.String()
}

// ParseSelector parses the output of Selector.String.
func ParseSelector(text string) (Selector, error) {
	if text == "" {
		return Unspecified, nil
	}

	famText, sufText, _ := strings.Cut(text, "/")

	var sel Selector
	found := false
	for f, name := range familyNames {
		if name == famText {
			sel.Family = f
			found = true
			break
		}
	}
	if !found {
		return Unspecified, fmt.Errorf("%w: %q", ErrUnknownFamily, famText)
	}

	switch sufText {
	case "":
		sel.Suffix = SuffixGeneric
	case "server":
		sel.Suffix = SuffixServer
	case "client":
		sel.Suffix = SuffixClient
	default:
		return Unspecified, fmt.Errorf("%w: %q", ErrUnknownSuffix, sufText)
	}
	return sel, nil
}

// Option is one disable bit of an OptionMask.
type Option uint8

const (
	// NoLegacyV2 disables the legacy-v2 family.
	NoLegacyV2 Option = 1 << iota
	// NoLegacyV3 disables the legacy-v3 family.
	NoLegacyV3
)

var optionNames = []struct {
	bit  Option
	name string
}{
	{NoLegacyV2, "no-legacy-v2"},
	{NoLegacyV3, "no-legacy-v3"},
}

// OptionMask is an explicit set of disable bits. The zero value is the
// unspecified mask, which is distinct from an explicit empty mask: the
// unspecified mask defers to the capability flag.
type OptionMask struct {
	bits Option
	set  bool
}

// UnspecifiedMask defers protocol enablement to the capability flag.
var UnspecifiedMask = OptionMask{}

// Mask returns a concrete mask with the given bits set. Mask() is the
// explicit "allow everything" mask.
func Mask(opts ...Option) OptionMask {
	m := OptionMask{set: true}
	for _, o := range opts {
		m.bits |= o
	}
	return m
}

// Specified reports whether the mask is concrete.
func (m OptionMask) Specified() bool {
	return m.set
}

// Forbids reports whether the mask carries the disable bit for family f.
// An unspecified mask forbids nothing.
func (m OptionMask) Forbids(f Family) bool {
	if !m.set {
		return false
	}
	switch f {
	case FamilyLegacyV2:
		return m.bits&NoLegacyV2 != 0
	case FamilyLegacyV3:
		return m.bits&NoLegacyV3 != 0
	default:
		return false
	}
}

// String renders the mask as "" (unspecified), "0" (empty) or a
// "|"-joined list of bit names.
func (m OptionMask) String() string {
	if !m.set {
		return ""
	}
	if m.bits == 0 {
		return "0"
	}
	var parts []string
	for _, o := range optionNames {
		if m.bits&o.bit != 0 {
			parts = append(parts, o.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseOptionMask parses the output of OptionMask.String.
func ParseOptionMask(text string) (OptionMask, error) {
	if text == "" {
		return UnspecifiedMask, nil
	}
	if text == "0" {
		return Mask(), nil
	}

	m := Mask()
	for _, part := range strings.Split(text, "|") {
		known := false
		for _, o := range optionNames {
			if o.name == part {
				m.bits |= o.bit
				known = true
				break
			}
		}
		if !known {
			return UnspecifiedMask, fmt.Errorf("%w: %q", ErrUnknownOption, part)
		}
	}
	return m, nil
}

// Capability is an out-of-band launch switch that must be present before a
// legacy family is honored under an unspecified mask.
type Capability int

const (
	// CapNone enables no legacy family.
	CapNone Capability = iota
	// CapEnableLegacyV2 enables the legacy-v2 family.
	CapEnableLegacyV2
	// CapEnableLegacyV3 enables the legacy-v3 family.
	CapEnableLegacyV3
)

// String returns the capability name.
func (c Capability) String() string {
	switch c {
	case CapNone:
		return "none"
	case CapEnableLegacyV2:
		return "enable-legacy-v2"
	case CapEnableLegacyV3:
		return "enable-legacy-v3"
	default:
		return fmt.Sprintf("Unknown(%d)", c)
	}
}

// Flag returns the agent launch flag realizing the capability, or "" for
// CapNone.
func (c Capability) Flag() string {
	if c == CapNone {
		return ""
	}
	return "-" + c.String()
}

// Permits reports whether the capability enables family f. Non-legacy
// families are always permitted.
func (c Capability) Permits(f Family) bool {
	switch f {
	case FamilyLegacyV2:
		return c == CapEnableLegacyV2
	case FamilyLegacyV3:
		return c == CapEnableLegacyV3
	default:
		return true
	}
}

// ParseCapability parses the output of Capability.String.
func ParseCapability(text string) (Capability, error) {
	switch text {
	case "", "none":
		return CapNone, nil
	case "enable-legacy-v2":
		return CapEnableLegacyV2, nil
	case "enable-legacy-v3":
		return CapEnableLegacyV3, nil
	default:
		return CapNone, fmt.Errorf("%w: %q", ErrUnknownCapability, text)
	}
}

// CipherRestriction is a ":"-joined cipher suite list. The empty value
// means the runtime default list.
type CipherRestriction string

const (
	// CipherDefault leaves the cipher list to the runtime.
	CipherDefault CipherRestriction = ""

	// LegacyV2Ciphers is the only cipher list legacy-v2 can negotiate with.
	LegacyV2Ciphers CipherRestriction = "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA:TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA"
)

// IsSet reports whether the restriction overrides the default list.
func (c CipherRestriction) IsSet() bool {
	return c != CipherDefault
}

// Suites splits the restriction into suite names.
func (c CipherRestriction) Suites() []string {
	if !c.IsSet() {
		return nil
	}
	return strings.Split(string(c), ":")
}
