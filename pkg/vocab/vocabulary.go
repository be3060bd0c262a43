package vocab

// Vocabulary is the immutable set of values configurations are generated
// from. Pass it explicitly; nothing in this module reads it from globals.
type Vocabulary struct {
	Capabilities    []Capability
	ServerSelectors []Selector
	ClientSelectors []Selector
	Masks           []OptionMask
	// LegacyV2Ciphers is the cipher list emitted for legacy-v2 variants.
	LegacyV2Ciphers CipherRestriction
}

// Default returns the full vocabulary: every capability, every family with
// its generic and role-specific suffix, and every combination of disable
// bits including the unspecified and explicit-empty masks.
func Default() Vocabulary {
	return Vocabulary{
		Capabilities:    []Capability{CapNone, CapEnableLegacyV2, CapEnableLegacyV3},
		ServerSelectors: selectorsFor(SuffixServer),
		ClientSelectors: selectorsFor(SuffixClient),
		Masks: []OptionMask{
			UnspecifiedMask,
			Mask(),
			Mask(NoLegacyV2),
			Mask(NoLegacyV3),
			Mask(NoLegacyV2, NoLegacyV3),
		},
		LegacyV2Ciphers: LegacyV2Ciphers,
	}
}

func selectorsFor(suffix Suffix) []Selector {
	sels := []Selector{Unspecified}
	for _, f := range []Family{FamilyLegacyV2, FamilyLegacyV3, FamilyModernV1, FamilyAuto} {
		sels = append(sels, Select(f, SuffixGeneric), Select(f, suffix))
	}
	return sels
}

// Selectors returns the selectors valid for role.
func (v Vocabulary) Selectors(role Role) []Selector {
	if role == RoleServer {
		return v.ServerSelectors
	}
	return v.ClientSelectors
}
