// Package matrix enumerates endpoint configurations and cross-joins them
// into predicted test cases.
package matrix

import "github.com/misterdjules/tlscompat/pkg/vocab"

// Generate returns every sensible configuration for role, in vocabulary
// order: capability, then selector, then mask. Each accepted legacy-v2
// configuration is immediately followed by its variant carrying the
// legacy-v2 cipher list, since legacy-v2 cannot negotiate with the default
// list.
func Generate(v vocab.Vocabulary, role vocab.Role) []vocab.EndpointConfig {
	var out []vocab.EndpointConfig

	for _, capability := range v.Capabilities {
		for _, sel := range v.Selectors(role) {
			for _, mask := range v.Masks {
				cfg := vocab.EndpointConfig{
					Role:       role,
					Selector:   sel,
					Mask:       mask,
					Capability: capability,
				}
				if !cfg.Sensible() {
					continue
				}
				out = append(out, cfg)

				if sel.Names(vocab.FamilyLegacyV2) {
					variant := cfg
					variant.Cipher = v.LegacyV2Ciphers
					out = append(out, variant)
				}
			}
		}
	}

	return out
}
