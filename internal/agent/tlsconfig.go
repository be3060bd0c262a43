package agent

import (
	"crypto/tls"
	"errors"
	"fmt"
	"slices"

	"github.com/misterdjules/tlscompat/pkg/vocab"
)

var (
	// ErrUnknownCipher is returned for a suite name crypto/tls does not know.
	ErrUnknownCipher = errors.New("agent: unknown cipher suite")

	// ErrVersionNotAllowed is returned from VerifyConnection when the peer
	// negotiated a version inside the configured span but outside the
	// allowed set.
	ErrVersionNotAllowed = errors.New("agent: negotiated version not allowed")
)

// Each protocol family is realized on one crypto/tls version.
var familyVersions = map[vocab.Family]uint16{
	vocab.FamilyLegacyV2: tls.VersionTLS10,
	vocab.FamilyLegacyV3: tls.VersionTLS12,
	vocab.FamilyModernV1: tls.VersionTLS13,
}

// DefaultCipherSuites is used when a config leaves the cipher list unset.
// None of these suites is usable below TLS 1.2.
var DefaultCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
}

// FamilyVersion returns the TLS version realizing f.
func FamilyVersion(f vocab.Family) (uint16, bool) {
	v, ok := familyVersions[f]
	return v, ok
}

// VersionFamily returns the family a negotiated version belongs to, or
// FamilyNone for a version no family maps to.
func VersionFamily(version uint16) vocab.Family {
	for f, v := range familyVersions {
		if v == version {
			return f
		}
	}
	return vocab.FamilyNone
}

// AllowedVersions returns, in ascending order, the versions cfg may
// negotiate. A pinned selector allows exactly its family; otherwise the
// modern family plus every legacy family the endpoint enables.
func AllowedVersions(cfg vocab.EndpointConfig) []uint16 {
	if !cfg.Selector.AutoNegotiates() {
		return []uint16{familyVersions[cfg.Selector.Family]}
	}

	var versions []uint16
	for _, f := range []vocab.Family{vocab.FamilyLegacyV2, vocab.FamilyLegacyV3} {
		if cfg.Enables(f) {
			versions = append(versions, familyVersions[f])
		}
	}
	return append(versions, familyVersions[vocab.FamilyModernV1])
}

// CipherSuites resolves a restriction to suite IDs.
func CipherSuites(r vocab.CipherRestriction) ([]uint16, error) {
	if !r.IsSet() {
		return slices.Clone(DefaultCipherSuites), nil
	}

	known := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		known[s.Name] = s.ID
	}
	for _, s := range tls.InsecureCipherSuites() {
		known[s.Name] = s.ID
	}

	var ids []uint16
	for _, name := range r.Suites() {
		id, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCipher, name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ServerTLSConfig builds the listener side configuration for cfg.
func ServerTLSConfig(cfg vocab.EndpointConfig, cert tls.Certificate) (*tls.Config, error) {
	c, err := baseConfig(cfg)
	if err != nil {
		return nil, err
	}
	c.Certificates = []tls.Certificate{cert}
	return c, nil
}

// ClientTLSConfig builds the dialing side configuration for cfg. The
// fixture certificate is self-signed, so chain verification is skipped.
func ClientTLSConfig(cfg vocab.EndpointConfig) (*tls.Config, error) {
	c, err := baseConfig(cfg)
	if err != nil {
		return nil, err
	}
	c.ServerName = "localhost"
	c.InsecureSkipVerify = true
	return c, nil
}

func baseConfig(cfg vocab.EndpointConfig) (*tls.Config, error) {
	suites, err := CipherSuites(cfg.Cipher)
	if err != nil {
		return nil, err
	}

	allowed := AllowedVersions(cfg)
	return &tls.Config{
		MinVersion:             allowed[0],
		MaxVersion:             allowed[len(allowed)-1],
		CipherSuites:           suites,
		SessionTicketsDisabled: true,
		// The span may cover versions outside the set, e.g. TLS 1.2 when
		// only legacy-v2 and modern-v1 are enabled.
		VerifyConnection: func(cs tls.ConnectionState) error {
			if !slices.Contains(allowed, cs.Version) {
				return fmt.Errorf("%w: %s", ErrVersionNotAllowed, tls.VersionName(cs.Version))
			}
			return nil
		},
	}, nil
}
