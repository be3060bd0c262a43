// Package fixtures manages the certificate and key the server agent
// presents during a handshake.
package fixtures

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	// CertFile is the certificate file name inside a fixtures directory.
	CertFile = "agent.crt"
	// KeyFile is the private key file name inside a fixtures directory.
	KeyFile = "agent.key"

	keyBits  = 2048
	validity = 10 * 365 * 24 * time.Hour
)

// ErrMissing is returned when a fixtures directory lacks the cert or key.
var ErrMissing = errors.New("fixtures: certificate or key missing")

// CertPath returns the certificate path inside dir.
func CertPath(dir string) string { return filepath.Join(dir, CertFile) }

// KeyPath returns the key path inside dir.
func KeyPath(dir string) string { return filepath.Join(dir, KeyFile) }

// Exists reports whether both fixture files are present in dir.
func Exists(dir string) bool {
	for _, p := range []string{CertPath(dir), KeyPath(dir)} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// Load reads the fixture pair from dir.
func Load(dir string) (tls.Certificate, error) {
	if !Exists(dir) {
		return tls.Certificate{}, fmt.Errorf("%w in %s", ErrMissing, dir)
	}
	cert, err := tls.LoadX509KeyPair(CertPath(dir), KeyPath(dir))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load fixtures: %w", err)
	}
	return cert, nil
}

// Generate writes a fresh self-signed RSA certificate and key into dir,
// replacing any existing pair.
func Generate(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return err
	}

	notBefore := time.Now().Add(-time.Hour)
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "tlscompat agent"},
		DNSNames:              []string{"localhost"},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	if err := os.WriteFile(CertPath(dir), certPEM, 0644); err != nil {
		return err
	}
	return os.WriteFile(KeyPath(dir), keyPEM, 0600)
}

// Ensure generates fixtures in dir unless both files already exist. It
// reports whether a new pair was written.
func Ensure(dir string) (bool, error) {
	if Exists(dir) {
		return false, nil
	}
	if err := Generate(dir); err != nil {
		return false, err
	}
	return true, nil
}
