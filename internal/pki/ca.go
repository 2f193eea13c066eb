// Package pki provides the relay's self-signed certificate authority,
// used to mint the relay's own QUIC/TLS control-plane certificate and
// on-demand per-host HTTPS ingress certificates when no
// externally-provisioned certificate is configured for a domain.
//
// The CA can be created deterministically from a seed string so that
// restarts produce the same CA certificate, keeping previously issued
// leaf certificates valid until they expire.
package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"

	"golang.org/x/crypto/hkdf"
)

// leafValidity is the default validity period for leaf certificates
// signed by the CA.
const leafValidity = 90 * 24 * time.Hour

// caEpoch is the fixed time origin used for the deterministic CA
// certificate, avoiding the non-determinism time.Now() would
// introduce so the CA cert is byte-identical across restarts for the
// same seed.
var caEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// CA holds a self-signed certificate authority key pair.
type CA struct {
	cert    *x509.Certificate
	key     *ecdsa.PrivateKey
	certPEM []byte
}

// NewCAFromSeed creates a deterministic CA from the given seed
// string. The same seed always produces the same CA key pair and
// certificate, so leaf certificates issued by a previous relay
// process remain trusted across restarts.
func NewCAFromSeed(seed string) (*CA, error) {
	key, err := deriveKey(seed, "ca")
	if err != nil {
		return nil, fmt.Errorf("pki: derive CA key: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: deriveSerial(seed, "ca-serial"),
		Subject: pkix.Name{
			Organization: []string{"localup"},
			CommonName:   "localup-ca",
		},
		NotBefore:             caEpoch,
		NotAfter:              caEpoch.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
	}

	// Deterministic signing reader so the certificate is
	// byte-identical across restarts for the same seed.
	signReader := hkdf.New(sha256.New, []byte(seed), nil, []byte("ca-sign"))
	certDER, err := x509.CreateCertificate(signReader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("pki: create CA cert: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("pki: parse CA cert: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	return &CA{cert: cert, key: key, certPEM: certPEM}, nil
}

// CertPEM returns the PEM-encoded CA certificate.
func (ca *CA) CertPEM() []byte {
	return ca.certPEM
}

// GenerateServerCert issues a TLS server certificate signed by the
// CA for the given hosts (IP addresses and/or DNS names as SANs).
// Used both for the relay's own control-plane certificate and for
// per-host HTTPS ingress certificates.
func (ca *CA) GenerateServerCert(hosts ...string) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: generate server key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"localup"},
			CommonName:   firstOr(hosts, "localup"),
		},
		NotBefore:   now.Add(-5 * time.Minute),
		NotAfter:    now.Add(leafValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: create server cert: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: marshal server key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// TLSCertificate is a convenience wrapper returning a ready
// tls.Certificate for hosts, signed by the CA.
func (ca *CA) TLSCertificate(hosts ...string) (tls.Certificate, error) {
	certPEM, keyPEM, err := ca.GenerateServerCert(hosts...)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.X509KeyPair(certPEM, keyPEM)
}

func firstOr(hosts []string, fallback string) string {
	if len(hosts) > 0 {
		return hosts[0]
	}
	return fallback
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

func deriveKey(seed, label string) (*ecdsa.PrivateKey, error) {
	reader := hkdf.New(sha256.New, []byte(seed), nil, []byte(label))
	return ecdsa.GenerateKey(elliptic.P256(), reader)
}

func deriveSerial(seed, label string) *big.Int {
	h := sha256.Sum256([]byte(label + ":" + seed))
	serial := new(big.Int).SetBytes(h[:16])
	serial.Abs(serial)
	if serial.Sign() == 0 {
		serial.SetInt64(1)
	}
	return serial
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("pki: generate serial: %w", err)
	}
	return serial, nil
}
