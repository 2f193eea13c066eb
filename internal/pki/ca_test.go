package pki

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"testing"
)

func TestNewCAFromSeedDeterministic(t *testing.T) {
	ca1, err := NewCAFromSeed("test-seed")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}
	ca2, err := NewCAFromSeed("test-seed")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}
	if !bytes.Equal(ca1.CertPEM(), ca2.CertPEM()) {
		t.Error("expected identical CA cert PEM for the same seed")
	}

	ca3, err := NewCAFromSeed("different-seed")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}
	if bytes.Equal(ca1.CertPEM(), ca3.CertPEM()) {
		t.Error("expected different CA cert PEM for a different seed")
	}
}

func TestNewCAFromSeedIsCA(t *testing.T) {
	ca, err := NewCAFromSeed("seed")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}

	block, _ := pem.Decode(ca.CertPEM())
	if block == nil {
		t.Fatal("failed to decode CA cert PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	if !cert.IsCA {
		t.Error("expected IsCA to be true")
	}
	if cert.Subject.CommonName != "localup-ca" {
		t.Errorf("expected CN=localup-ca, got %s", cert.Subject.CommonName)
	}
}

func TestGenerateServerCert(t *testing.T) {
	ca, err := NewCAFromSeed("seed")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}

	certPEM, keyPEM, err := ca.GenerateServerCert("127.0.0.1", "relay.example.com")
	if err != nil {
		t.Fatalf("GenerateServerCert: %v", err)
	}
	if len(certPEM) == 0 || len(keyPEM) == 0 {
		t.Fatal("expected non-empty cert/key PEM")
	}

	block, _ := pem.Decode(certPEM)
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	if len(cert.IPAddresses) != 1 || cert.IPAddresses[0].String() != "127.0.0.1" {
		t.Errorf("expected IP SAN 127.0.0.1, got %v", cert.IPAddresses)
	}
	if len(cert.DNSNames) != 1 || cert.DNSNames[0] != "relay.example.com" {
		t.Errorf("expected DNS SAN relay.example.com, got %v", cert.DNSNames)
	}

	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}); err != nil {
		t.Errorf("certificate verification failed: %v", err)
	}
}

func TestTLSCertificateUsable(t *testing.T) {
	ca, err := NewCAFromSeed("seed")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}
	cert, err := ca.TLSCertificate("example.com")
	if err != nil {
		t.Fatalf("TLSCertificate: %v", err)
	}
	if len(cert.Certificate) == 0 {
		t.Fatal("expected at least one certificate in chain")
	}
}
