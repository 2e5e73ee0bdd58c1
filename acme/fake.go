package acme

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"sync"
	"time"

	"github.com/praekeltfoundation/marathon-acme/certstore"
)

// FakeIssuer issues self-signed certificates and records every successful
// request, for tests that need issuance without an ACME server.
type FakeIssuer struct {
	mu sync.Mutex
	// Issued records the domain sets Issue succeeded for, in order. Failed
	// requests are not recorded.
	Issued [][]string
	// Failures maps a canonical domain to the error Issue returns for it.
	Failures map[string]error
}

var _ Issuer = (*FakeIssuer)(nil)

// NewFakeIssuer creates a FakeIssuer with no failures configured.
func NewFakeIssuer() *FakeIssuer {
	return &FakeIssuer{Failures: make(map[string]error)}
}

// FailFor makes Issue fail for the given canonical domain.
func (f *FakeIssuer) FailFor(domain string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Failures[domain] = err
}

// IssuedDomains returns the recorded domain sets.
func (f *FakeIssuer) IssuedDomains() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string{}, f.Issued...)
}

func (f *FakeIssuer) Issue(_ context.Context, domains []string) (*certstore.Certificate, error) {
	f.mu.Lock()
	err := f.Failures[domains[0]]
	if err == nil {
		f.Issued = append(f.Issued, append([]string{}, domains...))
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return SelfSignedCertificate(domains)
}

// SelfSignedCertificate generates a short-lived self-signed certificate
// for the given domains.
func SelfSignedCertificate(domains []string) (*certstore.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: domains[0]},
		DNSNames:     domains,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return &certstore.Certificate{
		Key: pem.EncodeToMemory(&pem.Block{
			Type:  "EC PRIVATE KEY",
			Bytes: keyDER,
		}),
		FullChain: pem.EncodeToMemory(&pem.Block{
			Type:  "CERTIFICATE",
			Bytes: der,
		}),
	}, nil
}
