package acme

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"testing"

	"github.com/praekeltfoundation/marathon-acme/test"
)

func TestFakeIssuerIssues(t *testing.T) {
	issuer := NewFakeIssuer()

	cert, err := issuer.Issue(context.Background(), []string{"example.com", "www.example.com"})
	test.AssertNotError(t, err, "Issue failed")

	keyBlock, _ := pem.Decode(cert.Key)
	if keyBlock == nil {
		t.Fatal("key is not PEM")
	}
	test.AssertEquals(t, keyBlock.Type, "EC PRIVATE KEY")

	certBlock, _ := pem.Decode(cert.FullChain)
	if certBlock == nil {
		t.Fatal("chain is not PEM")
	}
	parsed, err := x509.ParseCertificate(certBlock.Bytes)
	test.AssertNotError(t, err, "parsing certificate")
	test.AssertEquals(t, parsed.Subject.CommonName, "example.com")
	test.AssertDeepEquals(t, parsed.DNSNames, []string{"example.com", "www.example.com"})

	test.AssertDeepEquals(t, issuer.IssuedDomains(),
		[][]string{{"example.com", "www.example.com"}})
}

func TestFakeIssuerFailure(t *testing.T) {
	issuer := NewFakeIssuer()
	issuer.FailFor("broken.example.com", fmt.Errorf("CA says no"))

	_, err := issuer.Issue(context.Background(), []string{"broken.example.com"})
	test.AssertError(t, err, "expected the configured failure")
	test.AssertEquals(t, err.Error(), "CA says no")
	test.AssertEquals(t, len(issuer.IssuedDomains()), 0)

	_, err = issuer.Issue(context.Background(), []string{"fine.example.com"})
	test.AssertNotError(t, err, "other domains must still issue")
}
