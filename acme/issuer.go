// Package acme obtains certificates from an ACME certificate authority,
// answering HTTP-01 challenges through the challenge responder.
package acme

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"sync"

	"github.com/eggsampler/acme/v3"

	"github.com/praekeltfoundation/marathon-acme/certstore"
	"github.com/praekeltfoundation/marathon-acme/challenge"
	"github.com/praekeltfoundation/marathon-acme/log"
)

// LetsEncryptDirectory is the default ACME directory.
const LetsEncryptDirectory = "https://acme-v02.api.letsencrypt.org/directory"

// LetsEncryptStagingDirectory issues untrusted certificates without the
// production rate limits.
const LetsEncryptStagingDirectory = "https://acme-staging-v02.api.letsencrypt.org/directory"

// Issuer produces a certificate for a set of domains. The first domain is
// the canonical name; the rest become subject alternative names.
type Issuer interface {
	Issue(ctx context.Context, domains []string) (*certstore.Certificate, error)
}

// Client is an Issuer backed by a real ACME CA, validating domain control
// with HTTP-01 challenges.
type Client struct {
	acme      acme.Client
	responder *challenge.HTTP01Responder
	contact   []string
	log       log.Logger

	mu      sync.Mutex
	account *acme.Account
}

var _ Issuer = (*Client)(nil)

// NewClient creates a Client against the given ACME directory. email, if
// non-empty, is registered as the account contact.
func NewClient(directoryURL string, responder *challenge.HTTP01Responder, email string, logger log.Logger) (*Client, error) {
	if directoryURL == "" {
		directoryURL = LetsEncryptDirectory
	}
	acmeClient, err := acme.NewClient(directoryURL)
	if err != nil {
		return nil, fmt.Errorf("fetching ACME directory %s: %w", directoryURL, err)
	}

	var contact []string
	if email != "" {
		contact = []string{"mailto:" + email}
	}
	return &Client{
		acme:      acmeClient,
		responder: responder,
		contact:   contact,
		log:       logger,
	}, nil
}

// getAccount registers the ACME account on first use.
func (c *Client) getAccount() (acme.Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.account != nil {
		return *c.account, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return acme.Account{}, err
	}
	account, err := c.acme.NewAccount(key, false, true, c.contact...)
	if err != nil {
		return acme.Account{}, fmt.Errorf("registering ACME account: %w", err)
	}
	c.log.Info(fmt.Sprintf("Registered ACME account %s", account.URL))
	c.account = &account
	return account, nil
}

// Issue runs one order through the ACME CA: authorize every domain via
// HTTP-01, finalize with a fresh key, and bundle the result as PEM.
func (c *Client) Issue(ctx context.Context, domains []string) (*certstore.Certificate, error) {
	account, err := c.getAccount()
	if err != nil {
		return nil, err
	}

	identifiers := make([]acme.Identifier, len(domains))
	for i, domain := range domains {
		identifiers[i] = acme.Identifier{Type: "dns", Value: domain}
	}
	order, err := c.acme.NewOrder(account, identifiers)
	if err != nil {
		return nil, fmt.Errorf("creating order for %v: %w", domains, err)
	}

	for _, authzURL := range order.Authorizations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.authorize(account, authzURL); err != nil {
			return nil, err
		}
	}

	certKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	csrTemplate := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domains[0]},
		DNSNames: domains,
	}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, csrTemplate, certKey)
	if err != nil {
		return nil, err
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, err
	}

	order, err = c.acme.FinalizeOrder(account, order, csr)
	if err != nil {
		return nil, fmt.Errorf("finalizing order for %v: %w", domains, err)
	}
	chain, err := c.acme.FetchCertificates(account, order.Certificate)
	if err != nil {
		return nil, fmt.Errorf("fetching certificates for %v: %w", domains, err)
	}

	var fullChain []byte
	for _, cert := range chain {
		fullChain = append(fullChain, pem.EncodeToMemory(&pem.Block{
			Type:  "CERTIFICATE",
			Bytes: cert.Raw,
		})...)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(certKey),
	})

	c.log.Info(fmt.Sprintf("Issued certificate for %v", domains))
	return &certstore.Certificate{Key: keyPEM, FullChain: fullChain}, nil
}

// authorize answers one authorization's HTTP-01 challenge. The challenge
// response is served for exactly as long as the CA needs it.
func (c *Client) authorize(account acme.Account, authzURL string) error {
	authz, err := c.acme.FetchAuthorization(account, authzURL)
	if err != nil {
		return fmt.Errorf("fetching authorization: %w", err)
	}
	if authz.Status == "valid" {
		return nil
	}

	chal, ok := authz.ChallengeMap[acme.ChallengeTypeHTTP01]
	if !ok {
		return fmt.Errorf("no HTTP-01 challenge offered for %s", authz.Identifier.Value)
	}

	c.responder.SetChallenge(chal.Token, chal.KeyAuthorization)
	defer c.responder.ClearChallenge(chal.Token)

	if _, err := c.acme.UpdateChallenge(account, chal); err != nil {
		return fmt.Errorf("completing HTTP-01 challenge for %s: %w",
			authz.Identifier.Value, err)
	}
	return nil
}
