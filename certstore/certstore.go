// Package certstore defines the certificate store the reconciler works
// against: a mapping from a certificate's canonical domain to its PEM
// bundle, with in-memory, Vault and Redis back-ends.
package certstore

import (
	"context"
)

// Certificate is a PEM bundle: the private key and the full certificate
// chain, leaf first.
type Certificate struct {
	Key       []byte
	FullChain []byte
}

func (c *Certificate) copy() *Certificate {
	return &Certificate{
		Key:       append([]byte{}, c.Key...),
		FullChain: append([]byte{}, c.FullChain...),
	}
}

// Store is a domain-to-bundle mapping. Get returns nil with no error for
// an absent name. Put has last-writer-wins semantics unless the backing
// store enforces stricter ones.
type Store interface {
	Get(ctx context.Context, name string) (*Certificate, error)
	Put(ctx context.Context, name string, cert *Certificate) error
	AsMap(ctx context.Context) (map[string]*Certificate, error)
}
