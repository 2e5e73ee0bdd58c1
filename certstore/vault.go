package certstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/praekeltfoundation/marathon-acme/log"
	"github.com/praekeltfoundation/marathon-acme/vault"
)

const (
	certificatesPathPrefix = "certificates/"
	livePath               = "live"

	fieldKey       = "key"
	fieldFullChain = "fullchain"
)

// VaultStore keeps certificates in a Vault KV v2 engine. Each certificate
// lives in its own secret under certificates/<domain>; a "live" index
// secret maps every stored domain to a digest of its chain. The index is
// updated with check-and-set on the version read at the start of the
// write, so two stores racing on the same Vault only get one winner.
type VaultStore struct {
	client    vault.Client
	mountPath string
	log       log.Logger
}

var _ Store = (*VaultStore)(nil)

// NewVaultStore creates a VaultStore on the given client and KV v2 mount
// (empty for the default mount).
func NewVaultStore(client vault.Client, mountPath string, logger log.Logger) *VaultStore {
	return &VaultStore{
		client:    client,
		mountPath: mountPath,
		log:       logger,
	}
}

func (s *VaultStore) Get(ctx context.Context, name string) (*Certificate, error) {
	secret, err := s.client.ReadKV2(ctx, certificatesPathPrefix+name, -1, s.mountPath)
	if err != nil || secret == nil {
		return nil, err
	}
	return &Certificate{
		Key:       []byte(secret.Data[fieldKey]),
		FullChain: []byte(secret.Data[fieldFullChain]),
	}, nil
}

// Put stores the certificate secret, then updates the live index under
// check-and-set. A concurrent writer surfaces as a *vault.CasError.
func (s *VaultStore) Put(ctx context.Context, name string, cert *Certificate) error {
	live, version, err := s.readLive(ctx)
	if err != nil {
		return err
	}

	_, err = s.client.CreateOrUpdateKV2(ctx, certificatesPathPrefix+name, map[string]string{
		fieldKey:       string(cert.Key),
		fieldFullChain: string(cert.FullChain),
	}, -1, s.mountPath)
	if err != nil {
		return err
	}

	digest := sha256.Sum256(cert.FullChain)
	live[name] = hex.EncodeToString(digest[:])
	_, err = s.client.CreateOrUpdateKV2(ctx, livePath, live, version, s.mountPath)
	if err != nil {
		return err
	}

	s.log.Debug(fmt.Sprintf("Stored certificate for %s in Vault (live version %d)", name, version+1))
	return nil
}

func (s *VaultStore) AsMap(ctx context.Context) (map[string]*Certificate, error) {
	live, _, err := s.readLive(ctx)
	if err != nil {
		return nil, err
	}

	certs := make(map[string]*Certificate, len(live))
	for name := range live {
		cert, err := s.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		if cert == nil {
			// The index can point at a secret deleted out from under us.
			// Skip it; the reconciler will re-issue.
			s.log.Warning(fmt.Sprintf(
				"Live index lists %s but its certificate secret is missing", name))
			continue
		}
		certs[name] = cert
	}
	return certs, nil
}

// readLive fetches the live index and the version to use for its next
// check-and-set update. An absent index reads as empty with version 0,
// which for KV v2 means "create only if the secret does not yet exist".
func (s *VaultStore) readLive(ctx context.Context) (map[string]string, int, error) {
	secret, err := s.client.ReadKV2(ctx, livePath, -1, s.mountPath)
	if err != nil {
		return nil, 0, err
	}
	if secret == nil {
		return map[string]string{}, 0, nil
	}
	live := secret.Data
	if live == nil {
		live = map[string]string{}
	}
	return live, secret.Metadata.Version, nil
}
