package notify

import (
	"context"
	"fmt"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// VAPIDKeys holds the server's VAPID identity used to sign every push
// request, so browsers and push services can verify delivery comes from
// this server.
type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string // mailto: or https: contact URI sent in the JWT aud claim
}

// KeyStore persists the VAPID keypair across restarts. It is generated once
// on first start and reused thereafter, per the external-interfaces
// notification protocol.
type KeyStore interface {
	LoadVAPIDKeys(ctx context.Context) (*VAPIDKeys, error)
	SaveVAPIDKeys(ctx context.Context, keys *VAPIDKeys) error
}

// EnsureVAPIDKeys loads the stored VAPID keypair, generating and persisting
// a fresh one on first run.
func EnsureVAPIDKeys(ctx context.Context, ks KeyStore, subject string) (*VAPIDKeys, error) {
	keys, err := ks.LoadVAPIDKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("load vapid keys: %w", err)
	}
	if keys != nil {
		return keys, nil
	}

	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, fmt.Errorf("generate vapid keys: %w", err)
	}
	keys = &VAPIDKeys{PublicKey: pub, PrivateKey: priv, Subject: subject}
	if err := ks.SaveVAPIDKeys(ctx, keys); err != nil {
		return nil, fmt.Errorf("save vapid keys: %w", err)
	}
	return keys, nil
}

// MemoryKeyStore is an in-memory KeyStore for tests and single-node
// deployments, paralleling MemoryStore's role for subscriptions.
type MemoryKeyStore struct {
	keys *VAPIDKeys
}

// NewMemoryKeyStore creates an empty in-memory key store.
func NewMemoryKeyStore() *MemoryKeyStore { return &MemoryKeyStore{} }

func (m *MemoryKeyStore) LoadVAPIDKeys(ctx context.Context) (*VAPIDKeys, error) {
	return m.keys, nil
}

func (m *MemoryKeyStore) SaveVAPIDKeys(ctx context.Context, keys *VAPIDKeys) error {
	m.keys = keys
	return nil
}
