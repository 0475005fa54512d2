package credentials

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
)

var (
	ErrCredentialMissing   = errors.New("no complete credential found in environment or credential store")
	ErrCredentialMalformed = errors.New("credential is malformed")
)

// Environment variable names checked by the resolver. The environment takes
// precedence over the credential store; the two sources are never merged.
const (
	EnvKeyID          = "BUILDCTL_KEY_ID"
	EnvIssuerID       = "BUILDCTL_ISSUER_ID"
	EnvPrivateKeyPath = "BUILDCTL_PRIVATE_KEY_PATH"
)

// Credential is the API identity used to sign request tokens. All three
// fields are populated and validated before a Credential is returned.
type Credential struct {
	KeyID      string
	IssuerID   string
	PrivateKey *ecdsa.PrivateKey
}

// Resolver locates a Credential from the process environment or a local
// credential store. It reads once per call and never caches or writes.
type Resolver struct {
	store *Store
	env   func(string) string
}

func NewResolver(store *Store) *Resolver {
	return &Resolver{
		store: store,
		env:   os.Getenv,
	}
}

// NewResolverWithEnv allows tests to substitute the environment lookup.
func NewResolverWithEnv(store *Store, env func(string) string) *Resolver {
	return &Resolver{
		store: store,
		env:   env,
	}
}

// Resolve returns the first complete credential, environment first. A source
// missing any field is skipped entirely; a source that is complete but does
// not parse fails with ErrCredentialMalformed rather than falling through.
func (r *Resolver) Resolve() (Credential, error) {
	keyID := r.env(EnvKeyID)
	issuerID := r.env(EnvIssuerID)
	keyPath := r.env(EnvPrivateKeyPath)

	if keyID != "" && issuerID != "" && keyPath != "" {
		keyPEM, err := os.ReadFile(keyPath)
		if err != nil {
			return Credential{}, fmt.Errorf("%w: read private key file: %v", ErrCredentialMalformed, err)
		}
		return buildCredential(keyID, issuerID, keyPEM)
	}

	if r.store != nil {
		entry, err := r.store.Load()
		if err != nil {
			if errors.Is(err, ErrStoreNotFound) {
				return Credential{}, ErrCredentialMissing
			}
			return Credential{}, err
		}

		keyPEM, err := entry.privateKeyPEM()
		if err != nil {
			return Credential{}, err
		}
		if entry.KeyID != "" && entry.IssuerID != "" && len(keyPEM) > 0 {
			return buildCredential(entry.KeyID, entry.IssuerID, keyPEM)
		}
	}

	return Credential{}, ErrCredentialMissing
}

func buildCredential(keyID, issuerID string, keyPEM []byte) (Credential, error) {
	if _, err := uuid.Parse(issuerID); err != nil {
		return Credential{}, fmt.Errorf("%w: issuer ID is not a UUID: %v", ErrCredentialMalformed, err)
	}

	key, err := parseECPrivateKey(keyPEM)
	if err != nil {
		return Credential{}, err
	}

	return Credential{
		KeyID:      keyID,
		IssuerID:   issuerID,
		PrivateKey: key,
	}, nil
}

// parseECPrivateKey accepts SEC1 ("EC PRIVATE KEY") and PKCS#8
// ("PRIVATE KEY") encodings and requires the P-256 curve.
func parseECPrivateKey(keyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: private key is not PEM encoded", ErrCredentialMalformed)
	}

	var key *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		parsed, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parse EC private key: %v", ErrCredentialMalformed, err)
		}
		key = parsed
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parse PKCS#8 private key: %v", ErrCredentialMalformed, err)
		}
		ecKey, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: private key is not an EC key", ErrCredentialMalformed)
		}
		key = ecKey
	default:
		return nil, fmt.Errorf("%w: unexpected PEM block type %q", ErrCredentialMalformed, block.Type)
	}

	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: private key curve is %s, want P-256", ErrCredentialMalformed, key.Curve.Params().Name)
	}

	return key, nil
}
