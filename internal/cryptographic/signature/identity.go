package signature

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Identity is the local signing keypair. It is created once, persisted to
// disk, and owned exclusively by the running process for its lifetime.
type Identity struct {
	Priv ed25519.PrivateKey
	Pub  ed25519.PublicKey
}

// identityFile is the on-disk form; keys are base64 like everywhere else on
// the wire.
type identityFile struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

func GenerateIdentity() (*Identity, error) {
	pub, priv, err := NewEd25519Keypair()
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Identity{Priv: priv, Pub: pub}, nil
}

func (id *Identity) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(&identityFile{
		PrivateKey: base64.StdEncoding.EncodeToString(id.Priv),
		PublicKey:  base64.StdEncoding.EncodeToString(id.Pub),
	})
}

func LoadIdentity(path string) (*Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var file identityFile
	if err := json.NewDecoder(f).Decode(&file); err != nil {
		return nil, fmt.Errorf("decode identity file: %w", err)
	}

	priv, err := base64.StdEncoding.DecodeString(file.PrivateKey)
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid private_key in identity file")
	}
	pub, err := base64.StdEncoding.DecodeString(file.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, errors.New("invalid public_key in identity file")
	}
	return &Identity{Priv: ed25519.PrivateKey(priv), Pub: ed25519.PublicKey(pub)}, nil
}

// LoadOrCreateIdentity loads the identity at path, generating and persisting
// a fresh one on first run.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	id, err := LoadIdentity(path)
	if err == nil {
		return id, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	id, err = GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := id.Save(path); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	return id, nil
}

func (id *Identity) Sign(message []byte) []byte {
	return ED25519Sign(id.Priv, message)
}

// PublicKeyBase64 returns the raw public key encoded for registration.
func (id *Identity) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(id.Pub)
}
