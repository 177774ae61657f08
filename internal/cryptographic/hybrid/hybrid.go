// Package hybrid implements the per-message encryption scheme: a random
// AES-256-GCM key protects the body, and that key travels inside the envelope
// sealed with an authenticated X25519 box to the recipient's converted
// Ed25519 key. Users therefore need only one registered keypair.
package hybrid

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"

	"relaychat/internal/cryptographic/dh"
	"relaychat/internal/cryptographic/encryption"
	"relaychat/internal/model"
)

// KeyNonceSize is the nonce length of the key-wrapping box.
const KeyNonceSize = 24

// ErrDecryptFailed is returned when either layer's authentication check
// rejects the envelope. The ciphertext is left untouched by callers.
var ErrDecryptFailed = errors.New("hybrid: authentication failed")

// Encrypt seals plaintext for the holder of the Ed25519 key matching
// recipientPub. A fresh symmetric key and ephemeral X25519 keypair are drawn
// per message, so envelopes are never linkable through key reuse.
func Encrypt(plaintext []byte, recipientPub ed25519.PublicKey) (*model.EncryptedEnvelope, error) {
	symKey, err := encryption.NewKey()
	if err != nil {
		return nil, err
	}
	dataNonce, err := encryption.NewNonce(encryption.NonceSize)
	if err != nil {
		return nil, err
	}
	ciphertext, err := encryption.AEADEncrypt(symKey, dataNonce, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt content: %w", err)
	}

	recipientX, err := dh.PublicKeyToX25519(recipientPub)
	if err != nil {
		return nil, fmt.Errorf("convert recipient key: %w", err)
	}

	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral keypair: %w", err)
	}

	var keyNonce [KeyNonceSize]byte
	if _, err := rand.Read(keyNonce[:]); err != nil {
		return nil, fmt.Errorf("rand.Read key nonce: %w", err)
	}
	encryptedKey := box.Seal(nil, symKey, &keyNonce, &recipientX, ephPriv)

	return &model.EncryptedEnvelope{
		EphemeralPublicKey: base64.StdEncoding.EncodeToString(ephPub[:]),
		KeyNonce:           base64.StdEncoding.EncodeToString(keyNonce[:]),
		EncryptedKey:       base64.StdEncoding.EncodeToString(encryptedKey),
		DataNonce:          base64.StdEncoding.EncodeToString(dataNonce),
		EncryptedContent:   base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Decrypt opens an envelope with the local Ed25519 private key. Any
// malformed field or failed authentication tag yields ErrDecryptFailed.
func Decrypt(env *model.EncryptedEnvelope, priv ed25519.PrivateKey) ([]byte, error) {
	ephPubBytes, err := decodeField(env.EphemeralPublicKey, 32)
	if err != nil {
		return nil, err
	}
	keyNonceBytes, err := decodeField(env.KeyNonce, KeyNonceSize)
	if err != nil {
		return nil, err
	}
	encryptedKey, err := decodeField(env.EncryptedKey, 0)
	if err != nil {
		return nil, err
	}
	dataNonce, err := decodeField(env.DataNonce, encryption.NonceSize)
	if err != nil {
		return nil, err
	}
	ciphertext, err := decodeField(env.EncryptedContent, 0)
	if err != nil {
		return nil, err
	}

	localX, err := dh.PrivateKeyToX25519(priv)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	var ephPub [32]byte
	copy(ephPub[:], ephPubBytes)
	var nonce [KeyNonceSize]byte
	copy(nonce[:], keyNonceBytes)

	symKey, ok := box.Open(nil, encryptedKey, &nonce, &ephPub, &localX)
	if !ok {
		return nil, ErrDecryptFailed
	}

	plaintext, err := encryption.AEADDecrypt(symKey, dataNonce, ciphertext)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// decodeField base64-decodes a field, enforcing an exact length when
// want > 0.
func decodeField(s string, want int) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	if want > 0 && len(b) != want {
		return nil, ErrDecryptFailed
	}
	return b, nil
}
