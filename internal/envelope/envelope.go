// Package envelope implements the sealed-box envelope used to carry jobs to the
// worker: an ephemeral Curve25519 key agreement with the worker's long-lived key,
// followed by XSalsa20-Poly1305 authenticated encryption (NaCl box). The wire
// format is interoperable with libsodium, PyNaCl and tweetnacl box.
package envelope

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	// KeySize is the length of Curve25519 public and private keys.
	KeySize = 32

	// NonceSize is the length of an XSalsa20 nonce.
	NonceSize = 24
)

var (
	// ErrDecryption is returned for every decryption failure. Bad encoding,
	// wrong key, wrong nonce and tampered ciphertext are indistinguishable.
	ErrDecryption = errors.New("envelope: decryption failed")

	// ErrInvalidKey is returned when a base64 key does not decode to 32 bytes.
	ErrInvalidKey = errors.New("envelope: invalid key")
)

// Envelope is one encrypted request body. All fields are standard base64.
type Envelope struct {
	EphemeralPublicKey string `json:"epk"`
	Nonce              string `json:"nonce"`
	Ciphertext         string `json:"ciphertext"`
}

// Complete reports whether all three envelope fields are present.
func (e Envelope) Complete() bool {
	return e.EphemeralPublicKey != "" && e.Nonce != "" && e.Ciphertext != ""
}

// KeyPair is a Curve25519 key pair.
type KeyPair struct {
	PublicKey  [KeySize]byte
	PrivateKey [KeySize]byte
}

// GenerateKeyPair creates a fresh key pair from crypto/rand.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate key pair: %w", err)
	}
	return KeyPair{PublicKey: *pub, PrivateKey: *priv}, nil
}

// PublicKeyB64 returns the base64-encoded public key.
func (kp KeyPair) PublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(kp.PublicKey[:])
}

// PrivateKeyB64 returns the base64-encoded private key.
func (kp KeyPair) PrivateKeyB64() string {
	return base64.StdEncoding.EncodeToString(kp.PrivateKey[:])
}

// PublicKeyFor derives the public key belonging to private.
func PublicKeyFor(private [KeySize]byte) ([KeySize]byte, error) {
	var pub [KeySize]byte
	out, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("derive public key: %w", err)
	}
	copy(pub[:], out)
	return pub, nil
}

// ParsePublicKey decodes a base64 public key.
func ParsePublicKey(b64 string) ([KeySize]byte, error) {
	return parseKey(b64)
}

// ParsePrivateKey decodes a base64 private key.
func ParsePrivateKey(b64 string) ([KeySize]byte, error) {
	return parseKey(b64)
}

func parseKey(b64 string) ([KeySize]byte, error) {
	var key [KeySize]byte
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(raw) != KeySize {
		return key, ErrInvalidKey
	}
	copy(key[:], raw)
	return key, nil
}

// Encrypt seals plaintext for the holder of serverPublicKey. A new ephemeral key
// pair and nonce are drawn on every call; only the ephemeral public half is
// returned.
func Encrypt(serverPublicKey [KeySize]byte, plaintext []byte) (Envelope, error) {
	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return Envelope{}, fmt.Errorf("generate ephemeral key: %w", err)
	}
	defer clear(ephPriv[:])

	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return Envelope{}, fmt.Errorf("read nonce: %w", err)
	}

	sealed := box.Seal(nil, plaintext, &nonce, &serverPublicKey, ephPriv)

	return Envelope{
		EphemeralPublicKey: base64.StdEncoding.EncodeToString(ephPub[:]),
		Nonce:              base64.StdEncoding.EncodeToString(nonce[:]),
		Ciphertext:         base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// EncryptB64 is Encrypt with a base64-encoded server public key.
func EncryptB64(serverPublicKeyB64 string, plaintext []byte) (Envelope, error) {
	pub, err := ParsePublicKey(serverPublicKeyB64)
	if err != nil {
		return Envelope{}, err
	}
	return Encrypt(pub, plaintext)
}

// Decrypt opens env with the server's private key. Any failure yields
// ErrDecryption.
func Decrypt(serverPrivateKey [KeySize]byte, env Envelope) ([]byte, error) {
	epk, err := base64.StdEncoding.DecodeString(env.EphemeralPublicKey)
	if err != nil || len(epk) != KeySize {
		return nil, ErrDecryption
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != NonceSize {
		return nil, ErrDecryption
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, ErrDecryption
	}

	var peer [KeySize]byte
	var n [NonceSize]byte
	copy(peer[:], epk)
	copy(n[:], nonce)

	plaintext, ok := box.Open(nil, sealed, &n, &peer, &serverPrivateKey)
	if !ok {
		return nil, ErrDecryption
	}
	return plaintext, nil
}
