package securestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// Envelope wraps a Store, encrypting values written to a chosen namespace
// with AES-256-GCM before they reach the backing store, and decrypting on
// read. The "cert" namespace's private-key bytes are the sensitive payload
// this exists to protect at rest.
type Envelope struct {
	inner      Store
	key        []byte
	namespaces map[string]bool
}

// NewEnvelope derives a 32-byte AES-256 key from passphrase via SHA-256
// and wraps inner so
// that writes/reads to any of envelopedNamespaces are transparently
// encrypted/decrypted.
func NewEnvelope(inner Store, passphrase string, envelopedNamespaces ...string) *Envelope {
	sum := sha256.Sum256([]byte(passphrase))
	ns := make(map[string]bool, len(envelopedNamespaces))
	for _, n := range envelopedNamespaces {
		ns[n] = true
	}
	return &Envelope{inner: inner, key: sum[:], namespaces: ns}
}

func (e *Envelope) Read(namespace, name string) ([]byte, error) {
	raw, err := e.inner.Read(namespace, name)
	if err != nil {
		return nil, err
	}
	if !e.namespaces[namespace] {
		return raw, nil
	}
	return e.decrypt(raw)
}

func (e *Envelope) Write(namespace, name string, value []byte) error {
	if !e.namespaces[namespace] {
		return e.inner.Write(namespace, name, value)
	}
	ciphertext, err := e.encrypt(value)
	if err != nil {
		return err
	}
	return e.inner.Write(namespace, name, ciphertext)
}

func (e *Envelope) Delete(namespace, name string) error { return e.inner.Delete(namespace, name) }
func (e *Envelope) Flush() error                        { return e.inner.Flush() }
func (e *Envelope) Close() error                        { return e.inner.Close() }

func (e *Envelope) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("envelope: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("envelope: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *Envelope) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("envelope: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: new gcm: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("envelope: ciphertext too short")
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("envelope: decrypt: %w", err)
	}
	return plaintext, nil
}
