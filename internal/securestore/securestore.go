// Package securestore provides the opaque key/byte store the rest of the
// fabric keeps certificates, keys, and snapshots in:
// read/write/delete/flush over a namespace, raw bytes in, raw bytes out.
// The bbolt-backed implementation keeps one bucket per namespace.
package securestore

import "errors"

// ErrNotFound is returned by Read when the key is absent from the namespace.
var ErrNotFound = errors.New("securestore: key not found")

// Store is the namespaced key/byte store consumed across the fabric.
type Store interface {
	Read(namespace, name string) ([]byte, error)
	Write(namespace, name string, value []byte) error
	Delete(namespace, name string) error
	Flush() error
	Close() error
}

const (
	NamespaceCert   = "cert"
	NamespaceConfig = "config"
	NamespaceState  = "state"
)
