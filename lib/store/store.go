// Package store provides the runtime key-value store façade that owns all
// persisted bytes: registry records, PEM blobs, the CA passphrase and the
// published authority list. Keys form a slash-separated tree (see the
// Key* constants).
package store

import (
	"context"
	"strings"
)

// Well-known key prefixes of the runtime tree.
const (
	// KeyCAPassphrase holds the keystore passphrase.
	KeyCAPassphrase = "runtime/ca_passphrase"
	// KeyCertificateAuthorities holds the JSON-encoded list of CA
	// certificate PEMs, replaced atomically on rotation.
	KeyCertificateAuthorities = "runtime/certificates/authorities"
	// PrefixClientCertificates is the PEM blob store,
	// <prefix>/<cert-id>/pem.
	PrefixClientCertificates = "runtime/clientCertificates"
	// PrefixCertificateRecords is the certificate status store,
	// <prefix>/<cert-id>/status and <prefix>/<cert-id>/statusUpdated.
	PrefixCertificateRecords = "runtime/certificatesV1"
	// PrefixThings is the thing store,
	// <prefix>/<thing-name>/version and
	// <prefix>/<thing-name>/certificates/<cert-id>.
	PrefixThings = "runtime/things/v1"
)

// Item is a stored key-value pair.
type Item struct {
	Key   string
	Value []byte
}

// Store is the durable key-value façade. Implementations must make
// individual writes atomic; callers never observe torn values.
type Store interface {
	// Get returns the value at key, or a trace.NotFound error.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put writes value at key, creating or replacing it.
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// GetRange returns all items whose key starts with prefix, in
	// lexicographic key order.
	GetRange(ctx context.Context, prefix string) ([]Item, error)
	// DeleteRange removes all items whose key starts with prefix.
	DeleteRange(ctx context.Context, prefix string) error
	// Close releases resources held by the store.
	Close() error
}

// Join builds a key from path segments.
func Join(parts ...string) string {
	return strings.Join(parts, "/")
}
