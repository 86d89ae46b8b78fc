// Package ca owns the certificate authority lifecycle: key and
// certificate generation, passphrase-protected keystore persistence,
// type switching and rotation, and publication of the authority chain.
package ca

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/renameio/v2"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/pavlo-v-chernykh/keystore-go/v4"

	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/defaults"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/events"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/pki"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/store"
)

const keystoreAlias = "CA"

// Material is an immutable snapshot of the active certificate authority.
type Material struct {
	// Type is the key algorithm of the CA.
	Type pki.KeyType
	// Signer is the CA private key.
	Signer crypto.Signer
	// Cert is the CA certificate; Chain[0] == Cert.
	Cert *x509.Certificate
	// Chain is the CA certificate chain, leaf authority first.
	Chain []*x509.Certificate
}

// ChainPEM returns the PEM encoding of each certificate in the chain.
func (m *Material) ChainPEM() [][]byte {
	pems := make([][]byte, 0, len(m.Chain))
	for _, cert := range m.Chain {
		pems = append(pems, pki.MarshalCertificatePEM(cert))
	}
	return pems
}

// Config configures a CA Store.
type Config struct {
	// Runtime persists the passphrase and the published authority list.
	Runtime store.Store
	// Events receives CAChanged on generation, rotation or replacement.
	Events *events.Bus
	// KeystorePath is the path of the JKS keystore file.
	KeystorePath string
	// Clock is used for certificate validity windows.
	Clock clockwork.Clock
	// Log is the store's logger.
	Log *slog.Logger
}

func (c *Config) checkAndSetDefaults() error {
	if c.Runtime == nil {
		return trace.BadParameter("missing runtime store")
	}
	if c.Events == nil {
		return trace.BadParameter("missing event bus")
	}
	if c.KeystorePath == "" {
		return trace.BadParameter("missing keystore path")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With("component", "ca")
	return nil
}

// Store holds the active CA material and persists it across restarts.
// Mutations are serialised under a mutex; readers get copy-on-write
// snapshots so long crypto operations never block lookups.
type Store struct {
	cfg        Config
	mu         sync.Mutex
	material   atomic.Pointer[Material]
	passphrase []byte
}

// New returns a CA store. No CA exists until Ensure is called.
func New(cfg Config) (*Store, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{cfg: cfg}, nil
}

// Current returns the active CA material, or nil before the first
// successful Ensure.
func (s *Store) Current() *Material {
	return s.material.Load()
}

// Passphrase returns the keystore passphrase once loaded or generated.
func (s *Store) Passphrase() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.passphrase)
}

// Ensure makes sure a CA of the desired type is active, generating or
// rotating as needed. It reports whether an existing CA was rotated.
// On failure the previously active material stays intact.
func (s *Store) Ensure(ctx context.Context, desired pki.KeyType) (*Material, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadPassphrase(ctx); err != nil {
		return nil, false, trace.Wrap(err)
	}

	if current := s.material.Load(); current != nil {
		if current.Type == desired {
			return current, false, nil
		}
		s.cfg.Log.Info("CA type changed, rotating certificate authority",
			"previous", string(current.Type), "desired", string(desired))
		material, err := s.generateAndPersist(ctx, desired)
		if err != nil {
			return nil, false, trace.Wrap(err)
		}
		return material, true, nil
	}

	// First use: try to load the persisted keystore before minting a
	// fresh authority.
	material, err := s.loadKeystore()
	if err == nil && material.Type == desired {
		if err := s.publishAuthorities(ctx, material); err != nil {
			return nil, false, trace.Wrap(err)
		}
		s.material.Store(material)
		events.Publish(s.cfg.Events, events.CAChanged{Chain: material.ChainPEM()})
		return material, false, nil
	}
	if err != nil && !trace.IsNotFound(err) {
		s.cfg.Log.Warn("Unable to load CA keystore, generating a new certificate authority", "error", err)
	}
	rotated := err == nil // loaded fine but wrong type
	material, err = s.generateAndPersist(ctx, desired)
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	return material, rotated, nil
}

// loadPassphrase reads the keystore passphrase from the runtime store,
// generating and persisting a fresh one on first use.
func (s *Store) loadPassphrase(ctx context.Context) error {
	if s.passphrase != nil {
		return nil
	}
	passphrase, err := s.cfg.Runtime.Get(ctx, store.KeyCAPassphrase)
	if err == nil {
		s.passphrase = passphrase
		return nil
	}
	if !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	raw := make([]byte, defaults.CAPassphraseBytes)
	if _, err := rand.Read(raw); err != nil {
		return trace.Wrap(err)
	}
	passphrase = []byte(base64.RawURLEncoding.EncodeToString(raw))
	if err := s.cfg.Runtime.Put(ctx, store.KeyCAPassphrase, passphrase); err != nil {
		return trace.Wrap(err)
	}
	s.passphrase = passphrase
	return nil
}

func (s *Store) generateAndPersist(ctx context.Context, keyType pki.KeyType) (*Material, error) {
	signer, err := pki.GenerateKeyPair(keyType)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cert, err := pki.GenerateSelfSignedCA(pki.CAConfig{
		Signer:     signer,
		CommonName: defaults.CACommonName,
		TTL:        defaults.CAValidity,
		Clock:      s.cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	material := &Material{
		Type:   keyType,
		Signer: signer,
		Cert:   cert,
		Chain:  []*x509.Certificate{cert},
	}
	if err := s.install(ctx, material); err != nil {
		return nil, trace.Wrap(err)
	}
	return material, nil
}

// install persists and activates new CA material. Keystore first, then
// the published authority list, then the in-memory swap; a failure at
// any point leaves the previous material active.
func (s *Store) install(ctx context.Context, material *Material) error {
	if err := s.saveKeystore(material); err != nil {
		return trace.Wrap(err)
	}
	if err := s.publishAuthorities(ctx, material); err != nil {
		return trace.Wrap(err)
	}
	s.material.Store(material)
	events.Publish(s.cfg.Events, events.CAChanged{Chain: material.ChainPEM()})
	return nil
}

func (s *Store) publishAuthorities(ctx context.Context, material *Material) error {
	pems := make([]string, 0, len(material.Chain))
	for _, chainPEM := range material.ChainPEM() {
		pems = append(pems, string(chainPEM))
	}
	value, err := json.Marshal(pems)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.cfg.Runtime.Put(ctx, store.KeyCertificateAuthorities, value))
}

func (s *Store) saveKeystore(material *Material) error {
	keyDER, err := x509.MarshalPKCS8PrivateKey(material.Signer)
	if err != nil {
		return trace.Wrap(err)
	}
	chain := make([]keystore.Certificate, 0, len(material.Chain))
	for _, cert := range material.Chain {
		chain = append(chain, keystore.Certificate{Type: "X509", Content: cert.Raw})
	}
	ks := keystore.New()
	entry := keystore.PrivateKeyEntry{
		CreationTime:     s.cfg.Clock.Now(),
		PrivateKey:       keyDER,
		CertificateChain: chain,
	}
	if err := ks.SetPrivateKeyEntry(keystoreAlias, entry, s.passphrase); err != nil {
		return trace.Wrap(err)
	}
	var buf bytes.Buffer
	if err := ks.Store(&buf, s.passphrase); err != nil {
		return trace.Wrap(err)
	}
	if err := renameio.WriteFile(s.cfg.KeystorePath, buf.Bytes(), 0o600); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

func (s *Store) loadKeystore() (*Material, error) {
	raw, err := os.ReadFile(s.cfg.KeystorePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("keystore %v is not found", s.cfg.KeystorePath)
		}
		return nil, trace.ConvertSystemError(err)
	}
	ks := keystore.New()
	if err := ks.Load(bytes.NewReader(raw), s.passphrase); err != nil {
		return nil, trace.BadParameter("failed loading keystore: %v", err)
	}
	entry, err := ks.GetPrivateKeyEntry(keystoreAlias, s.passphrase)
	if err != nil {
		return nil, trace.BadParameter("failed reading keystore entry: %v", err)
	}
	signer, err := pki.ParsePrivateKeyDER(entry.PrivateKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	keyType, err := pki.KeyTypeOf(signer)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	chain := make([]*x509.Certificate, 0, len(entry.CertificateChain))
	for _, stored := range entry.CertificateChain {
		cert, err := x509.ParseCertificate(stored.Content)
		if err != nil {
			return nil, trace.BadParameter("failed parsing keystore certificate: %v", err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, trace.BadParameter("keystore entry has no certificate chain")
	}
	return &Material{Type: keyType, Signer: signer, Cert: chain[0], Chain: chain}, nil
}

// LoadExternal replaces the managed CA with one supplied through
// configured private key and certificate URIs. Only file: URIs are
// currently supported; the keystore passphrase is left untouched.
func (s *Store) LoadExternal(ctx context.Context, privateKeyURI, certificateURI string) error {
	keyPath, err := filePath(privateKeyURI)
	if err != nil {
		return trace.Wrap(err)
	}
	certPath, err := filePath(certificateURI)
	if err != nil {
		return trace.Wrap(err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	signer, err := pki.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return trace.Wrap(err)
	}
	chain, err := pki.ParseCertificatePEMs(certPEM)
	if err != nil {
		return trace.Wrap(err)
	}
	keyType, err := pki.KeyTypeOf(signer)
	if err != nil {
		return trace.Wrap(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadPassphrase(ctx); err != nil {
		return trace.Wrap(err)
	}
	material := &Material{Type: keyType, Signer: signer, Cert: chain[0], Chain: chain}
	if err := s.install(ctx, material); err != nil {
		return trace.Wrap(err)
	}
	s.cfg.Log.Info("Loaded configured certificate authority", "subject", chain[0].Subject.CommonName)
	return nil
}

func filePath(uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", trace.BadParameter("invalid URI %q: %v", uri, err)
	}
	switch parsed.Scheme {
	case "file":
		return parsed.Path, nil
	case "pkcs11":
		return "", trace.NotImplemented("pkcs11 URIs are not supported")
	}
	return "", trace.BadParameter("URI scheme must be file or pkcs11, got %q", parsed.Scheme)
}
