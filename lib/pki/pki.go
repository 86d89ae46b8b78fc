// Package pki implements the crypto primitives behind the certificate
// authority and issuance pipeline: key generation, self-signed CA and
// leaf certificate construction, CSR handling, PEM/DER conversion and
// certificate fingerprints.
package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"net"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// KeyType selects the key algorithm and signature scheme of a CA.
type KeyType string

const (
	// KeyTypeRSA2048 selects RSA-2048 keys with SHA256-RSA signatures.
	KeyTypeRSA2048 KeyType = "RSA_2048"
	// KeyTypeECDSAP256 selects NIST P-256 keys with ECDSA-SHA256
	// signatures.
	KeyTypeECDSAP256 KeyType = "ECDSA_P256"
)

const rsaKeySize = 2048

// ParseKeyType resolves the configured caType list. An empty list selects
// RSA_2048; an unknown value is a validation error.
func ParseKeyType(caTypes []string) (KeyType, error) {
	if len(caTypes) == 0 {
		return KeyTypeRSA2048, nil
	}
	switch KeyType(caTypes[0]) {
	case KeyTypeRSA2048:
		return KeyTypeRSA2048, nil
	case KeyTypeECDSAP256:
		return KeyTypeECDSAP256, nil
	}
	return "", trace.BadParameter("unsupported CA type %q", caTypes[0])
}

// GenerateKeyPair generates a private key of the given type.
func GenerateKeyPair(keyType KeyType) (crypto.Signer, error) {
	switch keyType {
	case KeyTypeRSA2048:
		key, err := rsa.GenerateKey(rand.Reader, rsaKeySize)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return key, nil
	case KeyTypeECDSAP256:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return key, nil
	}
	return nil, trace.BadParameter("unsupported CA type %q", keyType)
}

// KeyTypeOf reports the KeyType of an existing signer.
func KeyTypeOf(signer crypto.Signer) (KeyType, error) {
	switch signer.Public().(type) {
	case *rsa.PublicKey:
		return KeyTypeRSA2048, nil
	case *ecdsa.PublicKey:
		return KeyTypeECDSAP256, nil
	}
	return "", trace.BadParameter("unsupported key type %T", signer.Public())
}

// CAConfig configures self-signed CA generation.
type CAConfig struct {
	// Signer is the CA private key.
	Signer crypto.Signer
	// CommonName is the subject CN.
	CommonName string
	// TTL is the certificate validity period.
	TTL time.Duration
	// Clock is used to set the validity window.
	Clock clockwork.Clock
}

func (c *CAConfig) checkAndSetDefaults() error {
	if c.Signer == nil {
		return trace.BadParameter("missing signer")
	}
	if c.CommonName == "" {
		return trace.BadParameter("missing common name")
	}
	if c.TTL <= 0 {
		return trace.BadParameter("missing TTL")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// GenerateSelfSignedCA generates a self-signed certificate authority
// certificate for the given signer.
func GenerateSelfSignedCA(config CAConfig) (*x509.Certificate, error) {
	if err := config.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	serialNumber, err := newSerialNumber()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	notBefore := config.Clock.Now().UTC()
	entity := pkix.Name{
		CommonName: config.CommonName,
		// Distinct serial in the subject so same-subject CAs generated
		// in quick succession never compare equal.
		SerialNumber: serialNumber.String(),
	}
	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               entity,
		Issuer:                entity,
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(config.TTL),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, config.Signer.Public(), config.Signer)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return cert, nil
}

// LeafConfig configures leaf certificate generation.
type LeafConfig struct {
	// CA is the issuing certificate.
	CA *x509.Certificate
	// CASigner is the issuing private key.
	CASigner crypto.Signer
	// PublicKey is the subject public key to certify.
	PublicKey crypto.PublicKey
	// Subject is the subject distinguished name.
	Subject pkix.Name
	// DNSNames and IPAddresses are placed in the SubjectAlternativeName
	// extension. Only meaningful for server certificates.
	DNSNames    []string
	IPAddresses []net.IP
	// Server selects serverAuth extended key usage; otherwise the leaf
	// is restricted to clientAuth.
	Server bool
	// TTL is the certificate validity period.
	TTL time.Duration
	// Clock is used to set the validity window.
	Clock clockwork.Clock
}

func (c *LeafConfig) checkAndSetDefaults() error {
	if c.CA == nil {
		return trace.BadParameter("missing CA certificate")
	}
	if c.CASigner == nil {
		return trace.BadParameter("missing CA signer")
	}
	if c.PublicKey == nil {
		return trace.BadParameter("missing public key")
	}
	if c.Subject.CommonName == "" {
		return trace.BadParameter("missing subject common name")
	}
	if c.TTL <= 0 {
		return trace.BadParameter("missing TTL")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// GenerateLeafCertificate generates a server or client leaf certificate
// signed by the given CA.
func GenerateLeafCertificate(config LeafConfig) (*x509.Certificate, error) {
	if err := config.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	serialNumber, err := newSerialNumber()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	notBefore := config.Clock.Now().UTC()
	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               config.Subject,
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(config.TTL),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	if config.Server {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
		template.DNSNames = config.DNSNames
		template.IPAddresses = config.IPAddresses
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, config.CA, config.PublicKey, config.CASigner)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return cert, nil
}

// GenerateCertificateRequest returns a PEM-encoded CSR for the given
// subject and key.
func GenerateCertificateRequest(subject pkix.Name, signer crypto.Signer) ([]byte, error) {
	if signer == nil {
		return nil, trace.BadParameter("missing signer")
	}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{Subject: subject}, signer)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificateRequest, Bytes: csrDER}), nil
}

// ParseCertificateRequestPEM parses a PEM-encoded CSR.
func ParseCertificateRequestPEM(bytes []byte) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(bytes)
	if block == nil {
		return nil, trace.BadParameter("expected PEM-encoded block")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, trace.BadParameter("failed parsing certificate request: %v", err)
	}
	return csr, nil
}

// Fingerprint returns the canonical certificate fingerprint: lowercase
// hex SHA-256 over the DER encoding.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// FingerprintPEM parses a PEM-encoded certificate and returns its
// fingerprint.
func FingerprintPEM(certPEM []byte) (string, error) {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return Fingerprint(cert), nil
}

func newSerialNumber() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return serialNumber, nil
}
