package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"

	"github.com/gravitational/trace"
)

const (
	pemTypeCertificate        = "CERTIFICATE"
	pemTypeCertificateRequest = "CERTIFICATE REQUEST"
	pemTypePrivateKey         = "PRIVATE KEY"
)

// ParseCertificatePEM parses a single PEM-encoded certificate.
func ParseCertificatePEM(bytes []byte) (*x509.Certificate, error) {
	if len(bytes) == 0 {
		return nil, trace.BadParameter("missing PEM encoded block")
	}
	block, _ := pem.Decode(bytes)
	if block == nil {
		return nil, trace.BadParameter("expected PEM-encoded block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, trace.BadParameter("failed parsing certificate: %v", err)
	}
	return cert, nil
}

// ParseCertificatePEMs parses concatenated PEM-encoded certificates.
func ParseCertificatePEMs(bytes []byte) ([]*x509.Certificate, error) {
	if len(bytes) == 0 {
		return nil, trace.BadParameter("missing PEM encoded block")
	}
	var certs []*x509.Certificate
	block, remaining := pem.Decode(bytes)
	for block != nil {
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, trace.BadParameter("failed parsing certificate: %v", err)
		}
		certs = append(certs, cert)
		block, remaining = pem.Decode(remaining)
	}
	if len(certs) == 0 {
		return nil, trace.BadParameter("expected PEM-encoded block")
	}
	return certs, nil
}

// MarshalCertificatePEM returns the PEM encoding of cert.
func MarshalCertificatePEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: cert.Raw})
}

// MarshalPrivateKeyPEM returns the PKCS#8 PEM encoding of the key.
func MarshalPrivateKeyPEM(signer crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePrivateKey, Bytes: der}), nil
}

// ParsePrivateKeyPEM parses a PEM-encoded private key.
func ParsePrivateKeyPEM(bytes []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(bytes)
	if block == nil {
		return nil, trace.BadParameter("expected PEM-encoded block")
	}
	return ParsePrivateKeyDER(block.Bytes)
}

// ParsePrivateKeyDER parses an unencrypted DER-encoded private key in
// PKCS#8, PKCS#1 or SEC1 form.
func ParsePrivateKeyDER(der []byte) (crypto.Signer, error) {
	generalKey, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		generalKey, err = x509.ParsePKCS1PrivateKey(der)
		if err != nil {
			generalKey, err = x509.ParseECPrivateKey(der)
			if err != nil {
				return nil, trace.BadParameter("failed parsing private key")
			}
		}
	}
	switch key := generalKey.(type) {
	case *rsa.PrivateKey:
		return key, nil
	case *ecdsa.PrivateKey:
		return key, nil
	}
	return nil, trace.BadParameter("unsupported private key type")
}
