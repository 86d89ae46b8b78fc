// Package defaults holds shared constants and clamping helpers for the
// client device auth service.
package defaults

import (
	"log/slog"
	"math"
	"time"
)

const (
	// CACommonName is the common name placed on generated core CA
	// certificates.
	CACommonName = "Greengrass Core CA"

	// CAValidity is the validity period of a generated core CA.
	CAValidity = 10 * 365 * 24 * time.Hour

	// CAKeystoreFilename is the filename of the passphrase-protected
	// keystore holding the CA key and certificate chain.
	CAKeystoreFilename = "ca.jks"

	// CAPassphraseBytes is the number of random bytes in a generated
	// keystore passphrase, before base64 encoding.
	CAPassphraseBytes = 32

	// MinCertValidity and MaxCertValidity bound configured leaf
	// certificate validity periods. Out-of-range values are clamped.
	MinCertValidity = 60 * time.Second
	MaxCertValidity = 10 * 24 * time.Hour

	// CertValidity is the leaf certificate validity used when none is
	// configured.
	CertValidity = 7 * 24 * time.Hour

	// ExpiryCheckInterval is how often the expiry monitor scans
	// registered certificate generators.
	ExpiryCheckInterval = 30 * time.Second

	// MinRotationWindow is the smallest head start the expiry monitor
	// gives itself before a certificate expires.
	MinRotationWindow = 24 * time.Hour

	// SessionCapacity is the default bound on concurrently active
	// authenticated sessions.
	SessionCapacity = 2500

	// MinSessionCapacity and MaxSessionCapacity bound the configured
	// session capacity.
	MinSessionCapacity = 1
	MaxSessionCapacity = math.MaxInt32

	// TrustDuration is how long cached cloud metadata (certificate
	// status, thing attachments, sessions) is honored without
	// re-verification.
	TrustDuration = 24 * time.Hour

	// ReconcileInterval is the scheduling period of the background
	// reconciler.
	ReconcileInterval = 24 * time.Hour

	// CloudRequestTimeout bounds a single synchronous cloud call.
	CloudRequestTimeout = 30 * time.Second

	// SessionTokenBytes is the number of random bytes in a session
	// token, before base64 encoding.
	SessionTokenBytes = 16
)

// ClampInt returns v clamped to [min, max], logging a warning when the
// configured value was out of range.
func ClampInt(log *slog.Logger, name string, v, min, max int) int {
	if v < min {
		log.Warn("Configured value out of range, clamping", "name", name, "value", v, "clamped", min)
		return min
	}
	if v > max {
		log.Warn("Configured value out of range, clamping", "name", name, "value", v, "clamped", max)
		return max
	}
	return v
}

// ClampDuration returns v clamped to [min, max], logging a warning when
// the configured value was out of range.
func ClampDuration(log *slog.Logger, name string, v, min, max time.Duration) time.Duration {
	if v < min {
		log.Warn("Configured value out of range, clamping", "name", name, "value", v, "clamped", min)
		return min
	}
	if v > max {
		log.Warn("Configured value out of range, clamping", "name", name, "value", v, "clamped", max)
		return max
	}
	return v
}
