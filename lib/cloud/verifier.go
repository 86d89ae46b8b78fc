// Package cloud adapts the cloud control-plane verify/list API into
// local domain answers. The SDK client itself stays behind the narrow
// API interface; this package owns timeouts, retries, deduplication and
// the mapping of remote errors onto local semantics.
package cloud

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/defaults"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/pki"
)

// IdentitySummary is the cloud's answer to a verify-identity call.
type IdentitySummary struct {
	// CertificateID is the cloud-side certificate identifier.
	CertificateID string
	// Active reports whether the certificate is active in the cloud.
	Active bool
}

// AssociatedClientDevice is one entry of the core device association
// list.
type AssociatedClientDevice struct {
	// ThingName is the associated thing's name.
	ThingName string
	// AssociatedAt is when the association was created.
	AssociatedAt time.Time
}

// Page is one page of the association list.
type Page struct {
	Devices   []AssociatedClientDevice
	NextToken string
}

// API is the cloud control-plane surface the verifier depends on.
// Implementations map SDK errors onto trace classes: NotFound for
// missing resources, BadParameter for rejected input, AccessDenied for
// permission failures, ConnectionProblem for network errors and 5xx,
// LimitExceeded for throttling.
type API interface {
	// VerifyClientDeviceIdentity asks the cloud to verify a client
	// device certificate.
	VerifyClientDeviceIdentity(ctx context.Context, certificatePEM []byte) (*IdentitySummary, error)
	// VerifyClientDeviceCertificateAssociation checks that the thing is
	// associated with the certificate. A nil return means associated.
	VerifyClientDeviceCertificateAssociation(ctx context.Context, thingName, certificateID string) error
	// ListClientDevicesAssociatedWithCoreDevice returns one page of the
	// core device association list.
	ListClientDevicesAssociatedWithCoreDevice(ctx context.Context, nextToken string) (*Page, error)
}

// VerifyResult is the local outcome of a certificate verification.
type VerifyResult struct {
	// CertificateID is the local fingerprint of the certificate.
	CertificateID string
	// Active is true when the cloud confirmed the certificate; false
	// means the status is UNKNOWN.
	Active bool
}

// Config configures a Verifier.
type Config struct {
	// API is the cloud client.
	API API
	// Timeout bounds each cloud call.
	Timeout time.Duration
	// CacheTTL bounds how long verification outcomes are reused to
	// absorb reconnect storms. Zero disables the cache.
	CacheTTL time.Duration
	// Clock is the verifier's clock.
	Clock clockwork.Clock
	// Log is the verifier's logger.
	Log *slog.Logger
}

func (c *Config) checkAndSetDefaults() error {
	if c.API == nil {
		return trace.BadParameter("missing cloud API client")
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.CloudRequestTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With("component", "cloud-verifier")
	return nil
}

// Verifier is the stateless adapter over the cloud verify/list API.
type Verifier struct {
	cfg   Config
	group singleflight.Group
	cache *gocache.Cache
}

// NewVerifier returns a cloud verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	v := &Verifier{cfg: cfg}
	if cfg.CacheTTL > 0 {
		v.cache = gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	return v, nil
}

// VerifyCertificate asks the cloud whether the certificate is active.
// A malformed PEM is a validation error, never UNKNOWN. Cloud answers
// meaning "not found" or "invalid" map to an inactive result; all other
// cloud failures surface as errors. Concurrent verifications of the
// same fingerprint are deduplicated.
func (v *Verifier) VerifyCertificate(ctx context.Context, certificatePEM []byte) (*VerifyResult, error) {
	fingerprint, err := pki.FingerprintPEM(certificatePEM)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if cached, ok := v.cached(fingerprint); ok {
		return cached, nil
	}
	out, err, _ := v.group.Do(fingerprint, func() (any, error) {
		var summary *IdentitySummary
		err := v.do(ctx, func(ctx context.Context) error {
			var err error
			summary, err = v.cfg.API.VerifyClientDeviceIdentity(ctx, certificatePEM)
			return err
		})
		switch {
		case err == nil:
			return &VerifyResult{CertificateID: fingerprint, Active: summary.Active}, nil
		case trace.IsNotFound(err) || trace.IsBadParameter(err):
			v.cfg.Log.Debug("Cloud does not recognize certificate", "fingerprint", fingerprint, "error", err)
			return &VerifyResult{CertificateID: fingerprint, Active: false}, nil
		}
		return nil, trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	result := out.(*VerifyResult)
	if v.cache != nil {
		v.cache.Set(fingerprint, &cacheEntry{result: result, at: v.cfg.Clock.Now()}, gocache.DefaultExpiration)
	}
	return result, nil
}

// cacheEntry stamps a cached result with the verifier's clock, so
// expiry follows the injected clock rather than the cache's wall clock.
type cacheEntry struct {
	result *VerifyResult
	at     time.Time
}

func (v *Verifier) cached(fingerprint string) (*VerifyResult, bool) {
	if v.cache == nil {
		return nil, false
	}
	raw, ok := v.cache.Get(fingerprint)
	if !ok {
		return nil, false
	}
	entry := raw.(*cacheEntry)
	if v.cfg.Clock.Now().Sub(entry.at) >= v.cfg.CacheTTL {
		v.cache.Delete(fingerprint)
		return nil, false
	}
	return entry.result, true
}

// VerifyThingAssociation reports whether the thing is associated with
// the certificate. False is returned only on an explicit cloud
// not-found; every other failure is an error.
func (v *Verifier) VerifyThingAssociation(ctx context.Context, thingName, certificateID string) (bool, error) {
	err := v.do(ctx, func(ctx context.Context) error {
		return v.cfg.API.VerifyClientDeviceCertificateAssociation(ctx, thingName, certificateID)
	})
	switch {
	case err == nil:
		return true, nil
	case trace.IsNotFound(err):
		return false, nil
	}
	return false, trace.Wrap(err)
}

// ForEachAssociatedThing walks the paginated core device association
// list. A mid-stream cloud failure surfaces as the returned error after
// the pages already read have been delivered.
func (v *Verifier) ForEachAssociatedThing(ctx context.Context, fn func(AssociatedClientDevice) error) error {
	nextToken := ""
	for {
		var page *Page
		err := v.do(ctx, func(ctx context.Context) error {
			var err error
			page, err = v.cfg.API.ListClientDevicesAssociatedWithCoreDevice(ctx, nextToken)
			return err
		})
		if err != nil {
			return trace.Wrap(err)
		}
		for _, device := range page.Devices {
			if err := fn(device); err != nil {
				return trace.Wrap(err)
			}
		}
		if page.NextToken == "" {
			return nil
		}
		nextToken = page.NextToken
	}
}

// do runs one cloud call under the configured timeout, retrying
// throttling and network errors with exponential backoff. Cancellation
// surfaces as a retryable connection problem to the caller.
func (v *Verifier) do(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()
	exponential := backoff.NewExponentialBackOff()
	exponential.Clock = v.cfg.Clock
	exponential.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(exponential, 3), ctx)
	err := backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if trace.IsConnectionProblem(err) || trace.IsLimitExceeded(err) {
			return trace.Wrap(err)
		}
		return backoff.Permanent(trace.Wrap(err))
	}, policy)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// Cancellation surfaces as retryable; no partial state was
			// written by the caller.
			return trace.ConnectionProblem(err, "cloud request timed out")
		}
		return trace.Wrap(err)
	}
	return nil
}
