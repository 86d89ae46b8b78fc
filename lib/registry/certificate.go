// Package registry implements the certificate and thing registries: the
// content-addressed certificate cache and the thing-to-certificate
// attachment store, both persisted through the runtime store with a
// time-bounded trust of cloud metadata.
package registry

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/defaults"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/pki"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/store"
)

// Status is the verification status of a client device certificate.
type Status string

const (
	// StatusActive means the cloud has confirmed the certificate.
	StatusActive Status = "ACTIVE"
	// StatusUnknown means the certificate has not been confirmed, or
	// its confirmation has aged out of the trust window.
	StatusUnknown Status = "UNKNOWN"
)

// CertificateRecord is a registry entry keyed by certificate
// fingerprint. The stored status is only honored inside the trust
// window; older confirmations read as UNKNOWN.
type CertificateRecord struct {
	id            string
	status        Status
	statusUpdated time.Time
}

// ID returns the certificate fingerprint: lowercase hex SHA-256 over
// the DER encoding.
func (r *CertificateRecord) ID() string { return r.id }

// SetStatus records a new verification outcome at the given time.
func (r *CertificateRecord) SetStatus(status Status, now time.Time) {
	r.status = status
	r.statusUpdated = now
}

// StatusUpdated returns when the status was last confirmed.
func (r *CertificateRecord) StatusUpdated() time.Time { return r.statusUpdated }

// StatusAt returns the effective status at the given time: the stored
// status while trusted, UNKNOWN otherwise.
func (r *CertificateRecord) StatusAt(now time.Time, trustDuration time.Duration) Status {
	if !r.trustedAt(now, trustDuration) {
		return StatusUnknown
	}
	return r.status
}

func (r *CertificateRecord) trustedAt(now time.Time, trustDuration time.Duration) bool {
	return now.Sub(r.statusUpdated) < trustDuration
}

// CertificateRegistryConfig configures a CertificateRegistry.
type CertificateRegistryConfig struct {
	// Runtime persists records and PEM blobs.
	Runtime store.Store
	// Clock is used for trust-window checks.
	Clock clockwork.Clock
	// TrustDuration bounds how long confirmed statuses are honored. Nil
	// means the default; an explicit zero means statuses are never
	// trusted.
	TrustDuration *time.Duration
	// Log is the registry's logger.
	Log *slog.Logger
}

func (c *CertificateRegistryConfig) checkAndSetDefaults() error {
	if c.Runtime == nil {
		return trace.BadParameter("missing runtime store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.TrustDuration == nil {
		trust := defaults.TrustDuration
		c.TrustDuration = &trust
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With("component", "certificate-registry")
	return nil
}

// CertificateRegistry is the content-addressed certificate store.
// Identical PEMs always map to the same record.
type CertificateRegistry struct {
	cfg CertificateRegistryConfig
}

// NewCertificateRegistry returns a certificate registry backed by the
// runtime store.
func NewCertificateRegistry(cfg CertificateRegistryConfig) (*CertificateRegistry, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &CertificateRegistry{cfg: cfg}, nil
}

// TrustDuration returns the configured trust window.
func (r *CertificateRegistry) TrustDuration() time.Duration { return *r.cfg.TrustDuration }

// EffectiveStatus returns the record status honoring the trust window.
func (r *CertificateRegistry) EffectiveStatus(record *CertificateRecord) Status {
	return record.StatusAt(r.cfg.Clock.Now(), *r.cfg.TrustDuration)
}

// GetOrCreate returns the record for the given certificate PEM,
// creating an UNKNOWN record and persisting the PEM blob on first
// sight. The operation is idempotent on identical PEMs.
func (r *CertificateRegistry) GetOrCreate(ctx context.Context, certPEM []byte) (*CertificateRecord, error) {
	id, err := pki.FingerprintPEM(certPEM)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	record, err := r.GetByID(ctx, id)
	if err == nil {
		// A record whose PEM blob was lost in a crash between writes is
		// repaired here.
		if _, err := r.cfg.Runtime.Get(ctx, pemKey(id)); err == nil {
			return record, nil
		}
	} else if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}

	// Blob first, then the record, so a record never outlives its PEM
	// across this write pair.
	if err := r.cfg.Runtime.Put(ctx, pemKey(id), certPEM); err != nil {
		return nil, trace.Wrap(err)
	}
	if record == nil {
		record = &CertificateRecord{id: id, status: StatusUnknown, statusUpdated: time.Unix(0, 0).UTC()}
	}
	if err := r.put(ctx, record); err != nil {
		return nil, trace.Wrap(err)
	}
	return record, nil
}

// Get returns the record for the given certificate PEM without creating
// one.
func (r *CertificateRegistry) Get(ctx context.Context, certPEM []byte) (*CertificateRecord, error) {
	id, err := pki.FingerprintPEM(certPEM)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return r.GetByID(ctx, id)
}

// GetByID returns the record with the given fingerprint.
func (r *CertificateRegistry) GetByID(ctx context.Context, id string) (*CertificateRecord, error) {
	status, err := r.cfg.Runtime.Get(ctx, recordKey(id, "status"))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("certificate %v is not found", id)
		}
		return nil, trace.Wrap(err)
	}
	updatedRaw, err := r.cfg.Runtime.Get(ctx, recordKey(id, "statusUpdated"))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("certificate %v is not found", id)
		}
		return nil, trace.Wrap(err)
	}
	updated, err := parseEpochMillis(string(updatedRaw))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &CertificateRecord{id: id, status: parseStatus(string(status)), statusUpdated: updated}, nil
}

// Update writes back the record's status and last-updated timestamp.
func (r *CertificateRegistry) Update(ctx context.Context, record *CertificateRecord) error {
	return trace.Wrap(r.put(ctx, record))
}

// Delete removes the record and its PEM blob.
func (r *CertificateRegistry) Delete(ctx context.Context, id string) error {
	if err := r.cfg.Runtime.DeleteRange(ctx, store.Join(store.PrefixCertificateRecords, id)); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(r.cfg.Runtime.DeleteRange(ctx, store.Join(store.PrefixClientCertificates, id)))
}

// PEM returns the stored certificate PEM for the given fingerprint.
func (r *CertificateRegistry) PEM(ctx context.Context, id string) ([]byte, error) {
	certPEM, err := r.cfg.Runtime.Get(ctx, pemKey(id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("certificate %v has no stored PEM", id)
		}
		return nil, trace.Wrap(err)
	}
	return certPEM, nil
}

// ForEach iterates over all persisted records. Iteration reads the
// store page at call time, so it is restartable and tolerates records
// deleted mid-walk.
func (r *CertificateRegistry) ForEach(ctx context.Context, fn func(*CertificateRecord) error) error {
	items, err := r.cfg.Runtime.GetRange(ctx, store.PrefixCertificateRecords+"/")
	if err != nil {
		return trace.Wrap(err)
	}
	records := make(map[string]*CertificateRecord)
	var order []string
	for _, item := range items {
		rest := strings.TrimPrefix(item.Key, store.PrefixCertificateRecords+"/")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			continue
		}
		id, field := parts[0], parts[1]
		record, ok := records[id]
		if !ok {
			record = &CertificateRecord{id: id, status: StatusUnknown}
			records[id] = record
			order = append(order, id)
		}
		switch field {
		case "status":
			record.status = parseStatus(string(item.Value))
		case "statusUpdated":
			updated, err := parseEpochMillis(string(item.Value))
			if err != nil {
				r.cfg.Log.Warn("Skipping corrupt status timestamp", "id", id, "error", err)
				continue
			}
			record.statusUpdated = updated
		}
	}
	for _, id := range order {
		if err := fn(records[id]); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func (r *CertificateRegistry) put(ctx context.Context, record *CertificateRecord) error {
	if err := r.cfg.Runtime.Put(ctx, recordKey(record.id, "status"), []byte(record.status)); err != nil {
		return trace.Wrap(err)
	}
	millis := strconv.FormatInt(record.statusUpdated.UnixMilli(), 10)
	return trace.Wrap(r.cfg.Runtime.Put(ctx, recordKey(record.id, "statusUpdated"), []byte(millis)))
}

func recordKey(id, field string) string {
	return store.Join(store.PrefixCertificateRecords, id, field)
}

func pemKey(id string) string {
	return store.Join(store.PrefixClientCertificates, id, "pem")
}

func parseStatus(raw string) Status {
	if raw == string(StatusActive) {
		return StatusActive
	}
	return StatusUnknown
}

func parseEpochMillis(raw string) (time.Time, error) {
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, trace.BadParameter("invalid epoch millis %q", raw)
	}
	return time.UnixMilli(millis).UTC(), nil
}
