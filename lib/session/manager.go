package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/cloud"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/defaults"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/events"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/metrics"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/registry"
)

// CredentialTypeMQTT is the only credential type currently supported.
const CredentialTypeMQTT = "mqtt"

// Credentials carries the material a client device presents when it
// connects.
type Credentials struct {
	ClientID       string
	CertificatePEM string
	Username       string
	Password       string
}

// Verifier is the slice of the cloud adapter the session manager needs.
type Verifier interface {
	VerifyCertificate(ctx context.Context, certificatePEM []byte) (*cloud.VerifyResult, error)
	VerifyThingAssociation(ctx context.Context, thingName, certificateID string) (bool, error)
}

// ManagerConfig configures a session Manager.
type ManagerConfig struct {
	// Certificates resolves and persists certificate records.
	Certificates *registry.CertificateRegistry
	// Things resolves and persists thing attachments.
	Things *registry.ThingRegistry
	// Verifier consults the cloud when local state is not trusted.
	Verifier Verifier
	// Events receives session lifecycle events.
	Events *events.Bus
	// Capacity bounds the number of concurrently active sessions.
	Capacity int
	// SessionTTL bounds how long an idle session stays resolvable. Nil
	// means the default; an explicit zero expires sessions as soon as
	// the clock moves.
	SessionTTL *time.Duration
	// Clock is the manager's clock.
	Clock clockwork.Clock
	// Log is the manager's logger.
	Log *slog.Logger
	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics
}

func (c *ManagerConfig) checkAndSetDefaults() error {
	if c.Certificates == nil {
		return trace.BadParameter("missing certificate registry")
	}
	if c.Things == nil {
		return trace.BadParameter("missing thing registry")
	}
	if c.Verifier == nil {
		return trace.BadParameter("missing cloud verifier")
	}
	if c.Events == nil {
		c.Events = events.NewBus()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With("component", "session-manager")
	if c.Capacity == 0 {
		c.Capacity = defaults.SessionCapacity
	}
	c.Capacity = defaults.ClampInt(c.Log, "maxActiveAuthTokens", c.Capacity,
		defaults.MinSessionCapacity, defaults.MaxSessionCapacity)
	if c.SessionTTL == nil {
		ttl := defaults.TrustDuration
		c.SessionTTL = &ttl
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Manager owns the LRU-bounded session table. The table itself is
// guarded by the LRU's lock; cloud calls during Create run outside it
// and are re-validated at insert time.
type Manager struct {
	cfg      ManagerConfig
	sessions *lru.Cache[string, *Session]

	// mu guards the expiry check-and-touch of session lastUsed stamps.
	mu sync.Mutex
}

// NewManager returns a session manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	m := &Manager{cfg: cfg}
	sessions, err := lru.NewWithEvict[string, *Session](cfg.Capacity, func(id string, _ *Session) {
		cfg.Log.Debug("Session evicted", "session_id", id)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	m.sessions = sessions
	return m, nil
}

// Len returns the number of active sessions.
func (m *Manager) Len() int { return m.sessions.Len() }

// Create authenticates the presented credentials and returns a fresh
// session token. The certificate must resolve to an ACTIVE record,
// locally trusted or confirmed by the cloud, and the client's thing
// must be associated with it.
func (m *Manager) Create(ctx context.Context, credentialType string, creds Credentials) (string, error) {
	if credentialType != CredentialTypeMQTT {
		return "", trace.BadParameter("unsupported credential type %q", credentialType)
	}
	if creds.CertificatePEM == "" {
		return "", trace.BadParameter("missing certificate pem")
	}
	certPEM := []byte(creds.CertificatePEM)

	record, err := m.cfg.Certificates.GetOrCreate(ctx, certPEM)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if err := m.ensureActive(ctx, record, certPEM); err != nil {
		m.cfg.Metrics.SessionRejected()
		return "", trace.Wrap(err)
	}

	thing, err := m.attachThing(ctx, creds, record)
	if err != nil {
		m.cfg.Metrics.SessionRejected()
		return "", trace.Wrap(err)
	}

	// Commit-time re-validation: the record must still exist after the
	// cloud round trips above.
	if _, err := m.cfg.Certificates.GetByID(ctx, record.ID()); err != nil {
		m.cfg.Metrics.SessionRejected()
		return "", trace.AccessDenied("certificate is no longer registered")
	}

	token, err := newToken()
	if err != nil {
		return "", trace.Wrap(err)
	}
	sess := newSession(token, record.ID(), m.cfg.Clock.Now())
	if thing != nil {
		sess.attachThing(thing)
	}
	if evicted := m.sessions.Add(token, sess); evicted {
		m.cfg.Metrics.SessionEvicted()
		events.Publish(m.cfg.Events, events.SessionEvicted{})
	}
	m.cfg.Metrics.SessionCreated()
	events.Publish(m.cfg.Events, events.SessionCreated{})
	m.cfg.Log.Debug("Created session", "session_id", token, "certificate", record.ID())
	return token, nil
}

// ensureActive confirms the certificate record is ACTIVE, consulting
// the cloud when the local status is not trusted.
func (m *Manager) ensureActive(ctx context.Context, record *registry.CertificateRecord, certPEM []byte) error {
	if m.cfg.Certificates.EffectiveStatus(record) == registry.StatusActive {
		return nil
	}
	result, err := m.cfg.Verifier.VerifyCertificate(ctx, certPEM)
	if err != nil {
		m.cfg.Metrics.CloudError()
		return trace.Wrap(err)
	}
	if !result.Active {
		return trace.AccessDenied("certificate could not be verified")
	}
	record.SetStatus(registry.StatusActive, m.cfg.Clock.Now())
	if err := m.cfg.Certificates.Update(ctx, record); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// attachThing ties the client's thing to the certificate, trusting a
// recent verified attachment and otherwise asking the cloud.
func (m *Manager) attachThing(ctx context.Context, creds Credentials, record *registry.CertificateRecord) (*registry.Thing, error) {
	thingName := creds.ClientID
	if thingName == "" {
		thingName = creds.Username
	}
	if thingName == "" {
		return nil, trace.BadParameter("missing client id")
	}
	thing, err := m.cfg.Things.GetOrCreate(ctx, thingName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := m.cfg.Clock.Now()
	if thing.IsCertificateAttached(record.ID(), now, m.cfg.Things.TrustDuration()) {
		return thing, nil
	}
	associated, err := m.cfg.Verifier.VerifyThingAssociation(ctx, thingName, record.ID())
	if err != nil {
		m.cfg.Metrics.CloudError()
		return nil, trace.Wrap(err)
	}
	if !associated {
		return nil, trace.AccessDenied("thing %v is not attached to the presented certificate", thingName)
	}
	thing.AttachCertificate(record.ID(), now)
	thing, err = m.cfg.Things.Update(ctx, thing)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return thing, nil
}

// Resolve returns the session for a token and marks it used. Expired
// sessions are evicted and read as absent.
func (m *Manager) Resolve(token string) (*Session, error) {
	sess, ok := m.sessions.Get(token)
	if !ok {
		return nil, trace.NotFound("session is not found")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.cfg.Clock.Now()
	if now.Sub(sess.lastUsed) > *m.cfg.SessionTTL {
		m.sessions.Remove(token)
		return nil, trace.NotFound("session is not found")
	}
	sess.lastUsed = now
	return sess, nil
}

// Close removes the session. Closing an absent session is a no-op.
func (m *Manager) Close(token string) {
	if m.sessions.Remove(token) {
		m.cfg.Log.Debug("Closed session", "session_id", token)
	}
}

// Refresh sweeps the table, evicting sessions whose certificate or
// thing attachment the cloud definitively rejects. Cloud failures leave
// sessions in place.
func (m *Manager) Refresh(ctx context.Context) {
	for _, token := range m.sessions.Keys() {
		sess, ok := m.sessions.Peek(token)
		if !ok {
			continue
		}
		if !m.stillValid(ctx, sess) {
			m.sessions.Remove(token)
			m.cfg.Log.Info("Evicted stale session", "session_id", token, "certificate", sess.certificateID)
		}
	}
}

func (m *Manager) stillValid(ctx context.Context, sess *Session) bool {
	record, err := m.cfg.Certificates.GetByID(ctx, sess.certificateID)
	if err != nil {
		return !trace.IsNotFound(err)
	}
	certPEM, err := m.cfg.Certificates.PEM(ctx, sess.certificateID)
	if err != nil {
		return !trace.IsNotFound(err)
	}
	if m.cfg.Certificates.EffectiveStatus(record) != registry.StatusActive {
		result, err := m.cfg.Verifier.VerifyCertificate(ctx, certPEM)
		if err != nil {
			m.cfg.Metrics.CloudError()
			return true
		}
		if !result.Active {
			return false
		}
		record.SetStatus(registry.StatusActive, m.cfg.Clock.Now())
		if err := m.cfg.Certificates.Update(ctx, record); err != nil {
			m.cfg.Log.Warn("Unable to persist refreshed certificate status", "certificate", record.ID(), "error", err)
		}
	}
	thingName, hasThing := sess.ThingName()
	if !hasThing {
		return true
	}
	associated, err := m.cfg.Verifier.VerifyThingAssociation(ctx, thingName, sess.certificateID)
	if err != nil {
		m.cfg.Metrics.CloudError()
		return true
	}
	return associated
}

func newToken() (string, error) {
	raw := make([]byte, defaults.SessionTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", trace.Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
