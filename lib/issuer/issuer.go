// Package issuer produces server and client leaf certificates from the
// active CA and keeps them fresh: subscribers register generators that
// are re-fired on CA rotation and ahead of expiry.
package issuer

import (
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/ca"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/defaults"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/events"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/metrics"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/pki"
)

// CertificateType selects the kind of leaf a generator produces.
type CertificateType int

const (
	// TypeServer is a server-auth leaf with SubjectAlternativeNames.
	TypeServer CertificateType = iota
	// TypeClient is a client-auth-only leaf.
	TypeClient
)

// Callback delivers a freshly issued certificate and the CA chain to
// the subscriber.
type Callback func(certPEM []byte, caChainPEMs [][]byte)

// Request registers a generator: the subscriber supplies the subject
// key and receives every certificate the generator produces.
type Request struct {
	// Type selects server or client certificate generation.
	Type CertificateType
	// Subject is the leaf subject; CommonName is required.
	Subject pkix.Name
	// PublicKey is the subscriber-provided subject key.
	PublicKey crypto.PublicKey
	// Callback receives issued certificates.
	Callback Callback
}

func (r *Request) check() error {
	if r.Subject.CommonName == "" {
		return trace.BadParameter("missing subject common name")
	}
	if r.PublicKey == nil {
		return trace.BadParameter("missing public key")
	}
	if r.Callback == nil {
		return trace.BadParameter("missing callback")
	}
	return nil
}

// ConnectivityProvider supplies the host addresses placed in server
// certificate SubjectAlternativeNames.
type ConnectivityProvider interface {
	// HostAddresses returns IP addresses and DNS names clients may use
	// to reach this gateway.
	HostAddresses() []string
}

// Config configures an Issuer.
type Config struct {
	// CA supplies the signing material.
	CA *ca.Store
	// Events delivers CAChanged; the issuer is its only certificate
	// subscriber and re-fires all generators on rotation.
	Events *events.Bus
	// Connectivity is optional; without it server certificates carry
	// only the localhost names.
	Connectivity ConnectivityProvider
	// ServerValidity and ClientValidity are clamped to
	// [defaults.MinCertValidity, defaults.MaxCertValidity].
	ServerValidity time.Duration
	ClientValidity time.Duration
	// DisableRotation makes every generator one-shot.
	DisableRotation bool
	// Clock is the issuer's clock.
	Clock clockwork.Clock
	// Log is the issuer's logger.
	Log *slog.Logger
	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics
}

func (c *Config) checkAndSetDefaults() error {
	if c.CA == nil {
		return trace.BadParameter("missing CA store")
	}
	if c.Events == nil {
		return trace.BadParameter("missing event bus")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With("component", "issuer")
	if c.ServerValidity == 0 {
		c.ServerValidity = defaults.CertValidity
	}
	if c.ClientValidity == 0 {
		c.ClientValidity = defaults.CertValidity
	}
	c.ServerValidity = defaults.ClampDuration(c.Log, "serverCertificateValiditySeconds",
		c.ServerValidity, defaults.MinCertValidity, defaults.MaxCertValidity)
	c.ClientValidity = defaults.ClampDuration(c.Log, "clientCertificateValiditySeconds",
		c.ClientValidity, defaults.MinCertValidity, defaults.MaxCertValidity)
	return nil
}

type generator struct {
	id   uuid.UUID
	req  Request
	cert *x509.Certificate
	// issued counts certificates produced; one-shot generators stop
	// after the first.
	issued int
}

// Issuer owns the generator registry.
type Issuer struct {
	cfg        Config
	mu         sync.Mutex
	generators map[uuid.UUID]*generator
}

// New returns an issuer subscribed to CA rotation events.
func New(cfg Config) (*Issuer, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	issuer := &Issuer{cfg: cfg, generators: make(map[uuid.UUID]*generator)}
	events.Subscribe(cfg.Events, func(events.CAChanged) {
		issuer.RotateAll()
	})
	return issuer, nil
}

// Subscribe registers a generator, fires it once immediately, and
// returns the handle used for idempotent removal.
func (i *Issuer) Subscribe(req Request) (uuid.UUID, error) {
	if err := req.check(); err != nil {
		return uuid.Nil, trace.Wrap(err)
	}
	gen := &generator{id: uuid.New(), req: req}
	i.mu.Lock()
	deliver, err := i.fire(gen, false)
	if err != nil {
		i.mu.Unlock()
		return uuid.Nil, trace.Wrap(err)
	}
	i.generators[gen.id] = gen
	i.mu.Unlock()
	deliver()
	return gen.id, nil
}

// Unsubscribe removes a generator. Unknown handles are ignored.
func (i *Issuer) Unsubscribe(id uuid.UUID) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.generators, id)
}

// RotateAll re-fires every generator, regardless of remaining validity.
// Individual failures are logged and do not stop the fan-out.
func (i *Issuer) RotateAll() {
	var deliveries []func()
	i.mu.Lock()
	for _, gen := range i.generators {
		deliver, err := i.fire(gen, true)
		if err != nil {
			i.cfg.Log.Warn("Unable to rotate certificate",
				"subject", gen.req.Subject.CommonName, "error", err)
			continue
		}
		deliveries = append(deliveries, deliver)
	}
	i.mu.Unlock()
	for _, deliver := range deliveries {
		deliver()
	}
}

// checkExpiry rotates every generator whose certificate has entered the
// rotation window at the given time.
func (i *Issuer) checkExpiry(now time.Time) {
	var deliveries []func()
	i.mu.Lock()
	for _, gen := range i.generators {
		if gen.cert == nil {
			continue
		}
		if now.Before(rotateAt(gen.cert)) {
			continue
		}
		i.cfg.Log.Info("Certificate is approaching expiry, rotating",
			"subject", gen.req.Subject.CommonName, "not_after", gen.cert.NotAfter)
		deliver, err := i.fire(gen, true)
		if err != nil {
			i.cfg.Log.Warn("Unable to rotate expiring certificate",
				"subject", gen.req.Subject.CommonName, "error", err)
			continue
		}
		deliveries = append(deliveries, deliver)
	}
	i.mu.Unlock()
	for _, deliver := range deliveries {
		deliver()
	}
}

// rotateAt is the start of the rotation window: half the validity
// period before expiry, but at least a day.
func rotateAt(cert *x509.Certificate) time.Time {
	validity := cert.NotAfter.Sub(cert.NotBefore)
	window := validity / 2
	if window < defaults.MinRotationWindow {
		window = defaults.MinRotationWindow
	}
	return cert.NotAfter.Add(-window)
}

// fire produces one certificate from the generator and returns the
// delivery. Callers hold i.mu and invoke the delivery after releasing
// it, so callbacks may call back into the issuer.
func (i *Issuer) fire(gen *generator, rotation bool) (func(), error) {
	if rotation && i.cfg.DisableRotation && gen.issued > 0 {
		i.cfg.Log.Debug("Certificate rotation is disabled, keeping existing certificate",
			"subject", gen.req.Subject.CommonName)
		return func() {}, nil
	}
	material := i.cfg.CA.Current()
	if material == nil {
		return nil, trace.NotFound("no certificate authority is configured")
	}
	leaf := pki.LeafConfig{
		CA:        material.Cert,
		CASigner:  material.Signer,
		PublicKey: gen.req.PublicKey,
		Subject:   gen.req.Subject,
		Server:    gen.req.Type == TypeServer,
		TTL:       i.cfg.ClientValidity,
		Clock:     i.cfg.Clock,
	}
	if gen.req.Type == TypeServer {
		leaf.TTL = i.cfg.ServerValidity
		leaf.DNSNames, leaf.IPAddresses = i.serverNames()
	}
	cert, err := pki.GenerateLeafCertificate(leaf)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	gen.cert = cert
	gen.issued++
	i.cfg.Metrics.CertificateIssued()
	server := gen.req.Type == TypeServer
	callback := gen.req.Callback
	return func() {
		events.Publish(i.cfg.Events, events.CertificateIssued{Server: server})
		callback(pki.MarshalCertificatePEM(cert), material.ChainPEM())
	}, nil
}

// serverNames splits connectivity addresses into DNS names and IPs,
// falling back to the localhost names when nothing is configured.
func (i *Issuer) serverNames() ([]string, []net.IP) {
	var addresses []string
	if i.cfg.Connectivity != nil {
		addresses = i.cfg.Connectivity.HostAddresses()
	}
	var dnsNames []string
	var ips []net.IP
	for _, address := range addresses {
		if ip := net.ParseIP(address); ip != nil {
			ips = append(ips, ip)
			continue
		}
		if address != "" {
			dnsNames = append(dnsNames, address)
		}
	}
	if len(dnsNames) == 0 && len(ips) == 0 {
		dnsNames = []string{"localhost"}
		ips = []net.IP{net.ParseIP("127.0.0.1")}
	}
	return dnsNames, ips
}
