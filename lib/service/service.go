// Package service assembles the client device auth components into one
// runnable unit and exposes the operations the RPC surface calls into.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/authz"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/ca"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/cloud"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/config"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/defaults"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/events"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/issuer"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/metrics"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/pki"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/policy"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/reconcile"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/registry"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/session"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/store"
)

// Config configures a Service.
type Config struct {
	// Settings is the decoded service configuration. A nil value means
	// all defaults.
	Settings *config.Config
	// DataDir is the root directory for the runtime store and the CA
	// keystore.
	DataDir string
	// CloudAPI is the cloud control-plane client.
	CloudAPI cloud.API
	// Clock is shared by every component.
	Clock clockwork.Clock
	// Log is the root logger.
	Log *slog.Logger
	// Registerer receives service metrics; nil disables them.
	Registerer prometheus.Registerer
}

func (c *Config) checkAndSetDefaults() error {
	if c.DataDir == "" {
		return trace.BadParameter("missing data directory")
	}
	if c.CloudAPI == nil {
		return trace.BadParameter("missing cloud API client")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.Settings == nil {
		c.Settings = &config.Config{}
	}
	if err := c.Settings.CheckAndSetDefaults(c.Log); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// Service wires the CA, issuance, registries, sessions, policy and
// reconciliation together behind the external operations.
type Service struct {
	cfg Config
	log *slog.Logger

	runtime      store.Store
	bus          *events.Bus
	metrics      *metrics.Metrics
	ca           *ca.Store
	issuer       *issuer.Issuer
	monitor      *issuer.ExpiryMonitor
	certificates *registry.CertificateRegistry
	things       *registry.ThingRegistry
	verifier     *cloud.Verifier
	sessions     *session.Manager
	authorizer   *authz.Engine
	reconciler   *reconcile.Reconciler

	groups atomic.Pointer[policy.GroupConfiguration]

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the component graph. Call Start to apply the configuration
// and launch the background workers.
func New(cfg Config) (*Service, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Service{
		cfg: cfg,
		log: cfg.Log.With("component", "cda"),
		bus: events.NewBus(),
	}
	if cfg.Registerer != nil {
		s.metrics = metrics.New(cfg.Registerer)
	}

	runtime, err := store.NewFSStore(filepath.Join(cfg.DataDir, "runtime"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.runtime = runtime

	s.ca, err = ca.New(ca.Config{
		Runtime:      runtime,
		Events:       s.bus,
		KeystorePath: filepath.Join(cfg.DataDir, defaults.CAKeystoreFilename),
		Clock:        cfg.Clock,
		Log:          cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	trust := cfg.Settings.TrustDuration()
	s.certificates, err = registry.NewCertificateRegistry(registry.CertificateRegistryConfig{
		Runtime:       runtime,
		Clock:         cfg.Clock,
		TrustDuration: &trust,
		Log:           cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.things, err = registry.NewThingRegistry(registry.ThingRegistryConfig{
		Runtime:       runtime,
		Clock:         cfg.Clock,
		TrustDuration: &trust,
		Log:           cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s.verifier, err = cloud.NewVerifier(cloud.Config{
		API:   cfg.CloudAPI,
		Clock: cfg.Clock,
		Log:   cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s.sessions, err = session.NewManager(session.ManagerConfig{
		Certificates: s.certificates,
		Things:       s.things,
		Verifier:     s.verifier,
		Events:       s.bus,
		Capacity:     cfg.Settings.Performance.MaxActiveAuthTokens,
		SessionTTL:   &trust,
		Clock:        cfg.Clock,
		Log:          cfg.Log,
		Metrics:      s.metrics,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s.issuer, err = issuer.New(issuer.Config{
		CA:              s.ca,
		Events:          s.bus,
		Connectivity:    hostAddresses(cfg.Settings.Connectivity.HostAddresses),
		ServerValidity:  cfg.Settings.ServerCertificateValidity(),
		ClientValidity:  cfg.Settings.ClientCertificateValidity(),
		DisableRotation: cfg.Settings.Certificates.DisableCertificateRotation,
		Clock:           cfg.Clock,
		Log:             cfg.Log,
		Metrics:         s.metrics,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.monitor, err = issuer.NewExpiryMonitor(issuer.MonitorConfig{
		Issuer: s.issuer,
		Clock:  cfg.Clock,
		Log:    cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s.authorizer, err = authz.New(authz.Config{
		Sessions: s.sessions,
		Groups:   s.groups.Load,
		Log:      cfg.Log,
		Metrics:  s.metrics,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s.reconciler, err = reconcile.New(reconcile.Config{
		Things:       s.things,
		Certificates: s.certificates,
		Cloud:        s.verifier,
		Sessions:     s.sessions,
		Events:       s.bus,
		Clock:        cfg.Clock,
		Log:          cfg.Log,
		Metrics:      s.metrics,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return s, nil
}

// Start applies the configuration and launches the expiry monitor and
// the background reconciler.
func (s *Service) Start(ctx context.Context) error {
	if err := s.ApplyConfiguration(ctx, s.cfg.Settings); err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return trace.BadParameter("service already started")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.monitor.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.reconciler.Run(runCtx)
	}()
	s.log.Info("Client device auth service started")
	return nil
}

// Close stops the background workers and releases the runtime store.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
	return trace.Wrap(s.runtime.Close())
}

// ApplyConfiguration ensures the configured CA is active and compiles
// the device-group configuration. A configuration that fails to compile
// leaves the previously compiled one in effect.
func (s *Service) ApplyConfiguration(ctx context.Context, settings *config.Config) error {
	if err := settings.CheckAndSetDefaults(s.cfg.Log); err != nil {
		return withCode(trace.Wrap(err), CodeInvalidConfiguration)
	}

	if settings.CertificateAuthority.PrivateKeyURI != "" {
		err := s.ca.LoadExternal(ctx,
			settings.CertificateAuthority.PrivateKeyURI,
			settings.CertificateAuthority.CertificateURI)
		if err != nil {
			return withCode(trace.Wrap(err), CodeInvalidConfiguration)
		}
	} else {
		keyType, err := pki.ParseKeyType(settings.CertificateAuthority.CAType)
		if err != nil {
			return withCode(trace.Wrap(err), CodeInvalidConfiguration)
		}
		_, rotated, err := s.ca.Ensure(ctx, keyType)
		if err != nil {
			return trace.Wrap(err)
		}
		if rotated {
			s.metrics.CARotated()
		}
	}

	groups, err := compileGroups(settings.DeviceGroups)
	if err != nil {
		s.log.Warn("Device group configuration is invalid, keeping previous configuration", "error", err)
		return withCode(trace.Wrap(err), CodePolicyException)
	}
	s.groups.Store(groups)
	return nil
}

// compileGroups translates the raw device-group tree into a compiled
// group configuration.
func compileGroups(raw config.DeviceGroups) (*policy.GroupConfiguration, error) {
	definitions := make(map[string]*policy.GroupDefinition, len(raw.Definitions))
	for groupName, def := range raw.Definitions {
		compiled, err := policy.NewGroupDefinition(def.SelectionRule, def.PolicyName)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		definitions[groupName] = compiled
	}
	policies := make(map[string]map[string]policy.Statement, len(raw.Policies))
	for policyName, statements := range raw.Policies {
		compiled := make(map[string]policy.Statement, len(statements))
		for statementID, statement := range statements {
			compiled[statementID] = policy.Statement{
				Effect:     policy.Effect(strings.ToUpper(statement.Effect)),
				Operations: statement.Operations,
				Resources:  statement.Resources,
			}
		}
		policies[policyName] = compiled
	}
	groups, err := policy.NewGroupConfiguration(definitions, policies)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return groups, nil
}

// GetClientDeviceAuthToken authenticates the presented credentials and
// returns a session token.
func (s *Service) GetClientDeviceAuthToken(ctx context.Context, credentialType string, creds session.Credentials) (string, error) {
	token, err := s.sessions.Create(ctx, credentialType, creds)
	if err != nil {
		if trace.IsBadParameter(err) {
			return "", withCode(trace.Wrap(err), CodeInvalidCredential)
		}
		return "", trace.Wrap(err)
	}
	return token, nil
}

// CloseClientDeviceAuthSession closes the session; closing an unknown
// token is a no-op.
func (s *Service) CloseClientDeviceAuthSession(token string) {
	s.sessions.Close(token)
}

// AuthorizeClientDeviceAction decides Permit or Deny for an operation
// on a resource within the given session.
func (s *Service) AuthorizeClientDeviceAction(token, operation, resource string) (bool, error) {
	permitted, err := s.authorizer.Authorize(token, operation, resource)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return permitted, nil
}

// VerifyClientDeviceIdentity reports whether the presented certificate
// belongs to a known, active client device.
func (s *Service) VerifyClientDeviceIdentity(ctx context.Context, certificatePEM string) (bool, error) {
	if certificatePEM == "" {
		return false, withCode(trace.BadParameter("missing certificate pem"), CodeInvalidCertificate)
	}
	certPEM := []byte(certificatePEM)
	record, err := s.certificates.GetOrCreate(ctx, certPEM)
	if err != nil {
		if trace.IsBadParameter(err) {
			return false, withCode(trace.Wrap(err), CodeInvalidCertificate)
		}
		return false, trace.Wrap(err)
	}
	if s.certificates.EffectiveStatus(record) == registry.StatusActive {
		return true, nil
	}
	result, err := s.verifier.VerifyCertificate(ctx, certPEM)
	if err != nil {
		s.metrics.CloudError()
		return false, trace.Wrap(err)
	}
	if result.Active {
		record.SetStatus(registry.StatusActive, s.cfg.Clock.Now())
		if err := s.certificates.Update(ctx, record); err != nil {
			return false, trace.Wrap(err)
		}
	}
	return result.Active, nil
}

// SubscribeToCertificateUpdates registers a certificate generator; the
// callback receives the initial certificate synchronously and every
// rotation afterwards.
func (s *Service) SubscribeToCertificateUpdates(req issuer.Request) (uuid.UUID, error) {
	id, err := s.issuer.Subscribe(req)
	if err != nil {
		return uuid.Nil, trace.Wrap(err)
	}
	return id, nil
}

// UnsubscribeFromCertificateUpdates removes a certificate generator.
func (s *Service) UnsubscribeFromCertificateUpdates(id uuid.UUID) {
	s.issuer.Unsubscribe(id)
}

// GetCertificateAuthorities returns the published CA certificate chain
// as PEM strings.
func (s *Service) GetCertificateAuthorities(ctx context.Context) ([]string, error) {
	raw, err := s.runtime.Get(ctx, store.KeyCertificateAuthorities)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, nil
		}
		return nil, trace.Wrap(err)
	}
	var pems []string
	if err := json.Unmarshal(raw, &pems); err != nil {
		return nil, trace.BadParameter("invalid certificate authority list: %v", err)
	}
	return pems, nil
}

// NotifyNetworkState feeds connectivity transitions into the event bus.
// A recovery may trigger an early reconciliation pass.
func (s *Service) NotifyNetworkState(state events.ConnectionState) {
	s.log.Debug("Network state changed", "state", state.String())
	events.Publish(s.bus, events.NetworkStateChanged{State: state})
}

// Reconcile triggers a reconciliation pass outside the schedule.
func (s *Service) Reconcile(ctx context.Context) {
	s.reconciler.RunNow(ctx)
}

// Sessions exposes the session manager.
func (s *Service) Sessions() *session.Manager { return s.sessions }

// hostAddresses is a fixed connectivity provider sourced from
// configuration.
type hostAddresses []string

func (h hostAddresses) HostAddresses() []string { return h }
