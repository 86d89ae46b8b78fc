package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/cloud"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/pki"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/registry"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/session/attribute"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/store"
)

type fakeVerifier struct {
	active           bool
	verifyErr        error
	verifyCalls      int
	associated       bool
	associationErr   error
	associationCalls int
}

func (f *fakeVerifier) VerifyCertificate(ctx context.Context, certificatePEM []byte) (*cloud.VerifyResult, error) {
	f.verifyCalls++
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	id, err := pki.FingerprintPEM(certificatePEM)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &cloud.VerifyResult{CertificateID: id, Active: f.active}, nil
}

func (f *fakeVerifier) VerifyThingAssociation(ctx context.Context, thingName, certificateID string) (bool, error) {
	f.associationCalls++
	if f.associationErr != nil {
		return false, f.associationErr
	}
	return f.associated, nil
}

type managerEnv struct {
	manager      *Manager
	verifier     *fakeVerifier
	certificates *registry.CertificateRegistry
	things       *registry.ThingRegistry
	clock        *clockwork.FakeClock
}

func newManagerEnv(t *testing.T, capacity int, ttl time.Duration) *managerEnv {
	t.Helper()
	clock := clockwork.NewFakeClock()
	runtime := store.NewMemoryStore()
	certificates, err := registry.NewCertificateRegistry(registry.CertificateRegistryConfig{
		Runtime: runtime,
		Clock:   clock,
	})
	require.NoError(t, err)
	things, err := registry.NewThingRegistry(registry.ThingRegistryConfig{
		Runtime: runtime,
		Clock:   clock,
	})
	require.NoError(t, err)
	verifier := &fakeVerifier{active: true, associated: true}
	manager, err := NewManager(ManagerConfig{
		Certificates: certificates,
		Things:       things,
		Verifier:     verifier,
		Capacity:     capacity,
		SessionTTL:   &ttl,
		Clock:        clock,
	})
	require.NoError(t, err)
	return &managerEnv{
		manager:      manager,
		verifier:     verifier,
		certificates: certificates,
		things:       things,
		clock:        clock,
	}
}

func clientCertPEM(t *testing.T, cn string) string {
	t.Helper()
	signer, err := pki.GenerateKeyPair(pki.KeyTypeECDSAP256)
	require.NoError(t, err)
	cert, err := pki.GenerateSelfSignedCA(pki.CAConfig{
		Signer:     signer,
		CommonName: cn,
		TTL:        24 * time.Hour,
	})
	require.NoError(t, err)
	return string(pki.MarshalCertificatePEM(cert))
}

func TestCreateSession(t *testing.T) {
	ctx := context.Background()
	env := newManagerEnv(t, 10, time.Hour)
	certPEM := clientCertPEM(t, "device-1")

	token, err := env.manager.Create(ctx, CredentialTypeMQTT, Credentials{
		ClientID:       "sensor-1",
		CertificatePEM: certPEM,
	})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	sess, err := env.manager.Resolve(token)
	require.NoError(t, err)
	fingerprint, err := pki.FingerprintPEM([]byte(certPEM))
	require.NoError(t, err)
	require.Equal(t, fingerprint, sess.CertificateID())

	thingName, ok := sess.ThingName()
	require.True(t, ok)
	require.Equal(t, "sensor-1", thingName)

	// The certificate attribute namespace always carries the id.
	attr := sess.SessionAttribute(attribute.CertificateNamespace, attribute.CertificateID)
	require.NotNil(t, attr)
	require.Equal(t, fingerprint, attr.String())

	// The record went ACTIVE and the attachment was persisted.
	record, err := env.certificates.GetByID(ctx, fingerprint)
	require.NoError(t, err)
	require.Equal(t, registry.StatusActive, env.certificates.EffectiveStatus(record))
	thing, err := env.things.Get(ctx, "sensor-1")
	require.NoError(t, err)
	_, attached := thing.CertificateLastAttached(fingerprint)
	require.True(t, attached)
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	env := newManagerEnv(t, 10, time.Hour)

	_, err := env.manager.Create(ctx, "http", Credentials{CertificatePEM: clientCertPEM(t, "d")})
	require.True(t, trace.IsBadParameter(err))

	_, err = env.manager.Create(ctx, CredentialTypeMQTT, Credentials{ClientID: "sensor-1"})
	require.True(t, trace.IsBadParameter(err))

	_, err = env.manager.Create(ctx, CredentialTypeMQTT, Credentials{CertificatePEM: clientCertPEM(t, "d")})
	require.True(t, trace.IsBadParameter(err)) // missing client id
}

func TestCreateRejectsUnverifiedCertificate(t *testing.T) {
	ctx := context.Background()
	env := newManagerEnv(t, 10, time.Hour)
	env.verifier.active = false

	_, err := env.manager.Create(ctx, CredentialTypeMQTT, Credentials{
		ClientID:       "sensor-1",
		CertificatePEM: clientCertPEM(t, "device-1"),
	})
	require.True(t, trace.IsAccessDenied(err))
	require.Zero(t, env.manager.Len())
}

func TestCreateRejectsUnassociatedThing(t *testing.T) {
	ctx := context.Background()
	env := newManagerEnv(t, 10, time.Hour)
	env.verifier.associated = false

	_, err := env.manager.Create(ctx, CredentialTypeMQTT, Credentials{
		ClientID:       "sensor-1",
		CertificatePEM: clientCertPEM(t, "device-1"),
	})
	require.True(t, trace.IsAccessDenied(err))
}

func TestCreateTrustsRecentVerification(t *testing.T) {
	ctx := context.Background()
	env := newManagerEnv(t, 10, time.Hour)
	creds := Credentials{ClientID: "sensor-1", CertificatePEM: clientCertPEM(t, "device-1")}

	_, err := env.manager.Create(ctx, CredentialTypeMQTT, creds)
	require.NoError(t, err)
	require.Equal(t, 1, env.verifier.verifyCalls)
	require.Equal(t, 1, env.verifier.associationCalls)

	// A reconnect inside the trust window never goes to the cloud.
	_, err = env.manager.Create(ctx, CredentialTypeMQTT, creds)
	require.NoError(t, err)
	require.Equal(t, 1, env.verifier.verifyCalls)
	require.Equal(t, 1, env.verifier.associationCalls)
}

func TestCapacityEviction(t *testing.T) {
	ctx := context.Background()
	env := newManagerEnv(t, 2, time.Hour)

	create := func(name string) string {
		token, err := env.manager.Create(ctx, CredentialTypeMQTT, Credentials{
			ClientID:       name,
			CertificatePEM: clientCertPEM(t, name),
		})
		require.NoError(t, err)
		return token
	}
	s1 := create("sensor-1")
	s2 := create("sensor-2")
	s3 := create("sensor-3")

	require.Equal(t, 2, env.manager.Len())
	_, err := env.manager.Resolve(s1)
	require.True(t, trace.IsNotFound(err))
	_, err = env.manager.Resolve(s2)
	require.NoError(t, err)
	_, err = env.manager.Resolve(s3)
	require.NoError(t, err)
}

func TestSessionExpiry(t *testing.T) {
	ctx := context.Background()
	env := newManagerEnv(t, 10, time.Hour)

	token, err := env.manager.Create(ctx, CredentialTypeMQTT, Credentials{
		ClientID:       "sensor-1",
		CertificatePEM: clientCertPEM(t, "device-1"),
	})
	require.NoError(t, err)

	env.clock.Advance(59 * time.Minute)
	_, err = env.manager.Resolve(token)
	require.NoError(t, err)

	// Resolving refreshed lastUsed; idle past the TTL expires it.
	env.clock.Advance(61 * time.Minute)
	_, err = env.manager.Resolve(token)
	require.True(t, trace.IsNotFound(err))
	require.Zero(t, env.manager.Len())
}

func TestResolveConcurrent(t *testing.T) {
	ctx := context.Background()
	env := newManagerEnv(t, 10, time.Hour)

	token, err := env.manager.Create(ctx, CredentialTypeMQTT, Credentials{
		ClientID:       "sensor-1",
		CertificatePEM: clientCertPEM(t, "device-1"),
	})
	require.NoError(t, err)

	// Parallel request handlers resolving one token must not trip the
	// race detector on the expiry check-and-touch.
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.manager.Resolve(token)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newManagerEnv(t, 10, time.Hour)

	token, err := env.manager.Create(ctx, CredentialTypeMQTT, Credentials{
		ClientID:       "sensor-1",
		CertificatePEM: clientCertPEM(t, "device-1"),
	})
	require.NoError(t, err)

	env.manager.Close(token)
	_, err = env.manager.Resolve(token)
	require.True(t, trace.IsNotFound(err))
	env.manager.Close(token)
	env.manager.Close("never-existed")
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	env := newManagerEnv(t, 10, 1000*time.Hour)

	token, err := env.manager.Create(ctx, CredentialTypeMQTT, Credentials{
		ClientID:       "sensor-1",
		CertificatePEM: clientCertPEM(t, "device-1"),
	})
	require.NoError(t, err)

	// Inside the trust window nothing is verified and the session stays.
	env.manager.Refresh(ctx)
	_, err = env.manager.Resolve(token)
	require.NoError(t, err)

	// Past the trust window a cloud failure keeps the session in place.
	env.clock.Advance(25 * time.Hour)
	env.verifier.verifyErr = trace.ConnectionProblem(nil, "offline")
	env.manager.Refresh(ctx)
	_, err = env.manager.Resolve(token)
	require.NoError(t, err)

	// A definitive negative answer evicts it.
	env.verifier.verifyErr = nil
	env.verifier.active = false
	env.manager.Refresh(ctx)
	_, err = env.manager.Resolve(token)
	require.True(t, trace.IsNotFound(err))
}
