package issuer

import (
	"context"
	"crypto"
	"crypto/x509/pkix"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/ca"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/events"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/pki"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/store"
)

type issuerEnv struct {
	issuer *Issuer
	ca     *ca.Store
	bus    *events.Bus
	clock  *clockwork.FakeClock
}

type fixedAddresses []string

func (f fixedAddresses) HostAddresses() []string { return f }

func newIssuerEnv(t *testing.T, cfg Config) *issuerEnv {
	t.Helper()
	env := &issuerEnv{
		bus:   events.NewBus(),
		clock: clockwork.NewFakeClock(),
	}
	caStore, err := ca.New(ca.Config{
		Runtime:      store.NewMemoryStore(),
		Events:       env.bus,
		KeystorePath: t.TempDir() + "/ca.jks",
		Clock:        env.clock,
	})
	require.NoError(t, err)
	_, _, err = caStore.Ensure(context.Background(), pki.KeyTypeECDSAP256)
	require.NoError(t, err)
	env.ca = caStore

	cfg.CA = caStore
	cfg.Events = env.bus
	cfg.Clock = env.clock
	env.issuer, err = New(cfg)
	require.NoError(t, err)
	return env
}

type callbackRecorder struct {
	certs  [][]byte
	chains [][][]byte
}

func (r *callbackRecorder) callback(certPEM []byte, caChainPEMs [][]byte) {
	r.certs = append(r.certs, certPEM)
	r.chains = append(r.chains, caChainPEMs)
}

func newKey(t *testing.T) crypto.Signer {
	t.Helper()
	signer, err := pki.GenerateKeyPair(pki.KeyTypeECDSAP256)
	require.NoError(t, err)
	return signer
}

func TestSubscribeIssuesImmediately(t *testing.T) {
	env := newIssuerEnv(t, Config{})
	recorder := &callbackRecorder{}

	id, err := env.issuer.Subscribe(Request{
		Type:      TypeClient,
		Subject:   pkix.Name{CommonName: "component-1"},
		PublicKey: newKey(t).Public(),
		Callback:  recorder.callback,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Len(t, recorder.certs, 1)

	cert, err := pki.ParseCertificatePEM(recorder.certs[0])
	require.NoError(t, err)
	require.Equal(t, "component-1", cert.Subject.CommonName)
	require.NoError(t, cert.CheckSignatureFrom(env.ca.Current().Cert))
	require.Equal(t, env.ca.Current().ChainPEM(), recorder.chains[0])
}

func TestSubscribeValidation(t *testing.T) {
	env := newIssuerEnv(t, Config{})
	key := newKey(t)

	_, err := env.issuer.Subscribe(Request{PublicKey: key.Public(), Callback: func([]byte, [][]byte) {}})
	require.Error(t, err) // missing CN
	_, err = env.issuer.Subscribe(Request{Subject: pkix.Name{CommonName: "x"}, Callback: func([]byte, [][]byte) {}})
	require.Error(t, err) // missing key
	_, err = env.issuer.Subscribe(Request{Subject: pkix.Name{CommonName: "x"}, PublicKey: key.Public()})
	require.Error(t, err) // missing callback
}

func TestServerCertificateNames(t *testing.T) {
	t.Run("fallback to localhost", func(t *testing.T) {
		env := newIssuerEnv(t, Config{})
		recorder := &callbackRecorder{}
		_, err := env.issuer.Subscribe(Request{
			Type:      TypeServer,
			Subject:   pkix.Name{CommonName: "gateway"},
			PublicKey: newKey(t).Public(),
			Callback:  recorder.callback,
		})
		require.NoError(t, err)
		cert, err := pki.ParseCertificatePEM(recorder.certs[0])
		require.NoError(t, err)
		require.Equal(t, []string{"localhost"}, cert.DNSNames)
		require.Len(t, cert.IPAddresses, 1)
		require.Equal(t, "127.0.0.1", cert.IPAddresses[0].String())
	})

	t.Run("configured addresses", func(t *testing.T) {
		env := newIssuerEnv(t, Config{
			Connectivity: fixedAddresses{"gateway.local", "192.168.1.5"},
		})
		recorder := &callbackRecorder{}
		_, err := env.issuer.Subscribe(Request{
			Type:      TypeServer,
			Subject:   pkix.Name{CommonName: "gateway"},
			PublicKey: newKey(t).Public(),
			Callback:  recorder.callback,
		})
		require.NoError(t, err)
		cert, err := pki.ParseCertificatePEM(recorder.certs[0])
		require.NoError(t, err)
		require.Equal(t, []string{"gateway.local"}, cert.DNSNames)
		require.Len(t, cert.IPAddresses, 1)
		require.Equal(t, "192.168.1.5", cert.IPAddresses[0].String())
	})
}

func TestRotationOnCAChange(t *testing.T) {
	env := newIssuerEnv(t, Config{})
	recorder := &callbackRecorder{}
	_, err := env.issuer.Subscribe(Request{
		Type:      TypeClient,
		Subject:   pkix.Name{CommonName: "component-1"},
		PublicKey: newKey(t).Public(),
		Callback:  recorder.callback,
	})
	require.NoError(t, err)
	require.Len(t, recorder.certs, 1)

	// Rotating the CA re-fires every generator.
	_, rotated, err := env.ca.Ensure(context.Background(), pki.KeyTypeRSA2048)
	require.NoError(t, err)
	require.True(t, rotated)
	require.Len(t, recorder.certs, 2)

	cert, err := pki.ParseCertificatePEM(recorder.certs[1])
	require.NoError(t, err)
	require.NoError(t, cert.CheckSignatureFrom(env.ca.Current().Cert))
}

func TestDisableRotation(t *testing.T) {
	env := newIssuerEnv(t, Config{DisableRotation: true})
	recorder := &callbackRecorder{}
	_, err := env.issuer.Subscribe(Request{
		Type:      TypeClient,
		Subject:   pkix.Name{CommonName: "component-1"},
		PublicKey: newKey(t).Public(),
		Callback:  recorder.callback,
	})
	require.NoError(t, err)
	require.Len(t, recorder.certs, 1)

	env.issuer.RotateAll()
	require.Len(t, recorder.certs, 1)
}

func TestUnsubscribe(t *testing.T) {
	env := newIssuerEnv(t, Config{})
	recorder := &callbackRecorder{}
	id, err := env.issuer.Subscribe(Request{
		Type:      TypeClient,
		Subject:   pkix.Name{CommonName: "component-1"},
		PublicKey: newKey(t).Public(),
		Callback:  recorder.callback,
	})
	require.NoError(t, err)

	env.issuer.Unsubscribe(id)
	env.issuer.RotateAll()
	require.Len(t, recorder.certs, 1)

	// Unknown handles are ignored.
	env.issuer.Unsubscribe(id)
}

func TestCallbackMayReenter(t *testing.T) {
	env := newIssuerEnv(t, Config{})

	// A callback that removes its own subscription on rotation must not
	// deadlock.
	var id uuid.UUID
	var registered bool
	count := 0
	id, err := env.issuer.Subscribe(Request{
		Type:      TypeClient,
		Subject:   pkix.Name{CommonName: "component-1"},
		PublicKey: newKey(t).Public(),
		Callback: func([]byte, [][]byte) {
			count++
			if registered {
				env.issuer.Unsubscribe(id)
			}
		},
	})
	require.NoError(t, err)
	registered = true
	require.Equal(t, 1, count)

	env.issuer.RotateAll()
	require.Equal(t, 2, count)

	// The self-removal took effect.
	env.issuer.RotateAll()
	require.Equal(t, 2, count)
}

func TestExpiryRotation(t *testing.T) {
	// 48h validity gives a rotation window starting 24h before expiry.
	env := newIssuerEnv(t, Config{ClientValidity: 48 * time.Hour})
	recorder := &callbackRecorder{}
	_, err := env.issuer.Subscribe(Request{
		Type:      TypeClient,
		Subject:   pkix.Name{CommonName: "component-1"},
		PublicKey: newKey(t).Public(),
		Callback:  recorder.callback,
	})
	require.NoError(t, err)

	monitor, err := NewExpiryMonitor(MonitorConfig{Issuer: env.issuer, Clock: env.clock})
	require.NoError(t, err)

	monitor.Sweep()
	require.Len(t, recorder.certs, 1)

	env.clock.Advance(23 * time.Hour)
	monitor.Sweep()
	require.Len(t, recorder.certs, 1)

	env.clock.Advance(2 * time.Hour)
	monitor.Sweep()
	require.Len(t, recorder.certs, 2)

	// The fresh certificate restarts the window.
	monitor.Sweep()
	require.Len(t, recorder.certs, 2)
}

func TestValidityClamping(t *testing.T) {
	env := newIssuerEnv(t, Config{ClientValidity: time.Second})
	recorder := &callbackRecorder{}
	_, err := env.issuer.Subscribe(Request{
		Type:      TypeClient,
		Subject:   pkix.Name{CommonName: "component-1"},
		PublicKey: newKey(t).Public(),
		Callback:  recorder.callback,
	})
	require.NoError(t, err)
	cert, err := pki.ParseCertificatePEM(recorder.certs[0])
	require.NoError(t, err)
	require.Equal(t, time.Minute, cert.NotAfter.Sub(cert.NotBefore))
}
