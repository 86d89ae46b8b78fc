package registry

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/store"
)

func newThingRegistry(t *testing.T, clock clockwork.Clock) *ThingRegistry {
	t.Helper()
	registry, err := NewThingRegistry(ThingRegistryConfig{
		Runtime: store.NewMemoryStore(),
		Clock:   clock,
	})
	require.NoError(t, err)
	return registry
}

func TestNewThingValidatesName(t *testing.T) {
	for _, name := range []string{"Thing1", "a-b_c:d", "0"} {
		_, err := NewThing(name)
		require.NoError(t, err, name)
	}
	for _, name := range []string{"", "thing name", "thing/1", "thing*"} {
		_, err := NewThing(name)
		require.True(t, trace.IsBadParameter(err), name)
	}
}

func TestThingRoundTrip(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	registry := newThingRegistry(t, clock)

	thing, err := registry.GetOrCreate(ctx, "sensor-1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), thing.Version())
	require.False(t, thing.Modified())

	// Sub-millisecond clock readings must survive the round trip:
	// attachments persist at millisecond precision.
	attachedAt := clock.Now().Add(123456 * time.Nanosecond)
	thing.AttachCertificate("cert-a", attachedAt)
	require.True(t, thing.Modified())
	thing, err = registry.Update(ctx, thing)
	require.NoError(t, err)
	require.Equal(t, uint64(2), thing.Version())
	require.False(t, thing.Modified())

	loaded, err := registry.Get(ctx, "sensor-1")
	require.NoError(t, err)
	require.True(t, thing.Equal(loaded))
	at, ok := loaded.CertificateLastAttached("cert-a")
	require.True(t, ok)
	require.True(t, at.Equal(time.UnixMilli(attachedAt.UnixMilli())))
}

func TestThingUpdateSkipsCleanThings(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	registry := newThingRegistry(t, clock)

	thing, err := registry.GetOrCreate(ctx, "sensor-1")
	require.NoError(t, err)

	// A clean thing at the persisted version does not bump it.
	same, err := registry.Update(ctx, thing)
	require.NoError(t, err)
	require.Equal(t, thing.Version(), same.Version())
}

func TestThingAttachmentTrustWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	thing, err := NewThing("sensor-1")
	require.NoError(t, err)
	thing.AttachCertificate("cert-a", clock.Now())

	trust := 24 * time.Hour
	require.True(t, thing.IsCertificateAttached("cert-a", clock.Now(), trust))
	require.True(t, thing.IsCertificateAttached("cert-a", clock.Now().Add(23*time.Hour), trust))
	require.False(t, thing.IsCertificateAttached("cert-a", clock.Now().Add(25*time.Hour), trust))
	require.False(t, thing.IsCertificateAttached("cert-b", clock.Now(), trust))
}

func TestModifiedThingNeverEqual(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a, err := NewThing("sensor-1")
	require.NoError(t, err)
	b, err := NewThing("sensor-1")
	require.NoError(t, err)
	require.True(t, a.Equal(b))

	a.AttachCertificate("cert-a", clock.Now())
	require.False(t, a.Equal(a))
	require.False(t, a.Equal(b))
}

func TestThingDelete(t *testing.T) {
	ctx := context.Background()
	registry := newThingRegistry(t, clockwork.NewFakeClock())

	_, err := registry.GetOrCreate(ctx, "sensor-1")
	require.NoError(t, err)
	require.NoError(t, registry.Delete(ctx, "sensor-1"))
	_, err = registry.Get(ctx, "sensor-1")
	require.True(t, trace.IsNotFound(err))

	// Deleting again is a no-op.
	require.NoError(t, registry.Delete(ctx, "sensor-1"))
}

func TestThingsWithCertificate(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	registry := newThingRegistry(t, clock)

	a, err := registry.GetOrCreate(ctx, "sensor-1")
	require.NoError(t, err)
	a.AttachCertificate("cert-a", clock.Now())
	_, err = registry.Update(ctx, a)
	require.NoError(t, err)

	b, err := registry.GetOrCreate(ctx, "sensor-2")
	require.NoError(t, err)
	b.AttachCertificate("cert-b", clock.Now())
	_, err = registry.Update(ctx, b)
	require.NoError(t, err)

	things, err := registry.ThingsWithCertificate(ctx, "cert-a")
	require.NoError(t, err)
	require.Len(t, things, 1)
	require.Equal(t, "sensor-1", things[0].Name())

	things, err = registry.ThingsWithCertificate(ctx, "cert-c")
	require.NoError(t, err)
	require.Empty(t, things)
}
