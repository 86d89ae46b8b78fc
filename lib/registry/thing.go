package registry

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/defaults"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/store"
)

var thingNamePattern = regexp.MustCompile(`^[A-Za-z0-9\-_:]+$`)

// Thing is a cloud-registered client device identity with its attached
// certificates. A modified thing never compares equal to any other, so
// equality checks force re-persistence of dirty state.
type Thing struct {
	name        string
	version     uint64
	attachments map[string]time.Time
	attributes  map[string]string
	modified    bool
}

// NewThing validates the name and returns an empty thing.
func NewThing(name string) (*Thing, error) {
	if !thingNamePattern.MatchString(name) {
		return nil, trace.BadParameter("invalid thing name %q, must match %v", name, thingNamePattern)
	}
	return &Thing{name: name, attachments: make(map[string]time.Time)}, nil
}

// Name returns the thing name.
func (t *Thing) Name() string { return t.name }

// Version returns the persisted version the thing was loaded at.
func (t *Thing) Version() uint64 { return t.version }

// Modified reports whether the thing has unpersisted changes.
func (t *Thing) Modified() bool { return t.modified }

// AttachCertificate records that the certificate was verified attached
// at the given time. The timestamp is held at millisecond precision,
// the same precision it persists at, so a stored thing reads back
// equal.
func (t *Thing) AttachCertificate(certificateID string, now time.Time) {
	t.attachments[certificateID] = time.UnixMilli(now.UnixMilli()).UTC()
	t.modified = true
}

// DetachCertificate removes the attachment if present.
func (t *Thing) DetachCertificate(certificateID string) {
	if _, ok := t.attachments[certificateID]; ok {
		delete(t.attachments, certificateID)
		t.modified = true
	}
}

// AttachedCertificateIDs returns a copy of the attachment map.
func (t *Thing) AttachedCertificateIDs() map[string]time.Time {
	out := make(map[string]time.Time, len(t.attachments))
	for id, at := range t.attachments {
		out[id] = at
	}
	return out
}

// CertificateLastAttached returns when the certificate attachment was
// last verified.
func (t *Thing) CertificateLastAttached(certificateID string) (time.Time, bool) {
	at, ok := t.attachments[certificateID]
	return at, ok
}

// IsCertificateAttached reports whether the attachment exists and its
// verification is still inside the trust window.
func (t *Thing) IsCertificateAttached(certificateID string, now time.Time, trustDuration time.Duration) bool {
	at, ok := t.attachments[certificateID]
	return ok && now.Sub(at) < trustDuration
}

// Attributes returns the cached cloud attributes of the thing.
func (t *Thing) Attributes() map[string]string { return t.attributes }

// SetAttributes replaces the cached cloud attributes. Attributes are
// not persisted; they are re-fetched as needed.
func (t *Thing) SetAttributes(attributes map[string]string) { t.attributes = attributes }

// Equal reports deep equality. A modified thing is never equal to
// anything, itself included.
func (t *Thing) Equal(other *Thing) bool {
	if t.modified || other.modified {
		return false
	}
	if t.name != other.name || len(t.attachments) != len(other.attachments) {
		return false
	}
	for id, at := range t.attachments {
		otherAt, ok := other.attachments[id]
		if !ok || !at.Equal(otherAt) {
			return false
		}
	}
	return true
}

func (t *Thing) clone() *Thing {
	out := &Thing{
		name:        t.name,
		version:     t.version,
		attachments: make(map[string]time.Time, len(t.attachments)),
		attributes:  t.attributes,
		modified:    t.modified,
	}
	for id, at := range t.attachments {
		out.attachments[id] = at
	}
	return out
}

// ThingRegistryConfig configures a ThingRegistry.
type ThingRegistryConfig struct {
	// Runtime persists thing records.
	Runtime store.Store
	// Clock is used for attachment trust checks.
	Clock clockwork.Clock
	// TrustDuration bounds how long verified attachments are honored.
	// Nil means the default; an explicit zero means attachments are
	// never trusted.
	TrustDuration *time.Duration
	// Log is the registry's logger.
	Log *slog.Logger
}

func (c *ThingRegistryConfig) checkAndSetDefaults() error {
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
	c.Log = c.Log.With("component", "thing-registry")
	return nil
}

// ThingRegistry stores things with their certificate attachments.
type ThingRegistry struct {
	cfg ThingRegistryConfig
}

// NewThingRegistry returns a thing registry backed by the runtime store.
func NewThingRegistry(cfg ThingRegistryConfig) (*ThingRegistry, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &ThingRegistry{cfg: cfg}, nil
}

// TrustDuration returns the configured trust window.
func (r *ThingRegistry) TrustDuration() time.Duration { return *r.cfg.TrustDuration }

// Get returns the persisted thing with the given name.
func (r *ThingRegistry) Get(ctx context.Context, name string) (*Thing, error) {
	thing, err := NewThing(name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	items, err := r.cfg.Runtime.GetRange(ctx, store.Join(store.PrefixThings, name)+"/")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(items) == 0 {
		return nil, trace.NotFound("thing %v is not found", name)
	}
	for _, item := range items {
		rest := strings.TrimPrefix(item.Key, store.Join(store.PrefixThings, name)+"/")
		switch {
		case rest == "version":
			version, err := strconv.ParseUint(string(item.Value), 10, 64)
			if err != nil {
				return nil, trace.BadParameter("invalid version %q for thing %v", item.Value, name)
			}
			thing.version = version
		case strings.HasPrefix(rest, "certificates/"):
			certificateID := strings.TrimPrefix(rest, "certificates/")
			at, err := parseEpochMillis(string(item.Value))
			if err != nil {
				r.cfg.Log.Warn("Skipping corrupt attachment timestamp", "thing", name, "certificate", certificateID, "error", err)
				continue
			}
			thing.attachments[certificateID] = at
		}
	}
	return thing, nil
}

// GetOrCreate returns the persisted thing, creating and persisting an
// empty one if absent.
func (r *ThingRegistry) GetOrCreate(ctx context.Context, name string) (*Thing, error) {
	thing, err := r.Get(ctx, name)
	if err == nil {
		return thing, nil
	}
	if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	thing, err = NewThing(name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	thing.modified = true
	return r.Update(ctx, thing)
}

// Update persists the thing if it is modified or newer than the stored
// version, bumping the version. It returns the clean persisted thing.
func (r *ThingRegistry) Update(ctx context.Context, thing *Thing) (*Thing, error) {
	persistedVersion := uint64(0)
	raw, err := r.cfg.Runtime.Get(ctx, store.Join(store.PrefixThings, thing.name, "version"))
	if err == nil {
		persistedVersion, err = strconv.ParseUint(string(raw), 10, 64)
		if err != nil {
			return nil, trace.BadParameter("invalid version %q for thing %v", raw, thing.name)
		}
	} else if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	if !thing.modified && persistedVersion >= thing.version {
		return thing, nil
	}

	updated := thing.clone()
	updated.version = persistedVersion + 1
	updated.modified = false

	prefix := store.Join(store.PrefixThings, thing.name, "certificates")
	if err := r.cfg.Runtime.DeleteRange(ctx, prefix+"/"); err != nil {
		return nil, trace.Wrap(err)
	}
	for certificateID, at := range updated.attachments {
		millis := strconv.FormatInt(at.UnixMilli(), 10)
		if err := r.cfg.Runtime.Put(ctx, store.Join(prefix, certificateID), []byte(millis)); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	version := strconv.FormatUint(updated.version, 10)
	if err := r.cfg.Runtime.Put(ctx, store.Join(store.PrefixThings, thing.name, "version"), []byte(version)); err != nil {
		return nil, trace.Wrap(err)
	}
	return updated, nil
}

// Delete removes the thing and all its attachments.
func (r *ThingRegistry) Delete(ctx context.Context, name string) error {
	return trace.Wrap(r.cfg.Runtime.DeleteRange(ctx, store.Join(store.PrefixThings, name)+"/"))
}

// ForEach iterates over all persisted things.
func (r *ThingRegistry) ForEach(ctx context.Context, fn func(*Thing) error) error {
	items, err := r.cfg.Runtime.GetRange(ctx, store.PrefixThings+"/")
	if err != nil {
		return trace.Wrap(err)
	}
	seen := make(map[string]bool)
	var names []string
	for _, item := range items {
		rest := strings.TrimPrefix(item.Key, store.PrefixThings+"/")
		name := strings.SplitN(rest, "/", 2)[0]
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for _, name := range names {
		thing, err := r.Get(ctx, name)
		if err != nil {
			if trace.IsNotFound(err) {
				continue
			}
			return trace.Wrap(err)
		}
		if err := fn(thing); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// ThingsWithCertificate returns all things holding an attachment for the
// given certificate.
func (r *ThingRegistry) ThingsWithCertificate(ctx context.Context, certificateID string) ([]*Thing, error) {
	var things []*Thing
	err := r.ForEach(ctx, func(thing *Thing) error {
		if _, ok := thing.CertificateLastAttached(certificateID); ok {
			things = append(things, thing)
		}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return things, nil
}
