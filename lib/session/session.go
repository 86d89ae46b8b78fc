// Package session implements the capacity-bounded table of
// authenticated client device sessions keyed by opaque tokens, and the
// authentication flow that creates them.
package session

import (
	"time"

	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/registry"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/session/attribute"
)

// Session is a server-side record of an authenticated client device.
// It carries the certificate id rather than the certificate itself;
// resolution goes back through the registry.
type Session struct {
	id            string
	certificateID string
	thingName     string
	providers     map[string]attribute.Provider
	createdAt     time.Time
	lastUsed      time.Time
}

func newSession(id string, certificateID string, now time.Time) *Session {
	s := &Session{
		id:            id,
		certificateID: certificateID,
		providers:     make(map[string]attribute.Provider),
		createdAt:     now,
		lastUsed:      now,
	}
	s.providers[attribute.CertificateNamespace] = attribute.Static{
		Space: attribute.CertificateNamespace,
		Attributes: map[string]attribute.DeviceAttribute{
			attribute.CertificateID: attribute.StringLiteral(certificateID),
		},
	}
	return s
}

// ID returns the opaque session token.
func (s *Session) ID() string { return s.id }

// CertificateID returns the fingerprint of the authenticated
// certificate.
func (s *Session) CertificateID() string { return s.certificateID }

// ThingName returns the attached thing name, if any.
func (s *Session) ThingName() (string, bool) {
	return s.thingName, s.thingName != ""
}

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// attachThing populates the Thing attribute namespace.
func (s *Session) attachThing(thing *registry.Thing) {
	attributes := map[string]attribute.DeviceAttribute{
		attribute.ThingNameAttribute: attribute.WildcardSuffix(thing.Name()),
	}
	for name, value := range thing.Attributes() {
		if name == attribute.ThingNameAttribute {
			continue
		}
		attributes[name] = attribute.WildcardSuffix(value)
	}
	s.thingName = thing.Name()
	s.providers[attribute.ThingNamespace] = attribute.Static{
		Space:      attribute.ThingNamespace,
		Attributes: attributes,
	}
}

// AttributeProvider returns the provider for a namespace, or nil.
func (s *Session) AttributeProvider(namespace string) attribute.Provider {
	return s.providers[namespace]
}

// SessionAttribute returns the named attribute from a namespace, or nil
// when either is absent.
func (s *Session) SessionAttribute(namespace, name string) attribute.DeviceAttribute {
	provider, ok := s.providers[namespace]
	if !ok {
		return nil
	}
	return provider.DeviceAttributes()[name]
}
