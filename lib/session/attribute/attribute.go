// Package attribute defines the device-attribute model shared by the
// session manager, the policy compiler and the authorization engine.
// Attributes live under a namespace ("Thing", "Certificate") and answer
// match queries from selection rules and policies.
package attribute

import "strings"

// DeviceAttribute is a single named attribute of an authenticated
// client device.
type DeviceAttribute interface {
	// Matches reports whether the attribute satisfies the expression.
	Matches(expr string) bool
	// String returns the attribute value used in policy-variable
	// substitution.
	String() string
}

// Provider exposes a namespace of device attributes on a session.
type Provider interface {
	// Namespace returns the provider's attribute namespace.
	Namespace() string
	// DeviceAttributes returns the attributes by name.
	DeviceAttributes() map[string]DeviceAttribute
}

// StringLiteral matches by exact string equality.
type StringLiteral string

// Matches reports exact equality with expr.
func (a StringLiteral) Matches(expr string) bool { return string(a) == expr }

// String returns the attribute value.
func (a StringLiteral) String() string { return string(a) }

// WildcardSuffix matches exact strings plus `*` wildcards at either end
// of the expression: `foo*` is a prefix match, `*foo` a suffix match and
// `*foo*` a substring match.
type WildcardSuffix string

// Matches evaluates expr against the attribute value.
func (a WildcardSuffix) Matches(expr string) bool {
	value := string(a)
	switch {
	case len(expr) > 1 && strings.HasPrefix(expr, "*") && strings.HasSuffix(expr, "*"):
		return strings.Contains(value, expr[1:len(expr)-1])
	case strings.HasPrefix(expr, "*"):
		return strings.HasSuffix(value, expr[1:])
	case strings.HasSuffix(expr, "*"):
		return strings.HasPrefix(value, expr[:len(expr)-1])
	}
	return value == expr
}

// String returns the attribute value.
func (a WildcardSuffix) String() string { return string(a) }

// Namespaces and attribute names used across the service.
const (
	ThingNamespace       = "Thing"
	ThingNameAttribute   = "ThingName"
	CertificateNamespace = "Certificate"
	CertificateID        = "CertificateId"
)

// Static is a Provider over a fixed attribute map.
type Static struct {
	Space      string
	Attributes map[string]DeviceAttribute
}

// Namespace returns the provider's namespace.
func (p Static) Namespace() string { return p.Space }

// DeviceAttributes returns the attribute map.
func (p Static) DeviceAttributes() map[string]DeviceAttribute { return p.Attributes }
