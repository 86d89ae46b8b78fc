// Package authz makes per-request authorization decisions for
// authenticated client device sessions, evaluating compiled group
// permissions with policy-variable substitution.
package authz

import (
	"log/slog"
	"strings"

	"github.com/gravitational/trace"

	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/metrics"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/policy"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/session"
)

// Config configures an Engine.
type Config struct {
	// Sessions resolves tokens into sessions.
	Sessions *session.Manager
	// Groups returns the currently active group configuration. It may
	// return nil before any configuration has compiled, in which case
	// every request is denied.
	Groups func() *policy.GroupConfiguration
	// Log is the engine's logger.
	Log *slog.Logger
	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics
}

func (c *Config) checkAndSetDefaults() error {
	if c.Sessions == nil {
		return trace.BadParameter("missing session manager")
	}
	if c.Groups == nil {
		return trace.BadParameter("missing group configuration source")
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With("component", "authz")
	return nil
}

// Engine decides Permit or Deny for (token, operation, resource)
// requests. Any matching ALLOW permission permits; there are no
// ordering semantics and DENY statements are not honored.
type Engine struct {
	cfg Config
}

// New returns an authorization engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{cfg: cfg}, nil
}

// Authorize resolves the session and evaluates the permissions of every
// group whose selection rule matches it. It returns true for Permit,
// false for Deny, and an error only when the request itself is invalid
// (unknown or expired token, missing fields).
func (e *Engine) Authorize(token, operation, resource string) (bool, error) {
	if token == "" {
		return false, trace.BadParameter("missing session token")
	}
	if operation == "" {
		return false, trace.BadParameter("missing operation")
	}
	if resource == "" {
		return false, trace.BadParameter("missing resource")
	}
	sess, err := e.cfg.Sessions.Resolve(token)
	if err != nil {
		return false, trace.Wrap(err)
	}
	groups := e.cfg.Groups()
	if groups == nil {
		e.cfg.Metrics.AuthDeny()
		return false, nil
	}
	for groupName, permissions := range groups.ApplicablePermissions(sess) {
		for _, permission := range permissions {
			if e.permits(permission, sess, operation, resource) {
				e.cfg.Log.Debug("Request permitted",
					"group", groupName, "operation", operation, "resource", resource)
				e.cfg.Metrics.AuthPermit()
				return true, nil
			}
		}
	}
	e.cfg.Log.Debug("No permission matched, denying request",
		"operation", operation, "resource", resource)
	e.cfg.Metrics.AuthDeny()
	return false, nil
}

func (e *Engine) permits(permission policy.Permission, sess *session.Session, operation, resource string) bool {
	if !operationMatches(permission.Operation, operation) {
		return false
	}
	substituted, err := permission.Substitute(sess)
	if err != nil {
		// An unresolvable variable disqualifies this permission only.
		e.cfg.Log.Debug("Skipping permission with unresolvable policy variable",
			"resource", permission.Resource, "error", err)
		return false
	}
	return resourceMatches(substituted, resource)
}

// operationMatches accepts an exact match, the whole-field wildcard
// `*`, or a service wildcard such as `mqtt:*`.
func operationMatches(pattern, operation string) bool {
	if pattern == operation || pattern == "*" {
		return true
	}
	if service, ok := strings.CutSuffix(pattern, ":*"); ok {
		return strings.HasPrefix(operation, service+":")
	}
	return false
}

// resourceMatches accepts an exact match, the whole-field wildcard `*`,
// or a trailing-`*` prefix match.
func resourceMatches(pattern, resource string) bool {
	if pattern == resource || pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(resource, prefix)
	}
	return false
}
