// Package config decodes and validates the service configuration tree.
// Raw configuration arrives as loosely typed maps; decoding is lenient
// about scalar types and strict about semantics.
package config

import (
	"log/slog"
	"math"
	"net/url"
	"os"
	"time"

	"github.com/gravitational/trace"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/defaults"
)

// CertificateAuthority configures the CA source: either a managed,
// locally generated CA of the given type, or externally supplied
// material referenced by URI.
type CertificateAuthority struct {
	// PrivateKeyURI and CertificateURI select an external CA. Both must
	// be set together; supported schemes are file and pkcs11.
	PrivateKeyURI  string `mapstructure:"privateKeyUri"`
	CertificateURI string `mapstructure:"certificateUri"`
	// CAType selects the managed CA key algorithm. Only the first
	// element is honored; empty means RSA_2048.
	CAType []string `mapstructure:"caType"`
}

// Performance bounds the session table and legacy cloud-request knobs.
type Performance struct {
	// MaxActiveAuthTokens caps the session table.
	MaxActiveAuthTokens int `mapstructure:"maxActiveAuthTokens"`
	// CloudRequestQueueSize is accepted for compatibility and ignored.
	CloudRequestQueueSize int `mapstructure:"cloudRequestQueueSize"`
	// MaxConcurrentCloudRequests is accepted for compatibility and
	// ignored.
	MaxConcurrentCloudRequests int `mapstructure:"maxConcurrentCloudRequests"`
}

// Security holds the trust-window setting.
type Security struct {
	// ClientDeviceTrustDurationHours bounds how long cached cloud
	// verification results are honored. Nil means the default; an
	// explicit 0 disables local trust, so every connection goes back to
	// the cloud.
	ClientDeviceTrustDurationHours *int `mapstructure:"clientDeviceTrustDurationHours"`
}

// Certificates configures leaf certificate issuance.
type Certificates struct {
	ServerCertificateValiditySeconds int  `mapstructure:"serverCertificateValiditySeconds"`
	ClientCertificateValiditySeconds int  `mapstructure:"clientCertificateValiditySeconds"`
	DisableCertificateRotation       bool `mapstructure:"disableCertificateRotation"`
}

// GroupDefinition names a policy and the selection rule that assigns
// sessions to the group.
type GroupDefinition struct {
	SelectionRule string `mapstructure:"selectionRule"`
	PolicyName    string `mapstructure:"policyName"`
}

// PolicyStatement is one raw policy statement.
type PolicyStatement struct {
	Effect     string   `mapstructure:"effect"`
	Operations []string `mapstructure:"operations"`
	Resources  []string `mapstructure:"resources"`
}

// DeviceGroups is the raw device-group configuration, compiled by the
// policy package.
type DeviceGroups struct {
	Definitions map[string]GroupDefinition            `mapstructure:"definitions"`
	Policies    map[string]map[string]PolicyStatement `mapstructure:"policies"`
}

// Connectivity lists the addresses placed in server certificates.
type Connectivity struct {
	HostAddresses []string `mapstructure:"hostAddresses"`
}

// Config is the decoded service configuration.
type Config struct {
	CertificateAuthority CertificateAuthority `mapstructure:"certificateAuthority"`
	Performance          Performance          `mapstructure:"performance"`
	Security             Security             `mapstructure:"security"`
	Certificates         Certificates         `mapstructure:"certificates"`
	DeviceGroups         DeviceGroups         `mapstructure:"deviceGroups"`
	Connectivity         Connectivity         `mapstructure:"connectivity"`
}

// Decode maps a raw configuration tree onto a Config. Scalars are
// converted weakly, so string-typed numbers and booleans coming from
// document stores decode cleanly.
func Decode(raw map[string]any) (*Config, error) {
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, trace.BadParameter("invalid configuration: %v", err)
	}
	return &cfg, nil
}

// Load reads a YAML configuration file and decodes it. A top-level
// `configuration` wrapper is unwrapped when present.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, trace.BadParameter("invalid configuration file %v: %v", path, err)
	}
	if inner, ok := raw["configuration"].(map[string]any); ok {
		raw = inner
	}
	cfg, err := Decode(raw)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := cfg.CheckAndSetDefaults(slog.Default()); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// CheckAndSetDefaults validates the configuration, applies defaults,
// and clamps out-of-range values with a warning.
func (c *Config) CheckAndSetDefaults(log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "config")

	if err := c.checkCAURIs(); err != nil {
		return trace.Wrap(err)
	}

	if c.Performance.MaxActiveAuthTokens == 0 {
		c.Performance.MaxActiveAuthTokens = defaults.SessionCapacity
	}
	c.Performance.MaxActiveAuthTokens = defaults.ClampInt(log, "maxActiveAuthTokens",
		c.Performance.MaxActiveAuthTokens, defaults.MinSessionCapacity, defaults.MaxSessionCapacity)
	if c.Performance.CloudRequestQueueSize != 0 {
		log.Warn("Setting cloudRequestQueueSize is deprecated and has no effect")
	}
	if c.Performance.MaxConcurrentCloudRequests != 0 {
		log.Warn("Setting maxConcurrentCloudRequests is deprecated and has no effect")
	}

	if c.Security.ClientDeviceTrustDurationHours == nil {
		hours := int(defaults.TrustDuration / time.Hour)
		c.Security.ClientDeviceTrustDurationHours = &hours
	}
	*c.Security.ClientDeviceTrustDurationHours = defaults.ClampInt(log, "clientDeviceTrustDurationHours",
		*c.Security.ClientDeviceTrustDurationHours, 0, math.MaxInt)

	if c.Certificates.ServerCertificateValiditySeconds == 0 {
		c.Certificates.ServerCertificateValiditySeconds = int(defaults.CertValidity / time.Second)
	}
	c.Certificates.ServerCertificateValiditySeconds = defaults.ClampInt(log, "serverCertificateValiditySeconds",
		c.Certificates.ServerCertificateValiditySeconds,
		int(defaults.MinCertValidity/time.Second), int(defaults.MaxCertValidity/time.Second))
	if c.Certificates.ClientCertificateValiditySeconds == 0 {
		c.Certificates.ClientCertificateValiditySeconds = int(defaults.CertValidity / time.Second)
	}
	c.Certificates.ClientCertificateValiditySeconds = defaults.ClampInt(log, "clientCertificateValiditySeconds",
		c.Certificates.ClientCertificateValiditySeconds,
		int(defaults.MinCertValidity/time.Second), int(defaults.MaxCertValidity/time.Second))

	return nil
}

func (c *Config) checkCAURIs() error {
	keyURI := c.CertificateAuthority.PrivateKeyURI
	certURI := c.CertificateAuthority.CertificateURI
	if keyURI == "" && certURI == "" {
		return nil
	}
	if keyURI == "" || certURI == "" {
		return trace.BadParameter("certificateAuthority requires both privateKeyUri and certificateUri")
	}
	for _, raw := range []string{keyURI, certURI} {
		parsed, err := url.Parse(raw)
		if err != nil {
			return trace.BadParameter("invalid certificateAuthority URI %q: %v", raw, err)
		}
		switch parsed.Scheme {
		case "file", "pkcs11":
		default:
			return trace.BadParameter("unsupported certificateAuthority URI scheme %q, expected file or pkcs11", parsed.Scheme)
		}
	}
	return nil
}

// TrustDuration returns the trust window as a duration.
func (c *Config) TrustDuration() time.Duration {
	if c.Security.ClientDeviceTrustDurationHours == nil {
		return defaults.TrustDuration
	}
	return time.Duration(*c.Security.ClientDeviceTrustDurationHours) * time.Hour
}

// ServerCertificateValidity returns the server leaf validity period.
func (c *Config) ServerCertificateValidity() time.Duration {
	return time.Duration(c.Certificates.ServerCertificateValiditySeconds) * time.Second
}

// ClientCertificateValidity returns the client leaf validity period.
func (c *Config) ClientCertificateValidity() time.Duration {
	return time.Duration(c.Certificates.ClientCertificateValiditySeconds) * time.Second
}
