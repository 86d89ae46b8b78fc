package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestDecodeWeaklyTyped(t *testing.T) {
	// Document stores deliver scalars as strings; decoding must accept
	// them.
	cfg, err := Decode(map[string]any{
		"performance": map[string]any{
			"maxActiveAuthTokens": "100",
		},
		"certificates": map[string]any{
			"serverCertificateValiditySeconds": "120",
			"disableCertificateRotation":       "true",
		},
		"security": map[string]any{
			"clientDeviceTrustDurationHours": 48,
		},
		"deviceGroups": map[string]any{
			"definitions": map[string]any{
				"g1": map[string]any{
					"selectionRule": "thingName: alpha",
					"policyName":    "p1",
				},
			},
			"policies": map[string]any{
				"p1": map[string]any{
					"s1": map[string]any{
						"effect":     "ALLOW",
						"operations": []any{"mqtt:publish"},
						"resources":  []any{"mqtt:topic:foo"},
					},
				},
			},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 100, cfg.Performance.MaxActiveAuthTokens)
	require.Equal(t, 120, cfg.Certificates.ServerCertificateValiditySeconds)
	require.True(t, cfg.Certificates.DisableCertificateRotation)
	require.NotNil(t, cfg.Security.ClientDeviceTrustDurationHours)
	require.Equal(t, 48, *cfg.Security.ClientDeviceTrustDurationHours)
	require.Equal(t, "p1", cfg.DeviceGroups.Definitions["g1"].PolicyName)
	require.Equal(t, []string{"mqtt:publish"}, cfg.DeviceGroups.Policies["p1"]["s1"].Operations)
}

func TestCheckAndSetDefaults(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.CheckAndSetDefaults(nil))
	require.Equal(t, 2500, cfg.Performance.MaxActiveAuthTokens)
	require.NotNil(t, cfg.Security.ClientDeviceTrustDurationHours)
	require.Equal(t, 24, *cfg.Security.ClientDeviceTrustDurationHours)
	require.Equal(t, 7*24*time.Hour, cfg.ServerCertificateValidity())
	require.Equal(t, 7*24*time.Hour, cfg.ClientCertificateValidity())
	require.Equal(t, 24*time.Hour, cfg.TrustDuration())
}

func TestClamping(t *testing.T) {
	trustHours := -1
	cfg := &Config{}
	cfg.Performance.MaxActiveAuthTokens = -5
	cfg.Certificates.ServerCertificateValiditySeconds = 10
	cfg.Certificates.ClientCertificateValiditySeconds = 30 * 24 * 3600
	cfg.Security.ClientDeviceTrustDurationHours = &trustHours
	require.NoError(t, cfg.CheckAndSetDefaults(nil))

	require.Equal(t, 1, cfg.Performance.MaxActiveAuthTokens)
	require.Equal(t, 60, cfg.Certificates.ServerCertificateValiditySeconds)
	require.Equal(t, 10*24*3600, cfg.Certificates.ClientCertificateValiditySeconds)
	require.Equal(t, 0, *cfg.Security.ClientDeviceTrustDurationHours)

	// The capacity ceiling is inclusive.
	cfg = &Config{}
	cfg.Performance.MaxActiveAuthTokens = math.MaxInt32
	require.NoError(t, cfg.CheckAndSetDefaults(nil))
	require.Equal(t, math.MaxInt32, cfg.Performance.MaxActiveAuthTokens)
}

func TestExplicitZeroTrustDuration(t *testing.T) {
	// An explicit 0 means "never trust cached metadata" and must not be
	// rewritten to the default.
	cfg, err := Decode(map[string]any{
		"security": map[string]any{
			"clientDeviceTrustDurationHours": "0",
		},
	})
	require.NoError(t, err)
	require.NoError(t, cfg.CheckAndSetDefaults(nil))
	require.NotNil(t, cfg.Security.ClientDeviceTrustDurationHours)
	require.Equal(t, 0, *cfg.Security.ClientDeviceTrustDurationHours)
	require.Equal(t, time.Duration(0), cfg.TrustDuration())
}

func TestCAURIValidation(t *testing.T) {
	cfg := &Config{}
	cfg.CertificateAuthority.PrivateKeyURI = "file:///etc/ca/ca.key"
	err := cfg.CheckAndSetDefaults(nil)
	require.True(t, trace.IsBadParameter(err))

	cfg.CertificateAuthority.CertificateURI = "file:///etc/ca/ca.pem"
	require.NoError(t, cfg.CheckAndSetDefaults(nil))

	cfg.CertificateAuthority.CertificateURI = "https://example.com/ca.pem"
	err = cfg.CheckAndSetDefaults(nil)
	require.True(t, trace.IsBadParameter(err))

	cfg.CertificateAuthority.PrivateKeyURI = "pkcs11:token=greengrass;object=key"
	cfg.CertificateAuthority.CertificateURI = "pkcs11:token=greengrass;object=cert"
	require.NoError(t, cfg.CheckAndSetDefaults(nil))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
configuration:
  performance:
    maxActiveAuthTokens: 50
  security:
    clientDeviceTrustDurationHours: 12
  connectivity:
    hostAddresses:
      - gateway.local
      - 192.168.1.5
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 50, cfg.Performance.MaxActiveAuthTokens)
	require.Equal(t, 12*time.Hour, cfg.TrustDuration())
	require.Equal(t, []string{"gateway.local", "192.168.1.5"}, cfg.Connectivity.HostAddresses)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
