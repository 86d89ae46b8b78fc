package issuer

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/defaults"
)

// MonitorConfig configures an ExpiryMonitor.
type MonitorConfig struct {
	// Issuer owns the generators to sweep.
	Issuer *Issuer
	// Interval between sweeps, defaults.ExpiryCheckInterval when zero.
	Interval time.Duration
	// Clock drives the sweep ticker.
	Clock clockwork.Clock
	// Log is the monitor's logger.
	Log *slog.Logger
}

func (c *MonitorConfig) checkAndSetDefaults() error {
	if c.Issuer == nil {
		return trace.BadParameter("missing issuer")
	}
	if c.Interval == 0 {
		c.Interval = defaults.ExpiryCheckInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With("component", "expiry-monitor")
	return nil
}

// ExpiryMonitor periodically rotates certificates that have entered
// their rotation window.
type ExpiryMonitor struct {
	cfg MonitorConfig
}

// NewExpiryMonitor returns a monitor; call Run to start sweeping.
func NewExpiryMonitor(cfg MonitorConfig) (*ExpiryMonitor, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &ExpiryMonitor{cfg: cfg}, nil
}

// Run sweeps until the context is canceled.
func (m *ExpiryMonitor) Run(ctx context.Context) {
	ticker := m.cfg.Clock.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	m.cfg.Log.Debug("Starting certificate expiry monitor", "interval", m.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			m.cfg.Log.Debug("Stopping certificate expiry monitor")
			return
		case <-ticker.Chan():
			m.Sweep()
		}
	}
}

// Sweep runs one rotation pass.
func (m *ExpiryMonitor) Sweep() {
	m.cfg.Issuer.checkExpiry(m.cfg.Clock.Now())
}
