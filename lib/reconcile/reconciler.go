// Package reconcile implements the background reconciler that trims
// local state down to what the cloud still associates with this core
// device: stale things, orphaned certificates, and sessions riding on
// either.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/cloud"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/defaults"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/events"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/metrics"
	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/registry"
)

// SessionRefresher revalidates live sessions after registry cleanup.
// *session.Manager implements it.
type SessionRefresher interface {
	Refresh(ctx context.Context)
}

// Config configures a Reconciler.
type Config struct {
	// Things is the local thing registry to trim.
	Things *registry.ThingRegistry
	// Certificates is the local certificate registry to trim.
	Certificates *registry.CertificateRegistry
	// Cloud lists the devices still associated with this core.
	Cloud *cloud.Verifier
	// Sessions is optional; when set, live sessions are revalidated
	// after each successful pass.
	Sessions SessionRefresher
	// Events is optional; when set, a network recovery triggers a pass
	// if the last successful one is older than Interval.
	Events *events.Bus
	// Interval between scheduled passes, defaults.ReconcileInterval
	// when zero.
	Interval time.Duration
	// Clock drives scheduling.
	Clock clockwork.Clock
	// Log is the reconciler's logger.
	Log *slog.Logger
	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics
}

func (c *Config) checkAndSetDefaults() error {
	if c.Things == nil {
		return trace.BadParameter("missing thing registry")
	}
	if c.Certificates == nil {
		return trace.BadParameter("missing certificate registry")
	}
	if c.Cloud == nil {
		return trace.BadParameter("missing cloud verifier")
	}
	if c.Interval == 0 {
		c.Interval = defaults.ReconcileInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With("component", "reconciler")
	return nil
}

// Reconciler periodically removes local things no longer associated in
// the cloud and certificates no thing references anymore. Passes are
// mutually exclusive; overlapping triggers are dropped, not queued.
type Reconciler struct {
	cfg Config

	// runMu serializes passes across all triggers.
	runMu sync.Mutex

	mu        sync.Mutex
	lastRanAt time.Time
	nextRunAt time.Time

	kick chan struct{}
}

// New returns a reconciler; call Run to start the schedule.
func New(cfg Config) (*Reconciler, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	r := &Reconciler{
		cfg:  cfg,
		kick: make(chan struct{}, 1),
	}
	r.nextRunAt = cfg.Clock.Now()
	if cfg.Events != nil {
		events.Subscribe(cfg.Events, func(event events.NetworkStateChanged) {
			if event.State == events.NetworkUp {
				r.onNetworkUp()
			}
		})
	}
	return r, nil
}

// LastRanAt returns the completion time of the last successful pass.
func (r *Reconciler) LastRanAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRanAt
}

// onNetworkUp requests a pass unless one succeeded within the interval.
func (r *Reconciler) onNetworkUp() {
	r.mu.Lock()
	recent := !r.lastRanAt.IsZero() && r.cfg.Clock.Now().Sub(r.lastRanAt) < r.cfg.Interval
	r.mu.Unlock()
	if recent {
		r.cfg.Log.Debug("Network recovered, last pass is recent enough, skipping")
		return
	}
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run executes passes on schedule until the context is canceled. The
// first pass starts immediately.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		r.mu.Lock()
		next := r.nextRunAt
		r.mu.Unlock()
		wait := next.Sub(r.cfg.Clock.Now())
		if wait < 0 {
			wait = 0
		}
		timer := r.cfg.Clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
			r.RunNow(ctx)
		case <-r.kick:
			timer.Stop()
			r.RunNow(ctx)
		}
	}
}

// RunNow executes one pass, unless another pass is already in flight,
// in which case the trigger is dropped.
func (r *Reconciler) RunNow(ctx context.Context) {
	if !r.runMu.TryLock() {
		r.cfg.Log.Debug("Reconciliation already in progress, dropping trigger")
		return
	}
	defer r.runMu.Unlock()
	r.run(ctx)
}

func (r *Reconciler) run(ctx context.Context) {
	now := r.cfg.Clock.Now()
	r.mu.Lock()
	recent := !r.lastRanAt.IsZero() && now.Sub(r.lastRanAt) < r.cfg.Interval
	r.mu.Unlock()
	if recent {
		// Manual triggers inside the interval are a no-op; no cloud
		// calls are made.
		r.cfg.Log.Debug("Last reconciliation pass is recent enough, skipping")
		return
	}
	r.cfg.Log.Info("Starting reconciliation pass")

	associated := make(map[string]bool)
	err := r.cfg.Cloud.ForEachAssociatedThing(ctx, func(device cloud.AssociatedClientDevice) error {
		associated[device.ThingName] = true
		return nil
	})
	if err != nil {
		// Local state is kept untouched when the cloud listing fails;
		// lastRanAt is not advanced so a network recovery retriggers.
		r.cfg.Log.Warn("Unable to list associated client devices, keeping local state", "error", err)
		r.cfg.Metrics.ReconcilerFailed()
		r.schedule(now.Add(r.cfg.Interval))
		return
	}

	if err := r.trimThings(ctx, associated); err != nil {
		r.cfg.Log.Warn("Reconciliation pass failed", "error", err)
		r.cfg.Metrics.ReconcilerFailed()
		r.schedule(now.Add(r.cfg.Interval))
		return
	}
	if err := r.trimCertificates(ctx); err != nil {
		r.cfg.Log.Warn("Reconciliation pass failed", "error", err)
		r.cfg.Metrics.ReconcilerFailed()
		r.schedule(now.Add(r.cfg.Interval))
		return
	}
	if r.cfg.Sessions != nil {
		r.cfg.Sessions.Refresh(ctx)
	}

	r.mu.Lock()
	r.lastRanAt = now
	r.nextRunAt = now.Add(r.cfg.Interval)
	r.mu.Unlock()
	r.cfg.Metrics.ReconcilerRan()
	r.cfg.Log.Info("Reconciliation pass complete")
}

// trimThings deletes local things the cloud no longer associates with
// this core device.
func (r *Reconciler) trimThings(ctx context.Context, associated map[string]bool) error {
	var stale []string
	err := r.cfg.Things.ForEach(ctx, func(thing *registry.Thing) error {
		if !associated[thing.Name()] {
			stale = append(stale, thing.Name())
		}
		return nil
	})
	if err != nil {
		return trace.Wrap(err)
	}
	for _, name := range stale {
		r.cfg.Log.Info("Removing thing no longer associated with this core device", "thing", name)
		if err := r.cfg.Things.Delete(ctx, name); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// trimCertificates deletes certificates no surviving thing references.
func (r *Reconciler) trimCertificates(ctx context.Context) error {
	referenced := make(map[string]bool)
	err := r.cfg.Things.ForEach(ctx, func(thing *registry.Thing) error {
		for id := range thing.AttachedCertificateIDs() {
			referenced[id] = true
		}
		return nil
	})
	if err != nil {
		return trace.Wrap(err)
	}
	var orphans []string
	err = r.cfg.Certificates.ForEach(ctx, func(record *registry.CertificateRecord) error {
		if !referenced[record.ID()] {
			orphans = append(orphans, record.ID())
		}
		return nil
	})
	if err != nil {
		return trace.Wrap(err)
	}
	for _, id := range orphans {
		r.cfg.Log.Info("Removing certificate no thing references", "certificate", id)
		if err := r.cfg.Certificates.Delete(ctx, id); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func (r *Reconciler) schedule(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextRunAt = at
}
