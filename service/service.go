// Package service contains the marathon-acme control loop: the sync that
// reconciles Marathon's desired domain set against the certificate store,
// and the orchestrator that drives syncs from the Marathon event stream
// and a periodic timer.
package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/praekeltfoundation/marathon-acme/acme"
	"github.com/praekeltfoundation/marathon-acme/certstore"
	"github.com/praekeltfoundation/marathon-acme/log"
	"github.com/praekeltfoundation/marathon-acme/marathon"
	"github.com/praekeltfoundation/marathon-acme/marathonlb"
)

// DefaultEventTypes are the Marathon event types that plausibly change
// the app-to-domain mapping. The set is configurable because Marathon's
// emitted types vary between versions; an empty list subscribes to every
// event.
var DefaultEventTypes = []string{
	"api_post_event",
	"status_update_event",
	"health_status_changed_event",
}

const (
	// DefaultSyncInterval is the period of the safety-net sync.
	DefaultSyncInterval = 24 * time.Hour

	// DefaultIssueConcurrency bounds concurrent ACME orders in one sync.
	DefaultIssueConcurrency = 2

	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	// A stream that stayed up this long counts as healthy and resets the
	// reconnect backoff.
	backoffResetAfter = 60 * time.Second
)

// MarathonAcme watches a Marathon cluster and keeps the certificate store
// in step with the domains its apps declare.
type MarathonAcme struct {
	marathon marathon.Client
	group    string
	store    certstore.Store
	mlb      marathonlb.Client
	issuer   acme.Issuer
	clk      clock.Clock
	log      log.Logger

	eventTypes       []string
	syncInterval     time.Duration
	issueConcurrency int

	// syncMu serialises Sync; trigger carries the single pending flag
	// that coalesces concurrent sync requests.
	syncMu  sync.Mutex
	trigger chan struct{}

	syncs      *prometheus.CounterVec
	issuances  *prometheus.CounterVec
	events     *prometheus.CounterVec
	reconnects prometheus.Counter
}

// Option customises a MarathonAcme.
type Option func(*MarathonAcme)

// WithEventTypes overrides DefaultEventTypes.
func WithEventTypes(types []string) Option {
	return func(m *MarathonAcme) { m.eventTypes = types }
}

// WithSyncInterval overrides DefaultSyncInterval.
func WithSyncInterval(d time.Duration) Option {
	return func(m *MarathonAcme) { m.syncInterval = d }
}

// WithIssueConcurrency overrides DefaultIssueConcurrency.
func WithIssueConcurrency(n int) Option {
	return func(m *MarathonAcme) { m.issueConcurrency = n }
}

// WithClock substitutes the clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(m *MarathonAcme) { m.clk = clk }
}

// New wires up a MarathonAcme for the given HAProxy group.
func New(
	marathonClient marathon.Client,
	group string,
	store certstore.Store,
	mlb marathonlb.Client,
	issuer acme.Issuer,
	logger log.Logger,
	stats prometheus.Registerer,
	opts ...Option,
) *MarathonAcme {
	m := &MarathonAcme{
		marathon:         marathonClient,
		group:            group,
		store:            store,
		mlb:              mlb,
		issuer:           issuer,
		clk:              clock.New(),
		log:              logger,
		eventTypes:       DefaultEventTypes,
		syncInterval:     DefaultSyncInterval,
		issueConcurrency: DefaultIssueConcurrency,
		trigger:          make(chan struct{}, 1),

		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncs",
			Help: "Reconciliation passes, by result",
		}, []string{"result"}),
		issuances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "issuances",
			Help: "Certificate issuance attempts, by result",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marathon_events",
			Help: "Marathon events received, by type",
		}, []string{"type"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "event_stream_reconnects",
			Help: "Reconnections to the Marathon event stream",
		}),
	}
	for _, opt := range opts {
		opt(m)
	}
	stats.MustRegister(m.syncs, m.issuances, m.events, m.reconnects)
	return m
}

// Trigger requests a sync. Requests made while a sync is running coalesce
// into a single follow-up sync.
func (m *MarathonAcme) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Run drives the service until ctx is cancelled: an immediate sync, then
// syncs on Marathon events and on the periodic safety-net timer.
func (m *MarathonAcme) Run(ctx context.Context) error {
	m.Trigger()
	go m.watchEvents(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.trigger:
			if _, err := m.Sync(ctx); err != nil {
				m.log.Err(fmt.Sprintf("Sync failed: %s", err))
			}
		case <-m.clk.After(m.syncInterval):
			m.log.Debug("Periodic sync timer fired")
			m.Trigger()
		}
	}
}

// watchEvents keeps the Marathon event subscription open, triggering a
// sync for every received event and reconnecting with exponential backoff
// when the stream terminates.
func (m *MarathonAcme) watchEvents(ctx context.Context) {
	backoff := initialBackoff
	for ctx.Err() == nil {
		events := make(chan marathon.Event)
		streamErr := make(chan error, 1)
		connectedAt := m.clk.Now()
		go func() {
			streamErr <- m.marathon.StreamEvents(ctx, m.eventTypes, events)
		}()

	streaming:
		for {
			select {
			case event := <-events:
				m.events.WithLabelValues(event.Type).Inc()
				m.log.Debug(fmt.Sprintf("Marathon event: %s", event.Type))
				m.Trigger()
			case err := <-streamErr:
				if ctx.Err() != nil {
					return
				}
				m.log.Warning(fmt.Sprintf("Marathon event stream terminated: %s", err))
				break streaming
			}
		}

		if m.clk.Since(connectedAt) >= backoffResetAfter {
			backoff = initialBackoff
		}
		m.reconnects.Inc()
		m.clk.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Sync reconciles once. It returns one row of marathon-lb results per
// certificate issued this pass; an empty result means there was nothing
// to do and no reload was attempted. At most one sync runs at a time.
func (m *MarathonAcme) Sync(ctx context.Context) ([][]marathonlb.Result, error) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	apps, err := m.marathon.GetApps(ctx)
	if err != nil {
		// With no app snapshot there is nothing to reconcile against.
		m.syncs.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("fetching Marathon apps: %w", err)
	}
	desired := m.desiredDomains(apps)

	stored, err := m.store.AsMap(ctx)
	if err != nil {
		m.syncs.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("listing stored certificates: %w", err)
	}

	var toIssue [][]string
	for _, domains := range desired {
		if _, ok := stored[domains[0]]; !ok {
			toIssue = append(toIssue, domains)
		}
	}
	if len(toIssue) == 0 {
		m.syncs.WithLabelValues("noop").Inc()
		return [][]marathonlb.Result{}, nil
	}

	issued, issueErrs := m.issueAll(ctx, toIssue)
	errs := issueErrs

	// One reload broadcast covers every certificate issued this pass, and
	// only goes out once all the store writes are done.
	var results [][]marathonlb.Result
	if len(issued) > 0 {
		lbResults := m.mlb.SignalUsr1(ctx)
		if !marathonlb.AnyOK(lbResults) {
			errs = append(errs, stderrors.New("no marathon-lb instance accepted the reload signal"))
		}
		for range issued {
			results = append(results, lbResults)
		}
	}

	if len(errs) > 0 {
		m.syncs.WithLabelValues("error").Inc()
		return results, stderrors.Join(errs...)
	}
	m.syncs.WithLabelValues("ok").Inc()
	return results, nil
}

// desiredDomains derives the domain sets to provision: every port index
// of every app whose effective group matches, de-duplicated on the
// canonical (first) domain.
func (m *MarathonAcme) desiredDomains(apps []marathon.App) [][]string {
	var desired [][]string
	seen := make(map[string]bool)
	for _, app := range apps {
		for i := range app.PortDefinitions {
			if app.PortGroup(i) != m.group {
				continue
			}
			domains := app.PortDomains(i)
			if len(domains) == 0 {
				continue
			}
			if seen[domains[0]] {
				m.log.Debug(fmt.Sprintf(
					"Duplicate domain %s for app %s port %d", domains[0], app.ID, i))
				continue
			}
			seen[domains[0]] = true
			desired = append(desired, domains)
		}
	}
	return desired
}

// issueAll requests a certificate for each domain set concurrently and
// stores the successes. Failures are collected, not fatal to the rest.
func (m *MarathonAcme) issueAll(ctx context.Context, toIssue [][]string) ([]string, []error) {
	var mu sync.Mutex
	issuedSet := make(map[string]bool)
	var errs []error

	var group errgroup.Group
	group.SetLimit(m.issueConcurrency)
	for _, domains := range toIssue {
		domains := domains
		group.Go(func() error {
			cert, err := m.issuer.Issue(ctx, domains)
			if err == nil {
				err = m.store.Put(ctx, domains[0], cert)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.issuances.WithLabelValues("error").Inc()
				m.log.Err(fmt.Sprintf("Failed to issue certificate for %v: %s", domains, err))
				errs = append(errs, fmt.Errorf("issuing certificate for %v: %w", domains, err))
				return nil
			}
			m.issuances.WithLabelValues("ok").Inc()
			m.log.AuditInfo(fmt.Sprintf("Issued and stored certificate for %v", domains))
			issuedSet[domains[0]] = true
			return nil
		})
	}
	_ = group.Wait()

	// Report successes in the order they were requested.
	var issued []string
	for _, domains := range toIssue {
		if issuedSet[domains[0]] {
			issued = append(issued, domains[0])
		}
	}
	return issued, errs
}
