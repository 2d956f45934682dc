package mcsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"github.com/sasha-s/go-deadlock"
	"github.com/thankful-ai/mcsync/internal/dns"
	"github.com/thankful-ai/mcsync/internal/mcdns"
	"github.com/thankful-ai/mcsync/internal/router"
	"github.com/thankful-ai/mcsync/internal/watch"
	"github.com/thejerf/suture/v4"
)

// Manager keeps the router and DNS in sync with the running servers. Watchers
// signal changes, and a single reconciler makes one pass per batch of
// signals, backing off while passes fail.
//
// Process structure:
// Manager > supervisor > {dockerWatcher, natmapListener, reconciler}
type Manager struct {
	log      *slog.Logger
	enabled  bool
	provider dns.Provider
	dns      *mcdns.Translator
	router   *router.Client
	docker   *watch.DockerWatcher
	natmap   *watch.NatmapClient
	local    *Local
	remote   *Remote
	reporter Reporter
	clock    clockwork.Clock
	metrics  *metrics

	backoffBase time.Duration
	backoffMax  time.Duration

	// updateCh holds at most one signal. pending counts the signals since
	// the last pass.
	updateCh chan struct{}
	pending  atomic.Int64

	mu      deadlock.Mutex
	running bool
	closed  bool
	cancel  context.CancelFunc
	errCh   <-chan error
	backoff time.Duration
}

type Opts struct {
	Log     *slog.Logger
	Enabled bool

	Translator *mcdns.Translator
	Router     *router.Client
	Docker     *watch.DockerWatcher

	// Natmap is optional. Sources are the configured addresses by alias.
	Natmap  *watch.NatmapClient
	Sources map[string]watch.AddressSource

	Reporter    Reporter
	Clock       clockwork.Clock
	Registerer  prometheus.Registerer
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func New(opts Opts) (*Manager, error) {
	if opts.Translator == nil || opts.Router == nil || opts.Docker == nil {
		return nil, errors.New("translator, router and docker are required")
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	met, err := newMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("new metrics: %w", err)
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	base := opts.BackoffBase
	if base <= 0 {
		base = DefaultBackoffBase
	}
	ceiling := opts.BackoffMax
	if ceiling < base {
		ceiling = DefaultBackoffMax
		if ceiling < base {
			ceiling = base
		}
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = LogReporter{Log: opts.Log}
	}

	m := &Manager{
		log:         opts.Log,
		enabled:     opts.Enabled,
		provider:    opts.Translator.Provider(),
		dns:         opts.Translator,
		router:      opts.Router,
		docker:      opts.Docker,
		natmap:      opts.Natmap,
		reporter:    reporter,
		clock:       clock,
		metrics:     met,
		backoffBase: base,
		backoffMax:  ceiling,
		backoff:     base,
		updateCh:    make(chan struct{}, 1),
	}
	m.local = &Local{
		log:     opts.Log.With(slog.String("collector", "local")),
		servers: opts.Docker,
		sources: opts.Sources,
	}
	if opts.Natmap != nil {
		m.local.natmap = opts.Natmap
	}
	m.remote = &Remote{
		log:    opts.Log.With(slog.String("collector", "remote")),
		dns:    opts.Translator,
		router: opts.Router,
	}
	met.backoff.Set(base.Seconds())
	return m, nil
}

// Init the DNS provider. Start calls this, so it's only needed to use
// CurrentDiff without starting.
func (m *Manager) Init(ctx context.Context) error {
	if err := m.provider.Init(ctx); err != nil {
		return fmt.Errorf("init provider: %w", err)
	}
	return nil
}

// Start the watchers and reconciler in the background and queue an initial
// pass. Starting a disabled or running Manager does nothing.
func (m *Manager) Start(ctx context.Context) error {
	if !m.enabled {
		m.log.Info("sync disabled")
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	if m.closed {
		return ErrStopped
	}
	if err := m.Init(ctx); err != nil {
		return err
	}

	supervisor := suture.New("mcsync", suture.Spec{
		EventHook: func(ev suture.Event) {
			m.log.Error("event hook", slog.String("event", ev.String()))
		},
	})
	_ = supervisor.Add(&task{
		name: "dockerWatcher",
		fn: func(ctx context.Context) error {
			return m.docker.Watch(ctx, m.QueueUpdate)
		},
	})
	if m.natmap != nil {
		_ = supervisor.Add(&task{
			name: "natmapListener",
			fn: func(ctx context.Context) error {
				return m.natmap.ListenWS(ctx, func([]byte) {
					m.QueueUpdate()
				})
			},
		})
	}
	_ = supervisor.Add(&reconciler{
		manager: m,
		log:     m.log.With(slog.String("task", "reconciler")),
	})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.errCh = supervisor.ServeBackground(runCtx)
	m.cancel = cancel
	m.running = true
	m.log.Info("started", slog.String("domain", m.provider.Domain()))

	m.QueueUpdate()
	return nil
}

// Stop the background tasks, waiting for them to exit, and release client
// sessions. Sessions are released even if the Manager never started, and a
// stopped Manager can't be started again. Stopping twice does nothing.
func (m *Manager) Stop() error {
	m.mu.Lock()
	running, closed := m.running, m.closed
	cancel, errCh := m.cancel, m.errCh
	m.running = false
	m.closed = true
	m.cancel = nil
	m.errCh = nil
	m.mu.Unlock()

	if running {
		cancel()
		if err := <-errCh; err != nil {
			m.log.Debug("supervisor stopped", slog.Any("error", err))
		}
	}
	if closed {
		return nil
	}

	var result *multierror.Error
	if m.natmap != nil {
		m.natmap.Close()
	}
	if err := m.docker.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("docker: %w", err))
	}
	if running {
		m.log.Info("stopped")
	}
	return result.ErrorOrNil()
}

func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.running
}

// Backoff is the delay applied after the next failed pass.
func (m *Manager) Backoff() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.backoff
}

// QueueUpdate requests a reconciliation pass. It never blocks, and signals
// sent before the next pass starts are merged into it.
func (m *Manager) QueueUpdate() {
	if m.pending.Add(1) > 1 {
		m.metrics.coalesced.Inc()
	}
	select {
	case m.updateCh <- struct{}{}:
	default:
	}
}

// nextBackoff returns the delay to wait now and doubles the stored delay up
// to the maximum.
func (m *Manager) nextBackoff() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.backoff
	m.backoff *= 2
	if m.backoff > m.backoffMax {
		m.backoff = m.backoffMax
	}
	m.metrics.backoff.Set(m.backoff.Seconds())
	return d
}

func (m *Manager) resetBackoff() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.backoff = m.backoffBase
	m.metrics.backoff.Set(m.backoff.Seconds())
}

// reconcile makes one pass: pull local, pull remote, and push only if they
// differ.
func (m *Manager) reconcile(ctx context.Context, log *slog.Logger) (string, error) {
	local, err := m.local.Pull(ctx)
	if err != nil {
		return resultError, fmt.Errorf("local pull: %w", err)
	}
	remote, err := m.remote.Pull(ctx)
	if err != nil {
		return resultError, fmt.Errorf("remote pull: %w", err)
	}
	if remote != nil && remote.Equal(local) {
		log.Debug("remote up to date")
		return resultSkipped, nil
	}
	log.Info("pushing",
		slog.Int("aliases", len(local.Addresses)),
		slog.Int("servers", len(local.Servers)),
		slog.Bool("consistent", remote != nil))
	if err := m.remote.Push(ctx, local); err != nil {
		return resultError, fmt.Errorf("remote push: %w", err)
	}
	m.metrics.pushes.Inc()
	return resultPushed, nil
}

// DiffReport is what a pass would change, computed without changing
// anything. Failures are collected in Errors.
type DiffReport struct {
	Local  *State       `json:"local,omitempty"`
	DNS    *dns.Diff    `json:"dns,omitempty"`
	Router *router.Diff `json:"router,omitempty"`
	Errors []string     `json:"errors"`
}

func (m *Manager) CurrentDiff(ctx context.Context) (DiffReport, error) {
	report := DiffReport{Errors: []string{}}
	if !m.enabled || !m.provider.Initialized() {
		return report, ErrNotInitialized
	}

	local, err := m.local.Pull(ctx)
	if err != nil {
		report.Errors = append(report.Errors,
			fmt.Sprintf("local pull: %v", err))
		return report, nil
	}
	report.Local = &local

	dnsDiff, err := m.dns.Diff(ctx, local.Addresses, local.Servers.Names())
	if err != nil {
		report.Errors = append(report.Errors,
			fmt.Sprintf("dns diff: %v", err))
	} else {
		report.DNS = &dnsDiff
	}
	routerDiff, err := m.router.Diff(ctx, local.Addresses.Aliases(),
		local.Servers)
	if err != nil {
		report.Errors = append(report.Errors,
			fmt.Sprintf("router diff: %v", err))
	} else {
		report.Router = &routerDiff
	}
	return report, nil
}

type reconciler struct {
	manager *Manager
	log     *slog.Logger
}

func (r *reconciler) Serve(ctx context.Context) error {
	m := r.manager
	for {
		select {
		case <-m.updateCh:
		case <-ctx.Done():
			return ctx.Err()
		}
		signals := m.pending.Swap(0)
		tick := xid.New().String()
		log := r.log.With(slog.String("tick", tick))
		log.Debug("reconciling", slog.Int64("signals", signals))

		result, err := m.reconcile(ctx, log)
		m.metrics.passes.WithLabelValues(result).Inc()
		if err == nil {
			m.resetBackoff()
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := m.nextBackoff()
		log.Error("failed to reconcile",
			slog.Any("error", err),
			slog.Duration("backoff", delay))
		m.reporter.Report(fmt.Errorf("reconcile %s: %w", tick, err))
		m.QueueUpdate()

		select {
		case <-m.clock.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *reconciler) String() string { return "reconciler" }

// task adapts a long-running function to a supervised service.
type task struct {
	name string
	fn   func(context.Context) error
}

func (t *task) Serve(ctx context.Context) error { return t.fn(ctx) }
func (t *task) String() string                  { return t.name }
