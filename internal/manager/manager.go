// Package manager implements the engine's lifecycle façade: start/stop,
// the topic-event listener surface the store calls back into, and the
// on-demand eviction and reconfiguration entry points.
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dispatchcore/pubsubengine/internal/config"
	"github.com/dispatchcore/pubsubengine/internal/dispatch"
	"github.com/dispatchcore/pubsubengine/internal/expiry"
	"github.com/dispatchcore/pubsubengine/internal/logging"
	"github.com/dispatchcore/pubsubengine/internal/metrics"
	"github.com/dispatchcore/pubsubengine/internal/notify"
	"github.com/dispatchcore/pubsubengine/internal/store"
	"github.com/dispatchcore/pubsubengine/internal/version"
)

// Context bundles the collaborators the manager needs to construct its
// workers, grounded on NewJobManager's constructor-injection style: the
// store, logger and metrics sink are supplied once at construction rather
// than threaded through every call.
type Context struct {
	store    store.Store
	log      *logging.Logger
	metrics  metrics.Sink
	notifyFn notify.Callback
	cfg      config.Config
}

// NewContext builds a Context. notifyFn is the client-event callback the
// notification worker invokes; cfg supplies the engine's tunables.
func NewContext(st store.Store, log *logging.Logger, m metrics.Sink, notifyFn notify.Callback, cfg config.Config) Context {
	return Context{store: st, log: log, metrics: m, notifyFn: notifyFn, cfg: cfg}
}

// Manager is the engine's lifecycle façade and the store's topic listener.
type Manager struct {
	ctx Context

	signal *version.Signal

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	dispatchWorker *dispatch.Worker
	notifyWorker   *notify.Worker
	expiryTask     *expiry.Task
}

// New returns a Manager ready to Start.
func New(c Context) *Manager {
	return &Manager{
		ctx:    c,
		signal: version.New(),
	}
}

// Start snapshots the store reference, registers the manager as the
// store's topic listener, and launches the dispatch worker, notification
// worker, and expiration task. A second Start call on an already-running
// manager is a no-op; a Start after Stop relaunches the workers, since an
// external health check may restart the manager after a fatal termination.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	m.ctx.store.RegisterTopicListener(m)

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.dispatchWorker = dispatch.New(m.ctx.store, m.signal, m.ctx.log, m.ctx.metrics, m.ctx.cfg)
	m.notifyWorker = notify.New(m.ctx.store, m.ctx.log, m.ctx.notifyFn, m.ctx.cfg.NotificationInterval)
	m.expiryTask = expiry.New(m.ctx.store, m.ctx.log, m.ctx.metrics, m.ctx.cfg.CleanInterval)

	m.wg.Add(3)
	go func() { defer m.wg.Done(); m.dispatchWorker.Run(runCtx) }()
	go func() { defer m.wg.Done(); m.notifyWorker.Run(runCtx) }()
	go func() { defer m.wg.Done(); m.expiryTask.Run(runCtx) }()

	m.running = true
	m.ctx.log.Info("dispatch engine started",
		"assignment_timeout", logging.Duration(m.ctx.cfg.AssignmentTimeout),
		"inactivity_threshold", logging.Duration(m.ctx.cfg.InactivityThreshold),
		"clean_interval", logging.Duration(m.ctx.cfg.CleanInterval))
}

// Stop signals cancellation to all workers and waits for them to finish
// their current iteration. Stop on a manager that was never started, or
// already stopped, is a no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.expiryTask.Cancel()
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.ctx.log.Info("dispatch engine stopped")
}

// Evict synchronously removes store-chosen evictable messages totalling at
// least bytesWanted and updates the evict-per-second metric.
func (m *Manager) Evict(ctx context.Context, bytesWanted int64) error {
	victims, err := m.ctx.store.GetEvictableMessages(ctx, bytesWanted)
	if err != nil {
		return err
	}
	if len(victims) == 0 {
		return nil
	}
	if err := m.ctx.store.RemoveMessages(ctx, victims, store.RemovedEvicted); err != nil {
		return err
	}
	m.ctx.metrics.IncEvictedPerSecond(int64(len(victims)))
	m.ctx.log.Info("evicted messages", "count", len(victims), "requested", humanize.Bytes(uint64(bytesWanted)))
	return nil
}

// SetExpirationInterval retargets the expiration task's period. Non-positive
// values are ignored.
func (m *Manager) SetExpirationInterval(ms int64) {
	if ms <= 0 {
		return
	}
	m.mu.Lock()
	task := m.expiryTask
	m.mu.Unlock()
	if task != nil {
		task.SetInterval(time.Duration(ms) * time.Millisecond)
	}
}

// --- store.Listener ---

func (m *Manager) OnSubscriptionCreated(topic string, sub store.Subscription) {
	m.signal.Bump()
}

func (m *Manager) OnSubscriptionRemoved(topic string, sub store.Subscription) {
	m.signal.Bump()
}

func (m *Manager) OnMessageArrived(topic string, messageID string) {
	m.signal.Bump()
}

func (m *Manager) OnMessageDelivered(topic string, messageID string) {
	m.signal.Bump()
}

// OnSizeChanged is reserved for metrics; the core takes no action.
func (m *Manager) OnSizeChanged(topic string, bytes int64) {}

// OnCountChanged is reserved for metrics; the core takes no action.
func (m *Manager) OnCountChanged(topic string, count int64) {}
