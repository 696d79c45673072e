package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/skobkin/amdgpu-usage/internal/fdinfo"
	"github.com/skobkin/amdgpu-usage/internal/gpumetrics"
)

// Manager runs one poll loop per GPU monitor, caches the latest snapshot,
// and fan-outs updates to subscribers. Monitors are only touched from their
// own poll goroutine; everyone else sees immutable snapshots.
type Manager struct {
	interval time.Duration
	monitors map[string]*Monitor
	order    Order
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.RWMutex
	latest      map[string]Snapshot
	subscribers map[string]map[*subscriber]struct{}
	closeOnce   sync.Once
	closeErr    error
}

// NewManager builds a Manager from pre-constructed monitors. order is the
// default ordering of published process lists.
func NewManager(interval time.Duration, monitors map[string]*Monitor, order Order, logger *slog.Logger) (*Manager, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if logger == nil {
		logger = slog.Default()
	}
	manager := &Manager{
		interval:    interval,
		monitors:    monitors,
		order:       order,
		logger:      logger.With("component", "sampler_manager"),
		now:         time.Now,
		latest:      make(map[string]Snapshot),
		subscribers: make(map[string]map[*subscriber]struct{}),
	}
	return manager, nil
}

// Run starts sampling loops for all configured GPUs until the context is canceled.
func (m *Manager) Run(ctx context.Context) error {
	if len(m.monitors) == 0 {
		<-ctx.Done()
		return m.Close()
	}

	var wg sync.WaitGroup
	for gpuID, monitor := range m.monitors {
		wg.Add(1)
		go func(id string, mon *Monitor) {
			defer wg.Done()
			logger := m.logger.With("gpu_id", id)
			logger.Info("sampler started", "interval", m.interval)

			// Initial poll primes the cache and the rate baselines.
			m.poll(id, mon)

			ticker := time.NewTicker(m.interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					logger.Info("sampler stopping", "reason", ctx.Err())
					return
				case <-ticker.C:
					m.poll(id, mon)
				}
			}
		}(gpuID, monitor)
	}

	<-ctx.Done()
	wg.Wait()
	return m.Close()
}

// Order returns the default process ordering.
func (m *Manager) Order() Order {
	return m.order
}

// Latest returns the most recent snapshot for the given GPU.
func (m *Manager) Latest(gpuID string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot, ok := m.latest[gpuID]
	return snapshot, ok
}

// Subscribe registers a listener for updates on the given GPU.
func (m *Manager) Subscribe(gpuID string) (<-chan Snapshot, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.monitors[gpuID]; !ok {
		return nil, nil, fmt.Errorf("unknown gpu %q", gpuID)
	}

	sub := newSubscriber()
	if _, ok := m.subscribers[gpuID]; !ok {
		m.subscribers[gpuID] = make(map[*subscriber]struct{})
	}
	m.subscribers[gpuID][sub] = struct{}{}

	if snapshot, ok := m.latest[gpuID]; ok {
		sub.send(snapshot)
	}

	unsubscribe := func() {
		m.removeSubscriber(gpuID, sub)
	}

	return sub.channel(), unsubscribe, nil
}

// GPUIDs returns the sorted list of GPU ids managed by the sampler.
func (m *Manager) GPUIDs() []string {
	ids := make([]string, 0, len(m.monitors))
	for id := range m.monitors {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Ready reports whether all configured samplers have published at least one snapshot.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.monitors) == 0 {
		return true
	}

	for id := range m.monitors {
		if _, ok := m.latest[id]; !ok {
			return false
		}
	}

	return true
}

func (m *Manager) poll(gpuID string, monitor *Monitor) {
	now := m.now()
	m.store(BuildSnapshot(gpuID, now, monitor.Poll(now), m.order))
}

// BuildSnapshot turns one monitor poll into a published snapshot with the
// processes ordered by order.
func BuildSnapshot(gpuID string, now time.Time, result PollResult, order Order) Snapshot {
	processes := result.Samples
	if processes == nil {
		processes = []fdinfo.Sample{}
	}
	fdinfo.SortSamples(processes, order.Key, order.Reverse)

	return Snapshot{
		GPUId:         gpuID,
		Timestamp:     now.UTC(),
		IntervalMS:    result.Interval.Milliseconds(),
		Sort:          order.Key.String(),
		Reverse:       order.Reverse,
		Processes:     processes,
		Top:           fdinfo.Top(processes),
		Device:        result.Device,
		MetricsFormat: result.Telemetry.Format().String(),
		Metrics:       gpumetrics.Summary(result.Telemetry),
		Telemetry:     result.Telemetry,
	}
}

func (m *Manager) store(snapshot Snapshot) {
	m.mu.Lock()
	m.latest[snapshot.GPUId] = snapshot

	targetSubs := make([]*subscriber, 0, len(m.subscribers[snapshot.GPUId]))
	for sub := range m.subscribers[snapshot.GPUId] {
		targetSubs = append(targetSubs, sub)
	}
	m.mu.Unlock()

	for _, sub := range targetSubs {
		sub.send(snapshot)
	}
}

func (m *Manager) removeSubscriber(gpuID string, sub *subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if subs, ok := m.subscribers[gpuID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(m.subscribers, gpuID)
		}
	}
	sub.close()
}

// Close releases all monitor resources. Safe for repeated use.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		var errs []error
		for id, monitor := range m.monitors {
			if monitor == nil {
				continue
			}
			if err := monitor.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close monitor %s: %w", id, err))
			}
		}
		m.closeErr = errors.Join(errs...)
	})
	return m.closeErr
}

type subscriber struct {
	ch     chan Snapshot
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{
		ch: make(chan Snapshot, 1),
	}
}

func (s *subscriber) channel() <-chan Snapshot {
	return s.ch
}

func (s *subscriber) send(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- snapshot:
		return
	default:
		// Drop oldest to make room for the new snapshot.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- snapshot:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
