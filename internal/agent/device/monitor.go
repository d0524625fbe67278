package device

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/httprunner/FlashAgent/internal/metrics"
	"github.com/httprunner/FlashAgent/internal/safego"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultPollInterval 为两次枚举之间的默认间隔。
// 轮询天然有损：在一个间隔内接入又拔出的设备不会被观察到。
const DefaultPollInterval = time.Second

// Monitor 周期性枚举设备，与上一次快照做差集并发出接入/移除事件。
// 同一轮中移除事件总是先于接入事件发出。
type Monitor struct {
	provider Provider
	interval time.Duration

	pollMu sync.Mutex

	mu        sync.Mutex
	ports     map[string]struct{}
	onArrival Listener
	onRemoval Listener
	running   bool
	stopped   bool
	stopCh    chan struct{}
	group     *errgroup.Group
}

// NewMonitor 构建设备监控器，interval <= 0 时使用 DefaultPollInterval。
func NewMonitor(provider Provider, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Monitor{
		provider: provider,
		interval: interval,
		ports:    make(map[string]struct{}),
	}
}

// OnArrival 注册接入回调，替换之前的回调。
func (m *Monitor) OnArrival(fn Listener) {
	m.mu.Lock()
	m.onArrival = fn
	m.mu.Unlock()
}

// OnRemoval 注册移除回调，替换之前的回调。
func (m *Monitor) OnRemoval(fn Listener) {
	m.mu.Lock()
	m.onRemoval = fn
	m.mu.Unlock()
}

// Start 启动后台轮询循环并立即执行第一轮。重复调用无效；停止后的监控器不能再次启动。
func (m *Monitor) Start(ctx context.Context) error {
	if m.provider == nil {
		return errors.New("device monitor: provider is nil")
	}
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.group = &errgroup.Group{}
	stopCh, group := m.stopCh, m.group
	m.mu.Unlock()

	log.Info().Dur("interval", m.interval).Msg("start device monitor")
	safego.Go(ctx, group, "device monitor", func(ctx context.Context) error {
		return m.loop(ctx, stopCh)
	})
	return nil
}

// Stop 请求循环在下一轮边界退出。它不会打断正在进行的枚举或事件回调。
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || m.stopped {
		return
	}
	m.stopped = true
	close(m.stopCh)
	log.Info().Msg("device monitor stop requested")
}

// Wait 阻塞直到后台循环退出。不要在事件回调中调用。
func (m *Monitor) Wait() {
	m.mu.Lock()
	group := m.group
	m.mu.Unlock()
	if group != nil {
		_ = group.Wait()
	}
}

// Ports 返回最近一次成功枚举的端口快照（已排序）。
func (m *Monitor) Ports() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.ports)
}

func (m *Monitor) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *Monitor) loop(ctx context.Context, stopCh <-chan struct{}) error {
	for {
		if m.isStopped() {
			return nil
		}
		_ = m.Poll(ctx)

		timer := time.NewTimer(m.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-stopCh:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Poll 执行一轮枚举并派发事件。枚举失败时保留上一轮快照、不派发任何事件，
// 返回的错误仅供调用方记录。
func (m *Monitor) Poll(ctx context.Context) error {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()

	current, err := m.enumerate(ctx)
	if err != nil {
		metrics.EnumerationErrors.Inc()
		log.Warn().Err(err).Msg("device enumeration failed, keep previous snapshot")
		return err
	}

	m.mu.Lock()
	previous := m.ports
	onArrival, onRemoval := m.onArrival, m.onRemoval
	m.mu.Unlock()

	removed, arrived := diff(previous, current)
	for _, port := range removed {
		metrics.DeviceEvents.WithLabelValues(string(EventRemoval)).Inc()
		log.Info().Str("port", port).Msg("device removed")
		if onRemoval != nil {
			onRemoval(port)
		}
	}
	for _, port := range arrived {
		metrics.DeviceEvents.WithLabelValues(string(EventArrival)).Inc()
		log.Info().Str("port", port).Msg("device arrived")
		if onArrival != nil {
			onArrival(port)
		}
	}

	m.mu.Lock()
	m.ports = current
	m.mu.Unlock()
	return nil
}

func (m *Monitor) enumerate(ctx context.Context) (ports map[string]struct{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("device provider panicked: %v", r)
		}
	}()
	list, err := m.provider.ListDevices(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list devices failed")
	}
	ports = make(map[string]struct{}, len(list))
	for _, port := range list {
		port = strings.TrimSpace(port)
		if port == "" {
			continue
		}
		ports[port] = struct{}{}
	}
	return ports, nil
}

func diff(previous, current map[string]struct{}) (removed, arrived []string) {
	for port := range previous {
		if _, ok := current[port]; !ok {
			removed = append(removed, port)
		}
	}
	for port := range current {
		if _, ok := previous[port]; !ok {
			arrived = append(arrived, port)
		}
	}
	sort.Strings(removed)
	sort.Strings(arrived)
	return removed, arrived
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
