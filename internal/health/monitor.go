package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hewenyu/service-registry/internal/cache"
	"github.com/hewenyu/service-registry/internal/config"
	"github.com/hewenyu/service-registry/internal/core/model"
	"github.com/hewenyu/service-registry/internal/metrics"
)

// ErrQueueFull 按需检查队列已满
var ErrQueueFull = &model.Error{Code: model.CodeBackendUnavailable, Message: "健康检查队列已满"}

// Store 监控循环依赖的存储能力
type Store interface {
	Get(ctx context.Context, name string) (*model.Service, error)
	List(ctx context.Context, filter model.ServiceFilter) ([]*model.Service, error)
	AppendHealth(ctx context.Context, result *model.HealthCheckResult) error
}

// State 监控循环当前所处阶段
type State int32

const (
	StateIdle State = iota
	StateEnumerating
	StateProbing
	StateSleeping
)

func (s State) String() string {
	switch s {
	case StateEnumerating:
		return "enumerating"
	case StateProbing:
		return "probing"
	case StateSleeping:
		return "sleeping"
	default:
		return "idle"
	}
}

// Options 监控循环参数
type Options struct {
	Interval    time.Duration
	CacheTTL    time.Duration
	Concurrency int
	Workers     int
	QueueSize   int
}

// DefaultOptions 返回默认参数
func DefaultOptions() Options {
	return Options{
		Interval:    30 * time.Second,
		CacheTTL:    60 * time.Second,
		Concurrency: 16,
		Workers:     4,
		QueueSize:   256,
	}
}

// Monitor 周期性探测所有服务，是健康历史和健康缓存的唯一写入者
type Monitor struct {
	store   Store
	cache   cache.HealthCache
	prober  *Prober
	metrics *metrics.Metrics
	logger  config.Logger
	opts    Options

	group singleflight.Group
	queue chan *model.Service
	state atomic.Int32

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewMonitor 创建监控循环
func NewMonitor(store Store, healthCache cache.HealthCache, prober *Prober, m *metrics.Metrics, logger config.Logger, opts Options) *Monitor {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = def.CacheTTL
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}

	return &Monitor{
		store:   store,
		cache:   healthCache,
		prober:  prober,
		metrics: m,
		logger:  logger.With(zap.String("component", "health-monitor")),
		opts:    opts,
		queue:   make(chan *model.Service, opts.QueueSize),
	}
}

// Start 启动监控循环和按需检查的工作协程
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("健康监控已在运行")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	var wg sync.WaitGroup
	wg.Add(1 + m.opts.Workers)
	go func() {
		defer wg.Done()
		m.loop(runCtx)
	}()
	for i := 0; i < m.opts.Workers; i++ {
		go func() {
			defer wg.Done()
			m.worker(runCtx)
		}()
	}
	go func(done chan struct{}) {
		wg.Wait()
		close(done)
	}(m.done)

	m.logger.Info("健康监控已启动",
		zap.Duration("interval", m.opts.Interval),
		zap.Int("concurrency", m.opts.Concurrency),
		zap.Int("workers", m.opts.Workers))
	return nil
}

// Stop 停止监控，等待进行中的探测结束或ctx到期
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	select {
	case <-done:
		m.logger.Info("健康监控已停止")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("等待健康监控停止超时: %w", ctx.Err())
	}
}

// State 返回当前阶段
func (m *Monitor) State() State {
	return State(m.state.Load())
}

func (m *Monitor) setState(s State) {
	m.state.Store(int32(s))
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.setState(StateIdle)

	for {
		_ = m.RunOnce(ctx)

		m.setState(StateSleeping)
		timer := time.NewTimer(m.opts.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunOnce 执行一轮检查：枚举全部服务并以有限并发探测
func (m *Monitor) RunOnce(ctx context.Context) error {
	start := time.Now()

	m.setState(StateEnumerating)
	services, err := m.store.List(ctx, model.ServiceFilter{})
	if err != nil {
		m.logger.Error("枚举服务失败，下一轮重试", zap.Error(err))
		m.metrics.RecordCycle(0, err)
		return err
	}
	m.metrics.SetServices(len(services))

	m.setState(StateProbing)
	var g errgroup.Group
	g.SetLimit(m.opts.Concurrency)
	for _, svc := range services {
		if ctx.Err() != nil {
			break
		}
		svc := svc
		g.Go(func() error {
			m.Check(ctx, svc)
			return nil
		})
	}
	_ = g.Wait()

	m.metrics.RecordCycle(time.Since(start), nil)
	m.logger.Debug("健康检查轮次完成",
		zap.Int("services", len(services)),
		zap.Duration("duration", time.Since(start)))
	return ctx.Err()
}

// Trigger 将服务放入按需检查队列，不等待探测完成
func (m *Monitor) Trigger(svc *model.Service) error {
	select {
	case m.queue <- svc.Clone():
		return nil
	default:
		m.metrics.TriggersDropped.Inc()
		m.logger.Warn("健康检查队列已满，丢弃按需检查", zap.String("service", svc.Name))
		return ErrQueueFull
	}
}

func (m *Monitor) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case svc := <-m.queue:
			m.Check(ctx, svc)
		}
	}
}

// Check 探测单个服务并记录结果。同一服务、同一检查地址同时只有一个探测在进行，
// 地址变更后的探测不会合并到旧地址的探测上
func (m *Monitor) Check(ctx context.Context, svc *model.Service) *model.HealthCheckResult {
	v, _, _ := m.group.Do(flightKey(svc), func() (interface{}, error) {
		result := m.prober.Probe(ctx, svc)
		if ctx.Err() != nil {
			// 停止过程中完成的探测不落盘
			return result, nil
		}
		m.record(ctx, svc, result)
		return result, nil
	})
	return v.(*model.HealthCheckResult)
}

func flightKey(svc *model.Service) string {
	return svc.Name + "\x00" + svc.HealthCheckURL
}

// record 先追加历史再覆盖缓存，历史写入失败时不更新缓存
func (m *Monitor) record(ctx context.Context, svc *model.Service, result *model.HealthCheckResult) {
	current, err := m.store.Get(ctx, svc.Name)
	if err != nil {
		m.logger.Error("读取服务失败，丢弃探测结果",
			zap.String("service", svc.Name),
			zap.Error(err))
		return
	}
	if current == nil {
		m.logger.Debug("服务已删除，丢弃探测结果", zap.String("service", svc.Name))
		return
	}
	if current.HealthCheckURL != svc.HealthCheckURL {
		m.logger.Debug("检查地址已变更，丢弃旧地址的探测结果",
			zap.String("service", svc.Name),
			zap.String("url", svc.HealthCheckURL))
		return
	}

	if err := m.store.AppendHealth(ctx, result); err != nil {
		if model.IsNotFound(err) {
			m.logger.Debug("服务已删除，丢弃探测结果", zap.String("service", result.ServiceName))
			return
		}
		m.logger.Error("写入健康历史失败",
			zap.String("service", result.ServiceName),
			zap.Error(err))
		return
	}

	m.metrics.RecordResult(result)

	h := result.Health()
	if err := m.cache.Set(ctx, result.ServiceName, &h, m.opts.CacheTTL); err != nil {
		m.logger.Warn("写入健康缓存失败",
			zap.String("service", result.ServiceName),
			zap.Error(err))
	}

	if result.Status == model.HealthStatusUnhealthy {
		m.logger.Warn("服务不健康",
			zap.String("service", result.ServiceName),
			zap.String("error", result.Error))
	}
}
