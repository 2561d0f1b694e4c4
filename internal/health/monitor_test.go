package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/service-registry/internal/cache"
	"github.com/hewenyu/service-registry/internal/config"
	"github.com/hewenyu/service-registry/internal/core/model"
	"github.com/hewenyu/service-registry/internal/metrics"
	"github.com/hewenyu/service-registry/internal/store/service"
)

// flakyStore 在failList为true时枚举失败
type flakyStore struct {
	*service.MemoryStore
	failList atomic.Bool
}

func (s *flakyStore) List(ctx context.Context, filter model.ServiceFilter) ([]*model.Service, error) {
	if s.failList.Load() {
		return nil, model.NewBackendUnavailableError("存储不可用", errors.New("connection refused"))
	}
	return s.MemoryStore.List(ctx, filter)
}

type monitorFixture struct {
	store   *flakyStore
	cache   *cache.MemoryCache
	metrics *metrics.Metrics
	monitor *Monitor
}

func newMonitorFixture(t *testing.T, opts Options) *monitorFixture {
	t.Helper()

	store := &flakyStore{MemoryStore: service.NewMemoryStore()}
	c := cache.NewMemoryCache()
	t.Cleanup(func() { c.Close() })
	m := metrics.New()
	prober := NewProber(time.Second, 0, m, config.NewNopLogger())

	return &monitorFixture{
		store:   store,
		cache:   c,
		metrics: m,
		monitor: NewMonitor(store, c, prober, m, config.NewNopLogger(), opts),
	}
}

func (f *monitorFixture) register(t *testing.T, name, url string) *model.Service {
	t.Helper()
	svc := &model.Service{Name: name, Host: "127.0.0.1", Port: 80, HealthCheckURL: url}
	svc.Normalize()
	_, err := f.store.Upsert(context.Background(), svc)
	require.NoError(t, err)
	return svc
}

func (f *monitorFixture) historyLen(name string) int {
	rows, _ := f.store.QueryHealth(context.Background(), name, time.Time{}, 0)
	return len(rows)
}

func TestRunOnceRecordsEveryService(t *testing.T) {
	healthy := statusServer(t, http.StatusOK, nil)
	broken := statusServer(t, http.StatusInternalServerError, nil)
	f := newMonitorFixture(t, Options{CacheTTL: time.Minute})

	f.register(t, "api", healthy.URL)
	f.register(t, "billing", broken.URL)
	f.register(t, "batch", "")

	require.NoError(t, f.monitor.RunOnce(context.Background()))

	ctx := context.Background()
	for name, want := range map[string]model.HealthStatus{
		"api":     model.HealthStatusHealthy,
		"billing": model.HealthStatusUnhealthy,
		"batch":   model.HealthStatusUnknown,
	} {
		latest, err := f.store.LatestHealth(ctx, name)
		require.NoError(t, err)
		require.NotNil(t, latest, "每次探测都应写入历史: %s", name)
		assert.Equal(t, want, latest.Status, name)

		cached, err := f.cache.Get(ctx, name)
		require.NoError(t, err)
		require.NotNil(t, cached, "每次探测都应覆盖缓存: %s", name)
		assert.Equal(t, want, cached.Status, name)
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.ServicesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.HealthCheckFailures.WithLabelValues("billing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MonitorCycles))
}

func TestRunOnceEnumerationFailure(t *testing.T) {
	f := newMonitorFixture(t, Options{})
	f.store.failList.Store(true)

	err := f.monitor.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, model.IsBackendUnavailable(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MonitorCycleErrors))
}

func TestLoopSurvivesEnumerationFailure(t *testing.T) {
	srv := statusServer(t, http.StatusOK, nil)
	f := newMonitorFixture(t, Options{Interval: 20 * time.Millisecond})
	f.register(t, "api", srv.URL)
	f.store.failList.Store(true)

	require.NoError(t, f.monitor.Start(context.Background()))
	defer f.monitor.Stop(context.Background())

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.MonitorCycleErrors) >= 2
	}, time.Second, 5*time.Millisecond, "枚举失败后应在下一轮重试")

	f.store.failList.Store(false)
	assert.Eventually(t, func() bool {
		return f.historyLen("api") > 0
	}, time.Second, 5*time.Millisecond, "存储恢复后应继续探测")
}

func TestRunOnceBoundsConcurrency(t *testing.T) {
	var inFlight, maxInFlight int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxInFlight)
			if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
	}))
	defer srv.Close()

	f := newMonitorFixture(t, Options{Concurrency: 2})
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		f.register(t, name, srv.URL+"/"+name)
	}

	require.NoError(t, f.monitor.RunOnce(context.Background()))

	assert.LessOrEqual(t, atomic.LoadInt32(&maxInFlight), int32(2), "并发探测数不应超过上限")
	assert.Equal(t, int32(2), atomic.LoadInt32(&maxInFlight), "应并行探测")
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		assert.Equal(t, 1, f.historyLen(name))
	}
}

func TestTriggerProbesAsynchronously(t *testing.T) {
	srv := statusServer(t, http.StatusOK, nil)
	f := newMonitorFixture(t, Options{Interval: time.Hour})
	svc := f.register(t, "api", srv.URL)

	require.NoError(t, f.monitor.Start(context.Background()))
	defer f.monitor.Stop(context.Background())

	// 启动时的第一轮检查
	assert.Eventually(t, func() bool { return f.historyLen("api") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.monitor.Trigger(svc))
	assert.Eventually(t, func() bool { return f.historyLen("api") == 2 }, time.Second, 5*time.Millisecond,
		"按需检查应追加一条历史")
}

func TestTriggerQueueFull(t *testing.T) {
	f := newMonitorFixture(t, Options{QueueSize: 1})
	svc := &model.Service{Name: "api"}

	require.NoError(t, f.monitor.Trigger(svc))
	err := f.monitor.Trigger(svc)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.True(t, model.IsBackendUnavailable(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TriggersDropped))
}

func TestCheckDeletedServiceLeavesNoState(t *testing.T) {
	srv := statusServer(t, http.StatusOK, nil)
	f := newMonitorFixture(t, Options{})

	result := f.monitor.Check(context.Background(), &model.Service{Name: "ghost", HealthCheckURL: srv.URL})
	assert.Equal(t, model.HealthStatusHealthy, result.Status)

	cached, err := f.cache.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, cached, "服务不存在时不应写缓存")
	assert.Equal(t, 0, f.historyLen("ghost"))
}

func TestCheckCoalescesConcurrentProbes(t *testing.T) {
	var hits int32
	gate := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-gate
	}))
	defer srv.Close()

	f := newMonitorFixture(t, Options{})
	svc := f.register(t, "api", srv.URL)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.monitor.Check(context.Background(), svc)
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&hits) == 1 }, time.Second, time.Millisecond)
	go func() {
		defer wg.Done()
		f.monitor.Check(context.Background(), svc)
	}()
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "同一服务同时只应有一个探测")
	assert.Equal(t, 1, f.historyLen("api"))
}

func TestCheckAfterURLChangeProbesNewURL(t *testing.T) {
	gate := make(chan struct{})
	var oldHits, newHits int32
	oldSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&oldHits, 1)
		<-gate
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer oldSrv.Close()
	newSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&newHits, 1)
	}))
	defer newSrv.Close()

	f := newMonitorFixture(t, Options{})
	old := f.register(t, "api", oldSrv.URL)

	done := make(chan *model.HealthCheckResult, 1)
	go func() { done <- f.monitor.Check(context.Background(), old) }()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&oldHits) == 1 }, time.Second, time.Millisecond)

	// 旧地址的探测仍在进行时重新注册
	updated := f.register(t, "api", newSrv.URL)
	result := f.monitor.Check(context.Background(), updated)
	assert.Equal(t, model.HealthStatusHealthy, result.Status, "新地址应被立即探测")
	assert.Equal(t, int32(1), atomic.LoadInt32(&newHits))

	close(gate)
	oldResult := <-done
	assert.Equal(t, model.HealthStatusUnhealthy, oldResult.Status)

	cached, err := f.cache.Get(context.Background(), "api")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, model.HealthStatusHealthy, cached.Status, "旧地址的结果不应覆盖缓存")
	assert.Equal(t, 1, f.historyLen("api"), "旧地址的结果不应写入历史")
}

func TestCheckAfterURLRemovedReportsUnknown(t *testing.T) {
	gate := make(chan struct{})
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-gate
	}))
	defer srv.Close()

	f := newMonitorFixture(t, Options{})
	old := f.register(t, "api", srv.URL)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.monitor.Check(context.Background(), old)
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&hits) == 1 }, time.Second, time.Millisecond)

	updated := f.register(t, "api", "")
	result := f.monitor.Check(context.Background(), updated)
	assert.Equal(t, model.HealthStatusUnknown, result.Status, "去掉检查地址后应立即为unknown")

	close(gate)
	<-done

	cached, err := f.cache.Get(context.Background(), "api")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, model.HealthStatusUnknown, cached.Status)
}

func TestDiscardedResultsAreNotCounted(t *testing.T) {
	srv := statusServer(t, http.StatusInternalServerError, nil)
	f := newMonitorFixture(t, Options{})

	result := f.monitor.Check(context.Background(), &model.Service{Name: "ghost", HealthCheckURL: srv.URL})
	assert.Equal(t, model.HealthStatusUnhealthy, result.Status)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.HealthCheckFailures.WithLabelValues("ghost")),
		"未落盘的结果不计入失败次数")
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.HealthCheckResults.WithLabelValues("unhealthy")))
}

func TestStartStop(t *testing.T) {
	f := newMonitorFixture(t, Options{Interval: time.Hour})

	require.NoError(t, f.monitor.Start(context.Background()))
	assert.Error(t, f.monitor.Start(context.Background()), "重复启动应返回错误")
	assert.Eventually(t, func() bool { return f.monitor.State() == StateSleeping }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.monitor.Stop(ctx))
	assert.Equal(t, StateIdle, f.monitor.State())
	require.NoError(t, f.monitor.Stop(ctx), "重复停止应无副作用")
	assert.Equal(t, "idle", f.monitor.State().String())
}

func TestStopDiscardsInFlightProbe(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := newMonitorFixture(t, Options{Interval: time.Hour})
	f.register(t, "api", srv.URL)

	require.NoError(t, f.monitor.Start(context.Background()))
	assert.Eventually(t, func() bool { return f.monitor.State() == StateProbing }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.monitor.Stop(ctx), "停止应中断进行中的探测")
	assert.Equal(t, 0, f.historyLen("api"), "取消的探测不应写入历史")
}
