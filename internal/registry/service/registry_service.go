package service

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hewenyu/service-registry/internal/cache"
	"github.com/hewenyu/service-registry/internal/config"
	"github.com/hewenyu/service-registry/internal/core/model"
	"github.com/hewenyu/service-registry/internal/metrics"
	serviceStore "github.com/hewenyu/service-registry/internal/store/service"
)

// 解析健康信息时的最大并发数
const resolveConcurrency = 16

// RegistryService 提供服务注册和健康查询相关的业务逻辑
type RegistryService interface {
	// Register 校验并注册服务，同名服务原地更新，随后异步触发一次探测
	Register(ctx context.Context, req *model.ServiceRegistrationRequest) (*model.ServiceRegistrationResponse, error)

	// List 返回满足条件的服务及其健康信息
	List(ctx context.Context, query *model.ServiceQuery) ([]*model.ServiceStatus, error)

	// Get 返回单个服务及其健康信息
	Get(ctx context.Context, name string) (*model.ServiceStatus, error)

	// Delete 删除服务、健康历史和缓存
	Delete(ctx context.Context, name string) error

	// TriggerCheck 异步触发一次探测
	TriggerCheck(ctx context.Context, name string) error

	// History 返回时间窗口内的健康历史，window<=0时使用默认窗口
	History(ctx context.Context, name string, window time.Duration) (*model.HealthHistory, error)

	// ResolveHealth 按缓存、最新历史、unknown的顺序解析服务健康信息
	ResolveHealth(ctx context.Context, name string) (model.Health, error)
}

// Scheduler 接收异步探测请求
type Scheduler interface {
	Trigger(svc *model.Service) error
}

// Options 业务参数
type Options struct {
	HistoryWindow time.Duration
	HistoryLimit  int
}

// registryService 实现 RegistryService 接口
type registryService struct {
	store     serviceStore.Store
	cache     cache.HealthCache
	scheduler Scheduler
	metrics   *metrics.Metrics
	logger    config.Logger
	validate  *validator.Validate
	opts      Options
}

// NewRegistryService 创建注册中心业务服务
func NewRegistryService(store serviceStore.Store, healthCache cache.HealthCache, scheduler Scheduler,
	m *metrics.Metrics, logger config.Logger, opts Options) RegistryService {
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 24 * time.Hour
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 1000
	}

	return &registryService{
		store:     store,
		cache:     healthCache,
		scheduler: scheduler,
		metrics:   m,
		logger:    logger,
		validate:  NewValidator(),
		opts:      opts,
	}
}

// NewValidator 创建使用json字段名报告错误的校验器
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"json", "query"} {
			name := strings.SplitN(f.Tag.Get(tag), ",", 2)[0]
			if name != "" && name != "-" {
				return name
			}
		}
		return f.Name
	})
	return v
}

// Register 注册服务
func (s *registryService) Register(ctx context.Context, req *model.ServiceRegistrationRequest) (*model.ServiceRegistrationResponse, error) {
	if req == nil {
		return nil, model.NewValidationError("请求体不能为空")
	}
	req.Normalize()
	if err := s.validateStruct(req); err != nil {
		return nil, err
	}

	svc := req.ToService()
	created, err := s.store.Upsert(ctx, svc)
	if err != nil {
		return nil, fmt.Errorf("注册服务失败: %w", err)
	}

	if created {
		// 清除同名服务被删除前可能残留的缓存
		if err := s.cache.Invalidate(ctx, svc.Name); err != nil {
			s.logger.Warn("清除健康缓存失败", zap.String("service", svc.Name), zap.Error(err))
		}
	}
	s.refreshServiceCount(ctx)

	if err := s.scheduler.Trigger(svc); err != nil {
		s.logger.Warn("注册后触发健康检查失败", zap.String("service", svc.Name), zap.Error(err))
	}

	s.logger.Info("服务已注册",
		zap.String("service", svc.Name),
		zap.String("host", svc.Host),
		zap.Int("port", svc.Port),
		zap.Bool("created", created))

	return &model.ServiceRegistrationResponse{
		Name:      svc.Name,
		Created:   created,
		UpdatedAt: svc.UpdatedAt,
	}, nil
}

// List 返回服务列表，状态过滤在解析健康信息之后进行
func (s *registryService) List(ctx context.Context, query *model.ServiceQuery) ([]*model.ServiceStatus, error) {
	if query == nil {
		query = &model.ServiceQuery{}
	}
	if err := s.validateStruct(query); err != nil {
		return nil, err
	}

	services, err := s.store.List(ctx, query.Filter())
	if err != nil {
		return nil, fmt.Errorf("查询服务列表失败: %w", err)
	}

	statuses := make([]*model.ServiceStatus, len(services))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveConcurrency)
	for i, svc := range services {
		i, svc := i, svc
		g.Go(func() error {
			h, err := s.ResolveHealth(gctx, svc.Name)
			if err != nil {
				return err
			}
			statuses[i] = &model.ServiceStatus{Service: *svc, Health: h}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if query.Status == "" {
		return statuses, nil
	}
	want := model.HealthStatus(query.Status)
	filtered := make([]*model.ServiceStatus, 0, len(statuses))
	for _, st := range statuses {
		if st.Status == want {
			filtered = append(filtered, st)
		}
	}
	return filtered, nil
}

// Get 返回单个服务
func (s *registryService) Get(ctx context.Context, name string) (*model.ServiceStatus, error) {
	svc, err := s.mustGet(ctx, name)
	if err != nil {
		return nil, err
	}

	h, err := s.ResolveHealth(ctx, name)
	if err != nil {
		return nil, err
	}
	return &model.ServiceStatus{Service: *svc, Health: h}, nil
}

// Delete 删除服务
func (s *registryService) Delete(ctx context.Context, name string) error {
	existed, err := s.store.Delete(ctx, name)
	if err != nil {
		return fmt.Errorf("删除服务失败: %w", err)
	}
	if !existed {
		return model.NewNotFoundError("服务不存在: " + name)
	}

	if err := s.cache.Invalidate(ctx, name); err != nil {
		return fmt.Errorf("清除健康缓存失败: %w", err)
	}
	s.metrics.ForgetService(name)
	s.refreshServiceCount(ctx)

	s.logger.Info("服务已删除", zap.String("service", name))
	return nil
}

// TriggerCheck 异步触发一次探测
func (s *registryService) TriggerCheck(ctx context.Context, name string) error {
	svc, err := s.mustGet(ctx, name)
	if err != nil {
		return err
	}

	if err := s.scheduler.Trigger(svc); err != nil {
		return fmt.Errorf("触发健康检查失败: %w", err)
	}
	s.logger.Debug("已触发健康检查", zap.String("service", name))
	return nil
}

// History 返回健康历史，未注册的服务返回NotFound，窗口内没有记录时返回空列表
func (s *registryService) History(ctx context.Context, name string, window time.Duration) (*model.HealthHistory, error) {
	if window <= 0 {
		window = s.opts.HistoryWindow
	}
	if _, err := s.mustGet(ctx, name); err != nil {
		return nil, err
	}

	rows, err := s.store.QueryHealth(ctx, name, time.Now().Add(-window), s.opts.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("查询健康历史失败: %w", err)
	}

	return &model.HealthHistory{
		Service: name,
		History: rows,
		Count:   len(rows),
	}, nil
}

// ResolveHealth 是唯一的健康信息读取路径
func (s *registryService) ResolveHealth(ctx context.Context, name string) (model.Health, error) {
	cached, err := s.cache.Get(ctx, name)
	if err != nil {
		return model.Health{}, fmt.Errorf("读取健康缓存失败: %w", err)
	}
	if cached != nil {
		return *cached, nil
	}

	latest, err := s.store.LatestHealth(ctx, name)
	if err != nil {
		return model.Health{}, fmt.Errorf("读取最新健康状态失败: %w", err)
	}
	if latest != nil {
		return latest.Health(), nil
	}

	return model.UnknownHealth(), nil
}

func (s *registryService) mustGet(ctx context.Context, name string) (*model.Service, error) {
	svc, err := s.store.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("查询服务失败: %w", err)
	}
	if svc == nil {
		return nil, model.NewNotFoundError("服务不存在: " + name)
	}
	return svc, nil
}

func (s *registryService) refreshServiceCount(ctx context.Context) {
	n, err := s.store.Count(ctx)
	if err != nil {
		s.logger.Warn("统计服务数量失败", zap.Error(err))
		return
	}
	s.metrics.SetServices(n)
}

func (s *registryService) validateStruct(v interface{}) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return model.NewValidationError(err.Error())
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
		}
	}
	return model.NewValidationError("参数校验失败: " + strings.Join(msgs, "; "))
}
