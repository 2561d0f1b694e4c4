package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/hewenyu/service-registry/internal/config"
	"github.com/hewenyu/service-registry/internal/core/model"
)

// serviceRecord services表
type serviceRecord struct {
	ID             uint           `gorm:"primaryKey"`
	Name           string         `gorm:"size:255;not null;uniqueIndex"`
	Host           string         `gorm:"size:255;not null"`
	Port           int            `gorm:"not null"`
	Path           string         `gorm:"size:255;not null;default:/"`
	HealthCheckURL string         `gorm:"size:500"`
	Tags           []string       `gorm:"type:text;serializer:json"`
	Metadata       map[string]any `gorm:"type:text;serializer:json"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (serviceRecord) TableName() string {
	return "services"
}

// healthCheckRecord health_checks表
type healthCheckRecord struct {
	ID           uint      `gorm:"primaryKey"`
	ServiceName  string    `gorm:"size:255;not null;index:idx_health_checks_service_checked,priority:1"`
	Status       string    `gorm:"size:20;not null"`
	ResponseTime *float64
	Error        string    `gorm:"type:text"`
	CheckedAt    time.Time `gorm:"not null;index:idx_health_checks_service_checked,priority:2"`
}

func (healthCheckRecord) TableName() string {
	return "health_checks"
}

// GormStore 基于gorm的关系型存储，支持SQLite和PostgreSQL
type GormStore struct {
	db *gorm.DB
}

// OpenGormStore 打开数据库并自动建表
func OpenGormStore(ctx context.Context, driver, dsn string, logger config.Logger) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case config.StoreDriverSQLite:
		dialector = sqlite.Open(dsn)
	case config.StoreDriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  newGormLogger(logger, 200*time.Millisecond),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	if driver == config.StoreDriverSQLite {
		// SQLite同一时间只允许一个写入者
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}

	store := NewGormStore(db)
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}

	logger.Info("数据库已连接", zap.String("driver", driver))
	return store, nil
}

// NewGormStore 使用已打开的数据库创建存储
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate 创建或更新表结构
func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&serviceRecord{}, &healthCheckRecord{}); err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}
	return nil
}

// Upsert 插入或更新服务
func (s *GormStore) Upsert(ctx context.Context, svc *model.Service) (bool, error) {
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing serviceRecord
		err := tx.Where("name = ?", svc.Name).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			created = true
			rec := toServiceRecord(svc)
			// 并发注册同名服务时退化为更新
			err = tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "name"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"host", "port", "path", "health_check_url", "tags", "metadata", "updated_at",
				}),
			}).Create(rec).Error
			if err != nil {
				return err
			}
			svc.CreatedAt, svc.UpdatedAt = rec.CreatedAt, rec.UpdatedAt
			return nil
		case err != nil:
			return err
		}

		rec := toServiceRecord(svc)
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
		if err := tx.Save(rec).Error; err != nil {
			return err
		}
		svc.CreatedAt, svc.UpdatedAt = rec.CreatedAt, rec.UpdatedAt
		return nil
	})
	if err != nil {
		return false, backendError("保存服务失败", err)
	}
	return created, nil
}

// Get 获取服务
func (s *GormStore) Get(ctx context.Context, name string) (*model.Service, error) {
	var rec serviceRecord
	err := s.db.WithContext(ctx).Where("name = ?", name).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, backendError("查询服务失败", err)
	}
	return rec.toModel(), nil
}

// Delete 删除服务及其健康历史
func (s *GormStore) Delete(ctx context.Context, name string) (bool, error) {
	existed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 先删服务行，等待持有共享锁的AppendHealth提交后再删历史
		res := tx.Where("name = ?", name).Delete(&serviceRecord{})
		if res.Error != nil {
			return res.Error
		}
		existed = res.RowsAffected > 0
		return tx.Where("service_name = ?", name).Delete(&healthCheckRecord{}).Error
	})
	if err != nil {
		return false, backendError("删除服务失败", err)
	}
	return existed, nil
}

// List 返回满足条件的服务
func (s *GormStore) List(ctx context.Context, filter model.ServiceFilter) ([]*model.Service, error) {
	q := s.db.WithContext(ctx).Order("name")
	if filter.NamePattern != "" {
		q = q.Where("LOWER(name) LIKE ? ESCAPE '\\'", "%"+escapeLike(strings.ToLower(filter.NamePattern))+"%")
	}

	var recs []serviceRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, backendError("查询服务列表失败", err)
	}

	result := make([]*model.Service, 0, len(recs))
	for i := range recs {
		svc := recs[i].toModel()
		if svc.HasAllTags(filter.Tags) {
			result = append(result, svc)
		}
	}
	return result, nil
}

// Count 返回服务数量
func (s *GormStore) Count(ctx context.Context) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&serviceRecord{}).Count(&n).Error; err != nil {
		return 0, backendError("统计服务数量失败", err)
	}
	return int(n), nil
}

// AppendHealth 追加探测结果
func (s *GormStore) AppendHealth(ctx context.Context, result *model.HealthCheckResult) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 共享锁住服务行直到提交，并发的Delete无法在检查和插入之间删除服务
		var svc serviceRecord
		err := s.lockShared(tx).Select("id").Where("name = ?", result.ServiceName).Take(&svc).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.NewNotFoundError("服务不存在: " + result.ServiceName)
		}
		if err != nil {
			return err
		}
		return tx.Create(&healthCheckRecord{
			ServiceName:  result.ServiceName,
			Status:       string(result.Status),
			ResponseTime: result.ResponseTime,
			Error:        result.Error,
			CheckedAt:    result.CheckedAt.UTC(),
		}).Error
	})
	if err != nil {
		if model.IsNotFound(err) {
			return err
		}
		return backendError("写入健康历史失败", err)
	}
	return nil
}

// lockShared 在支持行锁的数据库上加 FOR SHARE，SQLite只有一个连接，事务本身已串行
func (s *GormStore) lockShared(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == config.StoreDriverSQLite {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "SHARE"})
}

// LatestHealth 返回最新的探测结果
func (s *GormStore) LatestHealth(ctx context.Context, name string) (*model.HealthCheckResult, error) {
	var rec healthCheckRecord
	err := s.db.WithContext(ctx).
		Where("service_name = ?", name).
		Order("checked_at DESC, id DESC").
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, backendError("查询最新健康状态失败", err)
	}
	return rec.toModel(), nil
}

// QueryHealth 返回时间窗口内的探测结果
func (s *GormStore) QueryHealth(ctx context.Context, name string, since time.Time, limit int) ([]*model.HealthCheckResult, error) {
	q := s.db.WithContext(ctx).
		Where("service_name = ? AND checked_at >= ?", name, since.UTC()).
		Order("checked_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var recs []healthCheckRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, backendError("查询健康历史失败", err)
	}

	result := make([]*model.HealthCheckResult, 0, len(recs))
	for i := range recs {
		result = append(result, recs[i].toModel())
	}
	return result, nil
}

// Ping 检查数据库连接
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return backendError("获取数据库连接失败", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return backendError("数据库不可用", err)
	}
	return nil
}

// Close 关闭数据库连接
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toServiceRecord(svc *model.Service) *serviceRecord {
	return &serviceRecord{
		Name:           svc.Name,
		Host:           svc.Host,
		Port:           svc.Port,
		Path:           svc.Path,
		HealthCheckURL: svc.HealthCheckURL,
		Tags:           svc.Tags,
		Metadata:       svc.Metadata,
	}
}

func (r *serviceRecord) toModel() *model.Service {
	svc := &model.Service{
		Name:           r.Name,
		Host:           r.Host,
		Port:           r.Port,
		Path:           r.Path,
		HealthCheckURL: r.HealthCheckURL,
		Tags:           r.Tags,
		Metadata:       r.Metadata,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	if svc.Tags == nil {
		svc.Tags = []string{}
	}
	if svc.Metadata == nil {
		svc.Metadata = map[string]any{}
	}
	return svc
}

func (r *healthCheckRecord) toModel() *model.HealthCheckResult {
	return &model.HealthCheckResult{
		ServiceName:  r.ServiceName,
		Status:       model.HealthStatus(r.Status),
		ResponseTime: r.ResponseTime,
		Error:        r.Error,
		CheckedAt:    r.CheckedAt.UTC(),
	}
}

// escapeLike 转义LIKE中的通配符，使名称按字面匹配
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// gormLogger 将gorm日志输出到zap
type gormLogger struct {
	logger        config.Logger
	level         gormlogger.LogLevel
	slowThreshold time.Duration
}

func newGormLogger(logger config.Logger, slowThreshold time.Duration) gormlogger.Interface {
	return &gormLogger{
		logger:        logger.With(zap.String("component", "gorm")),
		level:         gormlogger.Warn,
		slowThreshold: slowThreshold,
	}
}

func (l *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	return &gormLogger{logger: l.logger, level: level, slowThreshold: l.slowThreshold}
}

func (l *gormLogger) Info(_ context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Info {
		l.logger.Info(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Warn(_ context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.logger.Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Error(_ context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Error {
		l.logger.Error(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		sql, rows := fc()
		l.logger.Error("SQL执行失败", zap.String("sql", sql), zap.Int64("rows", rows),
			zap.Duration("duration", elapsed), zap.Error(err))
	case elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		sql, rows := fc()
		l.logger.Warn("慢查询", zap.String("sql", sql), zap.Int64("rows", rows),
			zap.Duration("duration", elapsed))
	case l.level >= gormlogger.Info:
		sql, rows := fc()
		l.logger.Debug("SQL", zap.String("sql", sql), zap.Int64("rows", rows),
			zap.Duration("duration", elapsed))
	}
}
