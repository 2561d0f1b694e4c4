package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 存储驱动
const (
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
	StoreDriverEtcd     = "etcd"
	StoreDriverMemory   = "memory"
)

// 缓存驱动
const (
	CacheDriverRedis  = "redis"
	CacheDriverMemory = "memory"
)

// Config 应用程序配置结构
type Config struct {
	// HTTP API配置
	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`

	// 持久化存储配置
	Store struct {
		Driver string `mapstructure:"driver"` // "sqlite", "postgres", "etcd" 或 "memory"
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"store"`

	// etcd配置
	Etcd EtcdConfig `mapstructure:"etcd"`

	// 健康缓存配置
	Cache struct {
		Driver string `mapstructure:"driver"` // "redis" 或 "memory"
		TTL    int    `mapstructure:"ttl"`    // 秒
		Redis  struct {
			URL string `mapstructure:"url"`
		} `mapstructure:"redis"`
	} `mapstructure:"cache"`

	// 健康监控配置
	Monitor struct {
		Interval    int     `mapstructure:"interval"` // 秒
		Timeout     int     `mapstructure:"timeout"`  // 秒
		Concurrency int     `mapstructure:"concurrency"`
		Workers     int     `mapstructure:"workers"`
		QueueSize   int     `mapstructure:"queue_size"`
		ProbeRate   float64 `mapstructure:"probe_rate"` // 每秒最多发起的探测数，0表示不限制
	} `mapstructure:"monitor"`

	// 健康历史查询配置
	History struct {
		Window int `mapstructure:"window"` // 小时
		Limit  int `mapstructure:"limit"`
	} `mapstructure:"history"`

	// 鉴权配置
	Auth struct {
		APIKey string `mapstructure:"api_key"`
		Header string `mapstructure:"header"`
	} `mapstructure:"auth"`

	// DNS服务配置
	DNS struct {
		Enabled  bool     `mapstructure:"enabled"`
		Addr     string   `mapstructure:"addr"`
		Domain   string   `mapstructure:"domain"`
		TTL      uint32   `mapstructure:"ttl"`
		Upstream []string `mapstructure:"upstream"`
	} `mapstructure:"dns"`

	// 日志配置
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

// EtcdConfig etcd连接配置
type EtcdConfig struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Prefix         string        `mapstructure:"prefix"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.service-registry")
		v.AddConfigPath("/etc/service-registry")
	}
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		// 找不到配置文件时使用默认值，其他错误直接返回
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	v.SetEnvPrefix("SERVICE_REGISTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVariables(v); err != nil {
		return nil, fmt.Errorf("绑定环境变量错误: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)

	v.SetDefault("store.driver", StoreDriverSQLite)
	v.SetDefault("store.dsn", "service_registry.db")

	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.username", "")
	v.SetDefault("etcd.password", "")
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.request_timeout", 5*time.Second)
	v.SetDefault("etcd.prefix", "/service-registry")

	v.SetDefault("cache.driver", CacheDriverRedis)
	v.SetDefault("cache.ttl", 60)
	v.SetDefault("cache.redis.url", "redis://localhost:6379/1")

	v.SetDefault("monitor.interval", 30)
	v.SetDefault("monitor.timeout", 10)
	v.SetDefault("monitor.concurrency", 16)
	v.SetDefault("monitor.workers", 4)
	v.SetDefault("monitor.queue_size", 256)
	v.SetDefault("monitor.probe_rate", 0)

	v.SetDefault("history.window", 24)
	v.SetDefault("history.limit", 1000)

	v.SetDefault("auth.api_key", "default_api_key")
	v.SetDefault("auth.header", "X-API-Key")

	v.SetDefault("dns.enabled", false)
	v.SetDefault("dns.addr", ":5353")
	v.SetDefault("dns.domain", "registry.local")
	v.SetDefault("dns.ttl", 30)
	v.SetDefault("dns.upstream", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// bindEnvVariables 绑定不带前缀的兼容环境变量
func bindEnvVariables(v *viper.Viper) error {
	bindings := map[string][]string{
		"store.dsn":        {"SERVICE_REGISTRY_STORE_DSN", "DATABASE_URL"},
		"cache.redis.url":  {"SERVICE_REGISTRY_CACHE_REDIS_URL", "REDIS_URL"},
		"cache.ttl":        {"SERVICE_REGISTRY_CACHE_TTL", "CACHE_TTL"},
		"auth.api_key":     {"SERVICE_REGISTRY_AUTH_API_KEY", "API_KEY"},
		"monitor.interval": {"SERVICE_REGISTRY_MONITOR_INTERVAL", "HEALTH_CHECK_INTERVAL"},
		"log.level":        {"SERVICE_REGISTRY_LOG_LEVEL", "LOG_LEVEL"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return err
		}
	}
	return nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("无效的服务端口: %d", c.Server.Port)
	}

	switch c.Store.Driver {
	case StoreDriverSQLite, StoreDriverPostgres, StoreDriverEtcd, StoreDriverMemory:
	default:
		return fmt.Errorf("不支持的存储驱动: %s", c.Store.Driver)
	}

	switch c.Cache.Driver {
	case CacheDriverRedis, CacheDriverMemory:
	default:
		return fmt.Errorf("不支持的缓存驱动: %s", c.Cache.Driver)
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("缓存TTL必须大于0: %d", c.Cache.TTL)
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("健康检查间隔必须大于0: %d", c.Monitor.Interval)
	}
	if c.Monitor.Timeout <= 0 {
		return fmt.Errorf("健康检查超时必须大于0: %d", c.Monitor.Timeout)
	}
	if c.Monitor.Concurrency <= 0 || c.Monitor.Workers <= 0 || c.Monitor.QueueSize <= 0 {
		return fmt.Errorf("监控并发数、工作协程数和队列长度必须大于0")
	}
	if c.Monitor.ProbeRate < 0 {
		return fmt.Errorf("探测速率不能为负数: %v", c.Monitor.ProbeRate)
	}
	if c.History.Window <= 0 || c.History.Limit <= 0 {
		return fmt.Errorf("历史窗口和条数上限必须大于0")
	}
	if c.Auth.APIKey == "" {
		return fmt.Errorf("API密钥不能为空")
	}
	return nil
}

// Addr 返回HTTP监听地址
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// CacheTTL 返回健康缓存有效期
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTL) * time.Second
}

// MonitorInterval 返回两轮健康检查之间的间隔
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Monitor.Interval) * time.Second
}

// ProbeTimeout 返回单次探测超时
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Monitor.Timeout) * time.Second
}

// HistoryWindow 返回默认的历史查询窗口
func (c *Config) HistoryWindow() time.Duration {
	return time.Duration(c.History.Window) * time.Hour
}

// GetDefaultConfigPath 返回默认配置文件路径
func GetDefaultConfigPath() string {
	paths := []string{
		"./config.yaml",
		"./configs/config.yaml",
		os.Getenv("HOME") + "/.service-registry/config.yaml",
		"/etc/service-registry/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
