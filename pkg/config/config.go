// Package config 提供 TOML 配置加载、APP_ 前缀环境变量覆盖与校验
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/wyfcoding/depthbook/pkg/logger"
)

// Config 服务配置
type Config struct {
	// 服务名称
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
	// 环境：dev, staging, prod
	Environment string `mapstructure:"environment"`

	Depthbook DepthbookConfig `mapstructure:"depthbook"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Logger    logger.Config   `mapstructure:"logger"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

// DepthbookConfig 订单簿引擎配置
type DepthbookConfig struct {
	// 启动时注册的市场，运行期间不可增删
	Markets []uint16 `mapstructure:"markets"`
	// 每条入站队列的容量
	QueueCapacity int `mapstructure:"queue_capacity"`
	// 分派方式：global 或 per_market
	Dispatch string `mapstructure:"dispatch"`
	// 关闭时是否处理完已入队命令
	DrainOnShutdown bool          `mapstructure:"drain_on_shutdown"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// 快照发布深度与周期
	SnapshotDepth   int           `mapstructure:"snapshot_depth"`
	PublishInterval time.Duration `mapstructure:"publish_interval"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// 读写超时（秒）
	ReadTimeout  int `mapstructure:"read_timeout"`
	WriteTimeout int `mapstructure:"write_timeout"`
	// ?wait=true 时等待结果的最长时间
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
}

// Addr 监听地址
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GRPCConfig gRPC 服务配置
type GRPCConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	// 最大并发流数
	MaxConcurrentStreams uint32 `mapstructure:"max_concurrent_streams"`
}

func (c GRPCConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig 快照归档数据库配置
type DatabaseConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// 驱动：mysql, postgres
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	// 连接池
	MaxOpenConns    int `mapstructure:"max_open_conns"`
	MaxIdleConns    int `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int `mapstructure:"conn_max_lifetime"` // 秒
	// 是否启用 SQL 日志
	LogEnabled bool `mapstructure:"log_enabled"`
	// 慢查询阈值（毫秒）
	SlowQueryThreshold int `mapstructure:"slow_query_threshold"`
	// 启动时自动迁移表结构
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// RedisConfig Redis 快照缓存配置
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// 最大连接数
	MaxPoolSize int `mapstructure:"max_pool_size"`
	// 超时（秒）
	ConnTimeout  int `mapstructure:"conn_timeout"`
	ReadTimeout  int `mapstructure:"read_timeout"`
	WriteTimeout int `mapstructure:"write_timeout"`
	// 快照 key 过期时间
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
	// 入站命令 topic
	CommandTopic string `mapstructure:"command_topic"`
	// 事件输出 topic，为空则不发布事件到 Kafka
	EventTopic string `mapstructure:"event_topic"`
	// 死信 topic
	DLQTopic string `mapstructure:"dlq_topic"`
	// 事件异步缓冲大小
	EventBuffer int `mapstructure:"event_buffer"`
	// 会话超时（秒）
	SessionTimeout int `mapstructure:"session_timeout"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// RateLimitConfig HTTP 限流配置（按客户端令牌桶）
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Rate    float64 `mapstructure:"rate"` // 每秒令牌数
	Burst   int     `mapstructure:"burst"`
	// 空闲多久后回收客户端的限流器
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
}

// Load 从 TOML 文件加载配置，文件必须存在
func Load(configPath string) (*Config, error) {
	return load(configPath, true)
}

// LoadWithDefaults 文件不存在时仅使用默认值与环境变量
func LoadWithDefaults(configPath string) (*Config, error) {
	return load(configPath, false)
}

func load(configPath string, required bool) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if required || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// APP_DEPTHBOOK_QUEUE_CAPACITY 覆盖 depthbook.queue_capacity
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return errors.New("service_name is required")
	}
	if c.Environment == "" {
		c.Environment = "dev"
	}

	if len(c.Depthbook.Markets) == 0 {
		return errors.New("depthbook.markets must not be empty")
	}
	seen := make(map[uint16]struct{}, len(c.Depthbook.Markets))
	for _, m := range c.Depthbook.Markets {
		if _, dup := seen[m]; dup {
			return fmt.Errorf("depthbook.markets contains duplicate market %d", m)
		}
		seen[m] = struct{}{}
	}
	if c.Depthbook.QueueCapacity <= 0 {
		return fmt.Errorf("invalid depthbook.queue_capacity: %d", c.Depthbook.QueueCapacity)
	}
	switch c.Depthbook.Dispatch {
	case "global", "per_market":
	default:
		return fmt.Errorf("invalid depthbook.dispatch: %q", c.Depthbook.Dispatch)
	}
	if c.Depthbook.SnapshotDepth <= 0 {
		return fmt.Errorf("invalid depthbook.snapshot_depth: %d", c.Depthbook.SnapshotDepth)
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.GRPC.Enabled && (c.GRPC.Port <= 0 || c.GRPC.Port > 65535) {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPC.Port)
	}
	if c.Database.Enabled {
		if c.Database.DSN == "" {
			return fmt.Errorf("database DSN is required for %s driver", c.Database.Driver)
		}
		if c.Database.Driver != "mysql" && c.Database.Driver != "postgres" {
			return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
		}
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required when kafka is enabled")
	}
	if c.RateLimit.Enabled && (c.RateLimit.Rate <= 0 || c.RateLimit.Burst <= 0) {
		return errors.New("ratelimit.rate and ratelimit.burst must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "depthbook")
	v.SetDefault("environment", "dev")

	v.SetDefault("depthbook.markets", []uint16{1})
	v.SetDefault("depthbook.queue_capacity", 100_000)
	v.SetDefault("depthbook.dispatch", "global")
	v.SetDefault("depthbook.drain_on_shutdown", true)
	v.SetDefault("depthbook.shutdown_timeout", 10*time.Second)
	v.SetDefault("depthbook.snapshot_depth", 20)
	v.SetDefault("depthbook.publish_interval", time.Second)

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 30)
	v.SetDefault("http.write_timeout", 30)
	v.SetDefault("http.submit_timeout", 5*time.Second)

	v.SetDefault("grpc.enabled", true)
	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50051)
	v.SetDefault("grpc.max_concurrent_streams", 1000)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.log_enabled", false)
	v.SetDefault("database.slow_query_threshold", 1000)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_pool_size", 10)
	v.SetDefault("redis.conn_timeout", 5)
	v.SetDefault("redis.read_timeout", 3)
	v.SetDefault("redis.write_timeout", 3)
	v.SetDefault("redis.snapshot_ttl", time.Minute)
	v.SetDefault("redis.key_prefix", "depthbook:snapshot:")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "depthbook")
	v.SetDefault("kafka.command_topic", "depthbook.commands")
	v.SetDefault("kafka.event_topic", "depthbook.events")
	v.SetDefault("kafka.dlq_topic", "depthbook.commands.dlq")
	v.SetDefault("kafka.event_buffer", 4096)
	v.SetDefault("kafka.session_timeout", 10)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.file_path", "logs/depthbook.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 10)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.with_caller", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.rate", 200.0)
	v.SetDefault("ratelimit.burst", 400)
	v.SetDefault("ratelimit.idle_ttl", 10*time.Minute)
}

// GetEnv 获取环境变量，支持默认值
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
