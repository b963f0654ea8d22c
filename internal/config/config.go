package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"wisefido-scada/internal/validator"
	"wisefido-scada/owl-common/config"

	"gopkg.in/yaml.v3"
)

// Config SCADA 采集服务配置
type Config struct {
	Registry   config.DatabaseConfig // 主注册库
	TenantPool config.PoolConfig     // 每个租户库的连接池
	Redis      config.RedisConfig
	NATS       config.NATSConfig

	// 聚合（刷新）配置
	Ingest struct {
		FlushIntervalMs int // 定时刷新间隔（毫秒），默认 5000
		MaxBufferSize   int // 达到该读数数量立即刷新，默认 10000
		FlushTimeout    time.Duration
	}

	// 发现与会话配置
	Router struct {
		PollInterval          time.Duration // 拉取型协议默认轮询间隔
		PushDrainInterval     time.Duration // 推送型协议取缓冲间隔
		RediscoveryInterval   time.Duration
		ConnectMaxAttempts    int
		ConnectInitialBackoff time.Duration
		ConnectMaxBackoff     time.Duration
		DegradedCooldown      time.Duration
		MaxPollFailures       int
	}

	// 校验配置，量程来自规则文件
	Validation struct {
		DuplicateWindow   time.Duration
		AnomalyZThreshold float64
		AnomalyMinSamples int
		AnomalyWindow     int
		RulesFile         string
	}

	Writer struct {
		MaxAttempts    int
		InitialBackoff time.Duration
		MaxBackoff     time.Duration
	}

	Spillover struct {
		Path           string
		ReplayInterval time.Duration
	}

	// 下游广播
	Broadcast struct {
		Transport    string // redis | redis-stream | nats
		QueueSize    int
		Workers      int
		StreamMaxLen int64
	}

	Health struct {
		MirrorTTL time.Duration
	}

	// 时序表策略，迁移命令使用
	Schema struct {
		ChunkInterval time.Duration
		CompressAfter time.Duration
		RawRetention  time.Duration
	}

	HTTP struct {
		Addr string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	cfg := &Config{}
	p := &envParser{}

	// 主注册库
	cfg.Registry = config.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "scada_registry",
		SSLMode:  "disable",
		MaxConns: 5,
		MaxIdle:  2,
	}
	cfg.Registry.LoadFromEnv("REGISTRY_DB")

	cfg.TenantPool.MaxOpenConns = p.int("TENANT_DB_MAX_OPEN", 5)
	cfg.TenantPool.MaxIdleConns = p.int("TENANT_DB_MAX_IDLE", 2)
	cfg.TenantPool.ConnMaxLifetime = p.duration("TENANT_DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.TenantPool.PingTimeout = p.duration("TENANT_DB_PING_TIMEOUT", 5*time.Second)

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.NATS.URL = "nats://localhost:4222"
	cfg.NATS.Name = "wisefido-scada"
	cfg.NATS.MaxReconnects = 60
	cfg.NATS.LoadFromEnv("NATS")

	cfg.Ingest.FlushIntervalMs = p.int("FLUSH_INTERVAL_MS", 5000)
	cfg.Ingest.MaxBufferSize = p.int("MAX_BUFFER_SIZE", 10000)
	cfg.Ingest.FlushTimeout = p.duration("FLUSH_TIMEOUT", 2*time.Minute)

	cfg.Router.PollInterval = p.duration("POLL_INTERVAL", 5*time.Second)
	cfg.Router.PushDrainInterval = p.duration("PUSH_DRAIN_INTERVAL", time.Second)
	cfg.Router.RediscoveryInterval = p.duration("REDISCOVERY_INTERVAL", time.Minute)
	cfg.Router.ConnectMaxAttempts = p.int("CONNECT_MAX_ATTEMPTS", 5)
	cfg.Router.ConnectInitialBackoff = p.duration("CONNECT_INITIAL_BACKOFF", time.Second)
	cfg.Router.ConnectMaxBackoff = p.duration("CONNECT_MAX_BACKOFF", 30*time.Second)
	cfg.Router.DegradedCooldown = p.duration("DEGRADED_COOLDOWN", time.Minute)
	cfg.Router.MaxPollFailures = p.int("MAX_POLL_FAILURES", 3)

	cfg.Validation.DuplicateWindow = p.duration("DUPLICATE_WINDOW", 60*time.Second)
	cfg.Validation.AnomalyZThreshold = p.float("ANOMALY_Z_THRESHOLD", 4)
	cfg.Validation.AnomalyMinSamples = p.int("ANOMALY_MIN_SAMPLES", 30)
	cfg.Validation.AnomalyWindow = p.int("ANOMALY_WINDOW", 120)
	cfg.Validation.RulesFile = getEnv("VALIDATION_RULES_FILE", "")

	cfg.Writer.MaxAttempts = p.int("WRITE_MAX_ATTEMPTS", 5)
	cfg.Writer.InitialBackoff = p.duration("WRITE_INITIAL_BACKOFF", 200*time.Millisecond)
	cfg.Writer.MaxBackoff = p.duration("WRITE_MAX_BACKOFF", 10*time.Second)

	cfg.Spillover.Path = getEnv("SPILLOVER_PATH", "./data/spillover.db")
	cfg.Spillover.ReplayInterval = p.duration("SPILLOVER_REPLAY_INTERVAL", 30*time.Second)

	cfg.Broadcast.Transport = strings.ToLower(getEnv("BROADCAST_TRANSPORT", "redis"))
	cfg.Broadcast.QueueSize = p.int("BROADCAST_QUEUE_SIZE", 10000)
	cfg.Broadcast.Workers = p.int("BROADCAST_WORKERS", 4)
	cfg.Broadcast.StreamMaxLen = int64(p.int("BROADCAST_STREAM_MAXLEN", 100000))

	cfg.Health.MirrorTTL = p.duration("HEALTH_MIRROR_TTL", 5*time.Minute)
	cfg.Schema.ChunkInterval = p.duration("SCHEMA_CHUNK_INTERVAL", 24*time.Hour)
	cfg.Schema.CompressAfter = p.duration("SCHEMA_COMPRESS_AFTER", 7*24*time.Hour)
	cfg.Schema.RawRetention = p.duration("SCHEMA_RAW_RETENTION", 90*24*time.Hour)

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":9105")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FlushInterval 定时刷新间隔
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Ingest.FlushIntervalMs) * time.Millisecond
}

// Validate 检查配置取值
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, v int64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	positive("FLUSH_INTERVAL_MS", int64(c.Ingest.FlushIntervalMs))
	positive("MAX_BUFFER_SIZE", int64(c.Ingest.MaxBufferSize))
	positive("POLL_INTERVAL", int64(c.Router.PollInterval))
	positive("PUSH_DRAIN_INTERVAL", int64(c.Router.PushDrainInterval))
	positive("REDISCOVERY_INTERVAL", int64(c.Router.RediscoveryInterval))
	positive("CONNECT_MAX_ATTEMPTS", int64(c.Router.ConnectMaxAttempts))
	positive("MAX_POLL_FAILURES", int64(c.Router.MaxPollFailures))
	positive("DUPLICATE_WINDOW", int64(c.Validation.DuplicateWindow))
	positive("WRITE_MAX_ATTEMPTS", int64(c.Writer.MaxAttempts))
	positive("BROADCAST_QUEUE_SIZE", int64(c.Broadcast.QueueSize))
	positive("TENANT_DB_MAX_OPEN", int64(c.TenantPool.MaxOpenConns))

	switch c.Broadcast.Transport {
	case "redis", "redis-stream", "nats":
	default:
		errs = append(errs, fmt.Errorf("unknown BROADCAST_TRANSPORT %q", c.Broadcast.Transport))
	}
	if c.Spillover.Path == "" {
		errs = append(errs, errors.New("SPILLOVER_PATH is required"))
	}
	return errors.Join(errs...)
}

// Rules 校验规则文件
//
//	ranges:
//	  oil_rate: {min: 0, max: 20000}
//	wells:
//	  WELL-7:
//	    tubing_pressure: {min: 0, max: 3000}
//	duplicate_window: 60s
//	anomaly:
//	  z_threshold: 4
//	  min_samples: 30
//	  window: 120
type Rules struct {
	Ranges          map[string]validator.Range            `yaml:"ranges"`
	Wells           map[string]map[string]validator.Range `yaml:"wells"`
	DuplicateWindow string                                `yaml:"duplicate_window"`
	Anomaly         struct {
		ZThreshold *float64 `yaml:"z_threshold"`
		MinSamples *int     `yaml:"min_samples"`
		Window     *int     `yaml:"window"`
	} `yaml:"anomaly"`
}

// LoadRules 读取规则文件，path 为空时返回空规则
func LoadRules(path string) (*Rules, error) {
	rules := &Rules{}
	if path == "" {
		return rules, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	if err := yaml.Unmarshal(raw, rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}

	check := func(scope string, ranges map[string]validator.Range) error {
		for tag, r := range ranges {
			if r.Min > r.Max {
				return fmt.Errorf("%s range for %s has min %v > max %v", scope, tag, r.Min, r.Max)
			}
		}
		return nil
	}
	if err := check("tag", rules.Ranges); err != nil {
		return nil, err
	}
	for well, ranges := range rules.Wells {
		if err := check("well "+well, ranges); err != nil {
			return nil, err
		}
	}
	if rules.DuplicateWindow != "" {
		if _, err := time.ParseDuration(rules.DuplicateWindow); err != nil {
			return nil, fmt.Errorf("invalid duplicate_window %q: %w", rules.DuplicateWindow, err)
		}
	}
	return rules, nil
}

// ValidatorConfig 合并环境变量与规则文件，规则文件优先
func (c *Config) ValidatorConfig(rules *Rules) validator.Config {
	vc := validator.Config{
		DuplicateWindow:   c.Validation.DuplicateWindow,
		AnomalyZThreshold: c.Validation.AnomalyZThreshold,
		AnomalyMinSamples: c.Validation.AnomalyMinSamples,
		AnomalyWindow:     c.Validation.AnomalyWindow,
	}
	if rules == nil {
		return vc
	}

	vc.Ranges = rules.Ranges
	vc.WellRanges = rules.Wells
	if d, err := time.ParseDuration(rules.DuplicateWindow); err == nil && d > 0 {
		vc.DuplicateWindow = d
	}
	if rules.Anomaly.ZThreshold != nil {
		vc.AnomalyZThreshold = *rules.Anomaly.ZThreshold
	}
	if rules.Anomaly.MinSamples != nil {
		vc.AnomalyMinSamples = *rules.Anomaly.MinSamples
	}
	if rules.Anomaly.Window != nil {
		vc.AnomalyWindow = *rules.Anomaly.Window
	}
	return vc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envParser 解析带类型的环境变量并收集错误
type envParser struct {
	errs []error
}

func (p *envParser) int(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s=%q: %w", key, s, err))
		return def
	}
	return v
}

func (p *envParser) float(key string, def float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s=%q: %w", key, s, err))
		return def
	}
	return v
}

// duration 支持 "5s" 形式，纯数字按秒
func (p *envParser) duration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s=%q: %w", key, s, err))
		return def
	}
	return v
}
