// =============================================================================
// 文件: config.go
// 描述: 配置管理 - 默认值、yaml 加载、校验
// =============================================================================
package reludp

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 端点配置。零值字段在 Validate 时回填默认值。
type Config struct {
	// 服务端接受的最大连接数
	MaxConnections uint32 `yaml:"max_connections"`

	// 空闲驱逐窗口：该时长内没有任何数据报的对端视为丢失
	IdleTimeoutMs int `yaml:"idle_timeout_ms"`

	// 重发预算：未确认的可靠包超过该时长后重传
	ResendBudgetMs int `yaml:"resend_budget_ms"`

	// 重传扫描周期
	RetransmitScanMs int `yaml:"retransmit_scan_ms"`

	// 保活间隔：该时长内没有发出任何包则补发不可靠 KA
	KeepaliveMs int `yaml:"keepalive_ms"`

	// ping 间隔与 RTT 滑动窗口
	PingIntervalMs int `yaml:"ping_interval_ms"`
	PingWindowMs   int `yaml:"ping_window_ms"`

	// 近期接收待确认队列容量
	AckCapacity int `yaml:"ack_capacity"`

	// 变长字段上限 (字节)
	MaxPayload int `yaml:"max_payload"`

	// 日志级别: error / info / debug
	LogLevel string `yaml:"log_level"`

	// 监控配置
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Listen     string `yaml:"listen"`
	Path       string `yaml:"path"`
	HealthPath string `yaml:"health_path"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxConnections:   256,
		IdleTimeoutMs:    10000,
		ResendBudgetMs:   1000,
		RetransmitScanMs: 50,
		KeepaliveMs:      500,
		PingIntervalMs:   300,
		PingWindowMs:     1000,
		AckCapacity:      32,
		MaxPayload:       64 * 1024,
		LogLevel:         "info",
		Metrics: MetricsConfig{
			Enabled:    false,
			Listen:     "127.0.0.1:9180",
			Path:       "/metrics",
			HealthPath: "/health",
		},
	}
}

// LoadConfig 从 yaml 文件加载配置，未出现的字段保持默认值
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置并回填零值默认
func (c *Config) Validate() error {
	def := DefaultConfig()

	if c.MaxConnections == 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.IdleTimeoutMs <= 0 {
		c.IdleTimeoutMs = def.IdleTimeoutMs
	}
	if c.ResendBudgetMs <= 0 {
		c.ResendBudgetMs = def.ResendBudgetMs
	}
	if c.RetransmitScanMs <= 0 {
		c.RetransmitScanMs = def.RetransmitScanMs
	}
	if c.KeepaliveMs <= 0 {
		c.KeepaliveMs = def.KeepaliveMs
	}
	if c.PingIntervalMs <= 0 {
		c.PingIntervalMs = def.PingIntervalMs
	}
	if c.PingWindowMs <= 0 {
		c.PingWindowMs = def.PingWindowMs
	}
	if c.AckCapacity <= 0 {
		c.AckCapacity = def.AckCapacity
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = def.MaxPayload
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}

	switch c.LogLevel {
	case "error", "info", "debug":
	default:
		return fmt.Errorf("无效的日志级别: %q", c.LogLevel)
	}

	if c.ResendBudgetMs < c.RetransmitScanMs {
		return fmt.Errorf("重发预算 (%dms) 不得小于扫描周期 (%dms)",
			c.ResendBudgetMs, c.RetransmitScanMs)
	}
	if c.IdleTimeoutMs <= c.KeepaliveMs {
		return fmt.Errorf("空闲窗口 (%dms) 必须大于保活间隔 (%dms)，否则活跃对端会被驱逐",
			c.IdleTimeoutMs, c.KeepaliveMs)
	}

	if c.Metrics.Enabled {
		if c.Metrics.Listen == "" {
			return fmt.Errorf("启用监控时必须配置 metrics.listen")
		}
		if c.Metrics.Path == "" {
			c.Metrics.Path = def.Metrics.Path
		}
		if c.Metrics.HealthPath == "" {
			c.Metrics.HealthPath = def.Metrics.HealthPath
		}
	}

	return nil
}

// 时长换算
func (c *Config) idleTimeout() time.Duration    { return time.Duration(c.IdleTimeoutMs) * time.Millisecond }
func (c *Config) resendBudget() time.Duration   { return time.Duration(c.ResendBudgetMs) * time.Millisecond }
func (c *Config) retransmitScan() time.Duration { return time.Duration(c.RetransmitScanMs) * time.Millisecond }
func (c *Config) keepalive() time.Duration      { return time.Duration(c.KeepaliveMs) * time.Millisecond }
func (c *Config) pingInterval() time.Duration   { return time.Duration(c.PingIntervalMs) * time.Millisecond }
func (c *Config) pingWindow() time.Duration     { return time.Duration(c.PingWindowMs) * time.Millisecond }
