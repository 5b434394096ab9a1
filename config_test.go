// =============================================================================
// 文件: config_test.go
// 描述: 配置测试 - 默认值、校验、yaml 加载
// =============================================================================
package reludp

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("默认配置应通过校验: %v", err)
	}

	if cfg.IdleTimeoutMs != 10000 {
		t.Errorf("空闲窗口默认应为 10000ms: got %d", cfg.IdleTimeoutMs)
	}
	if cfg.ResendBudgetMs != 1000 {
		t.Errorf("重发预算默认应为 1000ms: got %d", cfg.ResendBudgetMs)
	}
	if cfg.AckCapacity != 32 {
		t.Errorf("确认队列容量默认应为 32: got %d", cfg.AckCapacity)
	}
	if cfg.MaxPayload != 64*1024 {
		t.Errorf("载荷上限默认应为 64KiB: got %d", cfg.MaxPayload)
	}
	if cfg.keepalive() != 500*time.Millisecond {
		t.Errorf("保活间隔默认应为 500ms: got %v", cfg.keepalive())
	}
}

func TestValidateBackfillsZeroValues(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("零值配置应回填默认并通过: %v", err)
	}
	if cfg.MaxConnections == 0 || cfg.PingIntervalMs == 0 {
		t.Error("零值字段应被回填")
	}
}

func TestValidateRejectsBadCombinations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResendBudgetMs = 10
	cfg.RetransmitScanMs = 50
	if err := cfg.Validate(); err == nil {
		t.Error("重发预算小于扫描周期应被拒绝")
	}

	cfg = DefaultConfig()
	cfg.IdleTimeoutMs = 400
	cfg.KeepaliveMs = 500
	if err := cfg.Validate(); err == nil {
		t.Error("空闲窗口不大于保活间隔应被拒绝")
	}

	cfg = DefaultConfig()
	cfg.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("未知日志级别应被拒绝")
	}

	cfg = DefaultConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = ""
	if err := cfg.Validate(); err == nil {
		t.Error("启用监控但缺少监听地址应被拒绝")
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
max_connections: 8
idle_timeout_ms: 3000
log_level: debug
metrics:
  enabled: true
  listen: "127.0.0.1:9999"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if cfg.MaxConnections != 8 {
		t.Errorf("max_connections 应为 8: got %d", cfg.MaxConnections)
	}
	if cfg.IdleTimeoutMs != 3000 {
		t.Errorf("idle_timeout_ms 应为 3000: got %d", cfg.IdleTimeoutMs)
	}
	// 未出现的字段保持默认
	if cfg.ResendBudgetMs != 1000 {
		t.Errorf("未配置字段应保持默认: got %d", cfg.ResendBudgetMs)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Listen != "127.0.0.1:9999" {
		t.Error("监控配置解析错误")
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("监控路径应回填默认: got %q", cfg.Metrics.Path)
	}

	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("不存在的文件应报错")
	}
}
