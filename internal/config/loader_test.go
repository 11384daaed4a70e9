package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.ListenPort != 4000 {
		t.Fatalf("ListenPort 默认值应为 4000，得到 %d", cfg.Global.ListenPort)
	}
	if cfg.Cache.Capacity != DefaultCapacity {
		t.Fatalf("Capacity 默认值错误: %s", cfg.Cache.Capacity)
	}
	if cfg.Cache.FlushFrequency != 1 || !cfg.Cache.AppendMode {
		t.Fatalf("默认应为追加模式且每次写入落盘: %+v", cfg.Cache)
	}
	if cfg.Global.ShutdownGrace.DurationValue() != 5*time.Second {
		t.Fatalf("ShutdownGrace 默认值错误: %s", cfg.Global.ShutdownGrace.DurationValue())
	}
	if cfg.Global.Restricted() {
		t.Fatalf("未配置 BasePath 时不应限制路径")
	}
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.ListenPort != 4100 || cfg.Global.Verbose != 2 {
		t.Fatalf("全局字段解析错误: %+v", cfg.Global)
	}
	if cfg.Cache.Capacity.Bytes() != 512*1024*1024 {
		t.Fatalf("Capacity 解析错误: %d", cfg.Cache.Capacity)
	}
	if cfg.Cache.FlushFrequency != 100 || cfg.Cache.AppendMode {
		t.Fatalf("Cache 字段解析错误: %+v", cfg.Cache)
	}
	if !filepath.IsAbs(cfg.Global.BasePath) {
		t.Fatalf("BasePath 应被转换为绝对路径: %s", cfg.Global.BasePath)
	}
	if cfg.Global.ShutdownGrace.DurationValue() != 2*time.Second {
		t.Fatalf("ShutdownGrace 解析错误: %s", cfg.Global.ShutdownGrace.DurationValue())
	}
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	_, err := Load(testConfigPath(t, "invalid.toml"))
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != "Global.ListenPort" {
		t.Fatalf("期望 ListenPort 字段错误，得到 %v", err)
	}
}

func TestLoadRejectsBadCapacity(t *testing.T) {
	if _, err := Load(testConfigPath(t, "bad_capacity.toml")); err == nil {
		t.Fatalf("无效容量应失败")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("显式指定的配置文件不存在时应失败")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	path := writeTempConfig(t, `ShutdownGrace = "boom"`)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("MEMOCACHE_LISTENPORT", "4200")
	t.Setenv("MEMOCACHE_CACHE_CAPACITY", "1GiB")

	cfg, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.ListenPort != 4200 {
		t.Fatalf("环境变量应覆盖配置文件，得到 %d", cfg.Global.ListenPort)
	}
	if cfg.Cache.Capacity.Bytes() != 1<<30 {
		t.Fatalf("环境变量容量未生效: %d", cfg.Cache.Capacity)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("MEMOCACHE_LISTENPORT", "4200")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("port", 9999, "")
	flags.String("capacity", "", "")
	flags.Bool("read-only", false, "")
	if err := flags.Parse([]string{"--port", "4300", "--read-only"}); err != nil {
		t.Fatalf("解析参数失败: %v", err)
	}

	cfg, err := LoadWithFlags("", flags)
	if err != nil {
		t.Fatalf("LoadWithFlags 返回错误: %v", err)
	}
	if cfg.Global.ListenPort != 4300 {
		t.Fatalf("flag 应高于环境变量，得到 %d", cfg.Global.ListenPort)
	}
	if !cfg.Global.ReadOnly {
		t.Fatalf("read-only flag 未生效")
	}
	if cfg.Cache.Capacity != DefaultCapacity {
		t.Fatalf("未设置的 flag 不应覆盖默认容量: %s", cfg.Cache.Capacity)
	}
}
