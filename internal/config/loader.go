package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix 是环境变量前缀，例如 MEMOCACHE_LISTENPORT、MEMOCACHE_CACHE_CAPACITY。
const EnvPrefix = "MEMOCACHE"

// DefaultCapacity 与历史部署保持一致：35 * 1024 MiB。
const DefaultCapacity = ByteSize(35 * 1024 * 1024 * 1024)

// flagKeys 把 CLI 标志名映射到配置键，标志优先级高于环境变量与配置文件。
var flagKeys = map[string]string{
	"port":            "ListenPort",
	"admin-port":      "AdminPort",
	"log-level":       "LogLevel",
	"log-file":        "LogFilePath",
	"verbose":         "Verbose",
	"read-only":       "ReadOnly",
	"base-path":       "BasePath",
	"capacity":        "Cache.Capacity",
	"flush-frequency": "Cache.FlushFrequency",
	"append-mode":     "Cache.AppendMode",
}

// Load 读取可选的 TOML 配置文件，叠加环境变量后注入默认值并校验。
func Load(path string) (*Config, error) {
	return LoadWithFlags(path, nil)
}

// LoadWithFlags 与 Load 相同，但额外绑定 CLI 标志；仅被显式设置的标志会覆盖其他来源。
func LoadWithFlags(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置失败: %w", err)
		}
	}

	var cfg Config
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		byteSizeDecodeHook(),
	))
	if err := v.Unmarshal(&cfg, hooks); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.BasePath != "" {
		absBase, err := filepath.Abs(cfg.Global.BasePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.BasePath = absBase
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 4000)
	v.SetDefault("AdminPort", 0)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("Verbose", 0)
	v.SetDefault("ReadOnly", false)
	v.SetDefault("BasePath", "")
	v.SetDefault("ShutdownGrace", "5s")
	v.SetDefault("Cache.Capacity", int64(DefaultCapacity))
	v.SetDefault("Cache.FlushFrequency", 1)
	v.SetDefault("Cache.AppendMode", true)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 4000
	}
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
	if g.ShutdownGrace.DurationValue() == 0 {
		g.ShutdownGrace = Duration(5 * time.Second)
	}
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("绑定参数 %s 失败: %w", name, err)
		}
	}
	return nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(ByteSize(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			parsed, err := ParseByteSize(v)
			if err != nil {
				return nil, fmt.Errorf("无法解析容量字段: %w", err)
			}
			return parsed, nil
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(int64(v)), nil
		case ByteSize:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的容量类型: %T", v)
		}
	}
}
