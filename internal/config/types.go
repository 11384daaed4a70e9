package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// ByteSize 表示字节数，支持 "35GiB"、"512MB" 等写法；负数表示不限。
type ByteSize int64

// Unlimited 表示容量不设上限。
const Unlimited ByteSize = -1

// ParseByteSize 解析人类可读的容量字符串，"-1"、"unlimited" 均表示不限。
func ParseByteSize(raw string) (ByteSize, error) {
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "":
		return 0, nil
	case "unlimited", "none":
		return Unlimited, nil
	}

	if intVal, err := parseInt(raw); err == nil {
		return ByteSize(intVal), nil
	}

	parsed, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size value: %s", raw)
	}
	if parsed > math.MaxInt64 {
		return 0, fmt.Errorf("byte size overflows int64: %s", raw)
	}
	return ByteSize(parsed), nil
}

// UnmarshalText 让 ByteSize 可以直接从 TOML 字符串或环境变量解析。
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Bytes 返回 int64 形式的字节数。
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// String 输出便于日志阅读的容量描述。
func (b ByteSize) String() string {
	if b < 0 {
		return "unlimited"
	}
	return humanize.IBytes(uint64(b))
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述服务进程的监听、日志与访问控制参数。
type GlobalConfig struct {
	ListenPort    int      `mapstructure:"ListenPort"`
	AdminPort     int      `mapstructure:"AdminPort"`
	LogLevel      string   `mapstructure:"LogLevel"`
	LogFilePath   string   `mapstructure:"LogFilePath"`
	LogMaxSize    int      `mapstructure:"LogMaxSize"`
	LogMaxBackups int      `mapstructure:"LogMaxBackups"`
	LogCompress   bool     `mapstructure:"LogCompress"`
	Verbose       int      `mapstructure:"Verbose"`
	ReadOnly      bool     `mapstructure:"ReadOnly"`
	BasePath      string   `mapstructure:"BasePath"`
	ShutdownGrace Duration `mapstructure:"ShutdownGrace"`
}

// CacheConfig 决定服务端每个缓存文件对应的 Store 如何限额与落盘。
type CacheConfig struct {
	Capacity       ByteSize `mapstructure:"Capacity"`
	FlushFrequency int      `mapstructure:"FlushFrequency"`
	AppendMode     bool     `mapstructure:"AppendMode"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Cache  CacheConfig  `mapstructure:"Cache"`
}

// Restricted 表示是否只允许打开 BasePath 下的简单文件名。
func (g GlobalConfig) Restricted() bool {
	return g.BasePath != ""
}
