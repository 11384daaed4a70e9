package config

import (
	"errors"
	"fmt"
	"os"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.AdminPort < 0 || g.AdminPort > 65535 {
		return newFieldError("Global.AdminPort", "必须在 0-65535")
	}
	if g.AdminPort != 0 && g.AdminPort == g.ListenPort {
		return newFieldError("Global.AdminPort", "不能与 ListenPort 相同")
	}
	if g.Verbose < 0 {
		return newFieldError("Global.Verbose", "不能为负数")
	}
	if g.LogMaxSize < 0 {
		return newFieldError("Global.LogMaxSize", "不能为负数")
	}
	if g.LogMaxBackups < 0 {
		return newFieldError("Global.LogMaxBackups", "不能为负数")
	}
	if g.ShutdownGrace.DurationValue() <= 0 {
		return newFieldError("Global.ShutdownGrace", "必须大于 0")
	}
	if g.BasePath != "" {
		if err := validateBasePath(g.BasePath); err != nil {
			return fmt.Errorf("%s: %w", "Global.BasePath", err)
		}
	}

	cache := c.Cache
	if cache.Capacity == 0 {
		return newFieldError("Cache.Capacity", "不能为 0（使用负数表示不限）")
	}
	if cache.FlushFrequency <= 0 {
		return newFieldError("Cache.FlushFrequency", "必须大于 0")
	}

	return nil
}

func validateBasePath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return errors.New("必须是目录")
	}
	return nil
}
