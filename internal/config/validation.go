package config

import (
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
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
	if strings.TrimSpace(g.StoragePath) == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("Global.LogLevel", "无法识别的日志级别")
		}
	}
	if g.LogMaxSize < 0 {
		return newFieldError("Global.LogMaxSize", "不能为负数")
	}
	if g.LogMaxBackups < 0 {
		return newFieldError("Global.LogMaxBackups", "不能为负数")
	}

	cache := c.Cache
	if !strings.HasPrefix(cache.PublicPrefix, "/") {
		return newFieldError("Cache.PublicPrefix", "必须以 / 开头")
	}
	if strings.ContainsAny(cache.PublicPrefix, "?# ") {
		return newFieldError("Cache.PublicPrefix", "不允许包含查询参数或空格")
	}
	if _, err := ParsePopulateMode(string(cache.PopulateMode)); err != nil {
		return newFieldError("Cache.PopulateMode", "仅支持 sync/async/off")
	}
	if cache.FetchTimeout.DurationValue() <= 0 {
		return newFieldError("Cache.FetchTimeout", "必须大于 0")
	}
	if cache.MaxImageBytes <= 0 {
		return newFieldError("Cache.MaxImageBytes", "必须大于 0")
	}
	if cache.WarmConcurrency <= 0 {
		return newFieldError("Cache.WarmConcurrency", "必须大于 0")
	}
	if cache.WarmQueueSize <= 0 {
		return newFieldError("Cache.WarmQueueSize", "必须大于 0")
	}

	return nil
}
