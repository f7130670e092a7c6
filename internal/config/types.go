package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
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

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
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

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// PopulateMode 描述缓存未命中时的回填策略。
type PopulateMode string

const (
	// PopulateSync 阻塞当前调用直到回源完成，首个响应即可拿到缓存地址。
	PopulateSync PopulateMode = "sync"
	// PopulateAsync 在后台回源，本次调用返回原始地址。
	PopulateAsync PopulateMode = "async"
	// PopulateOff 仅查询，不触发回源。
	PopulateOff PopulateMode = "off"
)

// ParsePopulateMode 将字符串标准化为 PopulateMode，非法值返回错误。
func ParsePopulateMode(raw string) (PopulateMode, error) {
	switch mode := PopulateMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case PopulateSync, PopulateAsync, PopulateOff:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported populate mode: %q", raw)
	}
}

// GlobalConfig 描述服务运行参数，所有请求共享同一份配置。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`
	StoragePath   string `mapstructure:"StoragePath"`
}

// CacheConfig 控制封面图片缓存的行为。
type CacheConfig struct {
	PublicPrefix       string       `mapstructure:"PublicPrefix"`
	PopulateMode       PopulateMode `mapstructure:"PopulateMode"`
	FetchTimeout       Duration     `mapstructure:"FetchTimeout"`
	MaxImageBytes      int64        `mapstructure:"MaxImageBytes"`
	WarmConcurrency    int          `mapstructure:"WarmConcurrency"`
	WarmQueueSize      int          `mapstructure:"WarmQueueSize"`
	UserAgent          string       `mapstructure:"UserAgent"`
	InsecureSkipVerify bool         `mapstructure:"InsecureSkipVerify"`
}

// Config 是 TOML 文件映射的整体结构，顶层键平铺在同一层级。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Cache  CacheConfig  `mapstructure:",squash"`
}
