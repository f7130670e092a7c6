package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultListenPort      = 5000
	defaultStoragePath     = "./static/cache/images"
	defaultPublicPrefix    = "/cache/images"
	defaultFetchTimeout    = 15 * time.Second
	defaultMaxImageBytes   = 10 << 20
	defaultWarmConcurrency = 4
	defaultWarmQueueSize   = 256
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	hooks := mapstructure.ComposeDecodeHookFunc(durationDecodeHook(), populateModeDecodeHook())
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", defaultListenPort)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", defaultStoragePath)
	v.SetDefault("PublicPrefix", defaultPublicPrefix)
	v.SetDefault("PopulateMode", string(PopulateAsync))
	v.SetDefault("FetchTimeout", "15s")
	v.SetDefault("MaxImageBytes", defaultMaxImageBytes)
	v.SetDefault("WarmConcurrency", defaultWarmConcurrency)
	v.SetDefault("WarmQueueSize", defaultWarmQueueSize)
	v.SetDefault("InsecureSkipVerify", false)
}

// applyDefaults 在 viper 默认值之外兜底，覆盖显式写成零值的字段。
func applyDefaults(cfg *Config) {
	g := &cfg.Global
	if g.ListenPort == 0 {
		g.ListenPort = defaultListenPort
	}
	if strings.TrimSpace(g.StoragePath) == "" {
		g.StoragePath = defaultStoragePath
	}

	c := &cfg.Cache
	c.PublicPrefix = NormalizePrefix(c.PublicPrefix)
	if c.PopulateMode == "" {
		c.PopulateMode = PopulateAsync
	}
	if c.FetchTimeout.DurationValue() == 0 {
		c.FetchTimeout = Duration(defaultFetchTimeout)
	}
	if c.MaxImageBytes == 0 {
		c.MaxImageBytes = defaultMaxImageBytes
	}
	if c.WarmConcurrency == 0 {
		c.WarmConcurrency = defaultWarmConcurrency
	}
	if c.WarmQueueSize == 0 {
		c.WarmQueueSize = defaultWarmQueueSize
	}
}

// NormalizePrefix 保证公开前缀以 / 开头且不以 / 结尾，空值回退默认前缀。
func NormalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return defaultPublicPrefix
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	trimmed := strings.TrimRight(prefix, "/")
	if trimmed == "" {
		return defaultPublicPrefix
	}
	return trimmed
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

func populateModeDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(PopulateMode(""))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}
		raw, ok := data.(string)
		if !ok {
			return nil, fmt.Errorf("不支持的 PopulateMode 类型: %T", data)
		}
		if strings.TrimSpace(raw) == "" {
			return PopulateMode(""), nil
		}
		return ParsePopulateMode(raw)
	}
}
