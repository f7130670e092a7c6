package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// CacheFields 提供缓存条目相关字段（摘要、源地址、命中状态），供缓存与路由日志复用。
func CacheFields(action, digest, origin string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"action":    action,
		"digest":    digest,
		"origin":    origin,
		"cache_hit": cacheHit,
	}
}

// RequestFields 记录 HTTP 请求维度的字段。
func RequestFields(requestID, method, path string, status int) logrus.Fields {
	fields := logrus.Fields{
		"method": method,
		"path":   path,
		"status": status,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
