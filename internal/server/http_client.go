package server

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/bookdigest/covercache/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   16,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

const defaultFetchTimeout = 15 * time.Second

// NewOriginClient 返回回源下载封面使用的 http.Client，超时与 TLS 校验来自配置。
func NewOriginClient(cfg *config.Config) *http.Client {
	timeout := defaultFetchTimeout
	transport := defaultTransport.Clone()

	if cfg != nil {
		if d := cfg.Cache.FetchTimeout.DurationValue(); d > 0 {
			timeout = d
		}
		if cfg.Cache.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // 显式配置项
		}
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
