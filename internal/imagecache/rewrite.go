package imagecache

import (
	"context"
	"fmt"

	"github.com/bookdigest/covercache/internal/config"
	"github.com/bookdigest/covercache/internal/logging"
)

// ResolveURL 使用配置的默认回填策略改写地址，供渲染书目响应的调用方使用。
func (c *ImageCache) ResolveURL(ctx context.Context, originURL string) string {
	return c.CachedURL(ctx, originURL, c.defaultMode)
}

// CachedURL 返回 originURL 对应的公开地址：
//   - 空地址返回空字符串，不做任何 I/O；
//   - 已缓存返回 <prefix>/<digest>.jpg；
//   - 未缓存时按 mode 处理：sync 阻塞回源，成功后返回改写地址；
//     async 后台回源并返回原始地址；off 直接返回原始地址；
//   - 传入的是改写地址时，确认文件仍在，缺失则借助 sidecar 恢复源地址；
//     sidecar 也缺失时返回空字符串，调用方应视为无封面，而不是输出失效链接。
//
// 除上述改写地址无法恢复的情况外，任何内部错误都降级为返回原始地址，
// 不会 panic 或返回 error。
func (c *ImageCache) CachedURL(ctx context.Context, originURL string, mode PopulateMode) (resolved string) {
	if originURL == "" {
		return ""
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.WithFields(logging.CacheFields("cache_rewrite", "", originURL, false)).
				WithError(fmt.Errorf("panic: %v", r)).
				Error("cache_rewrite_panic")
			resolved = originURL
		}
	}()

	mode = c.normalizeMode(mode)

	if digest, ok := c.ParseCachedURL(originURL); ok {
		return c.resolveRewritten(ctx, originURL, digest, mode)
	}

	entry := c.Derive(originURL)
	if _, ok := c.lookupEntry(ctx, entry, originURL); ok {
		return entry.URL
	}
	return c.populate(ctx, entry, originURL, mode)
}

// populate 处理未命中：返回值为改写地址（仅 sync 成功）或原始地址。
func (c *ImageCache) populate(ctx context.Context, entry Entry, originURL string, mode PopulateMode) string {
	switch mode {
	case PopulateSync:
		if _, ok := c.ensureMiss(ctx, entry, originURL); ok {
			return entry.URL
		}
	case PopulateAsync:
		c.Schedule(originURL)
	}
	return originURL
}

// resolveRewritten 处理改写地址的回环：文件存在原样返回；缺失时从 sidecar 找回源地址
// 并按 mode 恢复；源地址无从得知时返回空字符串，避免返回失效链接。
func (c *ImageCache) resolveRewritten(ctx context.Context, rewritten, digest string, mode PopulateMode) string {
	entry := c.entryForDigest(digest)
	if _, ok := c.lookupEntry(ctx, entry, rewritten); ok {
		return rewritten
	}

	origin, err := c.originFor(ctx, digest)
	if err != nil {
		c.logger.WithFields(logging.CacheFields("cache_recover", digest, "", false)).
			WithField("rewritten", rewritten).
			WithError(err).
			Warn("cache_origin_unrecoverable")
		return ""
	}

	c.logger.WithFields(logging.CacheFields("cache_recover", digest, origin, false)).
		WithField("populate_mode", string(mode)).
		Info("cache_entry_missing_recovering")
	return c.populate(ctx, entry, origin, mode)
}

func (c *ImageCache) normalizeMode(mode PopulateMode) PopulateMode {
	if mode == "" {
		return c.defaultMode
	}
	parsed, err := config.ParsePopulateMode(string(mode))
	if err != nil {
		c.logger.WithField("populate_mode", string(mode)).Warn("cache_unknown_populate_mode")
		return PopulateOff
	}
	return parsed
}
