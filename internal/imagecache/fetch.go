package imagecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	_ "golang.org/x/image/webp"

	"github.com/bookdigest/covercache/internal/cache"
	"github.com/bookdigest/covercache/internal/logging"
	"github.com/bookdigest/covercache/internal/metrics"
)

var (
	// ErrInvalidURL 表示源地址为空或不是 http/https 绝对地址。
	ErrInvalidURL = errors.New("invalid origin url")
	// ErrOriginFetch 表示网络错误或源站返回非 2xx。
	ErrOriginFetch = errors.New("origin fetch failed")
	// ErrInvalidImage 表示响应体无法解码为图片或超出大小限制。
	ErrInvalidImage = errors.New("invalid image payload")
	// ErrCacheWrite 表示缓存目录写入失败。
	ErrCacheWrite = errors.New("cache write failed")
)

func validateOriginURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return nil
}

// errorClass 将错误映射为日志/指标使用的分类标签。
func errorClass(err error) string {
	switch {
	case err == nil:
		return metrics.FetchOK
	case errors.Is(err, ErrInvalidURL):
		return metrics.FetchInvalidURL
	case errors.Is(err, ErrInvalidImage):
		return metrics.FetchInvalidImage
	case errors.Is(err, ErrCacheWrite):
		return metrics.FetchWriteError
	default:
		return metrics.FetchOriginError
	}
}

// fetchAndStore 在 singleflight 内执行：回源、校验、写入 sidecar 与图片。
func (c *ImageCache) fetchAndStore(ctx context.Context, entry Entry, originURL string) (*cache.Entry, error) {
	started := time.Now()

	// 排队期间其他调用可能已经写入。
	if stat, err := c.store.Stat(ctx, entry.Name); err == nil {
		return stat, nil
	}

	data, status, format, err := c.download(ctx, originURL)
	var stored *cache.Entry
	if err == nil {
		stored, err = c.persist(ctx, entry, originURL, data)
	}

	elapsed := time.Since(started)
	fields := logging.CacheFields("cache_fetch", entry.Digest, originURL, false)
	fields["upstream_status"] = status
	fields["elapsed_ms"] = elapsed.Milliseconds()

	if err != nil {
		class := errorClass(err)
		c.metrics.RecordFetch(class, elapsed, 0)
		fields["error_class"] = class
		c.logger.WithFields(fields).WithError(err).Warn("cache_fetch_failed")
		return nil, err
	}

	c.metrics.RecordFetch(metrics.FetchOK, elapsed, stored.SizeBytes)
	fields["format"] = format
	fields["size_bytes"] = stored.SizeBytes
	fields["path"] = stored.FilePath
	c.logger.WithFields(fields).Info("cache_stored")
	return stored, nil
}

// download 执行 GET 并返回通过校验的图片字节、上游状态码与图片格式。
func (c *ImageCache) download(ctx context.Context, originURL string) ([]byte, int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, originURL, nil)
	if err != nil {
		return nil, 0, "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, "", fmt.Errorf("%w: %v", ErrOriginFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, resp.StatusCode, "", fmt.Errorf("%w: status %d", ErrOriginFetch, resp.StatusCode)
	}
	if resp.ContentLength > c.maxBytes {
		return nil, resp.StatusCode, "", fmt.Errorf("%w: content length %d exceeds %d", ErrInvalidImage, resp.ContentLength, c.maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, resp.StatusCode, "", fmt.Errorf("%w: read body: %v", ErrOriginFetch, err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, resp.StatusCode, "", fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidImage, c.maxBytes)
	}

	format, err := decodeImage(data)
	if err != nil {
		return nil, resp.StatusCode, "", err
	}
	return data, resp.StatusCode, format, nil
}

// decodeImage 完整解码一次，拦截伪装成图片的 HTML 错误页与截断数据。
func decodeImage(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty body", ErrInvalidImage)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return "", fmt.Errorf("%w: empty image bounds", ErrInvalidImage)
	}
	return format, nil
}

// persist 先写 sidecar 再写图片；图片写入失败时回收本次新建的 sidecar。
func (c *ImageCache) persist(ctx context.Context, entry Entry, originURL string, data []byte) (*cache.Entry, error) {
	originName := entry.Digest + originExt
	_, statErr := c.store.Stat(ctx, originName)
	hadOrigin := statErr == nil

	if _, err := c.store.Put(ctx, originName, strings.NewReader(originURL), cache.PutOptions{}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheWrite, err)
	}

	stored, err := c.store.Put(ctx, entry.Name, bytes.NewReader(data), cache.PutOptions{})
	if err != nil {
		if !hadOrigin {
			_ = c.store.Remove(ctx, originName)
		}
		return nil, fmt.Errorf("%w: %v", ErrCacheWrite, err)
	}
	return stored, nil
}

// originFor 从 sidecar 读取摘要对应的源地址。
func (c *ImageCache) originFor(ctx context.Context, digest string) (string, error) {
	result, err := c.store.Get(ctx, digest+originExt)
	if err != nil {
		return "", err
	}
	defer result.Reader.Close()

	raw, err := io.ReadAll(io.LimitReader(result.Reader, 64*1024))
	if err != nil {
		return "", err
	}
	origin := strings.TrimSpace(string(raw))
	if origin == "" {
		return "", cache.ErrNotFound
	}
	if c.digest(origin) != digest {
		return "", fmt.Errorf("origin sidecar mismatch for %s", digest)
	}
	return origin, nil
}
