package routes

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/bookdigest/covercache/internal/cache"
	"github.com/bookdigest/covercache/internal/imagecache"
	"github.com/bookdigest/covercache/internal/logging"
	"github.com/bookdigest/covercache/internal/server"
)

const (
	headerCacheHit = "X-Cover-Cache-Hit"
	sniffLen       = 512
	// 缓存文件按源地址寻址，内容不会在同一地址下变化。
	cacheControlImmutable = "public, max-age=31536000, immutable"
)

// RegisterImageRoutes 挂载图片代理接口与缓存目录的静态访问路由。
func RegisterImageRoutes(app *fiber.App, ic *imagecache.ImageCache, logger *logrus.Logger) {
	if app == nil || ic == nil {
		return
	}
	if logger == nil {
		logger = logging.Discard()
	}

	// /images/proxy?url=... 同步回源后直接返回图片内容，失败时返回 404 而不是 5xx。
	app.Get("/images/proxy", func(c fiber.Ctx) error {
		started := time.Now()
		origin := strings.TrimSpace(c.Query("url"))
		if origin == "" {
			return writeError(c, fiber.StatusBadRequest, "url_required")
		}

		entry := ic.Derive(origin)
		_, hit, ok := ic.EnsureEntry(c.Context(), origin)
		if !ok {
			logProxy(logger, c, entry, origin, false, fiber.StatusNotFound, started, nil)
			return writeError(c, fiber.StatusNotFound, "image_unavailable")
		}

		err := serveCached(c, ic, entry.Name, hit)
		switch {
		case errors.Is(err, cache.ErrNotFound):
			// 写入后被外部删除。
			logProxy(logger, c, entry, origin, hit, fiber.StatusNotFound, started, nil)
			return writeError(c, fiber.StatusNotFound, "image_unavailable")
		case err != nil:
			logProxy(logger, c, entry, origin, hit, fiber.StatusInternalServerError, started, err)
			return err
		}
		logProxy(logger, c, entry, origin, hit, fiber.StatusOK, started, nil)
		return nil
	})

	app.Get(ic.PublicPrefix()+"/:file", func(c fiber.Ctx) error {
		err := serveCached(c, ic, c.Params("file"), true)
		if errors.Is(err, cache.ErrNotFound) {
			return writeError(c, fiber.StatusNotFound, "not_found")
		}
		return err
	})
}

// serveCached 从缓存目录读取文件写入响应，Content-Type 通过文件头嗅探得到。
func serveCached(c fiber.Ctx, ic *imagecache.ImageCache, name string, cacheHit bool) error {
	result, err := ic.Open(c.Context(), name)
	if err != nil {
		return err
	}
	defer result.Reader.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(result.Reader, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("read cache failed: %v", err))
	}
	if _, err := result.Reader.Seek(0, io.SeekStart); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("rewind cache failed: %v", err))
	}

	c.Set(fiber.HeaderContentType, http.DetectContentType(head[:n]))
	c.Set(fiber.HeaderCacheControl, cacheControlImmutable)
	c.Set(headerCacheHit, strconv.FormatBool(cacheHit))
	if size := result.Entry.SizeBytes; size > 0 {
		c.Response().Header.SetContentLength(int(size))
	}
	c.Status(fiber.StatusOK)

	if c.Method() == http.MethodHead {
		return nil
	}
	if _, err := io.Copy(c.Response().BodyWriter(), result.Reader); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

func logProxy(
	logger *logrus.Logger,
	c fiber.Ctx,
	entry imagecache.Entry,
	origin string,
	cacheHit bool,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.CacheFields("image_proxy", entry.Digest, origin, cacheHit)
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if reqID := server.RequestID(c); reqID != "" {
		fields["request_id"] = reqID
	}
	if err != nil {
		logger.WithFields(fields).WithError(err).Error("image_proxy_failed")
		return
	}
	logger.WithFields(fields).Info("image_proxy_complete")
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}
