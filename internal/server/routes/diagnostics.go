package routes

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/bookdigest/covercache/internal/imagecache"
	"github.com/bookdigest/covercache/internal/metrics"
	"github.com/bookdigest/covercache/internal/version"
)

type statusPayload struct {
	imagecache.Stats
	Version string `json:"version"`
}

// RegisterDiagnosticRoutes 暴露 /-/status 与 /-/metrics，供 SRE 查看缓存目录与指标。
func RegisterDiagnosticRoutes(app *fiber.App, ic *imagecache.ImageCache, collector *metrics.Collector) {
	if app == nil || ic == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		stats, err := ic.Stats(c.Context())
		if err != nil {
			return writeError(c, fiber.StatusInternalServerError, "stats_unavailable")
		}
		return c.JSON(statusPayload{Stats: stats, Version: version.Full()})
	})

	if collector != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(collector.Handler()))
	}
}
