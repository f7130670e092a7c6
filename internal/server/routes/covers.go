package routes

import (
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/bookdigest/covercache/internal/config"
	"github.com/bookdigest/covercache/internal/imagecache"
	"github.com/bookdigest/covercache/internal/logging"
	"github.com/bookdigest/covercache/internal/server"
)

type resolvePayload struct {
	URL    string `json:"url"`
	Cached bool   `json:"cached"`
}

type warmRequest struct {
	URLs []string `json:"urls"`
}

// RegisterCoverRoutes 暴露封面地址改写与后台预热接口。
func RegisterCoverRoutes(app *fiber.App, ic *imagecache.ImageCache, logger *logrus.Logger) {
	if app == nil || ic == nil {
		return
	}
	if logger == nil {
		logger = logging.Discard()
	}

	app.Get("/api/covers/resolve", func(c fiber.Ctx) error {
		origin := strings.TrimSpace(c.Query("url"))
		if origin == "" {
			return writeError(c, fiber.StatusBadRequest, "url_required")
		}

		mode := ic.DefaultMode()
		if raw := c.Query("populate"); raw != "" {
			parsed, err := config.ParsePopulateMode(raw)
			if err != nil {
				return writeError(c, fiber.StatusBadRequest, "invalid_populate_mode")
			}
			mode = parsed
		}

		resolved := ic.CachedURL(c.Context(), origin, mode)
		_, cached := ic.ParseCachedURL(resolved)
		return c.JSON(resolvePayload{URL: resolved, Cached: cached})
	})

	app.Post("/-/covers/warm", func(c fiber.Ctx) error {
		var req warmRequest
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return writeError(c, fiber.StatusBadRequest, "invalid_body")
		}

		scheduled := 0
		for _, raw := range req.URLs {
			origin := strings.TrimSpace(raw)
			if origin == "" {
				continue
			}
			if ic.Schedule(origin) {
				scheduled++
			}
		}

		logger.WithFields(logrus.Fields{
			"action":     "cache_warm",
			"requested":  len(req.URLs),
			"scheduled":  scheduled,
			"request_id": server.RequestID(c),
		}).Info("cache_warm_scheduled")

		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"scheduled": scheduled})
	})
}
