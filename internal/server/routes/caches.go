package routes

import (
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"

	"github.com/memocache/memocache/internal/server"
	"github.com/memocache/memocache/internal/store"
)

// RegisterCacheRoutes 暴露 /-/healthz 与 /-/caches 诊断接口，只读，不会修改任何 Store。
func RegisterCacheRoutes(app *fiber.App, registry *server.CacheRegistry, srv *server.Server) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		terminated := srv != nil && srv.Terminated()
		return c.JSON(fiber.Map{
			"status":     "ok",
			"terminated": terminated,
		})
	})

	app.Get("/-/caches", func(c fiber.Ctx) error {
		return c.JSON(encodeCaches(registry.Snapshot()))
	})

	app.Get("/-/caches/stats", func(c fiber.Ctx) error {
		path := strings.TrimSpace(c.Query("path"))
		if path == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "path_required"})
		}
		if srv != nil {
			resolved, ok := srv.ResolvePath(path)
			if !ok {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "simple_name_required"})
			}
			path = resolved
		}
		st, ok := registry.Lookup(path)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "cache_not_found"})
		}
		stats := st.Stats()
		if stats.Path == "" {
			stats.Path = path
		}
		return c.JSON(encodeCache(stats))
	})
}

type cachePayload struct {
	store.Stats
	HumanBytes    string `json:"human_bytes"`
	HumanCapacity string `json:"human_capacity"`
}

func encodeCaches(snapshot []store.Stats) []cachePayload {
	result := make([]cachePayload, 0, len(snapshot))
	for _, stats := range snapshot {
		result = append(result, encodeCache(stats))
	}
	return result
}

func encodeCache(stats store.Stats) cachePayload {
	return cachePayload{
		Stats:         stats,
		HumanBytes:    humanBytes(stats.Bytes),
		HumanCapacity: humanBytes(stats.CapacityBytes),
	}
}

func humanBytes(n int64) string {
	if n < 0 {
		return "unlimited"
	}
	return humanize.IBytes(uint64(n))
}
