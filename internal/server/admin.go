package server

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AdminOptions 控制诊断用 HTTP 应用。
type AdminOptions struct {
	Logger   *logrus.Logger
	Registry *CacheRegistry
	Server   *Server
}

const contextKeyRequestID = "_memocache_request_id"

// NewAdminApp 构建诊断用 Fiber 应用，只挂载 recover 与请求 ID 中间件，
// 具体路由由 routes 包注册。
func NewAdminApp(opts AdminOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("cache registry is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware(opts.Logger))

	return app, nil
}

func requestIDMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		err := c.Next()
		logger.WithFields(logrus.Fields{
			"action":     "admin_request",
			"request_id": reqID,
			"path":       c.Path(),
			"status":     c.Response().StatusCode(),
		}).Debug("admin request served")
		return err
	}
}

// RequestID 返回中间件写入的请求 ID。
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
