package router

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	redisstorage "github.com/gofiber/storage/redis"
	"github.com/redis/go-redis/v9"

	apiv1 "github.com/ManuelReschke/BotFox/internal/api/v1"
	"github.com/ManuelReschke/BotFox/internal/pkg/config"
	"github.com/ManuelReschke/BotFox/internal/pkg/middleware"
)

type ApiRouter struct {
	cfg    *config.Config
	server apiv1.ServerInterface
	cache  *redis.Client
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	limiterCfg := limiter.Config{
		Max:        h.cfg.APIRateLimit,
		Expiration: time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			if key := c.Get("X-API-Key"); key != "" {
				return "key:" + key
			}
			return "ip:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "too_many_requests",
				"message": "Rate limit exceeded",
			})
		},
	}
	if h.cache != nil {
		limiterCfg.Storage = newLimiterStorage(h.cache, h.cfg.LimiterDB)
	}

	api := app.Group("/api", limiter.New(limiterCfg))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from botfox api",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1")
	apiv1.RegisterHandlers(v1, h.server, apiv1.MiddlewareFunc(middleware.APIKeyAuthMiddleware(h.cfg.APIKey)))
}

// NewApiRouter creates the /api routes. A nil cache keeps limiter counters in memory.
func NewApiRouter(cfg *config.Config, server apiv1.ServerInterface, cache *redis.Client) *ApiRouter {
	return &ApiRouter{cfg: cfg, server: server, cache: cache}
}

// newLimiterStorage shares the limiter counters between instances through the cache server
func newLimiterStorage(cacheClient *redis.Client, database int) *redisstorage.Storage {
	host := "localhost"
	port := 6379
	opts := cacheClient.Options()
	if h, p, err := net.SplitHostPort(opts.Addr); err == nil {
		host = h
		if v, err := strconv.Atoi(p); err == nil {
			port = v
		}
	}
	log.Infof("[Router] Rate limiter storage on %s:%d db %d", host, port, database)

	return redisstorage.New(redisstorage.Config{
		Host:     host,
		Port:     port,
		Password: opts.Password,
		Database: database,
		Reset:    false,
	})
}
